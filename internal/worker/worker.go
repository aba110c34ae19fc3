package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bilancio/internal/amqp"
	"bilancio/internal/core"
	"bilancio/internal/services"
)

// Syncer runs one reconciliation pass for an owner.
type Syncer interface {
	Run(ctx context.Context, ownerID core.OwnerID) (*services.Result, error)
}

// OwnerLister enumerates owners with a linked provider account.
type OwnerLister interface {
	ListLinkedOwners(ctx context.Context) ([]core.OwnerID, error)
}

// Exporter pushes a month summary to an external sheet. Optional.
type Exporter interface {
	ExportMonth(ctx context.Context, ownerID core.OwnerID, year, month int) error
}

// SyncWorker drives background syncs: it consumes AMQP sync requests
// and runs a periodic pass over every linked owner as a backstop for
// lost messages.
type SyncWorker struct {
	syncer    Syncer
	owners    OwnerLister
	exporter  Exporter
	batchSize int
}

func NewSyncWorker(syncer Syncer, owners OwnerLister, exporter Exporter, batchSize int) *SyncWorker {
	return &SyncWorker{
		syncer:    syncer,
		owners:    owners,
		exporter:  exporter,
		batchSize: batchSize,
	}
}

// HandleSyncRequest processes a single sync request from AMQP.
//
// A missing credential is not retryable: requeueing would loop the
// message forever while the owner stays unlinked, so it is logged and
// dropped. Everything else returns the error so the delivery is
// requeued and retried.
func (w *SyncWorker) HandleSyncRequest(ctx context.Context, msg *amqp.SyncRequestMessage) error {
	slog.InfoContext(ctx, "Processing sync request",
		"owner_id", msg.OwnerID,
		"reason", msg.Reason)

	result, err := w.syncer.Run(ctx, msg.OwnerID)
	if err != nil {
		if serr, ok := services.AsSyncError(err); ok && serr.Kind == services.ErrKindMissingCredential {
			slog.WarnContext(ctx, "Owner has no linked account, dropping sync request",
				"owner_id", msg.OwnerID, "reason", msg.Reason)
			return nil
		}
		return fmt.Errorf("sync owner %s: %w", msg.OwnerID, err)
	}

	slog.InfoContext(ctx, "Background sync completed",
		"owner_id", msg.OwnerID,
		"reason", msg.Reason,
		"added", len(result.Added),
		"modified", len(result.Modified),
		"removed", len(result.Removed))

	return nil
}

// RunScheduledSyncs syncs every linked owner, at most batchSize per
// pass. One owner failing does not stop the pass; the error count is
// reported at the end.
func (w *SyncWorker) RunScheduledSyncs(ctx context.Context) error {
	owners, err := w.owners.ListLinkedOwners(ctx)
	if err != nil {
		return fmt.Errorf("list linked owners: %w", err)
	}
	if len(owners) == 0 {
		return nil
	}
	if w.batchSize > 0 && len(owners) > w.batchSize {
		owners = owners[:w.batchSize]
	}

	slog.InfoContext(ctx, "Starting scheduled sync pass", "owners", len(owners))

	errCount := 0
	for _, ownerID := range owners {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := w.syncer.Run(ctx, ownerID); err != nil {
			slog.ErrorContext(ctx, "Scheduled sync failed",
				"owner_id", ownerID, "error", err)
			errCount++
		}
	}

	slog.InfoContext(ctx, "Scheduled sync pass completed",
		"owners", len(owners), "errors", errCount)

	if errCount > 0 {
		return fmt.Errorf("%d of %d owner syncs failed", errCount, len(owners))
	}
	return nil
}

// ExportMonthSummaries pushes the previous month's summary for every
// linked owner. No-op when no exporter is configured.
func (w *SyncWorker) ExportMonthSummaries(ctx context.Context) error {
	if w.exporter == nil {
		return nil
	}

	owners, err := w.owners.ListLinkedOwners(ctx)
	if err != nil {
		return fmt.Errorf("list linked owners: %w", err)
	}

	prev := time.Now().AddDate(0, -1, 0)
	year, month := prev.Year(), int(prev.Month())

	var errs []error
	for _, ownerID := range owners {
		if err := w.exporter.ExportMonth(ctx, ownerID, year, month); err != nil {
			slog.ErrorContext(ctx, "Month export failed",
				"owner_id", ownerID, "year", year, "month", month, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
