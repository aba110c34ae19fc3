package services

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"bilancio/internal/core"
	"bilancio/internal/provider"
)

// Reconciliation phase names, reported on store errors.
const (
	PhaseAdded    = "added"
	PhaseModified = "modified"
	PhaseRemoved  = "removed"
)

// Result is what a successful sync run applied to the ledger.
type Result struct {
	Added      []core.Transaction `json:"added"`
	Modified   []core.Transaction `json:"modified"`
	Removed    []string           `json:"removed"`
	NextCursor string             `json:"nextCursor"`
}

// SyncEngine pulls the provider changefeed and reconciles it into the
// transaction store. A run is a single pass: drain the feed page by
// page, commit the cursor, resolve the owner's Uncategorized category,
// then apply added, modified and removed in that order.
//
// The cursor is committed before reconciliation on purpose: re-running a
// window that partially applied would be worse for a ledger than losing
// one fetched batch to a crash, since every reconciliation step is
// idempotent and the next run converges the store anyway.
type SyncEngine struct {
	feed     ChangefeedSource
	links    LinkStore
	txns     TransactionStore
	resolver CategoryResolver

	group singleflight.Group
}

func NewSyncEngine(feed ChangefeedSource, links LinkStore, txns TransactionStore, resolver CategoryResolver) *SyncEngine {
	return &SyncEngine{
		feed:     feed,
		links:    links,
		txns:     txns,
		resolver: resolver,
	}
}

// Run executes one sync for the owner. Concurrent calls for the same
// owner coalesce onto the in-flight run and share its result; runs for
// different owners proceed independently. Interleaving two runs for one
// owner would corrupt the cursor and dedup guarantees, so it is never
// allowed.
func (e *SyncEngine) Run(ctx context.Context, ownerID core.OwnerID) (*Result, error) {
	v, err, shared := e.group.Do(ownerID.String(), func() (any, error) {
		return e.run(ctx, ownerID)
	})
	if shared {
		slog.InfoContext(ctx, "Joined in-flight sync run", "owner_id", ownerID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (e *SyncEngine) run(ctx context.Context, ownerID core.OwnerID) (*Result, error) {
	// AUTH_CHECK
	link, err := e.links.GetLink(ctx, ownerID)
	if err != nil {
		return nil, &SyncError{Kind: ErrKindStore, Err: fmt.Errorf("load provider link: %w", err)}
	}
	if link == nil || link.AccessToken == "" {
		return nil, &SyncError{Kind: ErrKindMissingCredential, Err: fmt.Errorf("owner %s has no linked account", ownerID)}
	}

	// FETCH_LOOP: accumulate the whole changefeed window in memory. On
	// any page error the working cursor is discarded, never persisted.
	var (
		added    []provider.ExternalTransaction
		modified []provider.ExternalTransaction
		removed  []provider.RemovedTransaction
		cursor   = link.Cursor
	)
	for {
		page, err := e.feed.FetchChanges(ctx, link.AccessToken, cursor)
		if err != nil {
			serr := &SyncError{Kind: ErrKindAggregator, Err: err}
			if perr, ok := err.(*provider.Error); ok {
				serr.ProviderCode = perr.Code
			}
			return nil, serr
		}

		added = append(added, page.Added...)
		modified = append(modified, page.Modified...)
		removed = append(removed, page.Removed...)
		cursor = page.NextCursor

		if !page.HasMore {
			break
		}
	}

	slog.InfoContext(ctx, "Changefeed drained",
		"owner_id", ownerID,
		"added", len(added),
		"modified", len(modified),
		"removed", len(removed))

	// CURSOR_COMMIT: persist before reconciling. If this fails, nothing
	// fetched is applied and the old cursor stays authoritative.
	if err := e.links.SetCursor(ctx, ownerID, cursor); err != nil {
		return nil, &SyncError{Kind: ErrKindCursorPersist, Err: err}
	}

	// CATEGORY_RESOLVE
	uncategorizedID, err := e.resolver.ResolveUncategorized(ctx, ownerID)
	if err != nil {
		return nil, &SyncError{Kind: ErrKindCategoryResolution, Err: err}
	}

	result := &Result{NextCursor: cursor, Removed: []string{}}

	// RECONCILE_ADDED: insert-or-ignore keyed by (owner, external id).
	// A replayed page must not duplicate rows or reset a category the
	// user assigned between runs, so collisions are left untouched.
	for _, ext := range added {
		result.Added = append(result.Added, importedTransaction(ownerID, uncategorizedID, ext))
	}
	if _, err := e.txns.UpsertImported(ctx, result.Added); err != nil {
		return nil, &SyncError{Kind: ErrKindStore, Phase: PhaseAdded, Err: err}
	}

	// RECONCILE_MODIFIED: only aggregator-owned fields change; the
	// category reference is the user's and is never written here. A
	// modify event with no local row means its add was never applied;
	// it is skipped, and the next full resync window corrects it.
	for _, ext := range modified {
		fields := core.ImportedFields{
			Date:        ext.Date,
			Description: ext.Name,
			Amount:      ext.Amount.Neg(),
			Kind:        core.KindForProviderAmount(ext.Amount),
		}
		if ext.CategoryID != "" {
			hint := ext.CategoryID
			fields.ProviderCategory = &hint
		}

		found, err := e.txns.UpdateImportedFields(ctx, ownerID, ext.TransactionID, fields)
		if err != nil {
			return nil, &SyncError{Kind: ErrKindStore, Phase: PhaseModified, Partial: true, Err: err}
		}
		if !found {
			slog.WarnContext(ctx, "Modify event for unknown transaction, skipping",
				"owner_id", ownerID, "external_id", ext.TransactionID)
			continue
		}
		result.Modified = append(result.Modified, modifiedTransaction(ownerID, ext.TransactionID, fields))
	}

	// RECONCILE_REMOVED: owner-scoped delete; ids without a local row
	// were already deleted or never applied, which is fine either way.
	if len(removed) > 0 {
		ids := make([]string, len(removed))
		for i, ref := range removed {
			ids[i] = ref.TransactionID
		}
		if _, err := e.txns.DeleteByExternalIDs(ctx, ownerID, ids); err != nil {
			return nil, &SyncError{Kind: ErrKindStore, Phase: PhaseRemoved, Partial: true, Err: err}
		}
		result.Removed = ids
	}

	slog.InfoContext(ctx, "Sync run completed",
		"owner_id", ownerID,
		"added", len(result.Added),
		"modified", len(result.Modified),
		"removed", len(result.Removed))

	return result, nil
}

// importedTransaction derives the local row for a provider transaction.
// The provider reports positive amounts for money out and the ledger
// uses negative, so the sign flips; expenses default to the owner's
// Uncategorized category.
func importedTransaction(ownerID core.OwnerID, uncategorizedID int64, ext provider.ExternalTransaction) core.Transaction {
	extID := ext.TransactionID
	t := core.Transaction{
		OwnerID:     ownerID,
		Date:        ext.Date,
		Description: ext.Name,
		Amount:      ext.Amount.Neg(),
		Kind:        core.KindForProviderAmount(ext.Amount),
		ExternalID:  &extID,
	}
	if t.Kind == core.KindExpense {
		catID := uncategorizedID
		t.CategoryID = &catID
	}
	if ext.CategoryID != "" {
		hint := ext.CategoryID
		t.ProviderCategory = &hint
	}
	return t
}

// modifiedTransaction echoes exactly what a modify event wrote: the
// aggregator-owned fields plus the external identity. The category
// reference is left nil because the stored row keeps whatever the user
// assigned, which this pass never reads or writes.
func modifiedTransaction(ownerID core.OwnerID, externalID string, f core.ImportedFields) core.Transaction {
	extID := externalID
	return core.Transaction{
		OwnerID:          ownerID,
		Date:             f.Date,
		Description:      f.Description,
		Amount:           f.Amount,
		Kind:             f.Kind,
		ExternalID:       &extID,
		ProviderCategory: f.ProviderCategory,
	}
}
