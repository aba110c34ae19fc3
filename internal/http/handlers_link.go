package http

import (
	"errors"
	"log/slog"
	"net/http"

	"bilancio/internal/amqp"
	"bilancio/internal/core"
	"bilancio/internal/provider"
	"bilancio/internal/services"
)

type linkTokenResponse struct {
	LinkToken  string `json:"linkToken"`
	Expiration string `json:"expiration"`
}

type linkExchangePayload struct {
	PublicToken string `json:"publicToken"`
}

type linkExchangeResponse struct {
	ItemID string `json:"itemId"`
	Linked bool   `json:"linked"`
}

// handleLinkToken starts the account-link flow with the provider.
func (s *Server) handleLinkToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.links.CreateLinkToken(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		writeProviderError(w, r, err, "create link token")
		return
	}
	writeJSON(w, http.StatusOK, linkTokenResponse{
		LinkToken:  token.LinkToken,
		Expiration: token.Expiration,
	})
}

// handleLinkExchange trades the public token from a completed link flow
// for a durable access grant and stores it. Saving resets the cursor so
// the first sync replays the owner's full history. A background sync is
// enqueued best-effort; the owner can always trigger one manually.
func (s *Server) handleLinkExchange(w http.ResponseWriter, r *http.Request) {
	var payload linkExchangePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.PublicToken == "" {
		writeError(w, http.StatusBadRequest, "publicToken is required")
		return
	}

	grant, err := s.links.ExchangePublicToken(r.Context(), payload.PublicToken)
	if err != nil {
		writeProviderError(w, r, err, "exchange public token")
		return
	}

	owner := ownerFrom(r.Context())
	link := core.ProviderLink{
		OwnerID:     owner,
		AccessToken: grant.AccessToken,
		ItemID:      grant.ItemID,
	}
	if err := s.store.SaveLink(r.Context(), &link); err != nil {
		writeStoreError(w, r, err, "save provider link")
		return
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSyncRequest(r.Context(), owner, amqp.ReasonLinked); err != nil {
			slog.WarnContext(r.Context(), "Failed to enqueue initial sync",
				"error", err, "owner_id", owner)
		}
	}

	writeJSON(w, http.StatusOK, linkExchangeResponse{ItemID: grant.ItemID, Linked: true})
}

// handleUnlink disconnects the owner's linked account.
func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteLink(r.Context(), ownerFrom(r.Context())); err != nil {
		writeStoreError(w, r, err, "delete provider link")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncResponse struct {
	Added      int    `json:"added"`
	Modified   int    `json:"modified"`
	Removed    int    `json:"removed"`
	NextCursor string `json:"nextCursor"`
}

type syncErrorResponse struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	ProviderCode string `json:"providerCode,omitempty"`
	Partial      bool   `json:"partial"`
}

// handleSync runs one reconciliation pass synchronously.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())

	result, err := s.syncer.Run(r.Context(), owner)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}

	s.invalidateOwner(owner)
	s.logs.LogSyncCompleted(r.Context(), owner.String(),
		len(result.Added), len(result.Modified), len(result.Removed))
	writeJSON(w, http.StatusOK, syncResponse{
		Added:      len(result.Added),
		Modified:   len(result.Modified),
		Removed:    len(result.Removed),
		NextCursor: result.NextCursor,
	})
}

func writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	serr, ok := services.AsSyncError(err)
	if !ok {
		slog.ErrorContext(r.Context(), "Sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch serr.Kind {
	case services.ErrKindMissingCredential:
		status = http.StatusBadRequest
	case services.ErrKindAggregator:
		status = http.StatusBadGateway
	}

	slog.ErrorContext(r.Context(), "Sync failed",
		"error", err,
		"kind", string(serr.Kind),
		"phase", serr.Phase,
		"partial", serr.Partial)

	writeJSON(w, status, syncErrorResponse{
		Error:        serr.Error(),
		Kind:         string(serr.Kind),
		ProviderCode: serr.ProviderCode,
		Partial:      serr.Partial,
	})
}

// writeProviderError maps aggregator failures on the link flow to 502.
func writeProviderError(w http.ResponseWriter, r *http.Request, err error, op string) {
	var perr *provider.Error
	if errors.As(err, &perr) {
		slog.ErrorContext(r.Context(), "Provider call failed",
			"error", err, "operation", op, "provider_code", perr.Code)
		writeError(w, http.StatusBadGateway, perr.Error())
		return
	}
	slog.ErrorContext(r.Context(), "Provider call failed", "error", err, "operation", op)
	writeError(w, http.StatusInternalServerError, "internal error")
}
