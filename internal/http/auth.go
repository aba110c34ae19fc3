package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"bilancio/internal/core"
	"bilancio/internal/storage"
)

type contextKey string

const ownerContextKey contextKey = "owner_id"

// requireOwner resolves the bearer token to an owner and stores it in
// the request context. Every /api route goes through here.
func (s *Server) requireOwner(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		ownerID, err := s.store.ResolveSession(r.Context(), token)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid session")
				return
			}
			slog.ErrorContext(r.Context(), "Session lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), ownerContextKey, ownerID)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// ownerFrom returns the owner the auth middleware resolved.
func ownerFrom(ctx context.Context) core.OwnerID {
	owner, _ := ctx.Value(ownerContextKey).(core.OwnerID)
	return owner
}
