package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
)

type transactionPayload struct {
	Date        core.Date       `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        string          `json:"kind"`
	CategoryID  *int64          `json:"categoryId"`
	SourceID    *int64          `json:"sourceId"`
}

type transactionResponse struct {
	ID               int64           `json:"id"`
	Date             core.Date       `json:"date"`
	Description      string          `json:"description"`
	Amount           decimal.Decimal `json:"amount"`
	Kind             string          `json:"kind"`
	CategoryID       *int64          `json:"categoryId,omitempty"`
	SourceID         *int64          `json:"sourceId,omitempty"`
	ExternalID       *string         `json:"externalId,omitempty"`
	ProviderCategory *string         `json:"providerCategory,omitempty"`
	Imported         bool            `json:"imported"`
}

func toTransactionResponse(t core.Transaction) transactionResponse {
	return transactionResponse{
		ID:               t.ID,
		Date:             t.Date,
		Description:      t.Description,
		Amount:           t.Amount,
		Kind:             string(t.Kind),
		CategoryID:       t.CategoryID,
		SourceID:         t.SourceID,
		ExternalID:       t.ExternalID,
		ProviderCategory: t.ProviderCategory,
		Imported:         t.Imported(),
	}
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())

	txns, err := s.getTransactions(r.Context(), owner)
	if err != nil {
		writeStoreError(w, r, err, "list transactions")
		return
	}

	out := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var payload transactionPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := ownerFrom(r.Context())
	txn := core.Transaction{
		OwnerID:     owner,
		Date:        payload.Date,
		Description: sanitizeInput(payload.Description),
		Amount:      payload.Amount,
		Kind:        core.TransactionKind(payload.Kind),
		CategoryID:  payload.CategoryID,
		SourceID:    payload.SourceID,
	}
	if err := txn.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.store.CreateTransaction(r.Context(), &txn); err != nil {
		writeStoreError(w, r, err, "create transaction")
		return
	}

	s.invalidateOwner(owner)
	writeJSON(w, http.StatusCreated, toTransactionResponse(txn))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	txn, err := s.store.GetTransaction(r.Context(), ownerFrom(r.Context()), id)
	if err != nil {
		writeStoreError(w, r, err, "get transaction")
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(*txn))
}

// handleUpdateTransaction applies a user edit. The aggregator identity
// fields (external id, provider category) are never editable and are
// carried over from the stored row.
func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payload transactionPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := ownerFrom(r.Context())
	existing, err := s.store.GetTransaction(r.Context(), owner, id)
	if err != nil {
		writeStoreError(w, r, err, "get transaction")
		return
	}

	txn := core.Transaction{
		ID:               id,
		OwnerID:          owner,
		Date:             payload.Date,
		Description:      sanitizeInput(payload.Description),
		Amount:           payload.Amount,
		Kind:             core.TransactionKind(payload.Kind),
		CategoryID:       payload.CategoryID,
		SourceID:         payload.SourceID,
		ExternalID:       existing.ExternalID,
		ProviderCategory: existing.ProviderCategory,
	}
	if err := txn.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.store.UpdateTransaction(r.Context(), owner, id, txn); err != nil {
		writeStoreError(w, r, err, "update transaction")
		return
	}

	s.invalidateOwner(owner)
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := ownerFrom(r.Context())
	if err := s.store.DeleteTransaction(r.Context(), owner, id); err != nil {
		writeStoreError(w, r, err, "delete transaction")
		return
	}

	s.invalidateOwner(owner)
	w.WriteHeader(http.StatusNoContent)
}

type categorySpendResponse struct {
	CategoryID int64           `json:"categoryId"`
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	Planned    decimal.Decimal `json:"planned"`
	Spent      decimal.Decimal `json:"spent"`
}

type summaryResponse struct {
	Year       int                     `json:"year"`
	Month      int                     `json:"month"`
	Income     decimal.Decimal         `json:"income"`
	Expenses   decimal.Decimal         `json:"expenses"`
	Net        decimal.Decimal         `json:"net"`
	ByCategory []categorySpendResponse `json:"byCategory"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	year, month, err := parseYearMonth(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	overview, err := s.getOverview(r.Context(), ownerFrom(r.Context()), year, month)
	if err != nil {
		writeStoreError(w, r, err, "month overview")
		return
	}

	resp := summaryResponse{
		Year:       overview.Year,
		Month:      overview.Month,
		Income:     overview.Income,
		Expenses:   overview.Expenses,
		Net:        overview.Net,
		ByCategory: make([]categorySpendResponse, 0, len(overview.ByCategory)),
	}
	for _, row := range overview.ByCategory {
		resp.ByCategory = append(resp.ByCategory, categorySpendResponse{
			CategoryID: row.CategoryID,
			Name:       row.Name,
			Kind:       string(row.Kind),
			Planned:    row.Planned,
			Spent:      row.Spent,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func overviewKey(owner core.OwnerID, year, month int) string {
	return owner.String() + "|" + strconv.Itoa(year) + "-" + strconv.Itoa(month)
}

// getOverview is a read-through for the month overview cache.
func (s *Server) getOverview(ctx context.Context, owner core.OwnerID, year, month int) (core.MonthOverview, error) {
	key := overviewKey(owner, year, month)
	if data, found := s.overviewCache.Get(key); found {
		slog.DebugContext(ctx, "Overview cache hit", "year", year, "month", month)
		return data, nil
	}

	data, err := s.store.MonthOverview(ctx, owner, year, month)
	if err != nil {
		return core.MonthOverview{}, err
	}

	s.overviewCache.Set(key, data)
	return data, nil
}

// getTransactions is a read-through for the transaction list cache.
func (s *Server) getTransactions(ctx context.Context, owner core.OwnerID) ([]core.Transaction, error) {
	key := owner.String()
	if items, found := s.txnsCache.Get(key); found {
		// Return a copy to prevent external mutation
		out := make([]core.Transaction, len(items))
		copy(out, items)
		return out, nil
	}

	items, err := s.store.ListTransactions(ctx, owner)
	if err != nil {
		return nil, err
	}

	s.txnsCache.Set(key, items)
	return items, nil
}

// invalidateOwner drops every cached read for the owner. Overview keys
// are month-scoped, so they are matched by owner prefix.
func (s *Server) invalidateOwner(owner core.OwnerID) {
	prefix := owner.String() + "|"
	s.txnsCache.Delete(owner.String())
	s.overviewCache.DeleteFunc(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}
