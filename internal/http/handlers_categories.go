package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
)

type categoryPayload struct {
	Name          string          `json:"name"`
	Kind          string          `json:"kind"`
	PlannedAmount decimal.Decimal `json:"plannedAmount"`
}

type categoryResponse struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Kind          string          `json:"kind"`
	PlannedAmount decimal.Decimal `json:"plannedAmount"`
	Sentinel      bool            `json:"sentinel"`
}

func toCategoryResponse(c core.Category) categoryResponse {
	return categoryResponse{
		ID:            c.ID,
		Name:          c.Name,
		Kind:          string(c.Kind),
		PlannedAmount: c.PlannedAmount,
		Sentinel:      c.IsSentinel(),
	}
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.ListCategories(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		writeStoreError(w, r, err, "list categories")
		return
	}

	out := make([]categoryResponse, 0, len(cats))
	for _, c := range cats {
		out = append(out, toCategoryResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var payload categoryPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := ownerFrom(r.Context())
	cat := core.Category{
		OwnerID:       owner,
		Name:          sanitizeInput(payload.Name),
		Kind:          core.CategoryKind(payload.Kind),
		PlannedAmount: payload.PlannedAmount,
	}
	if err := cat.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.store.CreateCategory(r.Context(), &cat); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "a category with this name already exists")
			return
		}
		writeStoreError(w, r, err, "create category")
		return
	}

	s.invalidateOwner(owner)
	writeJSON(w, http.StatusCreated, toCategoryResponse(cat))
}

func (s *Server) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cat, err := s.store.GetCategory(r.Context(), ownerFrom(r.Context()), id)
	if err != nil {
		writeStoreError(w, r, err, "get category")
		return
	}
	writeJSON(w, http.StatusOK, toCategoryResponse(*cat))
}

// handleGetUncategorized returns the owner's sentinel category.
func (s *Server) handleGetUncategorized(w http.ResponseWriter, r *http.Request) {
	matches, err := s.store.FindCategoriesByName(r.Context(), ownerFrom(r.Context()), core.UncategorizedName)
	if err != nil {
		writeStoreError(w, r, err, "find sentinel category")
		return
	}
	if len(matches) == 0 {
		writeError(w, http.StatusNotFound, "uncategorized category not provisioned")
		return
	}
	writeJSON(w, http.StatusOK, toCategoryResponse(matches[0]))
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payload categoryPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := ownerFrom(r.Context())
	cat := core.Category{
		OwnerID:       owner,
		Name:          sanitizeInput(payload.Name),
		Kind:          core.CategoryKind(payload.Kind),
		PlannedAmount: payload.PlannedAmount,
	}
	if err := cat.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	err = s.store.UpdateCategory(r.Context(), owner, id, cat.Name, cat.Kind, cat.PlannedAmount)
	if err != nil {
		if errors.Is(err, core.ErrSentinelCategory) {
			writeError(w, http.StatusForbidden, core.ErrSentinelCategory.Error())
			return
		}
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "a category with this name already exists")
			return
		}
		writeStoreError(w, r, err, "update category")
		return
	}

	s.invalidateOwner(owner)
	updated, err := s.store.GetCategory(r.Context(), owner, id)
	if err != nil {
		writeStoreError(w, r, err, "get category")
		return
	}
	writeJSON(w, http.StatusOK, toCategoryResponse(*updated))
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := ownerFrom(r.Context())
	if err := s.store.DeleteCategory(r.Context(), owner, id); err != nil {
		if errors.Is(err, core.ErrSentinelCategory) {
			writeError(w, http.StatusForbidden, core.ErrSentinelCategory.Error())
			return
		}
		writeStoreError(w, r, err, "delete category")
		return
	}

	s.invalidateOwner(owner)
	w.WriteHeader(http.StatusNoContent)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
