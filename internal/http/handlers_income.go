package http

import (
	"net/http"

	"bilancio/internal/core"
)

type incomeSourcePayload struct {
	Name string `json:"name"`
}

type incomeSourceResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleListIncomeSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListIncomeSources(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		writeStoreError(w, r, err, "list income sources")
		return
	}

	out := make([]incomeSourceResponse, 0, len(sources))
	for _, src := range sources {
		out = append(out, incomeSourceResponse{ID: src.ID, Name: src.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateIncomeSource(w http.ResponseWriter, r *http.Request) {
	var payload incomeSourcePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	src := core.IncomeSource{
		OwnerID: ownerFrom(r.Context()),
		Name:    sanitizeInput(payload.Name),
	}
	if err := src.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.store.CreateIncomeSource(r.Context(), &src); err != nil {
		writeStoreError(w, r, err, "create income source")
		return
	}
	writeJSON(w, http.StatusCreated, incomeSourceResponse{ID: src.ID, Name: src.Name})
}

func (s *Server) handleUpdateIncomeSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var payload incomeSourcePayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := sanitizeInput(payload.Name)
	if name == "" {
		writeError(w, http.StatusUnprocessableEntity, core.ErrEmptyName.Error())
		return
	}

	if err := s.store.UpdateIncomeSource(r.Context(), ownerFrom(r.Context()), id, name); err != nil {
		writeStoreError(w, r, err, "update income source")
		return
	}
	writeJSON(w, http.StatusOK, incomeSourceResponse{ID: id, Name: name})
}

func (s *Server) handleDeleteIncomeSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.DeleteIncomeSource(r.Context(), ownerFrom(r.Context()), id); err != nil {
		writeStoreError(w, r, err, "delete income source")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
