package api

import (
	"errors"
	"net/http"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// ResultListResponse is one page of stored results.
type ResultListResponse struct {
	Results    []core.ResultRecord `json:"results"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// ResultHandler serves the artifacts workers have reported.
type ResultHandler struct {
	store core.ResultStore
}

func NewResultHandler(store core.ResultStore) *ResultHandler {
	return &ResultHandler{store: store}
}

// List handles GET /v1/results
func (h *ResultHandler) List(w http.ResponseWriter, r *http.Request) {
	pageSize, after, ok := parseListQuery(w, r)
	if !ok {
		return
	}
	page, err := h.store.List(r.Context(), after, pageSize+1)
	if err != nil {
		HandleError(w, err)
		return
	}
	resp := ResultListResponse{Results: page}
	if len(page) > pageSize {
		resp.Results = page[:pageSize]
		last := resp.Results[pageSize-1]
		resp.NextCursor = encodeCursor(core.ListCursor{Weight: last.Weight, ID: last.ID})
	}
	if resp.Results == nil {
		resp.Results = []core.ResultRecord{}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Get handles GET /v1/results/{id...}
func (h *ResultHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.store.Get(r.Context(), id)
	if errors.Is(err, core.ErrResultNotFound) {
		WriteError(w, http.StatusNotFound, core.NewNotFoundError("Result", id))
		return
	}
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}
