package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

const defaultPageSize = 100

var validate = validator.New()

type listQuery struct {
	PageSize int `validate:"min=1,max=1000"`
}

// CandidateListResponse is one page of candidates.
type CandidateListResponse struct {
	Candidates []core.Candidate `json:"candidates"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// CandidateHandler serves read-only candidate listings.
type CandidateHandler struct {
	store core.CandidateStore
}

func NewCandidateHandler(store core.CandidateStore) *CandidateHandler {
	return &CandidateHandler{store: store}
}

// List handles GET /v1/candidates
func (h *CandidateHandler) List(w http.ResponseWriter, r *http.Request) {
	pageSize, after, ok := parseListQuery(w, r)
	if !ok {
		return
	}

	// One extra row tells us whether another page exists.
	page, err := h.store.List(r.Context(), after, pageSize+1)
	if err != nil {
		HandleError(w, err)
		return
	}
	resp := CandidateListResponse{Candidates: page}
	if len(page) > pageSize {
		resp.Candidates = page[:pageSize]
		last := resp.Candidates[pageSize-1]
		resp.NextCursor = encodeCursor(core.ListCursor{Weight: last.Weight, ID: last.ID})
	}
	if resp.Candidates == nil {
		resp.Candidates = []core.Candidate{}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Get handles GET /v1/candidates/{id...}
func (h *CandidateHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cand, err := h.store.Get(r.Context(), id)
	if errors.Is(err, core.ErrCandidateNotFound) {
		WriteError(w, http.StatusNotFound, core.NewNotFoundError("Candidate", id))
		return
	}
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cand)
}

// parseListQuery reads page_size and cursor, writing a 400 and returning
// ok=false when either is invalid.
func parseListQuery(w http.ResponseWriter, r *http.Request) (pageSize int, after *core.ListCursor, ok bool) {
	q := listQuery{PageSize: defaultPageSize}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
				"page_size must be an integer.", map[string]any{"page_size": raw}))
			return 0, nil, false
		}
		q.PageSize = n
	}
	if err := validate.Struct(q); err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
			"page_size must be between 1 and 1000.", map[string]any{"page_size": q.PageSize}))
		return 0, nil, false
	}

	after, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("Invalid cursor.", nil))
		return 0, nil, false
	}
	return q.PageSize, after, true
}

// pathID returns the unescaped id captured by a trailing "/*" route. chi
// matches on the raw path, so an id containing '/' arrives either
// percent-encoded or spread over several segments; both are accepted.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "*")
	id, err := url.PathUnescape(raw)
	if err != nil || id == "" {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError(
			"Invalid id in path.", map[string]any{"id": raw}))
		return "", false
	}
	return id, true
}

// encodeCursor produces an opaque, URL-safe position token.
func encodeCursor(c core.ListCursor) string {
	data, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(data)
}

// decodeCursor parses a token from encodeCursor. Empty means the first page.
func decodeCursor(s string) (*core.ListCursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var c core.ListCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
