package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tanglenomicon/tangle-jobs/internal/auth"
	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// JobService is the part of the dispatcher the job routes need.
type JobService interface {
	Lease(ctx context.Context, kind core.Kind, identity string) (core.Job, bool, error)
	Report(ctx context.Context, kind core.Kind, identity string, body []byte) (string, bool, error)
	Statistics(kind core.Kind) (core.Stats, error)
}

// JobHandler serves lease, report and statistics routes.
type JobHandler struct {
	svc JobService
}

func NewJobHandler(svc JobService) *JobHandler {
	return &JobHandler{svc: svc}
}

// LeaseResponse carries a leased job.
type LeaseResponse struct {
	Job core.Job `json:"job"`
}

// ReportResponse confirms or denies a results report.
type ReportResponse struct {
	JobID    string         `json:"job_id"`
	Accepted bool           `json:"accepted"`
	Error    *core.APIError `json:"error,omitempty"`
}

// Lease handles POST /v1/jobs/{kind}/lease
func (h *JobHandler) Lease(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.Identity(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, core.NewUnauthenticatedError("Missing caller identity."))
		return
	}
	kind := core.Kind(chi.URLParam(r, "kind"))

	job, ok, err := h.svc.Lease(r.Context(), kind, identity)
	if err != nil {
		HandleError(w, err)
		return
	}
	if !ok {
		WriteError(w, http.StatusNotFound, &core.APIError{
			Code:    core.ErrCodeNotFound,
			Message: "Job not found.",
			Details: map[string]any{"kind": string(kind)},
		})
		return
	}
	WriteJSON(w, http.StatusOK, LeaseResponse{Job: job})
}

// Report handles POST /v1/jobs/{kind}/report
func (h *JobHandler) Report(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.Identity(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, core.NewUnauthenticatedError("Missing caller identity."))
		return
	}
	kind := core.Kind(chi.URLParam(r, "kind"))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, core.NewInvalidRequestError("Request body too large.", nil))
			return
		}
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("Could not read request body.", nil))
		return
	}

	jobID, accepted, err := h.svc.Report(r.Context(), kind, identity, body)
	if err != nil {
		if errors.Is(err, core.ErrUnknownKind) {
			HandleError(w, err)
			return
		}
		WriteError(w, http.StatusBadRequest, core.NewValidationError(err.Error(), nil))
		return
	}
	if !accepted {
		apiErr := &core.APIError{Code: core.ErrCodeNotFound, Message: "Job not in queue or Job not in pending."}
		if reqID := w.Header().Get("X-Request-Id"); reqID != "" {
			apiErr.RequestID = reqID
		}
		WriteJSON(w, http.StatusNotFound, ReportResponse{JobID: jobID, Error: apiErr})
		return
	}
	WriteJSON(w, http.StatusOK, ReportResponse{JobID: jobID, Accepted: true})
}

// Stats handles GET /v1/jobs/{kind}/stats
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Statistics(core.Kind(chi.URLParam(r, "kind")))
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// AllStats handles GET /v1/jobs/stats
func (h *JobHandler) AllStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Statistics("")
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
