package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

// JobHandler serves the job intake and read endpoints.
type JobHandler struct {
	intake interfaces.IntakeService
	query  interfaces.QueryService
	logger arbor.ILogger
}

// NewJobHandler creates the job handler.
func NewJobHandler(intake interfaces.IntakeService, query interfaces.QueryService, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		intake: intake,
		query:  query,
		logger: logger,
	}
}

// SubmitHandler handles POST /v1/jobs.
func (h *JobHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	principal := PrincipalFrom(r.Context())

	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, models.WrapError(models.ErrInvalidRequest, err, "malformed request body"))
		return
	}

	job, created, err := h.intake.Submit(r.Context(), principal, &req)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	SetProcessingTime(w, start)
	if created {
		w.Header().Set("Location", fmt.Sprintf("/v1/jobs/%s", job.ID))
		WriteJSON(w, http.StatusCreated, job)
		return
	}
	// Deduped onto an existing job.
	WriteJSON(w, http.StatusOK, job)
}

// ListHandler handles GET /v1/jobs.
func (h *JobHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	filter := interfaces.JobFilter{
		Kind:          r.URL.Query().Get("kind"),
		State:         r.URL.Query().Get("state"),
		CreatedAfter:  QueryTime(r, "created_after"),
		CreatedBefore: QueryTime(r, "created_before"),
		Cursor:        r.URL.Query().Get("cursor"),
		Limit:         QueryInt(r, "limit", 0),
	}

	jobs, cursor, err := h.query.ListJobs(r.Context(), principal, filter)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        jobs,
		"next_cursor": cursor,
	})
}

// GetHandler handles GET /v1/jobs/{id}.
func (h *JobHandler) GetHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.query.GetJob(r.Context(), PrincipalFrom(r.Context()), jobID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// CancelHandler handles DELETE /v1/jobs/{id}.
func (h *JobHandler) CancelHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	start := time.Now()
	if err := h.intake.Cancel(r.Context(), PrincipalFrom(r.Context()), jobID); err != nil {
		WriteError(w, r, err)
		return
	}
	SetProcessingTime(w, start)
	w.WriteHeader(http.StatusNoContent)
}

// ListExecutionsHandler handles GET /v1/jobs/{id}/executions.
func (h *JobHandler) ListExecutionsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	executions, cursor, err := h.query.ListExecutions(
		r.Context(),
		PrincipalFrom(r.Context()),
		jobID,
		r.URL.Query().Get("cursor"),
		QueryInt(r, "limit", 0),
	)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"executions":  executions,
		"next_cursor": cursor,
	})
}
