package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/interfaces"
)

// ExecutionHandler serves execution reads.
type ExecutionHandler struct {
	query  interfaces.QueryService
	logger arbor.ILogger
}

// NewExecutionHandler creates the execution handler.
func NewExecutionHandler(query interfaces.QueryService, logger arbor.ILogger) *ExecutionHandler {
	return &ExecutionHandler{
		query:  query,
		logger: logger,
	}
}

// GetHandler handles GET /v1/executions/{id}.
func (h *ExecutionHandler) GetHandler(w http.ResponseWriter, r *http.Request, executionID string) {
	exec, err := h.query.GetExecution(r.Context(), PrincipalFrom(r.Context()), executionID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}
