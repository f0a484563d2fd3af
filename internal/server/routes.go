// -----------------------------------------------------------------------
// Route registration - maps REST paths onto handlers
// -----------------------------------------------------------------------

package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/conveyor/internal/handlers"
	"github.com/ternarybob/conveyor/internal/models"
)

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job intake and queries
	mux.HandleFunc("/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.app.JobHandler.SubmitHandler(w, r)
		case http.MethodGet:
			s.app.JobHandler.ListHandler(w, r)
		default:
			methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
		}
	})
	mux.HandleFunc("/v1/jobs/", s.handleJobRoutes)

	// Execution and artifact reads
	mux.HandleFunc("/v1/executions/", s.handleExecutionRoutes)
	mux.HandleFunc("/v1/artifacts/", s.handleArtifactRoutes)

	// Admin surface
	mux.HandleFunc("/v1/admin/dlq", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.app.AdminHandler.DeadLettersHandler(w, r)
	})
	mux.HandleFunc("/v1/admin/dlq/redrive", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		s.app.AdminHandler.RedriveHandler(w, r)
	})
	mux.HandleFunc("/v1/status", s.app.AdminHandler.StatusHandler)

	// Probes and observability
	mux.HandleFunc("/v1/healthz", s.app.AdminHandler.HealthzHandler)
	mux.HandleFunc("/v1/readyz", s.app.AdminHandler.ReadyzHandler)
	mux.Handle("/metrics", s.app.Metrics.Handler())

	// Event stream
	mux.HandleFunc("/v1/events", s.app.EventsHandler.StreamHandler)

	return mux
}

// handleJobRoutes dispatches /v1/jobs/{id} and /v1/jobs/{id}/executions.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if rest == "" {
		notFound(w, r)
		return
	}

	if jobID, ok := strings.CutSuffix(rest, "/executions"); ok {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		s.app.JobHandler.ListExecutionsHandler(w, r, jobID)
		return
	}

	if strings.Contains(rest, "/") {
		notFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.app.JobHandler.GetHandler(w, r, rest)
	case http.MethodDelete:
		s.app.JobHandler.CancelHandler(w, r, rest)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) handleExecutionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/executions/")
	if rest == "" || strings.Contains(rest, "/") {
		notFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	s.app.ExecutionHandler.GetHandler(w, r, rest)
}

// handleArtifactRoutes dispatches /v1/artifacts/{id} and
// /v1/artifacts/{id}/body.
func (s *Server) handleArtifactRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/artifacts/")
	if rest == "" {
		notFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	if artifactID, ok := strings.CutSuffix(rest, "/body"); ok {
		s.app.ArtifactHandler.BodyHandler(w, r, artifactID)
		return
	}
	if strings.Contains(rest, "/") {
		notFound(w, r)
		return
	}
	s.app.ArtifactHandler.GetHandler(w, r, rest)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow ...string) {
	handlers.WriteMethodNotAllowed(w, r, allow...)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, r, models.NewError(models.ErrNotFound, "no such resource"))
}
