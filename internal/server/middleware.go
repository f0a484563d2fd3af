// -----------------------------------------------------------------------
// HTTP middleware - recovery, tracing, CORS, auth, request logging
// -----------------------------------------------------------------------

package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/handlers"
	"github.com/ternarybob/conveyor/internal/models"
)

// withMiddleware wraps the router with the standard chain. Order is
// outermost first: recovery, trace, CORS, auth, then request logging
// with metrics.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	h := s.loggingMiddleware(next)
	h = s.authMiddleware(h)
	h = s.corsMiddleware(h)
	h = s.traceMiddleware(h)
	h = s.recoveryMiddleware(h)
	return h
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.app.Logger.Error().
					Str("path", r.URL.Path).
					Str("panic", fmt.Sprintf("%v", rec)).
					Msg("request handler panicked")
				handlers.WriteError(w, r, models.NewError(models.ErrInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// traceMiddleware assigns or propagates a trace id for the request.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = common.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(handlers.WithTraceID(r.Context(), traceID)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Trace-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller's principal through the governor.
// Health, readiness and metrics endpoints stay open for probes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		credential := extractCredential(r)
		op := operationFor(r.Method, r.URL.Path)

		principal, err := s.app.Governor.Authorize(r.Context(), credential, op)
		if err != nil {
			handlers.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(handlers.WithPrincipal(r.Context(), principal)))
	})
}

// loggingMiddleware records request outcomes and feeds the duration
// histogram.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := routeLabel(r.URL.Path)
		s.app.Metrics.ObserveRequest(r.Method, route, rec.status, elapsed)

		evt := s.app.Logger.Info()
		if rec.status >= 500 {
			evt = s.app.Logger.Error()
		} else if rec.status >= 400 {
			evt = s.app.Logger.Warn()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Str("duration", elapsed.String()).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func isOpenPath(path string) bool {
	switch path {
	case "/v1/healthz", "/v1/readyz", "/v1/status", "/metrics":
		return true
	}
	return false
}

// extractCredential reads the API key from either the Authorization
// bearer header or X-API-Key. WebSocket clients cannot set headers from
// browsers, so /v1/events accepts the key as a query parameter too.
func extractCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// operationFor maps a route to its governing operation class.
func operationFor(method, path string) models.Operation {
	if strings.HasPrefix(path, "/v1/admin/") {
		return models.OpAdmin
	}
	switch method {
	case http.MethodPost:
		return models.OpSubmit
	case http.MethodDelete:
		return models.OpCancel
	default:
		return models.OpRead
	}
}

// routeLabel collapses resource ids so the metrics cardinality stays
// bounded.
func routeLabel(path string) string {
	switch {
	case path == "/v1/jobs":
		return "/v1/jobs"
	case strings.HasPrefix(path, "/v1/jobs/"):
		if strings.HasSuffix(path, "/executions") {
			return "/v1/jobs/{id}/executions"
		}
		return "/v1/jobs/{id}"
	case strings.HasPrefix(path, "/v1/executions/"):
		return "/v1/executions/{id}"
	case strings.HasPrefix(path, "/v1/artifacts/"):
		if strings.HasSuffix(path, "/body") {
			return "/v1/artifacts/{id}/body"
		}
		return "/v1/artifacts/{id}"
	}
	return path
}
