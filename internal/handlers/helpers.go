package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/conveyor/internal/models"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	traceIDKey   contextKey = "trace_id"
)

// WithPrincipal stores the authenticated principal on the request
// context.
func WithPrincipal(ctx context.Context, principal *models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFrom returns the authenticated principal, or nil on
// unauthenticated routes.
func PrincipalFrom(ctx context.Context) *models.Principal {
	principal, _ := ctx.Value(principalKey).(*models.Principal)
	return principal
}

// WithTraceID stores the request correlation id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFrom returns the request correlation id.
func TraceIDFrom(ctx context.Context) string {
	traceID, _ := ctx.Value(traceIDKey).(string)
	return traceID
}

// WriteJSON writes a JSON response with the specified status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

// WriteError maps a taxonomy error onto its HTTP status and envelope.
// Rate-limited errors carry Retry-After.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)
	envelope := errorEnvelope{
		Error:   string(kind),
		Message: err.Error(),
		TraceID: TraceIDFrom(r.Context()),
	}

	var typed *models.Error
	if errors.As(err, &typed) {
		envelope.Message = typed.Message
		envelope.Details = typed.Details
		if typed.RetryAfter > 0 {
			seconds := int(math.Ceil(typed.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
	}

	WriteJSON(w, statusForKind(kind), envelope)
}

// WriteMethodNotAllowed responds 405 with an Allow header listing the
// methods the route supports.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request, allow ...string) {
	w.Header().Set("Allow", strings.Join(allow, ", "))
	WriteJSON(w, http.StatusMethodNotAllowed, errorEnvelope{
		Error:   string(models.ErrInvalidRequest),
		Message: fmt.Sprintf("method %s not allowed", r.Method),
		TraceID: TraceIDFrom(r.Context()),
	})
}

func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrInvalidRequest:
		return http.StatusBadRequest
	case models.ErrUnauthenticated:
		return http.StatusUnauthorized
	case models.ErrUnauthorized:
		return http.StatusForbidden
	case models.ErrNotFound:
		return http.StatusNotFound
	case models.ErrConflict:
		return http.StatusConflict
	case models.ErrRateLimited:
		return http.StatusTooManyRequests
	case models.ErrRetryableBackend, models.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SetProcessingTime stamps the mutation latency header.
func SetProcessingTime(w http.ResponseWriter, start time.Time) {
	w.Header().Set("X-Processing-Time", fmt.Sprintf("%.3fms", float64(time.Since(start).Microseconds())/1000))
}

// QueryInt reads an integer query parameter with a fallback.
func QueryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// QueryTime reads an RFC3339 query parameter; zero when absent or
// malformed.
func QueryTime(r *http.Request, name string) time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
