package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
)

const readinessCacheTTL = 30 * time.Second

// AdminHandler serves the operator surface: DLQ redrive, service
// status, and the health probes.
type AdminHandler struct {
	bus       interfaces.MessageBus
	store     interfaces.MetadataStore
	blobs     interfaces.BlobStore
	scheduler interfaces.SchedulerService
	clock     interfaces.Clock
	logger    arbor.ILogger
	startedAt time.Time

	mu         sync.Mutex
	readyCache readiness
	checkedAt  time.Time
}

type readiness struct {
	Ready      bool            `json:"ready"`
	Components map[string]bool `json:"components"`
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(bus interfaces.MessageBus, store interfaces.MetadataStore, blobs interfaces.BlobStore, scheduler interfaces.SchedulerService, clock interfaces.Clock, logger arbor.ILogger) *AdminHandler {
	return &AdminHandler{
		bus:       bus,
		store:     store,
		blobs:     blobs,
		scheduler: scheduler,
		clock:     clock,
		logger:    logger,
		startedAt: clock.Now(),
	}
}

// redriveRequest selects DLQ messages to re-enqueue on the kind's
// queue. Empty ids means everything parked there.
type redriveRequest struct {
	Kind string   `json:"kind"`
	IDs  []string `json:"ids"`
}

// RedriveHandler handles POST /v1/admin/dlq/redrive.
func (h *AdminHandler) RedriveHandler(w http.ResponseWriter, r *http.Request) {
	var req redriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, models.WrapError(models.ErrInvalidRequest, err, "malformed request body"))
		return
	}
	kind := models.JobKind(req.Kind)
	if !kind.Valid() {
		WriteError(w, r, models.NewError(models.ErrInvalidRequest, "unknown kind %q", req.Kind))
		return
	}

	moved, err := h.bus.Redrive(r.Context(), interfaces.QueueForKind(kind), req.IDs)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	h.logger.Info().
		Str("principal", principalID(r)).
		Str("kind", req.Kind).
		Int("moved", moved).
		Msg("Dead letters redriven")
	WriteJSON(w, http.StatusOK, map[string]interface{}{"redriven": moved})
}

// DeadLettersHandler handles GET /v1/admin/dlq. A kind query parameter
// narrows the listing to one queue; otherwise all kinds are walked
// until the limit fills.
func (h *AdminHandler) DeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	limit := QueryInt(r, "limit", 50)
	queues := interfaces.ExecutionQueues()
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind := models.JobKind(raw)
		if !kind.Valid() {
			WriteError(w, r, models.NewError(models.ErrInvalidRequest, "unknown kind %q", raw))
			return
		}
		queues = []string{interfaces.QueueForKind(kind)}
	}

	messages := make([]*interfaces.Message, 0, limit)
	for _, queue := range queues {
		if limit > 0 && len(messages) >= limit {
			break
		}
		batch, err := h.bus.DeadLetters(r.Context(), queue, limit-len(messages))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		messages = append(messages, batch...)
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// StatusHandler handles GET /v1/status.
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	queues := make(map[string]interfaces.QueueDepth, len(models.Kinds))
	for _, kind := range models.Kinds {
		depth, err := h.bus.Depth(r.Context(), interfaces.QueueForKind(kind))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		queues[string(kind)] = depth
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":          common.Version,
		"uptime":           h.clock.Now().Sub(h.startedAt).String(),
		"scheduler_leader": h.scheduler.IsLeader(),
		"queues":           queues,
	})
}

// HealthzHandler handles GET /v1/healthz: process liveness only.
func (h *AdminHandler) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyzHandler handles GET /v1/readyz: per-component readiness, cached
// so probes do not hammer the stores.
func (h *AdminHandler) ReadyzHandler(w http.ResponseWriter, r *http.Request) {
	state := h.checkReadiness(r.Context())
	status := http.StatusOK
	if !state.Ready {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, state)
}

func (h *AdminHandler) checkReadiness(ctx context.Context) readiness {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clock.Now().Sub(h.checkedAt) < readinessCacheTTL && h.readyCache.Components != nil {
		return h.readyCache
	}

	components := map[string]bool{
		"metadata_store": h.probeStore(ctx),
		"blob_store":     h.probeBlobs(ctx),
		"bus":            h.probeBus(ctx),
	}
	ready := true
	for _, ok := range components {
		ready = ready && ok
	}
	h.readyCache = readiness{Ready: ready, Components: components}
	h.checkedAt = h.clock.Now()
	return h.readyCache
}

// A probe is healthy when the component answers, even with not_found --
// only transport and backend failures mean unready.
func (h *AdminHandler) probeStore(ctx context.Context) bool {
	_, err := h.store.Get(ctx, interfaces.CollectionCounters, "readiness-probe")
	return err == nil || models.IsKind(err, models.ErrNotFound)
}

func (h *AdminHandler) probeBlobs(ctx context.Context) bool {
	reader, err := h.blobs.OpenRead(ctx, "blob://readiness/probe")
	if err == nil {
		reader.Close()
		return true
	}
	return models.IsKind(err, models.ErrNotFound)
}

func (h *AdminHandler) probeBus(ctx context.Context) bool {
	for _, queue := range interfaces.ExecutionQueues() {
		if _, err := h.bus.Depth(ctx, queue); err != nil {
			return false
		}
	}
	return true
}

func principalID(r *http.Request) string {
	if principal := PrincipalFrom(r.Context()); principal != nil {
		return principal.ID
	}
	return ""
}
