package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamedEvents are the lifecycle event types forwarded to WebSocket
// subscribers.
var streamedEvents = []interfaces.EventType{
	interfaces.EventJobSubmitted,
	interfaces.EventJobCancelled,
	interfaces.EventExecutionStarted,
	interfaces.EventExecutionFinished,
	interfaces.EventDeadLettered,
	interfaces.EventSchedulerGap,
}

// EventsHandler streams lifecycle events over WebSocket. It subscribes
// to the event service once at construction and fans out to whatever
// connections are open; a slow client is dropped rather than allowed to
// stall the broadcast.
type EventsHandler struct {
	logger arbor.ILogger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

// NewEventsHandler creates the handler and wires its subscriptions.
func NewEventsHandler(events interfaces.EventService, logger arbor.ILogger) (*EventsHandler, error) {
	h := &EventsHandler{
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
	for _, eventType := range streamedEvents {
		if err := events.Subscribe(eventType, h.broadcast); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// StreamHandler handles GET /v1/events: upgrades and holds the
// connection until the client goes away.
func (h *EventsHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", total).Msg("Event stream client connected")

	// Reads only serve to detect disconnect; clients do not send.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	total = len(h.clients)
	h.mu.Unlock()
	conn.Close()
	h.logger.Debug().Int("clients", total).Msg("Event stream client disconnected")
}

func (h *EventsHandler) broadcast(ctx context.Context, event interfaces.Event) error {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	locks := make([]*sync.Mutex, 0, len(h.clients))
	for conn, lock := range h.clients {
		conns = append(conns, conn)
		locks = append(locks, lock)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		locks[i].Lock()
		err := conn.WriteJSON(event)
		locks[i].Unlock()
		if err != nil {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}
	}
	return nil
}
