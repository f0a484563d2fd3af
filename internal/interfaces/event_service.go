package interfaces

import (
	"context"
	"time"
)

// EventType represents different lifecycle events in the system
type EventType string

const (
	EventJobSubmitted      EventType = "job.submitted"
	EventJobEnqueue        EventType = "job.enqueue"
	EventJobCancelled      EventType = "job.cancelled"
	EventExecutionStarted  EventType = "execution.started"
	EventExecutionFinished EventType = "execution.finished"
	EventDeadLettered      EventType = "queue.dead_lettered"
	EventSchedulerGap      EventType = "scheduler.gap"
	EventSchedulerLeader   EventType = "scheduler.leader"
)

// Event carries a lifecycle notification between components and out to
// WebSocket subscribers.
type Event struct {
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	JobID       string                 `json:"job_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the in-process pub/sub event bus
type EventService interface {
	// Subscribe registers a handler for an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish delivers an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
