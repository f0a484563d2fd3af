package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/conveyor/internal/models"
)

// ErrQueueFull is returned by Publish when a queue's outstanding count has
// crossed its high-water mark. Publishers back off until drain reaches the
// low-water mark.
var ErrQueueFull = errors.New("queue full")

// QueueForKind returns the execution queue carrying requests from the
// scheduler to the worker pool. Queues are typed, one per kind, so a
// backlog of slow OCR work never delays scrape dispatch.
func QueueForKind(kind models.JobKind) string {
	return "executions." + string(kind)
}

// ExecutionQueues lists every per-kind execution queue, for consumers
// that span all kinds: workers, the admin surface, metrics.
func ExecutionQueues() []string {
	queues := make([]string, 0, len(models.Kinds))
	for _, kind := range models.Kinds {
		queues = append(queues, QueueForKind(kind))
	}
	return queues
}

// Message is one unit on a typed queue. ID doubles as the idempotency
// token: publishing the same ID twice overwrites rather than duplicates.
// The retry policy rides along so the bus can compute backoff and the DLQ
// cutoff without consulting the metadata store.
type Message struct {
	ID           string             `json:"id"`
	Queue        string             `json:"queue"`
	JobID        string             `json:"job_id"`
	Body         []byte             `json:"body"`
	OrderingKey  string             `json:"ordering_key,omitempty"`
	Priority     models.Priority    `json:"priority,omitempty"`
	RetryPolicy  models.RetryPolicy `json:"retry_policy"`
	EnqueuedAt   time.Time          `json:"enqueued_at"`
	ReceiveCount int                `json:"receive_count"`
	VisibleAt    time.Time          `json:"visible_at"`
	LeaseToken   string             `json:"lease_token,omitempty"`
}

// Lease identifies one delivery of a message. Ack, Nack, and Extend all
// take the lease; a stale token (the message redelivered elsewhere) is a
// conflict.
type Lease struct {
	Queue     string
	MessageID string
	Token     string
	Deadline  time.Time
}

// Delivery is a pulled message plus its lease. Attempt is the delivery
// count including this one.
type Delivery struct {
	Message *Message
	Lease   Lease
	Attempt int
}

// QueueDepth is a point-in-time census of one queue.
type QueueDepth struct {
	Ready        int `json:"ready"`
	Inflight     int `json:"inflight"`
	Delayed      int `json:"delayed"`
	DeadLettered int `json:"dead_lettered"`
}

// MessageBus is the dispatch contract: typed durable queues with ordered
// delivery per ordering key, at-least-once semantics, ack deadlines, and
// dead-letter routing after the message's retry budget is spent.
type MessageBus interface {
	// Publish stores the message durably. At-least-once; idempotent per
	// message ID. Returns ErrQueueFull under backpressure.
	Publish(ctx context.Context, msg *Message) error
	// Pull leases up to maxBatch messages for the subscriber. Each lease
	// must be acked, nacked, or extended before ackDeadline or the message
	// redelivers. Messages sharing an ordering key never have more than
	// one outstanding lease, in publish order.
	Pull(ctx context.Context, queue, subscriberID string, maxBatch int, ackDeadline time.Duration) ([]*Delivery, error)
	// Ack removes the message permanently.
	Ack(ctx context.Context, lease Lease) error
	// Nack schedules redelivery after requeueDelay. A non-positive delay
	// uses the message's retry policy backoff.
	Nack(ctx context.Context, lease Lease, requeueDelay time.Duration) error
	// Extend resets the lease deadline to extra from now, never
	// shrinking it; periodic renewal holds the deadline steady.
	Extend(ctx context.Context, lease Lease, extra time.Duration) error
	// RemoveByJob deletes not-yet-leased messages belonging to a job
	// (best-effort cancellation support). Returns how many were removed.
	RemoveByJob(ctx context.Context, queue, jobID string) (int, error)
	// Redrive moves dead-lettered messages back onto the main queue with a
	// fresh retry budget. Empty ids means all. Returns how many moved.
	Redrive(ctx context.Context, queue string, ids []string) (int, error)
	// DeadLetters lists messages currently parked in the queue's DLQ.
	DeadLetters(ctx context.Context, queue string, limit int) ([]*Message, error)
	// Depth reports the queue census.
	Depth(ctx context.Context, queue string) (QueueDepth, error)
}
