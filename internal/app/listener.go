// -----------------------------------------------------------------------
// Bus lifecycle listener - mirrors DLQ transitions into the metadata
// store and the event stream
// -----------------------------------------------------------------------

package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/recorder"
)

// dlqIndexRecord is the body of a dlq_index document, one per
// dead-lettered message keyed by message id.
type dlqIndexRecord struct {
	MessageID      string    `json:"message_id"`
	JobID          string    `json:"job_id"`
	Queue          string    `json:"queue"`
	ReceiveCount   int       `json:"receive_count"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// lifecycleListener reacts to bus-side terminal transitions. The bus
// calls it after its own commit, so every hook is idempotent.
type lifecycleListener struct {
	store    interfaces.MetadataStore
	recorder *recorder.Service
	events   interfaces.EventService
	clock    interfaces.Clock
	logger   arbor.ILogger
}

func newLifecycleListener(store interfaces.MetadataStore, rec *recorder.Service, events interfaces.EventService, clock interfaces.Clock, logger arbor.ILogger) *lifecycleListener {
	return &lifecycleListener{
		store:    store,
		recorder: rec,
		events:   events,
		clock:    clock,
		logger:   logger,
	}
}

// DeadLettered closes the job's current attempt, indexes the parked
// message, and emits the operator event.
func (l *lifecycleListener) DeadLettered(ctx context.Context, msg *interfaces.Message) {
	if err := l.recorder.MarkDeadLettered(ctx, msg.JobID); err != nil && !models.IsKind(err, models.ErrNotFound) {
		l.logger.Warn().Err(err).
			Str("job_id", msg.JobID).
			Msg("Failed to mark job dead-lettered")
	}

	now := l.clock.Now()
	record := dlqIndexRecord{
		MessageID:      msg.ID,
		JobID:          msg.JobID,
		Queue:          msg.Queue,
		ReceiveCount:   msg.ReceiveCount,
		DeadLetteredAt: now,
	}
	body, err := json.Marshal(record)
	if err == nil {
		err = l.upsertIndex(ctx, &interfaces.Document{
			Collection: interfaces.CollectionDLQIndex,
			ID:         msg.ID,
			Parent:     msg.JobID,
			Kind:       msg.Queue,
			CreatedAt:  now,
			Body:       body,
		})
	}
	if err != nil {
		l.logger.Warn().Err(err).
			Str("message_id", msg.ID).
			Msg("Failed to index dead-lettered message")
	}

	if l.events != nil {
		event := interfaces.Event{
			Type:      interfaces.EventDeadLettered,
			Timestamp: now,
			JobID:     msg.JobID,
			Data: map[string]interface{}{
				"message_id":    msg.ID,
				"queue":         msg.Queue,
				"receive_count": msg.ReceiveCount,
			},
		}
		if err := l.events.Publish(ctx, event); err != nil {
			l.logger.Debug().Err(err).Msg("Dead-letter event publish failed")
		}
	}

	l.logger.Warn().
		Str("job_id", msg.JobID).
		Str("message_id", msg.ID).
		Int("receive_count", msg.ReceiveCount).
		Msg("Message dead-lettered")
}

// Redriven drops the index entry and returns the job to queued so the
// next delivery opens a fresh attempt.
func (l *lifecycleListener) Redriven(ctx context.Context, msg *interfaces.Message) {
	if err := l.store.Delete(ctx, interfaces.CollectionDLQIndex, msg.ID); err != nil && !models.IsKind(err, models.ErrNotFound) {
		l.logger.Warn().Err(err).
			Str("message_id", msg.ID).
			Msg("Failed to remove DLQ index entry")
	}
	if err := l.recorder.MarkRedriven(ctx, msg.JobID); err != nil && !models.IsKind(err, models.ErrNotFound) {
		l.logger.Warn().Err(err).
			Str("job_id", msg.JobID).
			Msg("Failed to requeue redriven job")
	}

	l.logger.Info().
		Str("job_id", msg.JobID).
		Str("message_id", msg.ID).
		Msg("Message redriven")
}

func (l *lifecycleListener) upsertIndex(ctx context.Context, doc *interfaces.Document) error {
	existing, err := l.store.Get(ctx, doc.Collection, doc.ID)
	if err != nil && !models.IsKind(err, models.ErrNotFound) {
		return err
	}
	var version uint64
	if existing != nil {
		version = existing.Version
	}
	_, err = l.store.Put(ctx, doc, version)
	return err
}
