// -----------------------------------------------------------------------
// Execution Recorder - transactional writes for the attempt lifecycle
// -----------------------------------------------------------------------

package recorder

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/storage/records"
)

// Service implements interfaces.Recorder. Every mutation of an execution
// row or the job status mirror happens inside one metadata-store
// transaction, with the per-row version as the optimistic lock. Callers
// retry conflicts; the recorder never loops internally.
type Service struct {
	store  interfaces.MetadataStore
	events interfaces.EventService
	clock  interfaces.Clock
	logger arbor.ILogger
}

var _ interfaces.Recorder = (*Service)(nil)

// NewService creates the recorder.
func NewService(store interfaces.MetadataStore, events interfaces.EventService, clock interfaces.Clock, logger arbor.ILogger) *Service {
	return &Service{
		store:  store,
		events: events,
		clock:  clock,
		logger: logger,
	}
}

// RecordDispatched allocates the next attempt as a pending execution.
// Re-dispatching while the current attempt has not started yet returns
// the existing row, so a crashed publish can be retried safely.
func (s *Service) RecordDispatched(ctx context.Context, spec *models.JobSpec, firedAt time.Time, reason string) (*models.Execution, error) {
	var result *models.Execution
	err := s.store.Transaction(ctx, func(tx interfaces.Tx) error {
		status, err := s.txStatus(tx, spec.ID)
		if err != nil {
			return err
		}
		if status.CancelRequested || status.Status == models.JobCancelled {
			return interfaces.ErrJobCancelled
		}

		if status.CurrentExecutionID != "" {
			doc, err := tx.Get(interfaces.CollectionExecutions, status.CurrentExecutionID)
			if err == nil {
				current, err := records.DecodeExecution(doc)
				if err != nil {
					return err
				}
				if current.State == models.ExecutionPending || current.State == models.ExecutionQueued {
					result = current
					return nil
				}
			} else if !models.IsKind(err, models.ErrNotFound) {
				return err
			}
		}

		now := s.clock.Now()
		exec := &models.Execution{
			ID:            common.NewExecutionID(),
			JobID:         spec.ID,
			TenantID:      spec.TenantID,
			Kind:          spec.Kind,
			AttemptNumber: status.NextAttempt,
			State:         models.ExecutionPending,
			DispatchedAt:  &firedAt,
			CreatedAt:     now,
		}
		doc, err := records.ExecutionDoc(exec)
		if err != nil {
			return err
		}
		if _, err := tx.Put(doc, 0); err != nil {
			return err
		}

		status.NextAttempt++
		status.CurrentExecutionID = exec.ID
		if err := s.txPutStatus(tx, status); err != nil {
			return err
		}
		result = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkQueued flips the current attempt and the job mirror to queued once
// the bus has durably accepted the message.
func (s *Service) MarkQueued(ctx context.Context, jobID string) error {
	return s.store.Transaction(ctx, func(tx interfaces.Tx) error {
		status, err := s.txStatus(tx, jobID)
		if err != nil {
			return err
		}
		if status.Status.Terminal() {
			return nil
		}

		if status.CurrentExecutionID != "" {
			doc, err := tx.Get(interfaces.CollectionExecutions, status.CurrentExecutionID)
			if err != nil {
				return err
			}
			exec, err := records.DecodeExecution(doc)
			if err != nil {
				return err
			}
			if exec.State == models.ExecutionPending {
				exec.State = models.ExecutionQueued
				if err := s.txPutExecution(tx, exec); err != nil {
					return err
				}
			}
		}

		status.Status = models.JobQueued
		return s.txPutStatus(tx, status)
	})
}

// Begin claims the job's current attempt for a worker. The CAS on the
// status row makes this won-by-first: when two workers race the same
// job, the loser sees a version conflict and drops its delivery.
func (s *Service) Begin(ctx context.Context, jobID, workerID string) (*models.Execution, error) {
	var result *models.Execution
	err := s.store.Transaction(ctx, func(tx interfaces.Tx) error {
		status, err := s.txStatus(tx, jobID)
		if err != nil {
			return err
		}
		if status.CancelRequested || status.Status == models.JobCancelled {
			return interfaces.ErrJobCancelled
		}

		now := s.clock.Now()
		var exec *models.Execution
		if status.CurrentExecutionID != "" {
			doc, err := tx.Get(interfaces.CollectionExecutions, status.CurrentExecutionID)
			if err != nil && !models.IsKind(err, models.ErrNotFound) {
				return err
			}
			if err == nil {
				exec, err = records.DecodeExecution(doc)
				if err != nil {
					return err
				}
			}
		}

		switch {
		case exec != nil && (exec.State == models.ExecutionQueued || exec.State == models.ExecutionPending):
			// Normal path: the dispatched attempt starts running. A
			// pending row means delivery beat MarkQueued; it passes
			// through queued in the same transaction.
			if exec.State == models.ExecutionPending {
				exec.State = models.ExecutionQueued
				if err := s.txPutExecution(tx, exec); err != nil {
					return err
				}
			}
			exec.State = models.ExecutionRunning
			exec.StartedAt = &now
			exec.WorkerID = workerID
			if err := s.txPutExecution(tx, exec); err != nil {
				return err
			}

		case exec != nil && exec.State == models.ExecutionRunning:
			// Redelivery after a lost lease: the stale row is closed as
			// retryable and a fresh attempt starts, keeping attempt
			// numbers contiguous and at most one running row per job.
			exec.State = models.ExecutionAwaitingRetry
			exec.Outcome = models.OutcomeRetryableFailure
			exec.ErrorKind = string(models.ErrUnavailable)
			exec.ErrorDetail = "delivery lease expired before the attempt finished"
			exec.FinishedAt = &now
			if err := s.txPutExecution(tx, exec); err != nil {
				return err
			}
			exec, err = s.txNewAttempt(tx, status, jobID, workerID, now)
			if err != nil {
				return err
			}

		default:
			exec, err = s.txNewAttempt(tx, status, jobID, workerID, now)
			if err != nil {
				return err
			}
		}

		status.CurrentExecutionID = exec.ID
		status.Status = models.JobRunning
		if err := s.txPutStatus(tx, status); err != nil {
			return err
		}
		result = exec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, interfaces.Event{
		Type:        interfaces.EventExecutionStarted,
		TenantID:    result.TenantID,
		JobID:       result.JobID,
		ExecutionID: result.ID,
		Data: map[string]interface{}{
			"attempt":   result.AttemptNumber,
			"worker_id": workerID,
		},
	})
	return result, nil
}

// txNewAttempt allocates a fresh execution row directly in running,
// used when the bus redelivers without a dispatched row to claim.
func (s *Service) txNewAttempt(tx interfaces.Tx, status *models.JobStatusRecord, jobID, workerID string, now time.Time) (*models.Execution, error) {
	specDoc, err := tx.Get(interfaces.CollectionJobs, jobID)
	if err != nil {
		return nil, err
	}
	spec, err := records.DecodeJob(specDoc)
	if err != nil {
		return nil, err
	}

	exec := &models.Execution{
		ID:            common.NewExecutionID(),
		JobID:         jobID,
		TenantID:      spec.TenantID,
		Kind:          spec.Kind,
		AttemptNumber: status.NextAttempt,
		State:         models.ExecutionRunning,
		DispatchedAt:  &now,
		StartedAt:     &now,
		WorkerID:      workerID,
		CreatedAt:     now,
	}
	status.NextAttempt++

	doc, err := records.ExecutionDoc(exec)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Put(doc, 0); err != nil {
		return nil, err
	}
	return exec, nil
}

// Finish records the attempt's terminal transition together with its
// timestamps and the job-level mirror. Calling it twice with the same
// outcome is a no-op; a different outcome is ConflictingFinish.
func (s *Service) Finish(ctx context.Context, executionID string, outcome models.Outcome, errorKind, errorDetail string) error {
	var finished *models.Execution
	err := s.store.Transaction(ctx, func(tx interfaces.Tx) error {
		finished = nil
		doc, err := tx.Get(interfaces.CollectionExecutions, executionID)
		if err != nil {
			return err
		}
		exec, err := records.DecodeExecution(doc)
		if err != nil {
			return err
		}

		target := outcome.State()
		if exec.State.Terminal() || exec.State == models.ExecutionAwaitingRetry {
			if exec.Outcome == outcome {
				return nil
			}
			return models.NewError(models.ErrConflict,
				"execution %s already finished with %s, cannot finish with %s",
				executionID, exec.Outcome, outcome)
		}
		if !models.CanTransition(exec.State, target) {
			return models.NewError(models.ErrConflict,
				"execution %s cannot move %s -> %s", executionID, exec.State, target)
		}

		now := s.clock.Now()
		exec.State = target
		exec.Outcome = outcome
		exec.ErrorKind = errorKind
		exec.ErrorDetail = errorDetail
		exec.FinishedAt = &now
		if err := s.txPutExecution(tx, exec); err != nil {
			return err
		}

		if err := s.txMirrorFinish(tx, exec, outcome); err != nil {
			return err
		}
		finished = exec
		return nil
	})
	if err != nil {
		return err
	}

	if finished != nil {
		s.publish(ctx, interfaces.Event{
			Type:        interfaces.EventExecutionFinished,
			TenantID:    finished.TenantID,
			JobID:       finished.JobID,
			ExecutionID: finished.ID,
			Data: map[string]interface{}{
				"attempt": finished.AttemptNumber,
				"outcome": string(finished.Outcome),
			},
		})
	}
	return nil
}

// txMirrorFinish updates the job status row for a finished attempt. A
// recurring job goes back to scheduled after success instead of
// terminal succeeded.
func (s *Service) txMirrorFinish(tx interfaces.Tx, exec *models.Execution, outcome models.Outcome) error {
	status, err := s.txStatus(tx, exec.JobID)
	if err != nil {
		return err
	}
	if status.CurrentExecutionID != exec.ID {
		return nil
	}

	next := outcome.JobStatus()
	if outcome == models.OutcomeSuccess {
		specDoc, err := tx.Get(interfaces.CollectionJobs, exec.JobID)
		if err == nil {
			if spec, decodeErr := records.DecodeJob(specDoc); decodeErr == nil &&
				spec.Schedule.Type() == models.ScheduleCron {
				next = models.JobScheduled
			}
		}
	}
	if status.Status == models.JobCancelled {
		next = models.JobCancelled
	}

	status.Status = next
	status.ExecutionCount++
	if exec.ErrorDetail != "" {
		status.LastError = exec.ErrorDetail
	} else if outcome == models.OutcomeSuccess {
		status.LastError = ""
	}
	return s.txPutStatus(tx, status)
}

// AttachArtifact inserts the artifact record and appends its id to the
// execution row under the same lock. Idempotent per artifact id so a
// redelivered attempt can re-report safely.
func (s *Service) AttachArtifact(ctx context.Context, executionID string, artifact *models.Artifact) error {
	return s.store.Transaction(ctx, func(tx interfaces.Tx) error {
		doc, err := tx.Get(interfaces.CollectionExecutions, executionID)
		if err != nil {
			return err
		}
		exec, err := records.DecodeExecution(doc)
		if err != nil {
			return err
		}
		if exec.State.Terminal() || exec.State == models.ExecutionAwaitingRetry {
			return models.NewError(models.ErrConflict,
				"execution %s is finished, artifacts are sealed", executionID)
		}
		if exec.HasArtifact(artifact.ID) {
			return nil
		}

		artifact.ExecutionID = executionID
		artifact.JobID = exec.JobID
		artifact.TenantID = exec.TenantID
		if artifact.CreatedAt.IsZero() {
			artifact.CreatedAt = s.clock.Now()
		}
		artifactDoc, err := records.ArtifactDoc(artifact)
		if err != nil {
			return err
		}
		if _, err := tx.Put(artifactDoc, 0); err != nil {
			return err
		}

		exec.ProducedArtifacts = append(exec.ProducedArtifacts, artifact.ID)
		return s.txPutExecution(tx, exec)
	})
}

// MarkDeadLettered closes the job's current attempt when the bus parks
// its message.
func (s *Service) MarkDeadLettered(ctx context.Context, jobID string) error {
	return s.store.Transaction(ctx, func(tx interfaces.Tx) error {
		status, err := s.txStatus(tx, jobID)
		if err != nil {
			return err
		}

		if status.CurrentExecutionID != "" {
			doc, err := tx.Get(interfaces.CollectionExecutions, status.CurrentExecutionID)
			if err != nil && !models.IsKind(err, models.ErrNotFound) {
				return err
			}
			if err == nil {
				exec, err := records.DecodeExecution(doc)
				if err != nil {
					return err
				}
				if !exec.State.Terminal() {
					now := s.clock.Now()
					exec.State = models.ExecutionDeadLettered
					exec.FinishedAt = &now
					if err := s.txPutExecution(tx, exec); err != nil {
						return err
					}
				}
			}
		}

		status.Status = models.JobDeadLettered
		return s.txPutStatus(tx, status)
	})
}

// MarkRedriven returns a dead-lettered job to queued so the redriven
// delivery can claim a fresh attempt.
func (s *Service) MarkRedriven(ctx context.Context, jobID string) error {
	return s.store.Transaction(ctx, func(tx interfaces.Tx) error {
		status, err := s.txStatus(tx, jobID)
		if err != nil {
			return err
		}
		if status.Status != models.JobDeadLettered {
			return nil
		}
		status.Status = models.JobQueued
		return s.txPutStatus(tx, status)
	})
}

// MarkScheduled parks the job until its next firing.
func (s *Service) MarkScheduled(ctx context.Context, jobID string, nextFire time.Time) error {
	return s.store.Transaction(ctx, func(tx interfaces.Tx) error {
		status, err := s.txStatus(tx, jobID)
		if err != nil {
			return err
		}
		if status.Status.Terminal() {
			return nil
		}
		status.Status = models.JobScheduled
		status.NextFireAt = &nextFire
		return s.txPutStatus(tx, status)
	})
}

// RequestCancel flags the job for cancellation and moves a non-terminal
// status to cancelled. Returns the updated record; conflict retries are
// the caller's.
func (s *Service) RequestCancel(ctx context.Context, jobID string) (*models.JobStatusRecord, error) {
	var result *models.JobStatusRecord
	err := s.store.Transaction(ctx, func(tx interfaces.Tx) error {
		status, err := s.txStatus(tx, jobID)
		if err != nil {
			return err
		}
		if status.Status.Terminal() {
			result = status
			return nil
		}
		now := s.clock.Now()
		status.CancelRequested = true
		status.CancelledAt = &now
		if status.Status != models.JobRunning {
			status.Status = models.JobCancelled
		}
		if err := s.txPutStatus(tx, status); err != nil {
			return err
		}
		result = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelPending transitions every not-yet-running attempt of the job to
// cancelled. Each row moves in its own transaction; a conflict on one
// row does not block the others.
func (s *Service) CancelPending(ctx context.Context, jobID string) (int, error) {
	docs, _, err := s.store.Query(ctx, interfaces.DocumentQuery{
		Collection: interfaces.CollectionExecutions,
		Parent:     jobID,
		States: []string{
			string(models.ExecutionPending),
			string(models.ExecutionQueued),
			string(models.ExecutionAwaitingRetry),
		},
	})
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, doc := range docs {
		exec, err := records.DecodeExecution(doc)
		if err != nil {
			return cancelled, err
		}
		if !models.CanTransition(exec.State, models.ExecutionCancelled) {
			continue
		}
		now := s.clock.Now()
		exec.State = models.ExecutionCancelled
		exec.Outcome = models.OutcomeCancelled
		exec.FinishedAt = &now
		if err := s.putExecution(ctx, exec); err != nil {
			if models.IsKind(err, models.ErrConflict) {
				continue
			}
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// CancelRequested reports whether cancellation has been requested.
func (s *Service) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	doc, err := s.store.Get(ctx, interfaces.CollectionJobStatus, jobID)
	if err != nil {
		return false, err
	}
	status, err := records.DecodeStatus(doc)
	if err != nil {
		return false, err
	}
	return status.CancelRequested || status.Status == models.JobCancelled, nil
}

func (s *Service) txStatus(tx interfaces.Tx, jobID string) (*models.JobStatusRecord, error) {
	doc, err := tx.Get(interfaces.CollectionJobStatus, jobID)
	if err != nil {
		return nil, err
	}
	return records.DecodeStatus(doc)
}

func (s *Service) txPutStatus(tx interfaces.Tx, status *models.JobStatusRecord) error {
	status.UpdatedAt = s.clock.Now()
	doc, err := records.StatusDoc(status)
	if err != nil {
		return err
	}
	updated, err := tx.Put(doc, status.Version)
	if err != nil {
		return err
	}
	status.Version = updated.Version
	return nil
}

func (s *Service) txPutExecution(tx interfaces.Tx, exec *models.Execution) error {
	doc, err := records.ExecutionDoc(exec)
	if err != nil {
		return err
	}
	updated, err := tx.Put(doc, exec.Version)
	if err != nil {
		return err
	}
	exec.Version = updated.Version
	return nil
}

func (s *Service) putExecution(ctx context.Context, exec *models.Execution) error {
	doc, err := records.ExecutionDoc(exec)
	if err != nil {
		return err
	}
	updated, err := s.store.Put(ctx, doc, exec.Version)
	if err != nil {
		return err
	}
	exec.Version = updated.Version
	return nil
}

func (s *Service) publish(ctx context.Context, event interfaces.Event) {
	if s.events == nil {
		return
	}
	event.Timestamp = s.clock.Now()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Debug().Err(err).Str("event_type", string(event.Type)).Msg("Event publish failed")
	}
}
