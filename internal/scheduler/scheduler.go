// -----------------------------------------------------------------------
// Scheduler - lease-elected dispatch of due jobs onto the bus
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/storage/records"
)

const leaseDocID = "leader"

// leaseRecord is the leader lease body. Expiry derives from the
// document's UpdatedAt plus the TTL, so renewal is just a CAS rewrite.
type leaseRecord struct {
	InstanceID string    `json:"instance_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Service implements interfaces.SchedulerService. Replicas race for the
// lease through the metadata store; only the holder ticks. Followers
// keep trying so a dead leader is replaced within one TTL.
type Service struct {
	store      interfaces.MetadataStore
	bus        interfaces.MessageBus
	recorder   interfaces.Recorder
	blobs      interfaces.BlobStore
	events     interfaces.EventService
	clock      interfaces.Clock
	logger     arbor.ILogger
	instanceID string

	tickInterval  time.Duration
	leaseTTL      time.Duration
	leaseRenew    time.Duration
	missedPolicy  string
	sweepInterval time.Duration
	pendingAge    time.Duration
	retentionTick time.Duration
	artifactTTL   time.Duration
	executionTTL  time.Duration

	mu           sync.RWMutex
	leader       bool
	leaseVersion uint64
	lastRetained time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ interfaces.SchedulerService = (*Service)(nil)

// NewService creates the scheduler from config.
func NewService(cfg *common.Config, store interfaces.MetadataStore, bus interfaces.MessageBus, rec interfaces.Recorder, blobs interfaces.BlobStore, events interfaces.EventService, clock interfaces.Clock, logger arbor.ILogger) *Service {
	return &Service{
		store:         store,
		bus:           bus,
		recorder:      rec,
		blobs:         blobs,
		events:        events,
		clock:         clock,
		logger:        logger,
		instanceID:    common.InstanceID(),
		tickInterval:  common.ParseDurationOr(cfg.Scheduler.TickInterval, time.Second),
		leaseTTL:      common.ParseDurationOr(cfg.Scheduler.LeaseTTL, 15*time.Second),
		leaseRenew:    common.ParseDurationOr(cfg.Scheduler.LeaseRenewInterval, 5*time.Second),
		missedPolicy:  cfg.Scheduler.MissedFirePolicy,
		sweepInterval: common.ParseDurationOr(cfg.Scheduler.SweepInterval, time.Minute),
		pendingAge:    common.ParseDurationOr(cfg.Scheduler.PendingThreshold, 30*time.Second),
		retentionTick: common.ParseDurationOr(cfg.Scheduler.RetentionInterval, time.Hour),
		artifactTTL:   common.ParseDurationOr(cfg.Retention.Artifacts, 90*24*time.Hour),
		executionTTL:  common.ParseDurationOr(cfg.Retention.Executions, 30*24*time.Hour),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start subscribes to intake events and launches the lease and tick
// loops.
func (s *Service) Start() error {
	if err := s.events.Subscribe(interfaces.EventJobEnqueue, s.onEnqueue); err != nil {
		return err
	}
	common.SafeGo(s.logger, "scheduler-run", s.run)
	s.logger.Info().
		Str("instance_id", s.instanceID).
		Str("tick", s.tickInterval.String()).
		Msg("Scheduler started")
	return nil
}

// Stop releases the lease and halts the loops.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.releaseLease()
	return nil
}

// IsLeader reports whether this replica currently holds the lease.
func (s *Service) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader
}

func (s *Service) run() {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.tickInterval)
	defer ticker.Stop()
	leaseTicker := s.clock.NewTicker(s.leaseRenew)
	defer leaseTicker.Stop()
	sweepTicker := s.clock.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()
	retentionTicker := s.clock.NewTicker(s.retentionTick)
	defer retentionTicker.Stop()

	ctx := context.Background()
	s.tryAcquire(ctx)
	if s.IsLeader() {
		s.recoverySweep(ctx)
	}

	for {
		select {
		case <-s.stop:
			return
		case <-leaseTicker.C():
			s.tryAcquire(ctx)
		case <-ticker.C():
			if s.IsLeader() {
				s.tick(ctx)
			}
		case <-sweepTicker.C():
			if s.IsLeader() {
				s.recoverySweep(ctx)
			}
		case <-retentionTicker.C():
			if s.IsLeader() {
				s.retentionSweep(ctx)
			}
		}
	}
}

// tryAcquire takes or renews the lease. A lost CAS means another
// replica won; this one quiesces until the next renewal attempt.
func (s *Service) tryAcquire(ctx context.Context) {
	now := s.clock.Now()
	wasLeader := s.IsLeader()

	doc, err := s.store.Get(ctx, interfaces.CollectionLease, leaseDocID)
	if err != nil && !models.IsKind(err, models.ErrNotFound) {
		s.logger.Warn().Err(err).Msg("Lease read failed")
		s.setLeader(false, 0)
		return
	}

	var expected uint64
	acquiredAt := now
	if doc != nil {
		var rec leaseRecord
		if jsonErr := json.Unmarshal(doc.Body, &rec); jsonErr == nil {
			held := rec.InstanceID == s.instanceID
			fresh := now.Sub(doc.UpdatedAt) < s.leaseTTL
			if !held && fresh {
				s.setLeader(false, 0)
				return
			}
			if held {
				acquiredAt = rec.AcquiredAt
			}
		}
		expected = doc.Version
	}

	body, err := json.Marshal(leaseRecord{InstanceID: s.instanceID, AcquiredAt: acquiredAt})
	if err != nil {
		s.setLeader(false, 0)
		return
	}
	updated, err := s.store.Put(ctx, &interfaces.Document{
		Collection: interfaces.CollectionLease,
		ID:         leaseDocID,
		CreatedAt:  acquiredAt,
		Body:       body,
	}, expected)
	if err != nil {
		if !models.IsKind(err, models.ErrConflict) {
			s.logger.Warn().Err(err).Msg("Lease write failed")
		}
		s.setLeader(false, 0)
		return
	}

	s.setLeader(true, updated.Version)
	if !wasLeader {
		s.logger.Info().Str("instance_id", s.instanceID).Msg("Scheduler lease acquired")
		s.publish(ctx, interfaces.Event{
			Type: interfaces.EventSchedulerLeader,
			Data: map[string]interface{}{"instance_id": s.instanceID},
		})
	}
}

func (s *Service) setLeader(leader bool, version uint64) {
	s.mu.Lock()
	wasLeader := s.leader
	s.leader = leader
	s.leaseVersion = version
	s.mu.Unlock()
	if wasLeader && !leader {
		s.logger.Warn().Str("instance_id", s.instanceID).Msg("Scheduler lease lost, quiescing")
	}
}

func (s *Service) releaseLease() {
	s.mu.Lock()
	leader := s.leader
	s.leader = false
	s.mu.Unlock()
	if !leader {
		return
	}
	if err := s.store.Delete(context.Background(), interfaces.CollectionLease, leaseDocID); err != nil {
		s.logger.Debug().Err(err).Msg("Lease release failed")
	}
}

// onEnqueue reacts to a freshly submitted job: immediate dispatch for
// one-shot schedules, parking for delayed and cron ones. Dispatch is
// CAS-guarded in the recorder, so a non-leader replica handling its own
// intake event cannot double-fire against the leader's sweep.
func (s *Service) onEnqueue(ctx context.Context, event interfaces.Event) error {
	spec, err := s.loadSpec(ctx, event.JobID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	switch spec.Schedule.Type() {
	case models.ScheduleOnce:
		fireAt, err := spec.Schedule.FireTime(now)
		if err != nil {
			return err
		}
		if fireAt.After(now) {
			return s.park(ctx, spec.ID, fireAt)
		}
		return s.dispatch(ctx, spec, now, models.DispatchReasonIntake)
	case models.ScheduleDelayed:
		fireAt, err := spec.Schedule.FireTime(now)
		if err != nil {
			return err
		}
		if !fireAt.After(now) {
			return s.dispatch(ctx, spec, now, models.DispatchReasonDelayed)
		}
		return s.park(ctx, spec.ID, fireAt)
	case models.ScheduleCron:
		sched, err := common.ParseCronSpec(spec.Schedule.Cron)
		if err != nil {
			return err
		}
		return s.park(ctx, spec.ID, sched.Next(now))
	}
	return nil
}

func (s *Service) park(ctx context.Context, jobID string, fireAt time.Time) error {
	return retry.Do(func() error {
		return s.recorder.MarkScheduled(ctx, jobID, fireAt)
	},
		retry.Attempts(3),
		retry.RetryIf(func(err error) bool { return models.IsKind(err, models.ErrConflict) }),
		retry.LastErrorOnly(true),
	)
}

// dueJob pairs a due status row with its spec for ordering.
type dueJob struct {
	spec   *models.JobSpec
	status *models.JobStatusRecord
	fireAt time.Time
	reason string
}

// tick fires every scheduled job whose next_fire has arrived. Emission
// order within a tick: priority desc, created_at asc, job_id asc.
func (s *Service) tick(ctx context.Context) {
	now := s.clock.Now()
	docs, _, err := s.store.Query(ctx, interfaces.DocumentQuery{
		Collection: interfaces.CollectionJobStatus,
		States:     []string{string(models.JobScheduled)},
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Scheduled job scan failed")
		return
	}

	var due []dueJob
	for _, doc := range docs {
		status, err := records.DecodeStatus(doc)
		if err != nil {
			s.logger.Warn().Str("job_id", doc.ID).Err(err).Msg("Status decode failed")
			continue
		}
		if status.NextFireAt == nil || status.NextFireAt.After(now) {
			continue
		}
		spec, err := s.loadSpec(ctx, status.JobID)
		if err != nil {
			s.logger.Warn().Str("job_id", status.JobID).Err(err).Msg("Spec load failed")
			continue
		}
		reason := models.DispatchReasonDelayed
		if spec.Schedule.Type() == models.ScheduleCron {
			reason = models.DispatchReasonCron
		}
		due = append(due, dueJob{spec: spec, status: status, fireAt: *status.NextFireAt, reason: reason})
	}

	sort.Slice(due, func(i, j int) bool {
		if ri, rj := due[i].spec.Priority.Rank(), due[j].spec.Priority.Rank(); ri != rj {
			return ri > rj
		}
		if !due[i].spec.CreatedAt.Equal(due[j].spec.CreatedAt) {
			return due[i].spec.CreatedAt.Before(due[j].spec.CreatedAt)
		}
		return due[i].spec.ID < due[j].spec.ID
	})

	for _, d := range due {
		if err := s.dispatch(ctx, d.spec, d.fireAt, d.reason); err != nil {
			s.logger.Warn().Str("job_id", d.spec.ID).Err(err).Msg("Dispatch failed")
			continue
		}
		if d.spec.Schedule.Type() == models.ScheduleCron {
			s.advanceCron(ctx, d.spec, d.fireAt, now)
		}
	}
}

// advanceCron computes the next firing after the one just emitted.
// Under the skip policy, slots that passed while the scheduler was down
// collapse into one scheduler.gap event; under catch_up, next_fire
// advances a single step so the following ticks replay each slot.
func (s *Service) advanceCron(ctx context.Context, spec *models.JobSpec, firedAt, now time.Time) {
	sched, err := common.ParseCronSpec(spec.Schedule.Cron)
	if err != nil {
		s.logger.Warn().Str("job_id", spec.ID).Err(err).Msg("Cron parse failed")
		return
	}

	next := sched.Next(firedAt)
	if s.missedPolicy != "catch_up" && next.Before(now) {
		missed := 0
		for next.Before(now) {
			next = sched.Next(next)
			missed++
		}
		s.logger.Warn().
			Str("job_id", spec.ID).
			Int("missed", missed).
			Str("next_fire", next.Format(time.RFC3339)).
			Msg("Missed cron firings skipped")
		s.publish(ctx, interfaces.Event{
			Type:     interfaces.EventSchedulerGap,
			TenantID: spec.TenantID,
			JobID:    spec.ID,
			Data: map[string]interface{}{
				"missed":    missed,
				"next_fire": next.Format(time.RFC3339),
			},
		})
	}

	if err := s.setNextFire(ctx, spec.ID, next); err != nil {
		s.logger.Warn().Str("job_id", spec.ID).Err(err).Msg("Next fire update failed")
	}
}

// setNextFire advances only the firing pointer, leaving the lifecycle
// status (queued by the dispatch just made) untouched.
func (s *Service) setNextFire(ctx context.Context, jobID string, next time.Time) error {
	return retry.Do(func() error {
		doc, err := s.store.Get(ctx, interfaces.CollectionJobStatus, jobID)
		if err != nil {
			return err
		}
		status, err := records.DecodeStatus(doc)
		if err != nil {
			return err
		}
		status.NextFireAt = &next
		status.UpdatedAt = s.clock.Now()
		updated, err := records.StatusDoc(status)
		if err != nil {
			return err
		}
		_, err = s.store.Put(ctx, updated, status.Version)
		return err
	},
		retry.Attempts(3),
		retry.RetryIf(func(err error) bool { return models.IsKind(err, models.ErrConflict) }),
		retry.LastErrorOnly(true),
	)
}

// dispatch allocates the attempt, publishes the execution request, and
// marks the job queued. Publish uses the execution id as the message
// id, so a crash between the steps replays idempotently.
func (s *Service) dispatch(ctx context.Context, spec *models.JobSpec, firedAt time.Time, reason string) error {
	exec, err := s.recorder.RecordDispatched(ctx, spec, firedAt, reason)
	if err != nil {
		if err == interfaces.ErrJobCancelled {
			return nil
		}
		return err
	}

	req := models.NewExecutionRequest(spec, firedAt, reason)
	body, err := req.ToJSON()
	if err != nil {
		return err
	}
	err = retry.Do(func() error {
		return s.bus.Publish(ctx, &interfaces.Message{
			ID:          exec.ID,
			Queue:       interfaces.QueueForKind(spec.Kind),
			JobID:       spec.ID,
			Body:        body,
			OrderingKey: spec.OrderingKey,
			Priority:    spec.Priority,
			RetryPolicy: spec.RetryPolicy.Normalize(),
			EnqueuedAt:  s.clock.Now(),
		})
	},
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.RetryIf(func(err error) bool { return err == interfaces.ErrQueueFull }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		// The pending execution row stays behind; the recovery sweep
		// retries once the queue drains.
		return err
	}

	if err := s.recorder.MarkQueued(ctx, spec.ID); err != nil {
		return err
	}
	s.logger.Debug().
		Str("job_id", spec.ID).
		Str("execution_id", exec.ID).
		Str("reason", reason).
		Msg("Job dispatched")
	return nil
}

// recoverySweep re-dispatches jobs stuck in pending_dispatch longer
// than the threshold, the safety net for lost enqueue events and
// crashes between persist and publish.
func (s *Service) recoverySweep(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.pendingAge)
	docs, _, err := s.store.Query(ctx, interfaces.DocumentQuery{
		Collection: interfaces.CollectionJobStatus,
		States:     []string{string(models.JobPendingDispatch)},
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Recovery scan failed")
		return
	}

	recovered := 0
	for _, doc := range docs {
		status, err := records.DecodeStatus(doc)
		if err != nil {
			continue
		}
		if status.UpdatedAt.After(cutoff) {
			continue
		}
		spec, err := s.loadSpec(ctx, status.JobID)
		if err != nil {
			s.logger.Warn().Str("job_id", status.JobID).Err(err).Msg("Spec load failed")
			continue
		}

		if spec.Schedule.Type() != models.ScheduleOnce {
			// Delayed and cron jobs only needed parking; the enqueue
			// event that would have done it was lost.
			if err := s.onEnqueue(ctx, interfaces.Event{JobID: spec.ID}); err != nil {
				s.logger.Warn().Str("job_id", spec.ID).Err(err).Msg("Recovery park failed")
			} else {
				recovered++
			}
			continue
		}
		if err := s.dispatch(ctx, spec, s.clock.Now(), models.DispatchReasonSweep); err != nil {
			s.logger.Warn().Str("job_id", spec.ID).Err(err).Msg("Recovery dispatch failed")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info().Int("recovered", recovered).Msg("Recovery sweep re-dispatched stuck jobs")
	}
}

// retentionSweep deletes artifacts and terminal executions past their
// retention windows. Batched; the next sweep continues where a failure
// left off.
func (s *Service) retentionSweep(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastRetained = now
	s.mu.Unlock()

	artifacts, _, err := s.store.Query(ctx, interfaces.DocumentQuery{
		Collection:    interfaces.CollectionArtifacts,
		CreatedBefore: now.Add(-s.artifactTTL),
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Artifact retention scan failed")
	} else {
		removed := 0
		for _, doc := range artifacts {
			artifact, err := records.DecodeArtifact(doc)
			if err != nil {
				continue
			}
			if artifact.StorageURI != "" {
				if err := s.blobs.Delete(ctx, artifact.StorageURI); err != nil {
					s.logger.Warn().Str("artifact_id", artifact.ID).Err(err).Msg("Blob delete failed")
					continue
				}
			}
			if err := s.store.Delete(ctx, interfaces.CollectionArtifacts, artifact.ID); err != nil {
				s.logger.Warn().Str("artifact_id", artifact.ID).Err(err).Msg("Artifact delete failed")
				continue
			}
			removed++
		}
		if removed > 0 {
			s.logger.Info().Int("removed", removed).Msg("Expired artifacts deleted")
		}
	}

	executions, _, err := s.store.Query(ctx, interfaces.DocumentQuery{
		Collection:    interfaces.CollectionExecutions,
		CreatedBefore: now.Add(-s.executionTTL),
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Execution retention scan failed")
		return
	}
	removed := 0
	for _, doc := range executions {
		exec, err := records.DecodeExecution(doc)
		if err != nil {
			continue
		}
		if !exec.State.Terminal() {
			continue
		}
		if err := s.store.Delete(ctx, interfaces.CollectionExecutions, exec.ID); err != nil {
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Expired executions deleted")
	}
}

func (s *Service) loadSpec(ctx context.Context, jobID string) (*models.JobSpec, error) {
	doc, err := s.store.Get(ctx, interfaces.CollectionJobs, jobID)
	if err != nil {
		return nil, err
	}
	return records.DecodeJob(doc)
}

func (s *Service) publish(ctx context.Context, event interfaces.Event) {
	event.Timestamp = s.clock.Now()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Debug().Err(err).Str("event_type", string(event.Type)).Msg("Event publish failed")
	}
}
