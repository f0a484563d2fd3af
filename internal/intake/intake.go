// -----------------------------------------------------------------------
// Intake - validated job submission and cancellation
// -----------------------------------------------------------------------

package intake

import (
	"context"
	"encoding/json"

	"github.com/avast/retry-go"
	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/recorder"
	"github.com/ternarybob/conveyor/internal/storage/records"
)

// Service implements interfaces.IntakeService. Submission is the only
// path that creates job rows; everything downstream reacts to the
// records and events it writes.
type Service struct {
	store    interfaces.MetadataStore
	bus      interfaces.MessageBus
	recorder *recorder.Service
	events   interfaces.EventService
	clock    interfaces.Clock
	validate *validator.Validate
	logger   arbor.ILogger
}

var _ interfaces.IntakeService = (*Service)(nil)

// dedupeRecord is the alias row keyed by (tenant, config hash) that
// points at the job currently owning that configuration.
type dedupeRecord struct {
	JobID string `json:"job_id"`
}

// NewService creates the intake service.
func NewService(store interfaces.MetadataStore, bus interfaces.MessageBus, rec *recorder.Service, events interfaces.EventService, clock interfaces.Clock, logger arbor.ILogger) *Service {
	return &Service{
		store:    store,
		bus:      bus,
		recorder: rec,
		events:   events,
		clock:    clock,
		validate: validator.New(),
		logger:   logger,
	}
}

// Submit validates the draft, dedupes by (tenant, config hash), and
// persists spec plus status in one transaction before handing the job
// to the scheduler. The returned bool is false when an existing
// non-terminal duplicate was returned instead of a new job.
func (s *Service) Submit(ctx context.Context, principal *models.Principal, req *models.SubmitRequest) (*models.Job, bool, error) {
	spec, err := s.buildSpec(principal, req)
	if err != nil {
		return nil, false, err
	}

	if req.WantsDedupe() {
		existing, aliasVersion, err := s.lookupDuplicate(ctx, principal.TenantID, spec.ConfigHash)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			s.logger.Debug().
				Str("job_id", existing.ID).
				Str("config_hash", spec.ConfigHash).
				Msg("Duplicate submission collapsed onto existing job")
			return existing, false, nil
		}
		if err := s.persist(ctx, spec, aliasVersion); err != nil {
			return nil, false, err
		}
	} else {
		if err := s.persist(ctx, spec, noAlias); err != nil {
			return nil, false, err
		}
	}

	status := models.NewJobStatusRecord(spec.ID, spec.CreatedAt)
	job := models.JoinJob(spec, status)

	s.publishAsync(ctx, interfaces.Event{
		Type:     interfaces.EventJobSubmitted,
		TenantID: spec.TenantID,
		JobID:    spec.ID,
		Data:     map[string]interface{}{"kind": string(spec.Kind)},
	})

	// The enqueue event carries the spec to the scheduler. Delivery
	// failure is survivable: the job stays pending_dispatch and the
	// recovery sweep re-dispatches it.
	if err := s.events.PublishSync(ctx, interfaces.Event{
		Type:      interfaces.EventJobEnqueue,
		Timestamp: s.clock.Now(),
		TenantID:  spec.TenantID,
		JobID:     spec.ID,
	}); err != nil {
		s.logger.Warn().
			Str("job_id", spec.ID).
			Err(err).
			Msg("Enqueue event delivery failed, job left for recovery sweep")
	}

	return job, true, nil
}

// buildSpec validates the request and stamps identity, hash, and
// timestamps onto an immutable spec.
func (s *Service) buildSpec(principal *models.Principal, req *models.SubmitRequest) (*models.JobSpec, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, models.WrapError(models.ErrInvalidRequest, err, "invalid submit request")
	}
	if !req.Kind.Valid() {
		return nil, models.NewError(models.ErrInvalidRequest, "unknown job kind %q", req.Kind)
	}
	if err := req.Parameters.Validate(req.Kind); err != nil {
		return nil, models.WrapError(models.ErrInvalidRequest, err, "invalid parameters")
	}
	if err := req.Schedule.Validate(); err != nil {
		return nil, models.WrapError(models.ErrInvalidRequest, err, "invalid schedule")
	}
	if req.Schedule.Cron != "" {
		if _, err := common.ParseCronSpec(req.Schedule.Cron); err != nil {
			return nil, models.WrapError(models.ErrInvalidRequest, err, "invalid schedule")
		}
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, models.NewError(models.ErrInvalidRequest, "unknown priority %q", req.Priority)
	}

	params := req.Parameters.Normalized()
	canonical, err := params.Canonical()
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "canonicalize parameters")
	}
	scheduleJSON, err := json.Marshal(req.Schedule)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, err, "canonicalize schedule")
	}

	now := s.clock.Now()
	return &models.JobSpec{
		ID:          common.NewJobID(),
		TenantID:    principal.TenantID,
		Kind:        req.Kind,
		Parameters:  params,
		Schedule:    req.Schedule,
		RetryPolicy: req.RetryPolicy.Normalize(),
		Priority:    priority,
		OrderingKey: req.OrderingKey,
		Timeout:     req.Timeout,
		Dedupe:      req.WantsDedupe(),
		ConfigHash:  common.ConfigHash([]byte(req.Kind), canonical, scheduleJSON),
		CreatedAt:   now,
		CreatedBy:   principal.ID,
	}, nil
}

// noAlias marks a submission that skips the dedupe alias write.
const noAlias = ^uint64(0)

// lookupDuplicate resolves the dedupe alias for (tenant, hash). When it
// points at a live job the joined view is returned; when it points at a
// terminal job the alias version comes back so persist can retake it.
func (s *Service) lookupDuplicate(ctx context.Context, tenantID, configHash string) (*models.Job, uint64, error) {
	aliasID := records.DedupeID(tenantID, configHash)
	aliasDoc, err := s.store.Get(ctx, interfaces.CollectionJobs, aliasID)
	if err != nil {
		if models.IsKind(err, models.ErrNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var alias dedupeRecord
	if err := json.Unmarshal(aliasDoc.Body, &alias); err != nil {
		return nil, 0, models.WrapError(models.ErrInternal, err, "decode dedupe alias %s", aliasID)
	}

	statusDoc, err := s.store.Get(ctx, interfaces.CollectionJobStatus, alias.JobID)
	if err != nil {
		if models.IsKind(err, models.ErrNotFound) {
			return nil, aliasDoc.Version, nil
		}
		return nil, 0, err
	}
	status, err := records.DecodeStatus(statusDoc)
	if err != nil {
		return nil, 0, err
	}
	if status.Status.Terminal() {
		return nil, aliasDoc.Version, nil
	}

	specDoc, err := s.store.Get(ctx, interfaces.CollectionJobs, alias.JobID)
	if err != nil {
		return nil, 0, err
	}
	spec, err := records.DecodeJob(specDoc)
	if err != nil {
		return nil, 0, err
	}
	return models.JoinJob(spec, status), aliasDoc.Version, nil
}

// persist writes spec, status, and (unless skipped) the dedupe alias in
// one transaction. A concurrent duplicate loses the alias CAS and
// surfaces as a conflict for the caller to retry through lookup.
func (s *Service) persist(ctx context.Context, spec *models.JobSpec, aliasVersion uint64) error {
	return s.store.Transaction(ctx, func(tx interfaces.Tx) error {
		specDoc, err := records.JobDoc(spec)
		if err != nil {
			return err
		}
		if _, err := tx.Put(specDoc, 0); err != nil {
			return err
		}

		status := models.NewJobStatusRecord(spec.ID, spec.CreatedAt)
		statusDoc, err := records.StatusDoc(status)
		if err != nil {
			return err
		}
		if _, err := tx.Put(statusDoc, 0); err != nil {
			return err
		}

		if aliasVersion == noAlias {
			return nil
		}
		body, err := json.Marshal(dedupeRecord{JobID: spec.ID})
		if err != nil {
			return err
		}
		aliasDoc := &interfaces.Document{
			Collection: interfaces.CollectionJobs,
			ID:         records.DedupeID(spec.TenantID, spec.ConfigHash),
			TenantID:   spec.TenantID,
			Kind:       "dedupe_alias",
			CreatedAt:  spec.CreatedAt,
			Body:       body,
		}
		_, err = tx.Put(aliasDoc, aliasVersion)
		return err
	})
}

// Cancel marks the job cancelled, purges queued bus messages
// best-effort, and cancels every attempt that has not started running.
// Cancelling an already-cancelled job is a no-op; cancelling any other
// terminal job is a conflict.
func (s *Service) Cancel(ctx context.Context, principal *models.Principal, jobID string) error {
	specDoc, err := s.store.Get(ctx, interfaces.CollectionJobs, jobID)
	if err != nil {
		return err
	}
	spec, err := records.DecodeJob(specDoc)
	if err != nil {
		return err
	}
	if spec.TenantID != principal.TenantID && principal.Role != models.RoleAdmin {
		// Cross-tenant ids are indistinguishable from absent ones.
		return models.NewError(models.ErrNotFound, "job %s not found", jobID)
	}

	var status *models.JobStatusRecord
	err = retry.Do(func() error {
		var rerr error
		status, rerr = s.recorder.RequestCancel(ctx, jobID)
		return rerr
	},
		retry.Attempts(3),
		retry.RetryIf(func(err error) bool { return models.IsKind(err, models.ErrConflict) }),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}
	if status.Status.Terminal() && !status.CancelRequested {
		return models.NewError(models.ErrConflict,
			"job %s already finished with status %s", jobID, status.Status)
	}

	if removed, err := s.bus.RemoveByJob(ctx, interfaces.QueueForKind(spec.Kind), jobID); err != nil {
		s.logger.Warn().Str("job_id", jobID).Err(err).Msg("Queued message removal failed")
	} else if removed > 0 {
		s.logger.Debug().Str("job_id", jobID).Int("removed", removed).Msg("Queued messages removed")
	}

	if _, err := s.recorder.CancelPending(ctx, jobID); err != nil {
		s.logger.Warn().Str("job_id", jobID).Err(err).Msg("Pending execution cancel failed")
	}

	s.publishAsync(ctx, interfaces.Event{
		Type:     interfaces.EventJobCancelled,
		TenantID: spec.TenantID,
		JobID:    jobID,
	})
	return nil
}

func (s *Service) publishAsync(ctx context.Context, event interfaces.Event) {
	event.Timestamp = s.clock.Now()
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Debug().Err(err).Str("event_type", string(event.Type)).Msg("Event publish failed")
	}
}
