// -----------------------------------------------------------------------
// Query - read-only views over jobs, executions, and artifacts
// -----------------------------------------------------------------------

package query

import (
	"context"
	"io"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/models"
	"github.com/ternarybob/conveyor/internal/storage/records"
)

const defaultPageSize = 50
const maxPageSize = 200

// Service implements interfaces.QueryService. Reads never touch the
// write path; tenant isolation comes from filtering every query by the
// principal's tenant so cross-tenant ids look absent rather than
// forbidden.
type Service struct {
	store  interfaces.MetadataStore
	bus    interfaces.MessageBus
	blobs  interfaces.BlobStore
	logger arbor.ILogger
}

var _ interfaces.QueryService = (*Service)(nil)

// NewService creates the query service.
func NewService(store interfaces.MetadataStore, bus interfaces.MessageBus, blobs interfaces.BlobStore, logger arbor.ILogger) *Service {
	return &Service{
		store:  store,
		bus:    bus,
		blobs:  blobs,
		logger: logger,
	}
}

// GetJob returns the joined spec and status view.
func (s *Service) GetJob(ctx context.Context, principal *models.Principal, id string) (*models.Job, error) {
	specDoc, err := s.store.Get(ctx, interfaces.CollectionJobs, id)
	if err != nil {
		return nil, err
	}
	spec, err := records.DecodeJob(specDoc)
	if err != nil {
		return nil, err
	}
	if !s.visible(principal, spec.TenantID) {
		return nil, models.NewError(models.ErrNotFound, "job %s not found", id)
	}

	statusDoc, err := s.store.Get(ctx, interfaces.CollectionJobStatus, id)
	if err != nil {
		return nil, err
	}
	status, err := records.DecodeStatus(statusDoc)
	if err != nil {
		return nil, err
	}
	return models.JoinJob(spec, status), nil
}

// ListJobs pages the tenant's jobs, newest first. The filter narrows by
// kind, lifecycle state, and creation window; the opaque cursor resumes
// the previous page.
func (s *Service) ListJobs(ctx context.Context, principal *models.Principal, filter interfaces.JobFilter) ([]*models.Job, string, error) {
	if filter.State != "" {
		// Lifecycle state lives on the status row; list status-first and
		// join specs back.
		return s.listJobsByState(ctx, principal, filter)
	}

	docs, cursor, err := s.store.Query(ctx, interfaces.DocumentQuery{
		Collection:    interfaces.CollectionJobs,
		TenantID:      principal.TenantID,
		Kind:          filter.Kind,
		CreatedAfter:  filter.CreatedAfter,
		CreatedBefore: filter.CreatedBefore,
		Cursor:        filter.Cursor,
		Limit:         clampLimit(filter.Limit),
		Descending:    true,
	})
	if err != nil {
		return nil, "", err
	}

	jobs := make([]*models.Job, 0, len(docs))
	for _, doc := range docs {
		if doc.Kind == "dedupe_alias" {
			continue
		}
		job, err := s.joinJob(ctx, doc)
		if err != nil {
			s.logger.Warn().Str("job_id", doc.ID).Err(err).Msg("Job join failed")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, cursor, nil
}

func (s *Service) listJobsByState(ctx context.Context, principal *models.Principal, filter interfaces.JobFilter) ([]*models.Job, string, error) {
	docs, cursor, err := s.store.Query(ctx, interfaces.DocumentQuery{
		Collection: interfaces.CollectionJobStatus,
		States:     []string{filter.State},
		Cursor:     filter.Cursor,
		Limit:      clampLimit(filter.Limit),
		Descending: true,
	})
	if err != nil {
		return nil, "", err
	}

	jobs := make([]*models.Job, 0, len(docs))
	for _, doc := range docs {
		status, err := records.DecodeStatus(doc)
		if err != nil {
			continue
		}
		specDoc, err := s.store.Get(ctx, interfaces.CollectionJobs, status.JobID)
		if err != nil {
			continue
		}
		spec, err := records.DecodeJob(specDoc)
		if err != nil {
			continue
		}
		if !s.visible(principal, spec.TenantID) {
			continue
		}
		if filter.Kind != "" && string(spec.Kind) != filter.Kind {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !spec.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !spec.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		jobs = append(jobs, models.JoinJob(spec, status))
	}
	return jobs, cursor, nil
}

func (s *Service) joinJob(ctx context.Context, specDoc *interfaces.Document) (*models.Job, error) {
	spec, err := records.DecodeJob(specDoc)
	if err != nil {
		return nil, err
	}
	statusDoc, err := s.store.Get(ctx, interfaces.CollectionJobStatus, spec.ID)
	if err != nil {
		return nil, err
	}
	status, err := records.DecodeStatus(statusDoc)
	if err != nil {
		return nil, err
	}
	return models.JoinJob(spec, status), nil
}

// GetExecution returns one attempt row.
func (s *Service) GetExecution(ctx context.Context, principal *models.Principal, id string) (*models.Execution, error) {
	doc, err := s.store.Get(ctx, interfaces.CollectionExecutions, id)
	if err != nil {
		return nil, err
	}
	exec, err := records.DecodeExecution(doc)
	if err != nil {
		return nil, err
	}
	if !s.visible(principal, exec.TenantID) {
		return nil, models.NewError(models.ErrNotFound, "execution %s not found", id)
	}
	return exec, nil
}

// ListExecutions pages a job's attempts in creation order, which is
// attempt order since ids and timestamps both ascend.
func (s *Service) ListExecutions(ctx context.Context, principal *models.Principal, jobID, cursor string, limit int) ([]*models.Execution, string, error) {
	// Resolving the job first keeps a cross-tenant job id from leaking
	// attempts.
	if _, err := s.GetJob(ctx, principal, jobID); err != nil {
		return nil, "", err
	}

	docs, next, err := s.store.Query(ctx, interfaces.DocumentQuery{
		Collection: interfaces.CollectionExecutions,
		Parent:     jobID,
		Cursor:     cursor,
		Limit:      clampLimit(limit),
	})
	if err != nil {
		return nil, "", err
	}

	executions := make([]*models.Execution, 0, len(docs))
	for _, doc := range docs {
		exec, err := records.DecodeExecution(doc)
		if err != nil {
			s.logger.Warn().Str("execution_id", doc.ID).Err(err).Msg("Execution decode failed")
			continue
		}
		executions = append(executions, exec)
	}
	return executions, next, nil
}

// GetArtifact returns the artifact record without its bytes.
func (s *Service) GetArtifact(ctx context.Context, principal *models.Principal, id string) (*models.Artifact, error) {
	doc, err := s.store.Get(ctx, interfaces.CollectionArtifacts, id)
	if err != nil {
		return nil, err
	}
	artifact, err := records.DecodeArtifact(doc)
	if err != nil {
		return nil, err
	}
	if !s.visible(principal, artifact.TenantID) {
		return nil, models.NewError(models.ErrNotFound, "artifact %s not found", id)
	}
	return artifact, nil
}

// StreamArtifactBody opens the artifact's blob for streaming. The
// caller closes the reader.
func (s *Service) StreamArtifactBody(ctx context.Context, principal *models.Principal, id string) (*models.Artifact, io.ReadCloser, error) {
	artifact, err := s.GetArtifact(ctx, principal, id)
	if err != nil {
		return nil, nil, err
	}
	reader, err := s.blobs.OpenRead(ctx, artifact.StorageURI)
	if err != nil {
		return nil, nil, err
	}
	return artifact, reader, nil
}

// QueueDepth reports the census summed over every execution queue, an
// admin view.
func (s *Service) QueueDepth(ctx context.Context) (interfaces.QueueDepth, error) {
	var total interfaces.QueueDepth
	for _, queue := range interfaces.ExecutionQueues() {
		depth, err := s.bus.Depth(ctx, queue)
		if err != nil {
			return interfaces.QueueDepth{}, err
		}
		total.Ready += depth.Ready
		total.Inflight += depth.Inflight
		total.Delayed += depth.Delayed
		total.DeadLettered += depth.DeadLettered
	}
	return total, nil
}

// DeadLetters lists parked messages across every kind's DLQ, an admin
// view.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]*interfaces.Message, error) {
	limit = clampLimit(limit)
	parked := make([]*interfaces.Message, 0, limit)
	for _, queue := range interfaces.ExecutionQueues() {
		if len(parked) >= limit {
			break
		}
		batch, err := s.bus.DeadLetters(ctx, queue, limit-len(parked))
		if err != nil {
			return nil, err
		}
		parked = append(parked, batch...)
	}
	return parked, nil
}

func (s *Service) visible(principal *models.Principal, tenantID string) bool {
	return principal.Role == models.RoleAdmin || principal.TenantID == tenantID
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
