package interfaces

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ternarybob/conveyor/internal/models"
)

// ErrJobCancelled is returned by Recorder.Begin when cancellation was
// requested before the attempt started; the worker acks the message
// without invoking a collaborator.
var ErrJobCancelled = errors.New("job cancelled")

// RateGovernor authenticates callers and enforces per-principal,
// per-operation token bucket quotas.
type RateGovernor interface {
	// Authorize validates the credential, checks the role gate for the
	// operation, and charges the rate bucket. Failures are typed:
	// unauthenticated, unauthorized, or rate_limited (with retry-after).
	Authorize(ctx context.Context, credential string, op models.Operation) (*models.Principal, error)
	// Stop halts the background bucket broadcast.
	Stop() error
}

// IntakeService accepts and cancels jobs.
type IntakeService interface {
	// Submit validates the draft, dedupes by (tenant, config_hash), and
	// persists a new job. The bool reports whether a new job was created
	// (false means an existing non-terminal duplicate was returned).
	Submit(ctx context.Context, principal *models.Principal, req *models.SubmitRequest) (*models.Job, bool, error)
	// Cancel marks the job cancelled, removes queued bus messages
	// best-effort, and flags in-flight executions for prompt termination.
	Cancel(ctx context.Context, principal *models.Principal, jobID string) error
}

// Recorder owns every write to executions and artifacts.
type Recorder interface {
	// RecordDispatched allocates the next attempt as a pending execution
	// row. Idempotent: re-dispatching while the current row is still
	// pending or queued returns that row instead of allocating.
	RecordDispatched(ctx context.Context, spec *models.JobSpec, firedAt time.Time, reason string) (*models.Execution, error)
	// MarkQueued flips the current execution and job to queued once the
	// bus accepted the message.
	MarkQueued(ctx context.Context, jobID string) error
	// Begin claims the queued execution row for a worker (queued ->
	// running) or, on redelivery, allocates a fresh attempt directly in
	// running. Returns ErrJobCancelled if cancellation won the race.
	Begin(ctx context.Context, jobID, workerID string) (*models.Execution, error)
	// Finish records the terminal transition. Idempotent for the same
	// outcome; a different outcome is a conflict.
	Finish(ctx context.Context, executionID string, outcome models.Outcome, errorKind, errorDetail string) error
	// AttachArtifact appends an artifact under the execution row lock.
	// Forbidden after Finish.
	AttachArtifact(ctx context.Context, executionID string, artifact *models.Artifact) error
	// MarkDeadLettered transitions the job's current execution to
	// dead_lettered when the bus parks the message.
	MarkDeadLettered(ctx context.Context, jobID string) error
	// MarkScheduled parks the job until its next firing.
	MarkScheduled(ctx context.Context, jobID string, nextFire time.Time) error
	// CancelPending transitions every not-yet-running execution of the
	// job to cancelled. Returns how many rows moved.
	CancelPending(ctx context.Context, jobID string) (int, error)
	// CancelRequested reports whether cancellation has been requested,
	// polled by workers mid-flight.
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Kind          string
	State         string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Cursor        string
	Limit         int
}

// QueryService serves read-only views. Tenant isolation comes from the
// principal: callers only ever see their own tenant's rows.
type QueryService interface {
	GetJob(ctx context.Context, principal *models.Principal, id string) (*models.Job, error)
	ListJobs(ctx context.Context, principal *models.Principal, filter JobFilter) ([]*models.Job, string, error)
	GetExecution(ctx context.Context, principal *models.Principal, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, principal *models.Principal, jobID, cursor string, limit int) ([]*models.Execution, string, error)
	GetArtifact(ctx context.Context, principal *models.Principal, id string) (*models.Artifact, error)
	// StreamArtifactBody returns the artifact record and an open reader
	// over its bytes. The caller closes the reader.
	StreamArtifactBody(ctx context.Context, principal *models.Principal, id string) (*models.Artifact, io.ReadCloser, error)
}

// SchedulerService converts schedules into dispatches. Replicas elect a
// leader through the metadata store lease; followers stay warm.
type SchedulerService interface {
	Start() error
	Stop() error
	IsLeader() bool
}

// WorkerPool manages the execution slots that pull from the bus.
type WorkerPool interface {
	RegisterHandler(handler Handler)
	Start() error
	Stop() error
}
