// -----------------------------------------------------------------------
// Job Spec - Immutable job description plus mutable status record
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind identifies the work a job performs.
type JobKind string

const (
	JobKindScrape JobKind = "scrape"
	JobKindOCR    JobKind = "ocr"
)

// Kinds lists every supported job kind, used for queue provisioning.
var Kinds = []JobKind{JobKindScrape, JobKindOCR}

// Valid returns true if the kind is one of the supported kinds.
func (k JobKind) Valid() bool {
	return k == JobKindScrape || k == JobKindOCR
}

// Priority orders dispatch between unrelated jobs. Within a priority band
// delivery is FIFO.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank maps a priority to a sortable integer, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid returns true for a recognised priority. The empty string is valid
// and treated as normal.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, "":
		return true
	}
	return false
}

// ScheduleType identifies when a job fires.
type ScheduleType string

const (
	ScheduleOnce    ScheduleType = "once"
	ScheduleDelayed ScheduleType = "delayed"
	ScheduleCron    ScheduleType = "cron"
)

// Schedule describes when a job should execute. Exactly one of the three
// fields may be set: Once ("now" or an RFC3339 timestamp), NotBefore
// (RFC3339, fires once at or after that instant), or Cron (5-field
// expression, fires repeatedly).
type Schedule struct {
	Once      string `json:"once,omitempty"`
	NotBefore string `json:"not_before,omitempty"`
	Cron      string `json:"cron,omitempty"`
}

// Type returns the schedule type for the populated field.
func (s Schedule) Type() ScheduleType {
	switch {
	case s.Cron != "":
		return ScheduleCron
	case s.NotBefore != "":
		return ScheduleDelayed
	default:
		return ScheduleOnce
	}
}

// Validate checks that exactly one schedule field is set and that
// timestamps parse. Cron expression syntax is validated at intake where
// the parser lives.
func (s Schedule) Validate() error {
	set := 0
	if s.Once != "" {
		set++
	}
	if s.NotBefore != "" {
		set++
	}
	if s.Cron != "" {
		set++
	}
	if set == 0 {
		return fmt.Errorf("schedule requires one of once, not_before, or cron")
	}
	if set > 1 {
		return fmt.Errorf("schedule fields are mutually exclusive")
	}
	if s.Once != "" && s.Once != "now" {
		if _, err := time.Parse(time.RFC3339, s.Once); err != nil {
			return fmt.Errorf("schedule.once must be %q or RFC3339: %w", "now", err)
		}
	}
	if s.NotBefore != "" {
		if _, err := time.Parse(time.RFC3339, s.NotBefore); err != nil {
			return fmt.Errorf("schedule.not_before must be RFC3339: %w", err)
		}
	}
	return nil
}

// FireTime resolves the first fire instant for once/delayed schedules.
// Cron schedules resolve through the scheduler's parser instead.
func (s Schedule) FireTime(now time.Time) (time.Time, error) {
	switch s.Type() {
	case ScheduleOnce:
		if s.Once == "" || s.Once == "now" {
			return now, nil
		}
		return time.Parse(time.RFC3339, s.Once)
	case ScheduleDelayed:
		return time.Parse(time.RFC3339, s.NotBefore)
	default:
		return time.Time{}, fmt.Errorf("cron schedules have no single fire time")
	}
}

// RetryPolicy bounds redelivery of a failing job. Backoff between attempt
// n-1 and n is min(initial_backoff * multiplier^(n-1), max_backoff),
// jittered by the bus.
type RetryPolicy struct {
	MaxAttempts    int      `json:"max_attempts" validate:"omitempty,gte=1,lte=25"`
	InitialBackoff Duration `json:"initial_backoff,omitempty"`
	Multiplier     float64  `json:"multiplier,omitempty" validate:"omitempty,gte=1,lte=10"`
	MaxBackoff     Duration `json:"max_backoff,omitempty"`
}

// DefaultRetryPolicy matches the dispatch defaults: five attempts, 5s
// initial backoff doubling up to 5 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: Duration(5 * time.Second),
		Multiplier:     2.0,
		MaxBackoff:     Duration(5 * time.Minute),
	}
}

// Normalize fills zero fields with defaults so downstream consumers never
// see a partial policy.
func (p RetryPolicy) Normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	return p
}

// JobSpec is the immutable, client-authored description of work. It is
// written once by intake and never mutated; configuration changes are new
// JobSpecs. Runtime state lives in JobStatusRecord.
type JobSpec struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Kind        JobKind     `json:"kind"`
	Parameters  Parameters  `json:"parameters"`
	Schedule    Schedule    `json:"schedule"`
	RetryPolicy RetryPolicy `json:"retry_policy"`
	Priority    Priority    `json:"priority,omitempty"`
	OrderingKey string      `json:"ordering_key,omitempty"`
	Timeout     Duration    `json:"timeout,omitempty"`
	Dedupe      bool        `json:"dedupe,omitempty"`
	ConfigHash  string      `json:"config_hash"`
	CreatedAt   time.Time   `json:"created_at"`
	CreatedBy   string      `json:"created_by,omitempty"`
}

// ToJSON serializes the spec for queue payloads and storage.
func (j *JobSpec) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// JobSpecFromJSON deserializes a spec.
func JobSpecFromJSON(data []byte) (*JobSpec, error) {
	var spec JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job spec: %w", err)
	}
	return &spec, nil
}

// JobStatus is the job-level view of lifecycle state, mirrored from the
// most recent execution by the recorder.
type JobStatus string

const (
	// JobPendingDispatch means the spec persisted but the enqueue event has
	// not been accepted by the scheduler yet. The recovery sweep picks
	// these up.
	JobPendingDispatch JobStatus = "pending_dispatch"
	// JobScheduled means the scheduler holds the job for a future firing
	// (delayed or cron).
	JobScheduled    JobStatus = "scheduled"
	JobQueued       JobStatus = "queued"
	JobRunning      JobStatus = "running"
	JobSucceeded    JobStatus = "succeeded"
	JobFailed       JobStatus = "failed"
	JobDeadLettered JobStatus = "dead_lettered"
	JobCancelled    JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further executions.
// Recurring jobs never become terminal through outcomes; only
// cancellation ends them.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobDeadLettered, JobCancelled:
		return true
	}
	return false
}

// JobStatusRecord carries the mutable runtime state for a job, stored
// separately from the immutable JobSpec. Version implements the per-row
// optimistic lock: writers pass the version they read and the store
// rejects stale writes.
type JobStatusRecord struct {
	JobID           string     `json:"job_id"`
	Status          JobStatus  `json:"status"`
	NextAttempt     int        `json:"next_attempt"`
	CancelRequested bool       `json:"cancel_requested"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	NextFireAt      *time.Time `json:"next_fire_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	ExecutionCount  int        `json:"execution_count"`
	// CurrentExecutionID is the attempt row created by the most recent
	// dispatch, reused when a dispatch is retried before the publish
	// succeeded.
	CurrentExecutionID string    `json:"current_execution_id,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
	Version            uint64    `json:"-"`
}

// NewJobStatusRecord creates the initial status row written alongside a
// fresh JobSpec.
func NewJobStatusRecord(jobID string, now time.Time) *JobStatusRecord {
	return &JobStatusRecord{
		JobID:       jobID,
		Status:      JobPendingDispatch,
		NextAttempt: 1,
		UpdatedAt:   now,
	}
}

// Job is the read-model returned by intake and query: the immutable spec
// joined with its current status.
type Job struct {
	JobSpec
	Status          JobStatus  `json:"status"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	NextFireAt      *time.Time `json:"next_fire_at,omitempty"`
	ExecutionCount  int        `json:"execution_count"`
	LastError       string     `json:"last_error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// JoinJob merges a spec and its status record into the read-model.
func JoinJob(spec *JobSpec, status *JobStatusRecord) *Job {
	job := &Job{JobSpec: *spec}
	if status != nil {
		job.Status = status.Status
		job.CancelRequested = status.CancelRequested
		job.NextFireAt = status.NextFireAt
		job.ExecutionCount = status.ExecutionCount
		job.LastError = status.LastError
		job.UpdatedAt = status.UpdatedAt
	}
	return job
}
