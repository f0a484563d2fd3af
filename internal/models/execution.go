// -----------------------------------------------------------------------
// Execution - One attempted run of a JobSpec
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// ExecutionState enumerates the lifecycle states of an attempt.
type ExecutionState string

const (
	ExecutionPending       ExecutionState = "pending"
	ExecutionQueued        ExecutionState = "queued"
	ExecutionRunning       ExecutionState = "running"
	ExecutionSucceeded     ExecutionState = "succeeded"
	ExecutionFailed        ExecutionState = "failed"
	ExecutionAwaitingRetry ExecutionState = "awaiting_retry"
	ExecutionDeadLettered  ExecutionState = "dead_lettered"
	ExecutionCancelled     ExecutionState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
// awaiting_retry is not terminal: the bus redispatches and a new attempt
// row is created.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionDeadLettered, ExecutionCancelled:
		return true
	}
	return false
}

// executionTransitions is the allowed state graph. Redispatch after
// awaiting_retry creates a new Execution row rather than reusing this one,
// so awaiting_retry only admits dead-letter and cancel edges.
var executionTransitions = map[ExecutionState][]ExecutionState{
	ExecutionPending:       {ExecutionQueued, ExecutionCancelled, ExecutionDeadLettered},
	ExecutionQueued:        {ExecutionRunning, ExecutionCancelled, ExecutionDeadLettered},
	ExecutionRunning:       {ExecutionSucceeded, ExecutionFailed, ExecutionAwaitingRetry, ExecutionCancelled},
	ExecutionAwaitingRetry: {ExecutionDeadLettered, ExecutionCancelled},
}

// CanTransition reports whether the state graph admits from -> to.
func CanTransition(from, to ExecutionState) bool {
	for _, allowed := range executionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Outcome classifies how an attempt ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeTerminalFailure  Outcome = "terminal_failure"
	OutcomeCancelled        Outcome = "cancelled"
)

// State maps an outcome to the execution state it lands in.
func (o Outcome) State() ExecutionState {
	switch o {
	case OutcomeSuccess:
		return ExecutionSucceeded
	case OutcomeRetryableFailure:
		return ExecutionAwaitingRetry
	case OutcomeTerminalFailure:
		return ExecutionFailed
	case OutcomeCancelled:
		return ExecutionCancelled
	default:
		return ExecutionFailed
	}
}

// JobStatus maps an outcome to the job-level status mirror.
func (o Outcome) JobStatus() JobStatus {
	switch o {
	case OutcomeSuccess:
		return JobSucceeded
	case OutcomeRetryableFailure:
		return JobQueued // awaiting redispatch
	case OutcomeTerminalFailure:
		return JobFailed
	case OutcomeCancelled:
		return JobCancelled
	default:
		return JobFailed
	}
}

// Execution records one attempt to run a job. Attempt numbers are
// allocated atomically by the recorder and form a contiguous 1-indexed
// sequence per job. Version implements the per-row optimistic lock.
type Execution struct {
	ID                string         `json:"id"`
	JobID             string         `json:"job_id"`
	TenantID          string         `json:"tenant_id"`
	Kind              JobKind        `json:"kind"`
	AttemptNumber     int            `json:"attempt_number"`
	State             ExecutionState `json:"state"`
	DispatchedAt      *time.Time     `json:"dispatched_at,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	WorkerID          string         `json:"worker_id,omitempty"`
	Outcome           Outcome        `json:"outcome,omitempty"`
	ErrorKind         string         `json:"error_kind,omitempty"`
	ErrorDetail       string         `json:"error_detail,omitempty"`
	ProducedArtifacts []string       `json:"produced_artifacts,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	Version           uint64         `json:"-"`
}

// HasArtifact reports whether the artifact id is already attached,
// making AttachArtifact idempotent under redelivery.
func (e *Execution) HasArtifact(artifactID string) bool {
	for _, id := range e.ProducedArtifacts {
		if id == artifactID {
			return true
		}
	}
	return false
}
