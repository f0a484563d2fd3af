package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Dispatch reasons recorded on execution requests.
const (
	DispatchReasonIntake  = "intake"
	DispatchReasonDelayed = "delayed"
	DispatchReasonCron    = "cron"
	DispatchReasonSweep   = "sweep"
	DispatchReasonRedrive = "redrive"
)

// ExecutionRequest is the bus payload: everything the worker needs to run
// one attempt without re-reading the spec on the hot path. The retry
// policy rides along so the bus can compute backoff and the DLQ cutoff
// per message.
type ExecutionRequest struct {
	JobID       string      `json:"job_id"`
	TenantID    string      `json:"tenant_id"`
	Kind        JobKind     `json:"kind"`
	Priority    Priority    `json:"priority"`
	OrderingKey string      `json:"ordering_key,omitempty"`
	RetryPolicy RetryPolicy `json:"retry_policy"`
	Timeout     Duration    `json:"timeout,omitempty"`
	FiredAt     time.Time   `json:"fired_at"`
	Reason      string      `json:"reason"`
}

// NewExecutionRequest builds a request from a spec at fire time.
func NewExecutionRequest(spec *JobSpec, firedAt time.Time, reason string) *ExecutionRequest {
	return &ExecutionRequest{
		JobID:       spec.ID,
		TenantID:    spec.TenantID,
		Kind:        spec.Kind,
		Priority:    spec.Priority,
		OrderingKey: spec.OrderingKey,
		RetryPolicy: spec.RetryPolicy.Normalize(),
		Timeout:     spec.Timeout,
		FiredAt:     firedAt,
		Reason:      reason,
	}
}

// ToJSON serializes the request for the queue.
func (r *ExecutionRequest) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ExecutionRequestFromJSON deserializes a queue payload.
func ExecutionRequestFromJSON(data []byte) (*ExecutionRequest, error) {
	var req ExecutionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution request: %w", err)
	}
	if req.JobID == "" {
		return nil, fmt.Errorf("execution request missing job_id")
	}
	return &req, nil
}

// SubmitRequest is the POST /v1/jobs body: a JobSpec draft before the
// server assigns identity, hash, and timestamps.
type SubmitRequest struct {
	Kind        JobKind     `json:"kind" validate:"required"`
	Parameters  Parameters  `json:"parameters"`
	Schedule    Schedule    `json:"schedule"`
	RetryPolicy RetryPolicy `json:"retry_policy,omitempty"`
	Priority    Priority    `json:"priority,omitempty"`
	OrderingKey string      `json:"ordering_key,omitempty" validate:"max=128"`
	Timeout     Duration    `json:"timeout,omitempty"`
	Dedupe      *bool       `json:"dedupe,omitempty"`
}

// WantsDedupe defaults to true: duplicate suppression is opt-out.
func (r *SubmitRequest) WantsDedupe() bool {
	return r.Dedupe == nil || *r.Dedupe
}
