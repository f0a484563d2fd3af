package common

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewJobID generates a time-ordered job identifier.
// UUIDv7 keeps lexicographic order aligned with creation time, which the
// list endpoints and queue tie-breaking rely on.
func NewJobID() string {
	return "job_" + newV7()
}

// NewExecutionID generates a unique execution attempt identifier.
func NewExecutionID() string {
	return "exec_" + newV7()
}

// NewArtifactID generates a unique artifact identifier.
func NewArtifactID() string {
	return "art_" + newV7()
}

// NewTraceID generates a per-request trace identifier for error envelopes
// and log correlation.
func NewTraceID() string {
	return uuid.NewString()
}

// NewLeaseToken generates an opaque lease token for queue deliveries and
// the scheduler lease.
func NewLeaseToken() string {
	return uuid.NewString()
}

// InstanceID identifies this process for the scheduler lease and worker
// attribution: hostname-pid.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "conveyor"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func newV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than propagate an error through every constructor.
		return uuid.NewString()
	}
	return id.String()
}
