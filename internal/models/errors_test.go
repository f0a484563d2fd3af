package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{
			name: "typed error",
			err:  NewError(ErrNotFound, "job %s missing", "job-1"),
			want: ErrNotFound,
		},
		{
			name: "wrapped typed error",
			err:  fmt.Errorf("outer: %w", NewError(ErrConflict, "version mismatch")),
			want: ErrConflict,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: ErrInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError(ErrRetryableBackend, cause, "write failed for %s", "exec-1")

	require.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "retryable_backend")
	assert.Contains(t, err.Error(), "disk full")

	var typed *Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, ErrRetryableBackend, typed.Kind)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrRetryableBackend, "transient")))
	assert.True(t, IsRetryable(NewError(ErrUnavailable, "degraded")))
	assert.False(t, IsRetryable(NewError(ErrInvalidRequest, "bad input")))
	assert.False(t, IsRetryable(NewError(ErrConflict, "stale version")))
	assert.False(t, IsRetryable(nil))
}

func TestIsKind(t *testing.T) {
	err := NewError(ErrRateLimited, "slow down")
	assert.True(t, IsKind(err, ErrRateLimited))
	assert.False(t, IsKind(err, ErrNotFound))
	assert.False(t, IsKind(nil, ErrNotFound))
}

func TestRateLimitedError(t *testing.T) {
	err := RateLimitedError(30 * time.Second)
	assert.Equal(t, ErrRateLimited, err.Kind)
	assert.Equal(t, 30*time.Second, err.RetryAfter)
}

func TestWithDetail(t *testing.T) {
	err := NewError(ErrInvalidRequest, "validation failed").
		WithDetail("field", "schedule.cron").
		WithDetail("reason", "bad expression")

	assert.Equal(t, "schedule.cron", err.Details["field"])
	assert.Equal(t, "bad expression", err.Details["reason"])
}
