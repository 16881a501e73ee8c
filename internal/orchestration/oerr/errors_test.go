package oerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := E(NotFound, "job", "GetJobResult", "no such job").WithEntities("job-123")
	assert.Contains(t, err.Error(), "not_found")
	assert.Contains(t, err.Error(), "job.GetJobResult")
	assert.Contains(t, err.Error(), "job-123")
}

func TestError_WrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := E(Internal, "store", "Write", "persisting job").Wrap(cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestError_IsMatchesOnKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", E(RateLimited, "job", "GetJobResult", "too fast"))

	assert.True(t, IsKind(err, RateLimited))
	assert.False(t, IsKind(err, NotFound))
	assert.Equal(t, RateLimited, KindOf(err))
}

func TestKindOf_DefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{Validation, false},
		{NotFound, false},
		{PermissionDenied, false},
		{Conflict, false},
		{Timeout, true},
		{RateLimited, false},
		{DependencyCycle, false},
		{ResourceExhausted, false},
		{Internal, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := E(tt.kind, "c", "op", "msg")
			assert.Equal(t, tt.retryable, Retryable(err))
		})
	}
}

func TestError_WithMeta(t *testing.T) {
	err := E(Conflict, "lifecycle", "Transition", "illegal transition").
		WithMeta("from", "completed").
		WithMeta("to", "pending")

	assert.Equal(t, "completed", err.Metadata["from"])
	assert.Equal(t, "pending", err.Metadata["to"])
}
