package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeInvalidTransition, "cannot move %s -> %s", "pending", "running")
	assert.Equal(t, "[INVALID_TRANSITION] cannot move pending -> running", err.Error())

	err.WithStep(2)
	assert.Equal(t, "[INVALID_TRANSITION] step 2: cannot move pending -> running", err.Error())
}

func TestError_UnwrapAndHasCode(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)
	wrapped := fmt.Errorf("start: %w", err)

	assert.ErrorIs(t, wrapped, cause)
	assert.True(t, HasCode(wrapped, ErrCodeStore))
	assert.False(t, HasCode(wrapped, ErrCodeNotFound))
	assert.Equal(t, ErrCodeStore, CodeOf(wrapped))
	assert.Equal(t, "", CodeOf(cause))
}

func TestError_IsRetryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeConflict, "").IsRetryable())
	assert.True(t, NewError(ErrCodeStore, "").IsRetryable())
	assert.False(t, NewError(ErrCodeInvalidTransition, "").IsRetryable())
	assert.False(t, NewError(ErrCodeInvalidRequest, "").IsRetryable())
	assert.False(t, NewError(ErrCodeNotFound, "").IsRetryable())
}

func TestParseStates(t *testing.T) {
	st, err := ParseInstanceLifecycleState("queued")
	assert.NoError(t, err)
	assert.Equal(t, InstanceStateQueued, st)

	_, err = ParseInstanceLifecycleState("sleeping")
	assert.True(t, HasCode(err, ErrCodeInvalidRequest))

	ts, err := ParseInstanceTerminationState("user_canceled")
	assert.NoError(t, err)
	assert.Equal(t, InstanceTerminationUserCanceled, ts)

	_, err = ParseStepTerminationState("aborted")
	assert.Error(t, err)
}
