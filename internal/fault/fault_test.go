package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicatesMatchSentinels(t *testing.T) {
	assert.True(t, IsConflict(Conflict("status was %q", "recording")))
	assert.True(t, IsTransient(Transient(errors.New("connection reset"))))
	assert.True(t, IsPermanent(Permanent(errors.New("schema rejected"))))
	assert.True(t, IsValidation(Validation("missing session id")))
	assert.True(t, IsNotFound(NotFound("session %s", "abc")))
}

func TestPredicatesSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("advance status: %w", Conflict("expected %q", "extracting"))
	assert.True(t, IsConflict(err))
	assert.False(t, IsTransient(err))
}

func TestTransientNilPassthrough(t *testing.T) {
	require.NoError(t, Transient(nil))
	require.NoError(t, Permanent(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Conflict("x")))
	assert.True(t, Retryable(Transient(errors.New("timeout"))))
	assert.False(t, Retryable(Permanent(errors.New("bad payload"))))
	assert.False(t, Retryable(Validation("bad input")))
	assert.False(t, Retryable(nil))
}
