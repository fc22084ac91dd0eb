package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "transient_io", KindTransient.String())
	assert.Equal(t, "validation_failure", KindValidation.String())
	assert.Equal(t, "capacity_exceeded", KindCapacity.String())
	assert.Equal(t, "configuration_error", KindConfig.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestConstructorsCarryKind(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, KindTransient, KindOf(Transient(base)))
	assert.Equal(t, KindValidation, KindOf(Validation(base)))
	assert.Equal(t, KindCapacity, KindOf(Capacity(base)))
	assert.Equal(t, KindConfig, KindOf(Config(base)))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("stage failed: %w", Validation(errors.New("bad atom")))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.False(t, Retryable(err))
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Transient(fmt.Errorf("wrapped: %w", cause))
	require.ErrorIs(t, err, cause)
}

func TestKindOfPatterns(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"rate limit", errors.New("got 429: rate limit exceeded"), KindTransient},
		{"server error", errors.New("upstream returned 503"), KindTransient},
		{"connection reset", errors.New("read: connection reset by peer"), KindTransient},
		{"timeout", errors.New("i/o timeout"), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"plain", errors.New("no such atom"), KindUnknown},
		{"nil", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Transient(errors.New("flaky"))))
	assert.True(t, Retryable(errors.New("quota exceeded")))
	assert.False(t, Retryable(Validation(errors.New("garbage input"))))
	assert.False(t, Retryable(Capacity(errors.New("pool full"))))
	assert.False(t, Retryable(nil))
}
