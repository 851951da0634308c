package clustererr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindUnknown, "Unknown"},
		{KindConfigMalformed, "ConfigMalformed"},
		{KindPortUnavailable, "PortUnavailable"},
		{KindSpawnFailed, "SpawnFailed"},
		{KindNoEligibleWorker, "NoEligibleWorker"},
		{KindUpstreamFailure, "UpstreamFailure"},
		{KindUnknownPort, "UnknownPort"},
		{KindBadRequest, "BadRequest"},
		{Kind(999), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.String())
		})
	}
}

func TestNewError(t *testing.T) {
	err := New(KindBadRequest, "invalid port %q", "abc")
	require.Error(t, err)
	assert.Equal(t, "BadRequest: invalid port \"abc\"", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestWrapError(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindUpstreamFailure, cause, "worker on port %d failed", 9001)

	assert.Contains(t, err.Error(), "UpstreamFailure")
	assert.Contains(t, err.Error(), "worker on port 9001 failed")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, err.Unwrap())
}

func TestKindOf(t *testing.T) {
	t.Run("typed error", func(t *testing.T) {
		err := New(KindNoEligibleWorker, "pool is empty")
		assert.Equal(t, KindNoEligibleWorker, KindOf(err))
	})

	t.Run("wrapped typed error", func(t *testing.T) {
		err := fmt.Errorf("handling request: %w", New(KindUnknownPort, "no worker on port %d", 1))
		assert.Equal(t, KindUnknownPort, KindOf(err))
	})

	t.Run("plain error", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	})

	t.Run("nil error", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(nil))
	})
}
