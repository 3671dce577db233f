package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/foodresolve/internal/config"
)

func TestBreaker_TripsOnFailures(t *testing.T) {
	b := NewBreaker("nutritionix", config.BreakerConfig{
		MinRequests:  3,
		FailureRatio: 0.5,
		Timeout:      time.Hour,
	}, nil)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := Execute(b, func() (int, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", b.State())

	called := false
	_, err := Execute(b, func() (int, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b := NewBreaker("llm", config.BreakerConfig{MinRequests: 2, Timeout: time.Hour}, nil)
	for i := 0; i < 5; i++ {
		_, err := Execute(b, func() (string, error) { return "", context.Canceled })
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, "closed", b.State())
}

func TestExecute_NilBreaker(t *testing.T) {
	v, err := Execute[*int](nil, func() (*int, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, v)
}
