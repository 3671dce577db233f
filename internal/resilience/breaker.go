// Package resilience wraps upstream calls in circuit breakers.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/config"
)

// ErrOpen is returned instead of calling an upstream whose breaker is open
var ErrOpen = errors.New("circuit breaker open")

// Breaker guards one upstream provider
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker named after the upstream it guards. Zero
// config values fall back to defaults.
func NewBreaker(name string, cfg config.BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 5
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up says nothing about the upstream
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the guarded upstream's name
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// State returns the breaker state for status reporting
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Execute runs fn through the breaker
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn()
	}
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, errors.Join(ErrOpen, err)
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}
