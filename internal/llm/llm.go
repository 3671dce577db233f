package llm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/config"
)

var (
	// ErrNoDecision is returned when every rung of a ladder failed to
	// produce usable output
	ErrNoDecision = errors.New("no decision")
	// ErrEmptyResponse is returned when a provider answers with no text
	ErrEmptyResponse = errors.New("empty completion")
)

// Request is one completion call. The model output is always untrusted text.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	JSON        bool // ask the provider for a JSON object when it supports it
}

// Response is the raw completion text
type Response struct {
	Text  string
	Model string
}

// Completer is a request-response completion provider
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Streamer delivers completion text incrementally. onDelta returning an
// error stops the stream.
type Streamer interface {
	Stream(ctx context.Context, req Request, onDelta func(string) error) error
}

// Client is a provider that can do both
type Client interface {
	Completer
	Streamer
}

// Step is one rung of an escalation ladder
type Step struct {
	Model       string
	Temperature float64
}

// Ladder is tried in order until one rung yields usable output
type Ladder []Step

// LadderFromConfig resolves configured rungs to concrete model ids
func LadderFromConfig(cfg config.LLMConfig, steps []config.LadderStep) Ladder {
	ladder := make(Ladder, 0, len(steps))
	for _, s := range steps {
		ladder = append(ladder, Step{Model: cfg.ModelFor(s), Temperature: s.Temperature})
	}
	return ladder
}

// TemperatureLadder escalates temperature on a single model
func TemperatureLadder(model string, temperatures []float64) Ladder {
	ladder := make(Ladder, 0, len(temperatures))
	for _, t := range temperatures {
		ladder = append(ladder, Step{Model: model, Temperature: t})
	}
	return ladder
}

// stopError ends a ladder walk early
type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }

func (e *stopError) Unwrap() error { return e.err }

// Stop wraps a parse error that no other rung could fix, such as an explicit
// refusal. Run returns err unwrapped instead of escalating.
func Stop(err error) error {
	return &stopError{err: err}
}

// Run walks the ladder. For each rung it completes base with the rung's model
// and temperature and hands the text to parse; the first parse success wins.
// Provider errors and parse errors both escalate. When every rung fails the
// error wraps ErrNoDecision and the last failure.
func Run[T any](ctx context.Context, c Completer, ladder Ladder, base Request, parse func(text string) (T, error), logger *zap.Logger) (T, error) {
	var zero T
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(ladder) == 0 {
		return zero, fmt.Errorf("%w: empty ladder", ErrNoDecision)
	}

	var lastErr error
	for i, step := range ladder {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		req := base
		req.Model = step.Model
		req.Temperature = step.Temperature

		resp, err := c.Complete(ctx, req)
		if err == nil {
			var out T
			out, err = parse(resp.Text)
			if err == nil {
				return out, nil
			}
			var stop *stopError
			if errors.As(err, &stop) {
				return zero, stop.err
			}
		}
		lastErr = err
		logger.Debug("ladder step failed",
			zap.Int("step", i),
			zap.String("model", step.Model),
			zap.Float64("temperature", step.Temperature),
			zap.Error(err))
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrNoDecision, len(ladder), lastErr)
}
