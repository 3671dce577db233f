package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/config"
	"github.com/dshills/foodresolve/internal/resilience"
)

// Guarded puts a circuit breaker and a per-call timeout in front of a client
type Guarded struct {
	next    Client
	breaker *resilience.Breaker
	timeout time.Duration
}

// NewGuarded wraps next
func NewGuarded(next Client, breaker *resilience.Breaker, timeout time.Duration) *Guarded {
	return &Guarded{next: next, breaker: breaker, timeout: timeout}
}

// Complete implements Completer
func (g *Guarded) Complete(ctx context.Context, req Request) (*Response, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return resilience.Execute(g.breaker, func() (*Response, error) {
		return g.next.Complete(ctx, req)
	})
}

// Stream implements Streamer. Streams are bounded by ctx only.
func (g *Guarded) Stream(ctx context.Context, req Request, onDelta func(string) error) error {
	_, err := resilience.Execute(g.breaker, func() (struct{}, error) {
		return struct{}{}, g.next.Stream(ctx, req, onDelta)
	})
	return err
}

// New builds the configured completion client behind a breaker
func New(ctx context.Context, cfg config.LLMConfig, breakerCfg config.BreakerConfig, logger *zap.Logger) (*Guarded, error) {
	var client Client
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		client = NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.MaxTokens, cfg.Timeout)
	case "bedrock":
		bc, err := NewBedrockClient(ctx, cfg.Region, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		client = bc
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	breaker := resilience.NewBreaker("llm:"+cfg.Provider, breakerCfg, logger)
	return NewGuarded(client, breaker, cfg.Timeout), nil
}
