package embedder

import (
	"fmt"
	"strings"

	"github.com/dshills/foodresolve/internal/config"
)

// New creates an embedder from configuration. An empty provider selects the
// local embedder.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderCloudflare:
		return NewCloudflareProvider(cfg.APIKey, cfg.AccountID, cfg.Model, cfg.BaseURL)
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case ProviderLocal, "":
		return NewLocalProvider(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}
