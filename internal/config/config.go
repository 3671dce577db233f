// Package config loads service configuration from defaults, an optional
// config file, and FOODRESOLVE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// FOODRESOLVE_THRESHOLDS_HIGH=0.98
const EnvPrefix = "FOODRESOLVE"

// Config is the root configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Search     SearchConfig     `mapstructure:"search"`
	Arbiter    ArbiterConfig    `mapstructure:"arbiter"`
	Serving    ServingConfig    `mapstructure:"serving"`
	Synth      SynthConfig      `mapstructure:"synth"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Vendors    VendorsConfig    `mapstructure:"vendors"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	WebSearch  WebSearchConfig  `mapstructure:"websearch"`
	Icons      IconsConfig      `mapstructure:"icons"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
}

// DatabaseConfig configures the SQLite catalog
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// EmbeddingConfig selects and configures the embedding provider
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"` // cloudflare, openai, local
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	AccountID string `mapstructure:"account_id"`
	BaseURL   string `mapstructure:"base_url"`
	CacheSize int    `mapstructure:"cache_size"`
}

// LLMConfig selects and configures the completion provider
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"` // openai, bedrock
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Region         string        `mapstructure:"region"`
	PrimaryModel   string        `mapstructure:"primary_model"`
	FallbackModel  string        `mapstructure:"fallback_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	StreamingModel string        `mapstructure:"streaming_model"`
}

// ThresholdsConfig holds the empirically chosen similarity cut-offs
type ThresholdsConfig struct {
	High      float64 `mapstructure:"high"`
	Low       float64 `mapstructure:"low"`
	BulkIndex float64 `mapstructure:"bulk_index"`
	VendorMin float64 `mapstructure:"vendor_min"`
	IconLink  float64 `mapstructure:"icon_link"`
}

// SearchConfig configures similarity search
type SearchConfig struct {
	K         int `mapstructure:"k"`
	CacheSize int `mapstructure:"cache_size"`
}

// LadderStep is one rung of a model escalation ladder. An empty Model means
// the primary model.
type LadderStep struct {
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
}

// ArbiterConfig configures match arbitration
type ArbiterConfig struct {
	MaxCandidates int          `mapstructure:"max_candidates"`
	Ladder        []LadderStep `mapstructure:"ladder"`
}

// ServingConfig configures the serving resolver
type ServingConfig struct {
	SnapTolerance float64   `mapstructure:"snap_tolerance"`
	MinGrams      float64   `mapstructure:"min_grams"`
	Temperatures  []float64 `mapstructure:"temperatures"`
}

// SynthConfig configures the generative fallback
type SynthConfig struct {
	Enabled      bool      `mapstructure:"enabled"`
	Temperatures []float64 `mapstructure:"temperatures"`
	Candidates   int       `mapstructure:"candidates"`
}

// CatalogConfig configures the catalog writer
type CatalogConfig struct {
	FallbackWeightGrams float64 `mapstructure:"fallback_weight_grams"`
}

// VendorConfig configures one external nutrition vendor
type VendorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	AppID        string        `mapstructure:"app_id"`
	AppKey       string        `mapstructure:"app_key"`
	TokenURL     string        `mapstructure:"token_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BudgetLimit  int           `mapstructure:"budget_limit"`
	BudgetWindow time.Duration `mapstructure:"budget_window"`
	RatePerSec   float64       `mapstructure:"rate_per_sec"`
	MaxResults   int           `mapstructure:"max_results"`
}

// VendorsConfig configures all vendors
type VendorsConfig struct {
	Nutritionix VendorConfig `mapstructure:"nutritionix"`
	FatSecret   VendorConfig `mapstructure:"fatsecret"`
	USDA        VendorConfig `mapstructure:"usda"`
}

// RateLimitConfig selects the shared counter backend
type RateLimitConfig struct {
	Backend       string `mapstructure:"backend"` // memory, sql, redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// WebSearchConfig configures the Serper client
type WebSearchConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Results int           `mapstructure:"results"`
}

// IconsConfig configures the icon hand-off queue
type IconsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Queue    string `mapstructure:"queue"` // sql, sqs
	QueueURL string `mapstructure:"queue_url"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// ResolverConfig configures the orchestrator
type ResolverConfig struct {
	Strategies []string      `mapstructure:"strategies"`
	Workers    int           `mapstructure:"workers"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// BreakerConfig configures circuit breakers around upstream providers
type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with only defaults applied
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults registers every default on v. AutomaticEnv only resolves keys
// viper already knows, so every key needs a default here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "foodresolve.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.account_id", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.cache_size", 10000)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.region", "us-east-1")
	v.SetDefault("llm.primary_model", "gpt-4o-mini")
	v.SetDefault("llm.fallback_model", "gpt-4o")
	v.SetDefault("llm.timeout", 45*time.Second)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.streaming_model", "")

	v.SetDefault("thresholds.high", 0.975)
	v.SetDefault("thresholds.low", 0.85)
	v.SetDefault("thresholds.bulk_index", 0.725)
	v.SetDefault("thresholds.vendor_min", 0.8)
	v.SetDefault("thresholds.icon_link", 0.9)

	v.SetDefault("search.k", 20)
	v.SetDefault("search.cache_size", 1000)

	v.SetDefault("arbiter.max_candidates", 20)
	v.SetDefault("arbiter.ladder", []map[string]any{
		{"model": "", "temperature": 0.0},
		{"model": "", "temperature": 0.3},
		{"model": "fallback", "temperature": 0.0},
	})

	v.SetDefault("serving.snap_tolerance", 0.01)
	v.SetDefault("serving.min_grams", 1.0)
	v.SetDefault("serving.temperatures", []float64{0, 0.1, 0.2})

	v.SetDefault("synth.enabled", true)
	v.SetDefault("synth.temperatures", []float64{0, 0.1})
	v.SetDefault("synth.candidates", 3)

	v.SetDefault("catalog.fallback_weight_grams", 10.0)

	v.SetDefault("vendors.nutritionix.enabled", true)
	v.SetDefault("vendors.nutritionix.base_url", "https://trackapi.nutritionix.com")
	v.SetDefault("vendors.nutritionix.app_id", "")
	v.SetDefault("vendors.nutritionix.app_key", "")
	v.SetDefault("vendors.nutritionix.timeout", 8*time.Second)
	v.SetDefault("vendors.nutritionix.budget_limit", 45)
	v.SetDefault("vendors.nutritionix.budget_window", 24*time.Hour)
	v.SetDefault("vendors.nutritionix.rate_per_sec", 2.0)
	v.SetDefault("vendors.nutritionix.max_results", 10)

	v.SetDefault("vendors.fatsecret.enabled", true)
	v.SetDefault("vendors.fatsecret.base_url", "https://platform.fatsecret.com/rest/server.api")
	v.SetDefault("vendors.fatsecret.token_url", "https://oauth.fatsecret.com/connect/token")
	v.SetDefault("vendors.fatsecret.app_id", "")
	v.SetDefault("vendors.fatsecret.app_key", "")
	v.SetDefault("vendors.fatsecret.timeout", 8*time.Second)
	v.SetDefault("vendors.fatsecret.budget_limit", 10000)
	v.SetDefault("vendors.fatsecret.budget_window", time.Hour)
	v.SetDefault("vendors.fatsecret.rate_per_sec", 10.0)
	v.SetDefault("vendors.fatsecret.max_results", 10)

	v.SetDefault("vendors.usda.enabled", true)
	v.SetDefault("vendors.usda.timeout", 8*time.Second)
	v.SetDefault("vendors.usda.budget_limit", 0)
	v.SetDefault("vendors.usda.budget_window", time.Hour)
	v.SetDefault("vendors.usda.rate_per_sec", 0.0)
	v.SetDefault("vendors.usda.max_results", 10)

	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.redis_addr", "localhost:6379")
	v.SetDefault("ratelimit.redis_password", "")
	v.SetDefault("ratelimit.redis_db", 0)
	v.SetDefault("ratelimit.key_prefix", "foodresolve:api")

	v.SetDefault("websearch.enabled", false)
	v.SetDefault("websearch.api_key", "")
	v.SetDefault("websearch.base_url", "https://google.serper.dev")
	v.SetDefault("websearch.timeout", 5*time.Second)
	v.SetDefault("websearch.results", 5)

	v.SetDefault("icons.enabled", true)
	v.SetDefault("icons.queue", "sql")
	v.SetDefault("icons.queue_url", "")
	v.SetDefault("icons.region", "us-east-1")
	v.SetDefault("icons.endpoint", "")

	v.SetDefault("resolver.strategies", []string{"high_confidence", "local_arbitration", "external", "generative"})
	v.SetDefault("resolver.workers", 4)
	v.SetDefault("resolver.timeout", 2*time.Minute)

	v.SetDefault("breaker.max_requests", 5)
	v.SetDefault("breaker.interval", 30*time.Second)
	v.SetDefault("breaker.timeout", 60*time.Second)
	v.SetDefault("breaker.failure_ratio", 0.5)
	v.SetDefault("breaker.min_requests", 5)
}

// Validate checks cross-field invariants
func (c *Config) Validate() error {
	var errs []error

	t := c.Thresholds
	if t.Low <= 0 || t.Low > 1 || t.High <= 0 || t.High > 1 {
		errs = append(errs, errors.New("thresholds.high and thresholds.low must be in (0, 1]"))
	}
	if t.Low >= t.High {
		errs = append(errs, fmt.Errorf("thresholds.low (%g) must be below thresholds.high (%g)", t.Low, t.High))
	}
	if c.Serving.SnapTolerance < 0 || c.Serving.SnapTolerance >= 0.5 {
		errs = append(errs, errors.New("serving.snap_tolerance must be in [0, 0.5)"))
	}
	if len(c.Serving.Temperatures) == 0 {
		errs = append(errs, errors.New("serving.temperatures cannot be empty"))
	}
	if len(c.Arbiter.Ladder) == 0 {
		errs = append(errs, errors.New("arbiter.ladder cannot be empty"))
	}
	if c.Arbiter.MaxCandidates < 1 {
		errs = append(errs, errors.New("arbiter.max_candidates must be positive"))
	}
	if len(c.Resolver.Strategies) == 0 {
		errs = append(errs, errors.New("resolver.strategies cannot be empty"))
	}

	switch c.RateLimit.Backend {
	case "memory", "sql", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown ratelimit.backend %q", c.RateLimit.Backend))
	}
	switch c.Icons.Queue {
	case "sql", "sqs":
	default:
		errs = append(errs, fmt.Errorf("unknown icons.queue %q", c.Icons.Queue))
	}
	if c.Icons.Enabled && c.Icons.Queue == "sqs" && c.Icons.QueueURL == "" {
		errs = append(errs, errors.New("icons.queue_url is required for the sqs queue"))
	}

	return errors.Join(errs...)
}

// ModelFor maps a ladder step model name to a concrete model id
func (c *LLMConfig) ModelFor(step LadderStep) string {
	switch step.Model {
	case "", "primary":
		return c.PrimaryModel
	case "fallback":
		return c.FallbackModel
	default:
		return step.Model
	}
}
