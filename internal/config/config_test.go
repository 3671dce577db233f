package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.975, cfg.Thresholds.High)
	assert.Equal(t, 0.85, cfg.Thresholds.Low)
	assert.Equal(t, 0.725, cfg.Thresholds.BulkIndex)
	assert.Equal(t, 0.01, cfg.Serving.SnapTolerance)
	assert.Equal(t, []float64{0, 0.1, 0.2}, cfg.Serving.Temperatures)
	assert.Equal(t, 45, cfg.Vendors.Nutritionix.BudgetLimit)
	assert.Equal(t, 24*time.Hour, cfg.Vendors.Nutritionix.BudgetWindow)
	assert.Equal(t, 10000, cfg.Vendors.FatSecret.BudgetLimit)
	assert.Equal(t, time.Hour, cfg.Vendors.FatSecret.BudgetWindow)
	assert.Len(t, cfg.Arbiter.Ladder, 3)
	assert.Equal(t, "fallback", cfg.Arbiter.Ladder[2].Model)
	assert.Equal(t, []string{"high_confidence", "local_arbitration", "external", "generative"}, cfg.Resolver.Strategies)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FOODRESOLVE_THRESHOLDS_HIGH", "0.99")
	t.Setenv("FOODRESOLVE_RATELIMIT_BACKEND", "redis")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.99, cfg.Thresholds.High)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foodresolve.yaml")
	content := `
thresholds:
  high: 0.96
  low: 0.8
serving:
  snap_tolerance: 0.02
resolver:
  strategies: [high_confidence, generative]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.96, cfg.Thresholds.High)
	assert.Equal(t, 0.8, cfg.Thresholds.Low)
	assert.Equal(t, 0.02, cfg.Serving.SnapTolerance)
	assert.Equal(t, []string{"high_confidence", "generative"}, cfg.Resolver.Strategies)
	// untouched keys keep defaults
	assert.Equal(t, 0.725, cfg.Thresholds.BulkIndex)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"low above high", func(c *Config) { c.Thresholds.Low = 0.99 }},
		{"threshold out of range", func(c *Config) { c.Thresholds.High = 1.5 }},
		{"negative snap tolerance", func(c *Config) { c.Serving.SnapTolerance = -0.1 }},
		{"empty ladder", func(c *Config) { c.Arbiter.Ladder = nil }},
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "etcd" }},
		{"sqs without url", func(c *Config) { c.Icons.Queue = "sqs" }},
		{"no strategies", func(c *Config) { c.Resolver.Strategies = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestModelFor(t *testing.T) {
	llm := LLMConfig{PrimaryModel: "small", FallbackModel: "large"}
	assert.Equal(t, "small", llm.ModelFor(LadderStep{}))
	assert.Equal(t, "large", llm.ModelFor(LadderStep{Model: "fallback"}))
	assert.Equal(t, "custom", llm.ModelFor(LadderStep{Model: "custom"}))
}
