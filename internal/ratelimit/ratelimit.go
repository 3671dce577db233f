package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/config"
)

// BucketSize is the granularity of every budget counter
const BucketSize = time.Hour

// Budget is a number of calls allowed per sliding window. A non-positive
// Limit means unlimited.
type Budget struct {
	Limit  int
	Window time.Duration
}

// Unlimited reports whether the budget never denies a call
func (b Budget) Unlimited() bool {
	return b.Limit <= 0
}

// Limiter is a shared, non-blocking per-vendor call budget. Allow checks the
// budget and, when there is room, records the call in one atomic step. It
// never waits for budget to free up.
type Limiter interface {
	Allow(ctx context.Context, vendor string) (bool, error)
}

// Clock returns the current time
type Clock func() time.Time

// window returns the current bucket and the start of the oldest bucket
// inside the budget window. A day window covers the last 24 hourly buckets.
func window(now time.Time, w time.Duration) (bucket, start time.Time, buckets int) {
	bucket = now.UTC().Truncate(BucketSize)
	buckets = int((w + BucketSize - 1) / BucketSize)
	if buckets < 1 {
		buckets = 1
	}
	start = bucket.Add(-time.Duration(buckets-1) * BucketSize)
	return bucket, start, buckets
}

// MemoryLimiter keeps counters in process. It is only correct for a single
// instance and is the default for local runs and tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	budgets map[string]Budget
	counts  map[string]map[int64]int // vendor -> bucket start -> calls
	now     Clock
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(budgets map[string]Budget, now Clock) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		budgets: budgets,
		counts:  make(map[string]map[int64]int),
		now:     now,
	}
}

// Allow implements Limiter
func (m *MemoryLimiter) Allow(ctx context.Context, vendor string) (bool, error) {
	b, ok := m.budgets[vendor]
	if !ok || b.Unlimited() {
		return true, nil
	}
	bucket, start, _ := window(m.now(), b.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	counts := m.counts[vendor]
	if counts == nil {
		counts = make(map[int64]int)
		m.counts[vendor] = counts
	}
	total := 0
	for at, n := range counts {
		if at < start.Unix() {
			delete(counts, at)
			continue
		}
		total += n
	}
	if total >= b.Limit {
		return false, nil
	}
	counts[bucket.Unix()]++
	return true, nil
}

// APIBudgetStore is the storage subset used by SQLLimiter
type APIBudgetStore interface {
	ConsumeAPIBudget(ctx context.Context, api string, bucket, windowStart time.Time, limit int) (bool, error)
}

// SQLLimiter records calls in the api_calls table with a conditional insert,
// so every process sharing the database shares the budget.
type SQLLimiter struct {
	store   APIBudgetStore
	budgets map[string]Budget
	now     Clock
}

// NewSQLLimiter creates a database-backed limiter
func NewSQLLimiter(store APIBudgetStore, budgets map[string]Budget, now Clock) *SQLLimiter {
	if now == nil {
		now = time.Now
	}
	return &SQLLimiter{store: store, budgets: budgets, now: now}
}

// Allow implements Limiter
func (s *SQLLimiter) Allow(ctx context.Context, vendor string) (bool, error) {
	b, ok := s.budgets[vendor]
	if !ok || b.Unlimited() {
		return true, nil
	}
	bucket, start, _ := window(s.now(), b.Window)
	return s.store.ConsumeAPIBudget(ctx, vendor, bucket, start, b.Limit)
}

// consumeScript sums every bucket key in the window and increments the last
// one only when the total is under the limit.
// KEYS: bucket keys, oldest first. ARGV[1]: limit. ARGV[2]: ttl seconds.
const consumeScript = `
local total = 0
for i = 1, #KEYS do
	total = total + tonumber(redis.call("get", KEYS[i]) or "0")
end
if total >= tonumber(ARGV[1]) then
	return 0
end
local current = KEYS[#KEYS]
redis.call("incr", current)
redis.call("expire", current, ARGV[2])
return 1
`

// RedisLimiter keeps hourly bucket counters in Redis. Keys for one vendor
// share a hash tag so the script stays on a single cluster slot.
type RedisLimiter struct {
	client  redis.UniversalClient
	prefix  string
	budgets map[string]Budget
	now     Clock
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client redis.UniversalClient, prefix string, budgets map[string]Budget, now Clock) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	if prefix == "" {
		prefix = "foodresolve:api"
	}
	return &RedisLimiter{client: client, prefix: prefix, budgets: budgets, now: now}
}

func (r *RedisLimiter) key(vendor string, bucket time.Time) string {
	return fmt.Sprintf("%s:{%s}:%d", r.prefix, vendor, bucket.Unix())
}

// Allow implements Limiter
func (r *RedisLimiter) Allow(ctx context.Context, vendor string) (bool, error) {
	b, ok := r.budgets[vendor]
	if !ok || b.Unlimited() {
		return true, nil
	}
	bucket, start, n := window(r.now(), b.Window)

	keys := make([]string, 0, n)
	for at := start; !at.After(bucket); at = at.Add(BucketSize) {
		keys = append(keys, r.key(vendor, at))
	}
	ttl := int((time.Duration(n) * BucketSize).Seconds())

	result, err := r.client.Eval(ctx, consumeScript, keys, b.Limit, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume api budget: %w", err)
	}
	granted, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result %T", result)
	}
	return granted == 1, nil
}

// Budgets builds the per-vendor budgets from vendor configuration
func Budgets(cfg config.VendorsConfig) map[string]Budget {
	return map[string]Budget{
		"nutritionix": {Limit: cfg.Nutritionix.BudgetLimit, Window: cfg.Nutritionix.BudgetWindow},
		"fatsecret":   {Limit: cfg.FatSecret.BudgetLimit, Window: cfg.FatSecret.BudgetWindow},
		"usda":        {Limit: cfg.USDA.BudgetLimit, Window: cfg.USDA.BudgetWindow},
	}
}

// New builds the configured limiter. store is only used by the sql backend.
func New(cfg config.RateLimitConfig, budgets map[string]Budget, store APIBudgetStore, logger *zap.Logger) (Limiter, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLimiter(budgets, nil), noop, nil
	case "sql":
		if store == nil {
			return nil, nil, fmt.Errorf("sql rate limit backend requires storage")
		}
		return NewSQLLimiter(store, budgets, nil), noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		logger.Info("using redis rate limiter", zap.String("addr", cfg.RedisAddr))
		return NewRedisLimiter(client, cfg.KeyPrefix, budgets, nil), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}
