// Package ratelimit enforces per-vendor call budgets shared across workers
// and processes.
//
// Budgets are counted in hourly buckets keyed by (vendor, bucket start). A
// one-hour budget looks at the current bucket; a 24-hour budget sums the
// last 24 buckets, so the day window slides hour by hour. Allow is a single
// atomic check-and-increment on every backend:
//
//   - MemoryLimiter: mutex-guarded counters, single process only
//   - SQLLimiter: a conditional upsert on the api_calls table
//   - RedisLimiter: a Lua script over the window's bucket keys, with TTLs
//
// A denied call is never queued or retried; callers skip the vendor.
package ratelimit
