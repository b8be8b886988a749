// Package redislimit shares one registry budget across processes through a
// Redis token bucket evaluated in a Lua script. The in-process WindowLimiter
// is correct for a single process; once several workers fetch from the same
// registry the budget has to live somewhere they all see.
package redislimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// luaTokenBucket refills and debits the bucket atomically. Time comes in as
// ARGV so callers (and tests) control the clock; the script never reads
// Redis server time. An existing penalty key halves both capacity and refill
// for the registry.
const luaTokenBucket = `
local bucket = KEYS[1]
local penalty = KEYS[2]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

if redis.call("EXISTS", penalty) == 1 then
  capacity = math.floor(capacity / 2)
  if capacity < 1 then
    capacity = 1
  end
  refill_rate = refill_rate / 2
end

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", bucket, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif refill_rate > 0 then
  retry_after = (cost - tokens) / refill_rate
end

redis.call("HMSET", bucket, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", bucket, 3600)

return { allowed, tokens, retry_after }
`

// Limiter is the Redis-backed fetch.Limiter. On Redis errors it fails open:
// a cache outage must not stall ingestion, and upstream 429 handling still
// protects the registries.
type Limiter struct {
	rdb    *redis.Client
	script *redis.Script

	mu      sync.RWMutex
	budgets map[string]domain.RateBudget

	now func() time.Time
}

// New constructs a Limiter over rdb with the given budgets per registry.
func New(rdb *redis.Client, budgets map[string]domain.RateBudget) *Limiter {
	if budgets == nil {
		budgets = map[string]domain.RateBudget{}
	}
	return &Limiter{
		rdb:     rdb,
		script:  redis.NewScript(luaTokenBucket),
		budgets: budgets,
		now:     time.Now,
	}
}

// LoadOverrides merges persisted operator overrides into the budget table.
// Called once at boot so restarts do not forget retuned budgets.
func (l *Limiter) LoadOverrides(ctx domain.Context, repo domain.RateBudgetRepo) error {
	over, err := repo.Overrides(ctx)
	if err != nil {
		return fmt.Errorf("op=fetch.load_overrides: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for registry, b := range over {
		l.budgets[registry] = b
	}
	return nil
}

// SetBudget replaces the budget for one registry.
func (l *Limiter) SetBudget(registry string, b domain.RateBudget) {
	if b.Requests <= 0 || b.Window <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets[registry] = b
}

// Acquire blocks until the registry bucket has a token or ctx is done.
func (l *Limiter) Acquire(ctx domain.Context, registry string) error {
	b, ok := l.budget(registry)
	if !ok {
		return fmt.Errorf("op=fetch.acquire: %w: unknown registry %q", domain.ErrInvalidArgument, registry)
	}
	start := l.now()
	refill := float64(b.Requests) / b.Window.Seconds()
	for {
		nowSec := float64(l.now().UnixNano()) / 1e9
		res, err := l.script.Run(ctx, l.rdb,
			[]string{bucketKey(registry), penaltyKey(registry)},
			b.Requests, refill, nowSec, 1,
		).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("redis rate limiter unavailable, admitting request",
				slog.String("registry", registry), slog.Any("error", err))
			return nil
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) < 3 {
			slog.Error("redis rate limiter unexpected script result",
				slog.String("registry", registry), slog.Any("result", res))
			return nil
		}
		if toInt64(vals[0]) == 1 {
			observability.FetchWaitSeconds.WithLabelValues(registry).Observe(l.now().Sub(start).Seconds())
			l.publishUsage(registry, b, toFloat64(vals[1]))
			return nil
		}
		wait := time.Duration(toFloat64(vals[2]) * float64(time.Second))
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Penalize halves the registry budget for one full window. SET NX keeps a
// second 429 during an active penalty from extending it.
func (l *Limiter) Penalize(registry string) {
	b, ok := l.budget(registry)
	if !ok {
		return
	}
	err := l.rdb.SetNX(context.Background(), penaltyKey(registry), 1, b.Window).Err()
	if err != nil {
		slog.Error("redis rate limiter penalty not recorded",
			slog.String("registry", registry), slog.Any("error", err))
	}
}

// Usage reports tokens consumed out of the effective budget. The read
// refills in Go with the same arithmetic as the script, so a bucket idle
// since its last debit still reports current availability.
func (l *Limiter) Usage(registry string) (used, budget int) {
	b, ok := l.budget(registry)
	if !ok {
		return 0, 0
	}
	ctx := context.Background()
	budget = b.Requests
	refill := float64(b.Requests) / b.Window.Seconds()
	if n, err := l.rdb.Exists(ctx, penaltyKey(registry)).Result(); err == nil && n == 1 {
		budget = b.Requests / 2
		if budget < 1 {
			budget = 1
		}
		refill /= 2
	}
	vals, err := l.rdb.HMGet(ctx, bucketKey(registry), "tokens", "last_refill").Result()
	if err != nil || len(vals) < 2 || vals[0] == nil {
		return 0, budget
	}
	tokens := parseRedisFloat(vals[0])
	lastRefill := parseRedisFloat(vals[1])
	nowSec := float64(l.now().UnixNano()) / 1e9
	if delta := nowSec - lastRefill; delta > 0 {
		tokens = math.Min(float64(budget), tokens+delta*refill)
	}
	used = budget - int(tokens)
	if used < 0 {
		used = 0
	}
	return used, budget
}

func (l *Limiter) budget(registry string) (domain.RateBudget, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.budgets[registry]
	if !ok || b.Requests <= 0 || b.Window <= 0 {
		return domain.RateBudget{}, false
	}
	return b, true
}

func (l *Limiter) publishUsage(registry string, b domain.RateBudget, tokens float64) {
	budget := float64(b.Requests)
	if budget <= 0 {
		return
	}
	used := budget - tokens
	if used < 0 {
		used = 0
	}
	observability.RateLimitUsage.WithLabelValues(registry).Set(used / budget)
}

func bucketKey(registry string) string  { return "ratelimit:" + registry }
func penaltyKey(registry string) string { return "ratelimit:penalty:" + registry }

func parseRedisFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
