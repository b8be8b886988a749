package fetch

import (
	"fmt"
	"sync"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// WindowLimiter enforces budgets with an in-process sliding window: one
// timestamp per admitted request, pruned as the window slides. It is the
// default limiter; deployments that spread one budget across several
// processes use the Redis-backed limiter instead.
type WindowLimiter struct {
	mu          sync.Mutex
	budgets     map[string]domain.RateBudget
	stamps      map[string][]time.Time
	halvedUntil map[string]time.Time

	now func() time.Time
}

// NewWindowLimiter constructs a WindowLimiter. A nil budgets map means
// DefaultBudgets.
func NewWindowLimiter(budgets map[string]domain.RateBudget) *WindowLimiter {
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	return &WindowLimiter{
		budgets:     budgets,
		stamps:      map[string][]time.Time{},
		halvedUntil: map[string]time.Time{},
		now:         time.Now,
	}
}

// Acquire blocks until the registry has budget for one request or ctx is
// done. Wait time is observed in fetch_wait_seconds.
func (l *WindowLimiter) Acquire(ctx domain.Context, registry string) error {
	start := l.clock()
	for {
		wait, err := l.reserve(registry)
		if err != nil {
			return err
		}
		if wait <= 0 {
			observability.FetchWaitSeconds.WithLabelValues(registry).Observe(l.clock().Sub(start).Seconds())
			l.publishUsage(registry)
			return nil
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

// Penalize halves the registry's budget until a full window has passed.
// A 429 during an active penalty does not stack or extend it.
func (l *WindowLimiter) Penalize(registry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[registry]
	if !ok {
		return
	}
	now := l.clock()
	if until, ok := l.halvedUntil[registry]; ok && now.Before(until) {
		return
	}
	l.halvedUntil[registry] = now.Add(b.Window)
}

// Usage returns in-window request count and the currently effective budget.
func (l *WindowLimiter) Usage(registry string) (used, budget int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[registry]
	if !ok {
		return 0, 0
	}
	now := l.clock()
	return len(l.pruneLocked(registry, now, b.Window)), l.effectiveBudgetLocked(registry, b, now)
}

// SetBudget replaces the budget for one registry. Used when operators
// override budgets at runtime; existing in-window requests keep counting.
func (l *WindowLimiter) SetBudget(registry string, b domain.RateBudget) {
	if b.Requests <= 0 || b.Window <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets[registry] = b
}

// reserve admits the request now (returning 0) or reports how long to wait
// before trying again.
func (l *WindowLimiter) reserve(registry string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[registry]
	if !ok {
		return 0, fmt.Errorf("op=fetch.acquire: %w: unknown registry %q", domain.ErrInvalidArgument, registry)
	}
	now := l.clock()
	stamps := l.pruneLocked(registry, now, b.Window)
	budget := l.effectiveBudgetLocked(registry, b, now)
	if len(stamps) < budget {
		l.stamps[registry] = append(stamps, now)
		return 0, nil
	}
	// A slot frees when enough of the oldest stamps leave the window for
	// the in-window count to drop below budget.
	wait := stamps[len(stamps)-budget].Add(b.Window).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, nil
}

// pruneLocked drops stamps older than the window. Stamps are appended in
// order, so everything after the first survivor survives.
func (l *WindowLimiter) pruneLocked(registry string, now time.Time, window time.Duration) []time.Time {
	stamps := l.stamps[registry]
	cut := now.Add(-window)
	kept := stamps[:0]
	for _, s := range stamps {
		if s.After(cut) {
			kept = append(kept, s)
		}
	}
	l.stamps[registry] = kept
	return kept
}

func (l *WindowLimiter) effectiveBudgetLocked(registry string, b domain.RateBudget, now time.Time) int {
	if until, ok := l.halvedUntil[registry]; ok {
		if now.Before(until) {
			half := b.Requests / 2
			if half < 1 {
				half = 1
			}
			return half
		}
		delete(l.halvedUntil, registry)
	}
	return b.Requests
}

func (l *WindowLimiter) publishUsage(registry string) {
	used, budget := l.Usage(registry)
	if budget > 0 {
		observability.RateLimitUsage.WithLabelValues(registry).Set(float64(used) / float64(budget))
	}
}

func (l *WindowLimiter) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}
