package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// RateBudgetRepo persists per-registry fetch budget overrides so operators
// can retune budgets without a redeploy. Rows store a capacity plus a refill
// rate in requests per second; the window is derived from the two.
type RateBudgetRepo struct{ Pool PgxPool }

// NewRateBudgetRepo constructs a RateBudgetRepo with the given pool.
func NewRateBudgetRepo(p PgxPool) *RateBudgetRepo { return &RateBudgetRepo{Pool: p} }

// Overrides returns all stored budget overrides keyed by registry.
func (r *RateBudgetRepo) Overrides(ctx domain.Context) (map[string]domain.RateBudget, error) {
	tracer := otel.Tracer("repo.ratebudgets")
	ctx, span := tracer.Start(ctx, "ratebudgets.Overrides")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT key, capacity, refill_rate FROM rate_limit_buckets`)
	if err != nil {
		return nil, fmt.Errorf("op=ratebudget.overrides: %w", err)
	}
	defer rows.Close()
	out := map[string]domain.RateBudget{}
	for rows.Next() {
		var (
			key      string
			capacity int
			refill   float64
		)
		if err := rows.Scan(&key, &capacity, &refill); err != nil {
			return nil, fmt.Errorf("op=ratebudget.overrides: %w", err)
		}
		if capacity <= 0 || refill <= 0 {
			continue
		}
		out[key] = domain.RateBudget{
			Requests: capacity,
			Window:   time.Duration(float64(capacity) / refill * float64(time.Second)),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ratebudget.overrides: %w", err)
	}
	return out, nil
}

// Save upserts the override for one registry.
func (r *RateBudgetRepo) Save(ctx domain.Context, registry string, b domain.RateBudget) error {
	tracer := otel.Tracer("repo.ratebudgets")
	ctx, span := tracer.Start(ctx, "ratebudgets.Save")
	defer span.End()
	if b.Requests <= 0 || b.Window <= 0 {
		return fmt.Errorf("op=ratebudget.save: %w", domain.ErrInvalidArgument)
	}
	refill := float64(b.Requests) / b.Window.Seconds()
	q := `INSERT INTO rate_limit_buckets (key, capacity, refill_rate) VALUES ($1,$2,$3)
	ON CONFLICT (key) DO UPDATE SET capacity=EXCLUDED.capacity, refill_rate=EXCLUDED.refill_rate, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, registry, b.Requests, refill); err != nil {
		return fmt.Errorf("op=ratebudget.save: %w", err)
	}
	return nil
}
