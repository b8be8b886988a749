package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// AlertRepo persists monitor alerts. A partial unique index on open alerts
// gives Fire its fire-once semantics without a read-modify-write race.
type AlertRepo struct{ Pool PgxPool }

// NewAlertRepo constructs an AlertRepo with the given pool.
func NewAlertRepo(p PgxPool) *AlertRepo { return &AlertRepo{Pool: p} }

// Fire opens an alert unless one of the same kind is already open; reports
// whether a new alert was inserted.
func (r *AlertRepo) Fire(ctx domain.Context, a *domain.Alert) (bool, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.Fire")
	defer span.End()
	id := a.ID
	if id == "" {
		id = ulid.Make().String()
	}
	labels := a.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	labelJSON, err := json.Marshal(labels)
	if err != nil {
		return false, fmt.Errorf("op=alert.fire: %w", err)
	}
	q := `INSERT INTO system_alerts (id, severity, kind, message, labels)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (kind) WHERE resolved_at IS NULL DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, id, a.Severity, a.Kind, a.Message, labelJSON)
	if err != nil {
		return false, fmt.Errorf("op=alert.fire: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Resolve closes the open alert of the given kind; reports whether one was
// open.
func (r *AlertRepo) Resolve(ctx domain.Context, kind string) (bool, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.Resolve")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE system_alerts SET resolved_at=now() WHERE kind=$1 AND resolved_at IS NULL`, kind)
	if err != nil {
		return false, fmt.Errorf("op=alert.resolve: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListOpen returns unresolved alerts, oldest first.
func (r *AlertRepo) ListOpen(ctx domain.Context) ([]domain.Alert, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.ListOpen")
	defer span.End()
	q := `SELECT id, severity, kind, message, labels, fired_at, resolved_at FROM system_alerts WHERE resolved_at IS NULL ORDER BY fired_at`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=alert.list_open: %w", err)
	}
	defer rows.Close()
	var out []domain.Alert
	for rows.Next() {
		var (
			a         domain.Alert
			labelJSON []byte
		)
		if err := rows.Scan(&a.ID, &a.Severity, &a.Kind, &a.Message, &labelJSON, &a.FiredAt, &a.ResolvedAt); err != nil {
			return nil, fmt.Errorf("op=alert.list_open: %w", err)
		}
		if len(labelJSON) > 0 {
			if err := json.Unmarshal(labelJSON, &a.Labels); err != nil {
				return nil, fmt.Errorf("op=alert.list_open: %w", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=alert.list_open: %w", err)
	}
	return out, nil
}

// CountFiredSince counts alerts fired at or after the cutoff.
func (r *AlertRepo) CountFiredSince(ctx domain.Context, since time.Time) (int64, error) {
	tracer := otel.Tracer("repo.alerts")
	ctx, span := tracer.Start(ctx, "alerts.CountFiredSince")
	defer span.End()
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM system_alerts WHERE fired_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=alert.count_fired_since: %w", err)
	}
	return n, nil
}
