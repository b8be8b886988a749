package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// WorkerRegistryRepo tracks live worker pools for status output and the
// monitor's liveness rule.
type WorkerRegistryRepo struct{ Pool PgxPool }

// NewWorkerRegistryRepo constructs a WorkerRegistryRepo with the given pool.
func NewWorkerRegistryRepo(p PgxPool) *WorkerRegistryRepo { return &WorkerRegistryRepo{Pool: p} }

// Upsert registers a pool at startup.
func (r *WorkerRegistryRepo) Upsert(ctx domain.Context, w *domain.WorkerInfo) error {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Upsert")
	defer span.End()
	lanes := w.Lanes
	if lanes == nil {
		lanes = []string{}
	}
	q := `INSERT INTO worker_registry (worker_id, hostname, lanes, size, started_at, heartbeat_at)
	VALUES ($1,$2,$3,$4,now(),now())
	ON CONFLICT (worker_id)
	DO UPDATE SET hostname=EXCLUDED.hostname, lanes=EXCLUDED.lanes, size=EXCLUDED.size, started_at=now(), heartbeat_at=now()`
	if _, err := r.Pool.Exec(ctx, q, w.ID, w.Hostname, lanes, w.Size); err != nil {
		return fmt.Errorf("op=worker.upsert: %w", err)
	}
	return nil
}

// Heartbeat refreshes liveness and records the current pool size.
func (r *WorkerRegistryRepo) Heartbeat(ctx domain.Context, workerID string, size int) error {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Heartbeat")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE worker_registry SET heartbeat_at=now(), size=$2 WHERE worker_id=$1`, workerID, size)
	if err != nil {
		return fmt.Errorf("op=worker.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=worker.heartbeat: %w", domain.ErrNotFound)
	}
	return nil
}

// Remove unregisters a pool on clean shutdown.
func (r *WorkerRegistryRepo) Remove(ctx domain.Context, workerID string) error {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Remove")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM worker_registry WHERE worker_id=$1`, workerID); err != nil {
		return fmt.Errorf("op=worker.remove: %w", err)
	}
	return nil
}

// List returns registered pools, oldest first.
func (r *WorkerRegistryRepo) List(ctx domain.Context) ([]domain.WorkerInfo, error) {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.List")
	defer span.End()
	q := `SELECT worker_id, hostname, lanes, size, started_at, heartbeat_at FROM worker_registry ORDER BY started_at`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=worker.list: %w", err)
	}
	defer rows.Close()
	var out []domain.WorkerInfo
	for rows.Next() {
		var w domain.WorkerInfo
		if err := rows.Scan(&w.ID, &w.Hostname, &w.Lanes, &w.Size, &w.StartedAt, &w.HeartbeatAt); err != nil {
			return nil, fmt.Errorf("op=worker.list: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=worker.list: %w", err)
	}
	return out, nil
}
