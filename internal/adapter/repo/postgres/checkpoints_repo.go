package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// CheckpointRepo persists scrape pagination cursors keyed by (registry, kind).
type CheckpointRepo struct{ Pool PgxPool }

// NewCheckpointRepo constructs a CheckpointRepo with the given pool.
func NewCheckpointRepo(p PgxPool) *CheckpointRepo { return &CheckpointRepo{Pool: p} }

// Save upserts the cursor for a (registry, kind) pair.
func (r *CheckpointRepo) Save(ctx domain.Context, cp *domain.Checkpoint) error {
	tracer := otel.Tracer("repo.checkpoints")
	ctx, span := tracer.Start(ctx, "checkpoints.Save")
	defer span.End()
	cursor := cp.Cursor
	if len(cursor) == 0 {
		cursor = json.RawMessage(`{}`)
	}
	q := `INSERT INTO scraping_checkpoints (registry, kind, run_id, cursor, records_done, updated_at)
	VALUES ($1,$2,$3,$4,$5,now())
	ON CONFLICT (registry, kind)
	DO UPDATE SET run_id=EXCLUDED.run_id, cursor=EXCLUDED.cursor, records_done=EXCLUDED.records_done, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, cp.Registry, cp.Kind, cp.RunID, cursor, cp.RecordsDone); err != nil {
		return fmt.Errorf("op=checkpoint.save: %w", err)
	}
	return nil
}

// Latest loads the cursor for a (registry, kind) pair.
func (r *CheckpointRepo) Latest(ctx domain.Context, registry string, kind domain.ScrapeKind) (*domain.Checkpoint, error) {
	tracer := otel.Tracer("repo.checkpoints")
	ctx, span := tracer.Start(ctx, "checkpoints.Latest")
	defer span.End()
	q := `SELECT registry, kind, run_id, cursor, records_done, updated_at FROM scraping_checkpoints WHERE registry=$1 AND kind=$2`
	row := r.Pool.QueryRow(ctx, q, registry, kind)
	var (
		cp     domain.Checkpoint
		cursor []byte
	)
	if err := row.Scan(&cp.Registry, &cp.Kind, &cp.RunID, &cursor, &cp.RecordsDone, &cp.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=checkpoint.latest: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=checkpoint.latest: %w", err)
	}
	cp.Cursor = json.RawMessage(cursor)
	return &cp, nil
}

// Clear removes the cursor after a run completes so the next run starts fresh.
func (r *CheckpointRepo) Clear(ctx domain.Context, registry string, kind domain.ScrapeKind) error {
	tracer := otel.Tracer("repo.checkpoints")
	ctx, span := tracer.Start(ctx, "checkpoints.Clear")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM scraping_checkpoints WHERE registry=$1 AND kind=$2`, registry, kind); err != nil {
		return fmt.Errorf("op=checkpoint.clear: %w", err)
	}
	return nil
}
