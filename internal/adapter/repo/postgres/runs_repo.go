package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// ScrapeRunRepo tracks scraping run bookkeeping rows.
type ScrapeRunRepo struct{ Pool PgxPool }

// NewScrapeRunRepo constructs a ScrapeRunRepo with the given pool.
func NewScrapeRunRepo(p PgxPool) *ScrapeRunRepo { return &ScrapeRunRepo{Pool: p} }

const runColumns = `id, registry, kind, status, COALESCE(queue_job_id::text, ''), fetched, upserted, failed, heartbeat_at, started_at, finished_at, last_error`

func scanRun(row pgx.Row) (domain.ScrapingRun, error) {
	var run domain.ScrapingRun
	err := row.Scan(&run.ID, &run.Registry, &run.Kind, &run.Status, &run.QueueJobID,
		&run.Fetched, &run.Upserted, &run.Failed, &run.HeartbeatAt, &run.StartedAt, &run.FinishedAt, &run.LastError)
	return run, err
}

// Create inserts a new running row.
func (r *ScrapeRunRepo) Create(ctx domain.Context, run *domain.ScrapingRun) error {
	tracer := otel.Tracer("repo.scrapes")
	ctx, span := tracer.Start(ctx, "scrapes.Create")
	defer span.End()
	var jobID *string
	if run.QueueJobID != "" {
		jobID = &run.QueueJobID
	}
	q := `INSERT INTO scraping_runs (id, registry, kind, status, queue_job_id) VALUES ($1,$2,$3,'running',$4)`
	if _, err := r.Pool.Exec(ctx, q, run.ID, run.Registry, run.Kind, jobID); err != nil {
		return fmt.Errorf("op=scrape.create: %w", err)
	}
	return nil
}

// Heartbeat bumps the liveness timestamp of a running row.
func (r *ScrapeRunRepo) Heartbeat(ctx domain.Context, runID string) error {
	tracer := otel.Tracer("repo.scrapes")
	ctx, span := tracer.Start(ctx, "scrapes.Heartbeat")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE scraping_runs SET heartbeat_at=now() WHERE id=$1 AND status='running'`, runID)
	if err != nil {
		return fmt.Errorf("op=scrape.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=scrape.heartbeat: %w", domain.ErrNotFound)
	}
	return nil
}

// AddCounts adds progress counters and refreshes the heartbeat in one write.
func (r *ScrapeRunRepo) AddCounts(ctx domain.Context, runID string, fetched, upserted, failed int64) error {
	tracer := otel.Tracer("repo.scrapes")
	ctx, span := tracer.Start(ctx, "scrapes.AddCounts")
	defer span.End()
	q := `UPDATE scraping_runs SET fetched=fetched+$2, upserted=upserted+$3, failed=failed+$4, heartbeat_at=now() WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, runID, fetched, upserted, failed)
	if err != nil {
		return fmt.Errorf("op=scrape.add_counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=scrape.add_counts: %w", domain.ErrNotFound)
	}
	return nil
}

// Finish closes the run with a terminal status.
func (r *ScrapeRunRepo) Finish(ctx domain.Context, runID string, status domain.ScrapeStatus, lastErr string) error {
	tracer := otel.Tracer("repo.scrapes")
	ctx, span := tracer.Start(ctx, "scrapes.Finish")
	defer span.End()
	q := `UPDATE scraping_runs SET status=$2, last_error=$3, finished_at=now(), heartbeat_at=now() WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, runID, status, lastErr)
	if err != nil {
		return fmt.Errorf("op=scrape.finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=scrape.finish: %w", domain.ErrNotFound)
	}
	return nil
}

// FailStale marks running rows with heartbeats older than the cutoff as
// failed and returns them so the monitor can alert per run.
func (r *ScrapeRunRepo) FailStale(ctx domain.Context, cutoff time.Time) ([]domain.ScrapingRun, error) {
	tracer := otel.Tracer("repo.scrapes")
	ctx, span := tracer.Start(ctx, "scrapes.FailStale")
	defer span.End()
	q := `UPDATE scraping_runs SET status='failed', last_error='heartbeat stale', finished_at=now()
	WHERE status='running' AND heartbeat_at < $1
	RETURNING ` + runColumns
	rows, err := r.Pool.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=scrape.fail_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.ScrapingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scrape.fail_stale: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=scrape.fail_stale: %w", err)
	}
	return out, nil
}

// Latest returns the most recent runs, optionally filtered by registry.
func (r *ScrapeRunRepo) Latest(ctx domain.Context, registry string, n int) ([]domain.ScrapingRun, error) {
	tracer := otel.Tracer("repo.scrapes")
	ctx, span := tracer.Start(ctx, "scrapes.Latest")
	defer span.End()
	q := `SELECT ` + runColumns + ` FROM scraping_runs WHERE ($1 = '' OR registry = $1) ORDER BY started_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, registry, n)
	if err != nil {
		return nil, fmt.Errorf("op=scrape.latest: %w", err)
	}
	defer rows.Close()
	var out []domain.ScrapingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scrape.latest: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=scrape.latest: %w", err)
	}
	return out, nil
}
