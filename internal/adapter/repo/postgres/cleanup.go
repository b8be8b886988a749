package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// CleanupService handles data retention for terminal queue rows, closed
// scraping runs, resolved alerts and aged metric samples. Trials themselves
// are never purged.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes bookkeeping data older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM job_queue WHERE status IN ('completed','failed','cancelled') AND completed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup jobs: %w", err)
	}
	deletedJobs := tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM scraping_runs WHERE finished_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup scraping runs: %w", err)
	}
	deletedRuns := tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM system_alerts WHERE resolved_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup alerts: %w", err)
	}
	deletedAlerts := tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM system_metrics WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup metrics: %w", err)
	}
	deletedMetrics := tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_jobs", deletedJobs),
		slog.Int64("deleted_runs", deletedRuns),
		slog.Int64("deleted_alerts", deletedAlerts),
		slog.Int64("deleted_metrics", deletedMetrics),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
