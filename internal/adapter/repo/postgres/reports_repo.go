package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// ReportRepo persists daily reports as system_metrics samples and answers the
// aggregate queries that feed them.
type ReportRepo struct{ Pool PgxPool }

// NewReportRepo constructs a ReportRepo with the given pool.
func NewReportRepo(p PgxPool) *ReportRepo { return &ReportRepo{Pool: p} }

// SaveDailyReport appends the report under the daily_report metric name.
func (r *ReportRepo) SaveDailyReport(ctx domain.Context, rep *domain.DailyReport) error {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.SaveDailyReport")
	defer span.End()
	value, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("op=report.save: %w", err)
	}
	labels, err := json.Marshal(map[string]string{"date": rep.Date.UTC().Format("2006-01-02")})
	if err != nil {
		return fmt.Errorf("op=report.save: %w", err)
	}
	q := `INSERT INTO system_metrics (name, labels, value) VALUES ('daily_report', $1, $2)`
	if _, err := r.Pool.Exec(ctx, q, labels, value); err != nil {
		return fmt.Errorf("op=report.save: %w", err)
	}
	return nil
}

// JobCounts aggregates queue activity since the cutoff by status and type.
func (r *ReportRepo) JobCounts(ctx domain.Context, since time.Time) (map[domain.JobStatus]int64, map[domain.JobType]int64, error) {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.JobCounts")
	defer span.End()
	byStatus := map[domain.JobStatus]int64{}
	rows, err := r.Pool.Query(ctx, `SELECT status, count(*) FROM job_queue WHERE updated_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, nil, fmt.Errorf("op=report.job_counts: %w", err)
	}
	for rows.Next() {
		var (
			s domain.JobStatus
			n int64
		)
		if err := rows.Scan(&s, &n); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("op=report.job_counts: %w", err)
		}
		byStatus[s] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("op=report.job_counts: %w", err)
	}

	byType := map[domain.JobType]int64{}
	rows, err = r.Pool.Query(ctx, `SELECT type, count(*) FROM job_queue WHERE updated_at >= $1 GROUP BY type`, since)
	if err != nil {
		return nil, nil, fmt.Errorf("op=report.job_counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t domain.JobType
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, nil, fmt.Errorf("op=report.job_counts: %w", err)
		}
		byType[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("op=report.job_counts: %w", err)
	}
	return byStatus, byType, nil
}

// TrialsUpsertedSince counts trials touched since the cutoff per registry.
func (r *ReportRepo) TrialsUpsertedSince(ctx domain.Context, since time.Time) (map[string]int64, error) {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.TrialsUpsertedSince")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT registry, count(*) FROM clinical_trials WHERE updated_at >= $1 GROUP BY registry`, since)
	if err != nil {
		return nil, fmt.Errorf("op=report.trials_upserted: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			registry string
			n        int64
		)
		if err := rows.Scan(&registry, &n); err != nil {
			return nil, fmt.Errorf("op=report.trials_upserted: %w", err)
		}
		out[registry] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=report.trials_upserted: %w", err)
	}
	return out, nil
}
