package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// ReportBuilder aggregates the trailing 24 hours of pipeline activity into
// one DailyReport row and a reports.daily event.
type ReportBuilder struct {
	reports domain.ReportRepo
	queue   domain.QueueRepo
	dedup   domain.DedupRepo
	alerts  domain.AlertRepo
	workers domain.WorkerRegistryRepo
	events  domain.EventPublisher
}

// NewReportBuilder wires the aggregation sources.
func NewReportBuilder(
	reports domain.ReportRepo,
	queue domain.QueueRepo,
	dedup domain.DedupRepo,
	alerts domain.AlertRepo,
	workers domain.WorkerRegistryRepo,
	events domain.EventPublisher,
) *ReportBuilder {
	return &ReportBuilder{
		reports: reports,
		queue:   queue,
		dedup:   dedup,
		alerts:  alerts,
		workers: workers,
		events:  events,
	}
}

// BuildAndPublish assembles the report for date, persists it and publishes
// the daily event. Any aggregation failure aborts; the queue retries the job.
func (b *ReportBuilder) BuildAndPublish(ctx domain.Context, date time.Time) error {
	since := date.Add(-24 * time.Hour)

	byStatus, byType, err := b.reports.JobCounts(ctx, since)
	if err != nil {
		return fmt.Errorf("op=report.job_counts: %w", err)
	}
	trials, err := b.reports.TrialsUpsertedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("op=report.trials_upserted: %w", err)
	}
	dups, err := b.dedup.CountByVerdict(ctx, since)
	if err != nil {
		return fmt.Errorf("op=report.dups_by_verdict: %w", err)
	}
	fired, err := b.alerts.CountFiredSince(ctx, since)
	if err != nil {
		return fmt.Errorf("op=report.alerts_fired: %w", err)
	}
	open, err := b.alerts.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("op=report.open_alerts: %w", err)
	}
	depth, err := b.queue.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("op=report.queue_depth: %w", err)
	}
	pools, err := b.workers.List(ctx)
	if err != nil {
		return fmt.Errorf("op=report.workers: %w", err)
	}
	workers := 0
	for _, p := range pools {
		workers += p.Size
	}

	r := &domain.DailyReport{
		Date:             date.Truncate(24 * time.Hour),
		JobsByStatus:     byStatus,
		JobsByType:       byType,
		TrialsByRegistry: trials,
		DupsByVerdict:    dups,
		AlertsFired:      fired,
		OpenAlerts:       int64(len(open)),
		QueueDepth:       depth,
		Workers:          workers,
	}
	if err := b.reports.SaveDailyReport(ctx, r); err != nil {
		return fmt.Errorf("op=report.save: %w", err)
	}
	b.events.ReportPublished(ctx, r)

	var upserted int64
	for _, n := range trials {
		upserted += n
	}
	slog.Info("daily report published",
		slog.String("date", r.Date.Format("2006-01-02")),
		slog.Int64("jobs_completed", byStatus[domain.JobCompleted]),
		slog.Int64("jobs_failed", byStatus[domain.JobFailed]),
		slog.Int64("trials_upserted", upserted),
		slog.Int64("alerts_fired", fired),
		slog.Int64("queue_depth", depth),
		slog.Int("workers", workers))
	return nil
}
