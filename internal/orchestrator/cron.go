package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// LeaderGate serializes scheduling so one process fires the cron entries.
type LeaderGate interface {
	TryAcquire(ctx domain.Context) (release func(), acquired bool, err error)
}

// Entry is one daily schedule slot. At is local wall clock "HH:MM". Fire
// runs at most once per calendar day: a tick landing past At (including the
// first tick after a restart) fires the entry if it has not fired today.
type Entry struct {
	Name string
	At   string
	Fire func(ctx domain.Context, now time.Time) error

	lastDay string
}

// Cron drives the daily entries on a minute ticker, but only while holding
// scheduler leadership. Enqueued jobs carry per-day dedup keys, so a botched
// leadership handoff degrades to duplicate suppression rather than duplicate
// runs.
type Cron struct {
	gate    LeaderGate
	entries []*Entry
	tick    time.Duration
	retry   time.Duration
	now     func() time.Time
}

// NewCron builds a scheduler over the given entries.
func NewCron(gate LeaderGate, entries []*Entry) *Cron {
	return &Cron{
		gate:    gate,
		entries: entries,
		tick:    time.Minute,
		retry:   30 * time.Second,
		now:     time.Now,
	}
}

// Run blocks until ctx is cancelled. Without leadership it retries the gate;
// with leadership it ticks the schedule until shutdown, then releases.
func (c *Cron) Run(ctx context.Context) error {
	for {
		release, acquired, err := c.gate.TryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("scheduler gate probe failed", slog.Any("error", err))
		}
		if acquired {
			slog.Info("scheduler leadership acquired")
			c.lead(ctx)
			release()
			slog.Info("scheduler leadership released")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retry):
		}
	}
}

func (c *Cron) lead(ctx context.Context) {
	t := time.NewTicker(c.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.tickOnce(ctx, c.now())
		}
	}
}

func (c *Cron) tickOnce(ctx domain.Context, now time.Time) {
	day := now.Format("2006-01-02")
	for _, e := range c.entries {
		due, err := clockToday(e.At, now)
		if err != nil {
			slog.Error("cron entry has a bad schedule", slog.String("entry", e.Name), slog.Any("error", err))
			continue
		}
		if now.Before(due) || e.lastDay == day {
			continue
		}
		e.lastDay = day
		if err := e.Fire(ctx, now); err != nil {
			slog.Error("cron entry failed", slog.String("entry", e.Name), slog.Any("error", err))
			continue
		}
		slog.Info("cron entry fired", slog.String("entry", e.Name), slog.String("at", e.At))
	}
}

// clockToday resolves "HH:MM" to today's occurrence in now's location.
func clockToday(at string, now time.Time) (time.Time, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(at, "%d:%d", &hh, &mm); err != nil {
		return time.Time{}, fmt.Errorf("op=cron.parse_clock: %w: %q is not HH:MM", domain.ErrInvalidArgument, at)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return time.Time{}, fmt.Errorf("op=cron.parse_clock: %w: %q out of range", domain.ErrInvalidArgument, at)
	}
	return time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location()), nil
}

// StandardEntries is the production schedule: nightly incremental scrapes
// for every live-API registry, the dedupe batch, and the daily report.
func StandardEntries(cfg config.Config, queue domain.QueueRepo) []*Entry {
	return []*Entry{
		{Name: "incremental_scrapes", At: cfg.CronIncrementalAt, Fire: fireIncremental(queue)},
		{Name: "dedupe_batch", At: cfg.CronDedupeAt, Fire: fireDedupe(queue, cfg.DedupeBatchSize)},
		{Name: "daily_report", At: cfg.CronReportAt, Fire: fireReport(queue)},
	}
}

func fireIncremental(q domain.QueueRepo) func(domain.Context, time.Time) error {
	return func(ctx domain.Context, now time.Time) error {
		day := now.Format("2006-01-02")
		since := now.AddDate(0, 0, -1).Format("2006-01-02")
		var errs []error
		for _, reg := range domain.APIRegistries {
			payload, err := json.Marshal(domain.ScrapePayload{
				Registry: reg,
				Kind:     string(domain.ScrapeKindIncremental),
				Since:    since,
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if _, err := q.Enqueue(ctx, &domain.QueueJob{
				Type:        domain.JobScrapeIncremental,
				Payload:     payload,
				Priority:    domain.PriorityIncremental,
				Lane:        domain.LaneScrape,
				DedupKey:    "incremental:" + reg + ":" + day,
				MaxAttempts: domain.DefaultMaxAttempts,
			}); err != nil {
				errs = append(errs, fmt.Errorf("op=cron.incremental: %s: %w", reg, err))
			}
		}
		return errors.Join(errs...)
	}
}

func fireDedupe(q domain.QueueRepo, batchSize int) func(domain.Context, time.Time) error {
	return func(ctx domain.Context, now time.Time) error {
		payload, err := json.Marshal(domain.DedupePayload{BatchSize: batchSize})
		if err != nil {
			return err
		}
		if _, err := q.Enqueue(ctx, &domain.QueueJob{
			Type:        domain.JobDedupeBatch,
			Payload:     payload,
			Priority:    domain.PriorityDedupe,
			Lane:        domain.LaneProcess,
			DedupKey:    "dedupe:" + now.Format("2006-01-02"),
			MaxAttempts: domain.DefaultMaxAttempts,
		}); err != nil {
			return fmt.Errorf("op=cron.dedupe: %w", err)
		}
		return nil
	}
}

func fireReport(q domain.QueueRepo) func(domain.Context, time.Time) error {
	return func(ctx domain.Context, now time.Time) error {
		day := now.Format("2006-01-02")
		payload, err := json.Marshal(domain.ReportPayload{Date: day})
		if err != nil {
			return err
		}
		if _, err := q.Enqueue(ctx, &domain.QueueJob{
			Type:        domain.JobDailyReport,
			Payload:     payload,
			Priority:    domain.PriorityReport,
			Lane:        domain.LaneMaintenance,
			DedupKey:    "report:" + day,
			MaxAttempts: domain.DefaultMaxAttempts,
		}); err != nil {
			return fmt.Errorf("op=cron.report: %w", err)
		}
		return nil
	}
}
