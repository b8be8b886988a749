// Package monitor is the pipeline watchdog. On a fixed cadence it returns
// expired job leases to pending, fails scrape runs whose heartbeat went
// silent, refreshes queue gauges and keeps the alert table in sync with the
// conditions it checks.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// rateHighStreak is how many consecutive cycles a registry budget must sit
// above the usage threshold before the alert fires. The monitor interval
// exceeds every budget window, so two readings bracket at least one full
// window.
const rateHighStreak = 2

// RateUsage reports per-registry fetch budget consumption.
type RateUsage interface {
	Usage(registry string) (used, budget int)
}

// Monitor runs the reap and alert cycle.
type Monitor struct {
	queue  domain.QueueRepo
	runs   domain.ScrapeRunRepo
	alerts domain.AlertRepo
	rates  RateUsage

	every time.Duration
	now   func() time.Time

	rateHigh map[string]int
}

// New wires a monitor at the standard cadence.
func New(queue domain.QueueRepo, runs domain.ScrapeRunRepo, alerts domain.AlertRepo, rates RateUsage) *Monitor {
	return &Monitor{
		queue:    queue,
		runs:     runs,
		alerts:   alerts,
		rates:    rates,
		every:    domain.MonitorInterval,
		now:      time.Now,
		rateHigh: map[string]int{},
	}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reap and alert cycle. Each check degrades
// independently: a failing probe logs and leaves its alert state untouched.
func (m *Monitor) RunOnce(ctx domain.Context) {
	m.reapLeases(ctx)
	m.reapStaleRuns(ctx)
	m.checkQueueDepth(ctx)
	m.checkFailureRate(ctx)
	m.checkRateBudgets(ctx)
}

func (m *Monitor) reapLeases(ctx domain.Context) {
	reaped, err := m.queue.ReapExpired(ctx)
	if err != nil {
		slog.Warn("lease reap failed", slog.Any("error", err))
		return
	}
	if reaped == 0 {
		m.resolve(ctx, domain.AlertStaleLease)
		return
	}
	observability.LeasesReapedTotal.Add(float64(reaped))
	slog.Warn("expired leases returned to pending", slog.Int64("count", reaped))
	m.fire(ctx, &domain.Alert{
		Kind:     domain.AlertStaleLease,
		Severity: domain.SeverityHigh,
		Message:  fmt.Sprintf("%d job leases expired and were returned to pending", reaped),
	})
}

func (m *Monitor) reapStaleRuns(ctx domain.Context) {
	cutoff := m.now().UTC().Add(-domain.ScrapeHeartbeatStale)
	stale, err := m.runs.FailStale(ctx, cutoff)
	if err != nil {
		slog.Warn("stale scrape probe failed", slog.Any("error", err))
		return
	}
	if len(stale) == 0 {
		m.resolve(ctx, domain.AlertStaleScrape)
		return
	}
	regs := make([]string, 0, len(stale))
	for _, run := range stale {
		regs = append(regs, run.Registry)
		// The linked queue job is not yanked here; its lease expires on its
		// own and the reaper returns it to pending.
		slog.Warn("scrape run heartbeat stale, marked failed",
			slog.String("run_id", run.ID),
			slog.String("registry", run.Registry),
			slog.String("kind", string(run.Kind)),
			slog.String("queue_job_id", run.QueueJobID))
	}
	m.fire(ctx, &domain.Alert{
		Kind:     domain.AlertStaleScrape,
		Severity: domain.SeverityHigh,
		Message:  fmt.Sprintf("%d scrape runs lost their heartbeat: %s", len(stale), strings.Join(regs, ", ")),
	})
}

func (m *Monitor) checkQueueDepth(ctx domain.Context) {
	stats, err := m.queue.Stats(ctx)
	if err != nil {
		slog.Warn("queue stats probe failed", slog.Any("error", err))
		return
	}
	var depth int64
	perLane := map[string]int64{}
	for _, s := range stats {
		if s.Status != domain.JobPending {
			continue
		}
		perLane[s.Lane] += s.Count
		depth += s.Count
	}
	for _, lane := range []string{domain.LaneScrape, domain.LaneProcess, domain.LaneMaintenance} {
		observability.QueueDepth.WithLabelValues(lane).Set(float64(perLane[lane]))
	}
	if depth <= domain.QueueDepthHighWatermark {
		m.resolve(ctx, domain.AlertQueueDepth)
		return
	}
	m.fire(ctx, &domain.Alert{
		Kind:     domain.AlertQueueDepth,
		Severity: domain.SeverityHigh,
		Message:  fmt.Sprintf("queue depth %d exceeds %d", depth, domain.QueueDepthHighWatermark),
		Labels:   map[string]string{"depth": fmt.Sprintf("%d", depth)},
	})
}

func (m *Monitor) checkFailureRate(ctx domain.Context) {
	failed, completed, err := m.queue.FailureCounts(ctx, time.Hour)
	if err != nil {
		slog.Warn("failure rate probe failed", slog.Any("error", err))
		return
	}
	total := failed + completed
	if total == 0 {
		m.resolve(ctx, domain.AlertFailureRate)
		return
	}
	rate := float64(failed) / float64(total)
	if rate <= domain.FailureRateCritical {
		m.resolve(ctx, domain.AlertFailureRate)
		return
	}
	m.fire(ctx, &domain.Alert{
		Kind:     domain.AlertFailureRate,
		Severity: domain.SeverityCritical,
		Message:  fmt.Sprintf("job failure rate %.0f%% over the last hour (%d of %d)", rate*100, failed, total),
		Labels:   map[string]string{"failed": fmt.Sprintf("%d", failed), "completed": fmt.Sprintf("%d", completed)},
	})
}

func (m *Monitor) checkRateBudgets(ctx domain.Context) {
	if m.rates == nil {
		return
	}
	var sustained []string
	for _, reg := range domain.Registries {
		used, budget := m.rates.Usage(reg)
		if budget <= 0 {
			m.rateHigh[reg] = 0
			continue
		}
		if float64(used)/float64(budget) >= domain.RateLimitUsageHigh {
			m.rateHigh[reg]++
		} else {
			m.rateHigh[reg] = 0
		}
		if m.rateHigh[reg] >= rateHighStreak {
			sustained = append(sustained, reg)
		}
	}
	if len(sustained) == 0 {
		m.resolve(ctx, domain.AlertRateLimitUsage)
		return
	}
	sort.Strings(sustained)
	m.fire(ctx, &domain.Alert{
		Kind:     domain.AlertRateLimitUsage,
		Severity: domain.SeverityMedium,
		Message:  "fetch budgets sustained above 90%: " + strings.Join(sustained, ", "),
	})
}

// fire opens an alert unless one of the kind is already open. The metric and
// log fire only on a fresh insert, so a persisting condition does not spam.
func (m *Monitor) fire(ctx domain.Context, a *domain.Alert) {
	a.ID = ulid.Make().String()
	a.FiredAt = m.now().UTC()
	inserted, err := m.alerts.Fire(ctx, a)
	if err != nil {
		slog.Warn("alert insert failed", slog.String("kind", a.Kind), slog.Any("error", err))
		return
	}
	if !inserted {
		return
	}
	observability.AlertsFiredTotal.WithLabelValues(a.Kind, string(a.Severity)).Inc()
	lg := slog.Warn
	if a.Severity == domain.SeverityCritical {
		lg = slog.Error
	}
	lg("alert fired", slog.String("kind", a.Kind), slog.String("severity", string(a.Severity)), slog.String("message", a.Message))
}

func (m *Monitor) resolve(ctx domain.Context, kind string) {
	resolved, err := m.alerts.Resolve(ctx, kind)
	if err != nil {
		slog.Warn("alert resolve failed", slog.String("kind", kind), slog.Any("error", err))
		return
	}
	if resolved {
		slog.Info("alert resolved", slog.String("kind", kind))
	}
}
