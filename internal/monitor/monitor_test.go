package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

type monQueue struct {
	domain.QueueRepo

	reaped    int64
	reapErr   error
	stats     []domain.QueueLaneStat
	statsErr  error
	failed    int64
	completed int64
	fcErr     error
}

func (q *monQueue) ReapExpired(domain.Context) (int64, error) {
	return q.reaped, q.reapErr
}

func (q *monQueue) Stats(domain.Context) ([]domain.QueueLaneStat, error) {
	return q.stats, q.statsErr
}

func (q *monQueue) FailureCounts(_ domain.Context, _ time.Duration) (int64, int64, error) {
	return q.failed, q.completed, q.fcErr
}

type monRuns struct {
	domain.ScrapeRunRepo

	stale  []domain.ScrapingRun
	err    error
	cutoff time.Time
}

func (r *monRuns) FailStale(_ domain.Context, cutoff time.Time) ([]domain.ScrapingRun, error) {
	r.cutoff = cutoff
	return r.stale, r.err
}

type memAlerts struct {
	open     map[string]domain.Alert
	fired    []domain.Alert
	resolved []string
}

func newMemAlerts() *memAlerts {
	return &memAlerts{open: map[string]domain.Alert{}}
}

func (a *memAlerts) Fire(_ domain.Context, alert *domain.Alert) (bool, error) {
	if _, ok := a.open[alert.Kind]; ok {
		return false, nil
	}
	a.open[alert.Kind] = *alert
	a.fired = append(a.fired, *alert)
	return true, nil
}

func (a *memAlerts) Resolve(_ domain.Context, kind string) (bool, error) {
	if _, ok := a.open[kind]; !ok {
		return false, nil
	}
	delete(a.open, kind)
	a.resolved = append(a.resolved, kind)
	return true, nil
}

func (a *memAlerts) ListOpen(domain.Context) ([]domain.Alert, error) {
	out := make([]domain.Alert, 0, len(a.open))
	for _, al := range a.open {
		out = append(out, al)
	}
	return out, nil
}

func (a *memAlerts) CountFiredSince(domain.Context, time.Time) (int64, error) {
	return int64(len(a.fired)), nil
}

type usageStub map[string][2]int

func (u usageStub) Usage(registry string) (int, int) {
	v := u[registry]
	return v[0], v[1]
}

func testMonitor(q *monQueue, r *monRuns, a *memAlerts, u RateUsage) *Monitor {
	m := New(q, r, a, u)
	m.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }
	return m
}

func TestReapedLeasesFireStaleLeaseAlert(t *testing.T) {
	q := &monQueue{reaped: 3}
	alerts := newMemAlerts()
	m := testMonitor(q, &monRuns{}, alerts, nil)

	m.RunOnce(context.Background())

	al, ok := alerts.open[domain.AlertStaleLease]
	require.True(t, ok)
	assert.Equal(t, domain.SeverityHigh, al.Severity)
	assert.Contains(t, al.Message, "3 job leases expired")
	assert.NotEmpty(t, al.ID)
	assert.False(t, al.FiredAt.IsZero())

	// Clean cycle resolves.
	q.reaped = 0
	m.RunOnce(context.Background())
	assert.NotContains(t, alerts.open, domain.AlertStaleLease)
	assert.Contains(t, alerts.resolved, domain.AlertStaleLease)
}

func TestStaleScrapeRunsAlertAndUseHeartbeatCutoff(t *testing.T) {
	runs := &monRuns{stale: []domain.ScrapingRun{
		{ID: "01A", Registry: "ctgov", Kind: domain.ScrapeKindFull, QueueJobID: "q-1"},
		{ID: "01B", Registry: "ctis", Kind: domain.ScrapeKindIncremental},
	}}
	alerts := newMemAlerts()
	m := testMonitor(&monQueue{}, runs, alerts, nil)

	m.RunOnce(context.Background())

	al, ok := alerts.open[domain.AlertStaleScrape]
	require.True(t, ok)
	assert.Contains(t, al.Message, "ctgov")
	assert.Contains(t, al.Message, "ctis")
	wantCutoff := m.now().UTC().Add(-domain.ScrapeHeartbeatStale)
	assert.Equal(t, wantCutoff, runs.cutoff)
}

func TestQueueDepthAlertFiresAndResolves(t *testing.T) {
	q := &monQueue{stats: []domain.QueueLaneStat{
		{Lane: domain.LaneScrape, Status: domain.JobPending, Count: 9000},
		{Lane: domain.LaneProcess, Status: domain.JobPending, Count: 2000},
		{Lane: domain.LaneProcess, Status: domain.JobProcessing, Count: 500},
	}}
	alerts := newMemAlerts()
	m := testMonitor(q, &monRuns{}, alerts, nil)

	m.RunOnce(context.Background())

	al, ok := alerts.open[domain.AlertQueueDepth]
	require.True(t, ok, "9000+2000 pending exceeds the watermark; processing rows do not count")
	assert.Equal(t, domain.SeverityHigh, al.Severity)
	assert.Equal(t, "11000", al.Labels["depth"])

	q.stats = []domain.QueueLaneStat{{Lane: domain.LaneScrape, Status: domain.JobPending, Count: 10}}
	m.RunOnce(context.Background())
	assert.NotContains(t, alerts.open, domain.AlertQueueDepth)
}

func TestFailureRateAlert(t *testing.T) {
	q := &monQueue{failed: 20, completed: 100}
	alerts := newMemAlerts()
	m := testMonitor(q, &monRuns{}, alerts, nil)

	m.RunOnce(context.Background())

	al, ok := alerts.open[domain.AlertFailureRate]
	require.True(t, ok, "20/120 is past the 10%% threshold")
	assert.Equal(t, domain.SeverityCritical, al.Severity)
	assert.Equal(t, "20", al.Labels["failed"])

	q.failed, q.completed = 5, 95
	m.RunOnce(context.Background())
	assert.NotContains(t, alerts.open, domain.AlertFailureRate)
}

func TestFailureRateIgnoresEmptyHour(t *testing.T) {
	alerts := newMemAlerts()
	m := testMonitor(&monQueue{}, &monRuns{}, alerts, nil)

	m.RunOnce(context.Background())
	assert.NotContains(t, alerts.open, domain.AlertFailureRate)
}

func TestRateBudgetAlertNeedsSustainedUsage(t *testing.T) {
	u := usageStub{"ctgov": {95, 100}}
	alerts := newMemAlerts()
	m := testMonitor(&monQueue{}, &monRuns{}, alerts, u)

	m.RunOnce(context.Background())
	assert.NotContains(t, alerts.open, domain.AlertRateLimitUsage, "one high reading is not sustained")

	m.RunOnce(context.Background())
	al, ok := alerts.open[domain.AlertRateLimitUsage]
	require.True(t, ok, "two consecutive high readings bracket a full window")
	assert.Equal(t, domain.SeverityMedium, al.Severity)
	assert.Contains(t, al.Message, "ctgov")

	u["ctgov"] = [2]int{10, 100}
	m.RunOnce(context.Background())
	assert.NotContains(t, alerts.open, domain.AlertRateLimitUsage)

	// Streak restarts from zero after the dip.
	u["ctgov"] = [2]int{99, 100}
	m.RunOnce(context.Background())
	assert.NotContains(t, alerts.open, domain.AlertRateLimitUsage)
}

func TestPersistentConditionFiresOnce(t *testing.T) {
	q := &monQueue{stats: []domain.QueueLaneStat{
		{Lane: domain.LaneScrape, Status: domain.JobPending, Count: 50000},
	}}
	alerts := newMemAlerts()
	m := testMonitor(q, &monRuns{}, alerts, nil)

	m.RunOnce(context.Background())
	m.RunOnce(context.Background())
	m.RunOnce(context.Background())

	count := 0
	for _, al := range alerts.fired {
		if al.Kind == domain.AlertQueueDepth {
			count++
		}
	}
	assert.Equal(t, 1, count, "open alerts are not re-fired")
}

func TestProbeFailureLeavesAlertStateAlone(t *testing.T) {
	q := &monQueue{reaped: 2}
	alerts := newMemAlerts()
	m := testMonitor(q, &monRuns{}, alerts, nil)

	m.RunOnce(context.Background())
	require.Contains(t, alerts.open, domain.AlertStaleLease)

	q.reaped = 0
	q.reapErr = errors.New("connection reset")
	m.RunOnce(context.Background())
	assert.Contains(t, alerts.open, domain.AlertStaleLease,
		"a failing probe neither fires nor resolves")
}
