package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

type gateStub struct {
	mu       sync.Mutex
	acquired bool
	err      error
	tries    int
	released bool
}

func (g *gateStub) TryAcquire(domain.Context) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tries++
	if g.err != nil || !g.acquired {
		return nil, false, g.err
	}
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.released = true
	}, true, nil
}

func at(hhmm string, day time.Time) time.Time {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
}

func TestCronFiresOncePastSchedule(t *testing.T) {
	fired := 0
	e := &Entry{Name: "nightly", At: "02:00", Fire: func(domain.Context, time.Time) error {
		fired++
		return nil
	}}
	c := NewCron(&gateStub{}, []*Entry{e})

	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	c.tickOnce(context.Background(), at("01:59", day))
	assert.Equal(t, 0, fired, "not due yet")

	c.tickOnce(context.Background(), at("02:00", day))
	assert.Equal(t, 1, fired)

	c.tickOnce(context.Background(), at("02:01", day))
	c.tickOnce(context.Background(), at("23:59", day))
	assert.Equal(t, 1, fired, "at most once per day")

	c.tickOnce(context.Background(), at("02:00", day.AddDate(0, 0, 1)))
	assert.Equal(t, 2, fired, "fires again the next day")
}

func TestCronCatchesUpAfterRestart(t *testing.T) {
	fired := 0
	e := &Entry{Name: "nightly", At: "02:00", Fire: func(domain.Context, time.Time) error {
		fired++
		return nil
	}}
	c := NewCron(&gateStub{}, []*Entry{e})

	// First tick of a process started mid-afternoon.
	c.tickOnce(context.Background(), time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC))
	assert.Equal(t, 1, fired)
}

func TestCronEntryErrorDoesNotStopOthers(t *testing.T) {
	var order []string
	bad := &Entry{Name: "bad", At: "01:00", Fire: func(domain.Context, time.Time) error {
		order = append(order, "bad")
		return errors.New("enqueue refused")
	}}
	good := &Entry{Name: "good", At: "01:00", Fire: func(domain.Context, time.Time) error {
		order = append(order, "good")
		return nil
	}}
	c := NewCron(&gateStub{}, []*Entry{bad, good})

	c.tickOnce(context.Background(), time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC))
	assert.Equal(t, []string{"bad", "good"}, order)
}

func TestCronSkipsMalformedSchedule(t *testing.T) {
	fired := false
	e := &Entry{Name: "broken", At: "25:99x", Fire: func(domain.Context, time.Time) error {
		fired = true
		return nil
	}}
	c := NewCron(&gateStub{}, []*Entry{e})

	c.tickOnce(context.Background(), time.Now())
	assert.False(t, fired)
}

func TestCronRunWaitsForLeadership(t *testing.T) {
	gate := &gateStub{acquired: false}
	c := NewCron(gate, nil)
	c.retry = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		gate.mu.Lock()
		defer gate.mu.Unlock()
		return gate.tries >= 3
	}, 2*time.Second, time.Millisecond, "keeps probing while another process leads")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cron did not stop")
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.False(t, gate.released, "nothing to release without leadership")
}

func TestCronRunReleasesLeadershipOnShutdown(t *testing.T) {
	gate := &gateStub{acquired: true}
	c := NewCron(gate, nil)
	c.tick = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cron did not stop")
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()
	assert.True(t, gate.released)
}

func TestStandardEntriesSchedule(t *testing.T) {
	cfg := config.Config{
		CronIncrementalAt: "02:00",
		CronDedupeAt:      "04:00",
		CronReportAt:      "06:00",
		DedupeBatchSize:   5000,
	}
	entries := StandardEntries(cfg, &queueStub{})
	require.Len(t, entries, 3)
	assert.Equal(t, "incremental_scrapes", entries[0].Name)
	assert.Equal(t, "02:00", entries[0].At)
	assert.Equal(t, "dedupe_batch", entries[1].Name)
	assert.Equal(t, "04:00", entries[1].At)
	assert.Equal(t, "daily_report", entries[2].Name)
	assert.Equal(t, "06:00", entries[2].At)
}

func TestFireIncrementalEnqueuesAllAPIRegistries(t *testing.T) {
	q := &queueStub{}
	now := time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)

	require.NoError(t, fireIncremental(q)(context.Background(), now))
	require.Len(t, q.enqueued, len(domain.APIRegistries))

	seen := map[string]domain.ScrapePayload{}
	for _, job := range q.enqueued {
		assert.Equal(t, domain.JobScrapeIncremental, job.Type)
		assert.Equal(t, domain.PriorityIncremental, job.Priority)
		assert.Equal(t, domain.LaneScrape, job.Lane)
		var p domain.ScrapePayload
		require.NoError(t, json.Unmarshal(job.Payload, &p))
		seen[job.DedupKey] = p
	}
	p, ok := seen["incremental:ctgov:2026-08-25"]
	require.True(t, ok)
	assert.Equal(t, "ctgov", p.Registry)
	assert.Equal(t, "2026-08-24", p.Since)
	assert.Contains(t, seen, "incremental:isrctn:2026-08-25")
	assert.Contains(t, seen, "incremental:ctis:2026-08-25")
}

func TestFireIncrementalJoinsEnqueueErrors(t *testing.T) {
	q := &queueStub{enqErr: errors.New("db down")}
	err := fireIncremental(q)(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ctgov")
	assert.Contains(t, err.Error(), "ctis")
}

func TestFireDedupeCarriesBatchSize(t *testing.T) {
	q := &queueStub{}
	now := time.Date(2026, 8, 25, 4, 0, 0, 0, time.UTC)

	require.NoError(t, fireDedupe(q, 5000)(context.Background(), now))
	require.Len(t, q.enqueued, 1)
	job := q.enqueued[0]
	assert.Equal(t, domain.JobDedupeBatch, job.Type)
	assert.Equal(t, "dedupe:2026-08-25", job.DedupKey)
	assert.Equal(t, domain.LaneProcess, job.Lane)
	var p domain.DedupePayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, 5000, p.BatchSize)
}

func TestFireReportCarriesDate(t *testing.T) {
	q := &queueStub{}
	now := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)

	require.NoError(t, fireReport(q)(context.Background(), now))
	require.Len(t, q.enqueued, 1)
	job := q.enqueued[0]
	assert.Equal(t, domain.JobDailyReport, job.Type)
	assert.Equal(t, "report:2026-08-25", job.DedupKey)
	assert.Equal(t, domain.LaneMaintenance, job.Lane)
	var p domain.ReportPayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, "2026-08-25", p.Date)
}
