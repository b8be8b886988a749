package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

type failRec struct {
	jobID string
	msg   string
}

type fakeQueue struct {
	domain.QueueRepo

	mu         sync.Mutex
	pending    []*domain.QueueJob
	leased     []string
	completed  []string
	failed     []failRec
	permanent  []failRec
	heartbeats int
	hbErr      error
}

func (q *fakeQueue) push(j *domain.QueueJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, j)
}

func (q *fakeQueue) Lease(_ domain.Context, _ []string, workerID string, n int) ([]*domain.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.pending) == 0 {
		return nil, nil
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	j.Status = domain.JobProcessing
	j.LeasedBy = workerID
	q.leased = append(q.leased, j.ID)
	return []*domain.QueueJob{j}, nil
}

func (q *fakeQueue) Heartbeat(_ domain.Context, _, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	return q.hbErr
}

func (q *fakeQueue) Complete(_ domain.Context, jobID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *fakeQueue) Fail(_ domain.Context, jobID, _, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, failRec{jobID: jobID, msg: errMsg})
	return nil
}

func (q *fakeQueue) FailPermanent(_ domain.Context, jobID, _, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.permanent = append(q.permanent, failRec{jobID: jobID, msg: errMsg})
	return nil
}

func (q *fakeQueue) completedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.completed...)
}

func (q *fakeQueue) failures() []failRec {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]failRec(nil), q.failed...)
}

func (q *fakeQueue) permanentFailures() []failRec {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]failRec(nil), q.permanent...)
}

func (q *fakeQueue) heartbeatCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heartbeats
}

type fakeRegistry struct {
	mu         sync.Mutex
	upserts    []domain.WorkerInfo
	heartbeats []int
	removed    []string
}

func (r *fakeRegistry) Upsert(_ domain.Context, w *domain.WorkerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, *w)
	return nil
}

func (r *fakeRegistry) Heartbeat(_ domain.Context, _ string, size int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats = append(r.heartbeats, size)
	return nil
}

func (r *fakeRegistry) Remove(_ domain.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, workerID)
	return nil
}

func (r *fakeRegistry) List(_ domain.Context) ([]domain.WorkerInfo, error) {
	return nil, nil
}

func (r *fakeRegistry) removedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func testPool(q *fakeQueue, reg *fakeRegistry, min, max int) *Pool {
	p := NewPool(config.Config{
		WorkersMin:  min,
		WorkersMax:  max,
		WorkerLanes: []string{domain.LaneScrape, domain.LaneProcess, domain.LaneMaintenance},
	}, q, reg)
	p.leaseEvery = 2 * time.Millisecond
	p.heartbeatEvery = 5 * time.Millisecond
	p.drainTimeout = 500 * time.Millisecond
	return p
}

// startPool runs the pool in the background and returns a stop func that
// cancels it and waits for Run to return.
func startPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func job(id string, typ domain.JobType) *domain.QueueJob {
	return &domain.QueueJob{
		ID:          id,
		Type:        typ,
		Lane:        domain.LaneFor(typ),
		Status:      domain.JobPending,
		MaxAttempts: domain.DefaultMaxAttempts,
	}
}

func TestPoolProcessesJob(t *testing.T) {
	q := &fakeQueue{}
	q.push(job("job-1", domain.JobMatchPatient))
	reg := &fakeRegistry{}
	p := testPool(q, reg, 1, 4)

	handled := make(chan string, 1)
	p.Register(domain.JobMatchPatient, func(_ domain.Context, j *domain.QueueJob) error {
		handled <- j.ID
		return nil
	})
	stop := startPool(t, p)

	select {
	case id := <-handled:
		assert.Equal(t, "job-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job never dispatched")
	}
	require.Eventually(t, func() bool {
		return len(q.completedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"job-1"}, q.completedIDs())
	assert.Empty(t, q.failures())
}

func TestPoolFailsJobOnHandlerError(t *testing.T) {
	q := &fakeQueue{}
	q.push(job("job-1", domain.JobEnrichTrials))
	p := testPool(q, &fakeRegistry{}, 1, 2)
	p.Register(domain.JobEnrichTrials, func(domain.Context, *domain.QueueJob) error {
		return errors.New("embed budget exhausted")
	})
	stop := startPool(t, p)

	require.Eventually(t, func() bool {
		return len(q.failures()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	fr := q.failures()[0]
	assert.Equal(t, "job-1", fr.jobID)
	assert.Equal(t, "embed budget exhausted", fr.msg)
	assert.Empty(t, q.completedIDs())
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	q := &fakeQueue{}
	q.push(job("job-1", domain.JobDedupeBatch))
	q.push(job("job-2", domain.JobDedupeBatch))
	p := testPool(q, &fakeRegistry{}, 1, 2)

	var calls int
	var mu sync.Mutex
	p.Register(domain.JobDedupeBatch, func(domain.Context, *domain.QueueJob) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("nil verdict")
		}
		return nil
	})
	stop := startPool(t, p)

	// The worker survives the panic and picks up the next job.
	require.Eventually(t, func() bool {
		return len(q.completedIDs()) == 1 && len(q.failures()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	fr := q.failures()[0]
	assert.Equal(t, "job-1", fr.jobID)
	assert.Contains(t, fr.msg, "panic: nil verdict")
	assert.Contains(t, fr.msg, "goroutine")
	assert.Equal(t, []string{"job-2"}, q.completedIDs())
}

func TestPoolUnknownTypeFailsPermanently(t *testing.T) {
	q := &fakeQueue{}
	q.push(job("job-1", domain.JobType("made_up")))
	p := testPool(q, &fakeRegistry{}, 1, 2)
	stop := startPool(t, p)

	require.Eventually(t, func() bool {
		return len(q.permanentFailures()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	pf := q.permanentFailures()[0]
	assert.Equal(t, "job-1", pf.jobID)
	assert.Contains(t, pf.msg, "no handler registered")
	assert.Contains(t, pf.msg, "made_up")
	assert.Empty(t, q.failures(), "unknown types skip the retry schedule")
}

func TestPoolParksInvalidPayloadPermanently(t *testing.T) {
	q := &fakeQueue{}
	badJob := job("job-1", domain.JobScrapeFull)
	badJob.Payload = []byte(`{"registry":`)
	q.push(badJob)
	p := testPool(q, &fakeRegistry{}, 1, 2)
	p.Register(domain.JobScrapeFull, scrapeFullHandler(&stubScraper{}))
	stop := startPool(t, p)

	require.Eventually(t, func() bool {
		return len(q.permanentFailures()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.Contains(t, q.permanentFailures()[0].msg, "invalid argument")
	assert.Empty(t, q.failures(), "retrying an unparseable payload is pointless")
}

func TestPoolResizeClampsToBounds(t *testing.T) {
	q := &fakeQueue{}
	p := testPool(q, &fakeRegistry{}, 2, 5)
	stop := startPool(t, p)
	defer stop()

	require.Eventually(t, func() bool { return p.Size() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 5, p.Resize(50))
	assert.Equal(t, 5, p.Size())
	assert.Equal(t, 2, p.Resize(0))
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, 3, p.Resize(3))
}

func TestPoolResizeBeforeRunIsNoop(t *testing.T) {
	p := testPool(&fakeQueue{}, &fakeRegistry{}, 1, 4)
	assert.Equal(t, 0, p.Resize(3))
	assert.Equal(t, 0, p.Size())
}

func TestPoolDrainWaitsForInflightJob(t *testing.T) {
	q := &fakeQueue{}
	q.push(job("job-1", domain.JobScrapeIncremental))
	p := testPool(q, &fakeRegistry{}, 1, 2)

	started := make(chan struct{})
	p.Register(domain.JobScrapeIncremental, func(ctx domain.Context, _ *domain.QueueJob) error {
		close(started)
		select {
		case <-time.After(50 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	stop := startPool(t, p)

	<-started
	stop()

	assert.Equal(t, []string{"job-1"}, q.completedIDs(), "shutdown waited for the in-flight job")
	assert.Empty(t, q.failures())
}

func TestPoolHeartbeatsLeaseDuringLongJob(t *testing.T) {
	q := &fakeQueue{}
	q.push(job("job-1", domain.JobScrapeFull))
	p := testPool(q, &fakeRegistry{}, 1, 2)
	p.Register(domain.JobScrapeFull, func(ctx domain.Context, _ *domain.QueueJob) error {
		select {
		case <-time.After(60 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	stop := startPool(t, p)

	require.Eventually(t, func() bool {
		return len(q.completedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	assert.GreaterOrEqual(t, q.heartbeatCount(), 1, "long jobs renew their lease")
}

func TestPoolLostLeaseCancelsHandler(t *testing.T) {
	q := &fakeQueue{hbErr: domain.ErrJobOwnershipLost}
	q.push(job("job-1", domain.JobScrapeFull))
	p := testPool(q, &fakeRegistry{}, 1, 2)

	res := make(chan error, 1)
	p.Register(domain.JobScrapeFull, func(ctx domain.Context, _ *domain.QueueJob) error {
		<-ctx.Done()
		res <- ctx.Err()
		return ctx.Err()
	})
	stop := startPool(t, p)

	select {
	case err := <-res:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not cancelled after losing its lease")
	}
	require.Eventually(t, func() bool {
		return len(q.failures()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()
	assert.Empty(t, q.completedIDs())
}

func TestPoolRegistryLifecycle(t *testing.T) {
	q := &fakeQueue{}
	reg := &fakeRegistry{}
	p := testPool(q, reg, 2, 4)
	stop := startPool(t, p)

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.upserts) == 1 && len(reg.heartbeats) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	reg.mu.Lock()
	info := reg.upserts[0]
	reg.mu.Unlock()
	assert.Equal(t, p.ID(), info.ID)
	assert.Equal(t, []string{domain.LaneScrape, domain.LaneProcess, domain.LaneMaintenance}, info.Lanes)
	assert.Equal(t, 2, info.Size)
	assert.Equal(t, []string{p.ID()}, reg.removedIDs())
}
