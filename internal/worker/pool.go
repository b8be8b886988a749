// Package worker runs the durable-queue consumers. A Pool keeps between Min
// and Max goroutines leasing jobs from its lanes and dispatching them to
// registered handlers; the orchestrator's autoscaler moves the size between
// the bounds at runtime.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// Handler processes one leased job. A nil return completes the job; an error
// sends it through the retry schedule until the attempt cap parks it.
type Handler func(ctx domain.Context, job *domain.QueueJob) error

// Pool is one worker-pool process registration. Jobs run under a context
// that survives shutdown until the drain timeout, so in-flight work finishes
// instead of being killed mid-upsert.
type Pool struct {
	queue    domain.QueueRepo
	registry domain.WorkerRegistryRepo
	handlers map[domain.JobType]Handler

	id       string
	hostname string
	lanes    []string
	min, max int

	// Timing fields are overridable so tests do not sleep wall-clock
	// intervals.
	leaseEvery     time.Duration
	heartbeatEvery time.Duration
	drainTimeout   time.Duration

	mu      sync.Mutex
	workers []chan struct{}
	loopCtx context.Context
	jobCtx  context.Context
	started bool
	wg      sync.WaitGroup
}

// NewPool constructs a pool sized by the worker bounds in cfg. Handlers are
// wired with Register before Run.
func NewPool(cfg config.Config, queue domain.QueueRepo, registry domain.WorkerRegistryRepo) *Pool {
	host, _ := os.Hostname()
	return &Pool{
		queue:          queue,
		registry:       registry,
		handlers:       map[domain.JobType]Handler{},
		id:             host + "-" + ulid.Make().String(),
		hostname:       host,
		lanes:          cfg.WorkerLanes,
		min:            cfg.WorkersMin,
		max:            cfg.WorkersMax,
		leaseEvery:     time.Second,
		heartbeatEvery: 30 * time.Second,
		drainTimeout:   30 * time.Second,
	}
}

// ID returns the pool's worker identifier as stored in leases.
func (p *Pool) ID() string { return p.id }

// Register wires a handler for a job type. Call before Run.
func (p *Pool) Register(t domain.JobType, h Handler) { p.handlers[t] = h }

// Run starts Min workers and blocks until ctx is cancelled, then drains:
// workers stop leasing, in-flight jobs get drainTimeout to finish, stragglers
// are cancelled and their leases left to the reaper.
func (p *Pool) Run(ctx context.Context) error {
	jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer jobCancel()

	p.mu.Lock()
	p.loopCtx = ctx
	p.jobCtx = jobCtx
	p.started = true
	p.mu.Unlock()

	now := time.Now().UTC()
	if err := p.registry.Upsert(ctx, &domain.WorkerInfo{
		ID:          p.id,
		Hostname:    p.hostname,
		Lanes:       p.lanes,
		Size:        p.min,
		StartedAt:   now,
		HeartbeatAt: now,
	}); err != nil {
		slog.Warn("worker pool registration failed", slog.String("worker_id", p.id), slog.Any("error", err))
	}
	p.Resize(p.min)
	slog.Info("worker pool started",
		slog.String("worker_id", p.id),
		slog.Any("lanes", p.lanes),
		slog.Int("size", p.Size()))

	hb := time.NewTicker(p.heartbeatEvery)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return p.drain(jobCancel)
		case <-hb.C:
			if err := p.registry.Heartbeat(ctx, p.id, p.Size()); err != nil {
				slog.Warn("worker pool heartbeat failed", slog.String("worker_id", p.id), slog.Any("error", err))
			}
		}
	}
}

func (p *Pool) drain(jobCancel context.CancelFunc) error {
	slog.Info("worker pool draining", slog.String("worker_id", p.id), slog.Int("size", p.Size()))
	p.mu.Lock()
	for _, stop := range p.workers {
		close(stop)
	}
	p.workers = nil
	p.started = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.drainTimeout):
		slog.Warn("drain timeout, cancelling in-flight jobs", slog.String("worker_id", p.id))
		jobCancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Error("workers unresponsive after cancel; leases expire via the reaper", slog.String("worker_id", p.id))
		}
	}

	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.registry.Remove(rctx, p.id); err != nil {
		slog.Warn("worker pool deregistration failed", slog.String("worker_id", p.id), slog.Any("error", err))
	}
	observability.WorkerPoolSize.Set(0)
	slog.Info("worker pool stopped", slog.String("worker_id", p.id))
	return nil
}

// Resize moves the pool to n workers, clamped to [Min, Max], and returns the
// resulting size. Shrinking retires workers between jobs: a retired worker
// finishes its current job and exits instead of leasing another.
func (p *Pool) Resize(n int) int {
	if n < p.min {
		n = p.min
	}
	if n > p.max {
		n = p.max
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return len(p.workers)
	}
	for len(p.workers) < n {
		stop := make(chan struct{})
		p.workers = append(p.workers, stop)
		p.wg.Add(1)
		go p.runWorker(p.loopCtx, p.jobCtx, stop)
	}
	for len(p.workers) > n {
		last := len(p.workers) - 1
		close(p.workers[last])
		p.workers = p.workers[:last]
	}
	observability.WorkerPoolSize.Set(float64(len(p.workers)))
	return len(p.workers)
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) runWorker(loopCtx, jobCtx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-stop:
			return
		default:
		}
		jobs, err := p.queue.Lease(loopCtx, p.lanes, p.id, 1)
		if err != nil {
			if loopCtx.Err() != nil {
				return
			}
			slog.Warn("job lease failed", slog.String("worker_id", p.id), slog.Any("error", err))
			p.idle(loopCtx, stop)
			continue
		}
		if len(jobs) == 0 {
			p.idle(loopCtx, stop)
			continue
		}
		p.process(jobCtx, jobs[0])
	}
}

// idle sleeps a jittered lease interval (0.5x to 1.5x) so pools do not
// synchronize their polling.
func (p *Pool) idle(ctx context.Context, stop <-chan struct{}) {
	t := time.NewTimer(p.leaseEvery/2 + rand.N(p.leaseEvery))
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-stop:
	}
}

func (p *Pool) process(ctx context.Context, job *domain.QueueJob) {
	lg := slog.Default().With(
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.String("lane", job.Lane),
		slog.Int("attempt", job.Attempts+1))
	ctx = observability.ContextWithLogger(ctx, lg)

	handler, ok := p.handlers[job.Type]
	if !ok {
		lg.Error("no handler registered")
		if err := p.queue.FailPermanent(ctx, job.ID, p.id, "no handler registered for type "+string(job.Type)); err != nil {
			lg.Warn("permanent failure not recorded", slog.Any("error", err))
		}
		return
	}

	jobType := string(job.Type)
	observability.StartProcessingJob(jobType)
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go p.jobHeartbeat(runCtx, job.ID, cancel, hbDone)

	err := p.invoke(runCtx, handler, job)
	close(hbDone)
	elapsed := time.Since(start)

	if err != nil {
		observability.FailJob(jobType, elapsed)
		lg.Error("job failed", slog.Duration("elapsed", elapsed), slog.Any("error", err))
		if errors.Is(err, domain.ErrInvalidArgument) {
			// Deterministic failure; retrying cannot change the payload.
			if ferr := p.queue.FailPermanent(ctx, job.ID, p.id, truncateErr(err)); ferr != nil {
				lg.Warn("permanent failure not recorded", slog.Any("error", ferr))
			}
			return
		}
		if ferr := p.queue.Fail(ctx, job.ID, p.id, truncateErr(err)); ferr != nil {
			lg.Warn("job failure not recorded", slog.Any("error", ferr))
		}
		return
	}
	observability.CompleteJob(jobType, elapsed)
	lg.Info("job completed", slog.Duration("elapsed", elapsed))
	if cerr := p.queue.Complete(ctx, job.ID, p.id); cerr != nil {
		lg.Warn("job completion not recorded", slog.Any("error", cerr))
	}
}

// jobHeartbeat extends the lease until the handler returns. A lost lease
// cancels the handler: another worker owns the job now, finishing here would
// double-apply it.
func (p *Pool) jobHeartbeat(ctx context.Context, jobID string, cancel context.CancelFunc, done <-chan struct{}) {
	t := time.NewTicker(p.heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.queue.Heartbeat(ctx, jobID, p.id); err != nil {
				if errors.Is(err, domain.ErrJobOwnershipLost) {
					observability.LoggerFromContext(ctx).Warn("job lease lost, cancelling handler", slog.String("job_id", jobID))
					cancel()
					return
				}
				observability.LoggerFromContext(ctx).Warn("job heartbeat failed", slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
}

// invoke runs the handler, converting panics into errors so one bad job
// cannot take the worker down.
func (p *Pool) invoke(ctx domain.Context, h Handler, job *domain.QueueJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, stackSnippet())
		}
	}()
	return h(ctx, job)
}

func stackSnippet() string {
	s := debug.Stack()
	if len(s) > 2048 {
		s = s[:2048]
	}
	return string(s)
}

// truncateErr bounds stored error text; panic errors carry stack snippets.
func truncateErr(err error) string {
	msg := err.Error()
	if len(msg) > 4096 {
		msg = msg[:4096]
	}
	return msg
}
