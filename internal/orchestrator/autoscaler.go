// Package orchestrator owns the control plane: pool autoscaling, the cron
// schedule behind a cluster-singleton gate, and the daily report.
package orchestrator

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// Load thresholds in pending jobs per worker. Above the upper bound the pool
// grows, below the lower bound it sheds 20%.
const (
	scaleUpLoad   = 50.0
	scaleDownLoad = 10.0
)

// Sizer is the in-process pool surface the autoscaler drives.
type Sizer interface {
	Size() int
	Resize(n int) int
}

// Autoscaler resizes the local worker pool from queue depth. Every process
// scales its own pool; no coordination needed since each only adds or sheds
// its own goroutines.
type Autoscaler struct {
	queue domain.QueueRepo
	pool  Sizer
	every time.Duration
}

// NewAutoscaler evaluates queue load every 30 seconds.
func NewAutoscaler(queue domain.QueueRepo, pool Sizer) *Autoscaler {
	return &Autoscaler{queue: queue, pool: pool, every: 30 * time.Second}
}

// Run blocks until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) error {
	t := time.NewTicker(a.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.evaluate(ctx)
		}
	}
}

func (a *Autoscaler) evaluate(ctx domain.Context) {
	pending, err := a.queue.PendingCount(ctx)
	if err != nil {
		slog.Warn("autoscaler depth probe failed", slog.Any("error", err))
		return
	}
	workers := a.pool.Size()
	denom := workers
	if denom < 1 {
		denom = 1
	}
	load := float64(pending) / float64(denom)

	switch {
	case load > scaleUpLoad:
		add := int(math.Ceil(load / scaleUpLoad))
		got := a.pool.Resize(workers + add)
		if got != workers {
			slog.Info("worker pool scaled up",
				slog.Int64("pending", pending),
				slog.Int("from", workers),
				slog.Int("to", got))
		}
	case load < scaleDownLoad:
		drop := workers / 5
		if drop < 1 {
			drop = 1
		}
		got := a.pool.Resize(workers - drop)
		if got != workers {
			slog.Info("worker pool scaled down",
				slog.Int64("pending", pending),
				slog.Int("from", workers),
				slog.Int("to", got))
		}
	}
}
