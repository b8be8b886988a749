package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

type queueStub struct {
	domain.QueueRepo

	mu       sync.Mutex
	pending  int64
	countErr error
	enqueued []*domain.QueueJob
	enqErr   error
}

func (q *queueStub) PendingCount(domain.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending, q.countErr
}

func (q *queueStub) Enqueue(_ domain.Context, job *domain.QueueJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqErr != nil {
		return "", q.enqErr
	}
	q.enqueued = append(q.enqueued, job)
	return "id-" + job.DedupKey, nil
}

type sizerStub struct {
	size    int
	resized []int
}

func (s *sizerStub) Size() int { return s.size }

func (s *sizerStub) Resize(n int) int {
	s.resized = append(s.resized, n)
	s.size = n
	return n
}

func TestAutoscalerScalesUpUnderLoad(t *testing.T) {
	q := &queueStub{pending: 600}
	pool := &sizerStub{size: 2}
	a := NewAutoscaler(q, pool)

	a.evaluate(context.Background())

	// load 300 => add ceil(300/50) = 6 workers.
	assert.Equal(t, []int{8}, pool.resized)
}

func TestAutoscalerShedsWhenIdle(t *testing.T) {
	q := &queueStub{pending: 5}
	pool := &sizerStub{size: 10}
	a := NewAutoscaler(q, pool)

	a.evaluate(context.Background())

	// load 0.5 => shed 20%.
	assert.Equal(t, []int{8}, pool.resized)
}

func TestAutoscalerShedsAtLeastOne(t *testing.T) {
	q := &queueStub{pending: 0}
	pool := &sizerStub{size: 3}
	a := NewAutoscaler(q, pool)

	a.evaluate(context.Background())

	assert.Equal(t, []int{2}, pool.resized)
}

func TestAutoscalerHoldsSteadyInBand(t *testing.T) {
	q := &queueStub{pending: 100}
	pool := &sizerStub{size: 5}
	a := NewAutoscaler(q, pool)

	a.evaluate(context.Background())

	assert.Empty(t, pool.resized, "load 20 is inside the steady band")
}

func TestAutoscalerSurvivesDepthProbeFailure(t *testing.T) {
	q := &queueStub{countErr: errors.New("connection refused")}
	pool := &sizerStub{size: 5}
	a := NewAutoscaler(q, pool)

	a.evaluate(context.Background())

	assert.Empty(t, pool.resized)
}

func TestAutoscalerHandlesEmptyPool(t *testing.T) {
	q := &queueStub{pending: 120}
	pool := &sizerStub{size: 0}
	a := NewAutoscaler(q, pool)

	a.evaluate(context.Background())

	// Denominator clamps to 1: load 120 => add 3.
	assert.Equal(t, []int{3}, pool.resized)
}
