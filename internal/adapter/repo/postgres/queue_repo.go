package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// QueueRepo is the Postgres backing of the durable job queue. Leasing uses
// FOR UPDATE SKIP LOCKED so concurrent workers never double-claim a job.
type QueueRepo struct{ Pool PgxPool }

// NewQueueRepo constructs a QueueRepo with the given pool.
func NewQueueRepo(p PgxPool) *QueueRepo { return &QueueRepo{Pool: p} }

const jobColumns = `id, type, payload, priority, lane, status, attempts, max_attempts, COALESCE(dedup_key, ''), scheduled_for, leased_until, leased_by, last_error, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*domain.QueueJob, error) {
	var (
		j       domain.QueueJob
		payload []byte
	)
	err := row.Scan(&j.ID, &j.Type, &payload, &j.Priority, &j.Lane, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.DedupKey, &j.ScheduledFor, &j.LeasedUntil, &j.LeasedBy, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

// Enqueue persists a pending job and returns its id. Jobs carrying a dedup
// key collide with the partial unique index over active rows; on collision
// the existing job's id is returned instead of inserting a duplicate.
func (r *QueueRepo) Enqueue(ctx domain.Context, job *domain.QueueJob) (string, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	lane := job.Lane
	if lane == "" {
		lane = domain.LaneFor(job.Type)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	scheduled := job.ScheduledFor
	if scheduled.IsZero() {
		scheduled = time.Now().UTC()
	}
	var dedup *string
	if job.DedupKey != "" {
		dedup = &job.DedupKey
	}
	q := `INSERT INTO job_queue (id, type, payload, priority, lane, status, attempts, max_attempts, dedup_key, scheduled_for)
	VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$7,$8)`
	if _, err := r.Pool.Exec(ctx, q, id, job.Type, payload, job.Priority, lane, maxAttempts, dedup, scheduled); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			row := r.Pool.QueryRow(ctx, `SELECT id FROM job_queue WHERE dedup_key=$1 AND status IN ('pending','processing') LIMIT 1`, job.DedupKey)
			var existing string
			if scanErr := row.Scan(&existing); scanErr == nil {
				return existing, nil
			}
			return "", fmt.Errorf("op=queue.enqueue: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.EnqueueJob(string(job.Type))
	return id, nil
}

// Lease claims up to n runnable jobs in the given lanes, highest priority
// first, FIFO within a priority. Claimed jobs get a lease of
// domain.LeaseDuration that Heartbeat extends.
func (r *QueueRepo) Lease(ctx domain.Context, lanes []string, workerID string, n int) ([]*domain.QueueJob, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Lease")
	defer span.End()
	if n <= 0 {
		return nil, nil
	}
	q := `WITH picked AS (
		SELECT id FROM job_queue
		WHERE status='pending' AND scheduled_for <= now() AND lane = ANY($1)
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	UPDATE job_queue j
	SET status='processing', leased_by=$3, leased_until=now() + make_interval(secs => $4), updated_at=now()
	FROM picked WHERE j.id = picked.id
	RETURNING j.id, j.type, j.payload, j.priority, j.lane, j.status, j.attempts, j.max_attempts, COALESCE(j.dedup_key, ''),
		j.scheduled_for, j.leased_until, j.leased_by, j.last_error, j.created_at, j.updated_at, j.completed_at`
	rows, err := r.Pool.Query(ctx, q, lanes, n, workerID, domain.LeaseDuration.Seconds())
	if err != nil {
		return nil, fmt.Errorf("op=queue.lease: %w", err)
	}
	defer rows.Close()
	var jobs []*domain.QueueJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=queue.lease: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.lease: %w", err)
	}
	// RETURNING has no defined order; restore lease order for callers.
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return jobs, nil
}

// Heartbeat extends the lease for a job the worker still owns.
func (r *QueueRepo) Heartbeat(ctx domain.Context, jobID, workerID string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Heartbeat")
	defer span.End()
	q := `UPDATE job_queue SET leased_until=now() + make_interval(secs => $3), updated_at=now()
	WHERE id=$1 AND leased_by=$2 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, domain.LeaseDuration.Seconds())
	if err != nil {
		return fmt.Errorf("op=queue.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.heartbeat: %w", domain.ErrJobOwnershipLost)
	}
	return nil
}

// Complete marks a job done. The ownership check keeps a worker whose lease
// was reaped and re-claimed from completing somebody else's attempt.
func (r *QueueRepo) Complete(ctx domain.Context, jobID, workerID string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Complete")
	defer span.End()
	q := `UPDATE job_queue SET status='completed', leased_until=NULL, completed_at=now(), updated_at=now()
	WHERE id=$1 AND leased_by=$2 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID)
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.complete: %w", domain.ErrJobOwnershipLost)
	}
	return nil
}

// Fail records the error on an owned job. Below the attempt cap the job goes
// back to pending with a jittered backoff schedule; at the cap it is parked
// as terminally failed.
func (r *QueueRepo) Fail(ctx domain.Context, jobID, workerID, errMsg string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Fail")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT attempts, max_attempts FROM job_queue WHERE id=$1 AND leased_by=$2 AND status='processing'`, jobID, workerID)
	var attempts, maxAttempts int
	if err := row.Scan(&attempts, &maxAttempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=queue.fail: %w", domain.ErrJobOwnershipLost)
		}
		return fmt.Errorf("op=queue.fail: %w", err)
	}
	attempts++
	var (
		tag pgconn.CommandTag
		err error
	)
	if attempts >= maxAttempts {
		q := `UPDATE job_queue SET status='failed', attempts=$3, last_error=$4, leased_until=NULL, completed_at=now(), updated_at=now()
		WHERE id=$1 AND leased_by=$2 AND status='processing'`
		tag, err = r.Pool.Exec(ctx, q, jobID, workerID, attempts, errMsg)
	} else {
		q := `UPDATE job_queue SET status='pending', attempts=$3, last_error=$4, leased_until=NULL, leased_by='',
		scheduled_for=now() + make_interval(secs => $5), updated_at=now()
		WHERE id=$1 AND leased_by=$2 AND status='processing'`
		tag, err = r.Pool.Exec(ctx, q, jobID, workerID, attempts, errMsg, retryDelay(attempts).Seconds())
	}
	if err != nil {
		return fmt.Errorf("op=queue.fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.fail: %w", domain.ErrJobOwnershipLost)
	}
	return nil
}

// FailPermanent parks an owned job as terminally failed regardless of its
// remaining attempts. Used for jobs a retry cannot fix (no handler
// registered, unparseable payload).
func (r *QueueRepo) FailPermanent(ctx domain.Context, jobID, workerID, errMsg string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.FailPermanent")
	defer span.End()
	q := `UPDATE job_queue SET status='failed', attempts=attempts+1, last_error=$3, leased_until=NULL, completed_at=now(), updated_at=now()
	WHERE id=$1 AND leased_by=$2 AND status='processing'`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, errMsg)
	if err != nil {
		return fmt.Errorf("op=queue.fail_permanent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.fail_permanent: %w", domain.ErrJobOwnershipLost)
	}
	return nil
}

// Cancel cancels a pending job. Processing jobs cannot be yanked from their
// worker; cancelling one reports ErrConflict.
func (r *QueueRepo) Cancel(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Cancel")
	defer span.End()
	q := `UPDATE job_queue SET status='cancelled', completed_at=now(), updated_at=now() WHERE id=$1 AND status='pending'`
	tag, err := r.Pool.Exec(ctx, q, jobID)
	if err != nil {
		return fmt.Errorf("op=queue.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job_queue WHERE id=$1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("op=queue.cancel: %w", err)
		}
		if !exists {
			return fmt.Errorf("op=queue.cancel: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=queue.cancel: %w", domain.ErrConflict)
	}
	return nil
}

// Get loads a job by id.
func (r *QueueRepo) Get(ctx domain.Context, jobID string) (*domain.QueueJob, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id=$1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=queue.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=queue.get: %w", err)
	}
	return j, nil
}

// ReapExpired returns processing jobs with expired leases to pending so
// another worker can claim them. Attempts are not incremented; the crashed
// attempt is charged when the retried run itself fails.
func (r *QueueRepo) ReapExpired(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ReapExpired")
	defer span.End()
	q := `UPDATE job_queue SET status='pending', leased_by='', leased_until=NULL, updated_at=now()
	WHERE status='processing' AND leased_until < now()`
	tag, err := r.Pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("op=queue.reap_expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingCount returns the number of runnable and scheduled pending jobs.
func (r *QueueRepo) PendingCount(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.PendingCount")
	defer span.End()
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM job_queue WHERE status='pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=queue.pending_count: %w", err)
	}
	return n, nil
}

// Stats returns per-lane, per-status depths.
func (r *QueueRepo) Stats(ctx domain.Context) ([]domain.QueueLaneStat, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Stats")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT lane, status, count(*) FROM job_queue GROUP BY lane, status ORDER BY lane, status`)
	if err != nil {
		return nil, fmt.Errorf("op=queue.stats: %w", err)
	}
	defer rows.Close()
	var out []domain.QueueLaneStat
	for rows.Next() {
		var s domain.QueueLaneStat
		if err := rows.Scan(&s.Lane, &s.Status, &s.Count); err != nil {
			return nil, fmt.Errorf("op=queue.stats: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.stats: %w", err)
	}
	return out, nil
}

// FailureCounts reports terminal failures and completions inside the
// trailing window, for the monitor's failure-rate rule.
func (r *QueueRepo) FailureCounts(ctx domain.Context, window time.Duration) (failed, completed int64, err error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.FailureCounts")
	defer span.End()
	q := `SELECT count(*) FILTER (WHERE status='failed'), count(*) FILTER (WHERE status='completed')
	FROM job_queue WHERE completed_at >= now() - make_interval(secs => $1)`
	if err := r.Pool.QueryRow(ctx, q, window.Seconds()).Scan(&failed, &completed); err != nil {
		return 0, 0, fmt.Errorf("op=queue.failure_counts: %w", err)
	}
	return failed, completed, nil
}
