package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// schedulerLockName keys the advisory lock that makes the cron scheduler a
// cluster singleton.
const schedulerLockName = "globaltrial.scheduler"

// LeaderGate serializes scheduler leadership across processes with a session
// advisory lock. It needs the concrete pool: the lock lives on one pinned
// connection, and releasing it must happen on that same session.
type LeaderGate struct {
	pool *pgxpool.Pool
	key  int64
}

// NewLeaderGate constructs the gate over the shared pool.
func NewLeaderGate(pool *pgxpool.Pool) *LeaderGate {
	return &LeaderGate{pool: pool, key: lockKey(schedulerLockName)}
}

// TryAcquire attempts to take scheduler leadership. On success it returns a
// release func that must be called when leadership ends; the gate holds one
// pooled connection for the duration. (nil, false, nil) means another
// process leads.
func (g *LeaderGate) TryAcquire(ctx domain.Context) (release func(), acquired bool, err error) {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("op=leader.acquire_conn: %w", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, g.key).Scan(&got); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("op=leader.try_lock: %w", err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}
	release = func() {
		// The session may outlive the caller's context; unlock on a fresh one.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(rctx, `SELECT pg_advisory_unlock($1)`, g.key); err != nil {
			slog.Warn("scheduler lock release failed", slog.Any("error", err))
		}
		conn.Release()
	}
	return release, true, nil
}

// lockKey derives a stable advisory-lock key from a name. Postgres advisory
// locks are keyed by int64; hashing keeps the namespace collision-free
// without a central registry of magic numbers.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
