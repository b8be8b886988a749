package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// DedupRepo persists duplicate edges, merged masters and the dedupe batch
// cursor.
type DedupRepo struct{ Pool PgxPool }

// NewDedupRepo constructs a DedupRepo with the given pool.
func NewDedupRepo(p PgxPool) *DedupRepo { return &DedupRepo{Pool: p} }

// UpsertPair stores a duplicate edge. Keys are canonicalized so the same pair
// scored from either direction lands on one row.
func (r *DedupRepo) UpsertPair(ctx domain.Context, p *domain.DuplicatePair) error {
	tracer := otel.Tracer("repo.dedup")
	ctx, span := tracer.Start(ctx, "dedup.UpsertPair")
	defer span.End()
	a, b := domain.CanonicalPair(p.TrialKeyA, p.TrialKeyB)
	features := p.Features
	if features == nil {
		features = map[string]float64{}
	}
	featJSON, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("op=dedup.upsert_pair: %w", err)
	}
	q := `INSERT INTO trial_duplicates (trial_key_a, trial_key_b, score, verdict, features, verified)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (trial_key_a, trial_key_b)
	DO UPDATE SET score=EXCLUDED.score, verdict=EXCLUDED.verdict, features=EXCLUDED.features,
		verified=EXCLUDED.verified, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, a, b, p.Score, p.Verdict, featJSON, p.Verified); err != nil {
		return fmt.Errorf("op=dedup.upsert_pair: %w", err)
	}
	return nil
}

// PairsInvolving returns edges touching any of the keys with score at or
// above minScore.
func (r *DedupRepo) PairsInvolving(ctx domain.Context, trialKeys []string, minScore float64) ([]domain.DuplicatePair, error) {
	tracer := otel.Tracer("repo.dedup")
	ctx, span := tracer.Start(ctx, "dedup.PairsInvolving")
	defer span.End()
	if len(trialKeys) == 0 {
		return nil, nil
	}
	q := `SELECT trial_key_a, trial_key_b, score, verdict, features, verified, created_at, updated_at
	FROM trial_duplicates
	WHERE (trial_key_a = ANY($1) OR trial_key_b = ANY($1)) AND score >= $2
	ORDER BY trial_key_a, trial_key_b`
	rows, err := r.Pool.Query(ctx, q, trialKeys, minScore)
	if err != nil {
		return nil, fmt.Errorf("op=dedup.pairs_involving: %w", err)
	}
	defer rows.Close()
	var out []domain.DuplicatePair
	for rows.Next() {
		var (
			p        domain.DuplicatePair
			featJSON []byte
		)
		if err := rows.Scan(&p.TrialKeyA, &p.TrialKeyB, &p.Score, &p.Verdict, &featJSON, &p.Verified, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=dedup.pairs_involving: %w", err)
		}
		if len(featJSON) > 0 {
			if err := json.Unmarshal(featJSON, &p.Features); err != nil {
				return nil, fmt.Errorf("op=dedup.pairs_involving: %w", err)
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dedup.pairs_involving: %w", err)
	}
	return out, nil
}

// SaveMaster upserts the merged view of a duplicate group.
func (r *DedupRepo) SaveMaster(ctx domain.Context, m *domain.TrialMaster) error {
	tracer := otel.Tracer("repo.dedup")
	ctx, span := tracer.Start(ctx, "dedup.SaveMaster")
	defer span.End()
	merged, err := json.Marshal(m.Merged)
	if err != nil {
		return fmt.Errorf("op=dedup.save_master: %w", err)
	}
	q := `INSERT INTO trial_masters (master_key, member_keys, merged, updated_at)
	VALUES ($1,$2,$3,now())
	ON CONFLICT (master_key)
	DO UPDATE SET member_keys=EXCLUDED.member_keys, merged=EXCLUDED.merged, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, m.MasterKey, m.MemberKeys, merged); err != nil {
		return fmt.Errorf("op=dedup.save_master: %w", err)
	}
	return nil
}

// CountByVerdict returns edge counts per verdict updated since the cutoff.
func (r *DedupRepo) CountByVerdict(ctx domain.Context, since time.Time) (map[domain.DupVerdict]int64, error) {
	tracer := otel.Tracer("repo.dedup")
	ctx, span := tracer.Start(ctx, "dedup.CountByVerdict")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT verdict, count(*) FROM trial_duplicates WHERE updated_at >= $1 GROUP BY verdict`, since)
	if err != nil {
		return nil, fmt.Errorf("op=dedup.count_by_verdict: %w", err)
	}
	defer rows.Close()
	out := map[domain.DupVerdict]int64{}
	for rows.Next() {
		var (
			v domain.DupVerdict
			n int64
		)
		if err := rows.Scan(&v, &n); err != nil {
			return nil, fmt.Errorf("op=dedup.count_by_verdict: %w", err)
		}
		out[v] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dedup.count_by_verdict: %w", err)
	}
	return out, nil
}

// Cursor returns the saved batch position; zero values mean a fresh start.
func (r *DedupRepo) Cursor(ctx domain.Context) (time.Time, string, error) {
	tracer := otel.Tracer("repo.dedup")
	ctx, span := tracer.Start(ctx, "dedup.Cursor")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT updated_since, after_key FROM dedup_state WHERE id`)
	var (
		since    time.Time
		afterKey string
	)
	if err := row.Scan(&since, &afterKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, "", nil
		}
		return time.Time{}, "", fmt.Errorf("op=dedup.cursor: %w", err)
	}
	return since, afterKey, nil
}

// SaveCursor persists the batch position.
func (r *DedupRepo) SaveCursor(ctx domain.Context, updatedSince time.Time, afterKey string) error {
	tracer := otel.Tracer("repo.dedup")
	ctx, span := tracer.Start(ctx, "dedup.SaveCursor")
	defer span.End()
	q := `INSERT INTO dedup_state (id, updated_since, after_key) VALUES (true, $1, $2)
	ON CONFLICT (id) DO UPDATE SET updated_since=EXCLUDED.updated_since, after_key=EXCLUDED.after_key`
	if _, err := r.Pool.Exec(ctx, q, updatedSince, afterKey); err != nil {
		return fmt.Errorf("op=dedup.save_cursor: %w", err)
	}
	return nil
}
