package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// EmbeddingRepo keeps the durable copy of trial vectors; the ANN index is
// rebuilt from these rows after data loss.
type EmbeddingRepo struct{ Pool PgxPool }

// NewEmbeddingRepo constructs an EmbeddingRepo with the given pool.
func NewEmbeddingRepo(p PgxPool) *EmbeddingRepo { return &EmbeddingRepo{Pool: p} }

// Upsert stores the vector for a trial alongside the content hash it was
// computed from.
func (r *EmbeddingRepo) Upsert(ctx domain.Context, trialKey, contentHash, model string, vec []float32) error {
	tracer := otel.Tracer("repo.embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.Upsert")
	defer span.End()
	q := `INSERT INTO trial_embeddings (trial_key, content_hash, model, embedding, updated_at)
	VALUES ($1,$2,$3,$4,now())
	ON CONFLICT (trial_key)
	DO UPDATE SET content_hash=EXCLUDED.content_hash, model=EXCLUDED.model, embedding=EXCLUDED.embedding, updated_at=now()`
	if _, err := r.Pool.Exec(ctx, q, trialKey, contentHash, model, vec); err != nil {
		return fmt.Errorf("op=embedding.upsert: %w", err)
	}
	return nil
}

// StaleTrials lists trials missing an embedding or whose content hash moved
// since the vector was computed, oldest change first.
func (r *EmbeddingRepo) StaleTrials(ctx domain.Context, limit int) ([]*domain.Trial, error) {
	tracer := otel.Tracer("repo.embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.StaleTrials")
	defer span.End()
	q := `SELECT ` + prefixTrialColumns("t") + ` FROM clinical_trials t
	LEFT JOIN trial_embeddings e ON e.trial_key = t.trial_key
	WHERE e.trial_key IS NULL OR e.content_hash <> t.content_hash
	ORDER BY t.updated_at
	LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=embedding.stale_trials: %w", err)
	}
	out, err := collectTrials(rows)
	if err != nil {
		return nil, fmt.Errorf("op=embedding.stale_trials: %w", err)
	}
	return out, nil
}

// Get loads the stored vector and the content hash it was computed from.
func (r *EmbeddingRepo) Get(ctx domain.Context, trialKey string) ([]float32, string, error) {
	tracer := otel.Tracer("repo.embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT embedding, content_hash FROM trial_embeddings WHERE trial_key=$1`, trialKey)
	var (
		vec  []float32
		hash string
	)
	if err := row.Scan(&vec, &hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", fmt.Errorf("op=embedding.get: %w", domain.ErrNotFound)
		}
		return nil, "", fmt.Errorf("op=embedding.get: %w", err)
	}
	return vec, hash, nil
}
