package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// MatchRepo persists ranked patient-trial matches.
type MatchRepo struct{ Pool PgxPool }

// NewMatchRepo constructs a MatchRepo with the given pool.
func NewMatchRepo(p PgxPool) *MatchRepo { return &MatchRepo{Pool: p} }

// Replace swaps the stored match set for a patient in one transaction so
// readers never observe a partial ranking.
func (r *MatchRepo) Replace(ctx domain.Context, patientID string, matches []domain.PatientMatch) error {
	tracer := otel.Tracer("repo.matches")
	ctx, span := tracer.Start(ctx, "matches.Replace")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=match.replace: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM patient_matches WHERE patient_id=$1`, patientID); err != nil {
		return fmt.Errorf("op=match.replace: %w", err)
	}
	q := `INSERT INTO patient_matches (patient_id, trial_key, rank, final_score, vector_score, keyword_score, eligibility_score, location_score, explanation)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	for _, m := range matches {
		if _, err := tx.Exec(ctx, q, patientID, m.TrialKey, m.Rank, m.FinalScore, m.VectorScore, m.KeywordScore, m.EligibilityScore, m.LocationScore, m.Explanation); err != nil {
			return fmt.Errorf("op=match.replace: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=match.replace: %w", err)
	}
	return nil
}

// List returns a patient's matches in rank order.
func (r *MatchRepo) List(ctx domain.Context, patientID string, limit int) ([]domain.PatientMatch, error) {
	tracer := otel.Tracer("repo.matches")
	ctx, span := tracer.Start(ctx, "matches.List")
	defer span.End()
	q := `SELECT patient_id, trial_key, rank, final_score, vector_score, keyword_score, eligibility_score, location_score, explanation, created_at
	FROM patient_matches WHERE patient_id=$1 ORDER BY rank LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=match.list: %w", err)
	}
	defer rows.Close()
	var out []domain.PatientMatch
	for rows.Next() {
		var m domain.PatientMatch
		if err := rows.Scan(&m.PatientID, &m.TrialKey, &m.Rank, &m.FinalScore, &m.VectorScore, &m.KeywordScore, &m.EligibilityScore, &m.LocationScore, &m.Explanation, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=match.list: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=match.list: %w", err)
	}
	return out, nil
}
