package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/pkg/textx"
)

// TrialRepo persists canonical trial records in PostgreSQL.
type TrialRepo struct{ Pool PgxPool }

// NewTrialRepo constructs a TrialRepo with the given pool.
func NewTrialRepo(p PgxPool) *TrialRepo { return &TrialRepo{Pool: p} }

const trialColumns = `trial_key, registry, registry_id, secondary_ids, title, official_title, description, status, phase, study_type, sponsor, conditions, interventions, eligibility_criteria, gender, min_age_days, max_age_days, min_age_orig, max_age_orig, locations, enrollment, start_date, completion_date, registry_url, content_hash, raw, last_changed_at, first_seen_at, updated_at`

// prefixTrialColumns qualifies trialColumns with a table alias for joins.
func prefixTrialColumns(alias string) string {
	cols := strings.Split(trialColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func scanTrial(row pgx.Row) (*domain.Trial, error) {
	var (
		t                domain.Trial
		minDays, maxDays *int
		minOrig, maxOrig string
		locJSON          []byte
	)
	err := row.Scan(&t.TrialKey, &t.Registry, &t.RegistryID, &t.SecondaryIDs, &t.Title, &t.OfficialTitle,
		&t.Description, &t.Status, &t.Phase, &t.StudyType, &t.Sponsor, &t.Conditions, &t.Interventions,
		&t.EligibilityCriteria, &t.Gender, &minDays, &maxDays, &minOrig, &maxOrig, &locJSON,
		&t.EnrollmentCount, &t.StartDate, &t.CompletionDate, &t.RegistryURL, &t.ContentHash, &t.Raw,
		&t.LastChangedAt, &t.FirstSeenAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if minDays != nil {
		t.MinAge = &domain.AgeBound{Days: *minDays, Original: minOrig}
	}
	if maxDays != nil {
		t.MaxAge = &domain.AgeBound{Days: *maxDays, Original: maxOrig}
	}
	if len(locJSON) > 0 {
		if err := json.Unmarshal(locJSON, &t.Locations); err != nil {
			return nil, fmt.Errorf("decode locations: %w", err)
		}
	}
	return &t, nil
}

func collectTrials(rows pgx.Rows) ([]*domain.Trial, error) {
	defer rows.Close()
	var out []*domain.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert inserts or updates a trial by its key and reports whether the stored
// content hash changed. first_seen_at survives updates; last_changed_at only
// moves when the content hash does.
func (r *TrialRepo) Upsert(ctx domain.Context, t *domain.Trial) (bool, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.Upsert")
	defer span.End()
	var (
		minDays, maxDays *int
		minOrig, maxOrig string
	)
	if t.MinAge != nil {
		minDays, minOrig = &t.MinAge.Days, t.MinAge.Original
	}
	if t.MaxAge != nil {
		maxDays, maxOrig = &t.MaxAge.Days, t.MaxAge.Original
	}
	locs := t.Locations
	if locs == nil {
		locs = []domain.TrialLocation{}
	}
	locJSON, err := json.Marshal(locs)
	if err != nil {
		return false, fmt.Errorf("op=trial.upsert: %w", err)
	}
	var raw any
	if len(t.Raw) > 0 {
		raw = t.Raw
	}
	q := `WITH old AS (SELECT content_hash FROM clinical_trials WHERE trial_key = $1)
	INSERT INTO clinical_trials (trial_key, registry, registry_id, secondary_ids, title, title_norm, official_title,
		description, status, phase, study_type, sponsor, sponsor_norm, conditions, interventions,
		eligibility_criteria, gender, min_age_days, max_age_days, min_age_orig, max_age_orig, locations,
		enrollment, start_date, completion_date, registry_url, content_hash, raw, last_changed_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,now())
	ON CONFLICT (trial_key) DO UPDATE SET
		registry_id=EXCLUDED.registry_id, secondary_ids=EXCLUDED.secondary_ids, title=EXCLUDED.title,
		title_norm=EXCLUDED.title_norm, official_title=EXCLUDED.official_title, description=EXCLUDED.description,
		status=EXCLUDED.status, phase=EXCLUDED.phase, study_type=EXCLUDED.study_type, sponsor=EXCLUDED.sponsor,
		sponsor_norm=EXCLUDED.sponsor_norm, conditions=EXCLUDED.conditions, interventions=EXCLUDED.interventions,
		eligibility_criteria=EXCLUDED.eligibility_criteria, gender=EXCLUDED.gender,
		min_age_days=EXCLUDED.min_age_days, max_age_days=EXCLUDED.max_age_days,
		min_age_orig=EXCLUDED.min_age_orig, max_age_orig=EXCLUDED.max_age_orig, locations=EXCLUDED.locations,
		enrollment=EXCLUDED.enrollment, start_date=EXCLUDED.start_date, completion_date=EXCLUDED.completion_date,
		registry_url=EXCLUDED.registry_url, content_hash=EXCLUDED.content_hash, raw=EXCLUDED.raw,
		last_changed_at=CASE WHEN clinical_trials.content_hash IS DISTINCT FROM EXCLUDED.content_hash
			THEN now() ELSE clinical_trials.last_changed_at END,
		updated_at=now()
	RETURNING COALESCE((SELECT content_hash FROM old), '')`
	row := r.Pool.QueryRow(ctx, q,
		t.TrialKey, t.Registry, t.RegistryID, t.SecondaryIDs, t.Title, textx.NormalizeKey(t.Title),
		t.OfficialTitle, t.Description, t.Status, t.Phase, t.StudyType, t.Sponsor,
		textx.NormalizeKey(t.Sponsor), t.Conditions, t.Interventions, t.EligibilityCriteria, t.Gender,
		minDays, maxDays, minOrig, maxOrig, locJSON, t.EnrollmentCount, t.StartDate, t.CompletionDate,
		t.RegistryURL, t.ContentHash, raw)
	var oldHash string
	if err := row.Scan(&oldHash); err != nil {
		return false, fmt.Errorf("op=trial.upsert: %w", err)
	}
	return oldHash != t.ContentHash, nil
}

// Get loads a trial by its key.
func (r *TrialRepo) Get(ctx domain.Context, trialKey string) (*domain.Trial, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+trialColumns+` FROM clinical_trials WHERE trial_key=$1`, trialKey)
	t, err := scanTrial(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=trial.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=trial.get: %w", err)
	}
	return t, nil
}

// GetMany loads the trials whose keys exist; missing keys are skipped.
func (r *TrialRepo) GetMany(ctx domain.Context, trialKeys []string) ([]*domain.Trial, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.GetMany")
	defer span.End()
	if len(trialKeys) == 0 {
		return nil, nil
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+trialColumns+` FROM clinical_trials WHERE trial_key = ANY($1) ORDER BY trial_key`, trialKeys)
	if err != nil {
		return nil, fmt.Errorf("op=trial.get_many: %w", err)
	}
	out, err := collectTrials(rows)
	if err != nil {
		return nil, fmt.Errorf("op=trial.get_many: %w", err)
	}
	return out, nil
}

// Search runs a websearch-style full-text query ranked by relevance.
func (r *TrialRepo) Search(ctx domain.Context, query string, limit int) ([]*domain.Trial, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.Search")
	defer span.End()
	q := `SELECT ` + trialColumns + ` FROM clinical_trials, websearch_to_tsquery('english', $1) query
	WHERE search_tsv @@ query
	ORDER BY ts_rank(search_tsv, query) DESC, trial_key
	LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("op=trial.search: %w", err)
	}
	out, err := collectTrials(rows)
	if err != nil {
		return nil, fmt.Errorf("op=trial.search: %w", err)
	}
	return out, nil
}

// UpdatedSince pages trials by the (updated_at, trial_key) cursor.
func (r *TrialRepo) UpdatedSince(ctx domain.Context, since time.Time, afterKey string, limit int) ([]*domain.Trial, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.UpdatedSince")
	defer span.End()
	q := `SELECT ` + trialColumns + ` FROM clinical_trials
	WHERE (updated_at, trial_key) > ($1, $2)
	ORDER BY updated_at, trial_key
	LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, since, afterKey, limit)
	if err != nil {
		return nil, fmt.Errorf("op=trial.updated_since: %w", err)
	}
	out, err := collectTrials(rows)
	if err != nil {
		return nil, fmt.Errorf("op=trial.updated_since: %w", err)
	}
	return out, nil
}

// TrigramCandidates returns trials from other registries whose normalized
// title is trigram-similar to titleNorm, most similar first.
func (r *TrialRepo) TrigramCandidates(ctx domain.Context, trialKey, titleNorm string, limit int) ([]*domain.Trial, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.TrigramCandidates")
	defer span.End()
	registry, _, err := domain.SplitTrialKey(trialKey)
	if err != nil {
		return nil, fmt.Errorf("op=trial.trigram_candidates: %w", err)
	}
	q := `SELECT ` + trialColumns + ` FROM clinical_trials
	WHERE registry <> $1 AND trial_key <> $2 AND title_norm % $3
	ORDER BY similarity(title_norm, $3) DESC, trial_key
	LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, registry, trialKey, titleNorm, limit)
	if err != nil {
		return nil, fmt.Errorf("op=trial.trigram_candidates: %w", err)
	}
	out, err := collectTrials(rows)
	if err != nil {
		return nil, fmt.Errorf("op=trial.trigram_candidates: %w", err)
	}
	return out, nil
}

// SharedIDCandidates returns trials from other registries sharing any of the
// given registry identifiers, either as their primary id or a secondary one.
func (r *TrialRepo) SharedIDCandidates(ctx domain.Context, trialKey string, ids []string) ([]*domain.Trial, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.SharedIDCandidates")
	defer span.End()
	if len(ids) == 0 {
		return nil, nil
	}
	registry, _, err := domain.SplitTrialKey(trialKey)
	if err != nil {
		return nil, fmt.Errorf("op=trial.shared_id_candidates: %w", err)
	}
	q := `SELECT ` + trialColumns + ` FROM clinical_trials
	WHERE registry <> $1 AND trial_key <> $2 AND (registry_id = ANY($3) OR secondary_ids && $3)
	ORDER BY trial_key
	LIMIT 50`
	rows, err := r.Pool.Query(ctx, q, registry, trialKey, ids)
	if err != nil {
		return nil, fmt.Errorf("op=trial.shared_id_candidates: %w", err)
	}
	out, err := collectTrials(rows)
	if err != nil {
		return nil, fmt.Errorf("op=trial.shared_id_candidates: %w", err)
	}
	return out, nil
}

// KeywordScores computes normalized full-text rank (0..1) of the query against
// each given trial. Trials that do not match at all are absent from the map.
func (r *TrialRepo) KeywordScores(ctx domain.Context, query string, trialKeys []string) (map[string]float64, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.KeywordScores")
	defer span.End()
	if len(trialKeys) == 0 {
		return map[string]float64{}, nil
	}
	q := `SELECT trial_key, ts_rank(search_tsv, query, 32) FROM clinical_trials, websearch_to_tsquery('english', $1) query
	WHERE trial_key = ANY($2) AND search_tsv @@ query`
	rows, err := r.Pool.Query(ctx, q, query, trialKeys)
	if err != nil {
		return nil, fmt.Errorf("op=trial.keyword_scores: %w", err)
	}
	defer rows.Close()
	out := make(map[string]float64, len(trialKeys))
	for rows.Next() {
		var (
			key   string
			score float64
		)
		if err := rows.Scan(&key, &score); err != nil {
			return nil, fmt.Errorf("op=trial.keyword_scores: %w", err)
		}
		out[key] = score
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=trial.keyword_scores: %w", err)
	}
	return out, nil
}

// ListUngeocoded returns trials that still have sites without coordinates.
func (r *TrialRepo) ListUngeocoded(ctx domain.Context, limit int) ([]*domain.Trial, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.ListUngeocoded")
	defer span.End()
	q := `SELECT ` + trialColumns + ` FROM clinical_trials
	WHERE EXISTS (
		SELECT 1 FROM jsonb_array_elements(locations) loc
		WHERE NOT COALESCE((loc->>'geocoded')::boolean, false)
			AND (COALESCE(loc->>'city','') <> '' OR COALESCE(loc->>'country','') <> '')
	)
	ORDER BY updated_at
	LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=trial.list_ungeocoded: %w", err)
	}
	out, err := collectTrials(rows)
	if err != nil {
		return nil, fmt.Errorf("op=trial.list_ungeocoded: %w", err)
	}
	return out, nil
}

// SetLocations replaces a trial's site list. updated_at is left alone so
// geocoding enrichment does not requeue deduplication work.
func (r *TrialRepo) SetLocations(ctx domain.Context, trialKey string, locs []domain.TrialLocation) error {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.SetLocations")
	defer span.End()
	if locs == nil {
		locs = []domain.TrialLocation{}
	}
	locJSON, err := json.Marshal(locs)
	if err != nil {
		return fmt.Errorf("op=trial.set_locations: %w", err)
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE clinical_trials SET locations=$2 WHERE trial_key=$1`, trialKey, locJSON)
	if err != nil {
		return fmt.Errorf("op=trial.set_locations: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=trial.set_locations: %w", domain.ErrNotFound)
	}
	return nil
}

// CountByRegistry returns trial counts per source registry.
func (r *TrialRepo) CountByRegistry(ctx domain.Context) (map[string]int64, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.CountByRegistry")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT registry, count(*) FROM clinical_trials GROUP BY registry`)
	if err != nil {
		return nil, fmt.Errorf("op=trial.count_by_registry: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			registry string
			n        int64
		)
		if err := rows.Scan(&registry, &n); err != nil {
			return nil, fmt.Errorf("op=trial.count_by_registry: %w", err)
		}
		out[registry] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=trial.count_by_registry: %w", err)
	}
	return out, nil
}
