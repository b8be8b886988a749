// Package matcher scores recruiting trials against a patient profile and
// persists the ranked result. The final score blends four components:
// embedding similarity, keyword overlap, eligibility fit and site proximity,
// weighted per the matching constants in domain.
package matcher

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/ai/tokencount"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/internal/normalize"
)

const (
	// DefaultLimit is the number of matches kept per patient when the
	// caller does not say otherwise.
	DefaultLimit = 20

	// candidateFactor widens both retrieval passes beyond the requested
	// limit so post-retrieval filters (eligibility, status) still leave a
	// full page.
	candidateFactor = 2

	// maxPatientTokens caps the profile text sent to the embedding
	// provider.
	maxPatientTokens = 8000

	// driftWindow and driftThreshold configure the score drift monitor:
	// a 0.15 shift in mean score over 50 observations means the index and
	// the query embeddings no longer come from the same model or corpus.
	driftWindow    = 50
	driftThreshold = 0.15
)

// Matcher ranks trials for patients.
type Matcher struct {
	patients domain.PatientRepo
	trials   domain.TrialRepo
	matches  domain.MatchRepo
	embedder domain.Embedder
	index    domain.VectorIndex
	syn      *normalize.Synonyms
	model    string
	drift    *observability.ScoreDriftMonitor
}

// New assembles a Matcher. model names the embedding model, which must be
// the same one the enrichment pass used to fill the index.
func New(model string, patients domain.PatientRepo, trials domain.TrialRepo, matches domain.MatchRepo, embedder domain.Embedder, index domain.VectorIndex, syn *normalize.Synonyms) *Matcher {
	return &Matcher{
		patients: patients,
		trials:   trials,
		matches:  matches,
		embedder: embedder,
		index:    index,
		syn:      syn,
		model:    model,
		drift:    observability.NewScoreDriftMonitor(model, driftWindow, driftThreshold),
	}
}

// MatchAndStore recomputes and persists matches for one patient.
func (m *Matcher) MatchAndStore(ctx domain.Context, patientID string, limit int) error {
	_, err := m.Match(ctx, patientID, limit)
	return err
}

// Match scores recruiting trials against the patient, replaces the stored
// match set and returns it ranked best first. Candidates come from two
// passes, vector neighbors and keyword search, so a trial only one of them
// finds still gets a full blended score.
func (m *Matcher) Match(ctx domain.Context, patientID string, limit int) ([]domain.PatientMatch, error) {
	start := time.Now()
	lg := observability.LoggerFromContext(ctx)
	if limit <= 0 {
		limit = DefaultLimit
	}
	observability.MatchRequestsTotal.Inc()

	p, err := m.patients.Get(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("op=match.patient: %w", err)
	}

	text := tokencount.TruncateDefault(PatientText(p), m.model, maxPatientTokens)
	vecs, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("op=match.embed: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("op=match.embed: got %d vectors for one text", len(vecs))
	}

	k := candidateFactor * limit
	hits, err := m.index.Search(ctx, vecs[0], k, domain.MatchMinCosine, map[string]string{
		"status": string(domain.StatusRecruiting),
	})
	if err != nil {
		return nil, fmt.Errorf("op=match.vector_search: %w", err)
	}
	vectorScores := make(map[string]float64, len(hits))
	byKey := map[string]*domain.Trial{}
	for _, h := range hits {
		vectorScores[h.TrialKey] = h.Score
		byKey[h.TrialKey] = nil
	}

	patientTerms := m.syn.Expand(p.Conditions)
	queryTerms := append(append(append([]string{}, patientTerms...), p.Symptoms...), p.PreviousTreatments...)
	query := searchQuery(queryTerms)
	if query != "" {
		found, err := m.trials.Search(ctx, query, k)
		if err != nil {
			return nil, fmt.Errorf("op=match.keyword_search: %w", err)
		}
		for _, t := range found {
			byKey[t.TrialKey] = t
		}
	}

	var missing []string
	for key, t := range byKey {
		if t == nil {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		fetched, err := m.trials.GetMany(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("op=match.trials: %w", err)
		}
		for _, t := range fetched {
			byKey[t.TrialKey] = t
		}
	}

	keys := make([]string, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}
	keywordScores := map[string]float64{}
	if query != "" && len(keys) > 0 {
		keywordScores, err = m.trials.KeywordScores(ctx, query, keys)
		if err != nil {
			return nil, fmt.Errorf("op=match.keyword_scores: %w", err)
		}
	}

	candidates := make([]domain.PatientMatch, 0, len(byKey))
	for key, t := range byKey {
		if t == nil {
			// An index point whose trial row is gone; the next
			// enrichment pass cleans the index up.
			continue
		}
		if t.Status != domain.StatusRecruiting {
			continue
		}
		eligScore, ok := eligibility(p, t, patientTerms)
		if !ok {
			continue
		}
		match := domain.PatientMatch{
			PatientID:        patientID,
			TrialKey:         key,
			VectorScore:      vectorScores[key],
			KeywordScore:     keywordScores[key],
			EligibilityScore: eligScore,
			LocationScore:    locationScore(p, t),
		}
		match.FinalScore = domain.MatchWeightVector*match.VectorScore +
			domain.MatchWeightKeyword*match.KeywordScore +
			domain.MatchWeightEligibility*match.EligibilityScore +
			domain.MatchWeightLocation*match.LocationScore
		match.Explanation = explain(match)
		candidates = append(candidates, match)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].FinalScore != candidates[j].FinalScore {
			return candidates[i].FinalScore > candidates[j].FinalScore
		}
		return candidates[i].TrialKey < candidates[j].TrialKey
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
		observability.MatchFinalScore.Observe(candidates[i].FinalScore)
	}
	m.recordDrift(candidates)

	if err := m.matches.Replace(ctx, patientID, candidates); err != nil {
		return nil, fmt.Errorf("op=match.replace: %w", err)
	}
	observability.MatchDuration.Observe(time.Since(start).Seconds())
	lg.Info("patient matched",
		"patient_id", patientID,
		"vector_hits", len(hits),
		"candidates", len(byKey),
		"kept", len(candidates),
		"query_terms", strings.Count(query, " OR ")+1,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return candidates, nil
}

// recordDrift feeds ranked scores to the drift monitor. The first non-empty
// batch pins the baseline; later batches measure against it, so an embedding
// model swap without a reindex shows up as drift instead of silently bad
// rankings.
func (m *Matcher) recordDrift(matches []domain.PatientMatch) {
	if len(matches) == 0 {
		return
	}
	if _, ok := m.drift.Baseline("final"); !ok {
		var final, vector float64
		for _, c := range matches {
			final += c.FinalScore
			vector += c.VectorScore
		}
		n := float64(len(matches))
		m.drift.UpdateBaseline("final", final/n)
		m.drift.UpdateBaseline("vector", vector/n)
		return
	}
	for _, c := range matches {
		m.drift.RecordScore("final", c.FinalScore)
		m.drift.RecordScore("vector", c.VectorScore)
	}
}
