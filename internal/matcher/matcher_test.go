package matcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/internal/normalize"
)

type stubPatients struct {
	domain.PatientRepo
	byID map[string]*domain.Patient
}

func (s *stubPatients) Get(_ domain.Context, id string) (*domain.Patient, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("op=repo.patient_get: id=%s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

type stubTrials struct {
	domain.TrialRepo
	byKey       map[string]*domain.Trial
	searchHits  []*domain.Trial
	searchQuery string
	searchLimit int
	searchCalls int
	kwScores    map[string]float64
	kwQuery     string
	kwKeys      []string
}

func (s *stubTrials) Search(_ domain.Context, query string, limit int) ([]*domain.Trial, error) {
	s.searchCalls++
	s.searchQuery = query
	s.searchLimit = limit
	return s.searchHits, nil
}

func (s *stubTrials) GetMany(_ domain.Context, keys []string) ([]*domain.Trial, error) {
	var out []*domain.Trial
	for _, k := range keys {
		if t, ok := s.byKey[k]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubTrials) KeywordScores(_ domain.Context, query string, keys []string) (map[string]float64, error) {
	s.kwQuery = query
	s.kwKeys = append([]string{}, keys...)
	if s.kwScores == nil {
		return map[string]float64{}, nil
	}
	return s.kwScores, nil
}

type stubEmbedder struct {
	calls [][]string
}

func (s *stubEmbedder) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	s.calls = append(s.calls, texts)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type stubIndex struct {
	domain.VectorIndex
	hits      []domain.VectorHit
	gotVec    []float32
	gotLimit  int
	gotMin    float64
	gotFilter map[string]string
}

func (s *stubIndex) Search(_ domain.Context, vec []float32, limit int, minScore float64, filter map[string]string) ([]domain.VectorHit, error) {
	s.gotVec = vec
	s.gotLimit = limit
	s.gotMin = minScore
	s.gotFilter = filter
	return s.hits, nil
}

type stubMatches struct {
	domain.MatchRepo
	calls      int
	replacedID string
	replaced   []domain.PatientMatch
}

func (s *stubMatches) Replace(_ domain.Context, patientID string, matches []domain.PatientMatch) error {
	s.calls++
	s.replacedID = patientID
	s.replaced = matches
	return nil
}

func years(n int) *domain.AgeBound {
	return &domain.AgeBound{Days: n * 365, Original: fmt.Sprintf("%d Years", n)}
}

func recruiting(key string, conds ...string) *domain.Trial {
	return &domain.Trial{
		TrialKey:   key,
		Status:     domain.StatusRecruiting,
		Gender:     "ALL",
		Conditions: conds,
	}
}

type fixture struct {
	patients *stubPatients
	trials   *stubTrials
	embedder *stubEmbedder
	index    *stubIndex
	matches  *stubMatches
	m        *Matcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		patients: &stubPatients{byID: map[string]*domain.Patient{}},
		trials:   &stubTrials{byKey: map[string]*domain.Trial{}},
		embedder: &stubEmbedder{},
		index:    &stubIndex{},
		matches:  &stubMatches{},
	}
	f.m = New("text-embedding-3-small", f.patients, f.trials, f.matches, f.embedder, f.index, normalize.MustLoadSynonyms())
	return f
}

func TestMatchBlendsBothRetrievalPasses(t *testing.T) {
	f := newFixture(t)
	f.patients.byID["p1"] = &domain.Patient{
		ID:         "p1",
		AgeYears:   55,
		Gender:     "FEMALE",
		Conditions: []string{"heart failure"},
		City:       "Rochester",
		State:      "Minnesota",
		Country:    "United States",
	}

	a := recruiting("ctgov:NCT01112222", "Heart Failure")
	a.MinAge = years(18)
	a.Locations = []domain.TrialLocation{{Facility: "Mayo Clinic", City: "Rochester", State: "Minnesota", Country: "United States"}}
	b := recruiting("euctr:2026-000123-45", "Congestive Heart Failure")
	b.Locations = []domain.TrialLocation{{Facility: "Rigshospitalet", City: "Copenhagen", Country: "Denmark"}}
	c := recruiting("isrctn:ISRCTN12345678", "Heart Failure")

	f.trials.byKey[a.TrialKey] = a
	f.trials.byKey[b.TrialKey] = b
	f.index.hits = []domain.VectorHit{
		{TrialKey: a.TrialKey, Score: 0.9},
		{TrialKey: b.TrialKey, Score: 0.7},
	}
	f.trials.searchHits = []*domain.Trial{c}
	f.trials.kwScores = map[string]float64{a.TrialKey: 0.8, b.TrialKey: 0.6, c.TrialKey: 0.4}

	got, err := f.m.Match(context.Background(), "p1", 2)
	require.NoError(t, err)

	// ANN pass: widened limit, cosine floor, recruiting-only filter.
	assert.Equal(t, 4, f.index.gotLimit)
	assert.Equal(t, domain.MatchMinCosine, f.index.gotMin)
	assert.Equal(t, map[string]string{"status": "RECRUITING"}, f.index.gotFilter)

	// Keyword pass: synonym-expanded OR query over the same widened limit.
	assert.Equal(t, `"heart failure" OR "congestive heart failure" OR chf`, f.trials.searchQuery)
	assert.Equal(t, 4, f.trials.searchLimit)
	assert.Equal(t, f.trials.searchQuery, f.trials.kwQuery)
	assert.ElementsMatch(t, []string{a.TrialKey, b.TrialKey, c.TrialKey}, f.trials.kwKeys)

	// The profile embeds as one canonical text.
	require.Len(t, f.embedder.calls, 1)
	require.Equal(t, []string{PatientText(f.patients.byID["p1"])}, f.embedder.calls[0])

	require.Len(t, got, 2)
	assert.Equal(t, a.TrialKey, got[0].TrialKey)
	assert.Equal(t, 1, got[0].Rank)
	assert.InDelta(t, 0.90, got[0].FinalScore, 1e-9)
	assert.InDelta(t, 1.0, got[0].EligibilityScore, 1e-9)
	assert.InDelta(t, 1.0, got[0].LocationScore, 1e-9)
	assert.Contains(t, got[0].Explanation, "semantic similarity")

	assert.Equal(t, b.TrialKey, got[1].TrialKey)
	assert.Equal(t, 2, got[1].Rank)
	assert.InDelta(t, 0.66, got[1].FinalScore, 1e-9)
	assert.InDelta(t, 0.0, got[1].LocationScore, 1e-9)

	// The stored set is exactly what the caller got back.
	assert.Equal(t, 1, f.matches.calls)
	assert.Equal(t, "p1", f.matches.replacedID)
	assert.Equal(t, got, f.matches.replaced)
}

func TestMatchDropsIneligibleTrials(t *testing.T) {
	f := newFixture(t)
	f.patients.byID["p2"] = &domain.Patient{
		ID:         "p2",
		AgeYears:   30,
		Gender:     "FEMALE",
		Conditions: []string{"diabetes"},
	}

	t1 := recruiting("ctgov:NCT00000001", "diabetes")
	t1.MinAge, t1.MaxAge = years(18), years(65)
	t2 := recruiting("ctgov:NCT00000002", "diabetes")
	t2.MinAge, t2.MaxAge = years(18), years(65)
	t2.Gender = "MALE"
	t3 := recruiting("ctgov:NCT00000003", "diabetes")
	t3.MinAge, t3.MaxAge = years(40), years(80)

	for _, tr := range []*domain.Trial{t1, t2, t3} {
		f.trials.byKey[tr.TrialKey] = tr
		f.index.hits = append(f.index.hits, domain.VectorHit{TrialKey: tr.TrialKey, Score: 0.8})
	}

	got, err := f.m.Match(context.Background(), "p2", 10)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, t1.TrialKey, got[0].TrialKey)
	assert.Equal(t, 1, got[0].Rank)
	assert.InDelta(t, 1.0, got[0].EligibilityScore, 1e-9)
	assert.Equal(t, got, f.matches.replaced)
}

func TestMatchSkipsNonRecruitingAndVanishedTrials(t *testing.T) {
	f := newFixture(t)
	f.patients.byID["p3"] = &domain.Patient{ID: "p3", Conditions: []string{"asthma"}}

	done := recruiting("ctgov:NCT00000009", "asthma")
	done.Status = domain.StatusCompleted
	f.trials.searchHits = []*domain.Trial{done}
	// An index point whose row no longer exists.
	f.index.hits = []domain.VectorHit{{TrialKey: "ctgov:NCTGONE", Score: 0.95}}

	got, err := f.m.Match(context.Background(), "p3", 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Stale matches are still cleared.
	assert.Equal(t, 1, f.matches.calls)
	assert.Empty(t, f.matches.replaced)
}

func TestMatchUnknownPatient(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.Match(context.Background(), "nobody", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "op=match.patient")
	assert.Zero(t, f.matches.calls)
}

func TestMatchDefaultsLimit(t *testing.T) {
	f := newFixture(t)
	f.patients.byID["p4"] = &domain.Patient{ID: "p4", Conditions: []string{"asthma"}}

	_, err := f.m.Match(context.Background(), "p4", 0)
	require.NoError(t, err)
	assert.Equal(t, candidateFactor*DefaultLimit, f.index.gotLimit)
	assert.Equal(t, candidateFactor*DefaultLimit, f.trials.searchLimit)
}

func TestMatchEmptyProfileSkipsKeywordPass(t *testing.T) {
	f := newFixture(t)
	f.patients.byID["p5"] = &domain.Patient{ID: "p5", Narrative: "wants to help research"}

	tr := recruiting("ctgov:NCT00000010")
	f.trials.byKey[tr.TrialKey] = tr
	f.index.hits = []domain.VectorHit{{TrialKey: tr.TrialKey, Score: 0.75}}

	got, err := f.m.Match(context.Background(), "p5", 5)
	require.NoError(t, err)
	assert.Zero(t, f.trials.searchCalls)

	// No stated criteria on either side: eligibility and location stay
	// neutral, keyword contributes nothing.
	require.Len(t, got, 1)
	assert.InDelta(t, 0.5, got[0].EligibilityScore, 1e-9)
	assert.InDelta(t, 0.5, got[0].LocationScore, 1e-9)
	assert.InDelta(t, 0.4*0.75+0.2*0.5+0.1*0.5, got[0].FinalScore, 1e-9)
}

func TestMatchTieBreaksOnTrialKey(t *testing.T) {
	f := newFixture(t)
	f.patients.byID["p6"] = &domain.Patient{ID: "p6", Conditions: []string{"asthma"}}

	x := recruiting("ctgov:NCT00000022", "asthma")
	y := recruiting("ctgov:NCT00000011", "asthma")
	f.trials.byKey[x.TrialKey] = x
	f.trials.byKey[y.TrialKey] = y
	f.index.hits = []domain.VectorHit{
		{TrialKey: x.TrialKey, Score: 0.8},
		{TrialKey: y.TrialKey, Score: 0.8},
	}

	got, err := f.m.Match(context.Background(), "p6", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, y.TrialKey, got[0].TrialKey)
	assert.Equal(t, x.TrialKey, got[1].TrialKey)
}

func TestPatientText(t *testing.T) {
	p := &domain.Patient{
		AgeYears:           62,
		Gender:             "MALE",
		Conditions:         []string{"type 2 diabetes", "hypertension"},
		Symptoms:           []string{"fatigue"},
		PreviousTreatments: []string{"metformin"},
		Medications:        []string{"lisinopril"},
		Allergies:          []string{"penicillin"},
		TreatmentUrgency:   "medium",
		City:               "Lyon",
		Country:            "France",
		Narrative:          "Looking for trials close to home.",
	}
	want := "Conditions: type 2 diabetes, hypertension. " +
		"Symptoms: fatigue. " +
		"Previous treatments: metformin. " +
		"Current medications: lisinopril. " +
		"Allergies: penicillin. " +
		"Age: 62 years. " +
		"Gender: MALE. " +
		"Treatment urgency: medium. " +
		"Location: Lyon, France. " +
		"Looking for trials close to home."
	assert.Equal(t, want, PatientText(p))
}

func TestPatientTextOmitsEmptyClauses(t *testing.T) {
	p := &domain.Patient{Conditions: []string{"asthma"}, Gender: "FEMALE"}
	assert.Equal(t, "Conditions: asthma. Gender: FEMALE.", PatientText(p))
	assert.Equal(t, "", PatientText(&domain.Patient{}))
}

func TestSearchQuery(t *testing.T) {
	assert.Equal(t, `"heart failure" OR chf OR dyspnea`, searchQuery([]string{"heart failure", "chf", "dyspnea"}))
	assert.Equal(t, "CHF", searchQuery([]string{"CHF", "chf", "  "}))
	assert.Equal(t, "", searchQuery(nil))
}

func TestEligibilityHardFilters(t *testing.T) {
	p := &domain.Patient{AgeYears: 30, Gender: "FEMALE", Conditions: []string{"asthma"}}

	tooYoung := &domain.Trial{MinAge: years(40)}
	_, ok := eligibility(p, tooYoung, p.Conditions)
	assert.False(t, ok)

	tooOld := &domain.Trial{MaxAge: years(25)}
	_, ok = eligibility(p, tooOld, p.Conditions)
	assert.False(t, ok)

	menOnly := &domain.Trial{Gender: "MALE"}
	_, ok = eligibility(p, menOnly, p.Conditions)
	assert.False(t, ok)

	womenOnly := &domain.Trial{Gender: "FEMALE"}
	score, ok := eligibility(p, womenOnly, p.Conditions)
	assert.True(t, ok)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestEligibilityUnknownsAreNotDropped(t *testing.T) {
	// No age, no gender on the profile: bounds cannot be checked, so the
	// trial stays in but earns nothing for them.
	p := &domain.Patient{Conditions: []string{"asthma"}}
	tr := &domain.Trial{MinAge: years(18), MaxAge: years(65), Gender: "MALE", Conditions: []string{"Asthma"}}

	score, ok := eligibility(p, tr, p.Conditions)
	assert.True(t, ok)
	assert.InDelta(t, 1.0/3.0, score, 1e-9)
}

func TestEligibilityNeutralWhenNothingStated(t *testing.T) {
	p := &domain.Patient{AgeYears: 44, Gender: "MALE"}
	score, ok := eligibility(p, &domain.Trial{Gender: "ALL"}, nil)
	assert.True(t, ok)
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestConditionsOverlapUsesContainment(t *testing.T) {
	assert.True(t, conditionsOverlap([]string{"type 2 diabetes"}, []string{"Type 2 Diabetes Mellitus"}))
	assert.True(t, conditionsOverlap([]string{"Heart Failure"}, []string{"heart failure"}))
	assert.False(t, conditionsOverlap([]string{"asthma"}, []string{"Chronic Kidney Disease"}))
	assert.False(t, conditionsOverlap(nil, []string{"Asthma"}))
}

func TestLocationScore(t *testing.T) {
	p := &domain.Patient{City: "Rochester", State: "Minnesota", Country: "United States"}
	full := &domain.Trial{Locations: []domain.TrialLocation{
		{City: "Copenhagen", Country: "Denmark"},
		{City: "Rochester", State: "Minnesota", Country: "United States"},
	}}
	assert.InDelta(t, 1.0, locationScore(p, full), 1e-9)

	countryOnly := &domain.Trial{Locations: []domain.TrialLocation{{City: "Boston", State: "Massachusetts", Country: "United States"}}}
	assert.InDelta(t, 0.5, locationScore(p, countryOnly), 1e-9)

	abroad := &domain.Trial{Locations: []domain.TrialLocation{{City: "Copenhagen", Country: "Denmark"}}}
	assert.InDelta(t, 0.0, locationScore(p, abroad), 1e-9)

	assert.InDelta(t, 0.5, locationScore(&domain.Patient{}, full), 1e-9)
	assert.InDelta(t, 0.5, locationScore(p, &domain.Trial{}), 1e-9)
}

func TestExplainNamesStrongestComponentsFirst(t *testing.T) {
	m := domain.PatientMatch{VectorScore: 0.9, KeywordScore: 0, EligibilityScore: 1.0, LocationScore: 0}
	assert.Equal(t, "Matched on semantic similarity (0.90), eligibility fit (1.00)", explain(m))

	assert.Equal(t, "weak overall signal", explain(domain.PatientMatch{}))
}

func TestMatchAndStoreDelegates(t *testing.T) {
	f := newFixture(t)

	err := f.m.MatchAndStore(context.Background(), "nobody", 5)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
