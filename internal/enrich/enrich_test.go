package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

type stubEmbeddings struct {
	domain.EmbeddingRepo
	stale     []*domain.Trial
	staleErr  error
	limitGot  int
	saved     []string // trial keys in save order
	savedHash map[string]string
}

func (s *stubEmbeddings) StaleTrials(_ domain.Context, limit int) ([]*domain.Trial, error) {
	s.limitGot = limit
	if s.staleErr != nil {
		return nil, s.staleErr
	}
	if limit < len(s.stale) {
		return s.stale[:limit], nil
	}
	return s.stale, nil
}

func (s *stubEmbeddings) Upsert(_ domain.Context, trialKey, contentHash, _ string, _ []float32) error {
	s.saved = append(s.saved, trialKey)
	if s.savedHash == nil {
		s.savedHash = map[string]string{}
	}
	s.savedHash[trialKey] = contentHash
	return nil
}

type stubEmbedder struct {
	calls [][]string
	err   error
}

func (s *stubEmbedder) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	s.calls = append(s.calls, texts)
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type stubIndex struct {
	domain.VectorIndex
	upserts  []string
	payloads map[string]map[string]any
	err      error
}

func (s *stubIndex) Upsert(_ domain.Context, trialKey string, _ []float32, payload map[string]any) error {
	if s.err != nil {
		return s.err
	}
	s.upserts = append(s.upserts, trialKey)
	if s.payloads == nil {
		s.payloads = map[string]map[string]any{}
	}
	s.payloads[trialKey] = payload
	return nil
}

type stubTrials struct {
	domain.TrialRepo
	ungeocoded []*domain.Trial
	limitGot   int
	setCalls   map[string][]domain.TrialLocation
}

func (s *stubTrials) ListUngeocoded(_ domain.Context, limit int) ([]*domain.Trial, error) {
	s.limitGot = limit
	return s.ungeocoded, nil
}

func (s *stubTrials) SetLocations(_ domain.Context, trialKey string, locs []domain.TrialLocation) error {
	if s.setCalls == nil {
		s.setCalls = map[string][]domain.TrialLocation{}
	}
	s.setCalls[trialKey] = locs
	return nil
}

type geoResult struct {
	lat, lon float64
	ok       bool
	err      error
}

type stubGeocoder struct {
	results map[string]geoResult // keyed city
	calls   int
}

func (s *stubGeocoder) Geocode(_ domain.Context, city, _, _ string) (float64, float64, bool, error) {
	s.calls++
	r, found := s.results[city]
	if !found {
		return 0, 0, false, nil
	}
	return r.lat, r.lon, r.ok, r.err
}

func staleTrial(key string) *domain.Trial {
	return &domain.Trial{
		TrialKey:    key,
		Registry:    domain.RegistryCTGov,
		Title:       "Semaglutide in Heart Failure",
		Status:      domain.StatusRecruiting,
		Conditions:  []string{"Heart Failure"},
		ContentHash: "hash-" + key,
		Locations: []domain.TrialLocation{
			{Facility: "Mayo Clinic", City: "Rochester", Country: "United States"},
			{Facility: "Site 2", City: "Copenhagen", Country: "Denmark"},
		},
	}
}

func newEnricher(tr *stubTrials, em *stubEmbeddings, e *stubEmbedder, ix *stubIndex, g *stubGeocoder) *Enricher {
	return New("text-embedding-3-small", tr, em, e, ix, g)
}

func TestEnrichEmbedsStaleTrials(t *testing.T) {
	em := &stubEmbeddings{stale: []*domain.Trial{staleTrial("ctgov:NCT00000001"), staleTrial("ctgov:NCT00000002")}}
	emb := &stubEmbedder{}
	ix := &stubIndex{}
	tr := &stubTrials{}
	g := &stubGeocoder{}

	err := newEnricher(tr, em, emb, ix, g).Enrich(context.Background(), 0, 0)

	require.NoError(t, err)
	assert.Equal(t, defaultEmbedLimit, em.limitGot)
	assert.Equal(t, defaultGeocodeLimit, tr.limitGot)
	require.Len(t, emb.calls, 1, "both texts fit one provider batch")
	assert.Len(t, emb.calls[0], 2)
	assert.Equal(t, []string{"ctgov:NCT00000001", "ctgov:NCT00000002"}, ix.upserts)
	assert.Equal(t, []string{"ctgov:NCT00000001", "ctgov:NCT00000002"}, em.saved)
	assert.Equal(t, "hash-ctgov:NCT00000001", em.savedHash["ctgov:NCT00000001"])

	payload := ix.payloads["ctgov:NCT00000001"]
	require.NotNil(t, payload)
	assert.Equal(t, "RECRUITING", payload["status"])
	assert.Equal(t, "ctgov", payload["registry"])
	assert.Equal(t, []string{"UNITED STATES", "DENMARK"}, payload["country_codes"])
}

func TestEnrichBatchesProviderCalls(t *testing.T) {
	em := &stubEmbeddings{}
	for i := 0; i < embedBatch+6; i++ {
		em.stale = append(em.stale, staleTrial(fmt.Sprintf("ctgov:NCT%08d", i)))
	}
	emb := &stubEmbedder{}
	enr := newEnricher(&stubTrials{}, em, emb, &stubIndex{}, &stubGeocoder{})

	require.NoError(t, enr.Enrich(context.Background(), len(em.stale), 1))

	require.Len(t, emb.calls, 2)
	assert.Len(t, emb.calls[0], embedBatch)
	assert.Len(t, emb.calls[1], 6)
}

func TestEnrichIndexWriteHappensBeforeDurableWrite(t *testing.T) {
	em := &stubEmbeddings{stale: []*domain.Trial{staleTrial("ctgov:NCT00000001")}}
	ix := &stubIndex{err: errors.New("qdrant down")}
	enr := newEnricher(&stubTrials{}, em, &stubEmbedder{}, ix, &stubGeocoder{})

	err := enr.Enrich(context.Background(), 0, 0)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=enrich.index_upsert")
	assert.Empty(t, em.saved, "a failed index write must leave the trial stale")
}

func TestEnrichEmbedFailureStillGeocodes(t *testing.T) {
	em := &stubEmbeddings{stale: []*domain.Trial{staleTrial("ctgov:NCT00000001")}}
	emb := &stubEmbedder{err: errors.New("429 too many requests")}
	site := staleTrial("ctgov:NCT00000002")
	tr := &stubTrials{ungeocoded: []*domain.Trial{site}}
	g := &stubGeocoder{results: map[string]geoResult{
		"Rochester":  {lat: 44.02, lon: -92.46, ok: true},
		"Copenhagen": {lat: 55.67, lon: 12.56, ok: true},
	}}

	err := newEnricher(tr, em, emb, &stubIndex{}, g).Enrich(context.Background(), 0, 0)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=enrich.embed")
	require.Contains(t, tr.setCalls, "ctgov:NCT00000002", "geocoding must run despite the embed failure")
}

func TestEnrichGeocodesSitesAndMarksUnresolvable(t *testing.T) {
	trial := staleTrial("ctgov:NCT00000001")
	tr := &stubTrials{ungeocoded: []*domain.Trial{trial}}
	g := &stubGeocoder{results: map[string]geoResult{
		"Rochester":  {lat: 44.02, lon: -92.46, ok: true},
		"Copenhagen": {ok: false}, // known place, no result
	}}
	enr := newEnricher(tr, &stubEmbeddings{}, &stubEmbedder{}, &stubIndex{}, g)

	require.NoError(t, enr.Enrich(context.Background(), 1, 10))

	locs := tr.setCalls["ctgov:NCT00000001"]
	require.Len(t, locs, 2)
	assert.True(t, locs[0].Geocoded)
	assert.InDelta(t, 44.02, locs[0].Lat, 1e-9)
	assert.True(t, locs[1].Geocoded, "unresolvable sites are marked so they stop occupying the limit")
	assert.Zero(t, locs[1].Lat)
	// Source slice is not mutated.
	assert.False(t, trial.Locations[0].Geocoded)
}

func TestEnrichGeocodeTransportErrorLeavesSiteForRetry(t *testing.T) {
	trial := staleTrial("ctgov:NCT00000001")
	tr := &stubTrials{ungeocoded: []*domain.Trial{trial}}
	g := &stubGeocoder{results: map[string]geoResult{
		"Rochester":  {err: errors.New("connect timeout")},
		"Copenhagen": {lat: 55.67, lon: 12.56, ok: true},
	}}
	enr := newEnricher(tr, &stubEmbeddings{}, &stubEmbedder{}, &stubIndex{}, g)

	require.NoError(t, enr.Enrich(context.Background(), 1, 10))

	locs := tr.setCalls["ctgov:NCT00000001"]
	require.Len(t, locs, 2)
	assert.False(t, locs[0].Geocoded, "transport failures stay retryable")
	assert.True(t, locs[1].Geocoded)
}

func TestEmbedText(t *testing.T) {
	tr := staleTrial("ctgov:NCT00000001")
	tr.OfficialTitle = "A Phase 3 Study of Semaglutide"
	tr.Interventions = []string{"Semaglutide", "Placebo"}
	tr.EligibilityCriteria = "Adults 18-75 with NYHA class II-III"
	tr.Description = "Multi-centre   randomized trial."

	got := EmbedText(tr)

	assert.Equal(t, "Semaglutide in Heart Failure. A Phase 3 Study of Semaglutide. "+
		"Conditions: Heart Failure. Interventions: Semaglutide, Placebo. "+
		"Eligibility: Adults 18-75 with NYHA class II-III. Multi-centre randomized trial.", got)
}

func TestEmbedTextOmitsEmptyParts(t *testing.T) {
	got := EmbedText(&domain.Trial{Title: "Short Title"})
	assert.Equal(t, "Short Title", got)
	assert.False(t, strings.Contains(got, "Conditions"))
}

func TestIndexPayloadDedupesCountries(t *testing.T) {
	tr := &domain.Trial{
		Registry: domain.RegistryCTIS,
		Status:   domain.StatusCompleted,
		Locations: []domain.TrialLocation{
			{Country: "Germany"},
			{Country: "germany"},
			{Country: ""},
			{Country: "France"},
		},
	}

	p := IndexPayload(tr)

	assert.Equal(t, []string{"GERMANY", "FRANCE"}, p["country_codes"])
	assert.Equal(t, "COMPLETED", p["status"])
}
