// Package enrich backfills derived trial data: embedding vectors for the ANN
// index and coordinates for study sites.
package enrich

import (
	"errors"
	"fmt"
	"strings"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/ai/tokencount"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/pkg/textx"
)

const (
	defaultEmbedLimit   = 500
	defaultGeocodeLimit = 200
	// embedBatch bounds texts per provider call.
	embedBatch = 64
	// maxEmbedTokens is the provider input cap per text.
	maxEmbedTokens = 8000
)

// Enricher fills in trial embeddings and site coordinates. Both halves work
// off persisted state (stale-embedding and ungeocoded queries), so interrupted
// runs resume wherever they stopped.
type Enricher struct {
	trials     domain.TrialRepo
	embeddings domain.EmbeddingRepo
	embedder   domain.Embedder
	index      domain.VectorIndex
	geocoder   domain.Geocoder
	model      string
}

func New(model string, trials domain.TrialRepo, embeddings domain.EmbeddingRepo, embedder domain.Embedder, index domain.VectorIndex, geocoder domain.Geocoder) *Enricher {
	return &Enricher{
		trials:     trials,
		embeddings: embeddings,
		embedder:   embedder,
		index:      index,
		geocoder:   geocoder,
		model:      model,
	}
}

// Enrich re-embeds up to embedLimit stale trials and geocodes up to
// geocodeLimit trials with unresolved sites. Non-positive limits select the
// defaults. The halves run independently; a failure in one does not block the
// other.
func (e *Enricher) Enrich(ctx domain.Context, embedLimit, geocodeLimit int) error {
	if embedLimit <= 0 {
		embedLimit = defaultEmbedLimit
	}
	if geocodeLimit <= 0 {
		geocodeLimit = defaultGeocodeLimit
	}

	embedded, embedErr := e.embedStale(ctx, embedLimit)
	geocoded, geoErr := e.geocodeUnresolved(ctx, geocodeLimit)

	observability.LoggerFromContext(ctx).Info("enrich pass finished",
		"embedded", embedded,
		"geocoded", geocoded,
		"embed_err", embedErr != nil,
		"geocode_err", geoErr != nil,
	)
	return errors.Join(embedErr, geoErr)
}

// EmbedText is the canonical text a trial vector is computed from.
func EmbedText(t *domain.Trial) string {
	var b strings.Builder
	b.WriteString(t.Title)
	if t.OfficialTitle != "" && !strings.EqualFold(t.OfficialTitle, t.Title) {
		b.WriteString(". ")
		b.WriteString(t.OfficialTitle)
	}
	if len(t.Conditions) > 0 {
		b.WriteString(". Conditions: ")
		b.WriteString(strings.Join(t.Conditions, ", "))
	}
	if len(t.Interventions) > 0 {
		b.WriteString(". Interventions: ")
		b.WriteString(strings.Join(t.Interventions, ", "))
	}
	if t.EligibilityCriteria != "" {
		b.WriteString(". Eligibility: ")
		b.WriteString(t.EligibilityCriteria)
	}
	if t.Description != "" {
		b.WriteString(". ")
		b.WriteString(t.Description)
	}
	return textx.CollapseWhitespace(b.String())
}

// IndexPayload is the Qdrant point payload for a trial; status and registry
// feed search-time filters.
func IndexPayload(t *domain.Trial) map[string]any {
	countries := map[string]struct{}{}
	var codes []string
	for _, l := range t.Locations {
		c := strings.ToUpper(strings.TrimSpace(l.Country))
		if c == "" {
			continue
		}
		if _, ok := countries[c]; !ok {
			countries[c] = struct{}{}
			codes = append(codes, c)
		}
	}
	return map[string]any{
		"registry":      t.Registry,
		"status":        string(t.Status),
		"country_codes": codes,
	}
}

func (e *Enricher) embedStale(ctx domain.Context, limit int) (int, error) {
	stale, err := e.embeddings.StaleTrials(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("op=enrich.stale_trials: %w", err)
	}
	done := 0
	for start := 0; start < len(stale); start += embedBatch {
		end := min(start+embedBatch, len(stale))
		batch := stale[start:end]
		texts := make([]string, len(batch))
		for i, t := range batch {
			texts[i] = tokencount.TruncateDefault(EmbedText(t), e.model, maxEmbedTokens)
		}
		vecs, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("op=enrich.embed: %w", err)
		}
		if len(vecs) != len(batch) {
			return done, fmt.Errorf("op=enrich.embed: got %d vectors for %d texts", len(vecs), len(batch))
		}
		for i, t := range batch {
			// Index first: if the durable write fails the trial stays stale
			// and the retry re-upserts both. The other order can leave the
			// index missing a point the database believes is current.
			if err := e.index.Upsert(ctx, t.TrialKey, vecs[i], IndexPayload(t)); err != nil {
				return done, fmt.Errorf("op=enrich.index_upsert: %w", err)
			}
			if err := e.embeddings.Upsert(ctx, t.TrialKey, t.ContentHash, e.model, vecs[i]); err != nil {
				return done, fmt.Errorf("op=enrich.save_embedding: %w", err)
			}
			done++
		}
	}
	return done, nil
}

func (e *Enricher) geocodeUnresolved(ctx domain.Context, limit int) (int, error) {
	trials, err := e.trials.ListUngeocoded(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("op=enrich.list_ungeocoded: %w", err)
	}
	lg := observability.LoggerFromContext(ctx)
	updated := 0
	for _, t := range trials {
		locs := make([]domain.TrialLocation, len(t.Locations))
		copy(locs, t.Locations)
		changed := false
		for i := range locs {
			if locs[i].Geocoded || (locs[i].City == "" && locs[i].Country == "") {
				continue
			}
			lat, lon, ok, err := e.geocoder.Geocode(ctx, locs[i].City, locs[i].State, locs[i].Country)
			if err != nil {
				// Transport trouble; the site stays unresolved and the next
				// run retries it. Location scoring degrades to string match.
				lg.Warn("geocode lookup failed",
					"trial_key", t.TrialKey, "city", locs[i].City, "country", locs[i].Country, "err", err)
				continue
			}
			// Unresolvable places are marked done too, or they would occupy
			// the limit on every run.
			locs[i].Geocoded = true
			if ok {
				locs[i].Lat, locs[i].Lon = lat, lon
			}
			changed = true
		}
		if !changed {
			continue
		}
		if err := e.trials.SetLocations(ctx, t.TrialKey, locs); err != nil {
			return updated, fmt.Errorf("op=enrich.set_locations: %w", err)
		}
		updated++
	}
	return updated, nil
}
