// Package dedup finds cross-registry duplicate trials, records scored edges
// and maintains merged master views of each duplicate group.
package dedup

import (
	"math"
	"strings"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/pkg/textx"
)

// Signal weights, summing to 1.0. Title carries the most: a pair matching
// everything except title tops out at 0.65, under the probable threshold, so
// every edge-worthy pair has title similarity far above the SQL candidate
// cutoff and the trigram index cannot starve the scorer of candidates.
const (
	weightTitle         = 0.35
	weightSponsor       = 0.20
	weightStartDate     = 0.10
	weightLocations     = 0.10
	weightConditions    = 0.15
	weightInterventions = 0.10
)

// dateProximityWindow caps start-date distance in days; further apart
// contributes nothing.
const dateProximityWindow = 180.0

// Score computes the weighted similarity of two trials plus the raw signal
// values behind it. A shared NCT identifier short-circuits to a verified
// 1.0: no similarity arithmetic outranks a registry-issued identifier.
func Score(a, b *domain.Trial) (score float64, features map[string]float64, verified bool) {
	if sharedNCT(a, b) {
		return 1.0, map[string]float64{"shared_nct": 1}, true
	}
	f := map[string]float64{
		"title":         TrigramSimilarity(textx.NormalizeKey(a.Title), textx.NormalizeKey(b.Title)),
		"sponsor":       sponsorMatch(a.Sponsor, b.Sponsor),
		"start_date":    dateProximity(a.StartDate, b.StartDate),
		"locations":     jaccard(siteKeys(a.Locations), siteKeys(b.Locations)),
		"conditions":    jaccard(termSet(a.Conditions), termSet(b.Conditions)),
		"interventions": jaccard(termSet(a.Interventions), termSet(b.Interventions)),
	}
	score = weightTitle*f["title"] +
		weightSponsor*f["sponsor"] +
		weightStartDate*f["start_date"] +
		weightLocations*f["locations"] +
		weightConditions*f["conditions"] +
		weightInterventions*f["interventions"]
	return score, f, false
}

func sharedNCT(a, b *domain.Trial) bool {
	for _, id := range a.NCTIDs() {
		if b.HasNCT(id) {
			return true
		}
	}
	return false
}

// Trigrams returns the pg_trgm-compatible trigram set of a normalized
// string: each word is padded with two leading and one trailing space before
// 3-grams are taken, so Go-side scores line up with the SQL candidate
// filter.
func Trigrams(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(s) {
		r := []rune("  " + w + " ")
		for i := 0; i+3 <= len(r); i++ {
			set[string(r[i:i+3])] = struct{}{}
		}
	}
	return set
}

// TrigramSimilarity mirrors pg_trgm similarity(): shared trigrams over the
// union of both sets.
func TrigramSimilarity(a, b string) float64 {
	ta, tb := Trigrams(a), Trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for g := range ta {
		if _, ok := tb[g]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func sponsorMatch(a, b string) float64 {
	na, nb := textx.NormalizeKey(a), textx.NormalizeKey(b)
	if na == "" || na != nb {
		return 0
	}
	return 1
}

func dateProximity(a, b *time.Time) float64 {
	if a == nil || b == nil {
		return 0
	}
	days := math.Abs(a.Sub(*b).Hours() / 24)
	if days >= dateProximityWindow {
		return 0
	}
	return 1 - days/dateProximityWindow
}

// siteKeys reduces study sites to comparable facility|city|country keys.
func siteKeys(locs []domain.TrialLocation) map[string]struct{} {
	set := map[string]struct{}{}
	for _, l := range locs {
		key := textx.NormalizeKey(l.Facility) + "|" + textx.NormalizeKey(l.City) + "|" + textx.NormalizeKey(l.Country)
		if key == "||" {
			continue
		}
		set[key] = struct{}{}
	}
	return set
}

func termSet(terms []string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, t := range terms {
		if n := textx.NormalizeKey(t); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for k := range a {
		if _, ok := b[k]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}
