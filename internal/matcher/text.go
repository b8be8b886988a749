package matcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/pkg/textx"
)

// neutralScore is used when neither side carries enough information to
// compare; it neither rewards nor punishes sparse records.
const neutralScore = 0.5

// PatientText renders the canonical embedding text for a patient. Clause
// order is fixed so the same profile always embeds identically; empty
// clauses drop out.
func PatientText(p *domain.Patient) string {
	var parts []string
	if len(p.Conditions) > 0 {
		parts = append(parts, "Conditions: "+strings.Join(p.Conditions, ", ")+".")
	}
	if len(p.Symptoms) > 0 {
		parts = append(parts, "Symptoms: "+strings.Join(p.Symptoms, ", ")+".")
	}
	if len(p.PreviousTreatments) > 0 {
		parts = append(parts, "Previous treatments: "+strings.Join(p.PreviousTreatments, ", ")+".")
	}
	if len(p.Medications) > 0 {
		parts = append(parts, "Current medications: "+strings.Join(p.Medications, ", ")+".")
	}
	if len(p.Allergies) > 0 {
		parts = append(parts, "Allergies: "+strings.Join(p.Allergies, ", ")+".")
	}
	if p.AgeYears > 0 {
		parts = append(parts, fmt.Sprintf("Age: %d years.", p.AgeYears))
	}
	if p.Gender != "" {
		parts = append(parts, "Gender: "+p.Gender+".")
	}
	if p.TreatmentUrgency != "" {
		parts = append(parts, "Treatment urgency: "+p.TreatmentUrgency+".")
	}
	if loc := joinLocation(p.City, p.State, p.Country); loc != "" {
		parts = append(parts, "Location: "+loc+".")
	}
	if n := strings.TrimSpace(p.Narrative); n != "" {
		parts = append(parts, n)
	}
	return strings.Join(parts, " ")
}

func joinLocation(city, state, country string) string {
	var parts []string
	for _, s := range []string{city, state, country} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// searchQuery renders terms as a websearch_to_tsquery expression: synonyms
// are alternatives, so they join with OR, and multi-word terms become
// phrases.
func searchQuery(terms []string) string {
	var parts []string
	seen := map[string]struct{}{}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		key := textx.NormalizeKey(t)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if strings.ContainsAny(t, " \t") {
			t = `"` + strings.ReplaceAll(t, `"`, "") + `"`
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, " OR ")
}

// eligibility applies the hard filters and scores the trial's checkable
// criteria. ok false drops the candidate outright: a patient outside a
// stated age bound or gender restriction can never enroll. The score is the
// fraction of stated criteria the profile positively satisfies; a trial
// stating none is neutral.
func eligibility(p *domain.Patient, t *domain.Trial, patientConds []string) (score float64, ok bool) {
	patientDays := p.AgeYears * 365
	if p.AgeYears > 0 {
		if t.MinAge != nil && patientDays < t.MinAge.Days {
			return 0, false
		}
		if t.MaxAge != nil && patientDays > t.MaxAge.Days {
			return 0, false
		}
	}
	restricted := t.Gender != "" && !strings.EqualFold(t.Gender, "ALL")
	if restricted && p.Gender != "" && !strings.EqualFold(t.Gender, p.Gender) {
		return 0, false
	}

	var checked, satisfied float64
	if t.MinAge != nil || t.MaxAge != nil {
		checked++
		if p.AgeYears > 0 {
			satisfied++ // in range, or the hard filter would have dropped it
		}
	}
	if restricted {
		checked++
		if p.Gender != "" {
			satisfied++
		}
	}
	if len(t.Conditions) > 0 && len(patientConds) > 0 {
		checked++
		if conditionsOverlap(patientConds, t.Conditions) {
			satisfied++
		}
	}
	if checked == 0 {
		return neutralScore, true
	}
	return satisfied / checked, true
}

// conditionsOverlap reports whether any expanded patient term matches a
// trial condition after normalization; containment counts so "type 2
// diabetes" matches "Type 2 Diabetes Mellitus".
func conditionsOverlap(patientTerms, trialConds []string) bool {
	norm := make([]string, 0, len(trialConds))
	for _, c := range trialConds {
		if n := textx.NormalizeKey(c); n != "" {
			norm = append(norm, n)
		}
	}
	for _, term := range patientTerms {
		pt := textx.NormalizeKey(term)
		if pt == "" {
			continue
		}
		for _, tc := range norm {
			if strings.Contains(tc, pt) || strings.Contains(pt, tc) {
				return true
			}
		}
	}
	return false
}

// locationScore compares the patient's home to the trial's sites: country
// 0.5, state 0.3, city 0.2, best site wins. Missing location on either side
// is neutral.
func locationScore(p *domain.Patient, t *domain.Trial) float64 {
	if p.City == "" && p.State == "" && p.Country == "" {
		return neutralScore
	}
	if len(t.Locations) == 0 {
		return neutralScore
	}
	best := 0.0
	for _, l := range t.Locations {
		s := 0.0
		if keysEqual(l.Country, p.Country) {
			s += 0.5
		}
		if keysEqual(l.State, p.State) {
			s += 0.3
		}
		if keysEqual(l.City, p.City) {
			s += 0.2
		}
		if s > best {
			best = s
		}
	}
	return best
}

func keysEqual(a, b string) bool {
	na, nb := textx.NormalizeKey(a), textx.NormalizeKey(b)
	return na != "" && na == nb
}

// explain names the components that carried a match, strongest contribution
// first, with the raw component values.
func explain(m domain.PatientMatch) string {
	type comp struct {
		name   string
		raw    float64
		weight float64
	}
	comps := []comp{
		{"semantic similarity", m.VectorScore, domain.MatchWeightVector},
		{"keyword overlap", m.KeywordScore, domain.MatchWeightKeyword},
		{"eligibility fit", m.EligibilityScore, domain.MatchWeightEligibility},
		{"site proximity", m.LocationScore, domain.MatchWeightLocation},
	}
	sort.SliceStable(comps, func(i, j int) bool {
		return comps[i].raw*comps[i].weight > comps[j].raw*comps[j].weight
	})
	var parts []string
	for _, c := range comps {
		if c.raw*c.weight >= 0.01 {
			parts = append(parts, fmt.Sprintf("%s (%.2f)", c.name, c.raw))
		}
	}
	if len(parts) == 0 {
		return "weak overall signal"
	}
	return "Matched on " + strings.Join(parts, ", ")
}
