package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// ContentHash fingerprints the normalized fields of a trial. Geocoded
// coordinates, the raw payload snapshot and bookkeeping timestamps are
// excluded so enrichment and re-scrapes of unchanged records do not churn
// embeddings or change events.
func ContentHash(t *domain.Trial) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(t.TrialKey, t.Title, t.OfficialTitle, t.Description, string(t.Status), string(t.Phase),
		t.StudyType, t.Sponsor, t.EligibilityCriteria, t.Gender, t.RegistryURL,
		strconv.Itoa(t.EnrollmentCount))
	write(sortedCopy(t.SecondaryIDs)...)
	write(sortedCopy(t.Conditions)...)
	write(sortedCopy(t.Interventions)...)
	if t.MinAge != nil {
		write("min:" + strconv.Itoa(t.MinAge.Days))
	}
	if t.MaxAge != nil {
		write("max:" + strconv.Itoa(t.MaxAge.Days))
	}
	if t.StartDate != nil {
		write("start:" + t.StartDate.UTC().Format("2006-01-02"))
	}
	if t.CompletionDate != nil {
		write("completion:" + t.CompletionDate.UTC().Format("2006-01-02"))
	}
	for _, loc := range t.Locations {
		write(loc.Facility, loc.City, loc.State, loc.Country)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedCopy(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}
