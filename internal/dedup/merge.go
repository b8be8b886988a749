package dedup

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// BuildMaster folds a duplicate group into its merged master view. The
// survivor supplies identity (strongest registry, earliest first-seen on
// ties); arrays union with case-insensitive dedupe, scalars take the newest
// non-empty member value. Member rows are never mutated.
func BuildMaster(members []*domain.Trial) *domain.TrialMaster {
	if len(members) == 0 {
		return nil
	}
	survivor := members[0]
	for _, m := range members[1:] {
		if strongerSurvivor(m, survivor) {
			survivor = m
		}
	}

	// Newest change first, so the first non-empty value per scalar wins.
	ordered := make([]*domain.Trial, len(members))
	copy(ordered, members)
	sort.SliceStable(ordered, func(i, j int) bool {
		return changedAt(ordered[i]).After(changedAt(ordered[j]))
	})

	merged := *survivor
	merged.Title = newest(ordered, func(t *domain.Trial) string { return t.Title })
	merged.OfficialTitle = newest(ordered, func(t *domain.Trial) string { return t.OfficialTitle })
	merged.Description = newest(ordered, func(t *domain.Trial) string { return t.Description })
	merged.Status = newestStatus(ordered)
	merged.Phase = newest(ordered, func(t *domain.Trial) domain.TrialPhase { return t.Phase })
	merged.StudyType = newest(ordered, func(t *domain.Trial) string { return t.StudyType })
	merged.Sponsor = newest(ordered, func(t *domain.Trial) string { return t.Sponsor })
	merged.EligibilityCriteria = newest(ordered, func(t *domain.Trial) string { return t.EligibilityCriteria })
	merged.Gender = newest(ordered, func(t *domain.Trial) string { return t.Gender })
	merged.MinAge = newest(ordered, func(t *domain.Trial) *domain.AgeBound { return t.MinAge })
	merged.MaxAge = newest(ordered, func(t *domain.Trial) *domain.AgeBound { return t.MaxAge })
	merged.EnrollmentCount = newest(ordered, func(t *domain.Trial) int { return t.EnrollmentCount })
	merged.StartDate = newest(ordered, func(t *domain.Trial) *time.Time { return t.StartDate })
	merged.CompletionDate = newest(ordered, func(t *domain.Trial) *time.Time { return t.CompletionDate })

	merged.SecondaryIDs = unionIDs(survivor, members)
	merged.Conditions = unionStrings(members, func(t *domain.Trial) []string { return t.Conditions })
	merged.Interventions = unionStrings(members, func(t *domain.Trial) []string { return t.Interventions })
	merged.Locations = unionLocations(members)

	// The master is a synthetic view, not a scraped record.
	merged.Raw = nil
	merged.ContentHash = ""
	merged.FirstSeenAt = earliestSeen(members)
	if lc := changedAt(ordered[0]); !lc.IsZero() {
		v := lc
		merged.LastChangedAt = &v
	}
	merged.UpdatedAt = time.Now().UTC()

	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, m.TrialKey)
	}
	sort.Strings(keys)

	return &domain.TrialMaster{
		MasterKey:  survivor.TrialKey,
		MemberKeys: keys,
		Merged:     merged,
		UpdatedAt:  merged.UpdatedAt,
	}
}

func strongerSurvivor(candidate, current *domain.Trial) bool {
	pc, pu := domain.RegistryPriority(candidate.Registry), domain.RegistryPriority(current.Registry)
	if pc != pu {
		return pc < pu
	}
	return candidate.FirstSeenAt.Before(current.FirstSeenAt)
}

// changedAt falls back to UpdatedAt when a registry never reports a change
// timestamp.
func changedAt(t *domain.Trial) time.Time {
	if t.LastChangedAt != nil {
		return *t.LastChangedAt
	}
	return t.UpdatedAt
}

func newest[V comparable](ordered []*domain.Trial, get func(*domain.Trial) V) V {
	var zero V
	for _, t := range ordered {
		if v := get(t); v != zero {
			return v
		}
	}
	return zero
}

// newestStatus skips UNKNOWN; a stale concrete status beats a fresh shrug.
func newestStatus(ordered []*domain.Trial) domain.TrialStatus {
	for _, t := range ordered {
		if t.Status != "" && t.Status != domain.StatusUnknown {
			return t.Status
		}
	}
	return domain.StatusUnknown
}

// unionIDs collects every identifier the group is known by: all secondary
// IDs plus the registry IDs of non-surviving members.
func unionIDs(survivor *domain.Trial, members []*domain.Trial) []string {
	var out []string
	for _, m := range members {
		out = append(out, m.SecondaryIDs...)
		if m.TrialKey != survivor.TrialKey {
			out = append(out, m.RegistryID)
		}
	}
	out = lo.UniqBy(out, func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) })
	sort.Strings(out)
	return out
}

func unionStrings(members []*domain.Trial, get func(*domain.Trial) []string) []string {
	var out []string
	for _, m := range members {
		out = append(out, get(m)...)
	}
	return lo.UniqBy(out, strings.ToLower)
}

func unionLocations(members []*domain.Trial) []domain.TrialLocation {
	var out []domain.TrialLocation
	for _, m := range members {
		out = append(out, m.Locations...)
	}
	return lo.UniqBy(out, func(l domain.TrialLocation) string {
		return strings.ToLower(l.Facility + "|" + l.City + "|" + l.Country)
	})
}

func earliestSeen(members []*domain.Trial) time.Time {
	earliest := members[0].FirstSeenAt
	for _, m := range members[1:] {
		if !m.FirstSeenAt.IsZero() && (earliest.IsZero() || m.FirstSeenAt.Before(earliest)) {
			earliest = m.FirstSeenAt
		}
	}
	return earliest
}
