package domain

import "time"

// DupVerdict classifies a duplicate edge by score.
type DupVerdict string

const (
	DupExact    DupVerdict = "exact"    // score >= 0.95, or shared NCT id
	DupFuzzy    DupVerdict = "fuzzy"    // score >= 0.90
	DupProbable DupVerdict = "probable" // score >= 0.85
)

// Duplicate scoring thresholds. Pairs under ThresholdProbable get no edge.
const (
	ThresholdExact    = 0.95
	ThresholdFuzzy    = 0.90
	ThresholdProbable = 0.85
)

// DuplicatePair is an undirected edge between two trials suspected to be the
// same study. Keys are stored in canonical order (KeyA < KeyB) so the edge is
// unique regardless of comparison direction.
type DuplicatePair struct {
	TrialKeyA string
	TrialKeyB string
	Score     float64
	Verdict   DupVerdict
	// Features holds the per-signal component scores that produced Score,
	// kept for audit and threshold tuning.
	Features map[string]float64
	// Verified marks pairs proven by a shared registry identifier rather
	// than similarity alone.
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanonicalPair orders two trial keys lexicographically.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// VerdictFor maps a score to its verdict; ok is false below the probable
// threshold.
func VerdictFor(score float64) (DupVerdict, bool) {
	switch {
	case score >= ThresholdExact:
		return DupExact, true
	case score >= ThresholdFuzzy:
		return DupFuzzy, true
	case score >= ThresholdProbable:
		return DupProbable, true
	default:
		return "", false
	}
}

// TrialMaster is the merged view of a duplicate group. MasterKey is the
// surviving member (highest registry priority, earliest first-seen on ties);
// Merged carries unioned arrays and newest non-empty scalars. Originals are
// never mutated.
type TrialMaster struct {
	MasterKey  string
	MemberKeys []string
	Merged     Trial
	UpdatedAt  time.Time
}
