package domain

import (
	"fmt"
	"strings"
	"time"
)

// Registry identifiers. These are stable and appear in trial keys, queue
// payloads, checkpoints and metric labels.
const (
	RegistryCTGov  = "ctgov"  // ClinicalTrials.gov
	RegistryISRCTN = "isrctn" // ISRCTN registry
	RegistryCTIS   = "ctis"   // EU Clinical Trials Information System
	RegistryEUCTR  = "euctr"  // EU Clinical Trials Register (bulk only)
	RegistryICTRP  = "ictrp"  // WHO ICTRP export (bulk only)
)

// Registries lists all supported registries in merge-priority order: when
// duplicate records are merged, fields from an earlier registry win ties.
var Registries = []string{RegistryCTGov, RegistryEUCTR, RegistryCTIS, RegistryISRCTN, RegistryICTRP}

// APIRegistries are the registries reachable through a live API. The
// remaining ones only accept bulk imports.
var APIRegistries = []string{RegistryCTGov, RegistryISRCTN, RegistryCTIS}

// KnownRegistry reports whether name is a supported registry identifier.
func KnownRegistry(name string) bool {
	for _, r := range Registries {
		if r == name {
			return true
		}
	}
	return false
}

// RegistryPriority returns the merge priority of a registry; lower is
// stronger. Unknown registries sort last.
func RegistryPriority(registry string) int {
	for i, r := range Registries {
		if r == registry {
			return i
		}
	}
	return len(Registries)
}

// MakeTrialKey builds the canonical registry-scoped key, e.g.
// "ctgov:NCT01234567". Registry IDs are upper-cased so keys compare stably.
func MakeTrialKey(registry, registryID string) string {
	return registry + ":" + strings.ToUpper(strings.TrimSpace(registryID))
}

// SplitTrialKey is the inverse of MakeTrialKey.
func SplitTrialKey(key string) (registry, registryID string, err error) {
	i := strings.IndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("op=domain.split_trial_key: %w: %q", ErrInvalidArgument, key)
	}
	return key[:i], key[i+1:], nil
}

// TrialStatus is the canonical recruitment status. Registry-specific strings
// map into this set; anything unmapped becomes StatusUnknown, never dropped.
type TrialStatus string

const (
	StatusRecruiting          TrialStatus = "RECRUITING"
	StatusNotYetRecruiting    TrialStatus = "NOT_YET_RECRUITING"
	StatusActiveNotRecruiting TrialStatus = "ACTIVE_NOT_RECRUITING"
	StatusEnrollingByInvite   TrialStatus = "ENROLLING_BY_INVITATION"
	StatusSuspended           TrialStatus = "SUSPENDED"
	StatusTerminated          TrialStatus = "TERMINATED"
	StatusCompleted           TrialStatus = "COMPLETED"
	StatusWithdrawn           TrialStatus = "WITHDRAWN"
	StatusUnknown             TrialStatus = "UNKNOWN"
)

// TrialPhase is the canonical study phase.
type TrialPhase string

const (
	PhaseEarly1 TrialPhase = "EARLY_PHASE_1"
	Phase1      TrialPhase = "PHASE_1"
	Phase2      TrialPhase = "PHASE_2"
	Phase2And3  TrialPhase = "PHASE_2_3"
	Phase3      TrialPhase = "PHASE_3"
	Phase4      TrialPhase = "PHASE_4"
	PhaseNA     TrialPhase = "NA"
)

// AgeBound is an eligibility age limit normalized to a day count. Original
// keeps the registry's wording ("18 Years", "6 Months") for display.
type AgeBound struct {
	Days     int    `json:"days"`
	Original string `json:"original"`
}

// Years is a convenience view of the bound at day granularity.
func (a AgeBound) Years() float64 { return float64(a.Days) / 365.0 }

// TrialLocation is one study site. Lat/Lon are zero until geocoded.
type TrialLocation struct {
	Facility string  `json:"facility,omitempty"`
	City     string  `json:"city,omitempty"`
	State    string  `json:"state,omitempty"`
	Country  string  `json:"country,omitempty"`
	Lat      float64 `json:"lat,omitempty"`
	Lon      float64 `json:"lon,omitempty"`
	Geocoded bool    `json:"geocoded,omitempty"`
}

// Trial is the canonical cross-registry record. One row per registry entry;
// cross-registry duplicates are linked via DuplicatePair and merged into a
// TrialMaster, the originals stay untouched.
type Trial struct {
	TrialKey      string
	Registry      string
	RegistryID    string
	SecondaryIDs  []string // NCT aliases, EudraCT numbers, sponsor protocol IDs
	Title         string
	OfficialTitle string
	Description   string
	Status        TrialStatus
	Phase         TrialPhase
	StudyType     string
	Sponsor       string
	Conditions    []string
	Interventions []string

	EligibilityCriteria string
	Gender              string // ALL, FEMALE, MALE
	MinAge              *AgeBound
	MaxAge              *AgeBound

	Locations       []TrialLocation
	EnrollmentCount int
	StartDate       *time.Time
	CompletionDate  *time.Time
	RegistryURL     string

	// ContentHash fingerprints the normalized record; embeddings and events
	// only refresh when it changes.
	ContentHash string
	Raw         []byte // registry payload snapshot (JSON)

	LastChangedAt *time.Time
	FirstSeenAt   time.Time
	UpdatedAt     time.Time
}

// HasNCT reports whether the trial carries the given NCT number either as its
// own registry ID or as a secondary identifier.
func (t *Trial) HasNCT(nct string) bool {
	nct = strings.ToUpper(strings.TrimSpace(nct))
	if nct == "" {
		return false
	}
	if t.Registry == RegistryCTGov && strings.EqualFold(t.RegistryID, nct) {
		return true
	}
	for _, id := range t.SecondaryIDs {
		if strings.EqualFold(strings.TrimSpace(id), nct) {
			return true
		}
	}
	return false
}

// NCTIDs returns every NCT-shaped identifier attached to the trial.
func (t *Trial) NCTIDs() []string {
	var out []string
	if t.Registry == RegistryCTGov {
		out = append(out, strings.ToUpper(t.RegistryID))
	}
	for _, id := range t.SecondaryIDs {
		id = strings.ToUpper(strings.TrimSpace(id))
		if strings.HasPrefix(id, "NCT") && len(id) == 11 {
			out = append(out, id)
		}
	}
	return out
}
