package domain

import "time"

// Patient is the matching input. Only fields relevant to trial matching are
// stored; free-text narrative feeds the embedding side of the score.
type Patient struct {
	ID                 string
	AgeYears           int
	Gender             string // ALL is not valid here; FEMALE, MALE or empty
	Conditions         []string
	Symptoms           []string
	PreviousTreatments []string
	Medications        []string
	Allergies          []string
	TreatmentUrgency   string // low, medium, high or empty
	City               string
	State              string
	Country            string
	Lat                *float64
	Lon                *float64
	Narrative          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Matching weights. Final = 0.4*vector + 0.3*keyword + 0.2*eligibility +
// 0.1*location; ties break on ascending trial key.
const (
	MatchWeightVector      = 0.4
	MatchWeightKeyword     = 0.3
	MatchWeightEligibility = 0.2
	MatchWeightLocation    = 0.1
	// MatchMinCosine is the ANN pre-filter floor.
	MatchMinCosine = 0.6
)

// PatientMatch is one ranked patient-trial result with its component scores.
// Explanation is a generated one-liner naming the components that carried the
// score.
type PatientMatch struct {
	PatientID        string
	TrialKey         string
	Rank             int
	FinalScore       float64
	VectorScore      float64
	KeywordScore     float64
	EligibilityScore float64
	LocationScore    float64
	Explanation      string
	CreatedAt        time.Time
}
