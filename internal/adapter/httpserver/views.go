package httpserver

import (
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// JSON projections of domain types. Raw registry payloads and content hashes
// stay internal.

type jobView struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Lane         string     `json:"lane"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func toJobView(j *domain.QueueJob) jobView {
	return jobView{
		ID:           j.ID,
		Type:         string(j.Type),
		Lane:         j.Lane,
		Status:       string(j.Status),
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		ScheduledFor: j.ScheduledFor,
		LastError:    j.LastError,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

type trialView struct {
	TrialKey            string                 `json:"trial_key"`
	Registry            string                 `json:"registry"`
	RegistryID          string                 `json:"registry_id"`
	SecondaryIDs        []string               `json:"secondary_ids,omitempty"`
	Title               string                 `json:"title"`
	OfficialTitle       string                 `json:"official_title,omitempty"`
	Description         string                 `json:"description,omitempty"`
	Status              string                 `json:"status"`
	Phase               string                 `json:"phase,omitempty"`
	StudyType           string                 `json:"study_type,omitempty"`
	Sponsor             string                 `json:"sponsor,omitempty"`
	Conditions          []string               `json:"conditions,omitempty"`
	Interventions       []string               `json:"interventions,omitempty"`
	EligibilityCriteria string                 `json:"eligibility_criteria,omitempty"`
	Gender              string                 `json:"gender,omitempty"`
	MinAge              *domain.AgeBound       `json:"min_age,omitempty"`
	MaxAge              *domain.AgeBound       `json:"max_age,omitempty"`
	Locations           []domain.TrialLocation `json:"locations,omitempty"`
	EnrollmentCount     int                    `json:"enrollment_count,omitempty"`
	StartDate           *time.Time             `json:"start_date,omitempty"`
	CompletionDate      *time.Time             `json:"completion_date,omitempty"`
	RegistryURL         string                 `json:"registry_url,omitempty"`
	LastChangedAt       *time.Time             `json:"last_changed_at,omitempty"`
	FirstSeenAt         time.Time              `json:"first_seen_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

func toTrialView(t *domain.Trial) trialView {
	return trialView{
		TrialKey:            t.TrialKey,
		Registry:            t.Registry,
		RegistryID:          t.RegistryID,
		SecondaryIDs:        t.SecondaryIDs,
		Title:               t.Title,
		OfficialTitle:       t.OfficialTitle,
		Description:         t.Description,
		Status:              string(t.Status),
		Phase:               string(t.Phase),
		StudyType:           t.StudyType,
		Sponsor:             t.Sponsor,
		Conditions:          t.Conditions,
		Interventions:       t.Interventions,
		EligibilityCriteria: t.EligibilityCriteria,
		Gender:              t.Gender,
		MinAge:              t.MinAge,
		MaxAge:              t.MaxAge,
		Locations:           t.Locations,
		EnrollmentCount:     t.EnrollmentCount,
		StartDate:           t.StartDate,
		CompletionDate:      t.CompletionDate,
		RegistryURL:         t.RegistryURL,
		LastChangedAt:       t.LastChangedAt,
		FirstSeenAt:         t.FirstSeenAt,
		UpdatedAt:           t.UpdatedAt,
	}
}

func toTrialViews(trials []*domain.Trial) []trialView {
	out := make([]trialView, 0, len(trials))
	for _, t := range trials {
		out = append(out, toTrialView(t))
	}
	return out
}

type matchView struct {
	TrialKey         string  `json:"trial_key"`
	Rank             int     `json:"rank"`
	FinalScore       float64 `json:"final_score"`
	VectorScore      float64 `json:"vector_score"`
	KeywordScore     float64 `json:"keyword_score"`
	EligibilityScore float64 `json:"eligibility_score"`
	LocationScore    float64 `json:"location_score"`
	Explanation      string  `json:"explanation"`
}

func toMatchViews(matches []domain.PatientMatch) []matchView {
	out := make([]matchView, 0, len(matches))
	for _, m := range matches {
		out = append(out, matchView{
			TrialKey:         m.TrialKey,
			Rank:             m.Rank,
			FinalScore:       m.FinalScore,
			VectorScore:      m.VectorScore,
			KeywordScore:     m.KeywordScore,
			EligibilityScore: m.EligibilityScore,
			LocationScore:    m.LocationScore,
			Explanation:      m.Explanation,
		})
	}
	return out
}

type queueLaneView struct {
	Lane   string `json:"lane"`
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type workerView struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	Lanes       []string  `json:"lanes"`
	Size        int       `json:"size"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

type runView struct {
	Registry   string     `json:"registry"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Fetched    int64      `json:"fetched"`
	Upserted   int64      `json:"upserted"`
	Failed     int64      `json:"failed"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

type alertView struct {
	Severity string            `json:"severity"`
	Kind     string            `json:"kind"`
	Message  string            `json:"message"`
	Labels   map[string]string `json:"labels,omitempty"`
	FiredAt  time.Time         `json:"fired_at"`
}

type statusView struct {
	Queue            []queueLaneView  `json:"queue"`
	Workers          []workerView     `json:"workers"`
	LastRuns         []runView        `json:"last_runs"`
	OpenAlerts       []alertView      `json:"open_alerts"`
	TrialsByRegistry map[string]int64 `json:"trials_by_registry"`
}
