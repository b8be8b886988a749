package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue job payload schemas. Payloads are small JSON documents so failed
// jobs stay debuggable from the database alone.

// ScrapePayload drives scrape_full, scrape_incremental and scrape_sweep.
type ScrapePayload struct {
	Registry string `json:"registry"`
	Kind     string `json:"kind"`
	// Since bounds incremental runs and a sweep's oldest window
	// (YYYY-MM-DD). Empty: incremental defaults to yesterday, sweeps to the
	// registry epoch. A stored checkpoint wins over either.
	Since string `json:"since,omitempty"`
	// WindowEnd anchors a sweep's newest 30-day window (YYYY-MM-DD).
	WindowEnd string `json:"window_end,omitempty"`
}

// ImportPayload drives import_bulk for registries without a live API.
type ImportPayload struct {
	Registry string `json:"registry"`
	Path     string `json:"path"`
}

// DedupePayload drives one dedupe_batch run.
type DedupePayload struct {
	BatchSize int `json:"batch_size"`
}

// EnrichPayload drives enrich_trials (embedding + geocoding backfill).
type EnrichPayload struct {
	EmbedLimit   int `json:"embed_limit,omitempty"`
	GeocodeLimit int `json:"geocode_limit,omitempty"`
}

// MatchPayload drives match_patient.
type MatchPayload struct {
	PatientID string `json:"patient_id"`
	Limit     int    `json:"limit"`
}

// ReportPayload drives daily_report; Date is YYYY-MM-DD.
type ReportPayload struct {
	Date string `json:"date"`
}

// Job constructors. The ops API and the CLI both enqueue through these so
// validation, lanes, priorities and dedup keys stay in one place.

// NewScrapeJob builds a full, incremental or sweep scrape job for a live-API
// registry. since and windowEnd are YYYY-MM-DD and optional. Bulk-only
// registries are rejected with ErrManualImportRequired.
func NewScrapeJob(kind ScrapeKind, registry, since, windowEnd string) (*QueueJob, error) {
	if !KnownRegistry(registry) {
		return nil, fmt.Errorf("op=domain.new_scrape_job: %w: unknown registry %q", ErrInvalidArgument, registry)
	}
	if registry == RegistryEUCTR || registry == RegistryICTRP {
		return nil, fmt.Errorf("op=domain.new_scrape_job: %s: %w (use a bulk import)", registry, ErrManualImportRequired)
	}
	var jobType JobType
	var priority int
	day := time.Now().UTC().Format("2006-01-02")
	var dedupKey string
	switch kind {
	case ScrapeKindFull:
		jobType, priority = JobScrapeFull, PriorityFullScrape
		dedupKey = "full:" + registry
	case ScrapeKindIncremental:
		jobType, priority = JobScrapeIncremental, PriorityIncremental
		stamp := since
		if stamp == "" {
			stamp = day
		}
		dedupKey = "incremental:" + registry + ":" + stamp
	case ScrapeKindSweep:
		jobType, priority = JobScrapeSweep, PriorityFullScrape
		dedupKey = "sweep:" + registry
	default:
		return nil, fmt.Errorf("op=domain.new_scrape_job: %w: kind %q", ErrInvalidArgument, kind)
	}
	if err := checkDay(since); err != nil {
		return nil, err
	}
	if err := checkDay(windowEnd); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ScrapePayload{Registry: registry, Kind: string(kind), Since: since, WindowEnd: windowEnd})
	if err != nil {
		return nil, fmt.Errorf("op=domain.new_scrape_job: %w", err)
	}
	return &QueueJob{
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		Lane:        LaneFor(jobType),
		DedupKey:    dedupKey,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// NewImportJob builds a bulk-import job. Only the bulk-only registries
// accept file imports.
func NewImportJob(registry, path string) (*QueueJob, error) {
	if registry != RegistryEUCTR && registry != RegistryICTRP {
		return nil, fmt.Errorf("op=domain.new_import_job: %w: registry %q has a live API, scrape it instead", ErrInvalidArgument, registry)
	}
	if path == "" {
		return nil, fmt.Errorf("op=domain.new_import_job: %w: path required", ErrInvalidArgument)
	}
	payload, err := json.Marshal(ImportPayload{Registry: registry, Path: path})
	if err != nil {
		return nil, fmt.Errorf("op=domain.new_import_job: %w", err)
	}
	return &QueueJob{
		Type:        JobImportBulk,
		Payload:     payload,
		Priority:    PriorityFullScrape,
		Lane:        LaneFor(JobImportBulk),
		DedupKey:    "import:" + registry,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// NewDedupeJob builds one dedupe batch; batchSize <= 0 lets the handler
// default apply.
func NewDedupeJob(batchSize int) (*QueueJob, error) {
	payload, err := json.Marshal(DedupePayload{BatchSize: batchSize})
	if err != nil {
		return nil, fmt.Errorf("op=domain.new_dedupe_job: %w", err)
	}
	return &QueueJob{
		Type:        JobDedupeBatch,
		Payload:     payload,
		Priority:    PriorityDedupe,
		Lane:        LaneFor(JobDedupeBatch),
		DedupKey:    "dedupe:" + time.Now().UTC().Format("2006-01-02"),
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// NewEnrichJob builds an embedding/geocoding backfill job; non-positive
// limits select handler defaults.
func NewEnrichJob(embedLimit, geocodeLimit int) (*QueueJob, error) {
	payload, err := json.Marshal(EnrichPayload{EmbedLimit: embedLimit, GeocodeLimit: geocodeLimit})
	if err != nil {
		return nil, fmt.Errorf("op=domain.new_enrich_job: %w", err)
	}
	return &QueueJob{
		Type:        JobEnrichTrials,
		Payload:     payload,
		Priority:    PriorityEnrich,
		Lane:        LaneFor(JobEnrichTrials),
		DedupKey:    "enrich:" + time.Now().UTC().Format("2006-01-02"),
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// NewMatchJob builds a patient matching job.
func NewMatchJob(patientID string, limit int) (*QueueJob, error) {
	if patientID == "" {
		return nil, fmt.Errorf("op=domain.new_match_job: %w: patient_id required", ErrInvalidArgument)
	}
	payload, err := json.Marshal(MatchPayload{PatientID: patientID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("op=domain.new_match_job: %w", err)
	}
	return &QueueJob{
		Type:        JobMatchPatient,
		Payload:     payload,
		Priority:    PriorityInteractive,
		Lane:        LaneFor(JobMatchPatient),
		DedupKey:    "match:" + patientID,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

// NewReportJob builds a daily report job; empty date means today.
func NewReportJob(date string) (*QueueJob, error) {
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	if err := checkDay(date); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ReportPayload{Date: date})
	if err != nil {
		return nil, fmt.Errorf("op=domain.new_report_job: %w", err)
	}
	return &QueueJob{
		Type:        JobDailyReport,
		Payload:     payload,
		Priority:    PriorityReport,
		Lane:        LaneFor(JobDailyReport),
		DedupKey:    "report:" + date,
		MaxAttempts: DefaultMaxAttempts,
	}, nil
}

func checkDay(s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return fmt.Errorf("op=domain.check_day: %w: %q is not YYYY-MM-DD", ErrInvalidArgument, s)
	}
	return nil
}
