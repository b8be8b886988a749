package domain

import (
	"encoding/json"
	"time"
)

// JobStatus values for the durable queue.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// JobType identifies the handler a queued job dispatches to.
type JobType string

const (
	JobScrapeFull        JobType = "scrape_full"
	JobScrapeIncremental JobType = "scrape_incremental"
	JobScrapeSweep       JobType = "scrape_sweep"
	JobImportBulk        JobType = "import_bulk"
	JobDedupeBatch       JobType = "dedupe_batch"
	JobEnrichTrials      JobType = "enrich_trials"
	JobMatchPatient      JobType = "match_patient"
	JobDailyReport       JobType = "daily_report"
)

// Lanes partition the queue so long scrapes cannot starve maintenance work.
const (
	LaneScrape      = "scrape"
	LaneProcess     = "process"
	LaneMaintenance = "maintenance"
)

// Priorities; higher leases first within a lane, FIFO inside a priority.
const (
	PriorityInteractive = 10
	PriorityIncremental = 7
	PriorityDedupe      = 6
	PriorityFullScrape  = 5
	PriorityEnrich      = 4
	PriorityReport      = 3
)

// Queue timing constants.
const (
	// LeaseDuration is the visibility timeout: a processing job whose lease
	// is older than this is considered abandoned and re-leased.
	LeaseDuration = 5 * time.Minute
	// RetryBase and RetryCap bound the failure backoff
	// min(RetryBase*2^attempts, RetryCap) with full jitter.
	RetryBase = 60 * time.Second
	RetryCap  = time.Hour
	// DefaultMaxAttempts is the terminal-failure threshold.
	DefaultMaxAttempts = 5
)

// LaneFor returns the queue lane a job type runs in.
func LaneFor(t JobType) string {
	switch t {
	case JobScrapeFull, JobScrapeIncremental, JobScrapeSweep, JobImportBulk:
		return LaneScrape
	case JobDedupeBatch, JobEnrichTrials, JobMatchPatient:
		return LaneProcess
	default:
		return LaneMaintenance
	}
}

// QueueJob is one durable unit of work. Rows live in Postgres and move
// pending -> processing -> completed/failed; failed rows below the attempt
// cap return to pending with a backoff schedule.
type QueueJob struct {
	ID          string
	Type        JobType
	Payload     json.RawMessage
	Priority    int
	Lane        string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	// DedupKey suppresses concurrent duplicates of idempotent jobs
	// (e.g. "incremental:ctgov:2026-08-25"). Empty means no suppression.
	DedupKey     string
	ScheduledFor time.Time
	LeasedUntil  *time.Time
	LeasedBy     string
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// ScrapeKind distinguishes scraping run flavors.
type ScrapeKind string

const (
	ScrapeKindFull        ScrapeKind = "full"
	ScrapeKindIncremental ScrapeKind = "incremental"
	ScrapeKindSweep       ScrapeKind = "sweep"
	ScrapeKindImport      ScrapeKind = "import"
)

// ScrapeStatus values for scraping run bookkeeping.
type ScrapeStatus string

const (
	ScrapeRunning   ScrapeStatus = "running"
	ScrapeCompleted ScrapeStatus = "completed"
	ScrapeFailed    ScrapeStatus = "failed"
)

// ScrapingRun records one execution of a registry scrape. The monitor marks
// runs failed when their heartbeat goes stale.
type ScrapingRun struct {
	ID         string // ULID
	Registry   string
	Kind       ScrapeKind
	Status     ScrapeStatus
	QueueJobID string

	Fetched  int64
	Upserted int64
	Failed   int64

	HeartbeatAt time.Time
	StartedAt   time.Time
	FinishedAt  *time.Time
	LastError   string
}

// Checkpoint is a durable pagination cursor. The engine persists one at
// least every CheckpointEvery records so a crashed run resumes with bounded
// rework.
type Checkpoint struct {
	Registry    string
	Kind        ScrapeKind
	RunID       string
	Cursor      json.RawMessage
	RecordsDone int64
	UpdatedAt   time.Time
}

// CheckpointEvery is the record interval between checkpoint writes.
const CheckpointEvery = 100
