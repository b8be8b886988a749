package domain

import "time"

// TrialRepo persists canonical trials.
type TrialRepo interface {
	// Upsert inserts or updates by trial key and reports whether the stored
	// content hash changed (new or modified record).
	Upsert(ctx Context, t *Trial) (changed bool, err error)
	Get(ctx Context, trialKey string) (*Trial, error)
	GetMany(ctx Context, trialKeys []string) ([]*Trial, error)
	// Search runs a websearch-style full-text query over title, conditions
	// and interventions.
	Search(ctx Context, query string, limit int) ([]*Trial, error)
	// UpdatedSince pages trials by (updated_at, trial_key) for batch work.
	UpdatedSince(ctx Context, since time.Time, afterKey string, limit int) ([]*Trial, error)
	// TrigramCandidates returns trials from other registries whose normalized
	// title is trigram-similar to titleNorm.
	TrigramCandidates(ctx Context, trialKey, titleNorm string, limit int) ([]*Trial, error)
	// SharedIDCandidates returns trials from other registries sharing any of
	// the given registry identifiers.
	SharedIDCandidates(ctx Context, trialKey string, ids []string) ([]*Trial, error)
	// KeywordScores computes normalized full-text rank for the query against
	// each of the given trials (absent keys score zero).
	KeywordScores(ctx Context, query string, trialKeys []string) (map[string]float64, error)
	ListUngeocoded(ctx Context, limit int) ([]*Trial, error)
	SetLocations(ctx Context, trialKey string, locs []TrialLocation) error
	CountByRegistry(ctx Context) (map[string]int64, error)
}

// QueueLaneStat is one (lane, status) depth bucket.
type QueueLaneStat struct {
	Lane   string
	Status JobStatus
	Count  int64
}

// QueueRepo is the durable FIFO job queue.
type QueueRepo interface {
	// Enqueue persists a pending job and returns its id. When the job carries
	// a DedupKey and an active job with the same key exists, the existing id
	// is returned with no new row.
	Enqueue(ctx Context, job *QueueJob) (string, error)
	// Lease atomically claims up to n runnable jobs in the given lanes,
	// ordered by priority (desc) then created_at (asc).
	Lease(ctx Context, lanes []string, workerID string, n int) ([]*QueueJob, error)
	// Heartbeat extends the caller's lease; ErrJobOwnershipLost when the
	// lease moved.
	Heartbeat(ctx Context, jobID, workerID string) error
	Complete(ctx Context, jobID, workerID string) error
	// Fail records the error and either reschedules with backoff or, past
	// MaxAttempts, parks the job as terminally failed.
	Fail(ctx Context, jobID, workerID, errMsg string) error
	// FailPermanent parks an owned job as terminally failed regardless of
	// remaining attempts (no handler registered, unparseable payload).
	FailPermanent(ctx Context, jobID, workerID, errMsg string) error
	Cancel(ctx Context, jobID string) error
	Get(ctx Context, jobID string) (*QueueJob, error)
	// ReapExpired returns processing jobs with expired leases to pending.
	ReapExpired(ctx Context) (int64, error)
	PendingCount(ctx Context) (int64, error)
	Stats(ctx Context) ([]QueueLaneStat, error)
	// FailureCounts reports terminal failures and completions inside the
	// trailing window.
	FailureCounts(ctx Context, window time.Duration) (failed, completed int64, err error)
}

// CheckpointRepo persists scrape pagination cursors.
type CheckpointRepo interface {
	Save(ctx Context, cp *Checkpoint) error
	Latest(ctx Context, registry string, kind ScrapeKind) (*Checkpoint, error)
	Clear(ctx Context, registry string, kind ScrapeKind) error
}

// ScrapeRunRepo tracks scraping run bookkeeping.
type ScrapeRunRepo interface {
	Create(ctx Context, run *ScrapingRun) error
	Heartbeat(ctx Context, runID string) error
	AddCounts(ctx Context, runID string, fetched, upserted, failed int64) error
	Finish(ctx Context, runID string, status ScrapeStatus, lastErr string) error
	// FailStale marks running scrapes with heartbeats older than the cutoff
	// as failed and returns them.
	FailStale(ctx Context, cutoff time.Time) ([]ScrapingRun, error)
	Latest(ctx Context, registry string, n int) ([]ScrapingRun, error)
}

// EmbeddingRepo is the durable copy of trial vectors; the vector index is
// rebuilt from it.
type EmbeddingRepo interface {
	Upsert(ctx Context, trialKey, contentHash, model string, vec []float32) error
	// StaleTrials lists trials missing an embedding or whose content hash no
	// longer matches the embedded one.
	StaleTrials(ctx Context, limit int) ([]*Trial, error)
	Get(ctx Context, trialKey string) (vec []float32, contentHash string, err error)
}

// DedupRepo persists duplicate edges and merged masters.
type DedupRepo interface {
	UpsertPair(ctx Context, p *DuplicatePair) error
	// PairsInvolving returns edges touching any of the keys with score at or
	// above minScore.
	PairsInvolving(ctx Context, trialKeys []string, minScore float64) ([]DuplicatePair, error)
	SaveMaster(ctx Context, m *TrialMaster) error
	CountByVerdict(ctx Context, since time.Time) (map[DupVerdict]int64, error)
	// Cursor returns the (updated_since, after_key) position of the last
	// dedupe batch; zero values mean start from the beginning.
	Cursor(ctx Context) (time.Time, string, error)
	SaveCursor(ctx Context, updatedSince time.Time, afterKey string) error
}

// PatientRepo persists matching inputs.
type PatientRepo interface {
	Upsert(ctx Context, p *Patient) error
	Get(ctx Context, id string) (*Patient, error)
}

// MatchRepo persists ranked patient-trial matches.
type MatchRepo interface {
	// Replace swaps the stored match set for a patient in one transaction.
	Replace(ctx Context, patientID string, matches []PatientMatch) error
	List(ctx Context, patientID string, limit int) ([]PatientMatch, error)
}

// AlertRepo persists monitor alerts.
type AlertRepo interface {
	// Fire opens an alert unless one of the same kind is already open;
	// reports whether a new alert was inserted.
	Fire(ctx Context, a *Alert) (bool, error)
	Resolve(ctx Context, kind string) (bool, error)
	ListOpen(ctx Context) ([]Alert, error)
	CountFiredSince(ctx Context, since time.Time) (int64, error)
}

// WorkerInfo is one live worker pool registration.
type WorkerInfo struct {
	ID          string
	Hostname    string
	Lanes       []string
	Size        int
	StartedAt   time.Time
	HeartbeatAt time.Time
}

// WorkerRegistryRepo tracks live pools for status output and liveness.
type WorkerRegistryRepo interface {
	Upsert(ctx Context, w *WorkerInfo) error
	Heartbeat(ctx Context, workerID string, size int) error
	Remove(ctx Context, workerID string) error
	List(ctx Context) ([]WorkerInfo, error)
}

// DailyReport aggregates the trailing 24 hours of pipeline activity.
type DailyReport struct {
	Date             time.Time
	JobsByStatus     map[JobStatus]int64
	JobsByType       map[JobType]int64
	TrialsByRegistry map[string]int64
	DupsByVerdict    map[DupVerdict]int64
	AlertsFired      int64
	OpenAlerts       int64
	QueueDepth       int64
	Workers          int
}

// ReportRepo persists daily reports and ad-hoc gauge samples.
type ReportRepo interface {
	SaveDailyReport(ctx Context, r *DailyReport) error
	JobCounts(ctx Context, since time.Time) (map[JobStatus]int64, map[JobType]int64, error)
	TrialsUpsertedSince(ctx Context, since time.Time) (map[string]int64, error)
}

// GeocodeCacheRepo is the persistent geocode lookaside.
type GeocodeCacheRepo interface {
	Get(ctx Context, key string) (lat, lon float64, ok bool, err error)
	Put(ctx Context, key string, lat, lon float64) error
}

// RateBudget is a per-registry request budget for live fetching.
type RateBudget struct {
	Requests int
	Window   time.Duration
}

// RateBudgetRepo persists operator overrides of registry fetch budgets.
type RateBudgetRepo interface {
	Overrides(ctx Context) (map[string]RateBudget, error)
	Save(ctx Context, registry string, b RateBudget) error
}

// Embedder produces embedding vectors for text inputs.
type Embedder interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
}

// VectorHit is one ANN result.
type VectorHit struct {
	TrialKey string
	Score    float64
}

// VectorIndex is the ANN search surface over trial embeddings.
type VectorIndex interface {
	Ensure(ctx Context) error
	Upsert(ctx Context, trialKey string, vec []float32, payload map[string]any) error
	// Search returns hits at or above minScore; filter entries match payload
	// fields exactly.
	Search(ctx Context, vec []float32, limit int, minScore float64, filter map[string]string) ([]VectorHit, error)
	Delete(ctx Context, trialKeys []string) error
}

// Geocoder resolves a location string to coordinates. ok is false for
// unresolvable places; err is reserved for transport failures.
type Geocoder interface {
	Geocode(ctx Context, city, state, country string) (lat, lon float64, ok bool, err error)
}

// EventPublisher emits pipeline events for downstream consumers. All methods
// are fire-and-forget; implementations log failures instead of propagating
// them into the pipeline.
type EventPublisher interface {
	TrialUpserted(ctx Context, t *Trial, changed bool)
	TrialsMerged(ctx Context, m *TrialMaster)
	ReportPublished(ctx Context, r *DailyReport)
	Close() error
}
