package worker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

const defaultDedupeBatch = 5000

// registryEpoch bounds unanchored sweeps; no tracked registry predates it.
var registryEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// ScrapeDriver runs registry scraping runs. Implemented by scraper.Engine.
type ScrapeDriver interface {
	Full(ctx domain.Context, registry, queueJobID string) error
	Incremental(ctx domain.Context, registry string, since time.Time, queueJobID string) error
	Sweep(ctx domain.Context, registry string, from, to time.Time, queueJobID string) error
	ImportBulk(ctx domain.Context, registry, path, queueJobID string) error
}

// Deduper runs one deduplication batch; more reports whether another batch
// remains after this one.
type Deduper interface {
	RunBatch(ctx domain.Context, batchSize int) (more bool, err error)
}

// Enricher backfills embeddings and geocoded trial locations.
type Enricher interface {
	Enrich(ctx domain.Context, embedLimit, geocodeLimit int) error
}

// PatientMatcher scores and persists trial matches for one patient.
type PatientMatcher interface {
	MatchAndStore(ctx domain.Context, patientID string, limit int) error
}

// Reporter aggregates and publishes one day's pipeline report.
type Reporter interface {
	BuildAndPublish(ctx domain.Context, date time.Time) error
}

// HandlerDeps collects the engines the standard handler set dispatches to.
// A nil dep leaves its job types unregistered; the pool then parks such jobs
// permanently, which is the right outcome for a process not built to run
// them.
type HandlerDeps struct {
	Scraper  ScrapeDriver
	Deduper  Deduper
	Enricher Enricher
	Matcher  PatientMatcher
	Reporter Reporter
	Queue    domain.QueueRepo
}

// RegisterHandlers wires the standard handler set onto the pool.
func RegisterHandlers(p *Pool, d HandlerDeps) {
	if d.Scraper != nil {
		p.Register(domain.JobScrapeFull, scrapeFullHandler(d.Scraper))
		p.Register(domain.JobScrapeIncremental, scrapeIncrementalHandler(d.Scraper))
		p.Register(domain.JobScrapeSweep, scrapeSweepHandler(d.Scraper))
		p.Register(domain.JobImportBulk, importBulkHandler(d.Scraper))
	}
	if d.Deduper != nil {
		p.Register(domain.JobDedupeBatch, dedupeHandler(d.Deduper, d.Queue))
	}
	if d.Enricher != nil {
		p.Register(domain.JobEnrichTrials, enrichHandler(d.Enricher))
	}
	if d.Matcher != nil {
		p.Register(domain.JobMatchPatient, matchHandler(d.Matcher))
	}
	if d.Reporter != nil {
		p.Register(domain.JobDailyReport, reportHandler(d.Reporter))
	}
}

func scrapeFullHandler(s ScrapeDriver) Handler {
	return func(ctx domain.Context, job *domain.QueueJob) error {
		p, err := scrapePayload(job)
		if err != nil {
			return err
		}
		return s.Full(ctx, p.Registry, job.ID)
	}
}

func scrapeIncrementalHandler(s ScrapeDriver) Handler {
	return func(ctx domain.Context, job *domain.QueueJob) error {
		p, err := scrapePayload(job)
		if err != nil {
			return err
		}
		// Default to yesterday; overlap with the previous run is free since
		// upserts are idempotent.
		since := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
		if p.Since != "" {
			if since, err = parseDay(p.Since); err != nil {
				return err
			}
		}
		return s.Incremental(ctx, p.Registry, since, job.ID)
	}
}

func scrapeSweepHandler(s ScrapeDriver) Handler {
	return func(ctx domain.Context, job *domain.QueueJob) error {
		p, err := scrapePayload(job)
		if err != nil {
			return err
		}
		from := registryEpoch
		if p.Since != "" {
			if from, err = parseDay(p.Since); err != nil {
				return err
			}
		}
		to := time.Now().UTC()
		if p.WindowEnd != "" {
			if to, err = parseDay(p.WindowEnd); err != nil {
				return err
			}
		}
		return s.Sweep(ctx, p.Registry, from, to, job.ID)
	}
}

func importBulkHandler(s ScrapeDriver) Handler {
	return func(ctx domain.Context, job *domain.QueueJob) error {
		var p domain.ImportPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		if p.Registry == "" || p.Path == "" {
			return fmt.Errorf("op=worker.import_bulk: %w: payload needs registry and path", domain.ErrInvalidArgument)
		}
		return s.ImportBulk(ctx, p.Registry, p.Path, job.ID)
	}
}

func dedupeHandler(d Deduper, q domain.QueueRepo) Handler {
	return func(ctx domain.Context, job *domain.QueueJob) error {
		var p domain.DedupePayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		if p.BatchSize <= 0 {
			p.BatchSize = defaultDedupeBatch
		}
		more, err := d.RunBatch(ctx, p.BatchSize)
		if err != nil {
			return err
		}
		if !more || q == nil {
			return nil
		}
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("op=worker.dedupe_continue: %w", err)
		}
		// Continuations carry no dedup key; the cron-seeded job still holds
		// the day's key while this one runs.
		id, err := q.Enqueue(ctx, &domain.QueueJob{
			Type:        domain.JobDedupeBatch,
			Payload:     payload,
			Priority:    domain.PriorityDedupe,
			Lane:        domain.LaneProcess,
			MaxAttempts: domain.DefaultMaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("op=worker.dedupe_continue: %w", err)
		}
		observability.LoggerFromContext(ctx).Info("dedupe continuation enqueued",
			slog.String("job_id", id),
			slog.Int("batch_size", p.BatchSize))
		return nil
	}
}

func enrichHandler(e Enricher) Handler {
	return func(ctx domain.Context, job *domain.QueueJob) error {
		var p domain.EnrichPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		return e.Enrich(ctx, p.EmbedLimit, p.GeocodeLimit)
	}
}

func matchHandler(m PatientMatcher) Handler {
	return func(ctx domain.Context, job *domain.QueueJob) error {
		var p domain.MatchPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		if p.PatientID == "" {
			return fmt.Errorf("op=worker.match_patient: %w: payload missing patient_id", domain.ErrInvalidArgument)
		}
		return m.MatchAndStore(ctx, p.PatientID, p.Limit)
	}
}

func reportHandler(r Reporter) Handler {
	return func(ctx domain.Context, job *domain.QueueJob) error {
		var p domain.ReportPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		date := time.Now().UTC()
		if p.Date != "" {
			var err error
			if date, err = parseDay(p.Date); err != nil {
				return err
			}
		}
		return r.BuildAndPublish(ctx, date)
	}
}

func scrapePayload(job *domain.QueueJob) (domain.ScrapePayload, error) {
	var p domain.ScrapePayload
	if err := decodePayload(job, &p); err != nil {
		return p, err
	}
	if p.Registry == "" {
		return p, fmt.Errorf("op=worker.%s: %w: payload missing registry", job.Type, domain.ErrInvalidArgument)
	}
	return p, nil
}

func decodePayload(job *domain.QueueJob, v any) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("op=worker.%s: %w: payload: %v", job.Type, domain.ErrInvalidArgument, err)
	}
	return nil
}

func parseDay(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=worker.parse_day: %w: %q is not YYYY-MM-DD", domain.ErrInvalidArgument, s)
	}
	return t.UTC(), nil
}
