package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

const (
	maxBodyBytes       = 1 << 20 // JSON request bodies
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// Matcher runs synchronous patient matching for the ops API.
type Matcher interface {
	Match(ctx domain.Context, patientID string, limit int) ([]domain.PatientMatch, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Queue   domain.QueueRepo
	Trials  domain.TrialRepo
	Matcher Matcher
	Runs    domain.ScrapeRunRepo
	Alerts  domain.AlertRepo
	Workers domain.WorkerRegistryRepo

	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	QdrantCheck func(ctx context.Context) error
}

// NewServer wires the ops API handlers.
func NewServer(cfg config.Config, queue domain.QueueRepo, trials domain.TrialRepo, matcher Matcher, runs domain.ScrapeRunRepo, alerts domain.AlertRepo, workers domain.WorkerRegistryRepo, dbCheck, redisCheck, qdrantCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:         cfg,
		Queue:       queue,
		Trials:      trials,
		Matcher:     matcher,
		Runs:        runs,
		Alerts:      alerts,
		Workers:     workers,
		DBCheck:     dbCheck,
		RedisCheck:  redisCheck,
		QdrantCheck: qdrantCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func validationDetails(err error) map[string]string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		out[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return out
}

type enqueueJobRequest struct {
	Type         string `json:"type" validate:"required,oneof=scrape_full scrape_incremental scrape_sweep import_bulk dedupe_batch enrich_trials match_patient daily_report"`
	Registry     string `json:"registry,omitempty" validate:"omitempty,lowercase"`
	Since        string `json:"since,omitempty"`
	WindowEnd    string `json:"window_end,omitempty"`
	Path         string `json:"path,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty" validate:"omitempty,min=1,max=1000000"`
	EmbedLimit   int    `json:"embed_limit,omitempty" validate:"omitempty,min=1,max=100000"`
	GeocodeLimit int    `json:"geocode_limit,omitempty" validate:"omitempty,min=1,max=100000"`
	PatientID    string `json:"patient_id,omitempty"`
	Limit        int    `json:"limit,omitempty" validate:"omitempty,min=1,max=100"`
	Date         string `json:"date,omitempty"`
}

// buildJob maps an API request onto the domain job constructors, which own
// registry and payload validation.
func buildJob(req enqueueJobRequest) (*domain.QueueJob, error) {
	switch domain.JobType(req.Type) {
	case domain.JobScrapeFull:
		return domain.NewScrapeJob(domain.ScrapeKindFull, req.Registry, req.Since, req.WindowEnd)
	case domain.JobScrapeIncremental:
		return domain.NewScrapeJob(domain.ScrapeKindIncremental, req.Registry, req.Since, req.WindowEnd)
	case domain.JobScrapeSweep:
		return domain.NewScrapeJob(domain.ScrapeKindSweep, req.Registry, req.Since, req.WindowEnd)
	case domain.JobImportBulk:
		return domain.NewImportJob(req.Registry, req.Path)
	case domain.JobDedupeBatch:
		return domain.NewDedupeJob(req.BatchSize)
	case domain.JobEnrichTrials:
		return domain.NewEnrichJob(req.EmbedLimit, req.GeocodeLimit)
	case domain.JobMatchPatient:
		return domain.NewMatchJob(req.PatientID, req.Limit)
	case domain.JobDailyReport:
		return domain.NewReportJob(req.Date)
	default:
		return nil, fmt.Errorf("%w: job type %q", domain.ErrInvalidArgument, req.Type)
	}
}

// EnqueueJobHandler accepts a pipeline job and returns its queue id. Jobs
// carrying a dedup key that matches a live job return the live job's id.
func (s *Server) EnqueueJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueJobRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		job, err := buildJob(req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.Queue.Enqueue(r.Context(), job)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.enqueue: %w", err), nil)
			return
		}
		LoggerFrom(r).Info("job enqueued", "job_id", id, "job_type", req.Type, "lane", job.Lane)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.JobPending)})
	}
}

// JobGetHandler reports one queue job.
func (s *Server) JobGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Queue.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

// TrialGetHandler returns one canonical trial by its registry-scoped key.
func (s *Server) TrialGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if _, _, err := domain.SplitTrialKey(key); err != nil {
			writeError(w, r, err, map[string]string{"key": key})
			return
		}
		trial, err := s.Trials.Get(r.Context(), key)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTrialView(trial))
	}
}

// TrialSearchHandler runs a full-text search over titles, conditions and
// interventions.
func (s *Server) TrialSearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, r, fmt.Errorf("%w: query parameter q required", domain.ErrInvalidArgument), nil)
			return
		}
		limit := defaultSearchLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidArgument), nil)
				return
			}
			limit = min(n, maxSearchLimit)
		}
		trials, err := s.Trials.Search(r.Context(), q, limit)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.search: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"query":  q,
			"count":  len(trials),
			"trials": toTrialViews(trials),
		})
	}
}

type matchRequest struct {
	Limit int `json:"limit,omitempty" validate:"omitempty,min=1,max=100"`
}

// MatchPatientHandler recomputes matches for a patient synchronously and
// returns the ranked set. The same work runs asynchronously as a
// match_patient job; this route exists for interactive use.
func (s *Server) MatchPatientHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID := chi.URLParam(r, "id")
		if patientID == "" {
			writeError(w, r, fmt.Errorf("%w: patient id missing", domain.ErrInvalidArgument), nil)
			return
		}
		var req matchRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		matches, err := s.Matcher.Match(r.Context(), patientID, req.Limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"patient_id": patientID,
			"count":      len(matches),
			"matches":    toMatchViews(matches),
		})
	}
}

// StatusHandler assembles the pipeline snapshot: queue depths, live worker
// pools, the latest run per registry, open alerts and corpus size.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		stats, err := s.Queue.Stats(ctx)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.status: %w", err), nil)
			return
		}
		workers, err := s.Workers.List(ctx)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.status: %w", err), nil)
			return
		}
		alerts, err := s.Alerts.ListOpen(ctx)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.status: %w", err), nil)
			return
		}
		byRegistry, err := s.Trials.CountByRegistry(ctx)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=http.status: %w", err), nil)
			return
		}

		view := statusView{
			Queue:            make([]queueLaneView, 0, len(stats)),
			Workers:          make([]workerView, 0, len(workers)),
			LastRuns:         make([]runView, 0, len(domain.Registries)),
			OpenAlerts:       make([]alertView, 0, len(alerts)),
			TrialsByRegistry: byRegistry,
		}
		for _, st := range stats {
			view.Queue = append(view.Queue, queueLaneView{Lane: st.Lane, Status: string(st.Status), Count: st.Count})
		}
		for _, wk := range workers {
			view.Workers = append(view.Workers, workerView{
				ID:          wk.ID,
				Hostname:    wk.Hostname,
				Lanes:       wk.Lanes,
				Size:        wk.Size,
				HeartbeatAt: wk.HeartbeatAt,
			})
		}
		for _, reg := range domain.Registries {
			runs, err := s.Runs.Latest(ctx, reg, 1)
			if err != nil {
				writeError(w, r, fmt.Errorf("op=http.status: %w", err), nil)
				return
			}
			for _, run := range runs {
				view.LastRuns = append(view.LastRuns, runView{
					Registry:   run.Registry,
					Kind:       string(run.Kind),
					Status:     string(run.Status),
					Fetched:    run.Fetched,
					Upserted:   run.Upserted,
					Failed:     run.Failed,
					StartedAt:  run.StartedAt,
					FinishedAt: run.FinishedAt,
					LastError:  run.LastError,
				})
			}
		}
		for _, a := range alerts {
			view.OpenAlerts = append(view.OpenAlerts, alertView{
				Severity: string(a.Severity),
				Kind:     a.Kind,
				Message:  a.Message,
				Labels:   a.Labels,
				FiredAt:  a.FiredAt,
			})
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// HealthzHandler is the liveness probe.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyzHandler probes the backing services. Probes not wired (nil check
// funcs) are skipped, so a worker-less deployment without Redis stays ready.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	probe := func(ctx context.Context, checks []check, name string, fn func(context.Context) error) []check {
		if fn == nil {
			return checks
		}
		if err := fn(ctx); err != nil {
			return append(checks, check{Name: name, OK: false, Details: err.Error()})
		}
		return append(checks, check{Name: name, OK: true})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		checks = probe(ctx, checks, "db", s.DBCheck)
		checks = probe(ctx, checks, "qdrant", s.QdrantCheck)
		checks = probe(ctx, checks, "redis", s.RedisCheck)
		status := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}
