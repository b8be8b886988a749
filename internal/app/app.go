// Package app wires the pipeline's components into runnable processes. The
// binaries under cmd/ stay thin: they load config, call Build, and pick the
// pieces their role runs.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/ai"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/events/redpanda"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/fetch"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/fetch/redislimit"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/geocode"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/httpserver"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry/ctgov"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry/ctis"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry/euctr"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry/ictrp"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry/isrctn"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/repo/postgres"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/vector/qdrant"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/dedup"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/internal/enrich"
	"github.com/SebastianBO/globaltrial-sub000/internal/matcher"
	"github.com/SebastianBO/globaltrial-sub000/internal/monitor"
	"github.com/SebastianBO/globaltrial-sub000/internal/normalize"
	"github.com/SebastianBO/globaltrial-sub000/internal/orchestrator"
	"github.com/SebastianBO/globaltrial-sub000/internal/scraper"
	"github.com/SebastianBO/globaltrial-sub000/internal/worker"
)

// BudgetLimiter is the fetch limiter surface the app manages: admission for
// the fetch client plus budget maintenance for operator overrides.
type BudgetLimiter interface {
	fetch.Limiter
	SetBudget(registry string, b domain.RateBudget)
}

// App holds every wired component. Processes pick what they run; unused
// pieces cost nothing until started.
type App struct {
	Cfg   config.Config
	Pool  *pgxpool.Pool
	Redis *redis.Client

	Trials      *postgres.TrialRepo
	Queue       *postgres.QueueRepo
	Checkpoints *postgres.CheckpointRepo
	Runs        *postgres.ScrapeRunRepo
	Embeddings  *postgres.EmbeddingRepo
	DedupRepo   *postgres.DedupRepo
	Patients    *postgres.PatientRepo
	Matches     *postgres.MatchRepo
	Alerts      *postgres.AlertRepo
	Workers     *postgres.WorkerRegistryRepo
	Reports     *postgres.ReportRepo
	Geocache    *postgres.GeocodeCacheRepo
	Buckets     *postgres.RateBudgetRepo

	Limiter   BudgetLimiter
	Fetch     *fetch.Client
	Adapters  registry.Set
	Events    domain.EventPublisher
	Embedder  domain.Embedder
	Index     *qdrant.Index
	Geocoder  *geocode.Nominatim

	Scraper  *scraper.Engine
	Deduper  *dedup.Engine
	Enricher *enrich.Enricher
	Matcher  *matcher.Matcher
	Reporter *orchestrator.ReportBuilder
}

// Build connects the backing services and wires every component. It does not
// start anything; callers run the pieces their process owns.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("op=app.build: db: %w", err)
	}

	a := &App{
		Cfg:         cfg,
		Pool:        pool,
		Trials:      postgres.NewTrialRepo(pool),
		Queue:       postgres.NewQueueRepo(pool),
		Checkpoints: postgres.NewCheckpointRepo(pool),
		Runs:        postgres.NewScrapeRunRepo(pool),
		Embeddings:  postgres.NewEmbeddingRepo(pool),
		DedupRepo:   postgres.NewDedupRepo(pool),
		Patients:    postgres.NewPatientRepo(pool),
		Matches:     postgres.NewMatchRepo(pool),
		Alerts:      postgres.NewAlertRepo(pool),
		Workers:     postgres.NewWorkerRegistryRepo(pool),
		Reports:     postgres.NewReportRepo(pool),
		Geocache:    postgres.NewGeocodeCacheRepo(pool),
		Buckets:     postgres.NewRateBudgetRepo(pool),
	}

	if err := a.buildLimiter(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	a.Fetch = fetch.NewClient(cfg, a.Limiter)

	maps, err := config.LoadMappings()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("op=app.build: mappings: %w", err)
	}
	a.Adapters = registry.Set{
		domain.RegistryCTGov:  ctgov.New(a.Fetch, cfg, maps),
		domain.RegistryISRCTN: isrctn.New(a.Fetch, cfg, maps),
		domain.RegistryCTIS:   ctis.New(a.Fetch, cfg, maps),
		domain.RegistryEUCTR:  euctr.New(maps),
		domain.RegistryICTRP:  ictrp.New(maps),
	}

	a.Events, err = redpanda.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("op=app.build: events: %w", err)
	}

	a.Embedder = ai.FromConfig(cfg)
	a.Index = qdrant.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection, ai.Dims)
	if err := a.Index.Ensure(ctx); err != nil {
		// Not fatal: enrich and match jobs fail retryably until the index
		// comes back, and readyz reports it.
		slog.Warn("qdrant collection ensure failed", slog.String("collection", cfg.QdrantCollection), slog.Any("error", err))
	}
	a.Geocoder = geocode.New(cfg, a.Geocache)

	syn, err := normalize.LoadSynonyms()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("op=app.build: synonyms: %w", err)
	}

	a.Scraper = scraper.New(a.Adapters, a.Trials, a.Checkpoints, a.Runs, a.Events)
	a.Deduper = dedup.NewEngine(a.Trials, a.DedupRepo, a.Events)
	a.Enricher = enrich.New(cfg.EmbeddingsModel, a.Trials, a.Embeddings, a.Embedder, a.Index, a.Geocoder)
	a.Matcher = matcher.New(cfg.EmbeddingsModel, a.Patients, a.Trials, a.Matches, a.Embedder, a.Index, syn)
	a.Reporter = orchestrator.NewReportBuilder(a.Reports, a.Queue, a.DedupRepo, a.Alerts, a.Workers, a.Events)

	return a, nil
}

func (a *App) buildLimiter(ctx context.Context, cfg config.Config) error {
	budgets := fetch.DefaultBudgets()
	if cfg.RateLimiter == "redis" && cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("op=app.build: redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		a.Limiter = redislimit.New(a.Redis, budgets)
	} else {
		a.Limiter = fetch.NewWindowLimiter(budgets)
	}

	over, err := a.Buckets.Overrides(ctx)
	if err != nil {
		// Overrides are operator tuning; defaults are safe to start with.
		slog.Warn("rate budget overrides unavailable", slog.Any("error", err))
		return nil
	}
	for reg, b := range over {
		a.Limiter.SetBudget(reg, b)
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	return postgres.Migrate(ctx, a.Cfg.DBURL)
}

// WorkerPool builds a lease/dispatch pool with the full handler set.
func (a *App) WorkerPool() *worker.Pool {
	p := worker.NewPool(a.Cfg, a.Queue, a.Workers)
	worker.RegisterHandlers(p, worker.HandlerDeps{
		Scraper:  a.Scraper,
		Deduper:  a.Deduper,
		Enricher: a.Enricher,
		Matcher:  a.Matcher,
		Reporter: a.Reporter,
		Queue:    a.Queue,
	})
	return p
}

// Cron builds the leader-gated daily scheduler.
func (a *App) Cron() *orchestrator.Cron {
	return orchestrator.NewCron(postgres.NewLeaderGate(a.Pool), orchestrator.StandardEntries(a.Cfg, a.Queue))
}

// Autoscaler sizes the given pool from queue depth.
func (a *App) Autoscaler(pool *worker.Pool) *orchestrator.Autoscaler {
	return orchestrator.NewAutoscaler(a.Queue, pool)
}

// Monitor builds the reap/alert watchdog.
func (a *App) Monitor() *monitor.Monitor {
	return monitor.New(a.Queue, a.Runs, a.Alerts, a.Limiter)
}

// Cleanup builds the retention sweeper; nil when retention is disabled.
func (a *App) Cleanup() *postgres.CleanupService {
	if a.Cfg.DataRetentionDays <= 0 {
		return nil
	}
	return postgres.NewCleanupService(a.Pool, a.Cfg.DataRetentionDays)
}

// HTTPServer builds the ops API server with readiness probes attached.
func (a *App) HTTPServer() *httpserver.Server {
	db, rds, qd := a.ReadinessChecks()
	return httpserver.NewServer(a.Cfg, a.Queue, a.Trials, a.Matcher, a.Runs, a.Alerts, a.Workers, db, rds, qd)
}

// Close releases connections. Safe on a partially built App.
func (a *App) Close() {
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			slog.Error("event publisher close failed", slog.Any("error", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			slog.Error("redis close failed", slog.Any("error", err))
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
