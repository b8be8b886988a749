// Package scraper drives registry adapters through resumable runs: full
// enumerations, incremental changed-since passes, backwards date-window
// sweeps and operator-provided bulk imports. The engine owns run bookkeeping
// (scraping_jobs rows, heartbeats, checkpoints) and the upsert path; the
// adapters only know how to fetch and normalize their own registry.
package scraper

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/registry"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/internal/normalize"
)

const (
	// fanout bounds concurrent record processing within a page.
	fanout = 10
	// sweepWindow is the date-window width the fallback sweep walks
	// backwards in.
	sweepWindow = 30 * 24 * time.Hour
)

// Engine coordinates scraping runs over the wired adapters. Runs are
// at-least-once: upserts are idempotent by trial key, so a crashed run
// resumed from its checkpoint may re-process the last page safely.
type Engine struct {
	adapters    registry.Set
	trials      domain.TrialRepo
	checkpoints domain.CheckpointRepo
	runs        domain.ScrapeRunRepo
	events      domain.EventPublisher

	// heartbeatEvery is a field so tests can compress the run heartbeat.
	heartbeatEvery time.Duration
}

// New constructs the engine.
func New(adapters registry.Set, trials domain.TrialRepo, checkpoints domain.CheckpointRepo, runs domain.ScrapeRunRepo, events domain.EventPublisher) *Engine {
	return &Engine{
		adapters:       adapters,
		trials:         trials,
		checkpoints:    checkpoints,
		runs:           runs,
		events:         events,
		heartbeatEvery: 30 * time.Second,
	}
}

// runState accumulates counters for one run. Deltas are swapped out on flush
// so AddCounts stays additive.
type runState struct {
	run      *domain.ScrapingRun
	fetched  atomic.Int64
	upserted atomic.Int64
	failed   atomic.Int64
	// done is the cumulative processed-record count persisted into
	// checkpoints.
	done atomic.Int64
}

// Full enumerates every record of a registry, resuming from the stored
// checkpoint when one exists.
func (e *Engine) Full(ctx domain.Context, registryName, queueJobID string) error {
	ad, err := e.adapter(registryName)
	if err != nil {
		return err
	}
	return e.withRun(ctx, ad, domain.ScrapeKindFull, queueJobID, func(ctx domain.Context, st *runState) error {
		cursor, err := e.resumeCursor(ctx, ad.Registry(), domain.ScrapeKindFull, st)
		if err != nil {
			return err
		}
		if err := e.drainPages(ctx, ad, domain.ScrapeKindFull, cursor, st, nil); err != nil {
			return err
		}
		return e.checkpoints.Clear(ctx, ad.Registry(), domain.ScrapeKindFull)
	})
}

// Incremental scrapes records changed since the given time using the
// adapter's native filter. Registries without one (euctr, ictrp) are
// rejected; they refresh through bulk re-imports diffed by content hash.
func (e *Engine) Incremental(ctx domain.Context, registryName string, since time.Time, queueJobID string) error {
	ad, err := e.adapter(registryName)
	if err != nil {
		return err
	}
	inc, ok := ad.(registry.Incremental)
	if !ok {
		return fmt.Errorf("op=scraper.incremental: %w: registry %q has no changed-since filter", domain.ErrInvalidArgument, registryName)
	}
	return e.withRun(ctx, ad, domain.ScrapeKindIncremental, queueJobID, func(ctx domain.Context, st *runState) error {
		cursor, err := e.resumeCursor(ctx, ad.Registry(), domain.ScrapeKindIncremental, st)
		if err != nil {
			return err
		}
		if cursor == nil {
			cursor = inc.SinceCursor(since)
		}
		if err := e.drainPages(ctx, ad, domain.ScrapeKindIncremental, cursor, st, nil); err != nil {
			return err
		}
		return e.checkpoints.Clear(ctx, ad.Registry(), domain.ScrapeKindIncremental)
	})
}

// sweepCursor is the engine-owned checkpoint shape for sweep runs. Window
// boundaries ride inside the cursor so a resumed sweep continues the same
// backwards walk.
type sweepCursor struct {
	From      time.Time       `json:"from"`
	WindowEnd time.Time       `json:"window_end"`
	Inner     json.RawMessage `json:"inner,omitempty"`
}

// Sweep walks update-date windows backwards from `to` until `from`, 30 days
// at a time. It is the fallback when the incremental signal is missing or a
// gap is suspected.
func (e *Engine) Sweep(ctx domain.Context, registryName string, from, to time.Time, queueJobID string) error {
	ad, err := e.adapter(registryName)
	if err != nil {
		return err
	}
	wad, ok := ad.(registry.Windowed)
	if !ok {
		return fmt.Errorf("op=scraper.sweep: %w: registry %q has no date-window filter", domain.ErrInvalidArgument, registryName)
	}
	if !to.After(from) {
		return fmt.Errorf("op=scraper.sweep: %w: window [%s, %s] is empty", domain.ErrInvalidArgument,
			from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	return e.withRun(ctx, ad, domain.ScrapeKindSweep, queueJobID, func(ctx domain.Context, st *runState) error {
		sc := sweepCursor{From: from, WindowEnd: to}
		if cp, err := e.checkpoints.Latest(ctx, ad.Registry(), domain.ScrapeKindSweep); err == nil {
			if err := json.Unmarshal(cp.Cursor, &sc); err != nil {
				return fmt.Errorf("op=scraper.sweep: decode checkpoint: %w", err)
			}
			st.done.Store(cp.RecordsDone)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		for sc.WindowEnd.After(sc.From) {
			winStart := sc.WindowEnd.Add(-sweepWindow)
			if winStart.Before(sc.From) {
				winStart = sc.From
			}
			cursor := registry.Cursor(sc.Inner)
			if cursor == nil {
				cursor = wad.WindowCursor(winStart, sc.WindowEnd)
			}
			env := sc // copy for the wrap closure; Inner varies per page
			wrap := func(next registry.Cursor) registry.Cursor {
				env.Inner = json.RawMessage(next)
				b, _ := json.Marshal(env)
				return b
			}
			if err := e.drainPages(ctx, ad, domain.ScrapeKindSweep, cursor, st, wrap); err != nil {
				return err
			}
			sc.WindowEnd = winStart
			sc.Inner = nil
			if sc.WindowEnd.After(sc.From) {
				b, _ := json.Marshal(sc)
				if err := e.saveCheckpoint(ctx, ad.Registry(), domain.ScrapeKindSweep, st, b); err != nil {
					return err
				}
			}
		}
		return e.checkpoints.Clear(ctx, ad.Registry(), domain.ScrapeKindSweep)
	})
}

// ImportBulk ingests an operator-provided dump file through a BulkImporter
// adapter. Imports are not checkpointed: the walker restarts from the top of
// the file and upserts make re-runs idempotent.
func (e *Engine) ImportBulk(ctx domain.Context, registryName, path, queueJobID string) error {
	ad, err := e.adapter(registryName)
	if err != nil {
		return err
	}
	bi, ok := ad.(registry.BulkImporter)
	if !ok {
		return fmt.Errorf("op=scraper.import: %w: registry %q does not accept bulk imports", domain.ErrInvalidArgument, registryName)
	}
	return e.withRun(ctx, ad, domain.ScrapeKindImport, queueJobID, func(ctx domain.Context, st *runState) error {
		batch := make([]registry.RawRecord, 0, domain.CheckpointEvery)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			st.fetched.Add(int64(len(batch)))
			err := e.processRecords(ctx, ad, batch, st)
			batch = batch[:0]
			if err != nil {
				return err
			}
			return e.flushCounts(ctx, st)
		}
		err := bi.ImportBulk(ctx, path, func(raw registry.RawRecord) error {
			batch = append(batch, raw)
			if len(batch) >= domain.CheckpointEvery {
				return flush()
			}
			return nil
		})
		if err != nil {
			return err
		}
		return flush()
	})
}

func (e *Engine) adapter(name string) (registry.Adapter, error) {
	ad, ok := e.adapters[name]
	if !ok {
		return nil, fmt.Errorf("op=scraper.adapter: %w: unknown registry %q", domain.ErrInvalidArgument, name)
	}
	return ad, nil
}

// withRun wraps fn with scraping-run bookkeeping: the run row, the 30s
// heartbeat and the finishing status. The monitor marks runs whose heartbeat
// goes stale as failed, which covers crashes that never reach Finish.
func (e *Engine) withRun(ctx domain.Context, ad registry.Adapter, kind domain.ScrapeKind, queueJobID string, fn func(domain.Context, *runState) error) error {
	lg := observability.LoggerFromContext(ctx)
	now := time.Now().UTC()
	run := &domain.ScrapingRun{
		ID:          ulid.Make().String(),
		Registry:    ad.Registry(),
		Kind:        kind,
		Status:      domain.ScrapeRunning,
		QueueJobID:  queueJobID,
		HeartbeatAt: now,
		StartedAt:   now,
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return fmt.Errorf("op=scraper.run_create: %w", err)
	}
	lg.Info("scrape run starting",
		slog.String("registry", run.Registry),
		slog.String("kind", string(kind)),
		slog.String("run_id", run.ID))

	hbDone := make(chan struct{})
	go e.heartbeatLoop(ctx, run.ID, hbDone)

	st := &runState{run: run}
	err := fn(ctx, st)
	close(hbDone)
	if ferr := e.flushCounts(ctx, st); ferr != nil && err == nil {
		err = ferr
	}

	if err != nil {
		if finErr := e.runs.Finish(ctx, run.ID, domain.ScrapeFailed, err.Error()); finErr != nil {
			lg.Warn("scrape run finish failed", slog.String("run_id", run.ID), slog.Any("error", finErr))
		}
		lg.Error("scrape run failed",
			slog.String("registry", run.Registry),
			slog.String("kind", string(kind)),
			slog.String("run_id", run.ID),
			slog.Any("error", err))
		return err
	}
	if finErr := e.runs.Finish(ctx, run.ID, domain.ScrapeCompleted, ""); finErr != nil {
		lg.Warn("scrape run finish failed", slog.String("run_id", run.ID), slog.Any("error", finErr))
	}
	lg.Info("scrape run completed",
		slog.String("registry", run.Registry),
		slog.String("kind", string(kind)),
		slog.String("run_id", run.ID),
		slog.Int64("records", st.done.Load()))
	return nil
}

func (e *Engine) heartbeatLoop(ctx domain.Context, runID string, done <-chan struct{}) {
	t := time.NewTicker(e.heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.runs.Heartbeat(ctx, runID); err != nil {
				observability.LoggerFromContext(ctx).Warn("run heartbeat failed",
					slog.String("run_id", runID), slog.Any("error", err))
			}
		}
	}
}

// drainPages loops FetchPage until the adapter reports Done, processing each
// page and persisting a checkpoint at every page boundary. wrap transforms
// the adapter cursor into the checkpointed form (sweeps wrap it in their
// window envelope); nil means store it as-is.
func (e *Engine) drainPages(ctx domain.Context, ad registry.Adapter, kind domain.ScrapeKind, cursor registry.Cursor, st *runState, wrap func(registry.Cursor) registry.Cursor) error {
	lg := observability.LoggerFromContext(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := ad.FetchPage(ctx, cursor)
		if err != nil {
			return fmt.Errorf("op=scraper.fetch_page: %w", err)
		}
		st.fetched.Add(int64(len(page.Records)))
		if err := e.processRecords(ctx, ad, page.Records, st); err != nil {
			return err
		}
		if err := e.flushCounts(ctx, st); err != nil {
			return err
		}
		lg.Debug("page processed",
			slog.String("registry", ad.Registry()),
			slog.Int("records", len(page.Records)),
			slog.Int64("total_done", st.done.Load()))
		if page.Done {
			return nil
		}
		cursor = page.Next
		next := cursor
		if wrap != nil {
			next = wrap(cursor)
		}
		if err := e.saveCheckpoint(ctx, ad.Registry(), kind, st, next); err != nil {
			return err
		}
	}
}

// processRecords normalizes and upserts a batch with bounded fan-out.
// Malformed records are counted and logged, never abort the batch; storage
// errors do abort, the queue retry re-covers the page idempotently.
func (e *Engine) processRecords(ctx domain.Context, ad registry.Adapter, records []registry.RawRecord, st *runState) error {
	if len(records) == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(fanout)
	g, gctx := errgroup.WithContext(ctx)
	for _, raw := range records {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return e.processRecord(gctx, ad, raw, st)
		})
	}
	return g.Wait()
}

func (e *Engine) processRecord(ctx domain.Context, ad registry.Adapter, raw registry.RawRecord, st *runState) error {
	lg := observability.LoggerFromContext(ctx)
	trial, err := ad.Normalize(raw)
	if err != nil {
		st.failed.Add(1)
		observability.ScrapeRecordsTotal.WithLabelValues(ad.Registry(), "failed").Inc()
		lg.Warn("record normalize failed",
			slog.String("registry", ad.Registry()),
			slog.String("record_id", raw.ID),
			slog.Any("error", err))
		return nil
	}
	trial.Raw = raw.Data
	trial.ContentHash = normalize.ContentHash(&trial)

	changed, err := e.trials.Upsert(ctx, &trial)
	if err != nil {
		st.failed.Add(1)
		observability.ScrapeRecordsTotal.WithLabelValues(ad.Registry(), "failed").Inc()
		return fmt.Errorf("op=scraper.upsert: %s: %w", trial.TrialKey, err)
	}
	st.upserted.Add(1)
	st.done.Add(1)
	observability.ScrapeRecordsTotal.WithLabelValues(ad.Registry(), "upserted").Inc()
	e.events.TrialUpserted(ctx, &trial, changed)
	return nil
}

func (e *Engine) saveCheckpoint(ctx domain.Context, registryName string, kind domain.ScrapeKind, st *runState, cursor registry.Cursor) error {
	err := e.checkpoints.Save(ctx, &domain.Checkpoint{
		Registry:    registryName,
		Kind:        kind,
		RunID:       st.run.ID,
		Cursor:      json.RawMessage(cursor),
		RecordsDone: st.done.Load(),
	})
	if err != nil {
		return err
	}
	observability.CheckpointsSavedTotal.WithLabelValues(registryName).Inc()
	return nil
}

// resumeCursor loads the stored cursor for (registry, kind), seeding the
// run's cumulative count. A missing checkpoint starts from the beginning.
func (e *Engine) resumeCursor(ctx domain.Context, registryName string, kind domain.ScrapeKind, st *runState) (registry.Cursor, error) {
	cp, err := e.checkpoints.Latest(ctx, registryName, kind)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	st.done.Store(cp.RecordsDone)
	observability.LoggerFromContext(ctx).Info("resuming from checkpoint",
		slog.String("registry", registryName),
		slog.String("kind", string(kind)),
		slog.Int64("records_done", cp.RecordsDone))
	return registry.Cursor(cp.Cursor), nil
}

// flushCounts moves accumulated deltas into the run row.
func (e *Engine) flushCounts(ctx domain.Context, st *runState) error {
	f, u, fl := st.fetched.Swap(0), st.upserted.Swap(0), st.failed.Swap(0)
	if f == 0 && u == 0 && fl == 0 {
		return nil
	}
	if err := e.runs.AddCounts(ctx, st.run.ID, f, u, fl); err != nil {
		return fmt.Errorf("op=scraper.add_counts: %w", err)
	}
	return nil
}
