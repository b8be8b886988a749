package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/repo/postgres"
	"github.com/SebastianBO/globaltrial-sub000/internal/app"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// parseMixed parses flags wherever they sit relative to positional
// arguments, so `match p-1 --limit 5` and `match --limit 5 p-1` both work.
func parseMixed(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return pos, nil
		}
		pos = append(pos, rest[0])
		args = rest[1:]
	}
}

// connect opens the database pool for the one-shot subcommands.
func connect(ctx context.Context, cfg config.Config) (*pgxpool.Pool, int) {
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: db: %v\n", err)
		return nil, 1
	}
	return pool, 0
}

func enqueueJobs(ctx context.Context, queue domain.QueueRepo, jobs []*domain.QueueJob) int {
	for _, job := range jobs {
		id, err := queue.Enqueue(ctx, job)
		if err != nil {
			fmt.Fprintf(os.Stderr, "orchestrator: enqueue %s: %v\n", job.Type, err)
			return 1
		}
		fmt.Printf("enqueued %s (%s): %s\n", job.Type, job.DedupKey, id)
	}
	return 0
}

func runScrape(cfg config.Config, kind domain.ScrapeKind, args []string) int {
	fs := flag.NewFlagSet(string(kind), flag.ContinueOnError)
	var since string
	if kind == domain.ScrapeKindIncremental {
		fs.StringVar(&since, "since", "", "start day YYYY-MM-DD (default: yesterday)")
	}
	regs, err := parseMixed(fs, args)
	if err != nil {
		return 2
	}
	if len(regs) == 0 {
		regs = domain.APIRegistries
	}

	jobs := make([]*domain.QueueJob, 0, len(regs))
	for _, reg := range regs {
		job, err := domain.NewScrapeJob(kind, reg, since, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
			return exitCode(err)
		}
		jobs = append(jobs, job)
	}

	ctx := context.Background()
	pool, code := connect(ctx, cfg)
	if code != 0 {
		return code
	}
	defer pool.Close()
	return enqueueJobs(ctx, postgres.NewQueueRepo(pool), jobs)
}

func runImport(cfg config.Config, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "orchestrator: import needs <registry> <path>")
		return 2
	}
	job, err := domain.NewImportJob(args[0], args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		return exitCode(err)
	}

	ctx := context.Background()
	pool, code := connect(ctx, cfg)
	if code != 0 {
		return code
	}
	defer pool.Close()
	return enqueueJobs(ctx, postgres.NewQueueRepo(pool), []*domain.QueueJob{job})
}

func runDedupe(cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("dedupe", flag.ContinueOnError)
	batch := fs.Int("batch", 0, "records per batch (default 5000)")
	if _, err := parseMixed(fs, args); err != nil {
		return 2
	}
	job, err := domain.NewDedupeJob(*batch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		return exitCode(err)
	}

	ctx := context.Background()
	pool, code := connect(ctx, cfg)
	if code != 0 {
		return code
	}
	defer pool.Close()
	return enqueueJobs(ctx, postgres.NewQueueRepo(pool), []*domain.QueueJob{job})
}

func runEnrich(cfg config.Config) int {
	job, err := domain.NewEnrichJob(0, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		return exitCode(err)
	}

	ctx := context.Background()
	pool, code := connect(ctx, cfg)
	if code != 0 {
		return code
	}
	defer pool.Close()
	return enqueueJobs(ctx, postgres.NewQueueRepo(pool), []*domain.QueueJob{job})
}

func runMatch(cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "matches to keep (default 20)")
	pos, err := parseMixed(fs, args)
	if err != nil {
		return 2
	}
	if len(pos) != 1 {
		fmt.Fprintln(os.Stderr, "orchestrator: match needs exactly one <patient-id>")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		return 1
	}
	defer a.Close()

	matches, err := a.Matcher.Match(ctx, pos[0], *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		return exitCode(err)
	}
	if len(matches) == 0 {
		fmt.Println("no eligible recruiting trials matched")
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tTRIAL\tSCORE\tEXPLANATION")
	for _, m := range matches {
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%s\n", m.Rank, m.TrialKey, m.FinalScore, m.Explanation)
	}
	_ = tw.Flush()
	return 0
}

func runStatus(cfg config.Config) int {
	ctx := context.Background()
	pool, code := connect(ctx, cfg)
	if code != 0 {
		return code
	}
	defer pool.Close()

	queue := postgres.NewQueueRepo(pool)
	workers := postgres.NewWorkerRegistryRepo(pool)
	runs := postgres.NewScrapeRunRepo(pool)
	alerts := postgres.NewAlertRepo(pool)
	trials := postgres.NewTrialRepo(pool)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	stats, err := queue.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: queue stats: %v\n", err)
		return 1
	}
	fmt.Fprintln(tw, "QUEUE\tLANE\tSTATUS\tCOUNT")
	for _, st := range stats {
		fmt.Fprintf(tw, "\t%s\t%s\t%d\n", st.Lane, st.Status, st.Count)
	}

	pools, err := workers.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: workers: %v\n", err)
		return 1
	}
	fmt.Fprintln(tw, "WORKERS\tID\tHOST\tSIZE\tHEARTBEAT")
	for _, w := range pools {
		fmt.Fprintf(tw, "\t%s\t%s\t%d\t%s\n", w.ID, w.Hostname, w.Size, w.HeartbeatAt.UTC().Format(time.RFC3339))
	}

	fmt.Fprintln(tw, "RUNS\tREGISTRY\tKIND\tSTATUS\tFETCHED\tUPSERTED\tFAILED")
	for _, reg := range domain.Registries {
		latest, err := runs.Latest(ctx, reg, 1)
		if err != nil {
			fmt.Fprintf(os.Stderr, "orchestrator: runs: %v\n", err)
			return 1
		}
		for _, run := range latest {
			fmt.Fprintf(tw, "\t%s\t%s\t%s\t%d\t%d\t%d\n", run.Registry, run.Kind, run.Status, run.Fetched, run.Upserted, run.Failed)
		}
	}

	open, err := alerts.ListOpen(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: alerts: %v\n", err)
		return 1
	}
	fmt.Fprintln(tw, "ALERTS\tSEVERITY\tKIND\tMESSAGE")
	for _, al := range open {
		fmt.Fprintf(tw, "\t%s\t%s\t%s\n", al.Severity, al.Kind, al.Message)
	}

	counts, err := trials.CountByRegistry(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: trial counts: %v\n", err)
		return 1
	}
	fmt.Fprintln(tw, "TRIALS\tREGISTRY\tCOUNT")
	for _, reg := range domain.Registries {
		if n, ok := counts[reg]; ok {
			fmt.Fprintf(tw, "\t%s\t%d\n", reg, n)
		}
	}
	_ = tw.Flush()
	return 0
}
