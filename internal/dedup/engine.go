package dedup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/observability"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
	"github.com/SebastianBO/globaltrial-sub000/pkg/textx"
)

const (
	// defaultCandidateLimit bounds title-similarity candidates per trial.
	defaultCandidateLimit = 20
	// maxComponent stops component expansion when a duplicate group grows
	// suspiciously large; usually a sign the thresholds let junk through.
	maxComponent = 100
)

// Engine walks recently updated trials, scores them against cross-registry
// candidates, records duplicate edges and rebuilds the merged master of any
// group a strong edge touched. Progress is checkpointed so batches resume
// where the last one stopped.
type Engine struct {
	trials         domain.TrialRepo
	repo           domain.DedupRepo
	events         domain.EventPublisher
	candidateLimit int
}

func NewEngine(trials domain.TrialRepo, repo domain.DedupRepo, events domain.EventPublisher) *Engine {
	return &Engine{
		trials:         trials,
		repo:           repo,
		events:         events,
		candidateLimit: defaultCandidateLimit,
	}
}

// RunBatch scores one page of trials ordered by (updated_at, trial_key) and
// reports whether another page remains. An empty page leaves the cursor
// untouched so the next pass rescans from the same position.
func (e *Engine) RunBatch(ctx domain.Context, batchSize int) (more bool, err error) {
	since, afterKey, err := e.repo.Cursor(ctx)
	if err != nil {
		return false, fmt.Errorf("op=dedup.cursor: %w", err)
	}
	page, err := e.trials.UpdatedSince(ctx, since, afterKey, batchSize)
	if err != nil {
		return false, fmt.Errorf("op=dedup.page: %w", err)
	}
	if len(page) == 0 {
		return false, nil
	}

	touched := map[string]struct{}{}
	var compared, edges int
	for _, t := range page {
		strong, n, err := e.compareOne(ctx, t)
		if err != nil {
			return false, err
		}
		compared += n
		edges += len(strong)
		for _, k := range strong {
			touched[k] = struct{}{}
		}
	}

	masters, err := e.rebuildMasters(ctx, touched)
	if err != nil {
		return false, err
	}

	last := page[len(page)-1]
	if err := e.repo.SaveCursor(ctx, last.UpdatedAt, last.TrialKey); err != nil {
		return false, fmt.Errorf("op=dedup.save_cursor: %w", err)
	}

	observability.LoggerFromContext(ctx).Info("dedupe batch finished",
		"scanned", len(page),
		"compared", compared,
		"strong_edges", edges,
		"masters_rebuilt", masters,
		"cursor_key", last.TrialKey,
	)
	return len(page) == batchSize, nil
}

// compareOne scores t against its candidates and persists every edge at or
// above the probable threshold. It returns the keys of trials joined to t by
// a strong (fuzzy or better) edge, which mark their groups for a master
// rebuild, plus the number of comparisons made.
func (e *Engine) compareOne(ctx domain.Context, t *domain.Trial) (strong []string, compared int, err error) {
	cands, err := e.candidates(ctx, t)
	if err != nil {
		return nil, 0, err
	}
	for _, c := range cands {
		observability.DedupComparisonsTotal.Inc()
		compared++
		score, features, verified := Score(t, c)
		verdict, ok := domain.VerdictFor(score)
		if !ok {
			continue
		}
		a, b := domain.CanonicalPair(t.TrialKey, c.TrialKey)
		pair := &domain.DuplicatePair{
			TrialKeyA: a,
			TrialKeyB: b,
			Score:     score,
			Verdict:   verdict,
			Features:  features,
			Verified:  verified,
		}
		if err := e.repo.UpsertPair(ctx, pair); err != nil {
			return nil, compared, fmt.Errorf("op=dedup.upsert_pair: %w", err)
		}
		observability.DedupPairsTotal.WithLabelValues(string(verdict)).Inc()
		// Probable edges are recorded for review but never merged.
		if verdict == domain.DupExact || verdict == domain.DupFuzzy {
			strong = append(strong, t.TrialKey, c.TrialKey)
		}
	}
	return strong, compared, nil
}

// candidates unions identifier-based and title-similarity candidates. Both
// queries already exclude t's own registry, so within-registry records are
// never paired.
func (e *Engine) candidates(ctx domain.Context, t *domain.Trial) ([]*domain.Trial, error) {
	seen := map[string]*domain.Trial{}
	if ids := knownIDs(t); len(ids) > 0 {
		byID, err := e.trials.SharedIDCandidates(ctx, t.TrialKey, ids)
		if err != nil {
			return nil, fmt.Errorf("op=dedup.shared_id_candidates: %w", err)
		}
		for _, c := range byID {
			seen[c.TrialKey] = c
		}
	}
	if titleNorm := textx.NormalizeKey(t.Title); titleNorm != "" {
		byTitle, err := e.trials.TrigramCandidates(ctx, t.TrialKey, titleNorm, e.candidateLimit)
		if err != nil {
			return nil, fmt.Errorf("op=dedup.trigram_candidates: %w", err)
		}
		for _, c := range byTitle {
			seen[c.TrialKey] = c
		}
	}
	out := make([]*domain.Trial, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrialKey < out[j].TrialKey })
	return out, nil
}

func knownIDs(t *domain.Trial) []string {
	var ids []string
	if id := strings.ToUpper(strings.TrimSpace(t.RegistryID)); id != "" {
		ids = append(ids, id)
	}
	for _, id := range t.SecondaryIDs {
		if id = strings.ToUpper(strings.TrimSpace(id)); id != "" {
			ids = append(ids, id)
		}
	}
	return lo.Uniq(ids)
}

// rebuildMasters recomputes the merged view of every duplicate group touched
// by a strong edge this batch. Groups are the connected components of the
// fuzzy-and-above edge graph.
func (e *Engine) rebuildMasters(ctx domain.Context, seeds map[string]struct{}) (int, error) {
	ordered := make([]string, 0, len(seeds))
	for k := range seeds {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	built := 0
	covered := map[string]struct{}{}
	for _, seed := range ordered {
		if _, ok := covered[seed]; ok {
			continue
		}
		component, err := e.expand(ctx, seed)
		if err != nil {
			return built, err
		}
		for _, k := range component {
			covered[k] = struct{}{}
		}
		if len(component) < 2 {
			continue
		}
		members, err := e.trials.GetMany(ctx, component)
		if err != nil {
			return built, fmt.Errorf("op=dedup.members: %w", err)
		}
		if len(members) < 2 {
			continue
		}
		master := BuildMaster(members)
		if err := e.repo.SaveMaster(ctx, master); err != nil {
			return built, fmt.Errorf("op=dedup.save_master: %w", err)
		}
		e.events.TrialsMerged(ctx, master)
		built++
	}
	return built, nil
}

// expand walks strong edges out from seed and returns the component's keys.
func (e *Engine) expand(ctx domain.Context, seed string) ([]string, error) {
	visited := map[string]struct{}{seed: {}}
	frontier := []string{seed}
	for len(frontier) > 0 && len(visited) < maxComponent {
		pairs, err := e.repo.PairsInvolving(ctx, frontier, domain.ThresholdFuzzy)
		if err != nil {
			return nil, fmt.Errorf("op=dedup.pairs_involving: %w", err)
		}
		var next []string
		for _, p := range pairs {
			for _, k := range [2]string{p.TrialKeyA, p.TrialKeyB} {
				if _, ok := visited[k]; !ok {
					visited[k] = struct{}{}
					next = append(next, k)
				}
			}
		}
		frontier = next
	}
	if len(visited) >= maxComponent {
		observability.LoggerFromContext(ctx).Warn("duplicate group hit size cap, truncating",
			"seed", seed, "size", len(visited))
	}
	keys := make([]string, 0, len(visited))
	for k := range visited {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
