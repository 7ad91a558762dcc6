// Package islands implements the optional multi-population mode: N
// independent orchestrators sharing one cache, migrating top Pareto
// candidates around a ring every few rounds, and merging their archives at
// the end (spec.md §4.8, C8b). It also drives the two-phase staged
// optimization mode (prompt-only, then temperature-enabled) on top of the
// same single-population or multi-island machinery.
package islands

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Studio-Intrinsic/turbo-gepa/archive"
	"github.com/Studio-Intrinsic/turbo-gepa/cache"
	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
	"github.com/Studio-Intrinsic/turbo-gepa/config"
	"github.com/Studio-Intrinsic/turbo-gepa/evaluator"
	"github.com/Studio-Intrinsic/turbo-gepa/internal/nlog"
	"github.com/Studio-Intrinsic/turbo-gepa/metrics"
	"github.com/Studio-Intrinsic/turbo-gepa/mutator"
	"github.com/Studio-Intrinsic/turbo-gepa/orchestrator"
	"github.com/Studio-Intrinsic/turbo-gepa/sampler"
	"github.com/Studio-Intrinsic/turbo-gepa/stopgovernor"
)

// Factories constructs the per-island collaborators that cannot be shared
// (each island needs its own Evaluator closure state, Mutator, and
// StopGovernor instance) while Cache and ExampleIDs are shared across every
// island (spec.md §4.8 "All islands share one Cache").
type Factories struct {
	Cache           *cache.Cache
	ExampleIDs      []string
	NewEvaluator    func() *evaluator.Evaluator
	NewMutator      func() *mutator.Mutator
	NewStopGovernor func() *stopgovernor.Governor

	// Metrics is optional; when set, every island's orchestrator reports
	// its round-level gauges and counters into it (spec.md §9 domain
	// stack).
	Metrics *metrics.Metrics
}

// RunResult is the merged, run-level record (spec.md §6 "Return value of a
// run"), extended with the per-island breakdown and, in staged mode, the
// phase1/phase2 breakdowns.
type RunResult struct {
	orchestrator.RunResult
	PerIsland []orchestrator.EvolutionStats

	// RunID uniquely identifies this top-level Run invocation, independent
	// of any individual island's own log id (Orchestrator.ID), so that
	// multiple concurrent or historical runs can be told apart in stored
	// results and dashboards.
	RunID string

	Staged               bool
	Phase1Pareto         []candidate.Candidate
	Phase1EvolutionStats orchestrator.EvolutionStats
	Phase2EvolutionStats orchestrator.EvolutionStats
}

// Run executes cfg.NIslands orchestrators (1 if unset) over seeds, merges
// their Pareto frontiers, and applies two-phase staged optimization when
// cfg.StagedOptimization is set (spec.md §4.8).
func Run(ctx context.Context, cfg config.Config, factories Factories, seeds []candidate.Candidate) (RunResult, error) {
	runID := uuid.New().String()
	if !cfg.StagedOptimization {
		merged, perIsland, err := runPhase(ctx, cfg, factories, seeds)
		if err != nil {
			return RunResult{}, err
		}
		return RunResult{RunResult: merged, PerIsland: perIsland, RunID: runID}, nil
	}
	result, err := runStaged(ctx, cfg, factories, seeds)
	if err != nil {
		return RunResult{}, err
	}
	result.RunID = runID
	return result, nil
}

// runStaged implements spec.md §4.8's two-phase optimization: phase 1 never
// sets meta.temperature on seeds or descendants (the orchestrator's
// mutation step only ever copies an existing, nil, parent temperature
// forward), so prompt-only optimization falls out naturally from the
// budget split below. Phase 2 reseeds from the top-K phase-1 Pareto entries
// with temperature injected, and lets mutation children inherit it.
func runStaged(ctx context.Context, cfg config.Config, factories Factories, seeds []candidate.Candidate) (RunResult, error) {
	phase1Cfg := cfg
	phase1Cfg.MaxRounds = scaleBudget(cfg.MaxRounds, cfg.Phase1BudgetFraction)
	phase1Cfg.MaxEvaluations = scaleBudget(cfg.MaxEvaluations, cfg.Phase1BudgetFraction)

	phase1Result, phase1PerIsland, err := runPhase(ctx, phase1Cfg, factories, seeds)
	if err != nil {
		return RunResult{}, err
	}

	topK := cfg.Phase2SeedTopK
	if topK <= 0 {
		topK = 5
	}
	phase2Seeds := topKByQuality(phase1Result.ParetoEntries, topK)
	temperature := cfg.Phase2Temperature
	for i, c := range phase2Seeds {
		phase2Seeds[i] = c.WithMeta(func(m *candidate.Meta) {
			m.Source = candidate.SourcePhase2Seed
			m.Temperature = &temperature
		})
	}

	phase2Cfg := cfg
	phase2Cfg.MaxRounds = scaleBudget(cfg.MaxRounds, 1-cfg.Phase1BudgetFraction)
	phase2Cfg.MaxEvaluations = scaleBudget(cfg.MaxEvaluations, 1-cfg.Phase1BudgetFraction)
	phase2RoundCap := 5
	if cfg.NIslands <= 1 {
		phase2RoundCap = 1
	}
	if phase2Cfg.MaxRounds == 0 || phase2Cfg.MaxRounds > phase2RoundCap {
		phase2Cfg.MaxRounds = phase2RoundCap
	}

	phase2Result, phase2PerIsland, err := runPhase(ctx, phase2Cfg, factories, phase2Seeds)
	if err != nil {
		return RunResult{}, err
	}

	return RunResult{
		RunResult:            phase2Result,
		PerIsland:            phase2PerIsland,
		Staged:               true,
		Phase1Pareto:         phase1Result.Pareto,
		Phase1EvolutionStats: mergeEvolutionStats(phase1PerIsland),
		Phase2EvolutionStats: mergeEvolutionStats(phase2PerIsland),
	}, nil
}

func scaleBudget(total int, fraction float64) int {
	if total <= 0 {
		return 0
	}
	scaled := int(float64(total) * fraction)
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// topKByQuality returns up to k candidates from entries sorted by quality
// descending, highest first.
func topKByQuality(entries []archive.Entry, k int) []candidate.Candidate {
	sorted := append([]archive.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Result.Objective("quality", 0) > sorted[j].Result.Objective("quality", 0)
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	out := make([]candidate.Candidate, len(sorted))
	for i, e := range sorted {
		out[i] = e.Candidate
	}
	return out
}

// runPhase runs cfg.NIslands orchestrators to completion (ring migration
// included when NIslands > 1) and returns the merged result plus each
// island's individual stats.
func runPhase(ctx context.Context, cfg config.Config, factories Factories, seeds []candidate.Candidate) (orchestrator.RunResult, []orchestrator.EvolutionStats, error) {
	n := cfg.NIslands
	if n < 1 {
		n = 1
	}

	orchestrators := make([]*orchestrator.Orchestrator, n)
	for i := 0; i < n; i++ {
		samp := sampler.New(factories.ExampleIDs, cfg.BaseSeed+int64(i))
		arc := archive.New(archive.DefaultConfig())
		eval := factories.NewEvaluator()
		mut := factories.NewMutator()
		stop := factories.NewStopGovernor()
		o := orchestrator.New(cfg, factories.Cache, eval, samp, arc, mut, stop, factories.ExampleIDs)
		o.SetMetrics(factories.Metrics)
		o.Seed(seedsForIsland(seeds, i, n))
		orchestrators[i] = o
	}

	if err := runIslandsToCompletion(ctx, cfg, orchestrators); err != nil {
		return orchestrator.RunResult{}, nil, err
	}

	mergedArchive := archive.New(archive.DefaultConfig())
	perIsland := make([]orchestrator.EvolutionStats, n)
	totalCandidates := map[string]struct{}{}
	for i, o := range orchestrators {
		mergedArchive.Merge(o.Archive())
		perIsland[i] = o.Stats()
		for _, c := range o.Archive().ParetoCandidates() {
			totalCandidates[c.Fingerprint()] = struct{}{}
		}
	}

	mergedStats := mergeEvolutionStats(perIsland)
	result := orchestrator.RunResult{
		Pareto:          mergedArchive.ParetoCandidates(),
		ParetoEntries:   mergedArchive.ParetoEntries(),
		QDElites:        mergedArchive.QDEntries(),
		EvolutionStats:  mergedStats,
		TotalCandidates: len(totalCandidates),
	}
	return result, perIsland, nil
}

// seedsForIsland distributes seeds round-robin across islands so every
// island starts from at least one seed when len(seeds) >= n.
func seedsForIsland(seeds []candidate.Candidate, islandID, n int) []candidate.Candidate {
	if n <= 1 {
		return seeds
	}
	var out []candidate.Candidate
	for i, s := range seeds {
		if i%n == islandID {
			out = append(out, s)
		}
	}
	if len(out) == 0 && len(seeds) > 0 {
		out = append(out, seeds[islandID%len(seeds)])
	}
	return out
}

// runIslandsToCompletion steps every island once per global round, applying
// ring-topology migration every migration_period rounds, until every island
// has reached its own stop condition or budget (spec.md §4.8).
func runIslandsToCompletion(ctx context.Context, cfg config.Config, orchestrators []*orchestrator.Orchestrator) error {
	n := len(orchestrators)
	migrationPeriod := cfg.MigrationPeriod
	if migrationPeriod <= 0 {
		migrationPeriod = maxInt(1, n/2)
	}
	migrationK := cfg.MigrationK
	if migrationK <= 0 {
		migrationK = 2
	}

	done := make([]bool, n)
	globalRound := 0
	for {
		active := 0
		g, gctx := errgroup.WithContext(ctx)
		stops := make([]bool, n)
		for i, o := range orchestrators {
			if done[i] {
				continue
			}
			active++
			i, o := i, o
			g.Go(func() error {
				stop, err := o.RunRound(gctx)
				if err != nil {
					return err
				}
				stops[i] = stop
				return nil
			})
		}
		if active == 0 {
			return nil
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for i, o := range orchestrators {
			if !done[i] && (stops[i] || o.ReachedBudget()) {
				done[i] = true
			}
		}
		globalRound++

		if n > 1 && globalRound%migrationPeriod == 0 {
			migrateRing(orchestrators, done, migrationK)
		}
	}
}

// migrateRing sends each active island's top-migration_k Pareto candidates
// to the next island in ring order (spec.md §4.8).
func migrateRing(orchestrators []*orchestrator.Orchestrator, done []bool, migrationK int) {
	n := len(orchestrators)
	outbox := make([][]candidate.Candidate, n)
	for i, o := range orchestrators {
		if done[i] {
			continue
		}
		outbox[i] = topKByQuality(o.Archive().ParetoEntries(), migrationK)
	}
	for i, migrants := range outbox {
		if len(migrants) == 0 {
			continue
		}
		next := (i + 1) % n
		if done[next] {
			continue
		}
		nlog.Debugf("islands: migrating %d candidates from island %d (%s) to island %d (%s)", len(migrants), i, orchestrators[i].ID(), next, orchestrators[next].ID())
		orchestrators[next].InjectMigrants(migrants)
	}
}

// mergeEvolutionStats sums counters across islands (spec.md §6
// evolution_stats "per-island breakdown").
func mergeEvolutionStats(stats []orchestrator.EvolutionStats) orchestrator.EvolutionStats {
	var merged orchestrator.EvolutionStats
	for _, s := range stats {
		merged.MutationsRequested += s.MutationsRequested
		merged.MutationsGenerated += s.MutationsGenerated
		merged.MutationsEnqueued += s.MutationsEnqueued
		merged.MutationsPromoted += s.MutationsPromoted
		merged.UniqueParents += s.UniqueParents
		merged.UniqueChildren += s.UniqueChildren
		merged.EvolutionEdges += s.EvolutionEdges
		merged.TotalEvaluations += s.TotalEvaluations
	}
	return merged
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
