// Package orchestrator implements the round loop that ties the cache,
// evaluator, archive, mutator, and stop governor together: seed, evaluate,
// promote, archive, mutate, check convergence, checkpoint (spec.md §4.6,
// C7).
package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/Studio-Intrinsic/turbo-gepa/archive"
	"github.com/Studio-Intrinsic/turbo-gepa/cache"
	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
	"github.com/Studio-Intrinsic/turbo-gepa/config"
	"github.com/Studio-Intrinsic/turbo-gepa/evaluator"
	"github.com/Studio-Intrinsic/turbo-gepa/internal/nlog"
	"github.com/Studio-Intrinsic/turbo-gepa/metrics"
	"github.com/Studio-Intrinsic/turbo-gepa/mutator"
	"github.com/Studio-Intrinsic/turbo-gepa/sampler"
	"github.com/Studio-Intrinsic/turbo-gepa/stopgovernor"
)

// EvolutionStats accumulates the evolution counters returned with every run
// (spec.md §6 "Return value of a run").
type EvolutionStats struct {
	MutationsRequested int
	MutationsGenerated int
	MutationsEnqueued  int
	MutationsPromoted  int
	UniqueParents      int
	UniqueChildren     int
	EvolutionEdges     int
	TotalEvaluations   int

	uniqueParentSet map[string]struct{}
	uniqueChildSet  map[string]struct{}
}

func newEvolutionStats() EvolutionStats {
	return EvolutionStats{uniqueParentSet: map[string]struct{}{}, uniqueChildSet: map[string]struct{}{}}
}

func (s *EvolutionStats) recordEdge(parentFP, childFP string) {
	if _, ok := s.uniqueParentSet[parentFP]; !ok {
		s.uniqueParentSet[parentFP] = struct{}{}
		s.UniqueParents++
	}
	if _, ok := s.uniqueChildSet[childFP]; !ok {
		s.uniqueChildSet[childFP] = struct{}{}
		s.UniqueChildren++
	}
	s.EvolutionEdges++
}

// RunResult is returned from Run (spec.md §6).
type RunResult struct {
	Pareto         []candidate.Candidate
	ParetoEntries  []archive.Entry
	QDElites       []archive.Entry
	EvolutionStats EvolutionStats
	TotalCandidates int
}

// queueItem is one pending (candidate, rung) pair.
type queueItem struct {
	Candidate candidate.Candidate
	Rung      int
}

// mutationResult is a completed, not-yet-enqueued batch of children.
type mutationResult struct {
	children      []string
	primaryParent candidate.Candidate
	primaryResult candidate.EvalResult
	err           error
}

// Orchestrator drives one population's optimization loop. For multi-island
// runs, package islands constructs one Orchestrator per island sharing a
// Cache (spec.md §4.8).
type Orchestrator struct {
	id        string
	cfg       config.Config
	cache     *cache.Cache
	eval      *evaluator.Evaluator
	samp      *sampler.Sampler
	arc       *archive.Archive
	mut       *mutator.Mutator
	stop      *stopgovernor.Governor
	exampleIDs []string
	metrics   *metrics.Metrics

	mu                 sync.Mutex
	queue              []queueItem
	rungReached        map[string]int
	rungCohorts        map[int][]float64
	lineageID          map[string]string
	lineageStagnation  map[string]int
	lineageLastQuality map[string]float64
	mutationsInFlight  int
	totalEvaluations   int
	totalTokensSpent   int
	round              int
	stats              EvolutionStats
	pendingMutations   chan mutationResult
	seenFingerprints   map[string]struct{}
}

// New constructs an Orchestrator. exampleIDs is the full ordered dataset
// id list the Sampler draws shards from.
func New(cfg config.Config, c *cache.Cache, eval *evaluator.Evaluator, samp *sampler.Sampler, arc *archive.Archive, mut *mutator.Mutator, stop *stopgovernor.Governor, exampleIDs []string) *Orchestrator {
	id, err := shortid.Generate()
	if err != nil {
		id = "unknown"
	}
	return &Orchestrator{
		id:                 id,
		cfg:                cfg,
		cache:              c,
		eval:               eval,
		samp:               samp,
		arc:                arc,
		mut:                mut,
		stop:               stop,
		exampleIDs:         exampleIDs,
		rungReached:        map[string]int{},
		rungCohorts:        map[int][]float64{},
		lineageID:          map[string]string{},
		lineageStagnation:  map[string]int{},
		lineageLastQuality: map[string]float64{},
		stats:              newEvolutionStats(),
		pendingMutations:   make(chan mutationResult, 32),
		seenFingerprints:   map[string]struct{}{},
	}
}

// Seed enqueues seed candidates at rung 0 (spec.md §4.6 step 1).
func (o *Orchestrator) Seed(seeds []candidate.Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range seeds {
		if s.Meta.Source == "" {
			s = s.WithMeta(func(m *candidate.Meta) { m.Source = candidate.SourceSeed })
		}
		o.enqueueLocked(s, 0)
		fp := s.Fingerprint()
		o.lineageID[fp] = fp
	}
}

func (o *Orchestrator) enqueueLocked(c candidate.Candidate, rung int) {
	o.queue = append(o.queue, queueItem{Candidate: c, Rung: rung})
	o.seenFingerprints[c.Fingerprint()] = struct{}{}
}

// Run executes rounds until the stop governor, target quality, or a budget
// cap ends the run (spec.md §4.6).
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	for {
		stop, err := o.runRound(ctx)
		if err != nil {
			return RunResult{}, err
		}
		if stop {
			break
		}
		if o.cfg.MaxRounds > 0 && o.round >= o.cfg.MaxRounds {
			break
		}
		if o.cfg.MaxEvaluations > 0 && o.totalEvaluations >= o.cfg.MaxEvaluations {
			break
		}
	}
	return o.result(), nil
}

// RunRound advances the run by exactly one round and reports whether the
// orchestrator has reached its own stop condition. Exported for package
// islands, which steps every island once per global round so migration can
// happen at round boundaries (spec.md §4.8).
func (o *Orchestrator) RunRound(ctx context.Context) (bool, error) {
	return o.runRound(ctx)
}

// ReachedBudget reports whether max_rounds or max_evaluations has been
// exhausted (spec.md §4.6 budget exhaustion check).
func (o *Orchestrator) ReachedBudget() bool {
	if o.cfg.MaxRounds > 0 && o.round >= o.cfg.MaxRounds {
		return true
	}
	if o.cfg.MaxEvaluations > 0 && o.totalEvaluations >= o.cfg.MaxEvaluations {
		return true
	}
	return false
}

// Archive exposes the island's Pareto/QD archive for migration and merging
// (spec.md §4.8: "Archive: per-island ... merged at end").
func (o *Orchestrator) Archive() *archive.Archive { return o.arc }

// Round returns the number of rounds completed so far.
func (o *Orchestrator) Round() int { return o.round }

// ID returns this orchestrator's short, log-friendly run identifier —
// distinct per island, stable for the orchestrator's lifetime.
func (o *Orchestrator) ID() string { return o.id }

// SetMetrics attaches the optional Prometheus collectors this orchestrator
// reports into every round (spec.md §9 domain stack). A nil Metrics (the
// zero value) leaves reporting disabled.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) { o.metrics = m }

// Stats returns the accumulated evolution counters for this island.
func (o *Orchestrator) Stats() EvolutionStats { return o.stats }

// Result assembles the current RunResult without advancing the run.
func (o *Orchestrator) Result() RunResult { return o.result() }

// InjectMigrants enqueues candidates arriving from another island at rung 0
// with meta.source = "migration" (spec.md §4.8).
func (o *Orchestrator) InjectMigrants(migrants []candidate.Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, c := range migrants {
		c = c.WithMeta(func(m *candidate.Meta) { m.Source = candidate.SourceMigration })
		fp := c.Fingerprint()
		o.lineageID[fp] = fp
		o.enqueueLocked(c, 0)
	}
}

func (o *Orchestrator) result() RunResult {
	return RunResult{
		Pareto:          o.arc.ParetoCandidates(),
		ParetoEntries:   o.arc.ParetoEntries(),
		QDElites:        o.arc.QDEntries(),
		EvolutionStats:  o.stats,
		TotalCandidates: len(o.seenFingerprints),
	}
}

// runRound executes one full round (spec.md §4.6 steps 2-7) and reports
// whether the run should stop.
func (o *Orchestrator) runRound(ctx context.Context) (bool, error) {
	o.drainCompletedMutations()

	batch := o.takeBatch()
	if len(batch) == 0 && o.mutationsInFlight == 0 {
		return true, nil // nothing left to do and no mutations will ever arrive
	}

	roundEvaluations := 0
	novelCells := 0

	type evalOutcome struct {
		item   queueItem
		result candidate.EvalResult
	}
	outcomes := make([]evalOutcome, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	for i, item := range batch {
		i, item := i, item
		g.Go(func() error {
			shardFraction := o.cfg.Shards[item.Rung]
			ids := o.samp.Sample(shardFraction)
			sf := shardFraction
			result, err := o.eval.EvalOnShard(gctx, item.Candidate, ids, o.cfg.EvalConcurrency, &sf, 0.9)
			if err != nil {
				return err
			}
			outcomes[i] = evalOutcome{item: item, result: result}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	o.mu.Lock()
	for _, oc := range outcomes {
		roundEvaluations += oc.result.NExamples
		desc := archive.Describe(archive.DefaultConfig(), oc.item.Candidate.Text)
		if !o.arc.HasCell(desc) {
			novelCells += oc.result.NExamples
		}
		for _, tr := range oc.result.Traces {
			o.totalTokensSpent += tr.Tokens
		}
		o.arc.Insert(oc.item.Candidate, oc.result)
		o.recordRungReachedLocked(oc.item.Candidate.Fingerprint(), oc.item.Rung)
		o.updateLineageLocked(oc.item.Candidate, oc.result)
		o.considerPromotionLocked(oc.item.Candidate, oc.result, oc.item.Rung)
	}
	o.totalEvaluations += roundEvaluations
	o.stats.TotalEvaluations = o.totalEvaluations
	o.mu.Unlock()

	o.maybeLaunchMutation(ctx)

	epochMetrics := o.buildEpochMetrics(roundEvaluations, novelCells)
	o.stop.Update(epochMetrics)
	decision := o.stop.ShouldStop()
	nlog.Infof("orchestrator[%s]: round %d complete, %d evaluations, %s tokens, stop_score=%.3f", o.id, o.round, roundEvaluations, humanize.Comma(int64(o.totalTokensSpent)), decision.StopScore)

	if o.metrics != nil {
		o.metrics.StopScore.Set(decision.StopScore)
		o.metrics.HypervolumeGauge.Set(epochMetrics.Hypervolume)
		o.metrics.QDFilledCellsGauge.Set(float64(epochMetrics.QDFilledCells))
	}

	o.round++

	if decision.ShouldStop {
		return true, nil
	}
	if o.cfg.TargetQuality > 0 && epochMetrics.BestQuality >= o.cfg.TargetQuality {
		return true, nil
	}

	o.checkpoint()
	return false, nil
}

func (o *Orchestrator) takeBatch() []queueItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := minInt(o.cfg.BatchSize, len(o.queue))
	batch := make([]queueItem, n)
	copy(batch, o.queue[:n])
	o.queue = o.queue[n:]
	return batch
}

func (o *Orchestrator) recordRungReachedLocked(fingerprint string, rung int) {
	if existing, ok := o.rungReached[fingerprint]; !ok || rung > existing {
		o.rungReached[fingerprint] = rung
	}
}

func (o *Orchestrator) updateLineageLocked(c candidate.Candidate, result candidate.EvalResult) {
	fp := c.Fingerprint()
	lineage, ok := o.lineageID[fp]
	if !ok {
		lineage = fp
		o.lineageID[fp] = lineage
	}
	quality := result.Objective("quality", 0)
	prev, hadPrev := o.lineageLastQuality[lineage]
	if hadPrev && quality-prev < o.cfg.LineageMinImprove {
		o.lineageStagnation[lineage]++
	} else {
		o.lineageStagnation[lineage] = 0
	}
	o.lineageLastQuality[lineage] = quality
}

// considerPromotionLocked implements spec.md §4.6 step 3: advance a
// candidate to the next rung if it clears the cohort quantile, or (when
// enabled) if its lineage has stagnated past lineage_patience.
func (o *Orchestrator) considerPromotionLocked(c candidate.Candidate, result candidate.EvalResult, rung int) {
	if rung >= len(o.cfg.Shards)-1 {
		return // already at the terminal shard
	}
	promoteObjective := o.cfg.PromoteObjective
	if promoteObjective == "" {
		promoteObjective = "quality"
	}
	value := result.Objective(promoteObjective, 0)
	o.rungCohorts[rung] = append(o.rungCohorts[rung], value)

	quantile := cohortQuantile(o.rungCohorts[rung], o.cfg.CohortQuantile)
	promote := value >= quantile+o.cfg.EpsImprove

	if !promote && o.cfg.EnableRungConvergence {
		lineage := o.lineageID[c.Fingerprint()]
		if o.lineageStagnation[lineage] >= o.cfg.LineagePatience {
			promote = true
		}
	}

	if promote {
		o.enqueueLocked(c, rung+1)
		o.stats.MutationsPromoted++
		if o.metrics != nil {
			o.metrics.MutationsPromotedTotal.Inc()
		}
	}
}

// cohortQuantile computes the p-quantile of a cohort using gonum/stat,
// which requires its input sorted ascending.
func cohortQuantile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// maybeLaunchMutation implements spec.md §4.6 step 5: a pipelined,
// non-blocking reflection call that never delays evaluation.
func (o *Orchestrator) maybeLaunchMutation(ctx context.Context) {
	o.mu.Lock()
	spareQueueCapacity := len(o.queue) < o.cfg.QueueLimit
	underBuffer := o.mutationsInFlight < o.cfg.MutationBufferMin
	if !spareQueueCapacity || !underBuffer {
		o.mu.Unlock()
		return
	}
	parents := o.selectMutationParentsLocked()
	if len(parents) == 0 {
		o.mu.Unlock()
		return
	}
	o.mutationsInFlight++
	o.stats.MutationsRequested++
	if o.metrics != nil {
		o.metrics.MutationsRequestedTotal.Inc()
	}
	o.mu.Unlock()

	primary := parents[0]
	requested := o.cfg.MaxMutationsPerRound
	go func() {
		parentContexts := make([]mutator.ParentContext, len(parents))
		for i, p := range parents {
			parentContexts[i] = mutator.ParentContext{
				Candidate:  p.Candidate,
				Objectives: p.Result.Objectives,
				Traces:     p.Result.Traces,
			}
			if p.Result.ShardFraction != nil {
				parentContexts[i].ShardFraction = *p.Result.ShardFraction
			}
		}
		children, err := o.mut.BatchReflect(ctx, parentContexts, requested)
		o.pendingMutations <- mutationResult{
			children:      children,
			primaryParent: primary.Candidate,
			primaryResult: primary.Result,
			err:           err,
		}
	}()
}

// selectMutationParentsLocked picks up to 5 Pareto entries, preferring the
// highest rung reached (spec.md §4.6 step 5).
func (o *Orchestrator) selectMutationParentsLocked() []archive.Entry {
	entries := o.arc.ParetoEntries()
	sort.SliceStable(entries, func(i, j int) bool {
		return o.rungReached[entries[i].Candidate.Fingerprint()] > o.rungReached[entries[j].Candidate.Fingerprint()]
	})
	if len(entries) > 5 {
		entries = entries[:5]
	}
	return entries
}

// drainCompletedMutations folds any mutation batches that finished since
// the last round into the queue without blocking (spec.md §4.6: "Mutation
// generation runs concurrently with step 2 of the next round").
func (o *Orchestrator) drainCompletedMutations() {
	for {
		select {
		case mr := <-o.pendingMutations:
			o.mu.Lock()
			o.mutationsInFlight--
			if mr.err != nil {
				nlog.Warningf("orchestrator: reflection batch failed: %v", mr.err)
				o.mu.Unlock()
				continue
			}
			parentFP := mr.primaryParent.Fingerprint()
			o.stats.MutationsGenerated += len(mr.children)
			if o.metrics != nil {
				o.metrics.MutationsGeneratedTotal.Add(float64(len(mr.children)))
			}
			parentTemperature := mr.primaryParent.Meta.Temperature
			for _, text := range mr.children {
				child := candidate.New(text).WithMeta(func(m *candidate.Meta) {
					m.Source = candidate.SourceMutation
					m.ParentFingerprint = parentFP
					m.ParentObjectives = mr.primaryResult.Objectives
					m.Temperature = parentTemperature
				})
				childFP := child.Fingerprint()
				o.lineageID[childFP] = o.lineageID[parentFP]
				o.enqueueLocked(child, 0)
				o.stats.MutationsEnqueued++
				o.stats.recordEdge(parentFP, childFP)
			}
			o.mu.Unlock()
		default:
			return
		}
	}
}

// buildEpochMetrics assembles the StopGovernor's per-round summary (spec.md
// §4.7).
func (o *Orchestrator) buildEpochMetrics(roundEvaluations, novelCells int) stopgovernor.EpochMetrics {
	entries := o.arc.ParetoEntries()
	points := make([]stopgovernor.Point, len(entries))
	frontierIDs := make(map[string]struct{}, len(entries))
	bestQuality, bestCost := 0.0, -1e18
	for i, e := range entries {
		q := e.Result.Objective("quality", 0)
		negCost := e.Result.Objective("neg_cost", 0)
		points[i] = stopgovernor.Point{Quality: q, NegCost: negCost}
		frontierIDs[e.Candidate.Fingerprint()] = struct{}{}
		if q > bestQuality {
			bestQuality = q
		}
		if negCost > bestCost {
			bestCost = negCost
		}
	}
	if len(entries) == 0 {
		bestCost = 0
	}

	hv := stopgovernor.ComputeHypervolume2D(points, stopgovernor.Point{Quality: 0, NegCost: 0})

	noveltyRate := 0.0
	if roundEvaluations > 0 {
		noveltyRate = float64(novelCells) / float64(roundEvaluations)
	}

	totalCells := qdTotalCells(archive.DefaultConfig())

	return stopgovernor.EpochMetrics{
		Round:            o.round,
		Hypervolume:      hv,
		NewEvaluations:   roundEvaluations,
		BestQuality:      bestQuality,
		BestCost:         bestCost,
		FrontierIDs:      frontierIDs,
		QDFilledCells:    o.arc.QDFilledCells(),
		QDTotalCells:     totalCells,
		QDNoveltyRate:    noveltyRate,
		TotalTokensSpent: o.totalTokensSpent,
	}
}

func qdTotalCells(cfg archive.Config) int {
	cells := (len(cfg.BinsLength) + 1) * (len(cfg.BinsBullets) + 1)
	for range cfg.Flags {
		cells *= 2
	}
	return cells
}

// checkpoint atomically persists round/evaluations/pareto/qd/queue (spec.md
// §4.6 step 7, §6 "Cache on-disk format").
func (o *Orchestrator) checkpoint() {
	o.mu.Lock()
	queueCandidates := make([]candidate.Candidate, len(o.queue))
	for i, item := range o.queue {
		queueCandidates[i] = item.Candidate
	}
	round := o.round
	evaluations := o.totalEvaluations
	o.mu.Unlock()

	paretoEntries := o.arc.ParetoEntries()
	pareto := make([]candidate.Candidate, len(paretoEntries))
	for i, e := range paretoEntries {
		pareto[i] = e.Candidate
	}
	qdEntries := o.arc.QDEntries()
	qd := make([]candidate.Candidate, len(qdEntries))
	for i, e := range qdEntries {
		qd[i] = e.Candidate
	}

	o.cache.SaveState(cache.State{
		Round:       round,
		Evaluations: evaluations,
		Pareto:      pareto,
		QD:          qd,
		Queue:       queueCandidates,
	})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
