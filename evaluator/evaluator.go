// Package evaluator runs a candidate against a shard of task examples with
// a concurrency cap, cache-first lookups, parent-target early stopping, and
// straggler cancellation (spec.md §4.2, C3).
package evaluator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Studio-Intrinsic/turbo-gepa/cache"
	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
	"github.com/Studio-Intrinsic/turbo-gepa/internal/nlog"
	"github.com/Studio-Intrinsic/turbo-gepa/internal/xerrors"
)

// Outcome is the raw, unmapped result of running one example through a
// candidate (spec.md §6 "Task runner contract"): numeric objectives
// (quality is required; neg_cost and tokens are conventional) plus the
// context a reflection trace can use.
type Outcome struct {
	Objectives        map[string]float64
	Response          string
	Input             string
	ExpectedAnswer    string
	AdditionalContext map[string]any
}

// TaskRunner is the required external collaborator (spec.md §6 "Task
// runner contract"): given a candidate and an example id, it returns an
// Outcome.
type TaskRunner func(ctx context.Context, cand candidate.Candidate, exampleID string) (Outcome, error)

// Validator rejects a candidate before evaluation begins by returning a
// non-nil error (spec.md §4.2).
type Validator func(candidate.Candidate) error

// MetricsMapper post-processes a TaskRunner's raw metrics into the
// objective names the rest of the system expects (spec.md §4.2). The
// identity mapper is used when nil.
type MetricsMapper func(map[string]float64) map[string]float64

// Metrics receives evaluator-level counters for the metrics package to
// export (spec.md §3 domain stack); any method may be a no-op.
type Metrics interface {
	RecordCacheLookup(hit bool)
	RecordCacheWrite()
	RecordEarlyStop(reason string)
	RecordEvaluation()
	SetInflightEvaluations(n int64)
}

type noopMetrics struct{}

func (noopMetrics) RecordCacheLookup(bool)       {}
func (noopMetrics) RecordCacheWrite()            {}
func (noopMetrics) RecordEarlyStop(string)       {}
func (noopMetrics) RecordEvaluation()            {}
func (noopMetrics) SetInflightEvaluations(int64) {}

const (
	defaultEarlyStopFraction = 0.9
	minDurationSamples       = 5
	stragglerTimeBuffer      = 2.0
)

// Config configures one Evaluator instance (spec.md §6 evaluator fields).
type Config struct {
	TaskRunner     TaskRunner
	Validators     []Validator
	MetricsMapper  MetricsMapper
	VerboseErrors  bool
	TimeoutSeconds float64 // 0 disables the per-example timeout
	MinImprove     float64
	Metrics        Metrics
}

// Evaluator runs candidates against example shards, consulting cache before
// invoking TaskRunner.
type Evaluator struct {
	cache                          *cache.Cache
	cfg                            Config
	inflight, maxObservedInflight int64
}

// New constructs an Evaluator backed by c.
func New(c *cache.Cache, cfg Config) *Evaluator {
	if cfg.MetricsMapper == nil {
		cfg.MetricsMapper = func(m map[string]float64) map[string]float64 { return m }
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Evaluator{cache: c, cfg: cfg}
}

// InflightExamples is the current number of example-level evaluations in
// flight.
func (e *Evaluator) InflightExamples() int64 { return atomic.LoadInt64(&e.inflight) }

// MaxObservedInflight is the highest concurrent in-flight count observed.
func (e *Evaluator) MaxObservedInflight() int64 { return atomic.LoadInt64(&e.maxObservedInflight) }

// EvalOnShard evaluates cand on exampleIDs with a concurrency cap,
// returning a weighted-average EvalResult across completed examples
// (spec.md §4.2). Evaluation may return before every example completes:
// once parent_target cannot be beaten, or, when early_stop_fraction < 1.0,
// once the tail of the batch looks like it has stalled past what's
// expected.
func (e *Evaluator) EvalOnShard(ctx context.Context, cand candidate.Candidate, exampleIDs []string, concurrency int, shardFraction *float64, earlyStopFraction float64) (candidate.EvalResult, error) {
	for _, v := range e.cfg.Validators {
		if err := v(cand); err != nil {
			return candidate.EvalResult{}, err
		}
	}
	if earlyStopFraction <= 0 {
		earlyStopFraction = defaultEarlyStopFraction
	}
	if concurrency < 1 {
		concurrency = 1
	}

	total := len(exampleIDs)
	parentTarget, hasParentTarget := e.parentTarget(cand)
	earlyStopTarget := int(float64(total) * earlyStopFraction)

	sem := semaphore.NewWeighted(int64(concurrency))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu             sync.Mutex
		results        = make([]candidate.EvalResult, 0, total)
		completed      int
		runningQuality float64
		earlyStopped   bool
		durations      []time.Duration
		shardErrs      xerrors.Errs
	)

	register := func(result candidate.EvalResult, quality *float64) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, result)
		completed += result.NExamples
		if quality != nil {
			runningQuality += *quality * float64(maxInt(1, result.NExamples))
		}
		if !earlyStopped && hasParentTarget && total > 0 {
			remaining := total - completed
			if remaining < 0 {
				remaining = 0
			}
			bestPossible := (runningQuality + float64(remaining)) / float64(total)
			if bestPossible+1e-9 < parentTarget {
				earlyStopped = true
				e.cfg.Metrics.RecordEarlyStop("parent_target")
				nlog.Infof("evaluator: early stop for %s, cannot beat parent target %.1f%%", cand.Fingerprint()[:12], parentTarget*100)
			}
		}
	}

	batchStart := time.Now()
	var durMu sync.Mutex
	recordDuration := func(d time.Duration) {
		durMu.Lock()
		durations = append(durations, d)
		durMu.Unlock()
	}
	avgDuration := func() (time.Duration, int) {
		durMu.Lock()
		defer durMu.Unlock()
		if len(durations) == 0 {
			return 0, 0
		}
		var sum time.Duration
		for _, d := range durations {
			sum += d
		}
		return sum / time.Duration(len(durations)), len(durations)
	}

	var wg sync.WaitGroup
	for _, exampleID := range exampleIDs {
		exampleID := exampleID
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.evalOne(runCtx, cand, exampleID, sem, shardFraction, register, recordDuration, &shardErrs)
		}()
	}

	monitor := make(chan struct{})
	go func() {
		defer close(monitor)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				done := completed >= earlyStopTarget && earlyStopFraction < 1.0
				stoppedAlready := earlyStopped
				currentCompleted := completed
				mu.Unlock()
				if stoppedAlready {
					cancel()
					return
				}
				if !done {
					continue
				}
				avg, n := avgDuration()
				if n < minDurationSamples {
					continue
				}
				elapsed := time.Since(batchStart)
				expectedForRemaining := time.Duration(float64(avg) * stragglerTimeBuffer)
				expectedToTarget := time.Duration(float64(earlyStopTarget)/float64(concurrency)) * avg
				sinceShouldHaveHitTarget := elapsed - expectedToTarget
				remaining := total - currentCompleted
				if sinceShouldHaveHitTarget > expectedForRemaining && remaining >= 2 {
					nlog.Infof("evaluator: early stop for %s, %d/%d complete, cancelling %d stragglers", cand.Fingerprint()[:12], currentCompleted, total, remaining)
					cancel()
					return
				}
			}
		}
	}()

	wg.Wait()
	cancel()
	<-monitor

	if shardErrs.Len() > 0 {
		nlog.Warningf("evaluator: %s completed with %d distinct example failure(s): %v", cand.Fingerprint()[:12], shardErrs.Len(), shardErrs.Err())
	}

	totals := map[string]float64{}
	traces := make([]candidate.Trace, 0, total)
	exampleTraceIDs := make([]string, 0, total)
	n := 0
	for _, r := range results {
		for k, v := range r.Objectives {
			totals[k] += v * float64(r.NExamples)
		}
		traces = append(traces, r.Traces...)
		exampleTraceIDs = append(exampleTraceIDs, r.ExampleIDs...)
		n += r.NExamples
	}
	denom := maxInt(n, 1)
	averaged := make(map[string]float64, len(totals))
	for k, v := range totals {
		averaged[k] = v / float64(denom)
	}

	return candidate.EvalResult{
		Objectives:    averaged,
		Traces:        traces,
		NExamples:     n,
		ShardFraction: shardFraction,
		ExampleIDs:    exampleTraceIDs,
	}, nil
}

// parentTarget derives the quality a child must beat to stay worth
// completing, from meta.parent_score (preferred) or
// meta.parent_objectives["quality"] (spec.md §4.2, mirrors
// evaluator.py's early-stop target derivation).
func (e *Evaluator) parentTarget(cand candidate.Candidate) (float64, bool) {
	var base float64
	var ok bool
	if cand.Meta.ParentScore != nil {
		base, ok = *cand.Meta.ParentScore, true
	} else if v, exists := cand.Meta.ParentObjectives["quality"]; exists {
		base, ok = v, true
	}
	if !ok {
		return 0, false
	}
	target := base + e.cfg.MinImprove
	if target > 1.0 {
		target = 1.0
	}
	if target < 0.0 {
		target = 0.0
	}
	return target, true
}

func (e *Evaluator) evalOne(
	ctx context.Context,
	cand candidate.Candidate,
	exampleID string,
	sem *semaphore.Weighted,
	shardFraction *float64,
	register func(candidate.EvalResult, *float64),
	recordDuration func(time.Duration),
	shardErrs *xerrors.Errs,
) {
	if cached, ok, err := e.cache.Get(ctx, cand, exampleID); err == nil && ok {
		e.cfg.Metrics.RecordCacheLookup(true)
		var q *float64
		if v, has := cached.Objectives["quality"]; has {
			q = &v
		}
		register(cached, q)
		return
	}
	e.cfg.Metrics.RecordCacheLookup(false)

	if err := sem.Acquire(ctx, 1); err != nil {
		// context cancelled (straggler cutoff or caller cancellation): drop silently,
		// matching asyncio.CancelledError handling in the source.
		return
	}
	atomic.AddInt64(&e.inflight, 1)
	e.bumpMaxInflight()
	e.cfg.Metrics.SetInflightEvaluations(atomic.LoadInt64(&e.inflight))
	apiStart := time.Now()

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if e.cfg.TimeoutSeconds > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutSeconds*float64(time.Second)))
		defer cancelTimeout()
	}

	outcome, err := e.cfg.TaskRunner(runCtx, cand, exampleID)
	sem.Release(1)
	atomic.AddInt64(&e.inflight, -1)
	e.cfg.Metrics.SetInflightEvaluations(atomic.LoadInt64(&e.inflight))

	if err != nil {
		if ctx.Err() != nil {
			// The shard was cancelled while this example was running: drop
			// it, as for a cancellation before the semaphore was acquired.
			return
		}
		e.handleFailure(runCtx, exampleID, shardFraction, err, register, shardErrs)
		return
	}

	e.cfg.Metrics.RecordEvaluation()
	recordDuration(time.Since(apiStart))
	mapped := e.cfg.MetricsMapper(outcome.Objectives)
	trace := buildTrace(exampleID, outcome)

	result := candidate.EvalResult{
		Objectives:    mapped,
		Traces:        []candidate.Trace{trace},
		NExamples:     1,
		ShardFraction: shardFraction,
		ExampleIDs:    []string{exampleID},
	}
	if err := e.cache.Set(ctx, cand, exampleID, result); err == nil {
		e.cfg.Metrics.RecordCacheWrite()
	}

	var q *float64
	if v, ok := mapped["quality"]; ok {
		q = &v
	}
	register(result, q)
}

func (e *Evaluator) bumpMaxInflight() {
	cur := atomic.LoadInt64(&e.inflight)
	for {
		max := atomic.LoadInt64(&e.maxObservedInflight)
		if cur <= max {
			return
		}
		if atomic.CompareAndSwapInt64(&e.maxObservedInflight, max, cur) {
			return
		}
	}
}

// handleFailure converts a TaskRunner error (including context.DeadlineExceeded
// for per-example timeouts) into a zero-scored, uncached trace so a single
// bad example cannot crash the batch (spec.md §4.2, §7).
func (e *Evaluator) handleFailure(ctx context.Context, exampleID string, shardFraction *float64, err error, register func(candidate.EvalResult, *float64), shardErrs *xerrors.Errs) {
	reason := "error"
	if ctx.Err() == context.DeadlineExceeded {
		reason = "timeout"
	}
	if e.cfg.VerboseErrors {
		nlog.Warningf("evaluator: example %s failed: %s: %v", exampleID, reason, err)
	}
	shardErrs.Add(&xerrors.TaskLLMFailure{ExampleID: exampleID, Err: err})
	fallback := map[string]float64{"quality": 0.0, "neg_cost": 0.0, "tokens": 0.0}
	mapped := e.cfg.MetricsMapper(fallback)
	trace := candidate.Trace{ExampleID: exampleID, Error: fmt.Sprintf("%s: %v", reason, err)}
	result := candidate.EvalResult{
		Objectives:    mapped,
		Traces:        []candidate.Trace{trace},
		NExamples:     1,
		ShardFraction: shardFraction,
		ExampleIDs:    []string{exampleID},
	}
	zero := 0.0
	register(result, &zero)
}

func buildTrace(exampleID string, outcome Outcome) candidate.Trace {
	trace := candidate.Trace{
		ExampleID:         exampleID,
		Input:             outcome.Input,
		ExpectedAnswer:    outcome.ExpectedAnswer,
		Output:            candidate.TruncateOutput(outcome.Response),
		AdditionalContext: outcome.AdditionalContext,
	}
	if q, ok := outcome.Objectives["quality"]; ok {
		trace.Quality = q
	}
	if tok, ok := outcome.Objectives["tokens"]; ok {
		trace.Tokens = int(tok)
	}
	return trace
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
