package orchestrator

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Studio-Intrinsic/turbo-gepa/archive"
	"github.com/Studio-Intrinsic/turbo-gepa/cache"
	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
	"github.com/Studio-Intrinsic/turbo-gepa/config"
	"github.com/Studio-Intrinsic/turbo-gepa/evaluator"
	"github.com/Studio-Intrinsic/turbo-gepa/llm"
	"github.com/Studio-Intrinsic/turbo-gepa/mutator"
	"github.com/Studio-Intrinsic/turbo-gepa/sampler"
	"github.com/Studio-Intrinsic/turbo-gepa/stopgovernor"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	dir, err := os.MkdirTemp("", "orchestrator-cache-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	c, err := cache.New(dir)
	require.NoError(t, err)
	return c
}

// newTestOrchestrator wires a full Orchestrator around a deterministic
// quality function of candidate text length, with a stub reflection
// completion that grows the parent text by appending a marker.
func newTestOrchestrator(t *testing.T, cfg config.Config, qualityOf func(string) float64) *Orchestrator {
	t.Helper()
	c := newTestCache(t)

	runner := func(ctx context.Context, cand candidate.Candidate, exampleID string) (evaluator.Outcome, error) {
		return evaluator.Outcome{
			Objectives: map[string]float64{"quality": qualityOf(cand.Text), "neg_cost": -float64(len(cand.Text))},
			Response:   "ok",
		}, nil
	}
	eval := evaluator.New(c, evaluator.Config{TaskRunner: runner})

	ids := []string{"ex1", "ex2", "ex3", "ex4"}
	samp := sampler.New(ids, 1)

	arc := archive.New(archive.DefaultConfig())

	mutationCounter := 0
	complete := func(ctx context.Context, model string, messages []llm.Message, params llm.Params) (llm.Completion, error) {
		mutationCounter++
		return llm.Completion{Text: fmt.Sprintf("<PROMPT>improved prompt number %d with more detail</PROMPT>", mutationCounter)}, nil
	}
	mut := mutator.New(mutator.Config{ReflectionModel: "reflection-model"}, complete, mutator.NewTemperatureState())

	stopCfg := stopgovernor.DefaultConfig()
	stopCfg.MaxNoImprovementEpochs = 1000
	stop := stopgovernor.New(stopCfg)

	return New(cfg, c, eval, samp, arc, mut, stop, ids)
}

func baseTestConfig() config.Config {
	cfg := config.Default()
	cfg.TaskModel = "task-model"
	cfg.ReflectionModel = "reflection-model"
	cfg.Shards = []float64{0.5, 1.0}
	cfg.BatchSize = 4
	cfg.EvalConcurrency = 2
	cfg.MaxRounds = 3
	cfg.TargetQuality = 0
	cfg.QueueLimit = 64
	cfg.MutationBufferMin = 0 // disable auto-mutation unless a test opts in
	return cfg
}

func TestRunDrainsQueueAndStopsWhenEmpty(t *testing.T) {
	cfg := baseTestConfig()
	o := newTestOrchestrator(t, cfg, func(text string) float64 { return 0.5 })
	o.Seed([]candidate.Candidate{candidate.New("seed prompt one"), candidate.New("seed prompt two")})

	result, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.Pareto)
	require.Equal(t, 2, result.TotalCandidates)
}

func TestRunRespectsMaxRounds(t *testing.T) {
	cfg := baseTestConfig()
	cfg.MaxRounds = 1
	cfg.BatchSize = 1 // force the queue to span multiple rounds
	o := newTestOrchestrator(t, cfg, func(text string) float64 { return 0.5 })
	o.Seed([]candidate.Candidate{
		candidate.New("seed one"),
		candidate.New("seed two"),
		candidate.New("seed three"),
	})

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, o.round)
}

func TestPromotionAdvancesHighQualityCandidatesToTerminalShard(t *testing.T) {
	cfg := baseTestConfig()
	cfg.Shards = []float64{0.25, 1.0}
	cfg.CohortQuantile = 0.5
	cfg.EpsImprove = 0
	cfg.MaxRounds = 5
	o := newTestOrchestrator(t, cfg, func(text string) float64 {
		if len(text) > 20 {
			return 1.0
		}
		return 0.1
	})
	o.Seed([]candidate.Candidate{
		candidate.New("short"),
		candidate.New("a considerably longer seed prompt"),
	})

	result, err := o.Run(context.Background())
	require.NoError(t, err)

	foundTerminalRung := false
	for _, rung := range o.rungReached {
		if rung == len(cfg.Shards)-1 {
			foundTerminalRung = true
		}
	}
	require.True(t, foundTerminalRung)
	require.NotEmpty(t, result.Pareto)
	require.Greater(t, o.stats.MutationsPromoted, 0)
}

func TestMutationsEnqueueChildrenWithParentLineage(t *testing.T) {
	cfg := baseTestConfig()
	cfg.MutationBufferMin = 1
	cfg.MaxMutationsPerRound = 2
	cfg.MaxRounds = 6
	o := newTestOrchestrator(t, cfg, func(text string) float64 { return float64(len(text)) / 100.0 })
	o.Seed([]candidate.Candidate{candidate.New("a modest seed prompt to reflect on")})

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Greater(t, o.stats.MutationsRequested, 0)
	if o.stats.MutationsEnqueued > 0 {
		require.Greater(t, o.stats.UniqueParents, 0)
		require.Greater(t, o.stats.UniqueChildren, 0)
	}
}

func TestSeedAssignsSeedSourceWhenUnset(t *testing.T) {
	cfg := baseTestConfig()
	o := newTestOrchestrator(t, cfg, func(text string) float64 { return 0.5 })
	plain := candidate.New("plain seed")
	o.Seed([]candidate.Candidate{plain})

	require.Len(t, o.queue, 1)
	require.Equal(t, candidate.SourceSeed, o.queue[0].Candidate.Meta.Source)
}

func TestCheckpointPersistsStateWithoutError(t *testing.T) {
	cfg := baseTestConfig()
	o := newTestOrchestrator(t, cfg, func(text string) float64 { return 0.5 })
	o.Seed([]candidate.Candidate{candidate.New("seed prompt")})

	require.NotPanics(t, func() { o.checkpoint() })
}

func TestQdTotalCellsMatchesBinCombinatorics(t *testing.T) {
	cfg := archive.DefaultConfig()
	cells := qdTotalCells(cfg)
	expected := (len(cfg.BinsLength) + 1) * (len(cfg.BinsBullets) + 1)
	for range cfg.Flags {
		expected *= 2
	}
	require.Equal(t, expected, cells)
}

func TestCohortQuantileEmptyIsZero(t *testing.T) {
	require.Equal(t, 0.0, cohortQuantile(nil, 0.5))
}

func TestCohortQuantileMedianOfSortedValues(t *testing.T) {
	q := cohortQuantile([]float64{0.1, 0.9, 0.5}, 0.5)
	require.InDelta(t, 0.5, q, 1e-9)
}
