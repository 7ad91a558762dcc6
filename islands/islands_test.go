package islands

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Studio-Intrinsic/turbo-gepa/cache"
	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
	"github.com/Studio-Intrinsic/turbo-gepa/config"
	"github.com/Studio-Intrinsic/turbo-gepa/evaluator"
	"github.com/Studio-Intrinsic/turbo-gepa/llm"
	"github.com/Studio-Intrinsic/turbo-gepa/mutator"
	"github.com/Studio-Intrinsic/turbo-gepa/orchestrator"
	"github.com/Studio-Intrinsic/turbo-gepa/stopgovernor"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	dir, err := os.MkdirTemp("", "islands-cache-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	c, err := cache.New(dir)
	require.NoError(t, err)
	return c
}

func testFactories(t *testing.T, c *cache.Cache, exampleIDs []string, qualityOf func(string) float64) Factories {
	t.Helper()
	mutationCounter := 0
	return Factories{
		Cache:      c,
		ExampleIDs: exampleIDs,
		NewEvaluator: func() *evaluator.Evaluator {
			runner := func(ctx context.Context, cand candidate.Candidate, exampleID string) (evaluator.Outcome, error) {
				return evaluator.Outcome{
					Objectives: map[string]float64{"quality": qualityOf(cand.Text), "neg_cost": -float64(len(cand.Text))},
				}, nil
			}
			return evaluator.New(c, evaluator.Config{TaskRunner: runner})
		},
		NewMutator: func() *mutator.Mutator {
			complete := func(ctx context.Context, model string, messages []llm.Message, params llm.Params) (llm.Completion, error) {
				mutationCounter++
				return llm.Completion{Text: fmt.Sprintf("<PROMPT>island mutation %d with extra detail</PROMPT>", mutationCounter)}, nil
			}
			return mutator.New(mutator.Config{ReflectionModel: "reflection-model"}, complete, mutator.NewTemperatureState())
		},
		NewStopGovernor: func() *stopgovernor.Governor {
			cfg := stopgovernor.DefaultConfig()
			cfg.MaxNoImprovementEpochs = 1000
			return stopgovernor.New(cfg)
		},
	}
}

func baseTestConfig() config.Config {
	cfg := config.Default()
	cfg.TaskModel = "task-model"
	cfg.ReflectionModel = "reflection-model"
	cfg.Shards = []float64{0.5, 1.0}
	cfg.BatchSize = 4
	cfg.EvalConcurrency = 2
	cfg.MaxRounds = 3
	cfg.MutationBufferMin = 0
	cfg.QueueLimit = 64
	return cfg
}

func TestRunSingleIslandMergesResult(t *testing.T) {
	c := newTestCache(t)
	ids := []string{"ex1", "ex2", "ex3", "ex4"}
	cfg := baseTestConfig()
	cfg.NIslands = 1

	result, err := Run(context.Background(), cfg, testFactories(t, c, ids, func(string) float64 { return 0.5 }),
		[]candidate.Candidate{candidate.New("seed one"), candidate.New("seed two")})
	require.NoError(t, err)
	require.NotEmpty(t, result.Pareto)
	require.False(t, result.Staged)
}

func TestRunMultiIslandMigratesAndMerges(t *testing.T) {
	c := newTestCache(t)
	ids := []string{"ex1", "ex2", "ex3", "ex4"}
	cfg := baseTestConfig()
	cfg.NIslands = 3
	cfg.BaseSeed = 7
	cfg.MaxRounds = 4

	result, err := Run(context.Background(), cfg, testFactories(t, c, ids, func(text string) float64 { return float64(len(text)) / 100.0 }),
		[]candidate.Candidate{
			candidate.New("first seed prompt"),
			candidate.New("second seed prompt"),
			candidate.New("third seed prompt"),
		})
	require.NoError(t, err)
	require.Len(t, result.PerIsland, 3)
	require.NotEmpty(t, result.Pareto)
}

func TestRunStagedProducesPhaseBreakdowns(t *testing.T) {
	c := newTestCache(t)
	ids := []string{"ex1", "ex2", "ex3", "ex4"}
	cfg := baseTestConfig()
	cfg.NIslands = 1
	cfg.StagedOptimization = true
	cfg.MaxRounds = 4
	cfg.Phase1BudgetFraction = 0.5
	cfg.Phase2SeedTopK = 2
	cfg.Phase2Temperature = 0.5

	result, err := Run(context.Background(), cfg, testFactories(t, c, ids, func(text string) float64 { return float64(len(text)) / 100.0 }),
		[]candidate.Candidate{candidate.New("a seed prompt of modest length")})
	require.NoError(t, err)
	require.True(t, result.Staged)
	require.NotEmpty(t, result.Phase1Pareto)
	require.NotEmpty(t, result.Pareto)
}

func TestSeedsForIslandDistributesRoundRobin(t *testing.T) {
	seeds := []candidate.Candidate{candidate.New("a"), candidate.New("b"), candidate.New("c"), candidate.New("d")}
	island0 := seedsForIsland(seeds, 0, 2)
	island1 := seedsForIsland(seeds, 1, 2)
	require.Len(t, island0, 2)
	require.Len(t, island1, 2)
}

func TestSeedsForIslandSingleIslandGetsAll(t *testing.T) {
	seeds := []candidate.Candidate{candidate.New("a"), candidate.New("b")}
	require.Equal(t, seeds, seedsForIsland(seeds, 0, 1))
}

func TestMergeEvolutionStatsSumsCounters(t *testing.T) {
	a := orchestrator.EvolutionStats{MutationsRequested: 1, MutationsGenerated: 2}
	b := orchestrator.EvolutionStats{MutationsRequested: 3, MutationsGenerated: 4}
	merged := mergeEvolutionStats([]orchestrator.EvolutionStats{a, b})
	require.Equal(t, 4, merged.MutationsRequested)
	require.Equal(t, 6, merged.MutationsGenerated)
}
