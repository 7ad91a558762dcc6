package stopgovernor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ids(ids ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestShouldStopInsufficientEpochs(t *testing.T) {
	g := New(DefaultConfig())
	g.Update(EpochMetrics{Round: 1, Hypervolume: 0.1, FrontierIDs: ids("a")})
	decision := g.ShouldStop()
	require.False(t, decision.ShouldStop)
	require.Equal(t, "insufficient_epochs", decision.Reason)
}

func TestShouldStopKeepsGoingOnStrongImprovement(t *testing.T) {
	g := New(DefaultConfig())
	g.Update(EpochMetrics{Round: 1, Hypervolume: 0.1, NewEvaluations: 10, BestQuality: 0.5, BestCost: -100, FrontierIDs: ids("a"), TotalTokensSpent: 1000})
	g.Update(EpochMetrics{Round: 2, Hypervolume: 0.5, NewEvaluations: 10, BestQuality: 0.8, BestCost: -50, FrontierIDs: ids("a", "b"), TotalTokensSpent: 2000})

	decision := g.ShouldStop()
	require.False(t, decision.ShouldStop)
	require.Greater(t, decision.StopScore, DefaultConfig().StopThreshold)
}

func TestHysteresisRequiresConsecutiveBelowThresholdEpochs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HysteresisWindow = 3
	g := New(cfg)

	frontier := ids("a")
	// Identical metrics round after round: no improvement on any signal.
	for i := 0; i < 2; i++ {
		g.Update(EpochMetrics{Round: i, Hypervolume: 1.0, NewEvaluations: 10, BestQuality: 0.9, BestCost: -10, FrontierIDs: frontier, TotalTokensSpent: 1000 * (i + 1)})
	}

	var decision Decision
	for i := 0; i < 3; i++ {
		g.Update(EpochMetrics{Round: 2 + i, Hypervolume: 1.0, NewEvaluations: 10, BestQuality: 0.9, BestCost: -10, FrontierIDs: frontier, TotalTokensSpent: 1000 * (i + 3)})
		decision = g.ShouldStop()
		if decision.ShouldStop {
			break
		}
	}
	require.True(t, decision.ShouldStop)
	require.Equal(t, "score_below_threshold", decision.Reason)
}

func TestHardCapStopsAfterMaxNoImprovementEpochs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNoImprovementEpochs = 2
	cfg.HysteresisWindow = 100 // disable hysteresis path so only the hard cap can fire
	g := New(cfg)

	frontier := ids("a")
	g.Update(EpochMetrics{Round: 0, Hypervolume: 0, BestQuality: 0.5, BestCost: -10, FrontierIDs: frontier})
	var decision Decision
	for i := 1; i <= 3; i++ {
		g.Update(EpochMetrics{Round: i, Hypervolume: 0, BestQuality: 0.5, BestCost: -10, FrontierIDs: frontier})
		decision = g.ShouldStop()
		if decision.ShouldStop {
			break
		}
	}
	require.True(t, decision.ShouldStop)
	require.Equal(t, "no_improvement", decision.Reason)
}

func TestComputeHypervolume2DMonotonicAsPointsAdded(t *testing.T) {
	hv1 := ComputeHypervolume2D([]Point{{Quality: 0.5, NegCost: -50}}, Point{0, -1000})
	hv2 := ComputeHypervolume2D([]Point{{Quality: 0.5, NegCost: -50}, {Quality: 0.8, NegCost: -30}}, Point{0, -1000})
	require.GreaterOrEqual(t, hv2, hv1)
}

func TestComputeHypervolume2DEmptyIsZero(t *testing.T) {
	require.Equal(t, 0.0, ComputeHypervolume2D(nil, Point{0, 0}))
}

func TestComputeHypervolume2DDominatedPointsIgnored(t *testing.T) {
	hvWithDominated := ComputeHypervolume2D([]Point{
		{Quality: 0.9, NegCost: -10},
		{Quality: 0.5, NegCost: -50}, // dominated by the point above
	}, Point{0, -1000})
	hvWithoutDominated := ComputeHypervolume2D([]Point{{Quality: 0.9, NegCost: -10}}, Point{0, -1000})
	require.InDelta(t, hvWithoutDominated, hvWithDominated, 1e-9)
}

func TestJaccardSimilarityBothEmpty(t *testing.T) {
	require.Equal(t, 1.0, jaccardSimilarity(nil, nil))
}

func TestJaccardSimilarityOneEmpty(t *testing.T) {
	require.Equal(t, 0.0, jaccardSimilarity(ids("a"), nil))
}

func TestJaccardSimilarityPartialOverlap(t *testing.T) {
	got := jaccardSimilarity(ids("a", "b"), ids("b", "c"))
	require.InDelta(t, 1.0/3.0, got, 1e-9)
}
