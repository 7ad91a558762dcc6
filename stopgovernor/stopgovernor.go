// Package stopgovernor implements the multi-signal, EWMA-smoothed
// convergence detector that decides when an optimization run should stop
// (spec.md §4.7, C8a).
package stopgovernor

import (
	"math"
	"sort"
)

// EpochMetrics is one round's summary, as fed to Update (spec.md §4.7).
type EpochMetrics struct {
	Round             int
	Hypervolume       float64
	NewEvaluations    int
	BestQuality       float64
	BestCost          float64 // negative tokens; higher (less negative) is better
	FrontierIDs       map[string]struct{}
	QDFilledCells     int
	QDTotalCells      int
	QDNoveltyRate     float64 // fraction of this round's evals landing in previously-empty cells
	TotalTokensSpent  int
}

// Config tunes every threshold, weight, and hysteresis window (spec.md §6,
// constant-for-constant from stop_governor.py's StopGovernorConfig).
type Config struct {
	Alpha float64

	HysteresisWindow int
	StopThreshold    float64

	TauHV                float64
	TauQuality           float64
	TauQualityRelative   float64
	TauCost              float64
	TauQDNovelty         float64
	TauROI               float64

	MinJaccardForStable float64
	MaxEpsilonChurn      float64

	WeightHV      float64
	WeightQuality float64
	WeightCost    float64
	WeightQD      float64
	WeightROI     float64

	StabilityPenaltyBeta float64

	MaxNoImprovementEpochs int
}

// DefaultConfig mirrors stop_governor.py's StopGovernorConfig defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:                  0.3,
		HysteresisWindow:       5,
		StopThreshold:          0.15,
		TauHV:                  1e-5,
		TauQuality:             1e-3,
		TauQualityRelative:     0.01,
		TauCost:                5.0,
		TauQDNovelty:           0.03,
		TauROI:                 1e-6,
		MinJaccardForStable:    0.85,
		MaxEpsilonChurn:        0.1,
		WeightHV:               1.0,
		WeightQuality:          1.0,
		WeightCost:             0.6,
		WeightQD:               0.7,
		WeightROI:              0.5,
		StabilityPenaltyBeta:   0.5,
		MaxNoImprovementEpochs: 12,
	}
}

// Signals is the normalized 0-1 per-criterion breakdown behind a stop score
// (spec.md §4.7).
type Signals struct {
	HV             float64
	Quality        float64
	Cost           float64
	QD             float64
	ROI            float64
	Stability      float64
	Jaccard        float64
	StopScore      float64
	MaxSignal      float64
	StabilityPenalty float64
}

// Decision is should_stop's return value plus the debug trail (spec.md
// §4.7).
type Decision struct {
	ShouldStop           bool
	Reason               string
	StopScore            float64
	Signals              Signals
	EpochsBelowThreshold int
	EpochsNoImprovement  int
}

// Governor tracks epoch history and EWMA state across a run.
type Governor struct {
	cfg Config

	epochs      []EpochMetrics
	prevMetrics *EpochMetrics

	ewmaHVRate       float64
	ewmaQualityDelta float64
	ewmaCostDelta    float64
	ewmaROI          float64

	epochsBelowThreshold int
	epochsNoImprovement  int

	lastBestQuality float64
	lastBestCost    float64
}

// New constructs a Governor. A zero-value Config falls back to
// DefaultConfig.
func New(cfg Config) *Governor {
	if cfg.HysteresisWindow == 0 && cfg.StopThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Governor{cfg: cfg, lastBestCost: math.Inf(-1)}
}

// Update records a new epoch and advances the EWMA state (spec.md §4.7).
func (g *Governor) Update(metrics EpochMetrics) {
	g.epochs = append(g.epochs, metrics)

	if g.prevMetrics != nil {
		deltaHV := metrics.Hypervolume - g.prevMetrics.Hypervolume
		hvRate := deltaHV / float64(maxInt(1, metrics.NewEvaluations))

		deltaQuality := metrics.BestQuality - g.prevMetrics.BestQuality
		deltaCost := metrics.BestCost - g.prevMetrics.BestCost

		roi := deltaHV / float64(maxInt(1, metrics.TotalTokensSpent-g.prevMetrics.TotalTokensSpent))

		alpha := g.cfg.Alpha
		g.ewmaHVRate = alpha*hvRate + (1-alpha)*g.ewmaHVRate
		g.ewmaQualityDelta = alpha*deltaQuality + (1-alpha)*g.ewmaQualityDelta
		g.ewmaCostDelta = alpha*deltaCost + (1-alpha)*g.ewmaCostDelta
		g.ewmaROI = alpha*roi + (1-alpha)*g.ewmaROI

		if deltaQuality > g.cfg.TauQuality {
			g.epochsNoImprovement = 0
		} else {
			g.epochsNoImprovement++
		}
	} else {
		g.ewmaHVRate = 0
		g.ewmaQualityDelta = 0
		g.ewmaCostDelta = 0
		g.ewmaROI = 0
	}

	m := metrics
	g.prevMetrics = &m
	g.lastBestQuality = metrics.BestQuality
	g.lastBestCost = metrics.BestCost
}

// computeSignals is compute_signals ported verbatim, including its "not
// enough data yet" all-ones sentinel for the first epoch.
func (g *Governor) computeSignals() Signals {
	if len(g.epochs) < 2 {
		return Signals{HV: 1.0, Quality: 1.0, Cost: 1.0, QD: 1.0, ROI: 1.0, Stability: 0.0, Jaccard: 0.0}
	}

	curr := g.epochs[len(g.epochs)-1]
	prev := g.epochs[len(g.epochs)-2]

	sHV := 1.0
	if g.cfg.TauHV > 0 {
		sHV = math.Min(1.0, g.ewmaHVRate/g.cfg.TauHV)
	}

	var sQuality float64
	switch {
	case g.cfg.TauQuality > 0 && g.cfg.TauQualityRelative > 0:
		absoluteSignal := g.ewmaQualityDelta / g.cfg.TauQuality
		relativeSignal := (g.ewmaQualityDelta / math.Max(0.01, g.lastBestQuality)) / g.cfg.TauQualityRelative
		sQuality = math.Min(1.0, math.Max(absoluteSignal, relativeSignal))
	case g.cfg.TauQuality > 0:
		sQuality = math.Min(1.0, g.ewmaQualityDelta/g.cfg.TauQuality)
	default:
		sQuality = 1.0
	}

	sCost := 1.0
	if g.cfg.TauCost > 0 {
		sCost = math.Min(1.0, g.ewmaCostDelta/g.cfg.TauCost)
	}

	sQD := 1.0
	if g.cfg.TauQDNovelty > 0 {
		sQD = math.Min(1.0, curr.QDNoveltyRate/g.cfg.TauQDNovelty)
	}

	sROI := 1.0
	if g.cfg.TauROI > 0 {
		sROI = math.Min(1.0, g.ewmaROI/g.cfg.TauROI)
	}

	jaccard := jaccardSimilarity(prev.FrontierIDs, curr.FrontierIDs)
	sStability := 0.0
	if jaccard > g.cfg.MinJaccardForStable {
		sStability = jaccard
	}

	return Signals{HV: sHV, Quality: sQuality, Cost: sCost, QD: sQD, ROI: sROI, Stability: sStability, Jaccard: jaccard}
}

// ComputeStopScore is compute_stop_score: a conservative OR-style max over
// weighted signals, discounted by a stability penalty (spec.md §4.7,
// invariant 8).
func (g *Governor) ComputeStopScore() (float64, Signals) {
	signals := g.computeSignals()

	maxSignal := math.Max(g.cfg.WeightHV*signals.HV,
		math.Max(g.cfg.WeightQuality*signals.Quality,
			math.Max(g.cfg.WeightCost*signals.Cost,
				math.Max(g.cfg.WeightQD*signals.QD, g.cfg.WeightROI*signals.ROI))))

	stabilityPenalty := math.Pow(1.0-signals.Stability, g.cfg.StabilityPenaltyBeta)
	stopScore := maxSignal * stabilityPenalty

	signals.StopScore = stopScore
	signals.MaxSignal = maxSignal
	signals.StabilityPenalty = stabilityPenalty
	return stopScore, signals
}

// ShouldStop applies hysteresis and the hard no-improvement cap on top of
// ComputeStopScore (spec.md §4.7, §8 invariant 8).
func (g *Governor) ShouldStop() Decision {
	if len(g.epochs) < 2 {
		return Decision{ShouldStop: false, Reason: "insufficient_epochs"}
	}

	stopScore, signals := g.ComputeStopScore()

	if stopScore < g.cfg.StopThreshold {
		g.epochsBelowThreshold++
	} else {
		g.epochsBelowThreshold = 0
	}

	hardStop := g.epochsNoImprovement >= g.cfg.MaxNoImprovementEpochs
	hysteresisStop := g.epochsBelowThreshold >= g.cfg.HysteresisWindow
	shouldStop := hardStop || hysteresisStop

	decision := Decision{
		ShouldStop:           shouldStop,
		StopScore:            stopScore,
		Signals:              signals,
		EpochsBelowThreshold: g.epochsBelowThreshold,
		EpochsNoImprovement:  g.epochsNoImprovement,
	}
	if shouldStop {
		if hardStop {
			decision.Reason = "no_improvement"
		} else {
			decision.Reason = "score_below_threshold"
		}
	}
	return decision
}

// Reset clears all history and EWMA state, starting a fresh convergence
// trajectory.
func (g *Governor) Reset() {
	g.epochs = nil
	g.prevMetrics = nil
	g.ewmaHVRate = 0
	g.ewmaQualityDelta = 0
	g.ewmaCostDelta = 0
	g.ewmaROI = 0
	g.epochsBelowThreshold = 0
	g.epochsNoImprovement = 0
}

func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Point is a (quality, neg_cost) pair on the quality/cost plane, both
// higher-is-better (spec.md §4.7).
type Point struct {
	Quality float64
	NegCost float64
}

// ComputeHypervolume2D computes the 2D hypervolume dominated by points
// above reference, used as the StopGovernor's primary improvement signal
// (spec.md §4.7, §8 invariant 9: monotonically non-decreasing as points are
// added).
func ComputeHypervolume2D(points []Point, reference Point) float64 {
	if len(points) == 0 {
		return 0.0
	}

	var pareto []Point
	for _, p := range points {
		dominated := false
		for _, existing := range pareto {
			if existing.Quality >= p.Quality && existing.NegCost >= p.NegCost &&
				(existing.Quality > p.Quality || existing.NegCost > p.NegCost) {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}
		kept := pareto[:0:0]
		for _, existing := range pareto {
			if !(p.Quality >= existing.Quality && p.NegCost >= existing.NegCost &&
				(p.Quality > existing.Quality || p.NegCost > existing.NegCost)) {
				kept = append(kept, existing)
			}
		}
		pareto = append(kept, p)
	}

	sort.Slice(pareto, func(i, j int) bool { return pareto[i].Quality > pareto[j].Quality })

	hv := 0.0
	prevCost := reference.NegCost
	for _, p := range pareto {
		if p.Quality > reference.Quality && p.NegCost > prevCost {
			hv += (p.Quality - reference.Quality) * (p.NegCost - prevCost)
			prevCost = p.NegCost
		}
	}
	return hv
}
