// Package config defines the orchestrator's tunables, their validation,
// and an adaptive auto-configuration helper (spec.md §6 "Configuration
// options").
package config

import (
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/Studio-Intrinsic/turbo-gepa/internal/xerrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LogLevel mirrors spec.md §6's log_level enum as a plain string for JSON
// round-tripping; internal/nlog.ParseLevel validates the value.
type LogLevel string

// Config is the full set of orchestrator tunables (spec.md §6).
type Config struct {
	// Required external collaborators.
	TaskModel      string `json:"task_model"`
	ReflectionModel string `json:"reflection_model"`

	// Rung / promotion.
	Shards               []float64 `json:"shards"`
	CohortQuantile       float64   `json:"cohort_quantile"`
	EpsImprove           float64   `json:"eps_improve"`
	PromoteObjective     string    `json:"promote_objective"`
	EnableRungConvergence bool     `json:"enable_rung_convergence"`
	LineagePatience      int       `json:"lineage_patience"`
	LineageMinImprove    float64   `json:"lineage_min_improve"`
	TargetQuality        float64   `json:"target_quality"`

	// Concurrency / batching.
	EvalConcurrency      int     `json:"eval_concurrency"`
	BatchSize            int     `json:"batch_size"`
	MaxMutationsPerRound int     `json:"max_mutations_per_round"`
	MutationBufferMin    int     `json:"mutation_buffer_min"`
	QueueLimit           int     `json:"queue_limit"`
	EvalTimeoutSeconds   float64 `json:"eval_timeout_seconds"`
	MinImprove           float64 `json:"min_improve"`

	// Budget / termination.
	MaxRounds       int `json:"max_rounds"`
	MaxEvaluations  int `json:"max_evaluations"`

	// Islands.
	NIslands        int `json:"n_islands"`
	MigrationPeriod int `json:"migration_period"`
	MigrationK      int `json:"migration_k"`
	BaseSeed        int64 `json:"base_seed"`

	// Staged (two-phase) optimization.
	StagedOptimization bool    `json:"staged_optimization"`
	Phase1BudgetFraction float64 `json:"phase1_budget_fraction"`
	Phase2SeedTopK     int     `json:"phase2_seed_top_k"`
	Phase2Temperature  float64 `json:"phase2_temperature"`

	// QD grid.
	QDBinsLength  []int    `json:"qd_bins_length"`
	QDBinsBullets []int    `json:"qd_bins_bullets"`
	QDFlags       []string `json:"qd_flags"`

	// Paths / logging.
	CachePath string   `json:"cache_path"`
	LogPath   string   `json:"log_path"`
	LogLevel  LogLevel `json:"log_level"`
}

// Default mirrors the source's DEFAULT_CONFIG (spec.md §6).
func Default() Config {
	return Config{
		Shards:               []float64{0.1, 0.25, 1.0},
		CohortQuantile:       0.5,
		EpsImprove:           0.0,
		PromoteObjective:     "quality",
		EnableRungConvergence: false,
		LineagePatience:      3,
		LineageMinImprove:    0.01,
		TargetQuality:        1.0,
		EvalConcurrency:      8,
		BatchSize:            16,
		MaxMutationsPerRound: 4,
		MutationBufferMin:    2,
		QueueLimit:           64,
		EvalTimeoutSeconds:   120,
		MinImprove:           0.0,
		MaxRounds:            0, // 0 = unbounded
		MaxEvaluations:       0,
		NIslands:             1,
		MigrationPeriod:      1,
		MigrationK:           2,
		BaseSeed:             42,
		Phase1BudgetFraction: 0.7,
		Phase2SeedTopK:       5,
		Phase2Temperature:    0.5,
		QDBinsLength:         []int{200, 500, 1000, 2000},
		QDBinsBullets:        []int{1, 3, 6},
		QDFlags:              []string{"has_steps", "has_example", "mentions_format", "has_constraints"},
		CachePath:            ".turbo_gepa/cache",
		LogPath:              ".turbo_gepa/logs",
		LogLevel:             "info",
	}
}

// Load reads and validates a Config from a JSON file, starting from
// Default() so an omitted field keeps its default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &xerrors.ConfigError{Field: "path", Reason: err.Error()}
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, &xerrors.ConfigError{Field: "json", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects structurally invalid configuration up front (spec.md §7
// ConfigError: "invalid config or missing models").
func (c Config) Validate() error {
	if c.TaskModel == "" {
		return &xerrors.ConfigError{Field: "task_model", Reason: "required"}
	}
	if c.ReflectionModel == "" {
		return &xerrors.ConfigError{Field: "reflection_model", Reason: "required"}
	}
	if len(c.Shards) == 0 {
		return &xerrors.ConfigError{Field: "shards", Reason: "must be non-empty"}
	}
	if c.Shards[len(c.Shards)-1] != 1.0 {
		return &xerrors.ConfigError{Field: "shards", Reason: "must end at 1.0"}
	}
	for i := 1; i < len(c.Shards); i++ {
		if c.Shards[i] <= c.Shards[i-1] {
			return &xerrors.ConfigError{Field: "shards", Reason: "must be strictly increasing"}
		}
	}
	if c.Shards[0] <= 0 {
		return &xerrors.ConfigError{Field: "shards", Reason: "must start above 0"}
	}
	if c.EvalConcurrency < 1 {
		return &xerrors.ConfigError{Field: "eval_concurrency", Reason: "must be >= 1"}
	}
	if c.BatchSize < 1 {
		return &xerrors.ConfigError{Field: "batch_size", Reason: "must be >= 1"}
	}
	if c.CohortQuantile < 0 || c.CohortQuantile > 1 {
		return &xerrors.ConfigError{Field: "cohort_quantile", Reason: "must be within [0,1]"}
	}
	if c.NIslands < 1 {
		return &xerrors.ConfigError{Field: "n_islands", Reason: "must be >= 1"}
	}
	return nil
}

// ShardStrategy selects how aggressively the adaptive configurer spends
// the evaluation budget across rungs (spec.md §9 supplemental knob, mirrors
// the source's shard_strategy parameter).
type ShardStrategy string

const (
	StrategyConservative ShardStrategy = "conservative"
	StrategyBalanced      ShardStrategy = "balanced"
	StrategyAggressive    ShardStrategy = "aggressive"
)

// ComputeTier selects the deployment scale the adaptive configurer assumes
// (spec.md §9 supplemental knob, mirrors the source's available_compute
// parameter).
type ComputeTier string

const (
	ComputeLaptop      ComputeTier = "laptop"
	ComputeWorkstation ComputeTier = "workstation"
	ComputeServer      ComputeTier = "server"
)

// computeTierWorkers is the eval_concurrency baseline per tier.
var computeTierWorkers = map[ComputeTier]int{
	ComputeLaptop:      4,
	ComputeWorkstation: 16,
	ComputeServer:      64,
}

// Adaptive derives a Config from the dataset size and a deployment profile,
// mirroring the source's adaptive_config: smaller/more conservative shard
// sequences and smaller batches for small datasets or low compute;
// coarser-grained, more parallel configuration as both scale up.
func Adaptive(datasetSize int, strategy ShardStrategy, tier ComputeTier) Config {
	cfg := Default()

	workers, ok := computeTierWorkers[tier]
	if !ok {
		workers = computeTierWorkers[ComputeLaptop]
	}
	cfg.EvalConcurrency = workers

	switch strategy {
	case StrategyConservative:
		cfg.Shards = []float64{0.2, 0.5, 1.0}
		cfg.BatchSize = maxInt(4, workers/2)
		cfg.CohortQuantile = 0.6
		cfg.MaxMutationsPerRound = 2
	case StrategyAggressive:
		cfg.Shards = []float64{0.05, 0.15, 0.4, 1.0}
		cfg.BatchSize = maxInt(8, workers*2)
		cfg.CohortQuantile = 0.4
		cfg.MaxMutationsPerRound = 8
	default: // balanced
		cfg.Shards = []float64{0.1, 0.25, 1.0}
		cfg.BatchSize = maxInt(4, workers)
		cfg.MaxMutationsPerRound = 4
	}

	// Small datasets cannot usefully support deep rung ladders: collapse
	// to at most two shards when the full dataset is tiny.
	if datasetSize > 0 && datasetSize < 50 {
		cfg.Shards = []float64{0.5, 1.0}
	}

	cfg.QueueLimit = maxInt(cfg.BatchSize*4, 16)
	cfg.MutationBufferMin = maxInt(1, cfg.MaxMutationsPerRound/2)

	if tier == ComputeServer {
		cfg.NIslands = 4
		cfg.MigrationPeriod = maxInt(1, cfg.NIslands/2)
	}

	return cfg
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RecommendedExecutorWorkers sizes the shared thread/goroutine pool given a
// target per-candidate eval_concurrency (spec.md §4.8: "one process-wide
// thread pool sized by recommended_executor_workers(eval_concurrency)").
// It mirrors the source's headroom heuristic: enough workers to keep
// eval_concurrency candidates saturated even when several run at once, with
// a hard ceiling to bound memory/FD usage.
func RecommendedExecutorWorkers(evalConcurrency int) int {
	if evalConcurrency < 1 {
		evalConcurrency = 1
	}
	workers := evalConcurrency * 2
	const ceiling = 256
	if workers > ceiling {
		workers = ceiling
	}
	return workers
}
