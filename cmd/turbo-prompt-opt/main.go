// Command turbo-prompt-opt is a thin entrypoint that loads a JSON config,
// wires a local smoke-test task/reflection runner pair, and drives a full
// optimization run through package orchestrator/islands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"

	"github.com/Studio-Intrinsic/turbo-gepa/archive"
	"github.com/Studio-Intrinsic/turbo-gepa/cache"
	"github.com/Studio-Intrinsic/turbo-gepa/candidate"
	"github.com/Studio-Intrinsic/turbo-gepa/config"
	"github.com/Studio-Intrinsic/turbo-gepa/evaluator"
	"github.com/Studio-Intrinsic/turbo-gepa/internal/nlog"
	"github.com/Studio-Intrinsic/turbo-gepa/islands"
	"github.com/Studio-Intrinsic/turbo-gepa/llm"
	"github.com/Studio-Intrinsic/turbo-gepa/metrics"
	"github.com/Studio-Intrinsic/turbo-gepa/mutator"
	"github.com/Studio-Intrinsic/turbo-gepa/stopgovernor"

	"github.com/prometheus/client_golang/prometheus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	configPath string
	seedPath   string
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to a JSON run configuration")
	flag.StringVar(&seedPath, "seeds", "", "path to a JSON array of seed prompts (bare strings or {text,meta} records)")
}

func main() {
	flag.Parse()
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "turbo-prompt-opt: -config is required")
		flag.PrintDefaults()
		os.Exit(2)
	}
	installSignalHandler()

	cfg, err := config.Load(configPath)
	if err != nil {
		nlog.Criticalf("turbo-prompt-opt: config error: %v", err)
		os.Exit(1)
	}
	if level, err := nlog.ParseLevel(string(cfg.LogLevel)); err == nil {
		nlog.SetLevel(level)
	}

	seeds, err := loadSeeds(seedPath)
	if err != nil {
		nlog.Criticalf("turbo-prompt-opt: failed to load seeds: %v", err)
		os.Exit(1)
	}
	if len(seeds) == 0 {
		nlog.Criticalf("turbo-prompt-opt: at least one seed candidate is required")
		os.Exit(1)
	}

	restoreFD, err := cache.RaiseFileLimit()
	if err != nil {
		nlog.Warningf("turbo-prompt-opt: could not raise file descriptor limit: %v", err)
	} else {
		defer restoreFD()
	}

	c, err := cache.New(cfg.CachePath)
	if err != nil {
		nlog.Criticalf("turbo-prompt-opt: cache init failed: %v", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New()
	m.MustRegister(reg)

	exampleIDs := stubExampleIDs(20)

	factories := islands.Factories{
		Cache:      c,
		ExampleIDs: exampleIDs,
		NewEvaluator: func() *evaluator.Evaluator {
			return evaluator.New(c, evaluator.Config{
				TaskRunner:     stubTaskRunner,
				TimeoutSeconds: cfg.EvalTimeoutSeconds,
				MinImprove:     cfg.MinImprove,
				Metrics:        m,
			})
		},
		NewMutator: func() *mutator.Mutator {
			return mutator.New(mutator.Config{ReflectionModel: cfg.ReflectionModel}, stubReflectionRunner, mutator.NewTemperatureState())
		},
		NewStopGovernor: func() *stopgovernor.Governor {
			return stopgovernor.New(stopgovernor.DefaultConfig())
		},
		Metrics: m,
	}

	nlog.Infof("turbo-prompt-opt: starting run with %d seed(s), n_islands=%d", len(seeds), maxInt(cfg.NIslands, 1))

	result, err := islands.Run(context.Background(), cfg, factories, seeds)
	if err != nil {
		nlog.Criticalf("turbo-prompt-opt: run failed: %v", err)
		os.Exit(1)
	}

	printResult(result)
}

func installSignalHandler() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		nlog.Warningf("turbo-prompt-opt: interrupted, state was checkpointed at the last round boundary")
		os.Exit(130)
	}()
}

func loadSeeds(path string) ([]candidate.Candidate, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	seeds := make([]candidate.Candidate, 0, len(raw))
	for _, r := range raw {
		var text string
		if err := json.Unmarshal(r, &text); err == nil {
			seeds = append(seeds, candidate.New(text))
			continue
		}
		var record struct {
			Text string         `json:"text"`
			Meta candidate.Meta `json:"meta"`
		}
		if err := json.Unmarshal(r, &record); err != nil {
			return nil, fmt.Errorf("invalid seed entry %q: %w", string(r), err)
		}
		seeds = append(seeds, candidate.New(record.Text).WithMeta(func(m *candidate.Meta) { *m = record.Meta }))
	}
	return seeds, nil
}

// stubExampleIDs synthesizes a local smoke-test dataset index; a real
// deployment supplies its own dataset example ids here instead.
func stubExampleIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("ex-%03d", i)
	}
	return ids
}

// stubTaskRunner is a placeholder external collaborator: it reports a
// quality proportional to prompt length so a local run exercises the full
// pipeline without a real model endpoint wired in.
func stubTaskRunner(ctx context.Context, cand candidate.Candidate, exampleID string) (evaluator.Outcome, error) {
	quality := float64(len(cand.Text))
	if quality > 100 {
		quality = 100
	}
	quality /= 100
	return evaluator.Outcome{
		Objectives: map[string]float64{
			"quality":  quality,
			"neg_cost": -float64(len(cand.Text)),
			"tokens":   float64(len(cand.Text) / 4),
		},
		Response:       "stub response",
		Input:          exampleID,
		ExpectedAnswer: "",
	}, nil
}

// stubReflectionRunner is a placeholder reflection model: it returns one
// <PROMPT> block holding a fixed clarifying sentence, prefixed by the first
// message that contains "PARENT" (the reflection prompt package mutator
// builds contains none, so the block holds only the sentence). Wire a real
// llm.CompletionFunc here for production use.
func stubReflectionRunner(ctx context.Context, model string, messages []llm.Message, params llm.Params) (llm.Completion, error) {
	var b strings.Builder
	b.WriteString("<PROMPT>")
	for _, msg := range messages {
		if strings.Contains(msg.Content, "PARENT") {
			b.WriteString(msg.Content)
			break
		}
	}
	b.WriteString(" Be more precise and explain your reasoning step by step.</PROMPT>")
	return llm.Completion{Text: b.String(), Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 50}}, nil
}

func printResult(result islands.RunResult) {
	out := struct {
		RunID           string                 `json:"run_id"`
		TotalCandidates int                    `json:"total_candidates"`
		ParetoSize      int                    `json:"pareto_size"`
		QDEliteCount    int                    `json:"qd_elite_count"`
		EvolutionStats  any                    `json:"evolution_stats"`
		Staged          bool                   `json:"staged"`
		Phase1Pareto    []candidate.Candidate  `json:"phase1_pareto,omitempty"`
		Pareto          []candidate.Candidate  `json:"pareto"`
		ParetoEntries   []archive.Entry        `json:"pareto_entries"`
	}{
		RunID:           result.RunID,
		TotalCandidates: result.TotalCandidates,
		ParetoSize:      len(result.Pareto),
		QDEliteCount:    len(result.QDElites),
		EvolutionStats:  result.EvolutionStats,
		Staged:          result.Staged,
		Phase1Pareto:    result.Phase1Pareto,
		Pareto:          result.Pareto,
		ParetoEntries:   result.ParetoEntries,
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		nlog.Errorf("turbo-prompt-opt: failed to encode result: %v", err)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
