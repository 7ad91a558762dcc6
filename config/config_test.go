package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultFailsValidationWithoutModels(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
}

func TestDefaultValidWithModelsSet(t *testing.T) {
	cfg := Default()
	cfg.TaskModel = "task-model"
	cfg.ReflectionModel = "reflection-model"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsShardsNotEndingAtOne(t *testing.T) {
	cfg := Default()
	cfg.TaskModel, cfg.ReflectionModel = "t", "r"
	cfg.Shards = []float64{0.1, 0.5}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonIncreasingShards(t *testing.T) {
	cfg := Default()
	cfg.TaskModel, cfg.ReflectionModel = "t", "r"
	cfg.Shards = []float64{0.5, 0.5, 1.0}
	require.Error(t, cfg.Validate())
}

func TestLoadMissingFileReturnsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoadAppliesOverridesOnTopOfDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"task_model":"t","reflection_model":"r","batch_size":99}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 99, cfg.BatchSize)
	require.Equal(t, Default().EvalConcurrency, cfg.EvalConcurrency)
}

func TestAdaptiveScalesWithComputeTier(t *testing.T) {
	laptop := Adaptive(1000, StrategyBalanced, ComputeLaptop)
	server := Adaptive(1000, StrategyBalanced, ComputeServer)
	require.Less(t, laptop.EvalConcurrency, server.EvalConcurrency)
}

func TestAdaptiveCollapsesShardsForTinyDatasets(t *testing.T) {
	cfg := Adaptive(10, StrategyBalanced, ComputeLaptop)
	require.Len(t, cfg.Shards, 2)
	require.Equal(t, 1.0, cfg.Shards[len(cfg.Shards)-1])
}

func TestRecommendedExecutorWorkersScalesAndCaps(t *testing.T) {
	require.Equal(t, 16, RecommendedExecutorWorkers(8))
	require.Equal(t, 256, RecommendedExecutorWorkers(1000))
}
