// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/activesbi/pkg/sbi/activelearning"
	"github.com/gomlx/activesbi/pkg/sbi/ensemble"
	"github.com/gomlx/activesbi/pkg/sbi/nle"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baldConfig = `
task: gaussian_linear
methods: [NLE, BALD_NLE]
n_sims: [50, 100]
n_repeats: 2
n_evals: 25
n_ensemble_members: 4
pct_active: 0.2
theta_pool_size: 500
seed: 7
acquisition:
  mc_samples: 200
  parallelism: 4
  score: negated
  remainder: last
training:
  learning_rate: 0.01
  max_epochs: 30
posterior:
  num_samples: 300
  thin: 2
`

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "two_moons", cfg.Task)
	assert.Nil(t, cfg.NumEnsembleMembers)
	assert.Equal(t, DefaultEnsembleMembers, cfg.DriverConfig(activelearning.MethodEnsembleNLE, 100, 0).NumMembers)
	assert.Equal(t, ensemble.DefaultMonteCarloSamples, cfg.Acquisition.MCSamples)
	assert.Equal(t, nle.DefaultTrainConfig(), cfg.trainConfig())
	assert.Equal(t, nle.DefaultMCMCConfig(), cfg.mcmcConfig())
}

func TestParse(t *testing.T) {
	cfg := must.M1(Parse([]byte(baldConfig)))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "gaussian_linear", cfg.Task)
	assert.Equal(t, []int{50, 100}, cfg.NumSims)
	assert.Equal(t, MaxEvals, cfg.NumEvals, "n_evals should be clamped")
	assert.Equal(t, uint64(7), cfg.Seed)
	require.NotNil(t, cfg.NumEnsembleMembers)
	assert.Equal(t, 4, *cfg.NumEnsembleMembers)
	// Values not in the file keep their defaults.
	assert.Equal(t, nle.DefaultTrainConfig().BatchSize, cfg.Training.BatchSize)
	assert.Equal(t, 0.01, cfg.Training.LearningRate)
	assert.Equal(t, nle.DefaultMCMCConfig().BurnIn, cfg.Posterior.BurnIn)

	methods := must.M1(cfg.ParsedMethods())
	assert.Equal(t, []activelearning.Method{activelearning.MethodNLE, activelearning.MethodBALDNLE}, methods)

	numInit, numActive := cfg.Split(100)
	assert.Equal(t, 80, numInit)
	assert.Equal(t, 20, numActive)

	driverCfg := cfg.DriverConfig(activelearning.MethodBALDNLE, 100, 1)
	assert.Equal(t, 80, driverCfg.NumSimsInit)
	assert.Equal(t, 20, driverCfg.NumSimsActive)
	assert.Equal(t, 500, driverCfg.PoolSize)
	assert.Equal(t, uint64(8), driverCfg.Seed)
	assert.Equal(t, ensemble.ScoreNegated, driverCfg.Score)
	assert.Equal(t, ensemble.RemainderLast, driverCfg.Remainder)
	assert.Equal(t, 4, driverCfg.Parallelism)
	assert.Equal(t, 4, driverCfg.NumMembers)
	assert.Equal(t, 2, driverCfg.MCMC.Thin)
	require.NoError(t, driverCfg.Validate(activelearning.MethodBALDNLE))

	driverCfg = cfg.DriverConfig(activelearning.MethodNLE, 50, 0)
	assert.Equal(t, 50, driverCfg.NumSimsInit)
	assert.Equal(t, 0, driverCfg.NumSimsActive)
	require.NoError(t, driverCfg.Validate(activelearning.MethodNLE))

	_, err := Parse([]byte("n_sims: [1, 2"))
	require.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	for name, yamlText := range map[string]string{
		"unknown task":         "task: lotka_volterra",
		"unknown method":       "methods: [SNPE]",
		"no methods":           "methods: []",
		"no budget":            "n_sims: []",
		"bad budget":           "n_sims: [0]",
		"bald without pool":    "methods: [BALD_NLE]\nn_ensemble_members: 2\npct_active: 0.5",
		"bald without pct":     "methods: [BALD_NLE]\nn_ensemble_members: 2\ntheta_pool_size: 10",
		"pct out of range":     "methods: [BALD_NLE]\nn_ensemble_members: 2\npct_active: 1.5\ntheta_pool_size: 10",
		"no members":           "n_ensemble_members: 0",
		"bald without members": "methods: [BALD_NLE]\npct_active: 0.5\ntheta_pool_size: 10",
		"bad score":            "acquisition:\n  score: entropy",
		"bad remainder":        "acquisition:\n  remainder: first",
		"bad optimizer":        "training:\n  optimizer: lbfgs",
		"bad thin":             "posterior:\n  thin: 0",
		"no posterior draws":   "posterior:\n  num_samples: 0",
		"no repeats":           "n_repeats: 0",
	} {
		cfg, err := Parse([]byte(yamlText))
		require.NoError(t, err, name)
		require.Error(t, cfg.Validate(), name)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baldConfig), 0o644))

	t.Setenv("ASBI_SEED", "123")
	t.Setenv("ASBI_PARALLELISM", "not-a-number")
	t.Setenv("ASBI_TASK", "two_moons")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(123), cfg.Seed)
	assert.Equal(t, 4, cfg.Acquisition.Parallelism)
	assert.Equal(t, "two_moons", cfg.Task)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnsembleMembersRequiredByBALD(t *testing.T) {
	cfg := must.M1(Parse([]byte("methods: [EnsembleNLE, BALD_NLE]\npct_active: 0.5\ntheta_pool_size: 10")))
	require.ErrorContains(t, cfg.Validate(), "requires n_ensemble_members")

	cfg = must.M1(Parse([]byte("methods: [EnsembleNLE]")))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultEnsembleMembers, cfg.DriverConfig(activelearning.MethodEnsembleNLE, 10, 0).NumMembers)

	cfg = must.M1(Parse([]byte("methods: [EnsembleNLE]\nn_ensemble_members: 5")))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.DriverConfig(activelearning.MethodEnsembleNLE, 10, 0).NumMembers)
}
