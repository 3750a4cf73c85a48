// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/activesbi/pkg/sbi/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallExperiment = `
task: two_moons
methods: [NLE, BALD_NLE]
n_sims: [20]
n_repeats: 1
n_evals: 2
n_ensemble_members: 2
pct_active: 0.1
theta_pool_size: 5
acquisition:
  mc_samples: 20
training:
  max_epochs: 5
  hidden_units: 4
posterior:
  num_samples: 10
  burn_in: 10
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "asbi version "+version)
}

func TestTasksCmd(t *testing.T) {
	out, err := execute(t, "tasks", "--no_color")
	require.NoError(t, err)
	for _, name := range tasks.Names() {
		assert.Contains(t, out, name)
	}
}

func TestRunCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallExperiment), 0o644))
	out, err := execute(t, "run", "--config", path, "--progress=false", "--seed", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "BALD_NLE")
	assert.Contains(t, out, "Mean error")
}

func TestRunCmdInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallExperiment), 0o644))
	_, err := execute(t, "run", "--config", path, "--methods", "SNPE")
	require.Error(t, err)

	_, err = execute(t, "run", "--config", path, "--task", "unknown_task")
	require.Error(t, err)

	_, err = execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
