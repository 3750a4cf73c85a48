// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxUniform(t *testing.T) {
	p := must.M1(NewBoxUniform([]float64{-1, 0}, []float64{1, 4}))
	rng := rand.New(rand.NewPCG(1, 2))
	samples := p.Sample(rng, 1000)
	require.Len(t, samples, 1000)
	for _, theta := range samples {
		require.Len(t, theta, 2)
		assert.True(t, theta[0] >= -1 && theta[0] < 1)
		assert.True(t, theta[1] >= 0 && theta[1] < 4)
	}
	assert.InDelta(t, -math.Log(2*4), p.LogProb([]float64{0, 1}), 1e-12)
	assert.True(t, math.IsInf(p.LogProb([]float64{2, 1}), -1))
	assert.True(t, math.IsInf(p.LogProb([]float64{0}), -1))

	_, err := NewBoxUniform([]float64{1}, []float64{1})
	require.Error(t, err)
	_, err = NewBoxUniform([]float64{0}, nil)
	require.Error(t, err)
}

func TestDiagNormal(t *testing.T) {
	p := must.M1(NewDiagNormal([]float64{1, -1}, []float64{0.5, 2}))
	rng := rand.New(rand.NewPCG(3, 4))
	samples := p.Sample(rng, 20_000)
	var mean0 float64
	for _, theta := range samples {
		mean0 += theta[0]
	}
	assert.InDelta(t, 1.0, mean0/20_000, 0.02)
	want := -0.5*math.Log(2*math.Pi*0.25) - 0.5*math.Log(2*math.Pi*4)
	assert.InDelta(t, want, p.LogProb([]float64{1, -1}), 1e-12)
	_, err := NewDiagNormal([]float64{0}, []float64{0})
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"gaussian_linear", "gaussian_linear_uniform", "two_moons"}, Names())
	_, err := Get("slcp")
	require.Error(t, err)

	rng := rand.New(rand.NewPCG(5, 6))
	for _, name := range Names() {
		task := must.M1(Get(name))
		assert.Equal(t, name, task.Name)
		thetas := task.Prior.Sample(rng, 7)
		xs, err := task.Simulate(rng, thetas)
		require.NoError(t, err, "task %q", name)
		require.Len(t, xs, 7)
		for _, x := range xs {
			assert.Len(t, x, task.XDim)
		}

		// Observations are reproducible.
		theta0, x0 := must.M2(task.Observation(3))
		theta1, x1 := must.M2(task.Observation(3))
		assert.Equal(t, theta0, theta1)
		assert.Equal(t, x0, x1)
		assert.False(t, math.IsInf(task.Prior.LogProb(theta0), -1))
	}
}

func TestTwoMoonsGeometry(t *testing.T) {
	task := TwoMoons()
	rng := rand.New(rand.NewPCG(7, 8))
	// With θ=0 the observation lies on the half circle of radius ≈0.1 centered at (0.25, 0).
	xs := must.M1(task.Simulate(rng, [][]float64{{0, 0}, {0, 0}, {0, 0}}))
	for _, x := range xs {
		r := math.Hypot(x[0]-0.25, x[1])
		assert.InDelta(t, 0.1, r, 0.05)
		assert.GreaterOrEqual(t, x[0], 0.25-1e-9)
	}
	// The shift is symmetric in θ₀+θ₁: θ and -θ produce the same distribution of x₀.
	a := must.M1(task.Simulate(rand.New(rand.NewPCG(1, 1)), [][]float64{{0.5, 0.2}}))
	b := must.M1(task.Simulate(rand.New(rand.NewPCG(1, 1)), [][]float64{{-0.5, -0.2}}))
	assert.InDelta(t, a[0][0], b[0][0], 1e-12)
}

func TestSimulateChecksShapes(t *testing.T) {
	task := TwoMoons()
	rng := rand.New(rand.NewPCG(0, 0))
	_, err := task.Simulate(rng, [][]float64{{1, 2, 3}})
	require.Error(t, err)

	bad := task.WithSimulator(func(*rand.Rand, [][]float64) ([][]float64, error) { return nil, nil })
	_, err = bad.Simulate(rng, [][]float64{{0, 0}})
	require.Error(t, err)

	sentinel := errors.New("simulator crashed")
	failing := task.WithSimulator(func(*rand.Rand, [][]float64) ([][]float64, error) { return nil, sentinel })
	_, err = failing.Simulate(rng, [][]float64{{0, 0}})
	require.ErrorIs(t, err, sentinel)
	// The original task is unchanged.
	_, err = task.Simulate(rng, [][]float64{{0, 0}})
	require.NoError(t, err)
}
