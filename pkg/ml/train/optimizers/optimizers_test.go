// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadratic returns the loss and gradient of sum((p-target)^2).
func quadratic(params, target []float64, grad []float64) float64 {
	var loss float64
	for ii, p := range params {
		d := p - target[ii]
		loss += d * d
		grad[ii] = 2 * d
	}
	return loss
}

func TestOptimizersMinimizeQuadratic(t *testing.T) {
	target := []float64{1, -2, 0.5}
	for name := range KnownOptimizers {
		t.Run(name, func(t *testing.T) {
			lr := 0.01
			opt, err := ByName(name, lr)
			require.NoError(t, err)
			params := []float64{0, 0, 0}
			grad := make([]float64, len(params))
			for range 3000 {
				quadratic(params, target, grad)
				opt.Update(params, grad)
			}
			tolerance := 0.05
			if name == "adamw" {
				// Weight decay pulls parameters towards 0.
				tolerance = 0.2
			}
			assert.InDeltaSlice(t, target, params, tolerance)
		})
	}
	_, err := ByName("nope", 0.1)
	require.Error(t, err)
}

func TestClipByNorm(t *testing.T) {
	grad := []float64{3, 4}
	norm := ClipByNorm(grad, 1)
	assert.InDelta(t, 5.0, norm, 1e-12)
	assert.InDelta(t, 1.0, math.Hypot(grad[0], grad[1]), 1e-12)

	grad = []float64{3, 4}
	ClipByNorm(grad, 0)
	assert.Equal(t, []float64{3, 4}, grad)
}

func TestAdamClearResetsState(t *testing.T) {
	opt := Adam().LearningRate(0.1).Done()
	params := []float64{1}
	opt.Update(params, []float64{1})
	first := 1 - params[0]
	opt.Clear()
	params[0] = 1
	opt.Update(params, []float64{1})
	// With cleared moments the first step is identical.
	assert.InDelta(t, first, 1-params[0], 1e-12)
	// Adam's first debiased step has magnitude ~learningRate.
	assert.InDelta(t, 0.1, first, 1e-6)
}
