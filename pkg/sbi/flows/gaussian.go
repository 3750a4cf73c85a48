// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/activesbi/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Gaussian is a fixed conditional Gaussian flow x ~ N(Weights·condition + Bias, diag(Sigma²)).
//
// Its entropy doesn't depend on the condition and is known in closed form, which makes it
// a convenient reference model.
type Gaussian struct {
	weights [][]float64 // Dim x ConditionDim.
	bias    []float64
	sigma   []float64
}

var _ Flow = (*Gaussian)(nil)

// NewGaussian creates a Gaussian flow. weights is Dim x conditionDim, and may be nil, in which
// case the mean doesn't depend on the condition, and conditionDim is still enforced on inputs.
func NewGaussian(weights [][]float64, bias, sigma []float64, conditionDim int) (*Gaussian, error) {
	if len(bias) == 0 || len(bias) != len(sigma) {
		return nil, errors.Errorf("Gaussian flow: bias (len %d) and sigma (len %d) must have the same, non-zero, length",
			len(bias), len(sigma))
	}
	for ii, s := range sigma {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, errors.Errorf("Gaussian flow: sigma[%d]=%g must be positive and finite", ii, s)
		}
	}
	if weights == nil {
		weights = xslices.Slice2DWithValue(0.0, len(bias), conditionDim)
	}
	if len(weights) != len(bias) {
		return nil, errors.Errorf("Gaussian flow: weights has %d rows, expected %d", len(weights), len(bias))
	}
	for ii, row := range weights {
		if len(row) != conditionDim {
			return nil, errors.Errorf("Gaussian flow: weights[%d] has %d columns, expected %d", ii, len(row), conditionDim)
		}
	}
	return &Gaussian{
		weights: xslices.Copy2D(weights),
		bias:    slices.Clone(bias),
		sigma:   slices.Clone(sigma),
	}, nil
}

// Dim implements Flow.
func (g *Gaussian) Dim() int { return len(g.bias) }

// ConditionDim implements Flow.
func (g *Gaussian) ConditionDim() int { return len(g.weights[0]) }

// Mean returns the mean of the distribution for the given condition.
func (g *Gaussian) Mean(condition []float64) []float64 {
	if len(condition) != g.ConditionDim() {
		exceptions.Panicf("Gaussian flow: condition has dimension %d, expected %d", len(condition), g.ConditionDim())
	}
	mean := slices.Clone(g.bias)
	for ii, row := range g.weights {
		for jj, w := range row {
			mean[ii] += w * condition[jj]
		}
	}
	return mean
}

// Entropy returns the differential entropy, sum(0.5·log(2πe·σ²)).
func (g *Gaussian) Entropy() float64 {
	var h float64
	for _, s := range g.sigma {
		h += distuv.Normal{Sigma: s}.Entropy()
	}
	return h
}

// LogProb implements Flow.
func (g *Gaussian) LogProb(xs [][]float64, condition []float64) []float64 {
	mean := g.Mean(condition)
	xslices.CheckDims("Gaussian.LogProb(xs)", xs, g.Dim())
	out := make([]float64, len(xs))
	marginals := g.marginals(mean, nil)
	for ii, x := range xs {
		var lp float64
		for jj, v := range x {
			lp += marginals[jj].LogProb(v)
		}
		out[ii] = lp
	}
	return out
}

// Sample implements Flow.
func (g *Gaussian) Sample(rng *rand.Rand, n int, condition []float64) [][]float64 {
	marginals := g.marginals(g.Mean(condition), rng)
	out := xslices.Slice2DWithValue(0.0, n, g.Dim())
	for _, x := range out {
		for jj := range x {
			x[jj] = marginals[jj].Rand()
		}
	}
	return out
}

// marginals returns the independent normal distributions of each dimension, drawing from rng.
func (g *Gaussian) marginals(mean []float64, rng *rand.Rand) []distuv.Normal {
	marginals := make([]distuv.Normal, len(mean))
	for ii := range marginals {
		marginals[ii] = distuv.Normal{Mu: mean[ii], Sigma: g.sigma[ii]}
		if rng != nil {
			marginals[ii].Src = rng
		}
	}
	return marginals
}

// Clone implements Flow.
func (g *Gaussian) Clone() Flow {
	return &Gaussian{
		weights: xslices.Copy2D(g.weights),
		bias:    slices.Clone(g.bias),
		sigma:   slices.Clone(g.sigma),
	}
}
