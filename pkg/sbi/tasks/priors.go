// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/activesbi/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Prior distribution over the simulator parameters θ.
type Prior interface {
	// Dim is the dimension of θ.
	Dim() int

	// Sample draws n parameters from the prior.
	Sample(rng *rand.Rand, n int) [][]float64

	// LogProb returns the prior log-density of θ, -Inf outside the support.
	LogProb(theta []float64) float64
}

// BoxUniform is the uniform distribution over the box [Low, High), independently on each dimension.
type BoxUniform struct {
	low, high []float64
}

var _ Prior = (*BoxUniform)(nil)

// NewBoxUniform creates a BoxUniform prior. low and high must have the same length, and low < high.
func NewBoxUniform(low, high []float64) (*BoxUniform, error) {
	if len(low) == 0 || len(low) != len(high) {
		return nil, errors.Errorf("BoxUniform: low (len %d) and high (len %d) must have the same, non-zero, length",
			len(low), len(high))
	}
	for ii := range low {
		if !(low[ii] < high[ii]) {
			return nil, errors.Errorf("BoxUniform: low[%d]=%g must be smaller than high[%d]=%g", ii, low[ii], ii, high[ii])
		}
	}
	return &BoxUniform{low: slices.Clone(low), high: slices.Clone(high)}, nil
}

// Dim implements Prior.
func (p *BoxUniform) Dim() int { return len(p.low) }

// Sample implements Prior.
func (p *BoxUniform) Sample(rng *rand.Rand, n int) [][]float64 {
	out := xslices.Slice2DWithValue(0.0, n, p.Dim())
	for _, theta := range out {
		for ii := range theta {
			theta[ii] = distuv.Uniform{Min: p.low[ii], Max: p.high[ii], Src: rng}.Rand()
		}
	}
	return out
}

// LogProb implements Prior.
func (p *BoxUniform) LogProb(theta []float64) float64 {
	if len(theta) != p.Dim() {
		return math.Inf(-1)
	}
	var lp float64
	for ii, v := range theta {
		lp += distuv.Uniform{Min: p.low[ii], Max: p.high[ii]}.LogProb(v)
	}
	return lp
}

// DiagNormal is a multivariate normal with diagonal covariance.
type DiagNormal struct {
	mean, std []float64
}

var _ Prior = (*DiagNormal)(nil)

// NewDiagNormal creates a DiagNormal prior with the given means and standard deviations.
func NewDiagNormal(mean, std []float64) (*DiagNormal, error) {
	if len(mean) == 0 || len(mean) != len(std) {
		return nil, errors.Errorf("DiagNormal: mean (len %d) and std (len %d) must have the same, non-zero, length",
			len(mean), len(std))
	}
	for ii, s := range std {
		if !(s > 0) {
			return nil, errors.Errorf("DiagNormal: std[%d]=%g must be positive", ii, s)
		}
	}
	return &DiagNormal{mean: slices.Clone(mean), std: slices.Clone(std)}, nil
}

// Dim implements Prior.
func (p *DiagNormal) Dim() int { return len(p.mean) }

// Sample implements Prior.
func (p *DiagNormal) Sample(rng *rand.Rand, n int) [][]float64 {
	out := xslices.Slice2DWithValue(0.0, n, p.Dim())
	for _, theta := range out {
		for ii := range theta {
			theta[ii] = distuv.Normal{Mu: p.mean[ii], Sigma: p.std[ii], Src: rng}.Rand()
		}
	}
	return out
}

// LogProb implements Prior.
func (p *DiagNormal) LogProb(theta []float64) float64 {
	if len(theta) != p.Dim() {
		return math.Inf(-1)
	}
	var lp float64
	for ii, v := range theta {
		lp += distuv.Normal{Mu: p.mean[ii], Sigma: p.std[ii]}.LogProb(v)
	}
	return lp
}

func constant(value float64, n int) []float64 {
	s := make([]float64, n)
	for ii := range s {
		s[ii] = value
	}
	return s
}
