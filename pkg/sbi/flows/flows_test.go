// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestGaussian(t *testing.T) {
	g := must.M1(NewGaussian([][]float64{{2}, {0}}, []float64{1, -1}, []float64{0.5, 2}, 1))
	assert.Equal(t, 2, g.Dim())
	assert.Equal(t, 1, g.ConditionDim())
	assert.Equal(t, []float64{7, -1}, g.Mean([]float64{3}))

	// LogProb matches the product of the univariate normal densities.
	x := []float64{6.5, 0.3}
	want := distuv.Normal{Mu: 7, Sigma: 0.5}.LogProb(x[0]) + distuv.Normal{Mu: -1, Sigma: 2}.LogProb(x[1])
	got := g.LogProb([][]float64{x}, []float64{3})
	require.Len(t, got, 1)
	assert.InDelta(t, want, got[0], 1e-12)

	// Monte Carlo entropy converges to the analytic value.
	rng := rand.New(rand.NewPCG(1, 2))
	assert.InDelta(t, g.Entropy(), MonteCarloEntropy(g, rng, []float64{3}, 50_000), 0.03)

	// Samples follow the marginals, and the same rng stream gives the same samples.
	samples := g.Sample(rand.New(rand.NewPCG(9, 9)), 20_000, []float64{3})
	column := make([]float64, len(samples))
	for ii, x := range samples {
		column[ii] = x[1]
	}
	mean, std := stat.MeanStdDev(column, nil)
	assert.InDelta(t, -1, mean, 0.05)
	assert.InDelta(t, 2, std, 0.05)
	assert.Equal(t, samples[:10], g.Sample(rand.New(rand.NewPCG(9, 9)), 10, []float64{3}))

	// Errors.
	_, err := NewGaussian(nil, []float64{0}, []float64{0}, 1)
	require.Error(t, err)
	_, err = NewGaussian(nil, []float64{0}, []float64{1, 1}, 1)
	require.Error(t, err)
	_, err = NewGaussian([][]float64{{1, 2}}, []float64{0}, []float64{1}, 1)
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() { g.LogProb([][]float64{{1}}, []float64{3}) })
	require.Error(t, err)
}

func TestGaussianCloneIsIndependent(t *testing.T) {
	g := must.M1(NewGaussian(nil, []float64{0}, []float64{1}, 1))
	c := g.Clone().(*Gaussian)
	c.bias[0] = 5
	c.weights[0][0] = 3
	assert.Equal(t, []float64{0}, g.Mean([]float64{1}))
}

func newTestAffine(seed uint64) *ConditionalAffine {
	rng := rand.New(rand.NewPCG(seed, 0))
	f := NewConditionalAffine(2, 3, 5, rng)
	// Randomize all parameters (including biases), so gradients are non-trivial.
	for ii := range f.params {
		f.params[ii] = 0.5 * rng.NormFloat64()
	}
	f.xMean = []float64{0.5, -1}
	f.xStd = []float64{2, 0.3}
	f.conditionMean = []float64{0, 1, -1}
	f.conditionStd = []float64{1, 0.5, 3}
	return f
}

func TestConditionalAffineGradient(t *testing.T) {
	f := newTestAffine(7)
	rng := rand.New(rand.NewPCG(3, 4))
	xs := make([][]float64, 6)
	conditions := make([][]float64, 6)
	for ii := range xs {
		xs[ii] = []float64{rng.NormFloat64(), rng.NormFloat64()}
		conditions[ii] = []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	}
	grad := make([]float64, len(f.Params()))
	loss := f.LossAndGrad(xs, conditions, grad)

	// Loss is the mean negative log-likelihood.
	var nll float64
	for ii := range xs {
		nll -= f.LogProb(xs[ii:ii+1], conditions[ii])[0]
	}
	assert.InDelta(t, nll/6, loss, 1e-10)

	// A different batch size compiles a new graph, with the same semantics.
	partial := f.LossAndGrad(xs[:3], conditions[:3], make([]float64, len(grad)))
	var partialNLL float64
	for ii := range 3 {
		partialNLL -= f.LogProb(xs[ii:ii+1], conditions[ii])[0]
	}
	assert.InDelta(t, partialNLL/3, partial, 1e-10)

	// Central finite differences.
	const eps = 1e-6
	scratch := make([]float64, len(grad))
	params := f.Params()
	for ii := range params {
		original := params[ii]
		params[ii] = original + eps
		lossPlus := f.LossAndGrad(xs, conditions, scratch)
		params[ii] = original - eps
		lossMinus := f.LossAndGrad(xs, conditions, scratch)
		params[ii] = original
		numeric := (lossPlus - lossMinus) / (2 * eps)
		assert.InDelta(t, numeric, grad[ii], 1e-5, "gradient of parameter #%d", ii)
	}
}

func TestConditionalAffineEntropy(t *testing.T) {
	f := newTestAffine(11)
	condition := []float64{0.3, 0.7, -2}
	fw := f.forward(condition)
	var want float64
	for d := range f.Dim() {
		want += 0.5*(log2Pi+1) + fw.s[d] + math.Log(f.xStd[d])
	}
	rng := rand.New(rand.NewPCG(5, 6))
	assert.InDelta(t, want, MonteCarloEntropy(f, rng, condition, 50_000), 0.03)
}

func TestConditionalAffineStandardizeAndClone(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	f := NewConditionalAffine(1, 1, 4, rng)
	xs := [][]float64{{10}, {12}, {14}}
	conditions := [][]float64{{-1}, {0}, {1}}
	f.Standardize(xs, conditions)
	assert.InDeltaSlice(t, []float64{12}, f.xMean, 1e-12)
	assert.InDeltaSlice(t, []float64{0}, f.conditionMean, 1e-12)

	// Samples are expressed in the original units.
	samples := f.Sample(rng, 2000, []float64{0})
	var mean float64
	for _, s := range samples {
		mean += s[0]
	}
	assert.InDelta(t, 12, mean/2000, 0.5)

	clone := f.Clone().(*ConditionalAffine)
	assert.Nil(t, clone.exec)
	before := f.LogProb(xs, []float64{0})
	clone.Params()[0] += 1
	clone.xMean[0] = 0
	assert.Equal(t, before, f.LogProb(xs, []float64{0}))
	assert.NotEqual(t, before, clone.LogProb(xs, []float64{0}))
}

func TestConditionalAffinePanicsOnBadShapes(t *testing.T) {
	f := NewConditionalAffine(2, 1, 3, rand.New(rand.NewPCG(0, 0)))
	require.Error(t, exceptions.TryCatch[error](func() { f.LogProb([][]float64{{1, 2}}, []float64{1, 2}) }))
	require.Error(t, exceptions.TryCatch[error](func() { f.LogProb([][]float64{{1}}, []float64{1}) }))
	require.Error(t, exceptions.TryCatch[error](func() {
		f.LossAndGrad([][]float64{{1, 2}}, nil, make([]float64, len(f.Params())))
	}))
	require.Error(t, exceptions.TryCatch[error](func() { NewConditionalAffine(0, 1, 1, nil) }))
}
