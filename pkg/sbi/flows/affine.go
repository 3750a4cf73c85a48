// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/activesbi/pkg/support/xslices"
	"github.com/gomlx/exceptions"
)

const (
	// MaxLogScale bounds the log-scale produced by the conditioner of ConditionalAffine.
	MaxLogScale = 10.0

	// minStandardDeviation is the floor of the standard deviations used to standardize data.
	minStandardDeviation = 1e-6
)

// ConditionalAffine is a single-layer conditional affine flow:
//
//	x = μ(c) + exp(s(c)) ⊙ z,  z ~ N(0, I)
//
// where [μ, s] = W₂·tanh(W₁·ĉ + b₁) + b₂ is a one-hidden-layer network of the standardized
// condition ĉ. Samples are also standardized, and the log-determinant of that
// standardization is included in LogProb.
type ConditionalAffine struct {
	dim, conditionDim, hiddenDim int

	// params layout: W₁ (hidden x condition), b₁ (hidden), W₂ (2·dim x hidden), b₂ (2·dim).
	params []float64

	conditionMean, conditionStd []float64
	xMean, xStd                 []float64

	// exec computes LossAndGrad, created on first use. It is not shared with clones.
	exec *lossExec
}

var _ Trainable = (*ConditionalAffine)(nil)

// NewConditionalAffine creates a flow over samples of dimension dim conditioned on vectors of
// dimension conditionDim, with hiddenDim hidden units. Weights are initialized randomly from rng;
// standardization starts as the identity.
func NewConditionalAffine(dim, conditionDim, hiddenDim int, rng *rand.Rand) *ConditionalAffine {
	if dim < 1 || conditionDim < 1 || hiddenDim < 1 {
		exceptions.Panicf("NewConditionalAffine(dim=%d, conditionDim=%d, hiddenDim=%d): all dimensions must be >= 1",
			dim, conditionDim, hiddenDim)
	}
	f := &ConditionalAffine{
		dim:           dim,
		conditionDim:  conditionDim,
		hiddenDim:     hiddenDim,
		conditionMean: make([]float64, conditionDim),
		conditionStd:  ones(conditionDim),
		xMean:         make([]float64, dim),
		xStd:          ones(dim),
	}
	f.params = make([]float64, f.numParams())
	w1, _, w2, _ := f.split(f.params)
	scale1 := 1 / math.Sqrt(float64(conditionDim))
	for ii := range w1 {
		w1[ii] = scale1 * rng.NormFloat64()
	}
	// Small output weights: a freshly created flow is close to a standard normal.
	scale2 := 0.1 / math.Sqrt(float64(hiddenDim))
	for ii := range w2 {
		w2[ii] = scale2 * rng.NormFloat64()
	}
	return f
}

func ones(n int) []float64 {
	s := make([]float64, n)
	for ii := range s {
		s[ii] = 1
	}
	return s
}

func (f *ConditionalAffine) numParams() int {
	return f.hiddenDim*f.conditionDim + f.hiddenDim + 2*f.dim*f.hiddenDim + 2*f.dim
}

// split a parameter-shaped vector (params or a gradient) into its W₁, b₁, W₂, b₂ views.
func (f *ConditionalAffine) split(p []float64) (w1, b1, w2, b2 []float64) {
	pos := 0
	take := func(n int) []float64 {
		s := p[pos : pos+n : pos+n]
		pos += n
		return s
	}
	w1 = take(f.hiddenDim * f.conditionDim)
	b1 = take(f.hiddenDim)
	w2 = take(2 * f.dim * f.hiddenDim)
	b2 = take(2 * f.dim)
	return
}

// Dim implements Flow.
func (f *ConditionalAffine) Dim() int { return f.dim }

// ConditionDim implements Flow.
func (f *ConditionalAffine) ConditionDim() int { return f.conditionDim }

// HiddenDim is the number of hidden units of the conditioner.
func (f *ConditionalAffine) HiddenDim() int { return f.hiddenDim }

// Params implements Trainable.
func (f *ConditionalAffine) Params() []float64 { return f.params }

// Standardize implements Trainable.
func (f *ConditionalAffine) Standardize(xs, conditions [][]float64) {
	xslices.CheckDims("ConditionalAffine.Standardize(xs)", xs, f.dim)
	xslices.CheckDims("ConditionalAffine.Standardize(conditions)", conditions, f.conditionDim)
	if len(xs) > 0 {
		f.xMean, f.xStd = xslices.ColumnMeanStd(xs, minStandardDeviation)
	}
	if len(conditions) > 0 {
		f.conditionMean, f.conditionStd = xslices.ColumnMeanStd(conditions, minStandardDeviation)
	}
}

// forward holds the intermediate values of the conditioner for one condition.
type forward struct {
	c     []float64 // Standardized condition.
	h     []float64 // Hidden activations.
	mu, s []float64 // Shift and clipped log-scale.
}

func (f *ConditionalAffine) forward(condition []float64) *forward {
	if len(condition) != f.conditionDim {
		exceptions.Panicf("ConditionalAffine: condition has dimension %d, expected %d", len(condition), f.conditionDim)
	}
	w1, b1, w2, b2 := f.split(f.params)
	fw := &forward{
		c:  make([]float64, f.conditionDim),
		h:  make([]float64, f.hiddenDim),
		mu: make([]float64, f.dim),
		s:  make([]float64, f.dim),
	}
	for ii, v := range condition {
		fw.c[ii] = (v - f.conditionMean[ii]) / f.conditionStd[ii]
	}
	for jj := range fw.h {
		a := b1[jj]
		row := w1[jj*f.conditionDim : (jj+1)*f.conditionDim]
		for ii, c := range fw.c {
			a += row[ii] * c
		}
		fw.h[jj] = math.Tanh(a)
	}
	for kk := range 2 * f.dim {
		out := b2[kk]
		row := w2[kk*f.hiddenDim : (kk+1)*f.hiddenDim]
		for jj, h := range fw.h {
			out += row[jj] * h
		}
		if kk < f.dim {
			fw.mu[kk] = out
		} else {
			fw.s[kk-f.dim] = math.Max(-MaxLogScale, math.Min(MaxLogScale, out))
		}
	}
	return fw
}

// logDetStd is sum(log(xStd)), the log-determinant of the sample standardization.
func (f *ConditionalAffine) logDetStd() float64 {
	var sum float64
	for _, s := range f.xStd {
		sum += math.Log(s)
	}
	return sum
}

// logProbAndNoise returns log q(x|c) and fills z with the standard-normal noise of x.
func (f *ConditionalAffine) logProbAndNoise(fw *forward, x, z []float64, logDetStd float64) float64 {
	lp := -logDetStd
	for d, v := range x {
		xHat := (v - f.xMean[d]) / f.xStd[d]
		z[d] = (xHat - fw.mu[d]) * math.Exp(-fw.s[d])
		lp += -0.5*z[d]*z[d] - 0.5*log2Pi - fw.s[d]
	}
	return lp
}

// LogProb implements Flow.
func (f *ConditionalAffine) LogProb(xs [][]float64, condition []float64) []float64 {
	xslices.CheckDims("ConditionalAffine.LogProb(xs)", xs, f.dim)
	fw := f.forward(condition)
	logDetStd := f.logDetStd()
	z := make([]float64, f.dim)
	out := make([]float64, len(xs))
	for ii, x := range xs {
		out[ii] = f.logProbAndNoise(fw, x, z, logDetStd)
	}
	return out
}

// Sample implements Flow.
func (f *ConditionalAffine) Sample(rng *rand.Rand, n int, condition []float64) [][]float64 {
	fw := f.forward(condition)
	out := xslices.Slice2DWithValue(0.0, n, f.dim)
	for _, x := range out {
		for d := range x {
			xHat := fw.mu[d] + math.Exp(fw.s[d])*rng.NormFloat64()
			x[d] = xHat*f.xStd[d] + f.xMean[d]
		}
	}
	return out
}

// LossAndGrad implements Trainable.
//
// The loss and its gradient are computed by a GoMLX graph (see lossGraph), compiled on first
// use for each batch size.
func (f *ConditionalAffine) LossAndGrad(xs, conditions [][]float64, grad []float64) float64 {
	if len(xs) != len(conditions) {
		exceptions.Panicf("ConditionalAffine.LossAndGrad: %d samples but %d conditions", len(xs), len(conditions))
	}
	if len(grad) != len(f.params) {
		exceptions.Panicf("ConditionalAffine.LossAndGrad: grad has length %d, expected %d", len(grad), len(f.params))
	}
	xslices.CheckDims("ConditionalAffine.LossAndGrad(xs)", xs, f.dim)
	xslices.CheckDims("ConditionalAffine.LossAndGrad(conditions)", conditions, f.conditionDim)
	if len(xs) == 0 {
		clear(grad)
		return 0
	}
	if f.exec == nil {
		f.exec = newLossExec(f.dim, f.conditionDim, f.hiddenDim)
	}
	xHat := standardizeRows(xs, f.xMean, f.xStd)
	cHat := standardizeRows(conditions, f.conditionMean, f.conditionStd)
	loss := f.exec.lossAndGrad(f.params, xHat, cHat, grad)
	return loss + f.logDetStd()
}

// standardizeRows returns the flattened (rows - mean) / std.
func standardizeRows(rows [][]float64, mean, std []float64) []float64 {
	flat := make([]float64, 0, len(rows)*len(mean))
	for _, row := range rows {
		for ii, v := range row {
			flat = append(flat, (v-mean[ii])/std[ii])
		}
	}
	return flat
}

// Clone implements Flow.
func (f *ConditionalAffine) Clone() Flow {
	return &ConditionalAffine{
		dim:           f.dim,
		conditionDim:  f.conditionDim,
		hiddenDim:     f.hiddenDim,
		params:        slices.Clone(f.params),
		conditionMean: slices.Clone(f.conditionMean),
		conditionStd:  slices.Clone(f.conditionStd),
		xMean:         slices.Clone(f.xMean),
		xStd:          slices.Clone(f.xStd),
	}
}
