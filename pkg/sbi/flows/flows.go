// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package flows defines the conditional density estimators used as likelihood models, and two
// implementations: a fixed Gaussian with analytic entropy and a trainable ConditionalAffine flow.
//
// Samples and conditions are `[]float64`, batches are `[][]float64` with one row per point.
// Shape mismatches are programming errors and panic with exceptions.Panicf.
package flows

import (
	"math"
	"math/rand/v2"
)

// Flow is a conditional density model q(x|condition).
//
// Implementations must not mutate their state in LogProb or Sample, so a Flow can be
// evaluated concurrently from multiple goroutines.
type Flow interface {
	// Dim is the dimension of the samples x.
	Dim() int

	// ConditionDim is the dimension of the condition (for a likelihood model, the parameters θ).
	ConditionDim() int

	// LogProb returns log q(x|condition) for each row of xs. The condition is broadcast over the batch.
	LogProb(xs [][]float64, condition []float64) []float64

	// Sample draws n samples from q(·|condition) using rng.
	Sample(rng *rand.Rand, n int, condition []float64) [][]float64

	// Clone returns a deep copy of the flow: no mutable state is shared with the original.
	Clone() Flow
}

// Trainable is a Flow whose parameters can be fitted by maximum likelihood.
type Trainable interface {
	Flow

	// Params returns the live parameter vector: updating it in place changes the flow.
	Params() []float64

	// LossAndGrad returns the mean negative log-likelihood of xs[i] given conditions[i] and
	// writes its gradient with respect to Params into grad (len(grad) == len(Params())).
	LossAndGrad(xs, conditions [][]float64, grad []float64) float64

	// Standardize fixes the affine normalization of samples and conditions from the given data.
	// It is usually called once, with the first batch of training data.
	Standardize(xs, conditions [][]float64)
}

// log2Pi is log(2π), used by the Gaussian densities.
var log2Pi = math.Log(2 * math.Pi)

// MonteCarloEntropy estimates the differential entropy of flow at condition with n samples:
// -mean(log q(x|condition)) for x ~ q(·|condition).
func MonteCarloEntropy(flow Flow, rng *rand.Rand, condition []float64, n int) float64 {
	samples := flow.Sample(rng, n, condition)
	logProbs := flow.LogProb(samples, condition)
	var sum float64
	for _, lp := range logProbs {
		sum += lp
	}
	return -sum / float64(len(logProbs))
}
