// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements gradient-based optimizers over a flat parameter vector.
//
// Models expose their trainable weights as one `[]float64` (see flows.Trainable), and an optimizer
// updates it in place from the gradient of the loss.
package optimizers

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Update applies one optimization step: it updates params in place, given the gradient of
	// the loss with respect to params. The gradient may be modified (e.g., clipped).
	//
	// params and grad must have the same length, and it must not change between calls
	// unless Clear is called.
	Update(params, grad []float64)

	// Clear resets the optimizer internal state (moments, step counter).
	Clear()
}

const (
	// DefaultLearningRate is used if no learning rate is configured.
	DefaultLearningRate = 0.001

	// DefaultClipNorm is the maximum L2 norm of the gradient, above which it is rescaled.
	DefaultClipNorm = 5.0
)

var (
	// KnownOptimizers is a map of known optimizers by name to their constructors, given a learning rate.
	KnownOptimizers = map[string]func(learningRate float64) Interface{
		"sgd":    func(lr float64) Interface { return StochasticGradientDescent(lr) },
		"adam":   func(lr float64) Interface { return Adam().LearningRate(lr).Done() },
		"adamw":  func(lr float64) Interface { return Adam().LearningRate(lr).WeightDecay(0.004).Done() },
		"adamax": func(lr float64) Interface { return Adam().LearningRate(lr).Adamax().Done() },
	}
)

// ByName returns the optimizer registered in KnownOptimizers under name (case-insensitive).
func ByName(name string, learningRate float64) (Interface, error) {
	ctor, found := KnownOptimizers[strings.ToLower(name)]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
	return ctor(learningRate), nil
}

// ClipByNorm rescales grad in place so its L2 norm is at most maxNorm. It returns the original norm.
// If maxNorm <= 0 the gradient is left untouched.
func ClipByNorm(grad []float64, maxNorm float64) float64 {
	var sum float64
	for _, g := range grad {
		sum += g * g
	}
	norm := math.Sqrt(sum)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for ii := range grad {
			grad[ii] *= scale
		}
	}
	return norm
}

type sgd struct {
	learningRate float64
}

// StochasticGradientDescent creates an optimizer that takes plain `-learningRate * grad` steps.
func StochasticGradientDescent(learningRate float64) Interface {
	if learningRate <= 0 {
		learningRate = DefaultLearningRate
	}
	return &sgd{learningRate: learningRate}
}

// Update implements Interface.
func (o *sgd) Update(params, grad []float64) {
	for ii := range params {
		params[ii] -= o.learningRate * grad[ii]
	}
}

// Clear implements Interface. SGD has no state.
func (o *sgd) Clear() {}
