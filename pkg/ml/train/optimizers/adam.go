// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an Interface that can be used with the train.Trainer or directly in a custom
// optimization loop.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		clipNorm:     DefaultClipNorm,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based Interface.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	clipNorm     float64
}

// LearningRate sets the base learning rate. Default is DefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
//
// The first is for the gradient momentum (the numerator of the step taken), and the second
// is for the variance of the gradients (denominator).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use an L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
// This is because L2 regularization doesn't work well with Adam.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// ClipNorm sets the maximum L2 norm of the gradient before the moments are updated.
// Set to 0 to disable clipping. Default is DefaultClipNorm.
func (c *AdamConfig) ClipNorm(maxNorm float64) *AdamConfig {
	c.clipNorm = maxNorm
	return c
}

// Done finishes the configuration and returns the Adam optimizer.
func (c *AdamConfig) Done() Interface {
	if c.learningRate < 0 {
		c.learningRate = DefaultLearningRate
	}
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		exceptions.Panicf("Adam betas must be in [0, 1), got beta1=%g, beta2=%g", c.beta1, c.beta2)
	}
	return &adam{config: *c}
}

// adam implements the Adam algorithm over a flat parameter vector.
type adam struct {
	config AdamConfig
	step   int
	m, v   []float64
}

// Update implements Interface.
func (o *adam) Update(params, grad []float64) {
	if len(params) != len(grad) {
		exceptions.Panicf("Adam.Update: params (len %d) and grad (len %d) must have the same length",
			len(params), len(grad))
	}
	if o.m == nil || len(o.m) != len(params) {
		o.m = make([]float64, len(params))
		o.v = make([]float64, len(params))
		o.step = 0
	}
	c := &o.config
	ClipByNorm(grad, c.clipNorm)
	o.step++
	debias1 := 1 - math.Pow(c.beta1, float64(o.step))
	debias2 := 1 - math.Pow(c.beta2, float64(o.step))
	for ii, g := range grad {
		o.m[ii] = c.beta1*o.m[ii] + (1-c.beta1)*g
		var denominator float64
		if c.adamax {
			o.v[ii] = math.Max(c.beta2*o.v[ii], math.Abs(g))
			denominator = o.v[ii] + c.epsilon
		} else {
			o.v[ii] = c.beta2*o.v[ii] + (1-c.beta2)*g*g
			denominator = math.Sqrt(o.v[ii]/debias2) + c.epsilon
		}
		delta := (o.m[ii] / debias1) / denominator
		if c.weightDecay > 0 {
			delta += c.weightDecay * params[ii]
		}
		params[ii] -= c.learningRate * delta
	}
}

// Clear implements Interface.
func (o *adam) Clear() {
	o.m, o.v = nil, nil
	o.step = 0
}
