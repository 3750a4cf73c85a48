// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tasks defines the inference problems: a prior over the parameters θ and a (stochastic)
// simulator θ -> x, plus a registry of benchmark tasks.
package tasks

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/gomlx/activesbi/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Simulator maps a batch of parameters to a batch of observations, one row per parameter.
// It may be stochastic, drawing its randomness from rng.
type Simulator func(rng *rand.Rand, thetas [][]float64) ([][]float64, error)

// observationSeed is the seed used to generate the evaluation observations of a task.
const observationSeed = 0x5eed_0b5e

// Task is an inference problem.
type Task struct {
	// Name of the task in the registry.
	Name string

	// Description is a one-line description of the task.
	Description string

	// Prior over the parameters θ.
	Prior Prior

	// Simulator of the observations x given θ.
	Simulator Simulator

	// XDim is the dimension of the observations.
	XDim int
}

// ThetaDim is the dimension of the parameters θ.
func (t *Task) ThetaDim() int { return t.Prior.Dim() }

// Simulate runs the simulator on the batch thetas and checks the shape of the result.
func (t *Task) Simulate(rng *rand.Rand, thetas [][]float64) ([][]float64, error) {
	for ii, theta := range thetas {
		if len(theta) != t.ThetaDim() {
			return nil, errors.Errorf("task %q: θ[%d] has dimension %d, expected %d", t.Name, ii, len(theta), t.ThetaDim())
		}
	}
	xs, err := t.Simulator(rng, thetas)
	if err != nil {
		return nil, errors.WithMessagef(err, "task %q: simulator failed", t.Name)
	}
	if len(xs) != len(thetas) {
		return nil, errors.Errorf("task %q: simulator returned %d observations for %d parameters", t.Name, len(xs), len(thetas))
	}
	for ii, x := range xs {
		if len(x) != t.XDim {
			return nil, errors.Errorf("task %q: x[%d] has dimension %d, expected %d", t.Name, ii, len(x), t.XDim)
		}
	}
	return xs, nil
}

// Observation returns the i-th evaluation pair: the true parameters θ* drawn from the prior and an
// observation x_o simulated at θ*. It is deterministic for a given task and i.
func (t *Task) Observation(i int) (thetaTrue, xObserved []float64, err error) {
	rng := rand.New(rand.NewPCG(observationSeed, uint64(i)))
	thetaTrue = t.Prior.Sample(rng, 1)[0]
	xs, err := t.Simulate(rng, [][]float64{thetaTrue})
	if err != nil {
		return nil, nil, err
	}
	return thetaTrue, xs[0], nil
}

var registry = map[string]func() *Task{
	"gaussian_linear":         GaussianLinear,
	"gaussian_linear_uniform": GaussianLinearUniform,
	"two_moons":               TwoMoons,
}

// Get returns a new instance of the registered task with the given name.
func Get(name string) (*Task, error) {
	ctor, found := registry[name]
	if !found {
		return nil, errors.Errorf("unknown task %q, known tasks are %q", name, Names())
	}
	return ctor(), nil
}

// Names returns the sorted names of the registered tasks.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	gaussianLinearDim      = 10
	gaussianLinearVariance = 0.1
)

// additiveGaussianNoise simulates x ~ N(θ, std²·I).
func additiveGaussianNoise(std float64) Simulator {
	return func(rng *rand.Rand, thetas [][]float64) ([][]float64, error) {
		noise := distuv.Normal{Mu: 0, Sigma: std, Src: rng}
		xs := xslices.Copy2D(thetas)
		for _, x := range xs {
			for ii := range x {
				x[ii] += noise.Rand()
			}
		}
		return xs, nil
	}
}

// GaussianLinear task: θ ~ N(0, 0.1·I₁₀), x ~ N(θ, 0.1·I₁₀).
func GaussianLinear() *Task {
	std := math.Sqrt(gaussianLinearVariance)
	prior, _ := NewDiagNormal(make([]float64, gaussianLinearDim), constant(std, gaussianLinearDim))
	return &Task{
		Name:        "gaussian_linear",
		Description: "θ ~ N(0, 0.1·I₁₀), x ~ N(θ, 0.1·I₁₀)",
		Prior:       prior,
		Simulator:   additiveGaussianNoise(std),
		XDim:        gaussianLinearDim,
	}
}

// GaussianLinearUniform task: θ ~ U(-1, 1)¹⁰, x ~ N(θ, 0.1·I₁₀).
func GaussianLinearUniform() *Task {
	prior, _ := NewBoxUniform(constant(-1, gaussianLinearDim), constant(1, gaussianLinearDim))
	return &Task{
		Name:        "gaussian_linear_uniform",
		Description: "θ ~ U(-1, 1)¹⁰, x ~ N(θ, 0.1·I₁₀)",
		Prior:       prior,
		Simulator:   additiveGaussianNoise(math.Sqrt(gaussianLinearVariance)),
		XDim:        gaussianLinearDim,
	}
}

// TwoMoons task: θ ~ U(-1, 1)², and x is a noisy point on a half circle of radius ≈0.1, shifted
// by (-|θ₀+θ₁|/√2, (θ₁-θ₀)/√2). The posterior is bimodal and crescent-shaped.
func TwoMoons() *Task {
	prior, _ := NewBoxUniform([]float64{-1, -1}, []float64{1, 1})
	simulator := func(rng *rand.Rand, thetas [][]float64) ([][]float64, error) {
		xs := xslices.Slice2DWithValue(0.0, len(thetas), 2)
		for ii, theta := range thetas {
			a := math.Pi * (rng.Float64() - 0.5)
			r := 0.1 + 0.01*rng.NormFloat64()
			xs[ii][0] = r*math.Cos(a) + 0.25 - math.Abs(theta[0]+theta[1])/math.Sqrt2
			xs[ii][1] = r*math.Sin(a) + (theta[1]-theta[0])/math.Sqrt2
		}
		return xs, nil
	}
	return &Task{
		Name:        "two_moons",
		Description: "θ ~ U(-1, 1)², x on a noisy half circle shifted by a non-injective function of θ",
		Prior:       prior,
		Simulator:   simulator,
		XDim:        2,
	}
}

// WithSimulator returns a copy of the task using a different simulator, e.g. to wrap it.
func (t *Task) WithSimulator(simulator Simulator) *Task {
	t2 := *t
	t2.Simulator = simulator
	return &t2
}
