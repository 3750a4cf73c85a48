// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nle

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/gomlx/activesbi/pkg/sbi/flows"
	"github.com/gomlx/activesbi/pkg/sbi/tasks"
	"github.com/gomlx/activesbi/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// MCMCConfig configures the random-walk Metropolis sampler of a Posterior.
type MCMCConfig struct {
	// BurnIn iterations discarded at the start of each chain. During burn-in the step size
	// is adapted towards an acceptance rate between 0.2 and 0.4.
	BurnIn int

	// Thin keeps one of every Thin iterations after burn-in.
	Thin int

	// StepSize is the initial standard deviation of the Gaussian proposal, on every dimension.
	StepSize float64

	// InitCandidates is the number of prior draws from which the chain starts at the
	// one with the highest posterior density.
	InitCandidates int
}

// DefaultMCMCConfig returns the default MCMC configuration.
func DefaultMCMCConfig() MCMCConfig {
	return MCMCConfig{
		BurnIn:         200,
		Thin:           5,
		StepSize:       0.1,
		InitCandidates: 100,
	}
}

// Validate returns an error if some value of the configuration is invalid.
func (cfg MCMCConfig) Validate() error {
	switch {
	case cfg.BurnIn < 0:
		return errors.Errorf("MCMC burn-in must be >= 0, got %d", cfg.BurnIn)
	case cfg.Thin < 1:
		return errors.Errorf("MCMC thin must be >= 1, got %d", cfg.Thin)
	case !(cfg.StepSize > 0):
		return errors.Errorf("MCMC step size must be > 0, got %g", cfg.StepSize)
	case cfg.InitCandidates < 1:
		return errors.Errorf("MCMC init candidates must be >= 1, got %d", cfg.InitCandidates)
	}
	return nil
}

const (
	adaptEvery       = 50
	ctxCheckInterval = 100
)

// Posterior is the unnormalized posterior p(θ|x) ∝ p(x|θ)·p(θ) of a likelihood flow and a prior.
//
// The likelihood is only read, so a Posterior can be used concurrently.
type Posterior struct {
	likelihood flows.Flow
	prior      tasks.Prior
	mcmc       MCMCConfig
}

// NewPosterior creates the posterior for the likelihood flow, which must model observations
// conditioned on parameters of the same dimension as the prior.
func NewPosterior(likelihood flows.Flow, prior tasks.Prior) (*Posterior, error) {
	if likelihood.ConditionDim() != prior.Dim() {
		return nil, errors.Errorf("likelihood is conditioned on vectors of dimension %d, but the prior has dimension %d",
			likelihood.ConditionDim(), prior.Dim())
	}
	return &Posterior{likelihood: likelihood, prior: prior, mcmc: DefaultMCMCConfig()}, nil
}

// WithMCMC sets the configuration of the sampler. It returns the posterior itself, so calls can be cascaded.
func (p *Posterior) WithMCMC(cfg MCMCConfig) *Posterior {
	p.mcmc = cfg
	return p
}

// Likelihood returns the likelihood flow.
func (p *Posterior) Likelihood() flows.Flow { return p.likelihood }

// LogProb returns the unnormalized posterior log-density log p(x|θ) + log p(θ).
// It is -Inf outside the support of the prior.
func (p *Posterior) LogProb(theta, xObserved []float64) float64 {
	logPrior := p.prior.LogProb(theta)
	if math.IsInf(logPrior, -1) {
		return logPrior
	}
	return p.likelihood.LogProb([][]float64{xObserved}, theta)[0] + logPrior
}

// Sample draws n parameters from the posterior given the observation xObserved, with a single
// random-walk Metropolis chain.
func (p *Posterior) Sample(ctx context.Context, rng *rand.Rand, n int, xObserved []float64) ([][]float64, error) {
	if err := p.mcmc.Validate(); err != nil {
		return nil, err
	}
	if len(xObserved) != p.likelihood.Dim() {
		return nil, errors.Errorf("observation has dimension %d, expected %d", len(xObserved), p.likelihood.Dim())
	}
	if n <= 0 {
		return [][]float64{}, nil
	}

	// Start at the best of a few prior draws.
	var current []float64
	currentLogProb := math.Inf(-1)
	for _, candidate := range p.prior.Sample(rng, p.mcmc.InitCandidates) {
		if lp := p.LogProb(candidate, xObserved); lp > currentLogProb {
			current, currentLogProb = candidate, lp
		}
	}
	if current == nil || math.IsInf(currentLogProb, 0) {
		return nil, errors.Errorf("no initial point with finite posterior density among %d prior draws", p.mcmc.InitCandidates)
	}

	dim := len(current)
	stepSize := p.mcmc.StepSize
	proposal := make([]float64, dim)
	samples := make([][]float64, 0, n)
	var accepted, proposed, windowAccepted int
	total := p.mcmc.BurnIn + n*p.mcmc.Thin
	for iter := range total {
		if iter%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for ii := range proposal {
			proposal[ii] = current[ii] + stepSize*rng.NormFloat64()
		}
		proposalLogProb := p.LogProb(proposal, xObserved)
		// NaN densities compare false and are rejected.
		if math.Log(rng.Float64()) < proposalLogProb-currentLogProb {
			current = xslices.Copy(proposal)
			currentLogProb = proposalLogProb
			accepted++
			if iter < p.mcmc.BurnIn {
				windowAccepted++
			}
		}
		proposed++
		if iter < p.mcmc.BurnIn && (iter+1)%adaptEvery == 0 {
			rate := float64(windowAccepted) / adaptEvery
			if rate > 0.4 {
				stepSize *= 1.5
			} else if rate < 0.2 {
				stepSize /= 1.5
			}
			windowAccepted = 0
		}
		if iter >= p.mcmc.BurnIn && (iter-p.mcmc.BurnIn+1)%p.mcmc.Thin == 0 {
			samples = append(samples, xslices.Copy(current))
		}
	}
	if klog.V(3).Enabled() {
		klog.Infof("Metropolis: %d samples, acceptance rate %.2f, final step size %.4g",
			n, float64(accepted)/float64(proposed), stepSize)
	}
	return samples, nil
}

// EnsemblePosterior is the equal-weight mixture of the posteriors of the members of an ensemble.
type EnsemblePosterior struct {
	posteriors []*Posterior
}

// NewEnsemblePosterior creates the mixture of the given posteriors, which must be at least one
// and share the same dimensions.
func NewEnsemblePosterior(posteriors []*Posterior) (*EnsemblePosterior, error) {
	if len(posteriors) == 0 {
		return nil, errors.New("NewEnsemblePosterior: no posteriors given")
	}
	first := posteriors[0]
	for ii, p := range posteriors {
		if p == nil {
			return nil, errors.Errorf("NewEnsemblePosterior: posterior #%d is nil", ii)
		}
		if p.prior.Dim() != first.prior.Dim() || p.likelihood.Dim() != first.likelihood.Dim() {
			return nil, errors.Errorf("NewEnsemblePosterior: posterior #%d has dimensions (θ=%d, x=%d), expected (θ=%d, x=%d)",
				ii, p.prior.Dim(), p.likelihood.Dim(), first.prior.Dim(), first.likelihood.Dim())
		}
	}
	return &EnsemblePosterior{posteriors: posteriors}, nil
}

// NumMembers returns the number of posteriors in the mixture.
func (e *EnsemblePosterior) NumMembers() int { return len(e.posteriors) }

// Member returns the m-th posterior.
func (e *EnsemblePosterior) Member(m int) *Posterior { return e.posteriors[m] }

// WithMCMC sets the configuration of the sampler of every member. It returns the ensemble
// itself, so calls can be cascaded.
func (e *EnsemblePosterior) WithMCMC(cfg MCMCConfig) *EnsemblePosterior {
	for _, p := range e.posteriors {
		p.WithMCMC(cfg)
	}
	return e
}

// LogProb returns the log of the mean of the members' unnormalized posterior densities.
func (e *EnsemblePosterior) LogProb(theta, xObserved []float64) float64 {
	logProbs := make([]float64, len(e.posteriors))
	for m, p := range e.posteriors {
		logProbs[m] = p.LogProb(theta, xObserved)
	}
	if math.IsInf(floats.Max(logProbs), -1) {
		return math.Inf(-1)
	}
	return floats.LogSumExp(logProbs) - math.Log(float64(len(logProbs)))
}

// SampleCounts draws how many of n samples each member contributes, with equal probability
// for every member.
func (e *EnsemblePosterior) SampleCounts(rng *rand.Rand, n int) []int {
	weights := make([]float64, len(e.posteriors))
	for ii := range weights {
		weights[ii] = 1
	}
	categorical := distuv.NewCategorical(weights, rng)
	counts := make([]int, len(e.posteriors))
	for range n {
		counts[int(categorical.Rand())]++
	}
	return counts
}

// Sample draws n parameters from the mixture given the observation xObserved: the number of draws
// of each member is drawn with SampleCounts, and the members' draws are concatenated in order.
func (e *EnsemblePosterior) Sample(ctx context.Context, rng *rand.Rand, n int, xObserved []float64) ([][]float64, error) {
	counts := e.SampleCounts(rng, max(n, 0))
	samples := make([][]float64, 0, max(n, 0))
	for m, p := range e.posteriors {
		if counts[m] == 0 {
			continue
		}
		memberSamples, err := p.Sample(ctx, rng, counts[m], xObserved)
		if err != nil {
			return nil, errors.WithMessagef(err, "sampling posterior of member #%d", m)
		}
		samples = append(samples, memberSamples...)
	}
	return samples, nil
}
