// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ensemble implements EnsembleFlow: the equal-weight mixture of a fixed set of flows,
// and the information-theoretic disagreement scores (marginal entropy, mean member entropy and
// BALD) used for active learning.
//
// An EnsembleFlow never mutates its members. Build it from snapshots (Flow.Clone) of live models,
// so that training them concurrently cannot change a score being computed.
package ensemble

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/gomlx/activesbi/pkg/sbi/flows"
	"github.com/gomlx/activesbi/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// DefaultMonteCarloSamples is the default number of samples used by the entropy estimates.
const DefaultMonteCarloSamples = 1000

var (
	// ErrEmptyEnsemble is returned when creating an EnsembleFlow with no members.
	ErrEmptyEnsemble = errors.New("ensemble has no members")

	// ErrNonFinite is returned when an entropy estimate involves NaN or infinite log-probabilities,
	// usually the symptom of a degenerate flow.
	ErrNonFinite = errors.New("non-finite value in entropy estimate")
)

// RemainderPolicy defines how Sample distributes the n mod M draws left over when n is not
// a multiple of the number of members M.
type RemainderPolicy int

const (
	// RemainderRoundRobin gives one extra draw to each of the first n mod M members.
	RemainderRoundRobin RemainderPolicy = iota

	// RemainderLast gives all n mod M extra draws to the last member. This over-represents the
	// last member in any single call, and it is only unbiased in expectation over calls
	// where n is a multiple of M.
	RemainderLast
)

// ScoreConvention selects the sign of EnsembleFlow.BALDScore.
type ScoreConvention int

const (
	// ScoreMutualInformation is the standard BALD score: the mutual information between the
	// sample and the member index, marginal entropy minus mean member entropy. It is >= 0
	// (up to Monte Carlo noise), and higher means more disagreement.
	ScoreMutualInformation ScoreConvention = iota

	// ScoreNegated is mean member entropy minus marginal entropy: the negation of the mutual
	// information. Selecting the highest score under it prefers the candidates where members
	// agree the most.
	ScoreNegated
)

var (
	remainderPolicyNames = map[RemainderPolicy]string{
		RemainderRoundRobin: "round_robin",
		RemainderLast:       "last",
	}
	scoreConventionNames = map[ScoreConvention]string{
		ScoreMutualInformation: "mutual_information",
		ScoreNegated:           "negated",
	}
)

// String implements fmt.Stringer.
func (p RemainderPolicy) String() string {
	if name, found := remainderPolicyNames[p]; found {
		return name
	}
	return fmt.Sprintf("RemainderPolicy(%d)", int(p))
}

// ParseRemainderPolicy converts a name ("round_robin" or "last") to a RemainderPolicy.
// The empty string maps to the default, RemainderRoundRobin.
func ParseRemainderPolicy(name string) (RemainderPolicy, error) {
	if name == "" {
		return RemainderRoundRobin, nil
	}
	for policy, policyName := range remainderPolicyNames {
		if policyName == name {
			return policy, nil
		}
	}
	return 0, errors.Errorf("unknown remainder policy %q, valid values are \"round_robin\" and \"last\"", name)
}

// String implements fmt.Stringer.
func (c ScoreConvention) String() string {
	if name, found := scoreConventionNames[c]; found {
		return name
	}
	return fmt.Sprintf("ScoreConvention(%d)", int(c))
}

// ParseScoreConvention converts a name ("mutual_information" or "negated") to a ScoreConvention.
// The empty string maps to the default, ScoreMutualInformation.
func ParseScoreConvention(name string) (ScoreConvention, error) {
	if name == "" {
		return ScoreMutualInformation, nil
	}
	for convention, conventionName := range scoreConventionNames {
		if conventionName == name {
			return convention, nil
		}
	}
	return 0, errors.Errorf("unknown score convention %q, valid values are \"mutual_information\" and \"negated\"", name)
}

// EnsembleFlow is the equal-weight mixture q(x|θ) = (1/M)·Σₘ qₘ(x|θ) of M flows.
//
// It is safe for concurrent use, provided the flows are not mutated.
type EnsembleFlow struct {
	flows      []flows.Flow
	remainder  RemainderPolicy
	convention ScoreConvention
}

// Option configures an EnsembleFlow.
type Option func(e *EnsembleFlow)

// WithRemainderPolicy sets how Sample distributes leftover draws. Default is RemainderRoundRobin.
func WithRemainderPolicy(policy RemainderPolicy) Option {
	return func(e *EnsembleFlow) { e.remainder = policy }
}

// WithScoreConvention sets the sign of BALDScore. Default is ScoreMutualInformation.
func WithScoreConvention(convention ScoreConvention) Option {
	return func(e *EnsembleFlow) { e.convention = convention }
}

// New creates an EnsembleFlow over the given flows. The slice is copied, the flows are not.
//
// It returns ErrEmptyEnsemble if there are no flows, or an error if the flows don't all share
// the same sample and condition dimensions.
func New(members []flows.Flow, options ...Option) (*EnsembleFlow, error) {
	if len(members) == 0 {
		return nil, ErrEmptyEnsemble
	}
	for ii, flow := range members {
		if flow == nil {
			return nil, errors.Errorf("ensemble member #%d is nil", ii)
		}
	}
	dim, conditionDim := members[0].Dim(), members[0].ConditionDim()
	for ii, flow := range members {
		if flow.Dim() != dim || flow.ConditionDim() != conditionDim {
			return nil, errors.Errorf(
				"ensemble member #%d has dimensions (x=%d, condition=%d), but member #0 has (x=%d, condition=%d)",
				ii, flow.Dim(), flow.ConditionDim(), dim, conditionDim)
		}
	}
	e := &EnsembleFlow{flows: xslices.Copy(members)}
	for _, option := range options {
		option(e)
	}
	return e, nil
}

// NumMembers returns M, the number of flows in the ensemble.
func (e *EnsembleFlow) NumMembers() int { return len(e.flows) }

// Dim is the dimension of the samples.
func (e *EnsembleFlow) Dim() int { return e.flows[0].Dim() }

// ConditionDim is the dimension of the condition θ.
func (e *EnsembleFlow) ConditionDim() int { return e.flows[0].ConditionDim() }

// Member returns the m-th flow of the ensemble. It must not be mutated.
func (e *EnsembleFlow) Member(m int) flows.Flow { return e.flows[m] }

// LogProb returns the mixture log-density log((1/M)·Σₘ qₘ(x|condition)) for each row of xs,
// computed as a log-sum-exp over the member log-densities minus log M.
func (e *EnsembleFlow) LogProb(xs [][]float64, condition []float64) []float64 {
	numMembers := len(e.flows)
	memberLogProbs := make([][]float64, numMembers)
	for m, flow := range e.flows {
		memberLogProbs[m] = flow.LogProb(xs, condition)
	}
	logM := math.Log(float64(numMembers))
	out := make([]float64, len(xs))
	perSample := make([]float64, numMembers)
	for ii := range xs {
		for m := range numMembers {
			perSample[m] = memberLogProbs[m][ii]
		}
		out[ii] = floats.LogSumExp(perSample) - logM
	}
	return out
}

// SampleCounts returns how many of n draws each member contributes, following the
// RemainderPolicy. The counts always add up to n.
func (e *EnsembleFlow) SampleCounts(n int) []int {
	numMembers := len(e.flows)
	counts := make([]int, numMembers)
	if n <= 0 {
		return counts
	}
	base, remainder := n/numMembers, n%numMembers
	for m := range counts {
		counts[m] = base
	}
	switch e.remainder {
	case RemainderLast:
		counts[numMembers-1] += remainder
	default:
		for m := range remainder {
			counts[m]++
		}
	}
	return counts
}

// Sample draws n samples from the mixture: member m contributes SampleCounts(n)[m] draws, and
// the draws are concatenated in member order.
func (e *EnsembleFlow) Sample(rng *rand.Rand, n int, condition []float64) [][]float64 {
	counts := e.SampleCounts(n)
	parts := make([][][]float64, 0, len(e.flows))
	for m, flow := range e.flows {
		if counts[m] == 0 {
			continue
		}
		parts = append(parts, flow.Sample(rng, counts[m], condition))
	}
	return xslices.Concat(parts...)
}

// negativeMean returns -mean(logProbs), or ErrNonFinite if any value is not finite.
func negativeMean(logProbs []float64, what string) (float64, error) {
	if len(logProbs) == 0 {
		return 0, errors.Errorf("%s: no samples to estimate the entropy", what)
	}
	if !xslices.AllFinite(logProbs) {
		return 0, errors.Wrapf(ErrNonFinite, "%s", what)
	}
	return -floats.Sum(logProbs) / float64(len(logProbs)), nil
}

// MarginalEntropy estimates the entropy of the mixture, -E_{x~q}[log q(x|θ)], with n samples
// drawn with Sample. If n <= 0, DefaultMonteCarloSamples is used.
func (e *EnsembleFlow) MarginalEntropy(rng *rand.Rand, theta []float64, n int) (float64, error) {
	if n <= 0 {
		n = DefaultMonteCarloSamples
	}
	samples := e.Sample(rng, n, theta)
	return negativeMean(e.LogProb(samples, theta), "marginal entropy")
}

// EnsembleEntropy estimates the mean member entropy (1/M)·Σₘ H(qₘ(·|θ)): each member's entropy
// uses n samples drawn from that member alone. If n <= 0, DefaultMonteCarloSamples is used.
func (e *EnsembleFlow) EnsembleEntropy(rng *rand.Rand, theta []float64, n int) (float64, error) {
	if n <= 0 {
		n = DefaultMonteCarloSamples
	}
	var sum float64
	for m, flow := range e.flows {
		h := flows.MonteCarloEntropy(flow, rng, theta, n)
		if math.IsNaN(h) || math.IsInf(h, 0) {
			return 0, errors.Wrapf(ErrNonFinite, "ensemble member entropy: member #%d", m)
		}
		sum += h
	}
	return sum / float64(len(e.flows)), nil
}

// BALDScore returns the disagreement score of the ensemble at θ, with n Monte Carlo samples
// for each entropy estimate. See ScoreConvention for its sign.
//
// For an ensemble of identical members the score is ≈ 0.
func (e *EnsembleFlow) BALDScore(rng *rand.Rand, theta []float64, n int) (float64, error) {
	marginal, err := e.MarginalEntropy(rng, theta, n)
	if err != nil {
		return 0, err
	}
	mean, err := e.EnsembleEntropy(rng, theta, n)
	if err != nil {
		return 0, err
	}
	score := marginal - mean
	if e.convention == ScoreNegated {
		score = -score
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, errors.Wrapf(ErrNonFinite, "BALD score at θ=%v", theta)
	}
	return score, nil
}
