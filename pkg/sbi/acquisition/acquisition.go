// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package acquisition selects which simulator parameters to query next, given an ensemble of
// likelihood models and a pool of candidate parameters.
package acquisition

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gomlx/activesbi/internal/workerspool"
	"github.com/gomlx/activesbi/pkg/sbi/ensemble"
	"github.com/gomlx/activesbi/pkg/sbi/flows"
	"github.com/gomlx/activesbi/pkg/support/xslices"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrEmptyEnsemble is returned when no ensemble members are given.
	ErrEmptyEnsemble = ensemble.ErrEmptyEnsemble

	// ErrKExceedsPool is returned when more points are requested than there are candidates.
	ErrKExceedsPool = errors.New("number of points to select exceeds the candidate pool size")

	// ErrInvalidK is returned when the number of points to select is < 1.
	ErrInvalidK = errors.New("number of points to select must be >= 1")
)

// Snapshotter is implemented by the live (trainable) ensemble members. Snapshot must return an
// independent deep copy of the member's current flow, which no later training can modify.
type Snapshotter interface {
	Snapshot() flows.Flow
}

// Config of a BALD acquisition.
type Config struct {
	// K is the number of candidates to select. If 0, 1 is used.
	K int

	// MCSamples is the number of Monte Carlo samples for each entropy estimate.
	// If 0, ensemble.DefaultMonteCarloSamples is used.
	MCSamples int

	// Seed for the Monte Carlo sampling. Candidate #i is scored with its own random stream derived
	// from (Seed, i), so results don't depend on Parallelism.
	Seed uint64

	// Parallelism is the maximum number of candidates scored concurrently.
	// 0 uses runtime.NumCPU(), 1 scores sequentially, -1 is unlimited.
	Parallelism int

	// Remainder policy of the ensemble sampling.
	Remainder ensemble.RemainderPolicy

	// Score convention of the BALD score.
	Score ensemble.ScoreConvention
}

// Selection is the result of an acquisition: the selected candidates, their index in the pool and
// their scores, sorted by decreasing score. Candidates[i] has score Scores[i].
type Selection struct {
	Candidates [][]float64
	Indices    []int
	Scores     []float64
}

// Len returns the number of selected candidates.
func (s *Selection) Len() int { return len(s.Candidates) }

// validate the common arguments of an acquisition and return the effective k.
func validate(numMembers int, pool [][]float64, k int) (int, error) {
	if numMembers == 0 {
		return 0, ErrEmptyEnsemble
	}
	if k == 0 {
		k = 1
	}
	if k < 0 {
		return 0, errors.Wrapf(ErrInvalidK, "k=%d", k)
	}
	if k > len(pool) {
		return 0, errors.Wrapf(ErrKExceedsPool, "k=%d, pool size=%d", k, len(pool))
	}
	return k, nil
}

// Snapshot takes an independent deep copy of each member's current flow and builds the
// EnsembleFlow over them.
func Snapshot(members []Snapshotter, options ...ensemble.Option) (*ensemble.EnsembleFlow, error) {
	if len(members) == 0 {
		return nil, ErrEmptyEnsemble
	}
	snapshots := make([]flows.Flow, len(members))
	for m, member := range members {
		snapshots[m] = member.Snapshot()
		if snapshots[m] == nil {
			return nil, errors.Errorf("ensemble member #%d has no flow to snapshot, was it trained?", m)
		}
	}
	return ensemble.New(snapshots, options...)
}

// ScorePool computes the BALD score of every candidate in the pool, in parallel, with the
// frozen ensemble e. scores[i] corresponds to pool[i].
func ScorePool(ctx context.Context, e *ensemble.EnsembleFlow, pool [][]float64, cfg Config) ([]float64, error) {
	for ii, theta := range pool {
		if len(theta) != e.ConditionDim() {
			return nil, errors.Errorf("candidate #%d has dimension %d, but the ensemble is conditioned on dimension %d",
				ii, len(theta), e.ConditionDim())
		}
	}
	scores := make([]float64, len(pool))
	err := workerspool.NewWithParallelism(cfg.Parallelism).ForEach(ctx, len(pool), func(ii int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(ii)))
		var score float64
		var err error
		if exception := exceptions.TryCatch[error](func() { score, err = e.BALDScore(rng, pool[ii], cfg.MCSamples) }); exception != nil {
			err = exception
		}
		if err != nil {
			return errors.WithMessagef(err, "scoring candidate θ=%v", pool[ii])
		}
		scores[ii] = score
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// TopK returns the k candidates with the highest scores, in decreasing order of score.
// Ties are broken by the position in the pool. The returned candidates are copies.
func TopK(pool [][]float64, scores []float64, k int) *Selection {
	order := xslices.ArgSortDesc(scores)[:k]
	return &Selection{
		Candidates: xslices.Copy2D(xslices.Gather(pool, order)),
		Indices:    order,
		Scores:     xslices.Gather(scores, order),
	}
}

// BALD (Bayesian Active Learning by Disagreement) selects the cfg.K candidates from the pool
// where the ensemble members disagree the most.
//
// It snapshots each member's current flow (so training members concurrently doesn't affect the
// scores), builds an EnsembleFlow over the snapshots, scores every candidate with
// EnsembleFlow.BALDScore and returns the top cfg.K, sorted by decreasing score.
//
// It costs O(P·M·N) flow evaluations for P candidates, M members and N Monte Carlo samples.
func BALD(ctx context.Context, members []Snapshotter, pool [][]float64, cfg Config) (*Selection, error) {
	k, err := validate(len(members), pool, cfg.K)
	if err != nil {
		return nil, err
	}
	e, err := Snapshot(members, ensemble.WithRemainderPolicy(cfg.Remainder), ensemble.WithScoreConvention(cfg.Score))
	if err != nil {
		return nil, err
	}
	start := time.Now()
	scores, err := ScorePool(ctx, e, pool, cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "BALD acquisition")
	}
	selection := TopK(pool, scores, k)
	if klog.V(2).Enabled() {
		klog.Infof("BALD: scored %d candidates with %d members in %s, best score %.4g at θ=%v",
			len(pool), e.NumMembers(), time.Since(start), selection.Scores[0], selection.Candidates[0])
	}
	return selection, nil
}
