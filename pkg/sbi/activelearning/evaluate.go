// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package activelearning

import (
	"context"
	"math/rand/v2"

	"github.com/gomlx/activesbi/pkg/sbi/nle"
	"github.com/gomlx/activesbi/pkg/sbi/tasks"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Evaluate the posterior on the first numEvals observations of the task (Task.Observation(1)
// to Task.Observation(numEvals)): for each of them it draws numSamples parameters from the
// posterior and returns the Euclidean distance between their mean and the true parameters.
func Evaluate(ctx context.Context, task *tasks.Task, posterior *nle.EnsemblePosterior, numEvals, numSamples int,
	seed uint64) ([]float64, error) {
	if numSamples < 1 {
		return nil, errors.Errorf("Evaluate: numSamples must be >= 1, got %d", numSamples)
	}
	distances := make([]float64, 0, numEvals)
	for i := 1; i <= numEvals; i++ {
		thetaTrue, xObserved, err := task.Observation(i)
		if err != nil {
			return nil, errors.WithMessagef(err, "Evaluate: observation #%d", i)
		}
		rng := rand.New(rand.NewPCG(seed, uint64(i)))
		samples, err := posterior.Sample(ctx, rng, numSamples, xObserved)
		if err != nil {
			return nil, errors.WithMessagef(err, "Evaluate: observation #%d", i)
		}
		distances = append(distances, floats.Distance(PosteriorMean(samples), thetaTrue, 2))
	}
	return distances, nil
}

// PosteriorMean returns the mean of the samples, per dimension.
func PosteriorMean(samples [][]float64) []float64 {
	if len(samples) == 0 {
		return nil
	}
	mean := make([]float64, len(samples[0]))
	column := make([]float64, len(samples))
	for d := range mean {
		for ii, s := range samples {
			column[ii] = s[d]
		}
		mean[d] = stat.Mean(column, nil)
	}
	return mean
}
