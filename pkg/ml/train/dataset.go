// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math/rand/v2"

	"github.com/gomlx/activesbi/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Dataset for a train.Trainer provides the data, one batch at a time: a batch of samples xs and
// the matching batch of conditions.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and logging.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached,
	// for instance when running another epoch.
	Reset()

	// Yield one batch, or io.EOF at the end of the data (the end of the epoch).
	// The returned rows must not be modified by the caller.
	Yield() (xs, conditions [][]float64, err error)
}

// InMemory is a Dataset over pairs (xs[i], conditions[i]) held in memory.
type InMemory struct {
	name           string
	xs, conditions [][]float64
	batchSize      int
	dropIncomplete bool
	shuffle        *rand.Rand

	order []int
	pos   int
}

var _ Dataset = (*InMemory)(nil)

// NewInMemory creates an in-memory dataset. The rows are not copied.
// By default it yields the whole data in one batch, in order.
func NewInMemory(name string, xs, conditions [][]float64) (*InMemory, error) {
	if len(xs) != len(conditions) {
		return nil, errors.Errorf("dataset %q: %d samples but %d conditions", name, len(xs), len(conditions))
	}
	ds := &InMemory{
		name:       name,
		xs:         xs,
		conditions: conditions,
		batchSize:  len(xs),
	}
	ds.Reset()
	return ds, nil
}

// Name implements Dataset.
func (ds *InMemory) Name() string { return ds.name }

// Len returns the number of examples.
func (ds *InMemory) Len() int { return len(ds.xs) }

// BatchSize configures the number of examples yielded per batch. If dropIncomplete is true,
// the last batch of an epoch is dropped if it is smaller than batchSize.
//
// It returns the dataset itself, so calls can be cascaded.
func (ds *InMemory) BatchSize(batchSize int, dropIncomplete bool) *InMemory {
	if batchSize <= 0 {
		batchSize = len(ds.xs)
	}
	ds.batchSize = batchSize
	ds.dropIncomplete = dropIncomplete
	return ds
}

// Shuffle configures the dataset to yield the examples in a new random order every epoch,
// drawn from rng. It returns the dataset itself, so calls can be cascaded.
func (ds *InMemory) Shuffle(rng *rand.Rand) *InMemory {
	ds.shuffle = rng
	ds.Reset()
	return ds
}

// Reset implements Dataset. If shuffling, a new order is drawn.
func (ds *InMemory) Reset() {
	ds.pos = 0
	if ds.order == nil || len(ds.order) != len(ds.xs) {
		ds.order = xslices.Iota(0, len(ds.xs))
	}
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// Yield implements Dataset.
func (ds *InMemory) Yield() (xs, conditions [][]float64, err error) {
	remaining := len(ds.order) - ds.pos
	if remaining <= 0 || (ds.dropIncomplete && remaining < ds.batchSize) {
		return nil, nil, io.EOF
	}
	n := min(ds.batchSize, remaining)
	indices := ds.order[ds.pos : ds.pos+n]
	ds.pos += n
	return xslices.Gather(ds.xs, indices), xslices.Gather(ds.conditions, indices), nil
}

// Split randomly partitions the examples in two datasets: a training one and a validation one
// with round(fraction·n) examples. If fraction > 0, at least one example goes to validation,
// as long as there are at least 2 examples.
func Split(xs, conditions [][]float64, fraction float64, rng *rand.Rand) (trainDS, validationDS *InMemory, err error) {
	if len(xs) != len(conditions) {
		return nil, nil, errors.Errorf("Split: %d samples but %d conditions", len(xs), len(conditions))
	}
	if fraction < 0 || fraction >= 1 {
		return nil, nil, errors.Errorf("Split: validation fraction must be in [0, 1), got %g", fraction)
	}
	n := len(xs)
	numValidation := int(fraction*float64(n) + 0.5)
	if fraction > 0 && numValidation == 0 && n >= 2 {
		numValidation = 1
	}
	if numValidation >= n {
		numValidation = n - 1
	}
	if numValidation < 0 {
		numValidation = 0
	}
	perm := rng.Perm(n)
	validationIdx, trainIdx := perm[:numValidation], perm[numValidation:]
	trainDS, err = NewInMemory("train", xslices.Gather(xs, trainIdx), xslices.Gather(conditions, trainIdx))
	if err != nil {
		return
	}
	validationDS, err = NewInMemory("validation", xslices.Gather(xs, validationIdx), xslices.Gather(conditions, validationIdx))
	return
}
