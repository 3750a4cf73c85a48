// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"

	"github.com/gomlx/activesbi/pkg/ml/train/optimizers"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Model is what a Trainer fits: a flat parameter vector and the loss with its gradient over a batch.
// It is implemented by flows.Trainable.
type Model interface {
	// Params returns the live parameter vector.
	Params() []float64

	// LossAndGrad returns the mean loss over the batch and writes its gradient into grad.
	LossAndGrad(xs, conditions [][]float64, grad []float64) float64
}

// Trainer does one optimization step at a time of a Model, with the given optimizer.
type Trainer struct {
	model     Model
	optimizer optimizers.Interface
	grad      []float64
}

// NewTrainer creates a Trainer for model using optimizer.
func NewTrainer(model Model, optimizer optimizers.Interface) *Trainer {
	return &Trainer{
		model:     model,
		optimizer: optimizer,
		grad:      make([]float64, len(model.Params())),
	}
}

// Model being trained.
func (t *Trainer) Model() Model { return t.model }

// TrainStep computes the loss and gradient on the batch, and updates the model parameters.
// It returns the loss before the update.
//
// A non-finite loss or gradient, or a panic while computing them, is an error, and the
// parameters are not updated.
func (t *Trainer) TrainStep(xs, conditions [][]float64) (loss float64, err error) {
	if len(t.grad) != len(t.model.Params()) {
		t.grad = make([]float64, len(t.model.Params()))
		t.optimizer.Clear()
	}
	if err = exceptions.TryCatch[error](func() { loss = t.model.LossAndGrad(xs, conditions, t.grad) }); err != nil {
		return 0, errors.WithMessage(err, "computing batch loss")
	}
	if math.IsNaN(loss) {
		return loss, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(loss, 0) {
		return loss, errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	for ii, g := range t.grad {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return loss, errors.Errorf("gradient of parameter #%d is %g, training interrupted", ii, g)
		}
	}
	t.optimizer.Update(t.model.Params(), t.grad)
	return loss, nil
}

// EvalLoss returns the mean loss of the model over the whole dataset, without updating it.
// The dataset is reset before and after the evaluation. It returns NaN for an empty dataset.
func (t *Trainer) EvalLoss(ds Dataset) (float64, error) {
	ds.Reset()
	defer ds.Reset()
	scratch := make([]float64, len(t.model.Params()))
	var sum float64
	var count int
	for {
		xs, conditions, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "evaluating on dataset %q", ds.Name())
		}
		var loss float64
		if err = exceptions.TryCatch[error](func() { loss = t.model.LossAndGrad(xs, conditions, scratch) }); err != nil {
			return 0, errors.WithMessagef(err, "evaluating on dataset %q", ds.Name())
		}
		sum += loss * float64(len(xs))
		count += len(xs)
	}
	if count == 0 {
		return math.NaN(), nil
	}
	return sum / float64(count), nil
}
