// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"slices"

	"k8s.io/klog/v2"
)

// EarlyStoppingName is the name of the hooks registered by AttachEarlyStopping.
const EarlyStoppingName = "activesbi.ml.train.EarlyStopping"

// EarlyStopping monitors the loss on a validation dataset at the end of every epoch. It stops the
// loop after Patience epochs without improvement and, at the end of the loop, restores the
// parameters of the best epoch.
type EarlyStopping struct {
	validation Dataset
	patience   int

	// BestLoss is the best validation loss seen so far, +Inf before the first epoch.
	BestLoss float64

	// BestEpoch is the epoch (starting from 0) of BestLoss, -1 before the first epoch.
	BestEpoch int

	bestParams               []float64
	epochsWithoutImprovement int
}

// AttachEarlyStopping creates an EarlyStopping and attaches it to the loop.
//
// If the validation dataset is empty, the training loss of the epoch is monitored instead.
func AttachEarlyStopping(loop *Loop, validation Dataset, patience int) *EarlyStopping {
	es := &EarlyStopping{validation: validation, patience: max(patience, 1)}
	loop.OnStart(EarlyStoppingName, 0, es.onStart)
	loop.OnEpoch(EarlyStoppingName, 100, es.onEpoch)
	loop.OnEnd(EarlyStoppingName, -100, es.onEnd)
	return es
}

func (es *EarlyStopping) onStart(_ *Loop, _ Dataset) error {
	es.BestLoss = math.Inf(1)
	es.BestEpoch = -1
	es.bestParams = nil
	es.epochsWithoutImprovement = 0
	return nil
}

func (es *EarlyStopping) onEpoch(loop *Loop, trainLoss float64) error {
	loss := trainLoss
	if es.validation != nil {
		validationLoss, err := loop.Trainer.EvalLoss(es.validation)
		if err != nil {
			return err
		}
		if !math.IsNaN(validationLoss) {
			loss = validationLoss
		}
	}
	if loss < es.BestLoss {
		es.BestLoss = loss
		es.BestEpoch = loop.Epoch
		es.bestParams = slices.Clone(loop.Trainer.Model().Params())
		es.epochsWithoutImprovement = 0
	} else {
		es.epochsWithoutImprovement++
	}
	klog.V(3).Infof("epoch %d: train loss %.4f, monitored loss %.4f (best %.4f at epoch %d)",
		loop.Epoch, trainLoss, loss, es.BestLoss, es.BestEpoch)
	if es.epochsWithoutImprovement >= es.patience {
		klog.V(2).Infof("early stopping at epoch %d, best epoch %d with loss %.4f", loop.Epoch, es.BestEpoch, es.BestLoss)
		loop.RequestStop()
	}
	return nil
}

func (es *EarlyStopping) onEnd(loop *Loop, _ float64) error {
	if es.bestParams != nil {
		copy(loop.Trainer.Model().Params(), es.bestParams)
	}
	return nil
}
