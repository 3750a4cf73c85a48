// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"io"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks, called with the loss of the step.
type OnStepFn func(loop *Loop, loss float64) error

// OnEpochFn is the type of OnEpoch hooks, called with the mean training loss of the epoch.
type OnEpochFn func(loop *Loop, meanLoss float64) error

// OnEndFn is the type of OnEnd hooks, called with the loss of the last step.
type OnEndFn func(loop *Loop, loss float64) error

// Loop will run a training loop, invoking Trainer.TrainStep every step,
// and calling the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// early-stopping strategies, progress reporting, etc.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// LoopStep currently being executed. It keeps increasing across runs of the same Loop.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run.
	StartStep int

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	stopRequested bool

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEpoch *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpoch:    newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// RequestStop asks the loop to stop at the end of the current epoch. Usually called by hooks,
// e.g. by early stopping.
func (loop *Loop) RequestStop() {
	loop.stopRequested = true
}

// StopRequested returns whether RequestStop was called during the current run.
func (loop *Loop) StopRequested() bool {
	return loop.stopRequested
}

// start of loop, called by all looping methods.
//
// It calls the appropriate hooks.
func (loop *Loop) start(ds Dataset) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) step(xs, conditions [][]float64) (loss float64, err error) {
	startTime := time.Now()
	loss, err = loop.Trainer.TrainStep(xs, conditions)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return loss, err
	}
	for hook := range loop.onStep.All() {
		if err = hook.fn(loop, loss); err != nil {
			return loss, errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return loss, nil
}

// end of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) end(loss float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunEpochs runs up to the given number of epochs over the dataset, or until a hook calls
// RequestStop, or until ctx is cancelled (checked before each step).
// Dataset.Reset is called after each epoch (including the last).
//
// It returns the loss of the last training step.
func (loop *Loop) RunEpochs(ctx context.Context, ds Dataset, epochs int) (loss float64, err error) {
	loop.StartStep = loop.LoopStep
	loop.stopRequested = false
	loop.TrainStepDurations = nil
	if err = loop.start(ds); err != nil {
		return 0, err
	}
	for loop.Epoch = 0; loop.Epoch < epochs && !loop.stopRequested; loop.Epoch++ {
		var epochLoss float64
		var epochSteps int
		for {
			if err = ctx.Err(); err != nil {
				return 0, err
			}
			xs, conditions, yieldErr := ds.Yield()
			if yieldErr == io.EOF {
				break
			}
			if yieldErr != nil {
				return 0, errors.WithMessagef(yieldErr, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset %q",
					loop.Epoch, epochs, ds.Name())
			}
			loss, err = loop.step(xs, conditions)
			if err != nil {
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed step (LoopStep=%d)", epochs, loop.LoopStep)
			}
			epochLoss += loss
			epochSteps++
			loop.LoopStep++
		}
		ds.Reset()
		if epochSteps == 0 {
			return 0, errors.Errorf("Loop.RunEpochs: dataset %q yielded no batches in epoch %d", ds.Name(), loop.Epoch)
		}
		for hook := range loop.onEpoch.All() {
			if err = hook.fn(loop, epochLoss/float64(epochSteps)); err != nil {
				return 0, errors.WithMessagef(err, "OnEpoch(hook %q)", hook.name)
			}
		}
	}
	if err = loop.end(loss); err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return loss, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpoch adds a hook with given priority and name (for error reporting) to the end of each epoch.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainStep`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
