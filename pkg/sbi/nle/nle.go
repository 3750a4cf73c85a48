// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nle implements neural likelihood estimation: a conditional flow p(x|θ) is fitted to
// simulations (θ, x), and combined with the prior into an unnormalized posterior that is sampled
// with MCMC.
//
// The NLE object accumulates simulations over rounds and is retrained from its current state on
// all of them every time Train is called.
package nle

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/activesbi/pkg/ml/train"
	"github.com/gomlx/activesbi/pkg/ml/train/optimizers"
	"github.com/gomlx/activesbi/pkg/sbi/flows"
	"github.com/gomlx/activesbi/pkg/sbi/tasks"
	"github.com/gomlx/activesbi/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainConfig configures the training of the likelihood flow. Zero values are replaced by the
// corresponding value of DefaultTrainConfig.
type TrainConfig struct {
	// Optimizer name, one of optimizers.KnownOptimizers.
	Optimizer string

	LearningRate float64
	BatchSize    int

	// MaxEpochs caps the number of epochs of one call to Train.
	MaxEpochs int

	// StopAfterEpochs is the number of epochs without improvement of the validation loss
	// after which training stops.
	StopAfterEpochs int

	// ValidationFraction of the simulations held out for early stopping.
	ValidationFraction float64

	// HiddenUnits of the conditioner network of the flow.
	HiddenUnits int
}

// DefaultTrainConfig returns the default training configuration.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Optimizer:          "adam",
		LearningRate:       5e-4,
		BatchSize:          50,
		MaxEpochs:          500,
		StopAfterEpochs:    20,
		ValidationFraction: 0.1,
		HiddenUnits:        50,
	}
}

// withDefaults returns a copy of cfg with zero values replaced by defaults.
func (cfg TrainConfig) withDefaults() TrainConfig {
	def := DefaultTrainConfig()
	if cfg.Optimizer == "" {
		cfg.Optimizer = def.Optimizer
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxEpochs == 0 {
		cfg.MaxEpochs = def.MaxEpochs
	}
	if cfg.StopAfterEpochs == 0 {
		cfg.StopAfterEpochs = def.StopAfterEpochs
	}
	if cfg.ValidationFraction == 0 {
		cfg.ValidationFraction = def.ValidationFraction
	}
	if cfg.HiddenUnits == 0 {
		cfg.HiddenUnits = def.HiddenUnits
	}
	return cfg
}

// Validate returns an error if some value of the configuration is invalid.
func (cfg TrainConfig) Validate() error {
	if _, found := optimizers.KnownOptimizers[strings.ToLower(cfg.Optimizer)]; !found && cfg.Optimizer != "" {
		return errors.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
	switch {
	case cfg.LearningRate < 0:
		return errors.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	case cfg.BatchSize < 0:
		return errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	case cfg.MaxEpochs < 0:
		return errors.Errorf("max epochs must be positive, got %d", cfg.MaxEpochs)
	case cfg.StopAfterEpochs < 0:
		return errors.Errorf("stop after epochs must be positive, got %d", cfg.StopAfterEpochs)
	case cfg.ValidationFraction < 0 || cfg.ValidationFraction >= 1:
		return errors.Errorf("validation fraction must be in [0, 1), got %g", cfg.ValidationFraction)
	case cfg.HiddenUnits < 0:
		return errors.Errorf("hidden units must be positive, got %d", cfg.HiddenUnits)
	}
	return nil
}

// NLE is a trainable neural likelihood estimator.
//
// It is not safe for concurrent use, but different NLE objects can be trained concurrently.
type NLE struct {
	prior tasks.Prior
	cfg   TrainConfig
	rng   *rand.Rand

	thetas, xs [][]float64
	xDim       int

	flow *flows.ConditionalAffine

	// Epochs run by the last call to Train.
	lastEpochs int

	// Best validation loss of the last call to Train.
	lastValidationLoss float64
}

// New creates an NLE for parameters distributed according to prior. The seed drives the
// initialization of the flow, the validation split and the shuffling of the data: members of an
// ensemble should use different seeds.
func New(prior tasks.Prior, cfg TrainConfig, seed uint64) *NLE {
	return &NLE{
		prior: prior,
		cfg:   cfg.withDefaults(),
		rng:   rand.New(rand.NewPCG(seed, 0x4e4c45)),
	}
}

// Prior returns the prior of the parameters.
func (n *NLE) Prior() tasks.Prior { return n.prior }

// Config returns the training configuration, with defaults filled in.
func (n *NLE) Config() TrainConfig { return n.cfg }

// NumSimulations returns the number of simulations appended so far.
func (n *NLE) NumSimulations() int { return len(n.thetas) }

// Epochs run by the last call to Train.
func (n *NLE) Epochs() int { return n.lastEpochs }

// ValidationLoss is the best validation loss (mean negative log-likelihood) of the last call to Train.
func (n *NLE) ValidationLoss() float64 { return n.lastValidationLoss }

// AppendSimulations adds the simulations (thetas[i], xs[i]) to the training data. Rows are copied.
//
// It returns the NLE itself, so calls can be cascaded.
func (n *NLE) AppendSimulations(thetas, xs [][]float64) (*NLE, error) {
	if len(thetas) != len(xs) {
		return nil, errors.Errorf("NLE.AppendSimulations: %d parameters but %d observations", len(thetas), len(xs))
	}
	if len(xs) == 0 {
		return n, nil
	}
	xDim := n.xDim
	if xDim == 0 {
		xDim = len(xs[0])
		if xDim == 0 {
			return nil, errors.New("NLE.AppendSimulations: observations have dimension 0")
		}
	}
	for ii := range thetas {
		if len(thetas[ii]) != n.prior.Dim() {
			return nil, errors.Errorf("NLE.AppendSimulations: θ[%d] has dimension %d, expected %d",
				ii, len(thetas[ii]), n.prior.Dim())
		}
		if len(xs[ii]) != xDim {
			return nil, errors.Errorf("NLE.AppendSimulations: x[%d] has dimension %d, expected %d",
				ii, len(xs[ii]), xDim)
		}
		if !xslices.AllFinite(xs[ii]) {
			return nil, errors.Errorf("NLE.AppendSimulations: x[%d] has non-finite values %v", ii, xs[ii])
		}
	}
	n.xDim = xDim
	n.thetas = append(n.thetas, xslices.Copy2D(thetas)...)
	n.xs = append(n.xs, xslices.Copy2D(xs)...)
	return n, nil
}

// Train fits the likelihood flow on all simulations appended so far, starting from the current
// parameters of the flow. The flow is created on the first call, with the standardization of the
// data computed from the simulations available at that time.
//
// Training uses mini-batches and stops when the validation loss hasn't improved for
// StopAfterEpochs epochs (or after MaxEpochs), restoring the parameters with the best
// validation loss.
//
// It returns the live flow: use Snapshot to get a copy that won't change with further training.
func (n *NLE) Train(ctx context.Context) (flows.Flow, error) {
	if err := n.cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "NLE.Train")
	}
	if len(n.thetas) == 0 {
		return nil, errors.New("NLE.Train: no simulations to train on")
	}
	if n.flow == nil {
		n.flow = flows.NewConditionalAffine(n.xDim, n.prior.Dim(), n.cfg.HiddenUnits, n.rng)
		n.flow.Standardize(n.xs, n.thetas)
	}

	trainDS, validationDS, err := train.Split(n.xs, n.thetas, n.cfg.ValidationFraction, n.rng)
	if err != nil {
		return nil, errors.WithMessage(err, "NLE.Train")
	}
	trainDS.BatchSize(n.cfg.BatchSize, false).Shuffle(n.rng)
	validationDS.BatchSize(n.cfg.BatchSize, false)

	optimizer, err := optimizers.ByName(n.cfg.Optimizer, n.cfg.LearningRate)
	if err != nil {
		return nil, errors.WithMessage(err, "NLE.Train")
	}
	loop := train.NewLoop(train.NewTrainer(n.flow, optimizer))
	var validation train.Dataset
	if validationDS.Len() > 0 {
		validation = validationDS
	}
	es := train.AttachEarlyStopping(loop, validation, n.cfg.StopAfterEpochs)
	if _, err = loop.RunEpochs(ctx, trainDS, n.cfg.MaxEpochs); err != nil {
		return nil, errors.WithMessagef(err, "NLE.Train(%d simulations)", len(n.thetas))
	}
	n.lastEpochs = loop.Epoch
	n.lastValidationLoss = es.BestLoss
	if klog.V(2).Enabled() {
		klog.Infof("NLE trained on %d simulations: %d epochs, best validation loss %.4f at epoch %d (median step %s)",
			len(n.thetas), loop.Epoch, es.BestLoss, es.BestEpoch, loop.MedianTrainStepDuration())
	}
	return n.flow, nil
}

// Flow returns the live likelihood flow, or nil if Train was never called.
func (n *NLE) Flow() flows.Flow {
	if n.flow == nil {
		return nil
	}
	return n.flow
}

// Snapshot returns an independent deep copy of the current likelihood flow, or nil if Train was
// never called. Further training doesn't affect the snapshot.
func (n *NLE) Snapshot() flows.Flow {
	if n.flow == nil {
		return nil
	}
	return n.flow.Clone()
}

// BuildPosterior returns the posterior p(θ|x) ∝ p(x|θ)·p(θ), using a snapshot of the current
// likelihood flow and the default MCMC configuration.
func (n *NLE) BuildPosterior() (*Posterior, error) {
	likelihood := n.Snapshot()
	if likelihood == nil {
		return nil, errors.New("NLE.BuildPosterior: the likelihood was not trained yet")
	}
	return NewPosterior(likelihood, n.prior)
}
