// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package activelearning implements the sequential inference drivers: they own an ensemble of
// NLE members, decide which parameters to simulate, retrain the members and finally build the
// ensemble posterior.
//
// Three methods are available:
//
//   - NLE: a single member trained on simulations at parameters drawn from the prior.
//   - EnsembleNLE: an ensemble trained on simulations at parameters drawn from the prior.
//   - BALD_NLE: an ensemble trained on an initial set of prior simulations, followed by active
//     rounds, each simulating at the candidate parameter with the highest BALD score.
package activelearning

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gomlx/activesbi/internal/workerspool"
	"github.com/gomlx/activesbi/pkg/sbi/acquisition"
	"github.com/gomlx/activesbi/pkg/sbi/ensemble"
	"github.com/gomlx/activesbi/pkg/sbi/nle"
	"github.com/gomlx/activesbi/pkg/sbi/tasks"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Method of sequential inference.
type Method string

const (
	MethodNLE         Method = "NLE"
	MethodEnsembleNLE Method = "EnsembleNLE"
	MethodBALDNLE     Method = "BALD_NLE"
)

// Methods lists all known methods.
var Methods = []Method{MethodNLE, MethodEnsembleNLE, MethodBALDNLE}

// ParseMethod returns the Method with the given name.
func ParseMethod(name string) (Method, error) {
	for _, m := range Methods {
		if string(m) == name {
			return m, nil
		}
	}
	return "", errors.Errorf("unknown method %q, known methods are %q", name, Methods)
}

// IsActive returns whether the method runs active-learning rounds.
func (m Method) IsActive() bool { return m == MethodBALDNLE }

// ErrInvalidConfig is returned (wrapped) for configuration errors, before any work is done.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config of a driver run.
type Config struct {
	// NumMembers of the ensemble. Ignored by MethodNLE, which always uses one member.
	NumMembers int

	// NumSimsInit is the number of simulations at parameters drawn from the prior, before any
	// active round.
	NumSimsInit int

	// NumSimsActive is the number of active rounds, each adding one simulation. Methods without
	// active rounds draw these simulations from the prior together with the initial ones.
	NumSimsActive int

	// PoolSize is the number of candidate parameters drawn from the prior and scored every
	// active round.
	PoolSize int

	// MCSamples per entropy estimate of the BALD score. If 0, ensemble.DefaultMonteCarloSamples.
	MCSamples int

	// Parallelism of candidate scoring and of member training:
	// 0 uses runtime.NumCPU(), 1 is sequential, -1 is unlimited.
	Parallelism int

	// Seed of all the randomness of the run.
	Seed uint64

	// Remainder policy and Score convention of the ensemble used for acquisition.
	Remainder ensemble.RemainderPolicy
	Score     ensemble.ScoreConvention

	// Training configuration of every member.
	Training nle.TrainConfig

	// MCMC configuration of the posteriors. If zero, nle.DefaultMCMCConfig().
	MCMC nle.MCMCConfig
}

// Validate the configuration for the given method.
func (cfg Config) Validate(method Method) error {
	switch {
	case method != MethodNLE && cfg.NumMembers < 1:
		return errors.Wrapf(ErrInvalidConfig, "number of ensemble members must be >= 1, got %d", cfg.NumMembers)
	case cfg.NumSimsInit < 0 || cfg.NumSimsActive < 0:
		return errors.Wrapf(ErrInvalidConfig, "simulation budgets must be >= 0, got init=%d, active=%d",
			cfg.NumSimsInit, cfg.NumSimsActive)
	case cfg.NumSimsInit+cfg.NumSimsActive < 1:
		return errors.Wrapf(ErrInvalidConfig, "at least one simulation is required")
	case cfg.MCSamples < 0:
		return errors.Wrapf(ErrInvalidConfig, "number of Monte Carlo samples must be >= 0, got %d", cfg.MCSamples)
	}
	if method.IsActive() {
		if cfg.NumSimsInit < 1 {
			return errors.Wrapf(ErrInvalidConfig, "%s requires at least one initial simulation", method)
		}
		if cfg.NumSimsActive > 0 && cfg.PoolSize < 1 {
			return errors.Wrapf(ErrInvalidConfig, "candidate pool size must be >= 1, got %d", cfg.PoolSize)
		}
	}
	if err := cfg.Training.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "training: %v", err)
	}
	if cfg.MCMC != (nle.MCMCConfig{}) {
		if err := cfg.MCMC.Validate(); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "posterior: %v", err)
		}
	}
	return nil
}

// RoundFn is called after each active round, with the round index (starting at 0) and the
// acquisition that selected the simulated parameters.
type RoundFn func(round int, selection *acquisition.Selection) error

type roundHook struct {
	name string
	fn   RoundFn
}

// Driver runs one method of sequential inference on a task.
type Driver struct {
	task *tasks.Task
	cfg  Config

	rng     *rand.Rand
	members []*nle.NLE
	onRound []roundHook

	// TrainDurations of each training barrier: the initial one and one per active round.
	TrainDurations []time.Duration
}

// NewDriver creates a driver for the task with the given configuration.
func NewDriver(task *tasks.Task, cfg Config) *Driver {
	return &Driver{task: task, cfg: cfg}
}

// OnRound registers a hook called after each active round, in registration order.
// It returns the driver itself, so calls can be cascaded.
func (d *Driver) OnRound(name string, fn RoundFn) *Driver {
	d.onRound = append(d.onRound, roundHook{name: name, fn: fn})
	return d
}

// Members of the ensemble of the last run.
func (d *Driver) Members() []*nle.NLE { return d.members }

// Run the given method.
func (d *Driver) Run(ctx context.Context, method Method) (*nle.EnsemblePosterior, error) {
	switch method {
	case MethodNLE:
		return d.RunNLE(ctx)
	case MethodEnsembleNLE:
		return d.RunEnsembleNLE(ctx)
	case MethodBALDNLE:
		return d.RunBALDNLE(ctx)
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "unknown method %q", method)
}

// RunNLE trains a single member on NumSimsInit+NumSimsActive simulations at parameters drawn
// from the prior.
func (d *Driver) RunNLE(ctx context.Context) (*nle.EnsemblePosterior, error) {
	return d.runPassive(ctx, MethodNLE, 1)
}

// RunEnsembleNLE trains NumMembers members on NumSimsInit+NumSimsActive simulations at
// parameters drawn from the prior.
func (d *Driver) RunEnsembleNLE(ctx context.Context) (*nle.EnsemblePosterior, error) {
	return d.runPassive(ctx, MethodEnsembleNLE, d.cfg.NumMembers)
}

func (d *Driver) runPassive(ctx context.Context, method Method, numMembers int) (*nle.EnsemblePosterior, error) {
	if err := d.start(method, numMembers); err != nil {
		return nil, err
	}
	if err := d.simulateFromPrior(ctx, d.cfg.NumSimsInit+d.cfg.NumSimsActive); err != nil {
		return nil, errors.WithMessagef(err, "%s", method)
	}
	return d.posterior()
}

// RunBALDNLE trains NumMembers members on NumSimsInit simulations at parameters drawn from the
// prior and then runs NumSimsActive active rounds. Each round draws a fresh pool of PoolSize
// candidates from the prior, selects the one with the highest BALD score over snapshots of the
// members, simulates it, appends the simulation to every member and retrains all of them.
func (d *Driver) RunBALDNLE(ctx context.Context) (*nle.EnsemblePosterior, error) {
	if err := d.start(MethodBALDNLE, d.cfg.NumMembers); err != nil {
		return nil, err
	}
	if err := d.simulateFromPrior(ctx, d.cfg.NumSimsInit); err != nil {
		return nil, errors.WithMessagef(err, "%s initial round", MethodBALDNLE)
	}
	snapshotters := make([]acquisition.Snapshotter, len(d.members))
	for m, member := range d.members {
		snapshotters[m] = member
	}
	for round := range d.cfg.NumSimsActive {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pool := d.task.Prior.Sample(d.rng, d.cfg.PoolSize)
		selection, err := acquisition.BALD(ctx, snapshotters, pool, acquisition.Config{
			K:           1,
			MCSamples:   d.cfg.MCSamples,
			Seed:        d.rng.Uint64(),
			Parallelism: d.cfg.Parallelism,
			Remainder:   d.cfg.Remainder,
			Score:       d.cfg.Score,
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "%s round %d", MethodBALDNLE, round)
		}
		if err = d.simulateAndTrain(ctx, selection.Candidates); err != nil {
			return nil, errors.WithMessagef(err, "%s round %d", MethodBALDNLE, round)
		}
		klog.V(1).Infof("%s round %d/%d: simulated θ=%v (score %.4g), %d simulations",
			MethodBALDNLE, round+1, d.cfg.NumSimsActive, selection.Candidates[0], selection.Scores[0],
			d.members[0].NumSimulations())
		for _, hook := range d.onRound {
			if err = hook.fn(round, selection); err != nil {
				return nil, errors.WithMessagef(err, "OnRound(hook %q) of round %d", hook.name, round)
			}
		}
	}
	return d.posterior()
}

// start validates the configuration and creates the members.
func (d *Driver) start(method Method, numMembers int) error {
	if err := d.cfg.Validate(method); err != nil {
		return err
	}
	d.rng = rand.New(rand.NewPCG(d.cfg.Seed, 0xa1))
	d.members = make([]*nle.NLE, numMembers)
	for m := range d.members {
		d.members[m] = nle.New(d.task.Prior, d.cfg.Training, memberSeed(d.cfg.Seed, m))
	}
	d.TrainDurations = nil
	klog.V(1).Infof("%s on task %q: %d members, %d initial and %d active simulations",
		method, d.task.Name, numMembers, d.cfg.NumSimsInit, d.cfg.NumSimsActive)
	return nil
}

// memberSeed derives the seed of member m: members differ in initialization, data split and shuffling.
func memberSeed(seed uint64, m int) uint64 {
	return seed + uint64(m+1)*0x9e3779b97f4a7c15
}

func (d *Driver) simulateFromPrior(ctx context.Context, n int) error {
	return d.simulateAndTrain(ctx, d.task.Prior.Sample(d.rng, n))
}

// simulateAndTrain simulates at thetas, appends the simulations to every member and retrains
// all members, in parallel. It returns once every member finished training.
func (d *Driver) simulateAndTrain(ctx context.Context, thetas [][]float64) error {
	xs, err := d.simulate(thetas)
	if err != nil {
		return err
	}
	for m, member := range d.members {
		if _, err = member.AppendSimulations(thetas, xs); err != nil {
			return errors.WithMessagef(err, "member #%d", m)
		}
	}
	start := time.Now()
	err = workerspool.NewWithParallelism(d.cfg.Parallelism).ForEach(ctx, len(d.members), func(m int) error {
		var trainErr error
		if exception := exceptions.TryCatch[error](func() { _, trainErr = d.members[m].Train(ctx) }); exception != nil {
			return errors.WithMessagef(exception, "training member #%d panicked", m)
		}
		return errors.WithMessagef(trainErr, "training member #%d", m)
	})
	d.TrainDurations = append(d.TrainDurations, time.Since(start))
	return err
}

// simulate runs the simulator, converting panics to errors.
func (d *Driver) simulate(thetas [][]float64) (xs [][]float64, err error) {
	exception := exceptions.Try(func() { xs, err = d.task.Simulate(d.rng, thetas) })
	if exception != nil {
		if e, ok := exception.(error); ok {
			return nil, errors.WithMessage(e, "simulator panicked")
		}
		return nil, errors.Errorf("simulator panicked: %v", exception)
	}
	return xs, err
}

// posterior builds the ensemble posterior of the trained members.
func (d *Driver) posterior() (*nle.EnsemblePosterior, error) {
	posteriors := make([]*nle.Posterior, len(d.members))
	for m, member := range d.members {
		p, err := member.BuildPosterior()
		if err != nil {
			return nil, errors.WithMessagef(err, "member #%d", m)
		}
		posteriors[m] = p
	}
	ensemblePosterior, err := nle.NewEnsemblePosterior(posteriors)
	if err != nil {
		return nil, err
	}
	if d.cfg.MCMC != (nle.MCMCConfig{}) {
		ensemblePosterior.WithMCMC(d.cfg.MCMC)
	}
	return ensemblePosterior, nil
}

// RunNLE runs the NLE method on the task.
func RunNLE(ctx context.Context, task *tasks.Task, cfg Config) (*nle.EnsemblePosterior, error) {
	return NewDriver(task, cfg).RunNLE(ctx)
}

// RunEnsembleNLE runs the EnsembleNLE method on the task.
func RunEnsembleNLE(ctx context.Context, task *tasks.Task, cfg Config) (*nle.EnsemblePosterior, error) {
	return NewDriver(task, cfg).RunEnsembleNLE(ctx)
}

// RunBALDNLE runs the BALD_NLE method on the task.
func RunBALDNLE(ctx context.Context, task *tasks.Task, cfg Config) (*nle.EnsemblePosterior, error) {
	return NewDriver(task, cfg).RunBALDNLE(ctx)
}
