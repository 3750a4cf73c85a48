// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads the configuration of an experiment: which task, which methods, with which
// simulation budgets, and the settings of acquisition, training and posterior sampling.
//
// It is read from a YAML file, on top of Default(), with a few environment variable overrides
// (ASBI_SEED, ASBI_PARALLELISM, ASBI_TASK).
package config

import (
	"os"
	"strconv"

	"github.com/gomlx/activesbi/pkg/sbi/activelearning"
	"github.com/gomlx/activesbi/pkg/sbi/ensemble"
	"github.com/gomlx/activesbi/pkg/sbi/nle"
	"github.com/gomlx/activesbi/pkg/sbi/tasks"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	// MaxEvals is the maximum number of evaluation observations per experiment.
	MaxEvals = 10

	// DefaultEnsembleMembers is used by EnsembleNLE if n_ensemble_members is not set.
	DefaultEnsembleMembers = 3
)

// Config of an experiment.
type Config struct {
	// Task name, see tasks.Names().
	Task string `yaml:"task"`

	// Methods to compare: "NLE", "EnsembleNLE" and/or "BALD_NLE".
	Methods []string `yaml:"methods"`

	// NumSims lists the total simulation budgets to run each method with.
	NumSims []int `yaml:"n_sims"`

	// NumRepeats of every (budget, method) experiment.
	NumRepeats int `yaml:"n_repeats"`

	// NumEvals is the number of evaluation observations, at most MaxEvals.
	NumEvals int `yaml:"n_evals"`

	// NumEnsembleMembers of the EnsembleNLE and BALD_NLE methods. Required by BALD_NLE,
	// EnsembleNLE defaults to DefaultEnsembleMembers.
	NumEnsembleMembers *int `yaml:"n_ensemble_members,omitempty"`

	// PctActive is the fraction of the budget of BALD_NLE spent in active rounds. Required by BALD_NLE.
	PctActive *float64 `yaml:"pct_active,omitempty"`

	// ThetaPoolSize is the number of candidates scored in each active round. Required by BALD_NLE.
	ThetaPoolSize *int `yaml:"theta_pool_size,omitempty"`

	// Seed of the first repeat: repeat r uses Seed+r.
	Seed uint64 `yaml:"seed"`

	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Training    TrainingConfig    `yaml:"training"`
	Posterior   PosteriorConfig   `yaml:"posterior"`
}

// AcquisitionConfig configures the BALD acquisition.
type AcquisitionConfig struct {
	// MCSamples per entropy estimate.
	MCSamples int `yaml:"mc_samples"`

	// Parallelism of candidate scoring and member training: 0 for the number of CPUs,
	// 1 for sequential, -1 for unlimited.
	Parallelism int `yaml:"parallelism"`

	// Score convention: "mutual_information" (default) or "negated".
	Score string `yaml:"score"`

	// Remainder policy of ensemble sampling: "round_robin" (default) or "last".
	Remainder string `yaml:"remainder"`
}

// TrainingConfig configures the training of the likelihood flows.
type TrainingConfig struct {
	Optimizer          string  `yaml:"optimizer"`
	LearningRate       float64 `yaml:"learning_rate"`
	BatchSize          int     `yaml:"batch_size"`
	MaxEpochs          int     `yaml:"max_epochs"`
	StopAfterEpochs    int     `yaml:"stop_after_epochs"`
	ValidationFraction float64 `yaml:"validation_fraction"`
	HiddenUnits        int     `yaml:"hidden_units"`
}

// PosteriorConfig configures the posterior sampling used for evaluation.
type PosteriorConfig struct {
	NumSamples int     `yaml:"num_samples"`
	BurnIn     int     `yaml:"burn_in"`
	Thin       int     `yaml:"thin"`
	StepSize   float64 `yaml:"step_size"`
}

// Default returns the default configuration.
func Default() *Config {
	train := nle.DefaultTrainConfig()
	mcmc := nle.DefaultMCMCConfig()
	return &Config{
		Task:               "two_moons",
		Methods:            []string{string(activelearning.MethodNLE), string(activelearning.MethodEnsembleNLE)},
		NumSims:            []int{100, 200},
		NumRepeats:         1,
		NumEvals:           MaxEvals,
		Acquisition: AcquisitionConfig{
			MCSamples: ensemble.DefaultMonteCarloSamples,
			Score:     ensemble.ScoreMutualInformation.String(),
			Remainder: ensemble.RemainderRoundRobin.String(),
		},
		Training: TrainingConfig{
			Optimizer:          train.Optimizer,
			LearningRate:       train.LearningRate,
			BatchSize:          train.BatchSize,
			MaxEpochs:          train.MaxEpochs,
			StopAfterEpochs:    train.StopAfterEpochs,
			ValidationFraction: train.ValidationFraction,
			HiddenUnits:        train.HiddenUnits,
		},
		Posterior: PosteriorConfig{
			NumSamples: 1000,
			BurnIn:     mcmc.BurnIn,
			Thin:       mcmc.Thin,
			StepSize:   mcmc.StepSize,
		},
	}
}

// Load the configuration from the YAML file at path, on top of Default(), and apply the
// environment variable overrides. The result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %q", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "config file %q", path)
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Parse the YAML configuration in data, on top of Default(). The result is not validated.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	return cfg, nil
}

// ApplyEnvOverrides overrides the configuration with the environment variables ASBI_TASK,
// ASBI_SEED and ASBI_PARALLELISM, if set. Malformed numbers are ignored with a warning.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ASBI_TASK"); v != "" {
		c.Task = v
	}
	if v := os.Getenv("ASBI_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Seed = seed
		} else {
			klog.Warningf("ignoring ASBI_SEED=%q: %v", v, err)
		}
	}
	if v := os.Getenv("ASBI_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Acquisition.Parallelism = n
		} else {
			klog.Warningf("ignoring ASBI_PARALLELISM=%q: %v", v, err)
		}
	}
}

// Validate checks the configuration. NumEvals larger than MaxEvals is clamped, with a warning.
func (c *Config) Validate() error {
	if _, err := tasks.Get(c.Task); err != nil {
		return err
	}
	if len(c.Methods) == 0 {
		return errors.New("no methods configured")
	}
	methods, err := c.ParsedMethods()
	if err != nil {
		return err
	}
	if len(c.NumSims) == 0 {
		return errors.New("n_sims is empty")
	}
	for _, n := range c.NumSims {
		if n < 1 {
			return errors.Errorf("n_sims must be >= 1, got %d", n)
		}
	}
	if c.NumRepeats < 1 {
		return errors.Errorf("n_repeats must be >= 1, got %d", c.NumRepeats)
	}
	if c.NumEvals < 1 {
		return errors.Errorf("n_evals must be >= 1, got %d", c.NumEvals)
	}
	if c.NumEvals > MaxEvals {
		klog.Warningf("n_evals=%d too large, evaluating on %d observations", c.NumEvals, MaxEvals)
		c.NumEvals = MaxEvals
	}
	if c.NumEnsembleMembers != nil && *c.NumEnsembleMembers < 1 {
		return errors.Errorf("n_ensemble_members must be >= 1, got %d", *c.NumEnsembleMembers)
	}
	for _, method := range methods {
		if !method.IsActive() {
			continue
		}
		if c.NumEnsembleMembers == nil {
			return errors.Errorf("method %s requires n_ensemble_members", method)
		}
		if c.PctActive == nil || c.ThetaPoolSize == nil {
			return errors.Errorf("method %s requires pct_active and theta_pool_size", method)
		}
		if *c.PctActive < 0 || *c.PctActive >= 1 {
			return errors.Errorf("pct_active must be in [0, 1), got %g", *c.PctActive)
		}
		if *c.ThetaPoolSize < 1 {
			return errors.Errorf("theta_pool_size must be >= 1, got %d", *c.ThetaPoolSize)
		}
	}
	if c.Acquisition.MCSamples < 1 {
		return errors.Errorf("acquisition.mc_samples must be >= 1, got %d", c.Acquisition.MCSamples)
	}
	if _, err = ensemble.ParseScoreConvention(c.Acquisition.Score); err != nil {
		return errors.WithMessage(err, "acquisition.score")
	}
	if _, err = ensemble.ParseRemainderPolicy(c.Acquisition.Remainder); err != nil {
		return errors.WithMessage(err, "acquisition.remainder")
	}
	if err = c.trainConfig().Validate(); err != nil {
		return errors.WithMessage(err, "training")
	}
	if c.Posterior.NumSamples < 1 {
		return errors.Errorf("posterior.num_samples must be >= 1, got %d", c.Posterior.NumSamples)
	}
	if err = c.mcmcConfig().Validate(); err != nil {
		return errors.WithMessage(err, "posterior")
	}
	return nil
}

// ParsedMethods returns the configured methods.
func (c *Config) ParsedMethods() ([]activelearning.Method, error) {
	methods := make([]activelearning.Method, 0, len(c.Methods))
	for _, name := range c.Methods {
		method, err := activelearning.ParseMethod(name)
		if err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
	return methods, nil
}

// Split the budget nSims of BALD_NLE into the initial simulations drawn from the prior and the
// active ones: active = ⌊nSims·pct_active⌋.
func (c *Config) Split(nSims int) (numInit, numActive int) {
	if c.PctActive == nil {
		return nSims, 0
	}
	numActive = int(float64(nSims) * *c.PctActive)
	return nSims - numActive, numActive
}

func (c *Config) trainConfig() nle.TrainConfig {
	return nle.TrainConfig{
		Optimizer:          c.Training.Optimizer,
		LearningRate:       c.Training.LearningRate,
		BatchSize:          c.Training.BatchSize,
		MaxEpochs:          c.Training.MaxEpochs,
		StopAfterEpochs:    c.Training.StopAfterEpochs,
		ValidationFraction: c.Training.ValidationFraction,
		HiddenUnits:        c.Training.HiddenUnits,
	}
}

func (c *Config) mcmcConfig() nle.MCMCConfig {
	return nle.MCMCConfig{
		BurnIn:         c.Posterior.BurnIn,
		Thin:           c.Posterior.Thin,
		StepSize:       c.Posterior.StepSize,
		InitCandidates: nle.DefaultMCMCConfig().InitCandidates,
	}
}

// DriverConfig returns the configuration of the driver running method with a total budget of
// nSims simulations, on the given repeat. The configuration must be valid.
func (c *Config) DriverConfig(method activelearning.Method, nSims, repeat int) activelearning.Config {
	score, _ := ensemble.ParseScoreConvention(c.Acquisition.Score)
	remainder, _ := ensemble.ParseRemainderPolicy(c.Acquisition.Remainder)
	cfg := activelearning.Config{
		NumMembers:  DefaultEnsembleMembers,
		NumSimsInit: nSims,
		MCSamples:   c.Acquisition.MCSamples,
		Parallelism: c.Acquisition.Parallelism,
		Seed:        c.Seed + uint64(repeat),
		Remainder:   remainder,
		Score:       score,
		Training:    c.trainConfig(),
		MCMC:        c.mcmcConfig(),
	}
	if c.NumEnsembleMembers != nil {
		cfg.NumMembers = *c.NumEnsembleMembers
	}
	if method.IsActive() {
		cfg.NumSimsInit, cfg.NumSimsActive = c.Split(nSims)
		cfg.PoolSize = *c.ThetaPoolSize
	}
	return cfg
}
