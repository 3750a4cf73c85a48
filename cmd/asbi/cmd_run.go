// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/gomlx/activesbi/pkg/sbi/activelearning"
	"github.com/gomlx/activesbi/pkg/sbi/config"
	"github.com/gomlx/activesbi/pkg/sbi/tasks"
	"github.com/gomlx/activesbi/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the experiments of a configuration file",
		Long: `Run every configured method, for every simulation budget in n_sims, n_repeats times.
Each resulting posterior is evaluated on n_evals observations of the task, by the distance
between the posterior mean and the true parameters. A summary table is printed at the end.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			progress, _ := cmd.Flags().GetBool("progress")
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			results, err := runExperiments(ctx, cfg, cmd.OutOrStdout(), progress)
			if len(results) > 0 {
				if printErr := commandline.PrintSummary(cmd.OutOrStdout(), results); printErr != nil && err == nil {
					err = printErr
				}
			}
			return err
		},
	}
	cmd.Flags().String("config", "", "YAML configuration file of the experiments. If empty, the default configuration is used.")
	cmd.Flags().String("task", "", "Overrides the task of the configuration.")
	cmd.Flags().Uint64("seed", 0, "Overrides the seed of the configuration.")
	cmd.Flags().StringSlice("methods", nil, "Overrides the methods of the configuration, e.g. NLE,BALD_NLE.")
	cmd.Flags().Bool("progress", true, "Display a progress bar over the active rounds.")
	return cmd
}

// loadRunConfig loads the configuration file, applies the command line overrides and validates it.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}
	if task, _ := cmd.Flags().GetString("task"); task != "" {
		cfg.Task = task
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed, _ = cmd.Flags().GetUint64("seed")
	}
	if methods, _ := cmd.Flags().GetStringSlice("methods"); len(methods) > 0 {
		cfg.Methods = methods
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	return cfg, nil
}

// runExperiments runs all the experiments of the configuration, in order: repeats, then
// simulation budgets, then methods. It returns the results of the experiments completed,
// even in case of error.
func runExperiments(ctx context.Context, cfg *config.Config, out io.Writer, progress bool) ([]commandline.Result, error) {
	runID := uuid.New()
	task, err := tasks.Get(cfg.Task)
	if err != nil {
		return nil, err
	}
	methods, err := cfg.ParsedMethods()
	if err != nil {
		return nil, err
	}
	klog.Infof("[run %s] task %q, methods %v, budgets %v, %d repeats", runID, cfg.Task, methods, cfg.NumSims, cfg.NumRepeats)

	var results []commandline.Result
	for repeat := range cfg.NumRepeats {
		for _, nSims := range cfg.NumSims {
			for _, method := range methods {
				driverCfg := cfg.DriverConfig(method, nSims, repeat)
				driver := activelearning.NewDriver(task, driverCfg)
				var pBar *commandline.ProgressBar
				if progress && method.IsActive() && driverCfg.NumSimsActive > 0 {
					pBar = commandline.AttachProgressBarTo(driver, driverCfg.NumSimsActive, out)
				}
				klog.V(1).Infof("[run %s] repeat %d, %d simulations, method %s", runID, repeat, nSims, method)
				start := time.Now()
				posterior, err := driver.Run(ctx, method)
				if pBar != nil {
					pBar.Finish()
				}
				if err != nil {
					return results, errors.WithMessagef(err, "repeat %d, %d simulations, method %s", repeat, nSims, method)
				}
				distances, err := activelearning.Evaluate(ctx, task, posterior, cfg.NumEvals, cfg.Posterior.NumSamples, driverCfg.Seed)
				if err != nil {
					return results, errors.WithMessagef(err, "evaluating repeat %d, %d simulations, method %s", repeat, nSims, method)
				}
				result := commandline.Result{
					Repeat:   repeat,
					NumSims:  nSims,
					Method:   string(method),
					Duration: time.Since(start),
					Errors:   distances,
				}
				mean, std := result.MeanStdError()
				klog.Infof("[run %s] repeat %d, %d simulations, %s: posterior mean error %.4f ± %.4f (%s)",
					runID, repeat, nSims, method, mean, std, commandline.FormatDuration(result.Duration))
				results = append(results, result)
			}
		}
	}
	return results, nil
}
