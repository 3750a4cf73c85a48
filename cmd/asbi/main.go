// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// asbi runs active-learning simulation-based inference experiments: it compares NLE, EnsembleNLE
// and BALD_NLE on benchmark tasks, for a list of simulation budgets.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "asbi",
		Short: "Active-learning simulation-based inference",
		Long: `asbi trains ensembles of neural likelihood estimators on simulations, choosing
where to simulate next with the BALD acquisition, and compares it with
non-active baselines on benchmark tasks.

Examples:
  asbi tasks
  asbi run --config experiment.yaml
  asbi run --config experiment.yaml --task gaussian_linear --methods NLE,BALD_NLE -v=1`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor, _ := cmd.Flags().GetBool("no_color"); noColor {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
		},
	}
	rootCmd.PersistentFlags().Bool("no_color", false, "Disable colors in the output.")

	// klog flags (-v, -logtostderr, etc.).
	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)

	rootCmd.AddCommand(
		newVersionCmd(),
		newTasksCmd(),
		newRunCmd(),
	)
	return rootCmd
}

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("asbi failed: %+v", err)
		klog.Flush()
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "asbi version %s (commit: %s)\n", version, commit)
		},
	}
}
