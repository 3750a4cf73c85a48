// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for running experiments on the command line.
package commandline

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/stat"
)

// Result of one experiment: one method run with one simulation budget, on one repeat.
type Result struct {
	Repeat   int
	NumSims  int
	Method   string
	Duration time.Duration

	// Errors holds the distance between the posterior mean and the true parameters,
	// for each evaluation observation.
	Errors []float64
}

// MeanStdError returns the mean and standard deviation of the errors across evaluation observations.
// The standard deviation is NaN with fewer than 2 observations.
func (r Result) MeanStdError() (mean, std float64) {
	return stat.MeanStdDev(r.Errors, nil)
}

var headerStyle = lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)

// SummaryTable renders the results as a table, in the given order.
func SummaryTable(results []Result) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("Repeat", "Simulations", "Method", "Mean error", "Std error", "Duration").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 2:
				return normalStyle
			}
			return rightAlignedStyle
		})
	for _, r := range results {
		mean, std := r.MeanStdError()
		table.Row(
			fmt.Sprintf("%d", r.Repeat),
			humanize.Comma(int64(r.NumSims)),
			r.Method,
			fmt.Sprintf("%.4f", mean),
			fmt.Sprintf("%.4f", std),
			FormatDuration(r.Duration),
		)
	}
	return table.String()
}

// PrintSummary writes the summary table of the results to w.
func PrintSummary(w io.Writer, results []Result) error {
	_, err := fmt.Fprintln(w, SummaryTable(results))
	return err
}
