// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/activesbi/pkg/sbi/acquisition"
	"github.com/gomlx/activesbi/pkg/sbi/activelearning"
	"github.com/gomlx/activesbi/pkg/support/xslices"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hook registered by AttachProgressBar.
const ProgressBarName = "activesbi.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// ProgressBar displays the progress of the active rounds of a driver, with a table of stats of
// the last round above it.
type ProgressBar struct {
	driver    *activelearning.Driver
	numRounds int
	start     time.Time

	writer        io.Writer
	bar           *progressbar.ProgressBar
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	linesPrinted  int

	extraMetricFns []ExtraMetricFn
}

// AttachProgressBar creates a commandline progress bar over the numRounds active rounds of the
// driver, and registers it as an OnRound hook.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
//
// Call ProgressBar.Finish when the driver run returns.
func AttachProgressBar(driver *activelearning.Driver, numRounds int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	return AttachProgressBarTo(driver, numRounds, os.Stdout, extraMetrics...)
}

// AttachProgressBarTo is like AttachProgressBar, but writes to the given writer.
func AttachProgressBarTo(driver *activelearning.Driver, numRounds int, writer io.Writer, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		driver:         driver,
		numRounds:      numRounds,
		start:          time.Now(),
		writer:         writer,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(writer),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		extraMetricFns: extraMetrics,
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.bar = progressbar.NewOptions(max(numRounds, 1),
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rounds"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(writer),
	)
	driver.OnRound(ProgressBarName, pBar.onRound)
	return pBar
}

func (pBar *ProgressBar) onRound(round int, selection *acquisition.Selection) error {
	pBar.statsTable.Data(lgtable.NewStringData())
	pBar.statsTable.Row("Round", fmt.Sprintf("%s of %s", humanize.Comma(int64(round+1)), humanize.Comma(int64(pBar.numRounds))))
	if members := pBar.driver.Members(); len(members) > 0 {
		pBar.statsTable.Row("Simulations", humanize.Comma(int64(members[0].NumSimulations())))
		pBar.statsTable.Row("Validation loss", fmt.Sprintf("%.4f", members[0].ValidationLoss()))
	}
	pBar.statsTable.Row("BALD score", fmt.Sprintf("%.4g", selection.Scores[0]))
	pBar.statsTable.Row("Selected θ", formatVector(selection.Candidates[0]))
	if n := len(pBar.driver.TrainDurations); n > 0 {
		pBar.statsTable.Row("Last training", FormatDuration(pBar.driver.TrainDurations[n-1]))
	}
	pBar.statsTable.Row("Elapsed", FormatDuration(time.Since(pBar.start)))
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		pBar.statsTable.Row(name, value)
	}

	// Clear the previous lines that will be overwritten.
	pBar.termenv.HideCursor()
	if !pBar.isFirstOutput {
		pBar.termenv.CursorPrevLine(pBar.linesPrinted)
	}
	pBar.isFirstOutput = false
	rendered := pBar.statsStyle.Render(pBar.statsTable.String())
	_, _ = fmt.Fprintln(pBar.writer, rendered)
	_ = pBar.bar.Add(1) // Prints progress bar line.
	_, _ = fmt.Fprintln(pBar.writer)
	pBar.linesPrinted = lipgloss.Height(rendered) + 1
	pBar.termenv.ShowCursor()
	return nil
}

// Finish the progress bar, restoring the cursor.
func (pBar *ProgressBar) Finish() {
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.writer)
}

func formatVector(v []float64) string {
	return "[" + strings.Join(xslices.Map(v, func(x float64) string { return fmt.Sprintf("%.3f", x) }), " ") + "]"
}
