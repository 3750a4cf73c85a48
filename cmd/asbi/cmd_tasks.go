// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/activesbi/pkg/sbi/tasks"
	"github.com/spf13/cobra"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle      = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
)

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the available benchmark tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			table := lgtable.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
				Headers("Task", "θ dim", "x dim", "Description").
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == lgtable.HeaderRow {
						return headerRowStyle
					}
					return cellStyle
				})
			for _, name := range tasks.Names() {
				task, err := tasks.Get(name)
				if err != nil {
					return err
				}
				table.Row(name, fmt.Sprintf("%d", task.ThetaDim()), fmt.Sprintf("%d", task.XDim), task.Description)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), table.String())
			return err
		},
	}
}
