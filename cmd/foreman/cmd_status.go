package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"foreman/pkg/workorder"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// newStatusCmd creates "foreman status": batch summaries, queue depth, and
// recent permanent failures.
func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show batches, queue depth, and recent failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			pending, err := st.PendingEventCount(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, headerStyle.Render("Effect queue"))
			fmt.Fprintf(out, "  pending events: %d\n\n", pending)

			batches, err := st.ListBatches(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, headerStyle.Render("Batches"))
			if len(batches) == 0 {
				fmt.Fprintln(out, dimStyle.Render("  (none)"))
			}
			for _, b := range batches {
				o, err := st.CountBatchOutcomes(ctx, b.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %-20s %-10s %s  done=%d failed=%d pending=%d\n",
					b.ID, b.Mode, renderBatchStatus(b.Status), o.Done, o.Failed, o.Other)
			}
			fmt.Fprintln(out)

			failures, err := st.RecentFailedEvents(ctx, 5)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, headerStyle.Render("Recent failed events"))
			if len(failures) == 0 {
				fmt.Fprintln(out, dimStyle.Render("  (none)"))
			}
			for _, ev := range failures {
				fmt.Fprintf(out, "  %s %-20s %s\n",
					failStyle.Render("✗"), ev.Type,
					strings.TrimSpace(truncateDetail(ev.ErrorDetail, 60)))
			}
			return nil
		},
	}
}

// truncateDetail clips s to max runes, never mid-rune, marking the cut.
func truncateDetail(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// renderBatchStatus colors a batch status for terminal output.
func renderBatchStatus(s workorder.BatchStatus) string {
	padded := fmt.Sprintf("%-12s", s)
	switch s {
	case workorder.BatchCompleted:
		return okStyle.Render(padded)
	case workorder.BatchPartial, workorder.BatchInProgress:
		return warnStyle.Render(padded)
	case workorder.BatchFailed:
		return failStyle.Render(padded)
	default:
		return dimStyle.Render(padded)
	}
}
