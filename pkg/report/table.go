package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var cellStyle = lipgloss.NewStyle().PaddingRight(2)

// Tabulate writes rows as borderless, left-aligned columns under headers.
func Tabulate(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return cellStyle.Bold(true)
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(w, t.String())
}

// Table renders a compact listing of runs for the history command.
func Table(w io.Writer, runs []*RunReport) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		result := "ok"
		switch {
		case r.Error != "":
			result = "aborted"
		case len(r.Failed) > 0:
			result = "failed"
		case r.Cancelled:
			result = "cancelled"
		case r.DryRun:
			result = "plan"
		}
		counts := []string{
			fmt.Sprintf("%d applied", len(r.Applied)),
			fmt.Sprintf("%d failed", len(r.Failed)),
			fmt.Sprintf("%d skipped", len(r.Skipped)),
		}
		rows = append(rows, []string{
			r.RunID, r.StartedAt.Format(time.DateTime), result, strings.Join(counts, ", "),
		})
	}
	Tabulate(w, []string{"RUN", "STARTED", "RESULT", "TASKS"}, rows)
}
