package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	appliedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "42"})
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "136", Dark: "214"})
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "160", Dark: "203"}).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Summarize writes the end-of-run summary: counts, every task that did not
// simply succeed with its reason, and the snapshots created. Styling is
// applied only when color is true.
func Summarize(w io.Writer, r *RunReport, color bool) {
	style := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	title := "Run summary"
	if r.DryRun {
		title = "Plan summary"
	}
	fmt.Fprintf(w, "%s %s\n", style(titleStyle, title), style(mutedStyle, r.RunID))

	if r.Error != "" {
		fmt.Fprintf(w, "  %s %s\n", style(failedStyle, "aborted:"), r.Error)
		return
	}

	attempts := r.Sorted()
	if r.DryRun {
		pending := 0
		for _, a := range attempts {
			if a.Outcome == "" && a.State == StateSucceeded && a.Changes != "" {
				pending++
			}
		}
		fmt.Fprintf(w, "  %d tasks, %d with pending changes\n", len(attempts), pending)
	} else {
		fmt.Fprintf(w, "  %s  %s  %s  %s\n",
			style(appliedStyle, fmt.Sprintf("%d applied", len(r.Applied))),
			fmt.Sprintf("%d unchanged", len(r.Unchanged)),
			style(skippedStyle, fmt.Sprintf("%d skipped", len(r.Skipped))),
			style(failedStyle, fmt.Sprintf("%d failed", len(r.Failed))),
		)
	}

	for _, a := range attempts {
		var label string
		switch a.State {
		case StateFailed:
			label = style(failedStyle, "failed ")
		case StateSkipped:
			label = style(skippedStyle, "skipped")
		default:
			continue
		}
		line := fmt.Sprintf("  %s %s: %s", label, display(a.ID, a.Name), a.Reason)
		if a.RolledBack {
			line += style(mutedStyle, " (rolled back)")
		}
		if len(a.Blocks) > 0 {
			line += style(mutedStyle, " (blocks "+strings.Join(a.Blocks, ", ")+")")
		}
		fmt.Fprintln(w, line)
	}

	if len(r.Snapshots) > 0 {
		fmt.Fprintln(w, style(titleStyle, "Snapshots"))
		for _, s := range r.Snapshots {
			fmt.Fprintf(w, "  %s %s\n", s.Path, style(mutedStyle, "<- "+s.Source))
		}
	}

	if r.Cancelled {
		fmt.Fprintln(w, style(skippedStyle, "Run was cancelled before all tasks ran."))
	}
	fmt.Fprintln(w, style(mutedStyle, "Finished in "+r.Duration().Round(time.Millisecond).String()))
}
