// Package output provides terminal output utilities for shipctl.
//
// This package includes:
//   - Table rendering for releases, deploy history and host runs
//   - A progress bar for provision and teardown plans
//   - A spinner for the stages of a deploy
//
// Tables use plain ASCII columns with ANSI colour for statuses when stdout
// is a terminal and NO_COLOR is unset.
package output

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/blackwell-systems/shipctl/internal/store"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// IsColorEnabled returns true if ANSI color codes should be emitted.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

// ReleaseRow is one line of the releases table.
type ReleaseRow struct {
	ID       string
	Created  time.Time
	Current  bool
	EnvReady bool
	Status   string // last recorded deploy status, "" when unknown
}

// RenderReleaseTable renders releases oldest first with the current one
// marked.
func RenderReleaseTable(rows []ReleaseRow) string {
	if len(rows) == 0 {
		return "No releases found.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %-24s %-16s %-5s %s\n", "Release", "Created", "Env", "Status"))
	sb.WriteString(strings.Repeat("─", 62))
	sb.WriteString("\n")

	for _, r := range rows {
		marker := " "
		if r.Current {
			marker = "*"
		}
		env := "no"
		if r.EnvReady {
			env = "yes"
		}
		status := r.Status
		if status == "" {
			status = "-"
		}
		sb.WriteString(fmt.Sprintf("%s %-24s %-16s %-5s %s\n",
			marker,
			r.ID,
			formatRelativeTime(r.Created),
			env,
			colorize(statusColor(r.Status), status)))
	}
	return sb.String()
}

// RenderDeployTable renders deploy and rollback runs in the order given.
func RenderDeployTable(runs []*store.Deploy) string {
	if len(runs) == 0 {
		return "No deploys recorded.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-9s %-24s %-16s %-9s %-10s %s\n",
		"Kind", "Release", "Started", "Duration", "Status", "Detail"))
	sb.WriteString(strings.Repeat("─", 90))
	sb.WriteString("\n")

	for _, d := range runs {
		duration := "-"
		if d.FinishedAt != nil {
			duration = formatDuration(d.FinishedAt.Sub(d.StartedAt))
		}
		detail := d.Error
		if detail == "" && d.Status == store.StatusRunning {
			detail = "at " + d.Stage
		}
		release := d.ReleaseID
		if release == "" {
			release = "-"
		}
		sb.WriteString(fmt.Sprintf("%-9s %-24s %-16s %-9s %-10s %s\n",
			d.Kind,
			release,
			formatRelativeTime(d.StartedAt),
			duration,
			colorize(statusColor(d.Status), d.Status),
			truncate(firstLine(detail), 40)))
	}
	return sb.String()
}

// RenderHostRunTable renders provision and teardown runs.
func RenderHostRunTable(runs []*store.HostRun) string {
	if len(runs) == 0 {
		return "No provision or teardown runs recorded.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-10s %-16s %-8s %-8s %s\n", "Action", "When", "Changes", "Status", "Detail"))
	sb.WriteString(strings.Repeat("─", 70))
	sb.WriteString("\n")

	for _, r := range runs {
		changes := fmt.Sprintf("%d", r.Changes)
		if r.DryRun {
			changes += " (dry)"
		}
		sb.WriteString(fmt.Sprintf("%-10s %-16s %-8s %-8s %s\n",
			r.Action,
			formatRelativeTime(r.CreatedAt),
			changes,
			colorize(statusColor(r.Status), r.Status),
			truncate(firstLine(r.Error), 30)))
	}
	return sb.String()
}

// RenderPlan lists the steps of a provision or teardown plan.
func RenderPlan(steps []string) string {
	if len(steps) == 0 {
		return "Nothing to do.\n"
	}
	var sb strings.Builder
	for i, s := range steps {
		sb.WriteString(fmt.Sprintf("  %2d. %s\n", i+1, s))
	}
	return sb.String()
}

func statusColor(status string) string {
	switch status {
	case store.StatusHealthy, store.StatusOK:
		return colorGreen
	case store.StatusRunning:
		return colorYellow
	case store.StatusUnhealthy, store.StatusFailed:
		return colorRed
	default:
		return colorGray
	}
}

// formatRelativeTime converts a timestamp to relative time (e.g., "2 days ago").
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour")
	case diff < 30*24*time.Hour:
		return plural(int(diff.Hours()/24), "day")
	case diff < 365*24*time.Hour:
		return plural(int(diff.Hours()/24/30), "month")
	default:
		return plural(int(diff.Hours()/24/365), "year")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}

// formatDuration rounds d for display: 850ms, 12.3s, 4m05s.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
