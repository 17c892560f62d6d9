package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/scheduler"
)

// reporter prints one line per pool event
type reporter struct {
	mu  sync.Mutex
	out io.Writer
}

func (r *reporter) handle(e scheduler.Event) {
	var line string
	switch e.Type {
	case scheduler.EventRunStarted:
		line = color.CyanString("▶ run started (%s)", e.Message)
	case scheduler.EventTaskStarted:
		line = fmt.Sprintf("  %s %s (attempt %d)", color.BlueString("→"), e.TaskID, e.Attempt)
	case scheduler.EventTaskFinished:
		if e.Kind == string(domain.OutcomePassed) {
			line = fmt.Sprintf("  %s %s", color.GreenString("✓"), e.TaskID)
		} else {
			line = fmt.Sprintf("  %s %s %s", color.RedString("✗"), e.TaskID, color.RedString(e.Kind))
			if e.Message != "" {
				line += ": " + e.Message
			}
		}
	case scheduler.EventDecision:
		line = fmt.Sprintf("    %s %s: %s", color.YellowString("↻"), e.TaskID, color.YellowString(e.Kind))
		if e.Message != "" {
			line += " (" + e.Message + ")"
		}
	case scheduler.EventDrift:
		line = fmt.Sprintf("  %s drift in %s: %s", color.YellowString("⚠"), e.TaskID, e.Message)
	case scheduler.EventSessionLeak:
		line = color.RedString("  ⊥ session leak in %s: %s", e.TaskID, e.Message)
	case scheduler.EventHalted:
		line = color.RedString("■ halted: %s", e.Message)
	case scheduler.EventRunFinished:
		line = color.CyanString("■ run finished: %s", e.Message)
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, line)
}

func printSummary(w io.Writer, s *scheduler.Summary) {
	fmt.Fprintf(w, "\n%s in %s, max %d in flight\n", color.New(color.Bold).Sprint("Summary"), s.Duration.Round(1e9), s.MaxInFlight)
	for _, st := range domain.AllStatuses() {
		if n := s.Counts[st]; n > 0 {
			fmt.Fprintf(w, "  %-12s %s\n", st, humanize.Comma(int64(n)))
		}
	}
	if len(s.Resumed) > 0 {
		fmt.Fprintf(w, "  resumed: %v\n", s.Resumed)
	}
	if len(s.Blocked) > 0 {
		fmt.Fprintf(w, "  %s %v\n", color.YellowString("unreachable:"), s.Blocked)
	}
	for _, leak := range s.Leaks {
		fmt.Fprintf(w, "  %s %v\n", color.RedString("leak:"), leak)
	}
}

func statusColor(s domain.TaskStatus) func(format string, a ...interface{}) string {
	switch s {
	case domain.StatusCompleted:
		return color.GreenString
	case domain.StatusFailed, domain.StatusAbandoned:
		return color.RedString
	case domain.StatusInProgress, domain.StatusReview:
		return color.YellowString
	case domain.StatusBlocked:
		return color.MagentaString
	}
	return fmt.Sprintf
}
