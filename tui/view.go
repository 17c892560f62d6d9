package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/scheduler"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

var statusStyles = map[domain.TaskStatus]lipgloss.Style{
	domain.StatusCompleted:  runningStyle,
	domain.StatusInProgress: warningStyle,
	domain.StatusReview:     warningStyle,
	domain.StatusFailed:     errorStyle,
	domain.StatusAbandoned:  errorStyle,
	domain.StatusBlocked:    dimmedStyle,
	domain.StatusPending:    tabInactiveStyle,
	domain.StatusReady:      tabInactiveStyle,
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	counts := m.counts()
	header := fmt.Sprintf(" backlog-orch │ %s │ Active: %d/%d │ Completed: %d/%d │ Drift alerts: %d ",
		m.track, m.Active(), m.maxActive, counts[domain.StatusCompleted], len(m.tasks), m.drifts)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	width := m.width - 2
	switch m.activeTab {
	case TabDashboard:
		b.WriteString(sectionStyle.Width(width).Render(m.renderRunning()))
		b.WriteString("\n")
		b.WriteString(sectionStyle.Width(width).Render(m.renderCounts(counts)))
		b.WriteString("\n")
		b.WriteString(sectionStyle.Width(width).Render(m.renderEvents(8)))
		b.WriteString("\n")
	case TabTasks:
		b.WriteString(sectionStyle.Width(width).Render(m.renderTasks()))
		b.WriteString("\n")
	case TabEvents:
		b.WriteString(sectionStyle.Width(width).Render(m.renderEvents(m.visibleRows())))
		b.WriteString("\n")
	}

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) counts() map[domain.TaskStatus]int {
	c := make(map[domain.TaskStatus]int)
	for _, t := range m.tasks {
		c[t.Status]++
	}
	return c
}

func (m Model) visibleRows() int {
	if m.height <= 10 {
		return 10
	}
	return m.height - 8
}

func (m Model) renderTabs() string {
	names := []string{"Dashboard", "Tasks", "Events"}
	parts := make([]string, len(names))
	for i, n := range names {
		if i == m.activeTab {
			parts[i] = tabActiveStyle.Render(n)
		} else {
			parts[i] = tabInactiveStyle.Render(n)
		}
	}
	return " " + strings.Join(parts, "  ")
}

func (m Model) renderRunning() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("RUNNING (%d)", m.Active())))
	b.WriteString("\n")
	if len(m.running) == 0 {
		b.WriteString(dimmedStyle.Render("  idle"))
		return b.String()
	}

	views := make([]*RunningView, 0, len(m.running))
	for _, r := range m.running {
		views = append(views, r)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Started.Before(views[j].Started) })

	for _, r := range views {
		line := fmt.Sprintf("  %-32s attempt %d  started %s", r.TaskID, r.Attempt, humanize.RelTime(r.Started, m.now(), "ago", "from now"))
		if r.Drift {
			b.WriteString(warningStyle.Render(line + "  drift"))
		} else {
			b.WriteString(runningStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderCounts(counts map[domain.TaskStatus]int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("BACKLOG"))
	b.WriteString("\n ")
	for _, s := range domain.AllStatuses() {
		style, ok := statusStyles[s]
		if !ok {
			style = tabInactiveStyle
		}
		b.WriteString(style.Render(fmt.Sprintf(" %s %s", humanize.Comma(int64(counts[s])), s)))
	}
	return b.String()
}

func (m Model) renderTasks() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("TASKS (%d)", len(m.tasks))))
	b.WriteString("\n")

	rows := m.visibleRows()
	end := m.taskScroll + rows
	if end > len(m.tasks) {
		end = len(m.tasks)
	}
	for _, t := range m.tasks[m.taskScroll:end] {
		style, ok := statusStyles[t.Status]
		if !ok {
			style = tabInactiveStyle
		}
		line := fmt.Sprintf("  %-12s %-32s %s", t.Status, t.ID, t.Title)
		if t.Attempts > 0 {
			line += fmt.Sprintf("  (%d attempts, rev %d)", t.Attempts, t.Revision)
		}
		if t.BlockedReason != "" {
			line += "  " + t.BlockedReason
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderEvents(limit int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("EVENTS"))
	b.WriteString("\n")

	events := m.events
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	for _, e := range events {
		line := fmt.Sprintf("  %s  %-14s %s", e.At.Format("15:04:05"), e.Type, e.TaskID)
		if e.Kind != "" {
			line += " " + e.Kind
		}
		if e.Message != "" {
			line += "  " + e.Message
		}
		switch e.Type {
		case scheduler.EventHalted, scheduler.EventSessionLeak:
			b.WriteString(errorStyle.Render(line))
		case scheduler.EventDrift, scheduler.EventDecision:
			b.WriteString(warningStyle.Render(line))
		default:
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderStatusBar() string {
	status := " [tab] switch  [j/k] scroll  [r] refresh  [q] quit"
	switch {
	case m.halted != "":
		status = " HALTED: " + m.halted
	case m.finished != "":
		status = " Finished: " + m.finished + "  [q] quit"
	}
	if m.leaks > 0 {
		status += fmt.Sprintf("  │ %d leaked sessions", m.leaks)
	}
	return statusBarStyle.Width(m.width).Render(status)
}
