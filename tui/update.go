package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/backlog-orch/internal/scheduler"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.reload()
		case "j", "down":
			if m.activeTab == TabTasks && m.taskScroll < len(m.tasks)-1 {
				m.taskScroll++
			}
		case "k", "up":
			if m.activeTab == TabTasks && m.taskScroll > 0 {
				m.taskScroll--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.taskScroll = 0
		case "t":
			m.activeTab = TabTasks
			m.taskScroll = 0
		case "e":
			m.activeTab = TabEvents
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.reload()
		return m, tickCmd()

	case EventMsg:
		m.apply(scheduler.Event(msg))
	}

	return m, nil
}

// apply folds one pool event into the model
func (m *Model) apply(e scheduler.Event) {
	if e.At.IsZero() {
		e.At = m.now()
	}
	m.events = append(m.events, e)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}

	switch e.Type {
	case scheduler.EventRunStarted:
		m.halted = ""
		m.finished = ""
	case scheduler.EventTaskStarted:
		m.running[e.TaskID] = &RunningView{TaskID: e.TaskID, Attempt: e.Attempt, Started: e.At}
	case scheduler.EventDrift:
		m.drifts++
		if r, ok := m.running[e.TaskID]; ok {
			r.Drift = true
		}
	case scheduler.EventSessionLeak:
		m.leaks++
	case scheduler.EventTaskFinished:
		delete(m.running, e.TaskID)
		m.reload()
	case scheduler.EventHalted:
		m.halted = e.Message
	case scheduler.EventRunFinished:
		m.finished = e.Message
		m.reload()
	}
}

func (m *Model) reload() {
	if m.refresh == nil {
		return
	}
	if b := m.refresh(); b != nil {
		m.track = b.Track
		m.tasks = b.Tasks
		m.lastRefresh = m.now()
	}
}
