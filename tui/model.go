// Package tui renders a live dashboard of a pool run.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/scheduler"
)

const maxEvents = 200

// Tabs
const (
	TabDashboard = iota
	TabTasks
	TabEvents
	tabCount
)

// Model is the TUI application model
type Model struct {
	// Data
	track   string
	tasks   []domain.Task
	running map[string]*RunningView
	events  []scheduler.Event
	refresh func() *domain.Backlog

	// Stats
	maxActive int
	drifts    int
	leaks     int
	halted    string
	finished  string

	// UI state
	width      int
	height     int
	activeTab  int
	taskScroll int
	now        func() time.Time

	lastRefresh time.Time
}

// RunningView is an attempt in flight
type RunningView struct {
	TaskID  string
	Attempt int
	Started time.Time
	Drift   bool
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	MaxActive int
	Backlog   *domain.Backlog
	// Refresh returns the current backlog; called on every tick and task
	// completion
	Refresh func() *domain.Backlog
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	m := Model{
		maxActive: cfg.MaxActive,
		running:   make(map[string]*RunningView),
		refresh:   cfg.Refresh,
		now:       time.Now,
	}
	if cfg.Backlog != nil {
		m.track = cfg.Backlog.Track
		m.tasks = cfg.Backlog.Tasks
	}
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg triggers a refresh
type TickMsg time.Time

// EventMsg carries a pool event into the program
type EventMsg scheduler.Event

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// Forward returns a pool event handler that feeds p. It blocks until the
// program takes the message or has exited.
func Forward(p *tea.Program) scheduler.EventHandler {
	return func(e scheduler.Event) {
		p.Send(EventMsg(e))
	}
}

// Active returns the number of attempts in flight
func (m Model) Active() int {
	return len(m.running)
}
