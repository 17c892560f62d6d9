package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/scheduler"
)

func testBacklog() *domain.Backlog {
	return &domain.Backlog{
		Track: "auth",
		Tasks: []domain.Task{
			{ID: "auth.login", Title: "Login", Status: domain.StatusCompleted},
			{ID: "auth.logout", Title: "Logout", Status: domain.StatusPending},
		},
	}
}

func TestNewModel(t *testing.T) {
	model := NewModel(ModelConfig{MaxActive: 3, Backlog: testBacklog()})

	if model.maxActive != 3 {
		t.Errorf("maxActive = %d, want 3", model.maxActive)
	}
	if len(model.tasks) != 2 {
		t.Errorf("tasks count = %d, want 2", len(model.tasks))
	}
	if model.track != "auth" {
		t.Errorf("track = %q, want auth", model.track)
	}
	if model.activeTab != TabDashboard {
		t.Errorf("activeTab = %d, want 0", model.activeTab)
	}
}

func TestModel_TabSwitching(t *testing.T) {
	model := NewModel(ModelConfig{MaxActive: 3})
	model.width = 100
	model.height = 40

	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyTab})
	model = newModel.(Model)
	if model.activeTab != TabTasks {
		t.Errorf("after first tab: activeTab = %d, want %d", model.activeTab, TabTasks)
	}

	for i := 0; i < tabCount-1; i++ {
		newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyTab})
		model = newModel.(Model)
	}
	if model.activeTab != TabDashboard {
		t.Errorf("after wrap: activeTab = %d, want 0", model.activeTab)
	}

	newModel, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("e")})
	model = newModel.(Model)
	if model.activeTab != TabEvents {
		t.Errorf("after e: activeTab = %d, want %d", model.activeTab, TabEvents)
	}
}

func TestModel_QuitKey(t *testing.T) {
	model := NewModel(ModelConfig{})
	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestModel_AppliesPoolEvents(t *testing.T) {
	b := testBacklog()
	refreshes := 0
	model := NewModel(ModelConfig{
		MaxActive: 2,
		Backlog:   b,
		Refresh: func() *domain.Backlog {
			refreshes++
			c := b.Clone()
			c.Tasks[1].Status = domain.StatusCompleted
			return c
		},
	})

	send := func(e scheduler.Event) {
		newModel, _ := model.Update(EventMsg(e))
		model = newModel.(Model)
	}

	send(scheduler.Event{Type: scheduler.EventTaskStarted, TaskID: "auth.logout", Attempt: 1, At: time.Now()})
	if model.Active() != 1 {
		t.Fatalf("Active = %d, want 1", model.Active())
	}

	send(scheduler.Event{Type: scheduler.EventDrift, TaskID: "auth.logout", Message: "size grew"})
	if model.drifts != 1 || !model.running["auth.logout"].Drift {
		t.Error("drift alert not applied to the running task")
	}

	send(scheduler.Event{Type: scheduler.EventTaskFinished, TaskID: "auth.logout", Kind: "passed"})
	if model.Active() != 0 {
		t.Errorf("Active = %d, want 0", model.Active())
	}
	if refreshes != 1 || model.tasks[1].Status != domain.StatusCompleted {
		t.Errorf("task completion should refresh the backlog (refreshes=%d)", refreshes)
	}

	send(scheduler.Event{Type: scheduler.EventHalted, Message: "toolchain broken"})
	if model.halted != "toolchain broken" {
		t.Errorf("halted = %q", model.halted)
	}
	if len(model.events) != 4 {
		t.Errorf("events = %d, want 4", len(model.events))
	}
}

func TestModel_EventLogIsBounded(t *testing.T) {
	model := NewModel(ModelConfig{})
	for i := 0; i < maxEvents+10; i++ {
		model.apply(scheduler.Event{Type: scheduler.EventDecision, TaskID: "auth.login"})
	}
	if len(model.events) != maxEvents {
		t.Errorf("events = %d, want %d", len(model.events), maxEvents)
	}
}

func TestModel_View(t *testing.T) {
	model := NewModel(ModelConfig{MaxActive: 3, Backlog: testBacklog()})
	if got := model.View(); got != "Loading..." {
		t.Errorf("View before size = %q", got)
	}

	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model = newModel.(Model)
	model.apply(scheduler.Event{Type: scheduler.EventTaskStarted, TaskID: "auth.logout", Attempt: 2, At: time.Now()})

	view := model.View()
	for _, want := range []string{"auth", "Active: 1/3", "RUNNING (1)", "auth.logout", "attempt 2"} {
		if !strings.Contains(view, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}

	model.activeTab = TabTasks
	view = model.View()
	if !strings.Contains(view, "Login") || !strings.Contains(view, "TASKS (2)") {
		t.Error("tasks tab should list tasks")
	}
}
