// Package backlog owns the task graph and its status state machine.
//
// All reads and writes of task state go through Manager. Status changes are
// compare-and-set: the caller names the status it expects the task to be in,
// and the change is refused if another worker moved the task first.
package backlog

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/manifest"
)

// Manager is the single owner of backlog state
type Manager struct {
	mu     sync.RWMutex
	saveMu sync.Mutex // serializes writers of the temp file
	doc    *manifest.Document
	path   string
	index  map[string]int
	order  map[string]int // declaration position, stable across revisions
	now    func() time.Time
}

// Load reads a manifest and validates its graph. Fails with an error wrapping
// domain.ErrParse or domain.ErrCycle.
func Load(path string) (*Manager, error) {
	doc, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	m, err := newManager(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.path = path
	return m, nil
}

// New builds a manager around an in-memory backlog
func New(b *domain.Backlog) (*Manager, error) {
	b = b.Clone()
	if err := manifest.Validate(b); err != nil {
		return nil, err
	}
	return newManager(&manifest.Document{Backlog: b, Format: manifest.FormatYAML})
}

func newManager(doc *manifest.Document) (*Manager, error) {
	if _, err := TopologicalSort(doc.Backlog.Tasks); err != nil {
		return nil, err
	}
	m := &Manager{
		doc:   doc,
		index: make(map[string]int, len(doc.Backlog.Tasks)),
		order: make(map[string]int, len(doc.Backlog.Tasks)),
		now:   time.Now,
	}
	for i, t := range doc.Backlog.Tasks {
		m.index[t.ID] = i
		m.order[t.ID] = i
	}
	return m, nil
}

// Path returns the manifest path the manager was loaded from
func (m *Manager) Path() string {
	return m.path
}

// Track returns the backlog's track identifier
func (m *Manager) Track() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Backlog.Track
}

// GetReadyTasks returns the tasks that can be dispatched now: status pending
// or ready, every dependency completed. Ordered by fewer attempts, then
// declaration order.
func (m *Manager) GetReadyTasks() []domain.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	completed := m.completedLocked()
	var ready []domain.Task
	for _, t := range m.doc.Backlog.Tasks {
		if t.IsReady(completed) {
			ready = append(ready, t.Clone())
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Attempts != ready[j].Attempts {
			return ready[i].Attempts < ready[j].Attempts
		}
		return m.order[ready[i].ID] < m.order[ready[j].ID]
	})
	return ready
}

func (m *Manager) completedLocked() map[string]bool {
	completed := make(map[string]bool)
	for _, t := range m.doc.Backlog.Tasks {
		if t.Status == domain.StatusCompleted {
			completed[t.ID] = true
		}
	}
	return completed
}

// Transition moves a task from one status to another. It fails with a
// *domain.TransitionError if the task is not currently in from, or if the
// state machine has no from -> to edge.
func (m *Manager) Transition(id string, from, to domain.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.transitionLocked(id, from, to)
	return err
}

func (m *Manager) transitionLocked(id string, from, to domain.TaskStatus) (*domain.Task, error) {
	t, err := m.taskLocked(id)
	if err != nil {
		return nil, err
	}
	if t.Status != from || !domain.CanTransition(from, to) {
		return nil, &domain.TransitionError{TaskID: id, From: from, To: to, Actual: t.Status}
	}
	t.Status = to
	if to != domain.StatusBlocked {
		t.BlockedReason = ""
	}
	m.doc.Backlog.UpdatedAt = m.now().UTC()
	return t, nil
}

func (m *Manager) taskLocked(id string) (*domain.Task, error) {
	i, ok := m.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTask, id)
	}
	return &m.doc.Backlog.Tasks[i], nil
}

// Block moves a task to blocked with a reason
func (m *Manager) Block(id string, from domain.TaskStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transitionLocked(id, from, domain.StatusBlocked)
	if err != nil {
		return err
	}
	t.BlockedReason = reason
	return nil
}

// Unblock releases a blocked task back to pending
func (m *Manager) Unblock(id string) error {
	return m.Transition(id, domain.StatusBlocked, domain.StatusPending)
}

// RecordAttempt increments a task's attempt counter and returns the new value
func (m *Manager) RecordAttempt(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.taskLocked(id)
	if err != nil {
		return 0, err
	}
	t.Attempts++
	m.doc.Backlog.UpdatedAt = m.now().UTC()
	return t.Attempts, nil
}

// Revision is a replacement specification for a failed task
type Revision struct {
	Description string
	Context     domain.ContextBlock
	Scope       domain.ScopeHint
}

// Revise replaces a failed task's specification, bumps its revision and
// returns it to ready. Identity, dependencies, acceptance criteria and the
// attempt counter are kept.
func (m *Manager) Revise(id string, from domain.TaskStatus, rev Revision) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transitionLocked(id, from, domain.StatusReady)
	if err != nil {
		return domain.Task{}, err
	}
	t.Description = rev.Description
	t.Context = domain.ContextBlock{
		Constraints: slices.Clone(rev.Context.Constraints),
		Patterns:    slices.Clone(rev.Context.Patterns),
		Pitfalls:    slices.Clone(rev.Context.Pitfalls),
	}
	t.Scope = domain.ScopeHint{Paths: slices.Clone(rev.Scope.Paths), Effort: rev.Scope.Effort}
	t.Revision++
	return t.Clone(), nil
}

// BlockUnreachable moves schedulable tasks that depend, directly or
// transitively, on an abandoned or blocked task to blocked. Returns the IDs
// that were blocked.
func (m *Manager) BlockUnreachable() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var blocked []string
	for changed := true; changed; {
		changed = false
		for i := range m.doc.Backlog.Tasks {
			t := &m.doc.Backlog.Tasks[i]
			if !t.Status.Schedulable() {
				continue
			}
			for _, dep := range t.DependsOn {
				d := &m.doc.Backlog.Tasks[m.index[dep]]
				if d.Status == domain.StatusAbandoned || d.Status == domain.StatusBlocked {
					t.Status = domain.StatusBlocked
					t.BlockedReason = fmt.Sprintf("dependency %s is %s", dep, d.Status)
					blocked = append(blocked, t.ID)
					changed = true
					break
				}
			}
		}
	}
	if len(blocked) > 0 {
		m.doc.Backlog.UpdatedAt = m.now().UTC()
	}
	return blocked
}

// Task returns a copy of one task
func (m *Manager) Task(id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.taskLocked(id)
	if err != nil {
		return domain.Task{}, err
	}
	return t.Clone(), nil
}

// IDs returns all task IDs in declaration order
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Backlog.IDs()
}

// TasksWithStatus returns copies of every task in status s
func (m *Manager) TasksWithStatus(s domain.TaskStatus) []domain.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Task
	for _, t := range m.doc.Backlog.Tasks {
		if t.Status == s {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Snapshot returns a deep copy of the whole backlog
func (m *Manager) Snapshot() *domain.Backlog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc.Backlog.Clone()
}

// Counts returns the number of tasks per status
func (m *Manager) Counts() map[domain.TaskStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[domain.TaskStatus]int)
	for _, t := range m.doc.Backlog.Tasks {
		counts[t.Status]++
	}
	return counts
}

// Save writes the backlog to path
func (m *Manager) Save(path string) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	doc := &manifest.Document{
		Backlog: m.doc.Backlog.Clone(),
		Format:  manifest.FormatFor(path),
		Body:    slices.Clone(m.doc.Body),
	}
	m.mu.RUnlock()
	return manifest.Save(path, doc)
}

// Persist writes the backlog back to the manifest it was loaded from. It is a
// no-op for in-memory backlogs.
func (m *Manager) Persist() error {
	if m.path == "" {
		return nil
	}
	return m.Save(m.path)
}
