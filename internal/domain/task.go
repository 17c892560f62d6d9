package domain

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
)

// SchemaVersion is the manifest schema written by this version
const SchemaVersion = 1

var (
	taskIDRegex    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	lineRangeRegex = regexp.MustCompile(`^(\d+)(?:-(\d+))?$`)
)

// ValidateTaskID checks that s can be used as a task identifier. An id needs
// at least one letter so it cannot be confused with a number in task text.
func ValidateTaskID(s string) error {
	if !taskIDRegex.MatchString(s) {
		return fmt.Errorf("invalid task ID %q", s)
	}
	if !strings.ContainsFunc(s, unicode.IsLetter) {
		return fmt.Errorf("invalid task ID %q: needs a letter", s)
	}
	return nil
}

// PatternRef points at existing code by location instead of copying it
type PatternRef struct {
	Path        string `yaml:"path" json:"path"`
	Lines       string `yaml:"lines" json:"lines"`
	Description string `yaml:"description" json:"description"`
}

// String renders the reference as "path:lines description"
func (p PatternRef) String() string {
	return fmt.Sprintf("%s:%s %s", p.Path, p.Lines, p.Description)
}

// LineRange parses Lines ("12" or "12-40")
func (p PatternRef) LineRange() (start, end int, err error) {
	m := lineRangeRegex.FindStringSubmatch(strings.TrimSpace(p.Lines))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid line range %q", p.Lines)
	}
	start, _ = strconv.Atoi(m[1])
	end = start
	if m[2] != "" {
		end, _ = strconv.Atoi(m[2])
	}
	if start == 0 || end < start {
		return 0, 0, fmt.Errorf("invalid line range %q", p.Lines)
	}
	return start, end, nil
}

// ScopeHint describes where a task is expected to make changes
type ScopeHint struct {
	Paths  []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Effort string   `yaml:"effort,omitempty" json:"effort,omitempty"`
}

// Contains reports whether path matches one of the scope globs. An empty
// scope contains everything.
func (s ScopeHint) Contains(path string) bool {
	if len(s.Paths) == 0 {
		return true
	}
	for _, pattern := range s.Paths {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(path, pattern) {
			return true
		}
	}
	return false
}

// ContextBlock is the bounded guidance shipped to a worker with the task
type ContextBlock struct {
	Constraints []string     `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Patterns    []PatternRef `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Pitfalls    []string     `yaml:"pitfalls,omitempty" json:"pitfalls,omitempty"`
}

// Task represents a unit of delegated work
type Task struct {
	ID            string       `yaml:"id" json:"id"`
	Title         string       `yaml:"title" json:"title"`
	Description   string       `yaml:"description,omitempty" json:"description,omitempty"`
	Acceptance    []string     `yaml:"acceptance,omitempty" json:"acceptance,omitempty"`
	Status        TaskStatus   `yaml:"status" json:"status"`
	DependsOn     []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Attempts      int          `yaml:"attempts,omitempty" json:"attempts"`
	Revision      int          `yaml:"revision,omitempty" json:"revision"`
	Scope         ScopeHint    `yaml:"scope,omitempty" json:"scope"`
	Context       ContextBlock `yaml:"context,omitempty" json:"context"`
	BlockedReason string       `yaml:"blocked_reason,omitempty" json:"blocked_reason,omitempty"`
}

// IsReady returns true if the task is schedulable and all dependencies are in
// the completed set
func (t *Task) IsReady(completed map[string]bool) bool {
	if !t.Status.Schedulable() {
		return false
	}
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy
func (t Task) Clone() Task {
	c := t
	c.Acceptance = slices.Clone(t.Acceptance)
	c.DependsOn = slices.Clone(t.DependsOn)
	c.Scope.Paths = slices.Clone(t.Scope.Paths)
	c.Context.Constraints = slices.Clone(t.Context.Constraints)
	c.Context.Patterns = slices.Clone(t.Context.Patterns)
	c.Context.Pitfalls = slices.Clone(t.Context.Pitfalls)
	return c
}

// Backlog is the task graph of one track plus metadata
type Backlog struct {
	SchemaVersion int       `yaml:"schema_version" json:"schema_version"`
	Track         string    `yaml:"track" json:"track"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt     time.Time `yaml:"updated_at" json:"updated_at"`
	Tasks         []Task    `yaml:"tasks" json:"tasks"`
}

// Clone returns a deep copy
func (b *Backlog) Clone() *Backlog {
	c := *b
	c.Tasks = make([]Task, len(b.Tasks))
	for i, t := range b.Tasks {
		c.Tasks[i] = t.Clone()
	}
	return &c
}

// IDs returns task IDs in declaration order
func (b *Backlog) IDs() []string {
	ids := make([]string, len(b.Tasks))
	for i, t := range b.Tasks {
		ids[i] = t.ID
	}
	return ids
}
