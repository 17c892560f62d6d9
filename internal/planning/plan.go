package planning

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
)

// Planning roles shipped with the embedded templates
const (
	RoleSpecification = "specification"
	RoleArchitecture  = "architecture"
	RoleRisk          = "risk"
)

// PlannedTask is one task as a single planner sees it. Each role fills a
// different subset of the fields.
type PlannedTask struct {
	ID          string              `yaml:"id"`
	Title       string              `yaml:"title,omitempty"`
	Description string              `yaml:"description,omitempty"`
	Acceptance  []string            `yaml:"acceptance,omitempty"`
	DependsOn   []string            `yaml:"depends_on,omitempty"`
	Scope       domain.ScopeHint    `yaml:"scope,omitempty"`
	Constraints []string            `yaml:"constraints,omitempty"`
	Patterns    []domain.PatternRef `yaml:"patterns,omitempty"`
	Pitfalls    []string            `yaml:"pitfalls,omitempty"`
	Tests       []string            `yaml:"tests,omitempty"`
}

type plannerOutput struct {
	Tasks []PlannedTask `yaml:"tasks"`
}

var fenceRe = regexp.MustCompile("(?s)```(?:ya?ml)?[ \\t]*\\n(.*?)```")

// ParseOutput extracts the task list from a planner's reply. The first fenced
// block is used; a reply without a fence is parsed whole.
func ParseOutput(text string) ([]PlannedTask, error) {
	body := text
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		body = m[1]
	}
	var out plannerOutput
	if err := yaml.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("%w: planner output: %v", domain.ErrParse, err)
	}
	if len(out.Tasks) == 0 {
		return nil, fmt.Errorf("%w: planner output has no tasks", domain.ErrParse)
	}
	return out.Tasks, nil
}

// UnifiedPlan is the merged result of every planning role
type UnifiedPlan struct {
	Tasks     []domain.Task
	Warnings  []string
	Truncated bool // the context document was cut to fit
	Sessions  []string
}

// Merge combines role outputs deterministically. Identity, titles,
// descriptions and acceptance come from the specification; dependencies,
// scope, constraints and patterns from the architecture; pitfalls and test
// acceptance from the risk plan. Unknown dependencies are dropped with a
// warning.
func Merge(outputs map[string][]PlannedTask) *UnifiedPlan {
	plan := &UnifiedPlan{}
	warn := func(format string, args ...any) {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(format, args...))
	}

	byRole := make(map[string]map[string]PlannedTask)
	roles := make([]string, 0, len(outputs))
	for role := range outputs {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		m := make(map[string]PlannedTask)
		for _, t := range outputs[role] {
			t.ID = strings.TrimSpace(t.ID)
			if err := domain.ValidateTaskID(t.ID); err != nil {
				warn("%s plan: dropped task with invalid id %q", role, t.ID)
				continue
			}
			if _, dup := m[t.ID]; dup {
				warn("%s plan: duplicate task %s, keeping the first", role, t.ID)
				continue
			}
			m[t.ID] = t
		}
		byRole[role] = m
	}

	// order: specification ids as given, then everything else sorted
	var order []string
	seen := make(map[string]bool)
	for _, t := range outputs[RoleSpecification] {
		id := strings.TrimSpace(t.ID)
		if _, ok := byRole[RoleSpecification][id]; ok && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	var extra []string
	for _, role := range roles {
		for id := range byRole[role] {
			if !seen[id] {
				seen[id] = true
				extra = append(extra, id)
			}
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		warn("task %s is missing from the specification plan", id)
	}
	order = append(order, extra...)

	known := make(map[string]bool, len(order))
	for _, id := range order {
		known[id] = true
	}
	for _, id := range order {
		spec := byRole[RoleSpecification][id]
		arch := byRole[RoleArchitecture][id]
		risk := byRole[RoleRisk][id]

		t := domain.Task{
			ID:          id,
			Title:       spec.Title,
			Description: spec.Description,
			Acceptance:  slices.Clone(spec.Acceptance),
			Status:      domain.StatusPending,
			DependsOn:   slices.Clone(arch.DependsOn),
			Scope:       arch.Scope,
			Context: domain.ContextBlock{
				Constraints: slices.Clone(arch.Constraints),
				Patterns:    slices.Clone(arch.Patterns),
				Pitfalls:    slices.Clone(risk.Pitfalls),
			},
		}
		if t.Title == "" {
			t.Title = id
		}
		for _, test := range risk.Tests {
			if !slices.Contains(t.Acceptance, test) {
				t.Acceptance = append(t.Acceptance, test)
			}
		}
		t.DependsOn = slices.DeleteFunc(t.DependsOn, func(dep string) bool {
			if dep == id {
				warn("task %s: dropped dependency on itself", id)
				return true
			}
			if !known[dep] {
				warn("task %s: dropped unknown dependency %s", id, dep)
				return true
			}
			return false
		})
		plan.Tasks = append(plan.Tasks, t)
	}
	return plan
}

// Backlog turns the plan into a fresh manifest for track
func (p *UnifiedPlan) Backlog(track string) *domain.Backlog {
	now := time.Now().UTC().Truncate(time.Second)
	b := &domain.Backlog{
		SchemaVersion: domain.SchemaVersion,
		Track:         track,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, t := range p.Tasks {
		b.Tasks = append(b.Tasks, t.Clone())
	}
	return b
}
