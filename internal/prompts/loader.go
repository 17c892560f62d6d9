package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	PayloadTemplate = "task/payload.md"
	planningDir     = "planning"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for planning templates.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Order       int    `yaml:"order"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .backlog-orch/prompts/
// 2. User config: ~/.config/backlog-orch/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".backlog-orch", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "backlog-orch", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "task/payload.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	tmpl, err := template.New(name).Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(name string, data interface{}) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}

	return buf.String(), nil
}

// PayloadData holds template variables for a worker payload.
type PayloadData struct {
	ID          string
	Title       string
	Revision    int
	Description string
	Acceptance  []string
	Constraints []string
	Patterns    []domain.PatternRef
	Pitfalls    []string
	ScopePaths  []string
}

// PayloadDataFor copies the payload fields of a task
func PayloadDataFor(t domain.Task) PayloadData {
	return PayloadData{
		ID:          t.ID,
		Title:       t.Title,
		Revision:    t.Revision,
		Description: t.Description,
		Acceptance:  t.Acceptance,
		Constraints: t.Context.Constraints,
		Patterns:    t.Context.Patterns,
		Pitfalls:    t.Context.Pitfalls,
		ScopePaths:  t.Scope.Paths,
	}
}

// BuildPayload renders the worker payload for a task.
func (l *Loader) BuildPayload(data PayloadData) (string, error) {
	return l.Execute(PayloadTemplate, data)
}

// PlanningData holds template variables for planning prompts.
type PlanningData struct {
	Context string
}

// PlanningTemplate is one planning role
type PlanningTemplate struct {
	Path string
	Meta TemplateMeta
}

// ListPlanningTemplates returns the planning roles ordered by their order
// field. Override directories may add roles next to the embedded ones.
func (l *Loader) ListPlanningTemplates() ([]PlanningTemplate, error) {
	names := make(map[string]bool)
	entries, err := fs.ReadDir(embeddedFS, planningDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		names[e.Name()] = true
	}
	for _, dir := range l.overrideDirs {
		extra, err := os.ReadDir(filepath.Join(dir, planningDir))
		if err != nil {
			continue
		}
		for _, e := range extra {
			names[e.Name()] = true
		}
	}

	var result []PlanningTemplate
	for name := range names {
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		p := path.Join(planningDir, name)
		_, meta, err := l.LoadTemplate(p)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, fmt.Errorf("planning template %s has no frontmatter", p)
		}
		result = append(result, PlanningTemplate{Path: p, Meta: *meta})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Meta.Order != result[j].Meta.Order {
			return result[i].Meta.Order < result[j].Meta.Order
		}
		return result[i].Meta.ID < result[j].Meta.ID
	})
	return result, nil
}

// BuildPlanningPrompt renders one planning role's prompt.
func (l *Loader) BuildPlanningPrompt(tmpl PlanningTemplate, data PlanningData) (string, error) {
	return l.Execute(tmpl.Path, data)
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
