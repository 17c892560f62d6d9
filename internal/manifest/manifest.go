// Package manifest reads and writes the human-editable backlog document.
//
// Two layouts are supported: a plain YAML document (.yaml/.yml) and a
// markdown file whose YAML frontmatter holds the backlog (.md). The markdown
// body is carried through a load/save cycle unchanged.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"gopkg.in/yaml.v3"
)

// Format is the on-disk layout of a manifest
type Format int

const (
	FormatYAML Format = iota
	FormatMarkdown
)

// FormatFor picks the layout from a file extension
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	default:
		return FormatYAML
	}
}

// Document is a parsed manifest
type Document struct {
	Backlog *domain.Backlog
	Format  Format
	// Body is the markdown text after the frontmatter
	Body []byte
}

// ParseError reports an invalid manifest
type ParseError struct {
	Path   string
	TaskID string
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	if e.TaskID != "" {
		b.WriteString("task " + e.TaskID + ": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{domain.ErrParse, e.Err}
	}
	return []error{domain.ErrParse}
}

// Load reads and validates the manifest at path
func Load(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := Parse(content, FormatFor(path))
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Path = path
		}
		return nil, err
	}
	return doc, nil
}

// Parse decodes and validates manifest content
func Parse(content []byte, format Format) (*Document, error) {
	doc := &Document{Format: format}
	data := content
	if format == FormatMarkdown {
		fm, body, ok := SplitFrontmatter(content)
		if !ok {
			return nil, &ParseError{Msg: "markdown manifest has no frontmatter"}
		}
		data, doc.Body = fm, body
	}

	var b domain.Backlog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return nil, &ParseError{Msg: "malformed document", Err: err}
	}
	if err := Validate(&b); err != nil {
		return nil, err
	}
	doc.Backlog = &b
	return doc, nil
}

// Validate checks the structural rules of a backlog: well-formed unique IDs,
// known statuses, and dependencies that reference other existing tasks.
// Cycle detection is left to the backlog manager. Missing statuses default
// to pending.
func Validate(b *domain.Backlog) error {
	if b.SchemaVersion > domain.SchemaVersion {
		return &ParseError{Msg: fmt.Sprintf("schema version %d is newer than supported %d", b.SchemaVersion, domain.SchemaVersion)}
	}
	if b.SchemaVersion == 0 {
		b.SchemaVersion = domain.SchemaVersion
	}

	seen := make(map[string]bool, len(b.Tasks))
	for i := range b.Tasks {
		t := &b.Tasks[i]
		if t.ID == "" {
			return &ParseError{Msg: fmt.Sprintf("task #%d has no id", i+1)}
		}
		if err := domain.ValidateTaskID(t.ID); err != nil {
			return &ParseError{TaskID: t.ID, Msg: "bad id", Err: err}
		}
		if seen[t.ID] {
			return &ParseError{TaskID: t.ID, Msg: "duplicate id"}
		}
		seen[t.ID] = true
		if t.Status == "" {
			t.Status = domain.StatusPending
		}
		if !t.Status.Valid() {
			return &ParseError{TaskID: t.ID, Msg: fmt.Sprintf("unknown status %q", t.Status)}
		}
		if t.Attempts < 0 || t.Revision < 0 {
			return &ParseError{TaskID: t.ID, Msg: "negative attempt or revision counter"}
		}
		for _, p := range t.Context.Patterns {
			if _, _, err := p.LineRange(); err != nil {
				return &ParseError{TaskID: t.ID, Msg: "pattern " + p.Path, Err: err}
			}
		}
	}

	for _, t := range b.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return &ParseError{TaskID: t.ID, Msg: "depends on itself"}
			}
			if !seen[dep] {
				return &ParseError{TaskID: t.ID, Msg: fmt.Sprintf("unknown dependency %q", dep)}
			}
		}
	}
	return nil
}

// Encode serializes the document in its format
func (d *Document) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.Backlog); err != nil {
		return nil, fmt.Errorf("encoding backlog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if d.Format == FormatMarkdown {
		return JoinFrontmatter(buf.Bytes(), d.Body), nil
	}
	return buf.Bytes(), nil
}

// Save atomically writes the document to path using a temp file and rename
func Save(path string, d *Document) error {
	data, err := d.Encode()
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing manifest: %w", err)
	}
	return nil
}
