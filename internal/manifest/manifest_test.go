package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `schema_version: 1
track: auth
created_at: 2026-01-02T10:00:00Z
updated_at: 2026-01-03T11:30:00Z
tasks:
  - id: A
    title: Add login endpoint
    description: POST /login returns a session token.
    acceptance:
      - returns 200 for valid credentials
      - returns 401 otherwise
    status: completed
    attempts: 1
    scope:
      paths:
        - internal/auth/**
      effort: small
    context:
      constraints:
        - use the existing session store
      patterns:
        - path: internal/auth/session.go
          lines: 10-42
          description: session creation helper
      pitfalls:
        - do not log passwords
  - id: B
    title: Add logout endpoint
    status: pending
    depends_on: [A]
`

func TestParse_YAML(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)

	b := doc.Backlog
	assert.Equal(t, "auth", b.Track)
	require.Len(t, b.Tasks, 2)
	assert.Equal(t, domain.StatusCompleted, b.Tasks[0].Status)
	assert.Equal(t, []string{"A"}, b.Tasks[1].DependsOn)
	assert.Equal(t, "10-42", b.Tasks[0].Context.Patterns[0].Lines)
	assert.Equal(t, []string{"internal/auth/**"}, b.Tasks[0].Scope.Paths)
}

func TestRoundTrip_Lossless(t *testing.T) {
	for _, format := range []Format{FormatYAML, FormatMarkdown} {
		content := []byte(sampleYAML)
		if format == FormatMarkdown {
			content = JoinFrontmatter(content, []byte("# Auth track\n\nNotes for humans.\n"))
		}

		first, err := Parse(content, format)
		require.NoError(t, err)

		encoded, err := first.Encode()
		require.NoError(t, err)

		second, err := Parse(encoded, format)
		require.NoError(t, err)

		assert.Equal(t, first.Backlog, second.Backlog)
		assert.Equal(t, first.Body, second.Body)

		again, err := second.Encode()
		require.NoError(t, err)
		assert.Equal(t, string(encoded), string(again), "encoding should be stable")
	}
}

func TestParse_MarkdownBodyPreserved(t *testing.T) {
	body := "\n# Title\n\n---\nnot frontmatter\n"
	content := JoinFrontmatter([]byte(sampleYAML), []byte(body))

	doc, err := Parse(content, FormatMarkdown)
	require.NoError(t, err)
	assert.Equal(t, body, string(doc.Body))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", "tasks: [unclosed"},
		{"missing id", "tasks:\n  - title: x\n"},
		{"bad id", "tasks:\n  - id: \"has space\"\n"},
		{"duplicate id", "tasks:\n  - id: A\n  - id: A\n"},
		{"unknown status", "tasks:\n  - id: A\n    status: sleeping\n"},
		{"unknown dependency", "tasks:\n  - id: A\n    depends_on: [Z]\n"},
		{"self reference", "tasks:\n  - id: A\n    depends_on: [A]\n"},
		{"unknown field", "tasks:\n  - id: A\n    colour: red\n"},
		{"bad line range", "tasks:\n  - id: A\n    context:\n      patterns:\n        - {path: a.go, lines: all, description: x}\n"},
		{"future schema", "schema_version: 99\ntasks: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), FormatYAML)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrParse), "error %v should wrap ErrParse", err)
		})
	}
}

func TestParse_DefaultsStatus(t *testing.T) {
	doc, err := Parse([]byte("tasks:\n  - id: A\n    title: x\n"), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, doc.Backlog.Tasks[0].Status)
	assert.Equal(t, domain.SchemaVersion, doc.Backlog.SchemaVersion)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backlog.md")
	content := JoinFrontmatter([]byte(sampleYAML), []byte("body\n"))
	require.NoError(t, os.WriteFile(path, content, 0644))

	doc, err := Load(path)
	require.NoError(t, err)
	doc.Backlog.Tasks[1].Status = domain.StatusReady
	require.NoError(t, Save(path, doc))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, reloaded.Backlog.Tasks[1].Status)
	assert.Equal(t, "body\n", string(reloaded.Body))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should not be left behind")
}

func TestLoad_ParseErrorCarriesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tasks:\n  - id: A\n  - id: A\n"), 0644))

	_, err := Load(path)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, path, pe.Path)
	assert.Equal(t, "A", pe.TaskID)
}

func TestSplitFrontmatter(t *testing.T) {
	fm, body, ok := SplitFrontmatter([]byte("---\na: 1\n---\nrest"))
	require.True(t, ok)
	assert.Equal(t, "a: 1\n", string(fm))
	assert.Equal(t, "rest", string(body))

	_, body, ok = SplitFrontmatter([]byte("no frontmatter"))
	assert.False(t, ok)
	assert.Equal(t, "no frontmatter", string(body))
}
