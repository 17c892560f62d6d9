// Package contextguard enforces the size and content rules on every payload
// handed to a worker or planner session, and shrinks payloads that break them.
package contextguard

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/prompts"
)

// ViolationKind says which error class a violation belongs to
type ViolationKind int

const (
	OverBudget ViolationKind = iota
	Forbidden
)

// Violation is one broken rule
type Violation struct {
	Kind   ViolationKind
	Field  string
	Detail string
}

func (v Violation) String() string {
	return v.Field + ": " + v.Detail
}

// ViolationError is returned when a payload breaks at least one rule. It
// unwraps to domain.ErrOverBudget, domain.ErrForbiddenContent or both.
type ViolationError struct {
	TaskID     string
	Violations []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("context for %s rejected: %s", e.TaskID, strings.Join(parts, "; "))
}

func (e *ViolationError) Unwrap() []error {
	var over, forbidden bool
	for _, v := range e.Violations {
		if v.Kind == OverBudget {
			over = true
		} else {
			forbidden = true
		}
	}
	var errs []error
	if over {
		errs = append(errs, domain.ErrOverBudget)
	}
	if forbidden {
		errs = append(errs, domain.ErrForbiddenContent)
	}
	return errs
}

// CompressedContext is a payload that passed every rule
type CompressedContext struct {
	TaskID      string
	Task        domain.Task // the task as it was rendered, after compression
	Payload     string
	Fingerprint domain.Fingerprint
	// Notes describe what compression changed; empty if nothing
	Notes []string
}

// Size is the payload length in bytes
func (c *CompressedContext) Size() int {
	return len(c.Payload)
}

// Verifier builds and checks worker payloads
type Verifier struct {
	scanner *Scanner
	loader  *prompts.Loader
}

// NewVerifier creates a verifier. knownIDs are all task identifiers of the
// backlog; any of them other than a payload's own task is forbidden in it.
func NewVerifier(rules Rules, loader *prompts.Loader, knownIDs []string) *Verifier {
	return &Verifier{scanner: NewScanner(rules, knownIDs), loader: loader}
}

// Scanner exposes the content scanner shared with drift detection
func (v *Verifier) Scanner() *Scanner {
	return v.scanner
}

// Render produces the serialized payload for a task without checking it
func (v *Verifier) Render(t domain.Task) (string, error) {
	return v.loader.BuildPayload(prompts.PayloadDataFor(t))
}

// Build compresses the task's context, renders it and verifies the result.
// A *ViolationError means the task cannot be dispatched.
func (v *Verifier) Build(t domain.Task) (*CompressedContext, error) {
	compressed, notes := v.Compress(t)
	cc, err := v.Verify(compressed)
	if err != nil {
		return nil, err
	}
	cc.Notes = notes
	return cc, nil
}

// Verify checks a task's context against every rule without changing it
func (v *Verifier) Verify(t domain.Task) (*CompressedContext, error) {
	r := v.scanner.rules
	var violations []Violation
	add := func(kind ViolationKind, field, format string, args ...any) {
		violations = append(violations, Violation{Kind: kind, Field: field, Detail: fmt.Sprintf(format, args...)})
	}

	checkStatements := func(field string, list []string, max int) {
		if len(list) > max {
			add(OverBudget, field, "%d statements, limit %d", len(list), max)
		}
		for i, s := range list {
			if n := utf8.RuneCountInString(s); n >= r.MaxStatementChars {
				add(OverBudget, fmt.Sprintf("%s[%d]", field, i), "%d chars, limit %d", n, r.MaxStatementChars-1)
			}
			if strings.Contains(s, "\n") {
				add(Forbidden, fmt.Sprintf("%s[%d]", field, i), "multi-line statement")
			}
		}
	}
	checkStatements("constraints", t.Context.Constraints, r.MaxConstraints)
	checkStatements("pitfalls", t.Context.Pitfalls, r.MaxPitfalls)

	for i, p := range t.Context.Patterns {
		field := fmt.Sprintf("patterns[%d]", i)
		if p.Path == "" {
			add(Forbidden, field, "missing path")
		}
		if _, _, err := p.LineRange(); err != nil {
			add(Forbidden, field, "%v", err)
		}
		if strings.Contains(p.Description, "\n") {
			add(Forbidden, field, "description is not one line")
		}
		if n := utf8.RuneCountInString(p.Description); n >= r.MaxStatementChars {
			add(OverBudget, field, "description %d chars, limit %d", n, r.MaxStatementChars-1)
		}
	}

	payload, err := v.Render(t)
	if err != nil {
		return nil, fmt.Errorf("rendering payload for %s: %w", t.ID, err)
	}
	if len(payload) >= r.MaxBytes {
		add(OverBudget, "payload", "%d bytes, limit %d", len(payload), r.MaxBytes-1)
	}

	f := v.scanner.Scan(payload)
	if !v.scanner.Mentions(payload, t.ID) {
		add(Forbidden, "payload", "does not name its task")
	}
	if foreign := v.scanner.ForeignIDs(payload, t.ID); len(foreign) > 0 {
		add(Forbidden, "payload", "references other tasks %s", strings.Join(foreign, ", "))
	}
	if len(f.Vocabulary) > 0 {
		add(Forbidden, "payload", "planning vocabulary %s", strings.Join(f.Vocabulary, ", "))
	}
	if f.Dumps > 0 {
		add(Forbidden, "payload", "%d code blocks over %d lines", f.Dumps, r.MaxSnippetLines)
	}

	if len(violations) > 0 {
		return nil, &ViolationError{TaskID: t.ID, Violations: violations}
	}
	return &CompressedContext{
		TaskID:      t.ID,
		Task:        t,
		Payload:     payload,
		Fingerprint: domain.NewFingerprint(payload),
	}, nil
}
