// Package agent submits task payloads to the coding agent that does the
// actual work.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
)

// Request is one submission to the execution collaborator
type Request struct {
	SessionID string
	Dir       string
	Payload   string
	Deadline  time.Time
	// OnOutput receives agent output as it streams
	OnOutput func(text string)
}

// Result is what the collaborator returned
type Result struct {
	Summary   string
	Output    string
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// Executor runs a payload to completion. Implementations return an error
// wrapping domain.ErrTimeout when the deadline passes and a
// *CollaboratorError for anything the collaborator itself reported.
type Executor interface {
	Submit(ctx context.Context, req Request) (*Result, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, req Request) (*Result, error)

func (f ExecutorFunc) Submit(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// CollaboratorError is a failure reported by the collaborator
type CollaboratorError struct {
	Transient bool
	Err       error
}

func (e *CollaboratorError) Error() string {
	if e.Transient {
		return fmt.Sprintf("collaborator error (transient): %v", e.Err)
	}
	return fmt.Sprintf("collaborator error: %v", e.Err)
}

func (e *CollaboratorError) Unwrap() []error {
	return []error{domain.ErrCollaborator, e.Err}
}

// transientHints mark failures worth retrying
var transientHints = []string{
	"timeout",
	"context deadline",
	"rate limit",
	"too many requests",
	"overloaded",
	"temporar",
	"connection",
	"unavailable",
	"network",
	"i/o",
	"429",
	"503",
}

// Classify wraps err into a CollaboratorError, marking it transient when err
// or detail looks like a rate limit or a network problem.
func Classify(err error, detail string) *CollaboratorError {
	text := strings.ToLower(err.Error() + " " + detail)
	for _, h := range transientHints {
		if strings.Contains(text, h) {
			return &CollaboratorError{Transient: true, Err: err}
		}
	}
	return &CollaboratorError{Err: err}
}

// IsTransient reports whether err is a transient collaborator error
func IsTransient(err error) bool {
	var ce *CollaboratorError
	return errors.As(err, &ce) && ce.Transient
}
