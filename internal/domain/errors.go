package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrParse              = errors.New("manifest parse error")
	ErrCycle              = errors.New("dependency cycle")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrUnknownTask        = errors.New("unknown task")
	ErrOverBudget         = errors.New("context over budget")
	ErrForbiddenContent   = errors.New("forbidden context content")
	ErrUnhealthyToolchain = errors.New("unhealthy toolchain")
	ErrTimeout            = errors.New("execution timed out")
	ErrCollaborator       = errors.New("collaborator error")
	ErrConflict           = errors.New("merge conflict")
	ErrSessionLeak        = errors.New("session deletion not verified")
)

// CycleError reports a dependency cycle. Cycle lists the task IDs in order,
// with the first ID repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// TransitionError is returned when a compare-and-set transition does not apply
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	Actual TaskStatus
}

func (e *TransitionError) Error() string {
	if e.Actual != e.From {
		return fmt.Sprintf("task %s: transition %s -> %s: status is %s", e.TaskID, e.From, e.To, e.Actual)
	}
	return fmt.Sprintf("task %s: %s -> %s is not allowed", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
