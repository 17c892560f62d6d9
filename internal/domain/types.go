package domain

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusReady      TaskStatus = "ready"
	StatusInProgress TaskStatus = "in_progress"
	StatusReview     TaskStatus = "review"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusBlocked    TaskStatus = "blocked"
	StatusAbandoned  TaskStatus = "abandoned"
)

// transitions lists every edge of the task state machine.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusReady, StatusBlocked},
	StatusReady:      {StatusInProgress, StatusBlocked},
	StatusInProgress: {StatusReview, StatusFailed, StatusBlocked},
	StatusReview:     {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusReady, StatusAbandoned},
	StatusBlocked:    {StatusPending},
}

// AllStatuses returns the statuses in lifecycle order
func AllStatuses() []TaskStatus {
	return []TaskStatus{
		StatusPending, StatusReady, StatusInProgress, StatusReview,
		StatusCompleted, StatusFailed, StatusBlocked, StatusAbandoned,
	}
}

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusInProgress, StatusReview,
		StatusCompleted, StatusFailed, StatusBlocked, StatusAbandoned:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s. Blocked is not terminal:
// an external unblock moves it back to pending.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Schedulable reports whether a task in status s may be picked up once its
// dependencies are completed.
func (s TaskStatus) Schedulable() bool {
	return s == StatusPending || s == StatusReady
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OutcomeKind classifies how a single attempt ended
type OutcomeKind string

const (
	OutcomePassed          OutcomeKind = "passed"
	OutcomeGateFailed      OutcomeKind = "gate_failed"
	OutcomeTimeout         OutcomeKind = "timeout"
	OutcomeCollaborator    OutcomeKind = "collaborator_error"
	OutcomeContextRejected OutcomeKind = "context_rejected"
	OutcomeMergeConflict   OutcomeKind = "merge_conflict"
	OutcomeDriftAbort      OutcomeKind = "drift_abort"
	OutcomeWorkspaceError  OutcomeKind = "workspace_error"
	OutcomeUnhealthy       OutcomeKind = "unhealthy_toolchain"
	OutcomeCanceled        OutcomeKind = "canceled"
)

// RebaseAction is the recovery decision for a failed task
type RebaseAction string

const (
	ActionRebase    RebaseAction = "rebase"
	ActionRetryAsIs RebaseAction = "retry_as_is"
	ActionAbandon   RebaseAction = "abandon"
)
