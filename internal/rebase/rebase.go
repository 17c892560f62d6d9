// Package rebase decides what happens to a failed task: retry it unchanged,
// replace its specification with a revised one, or give up on it.
package rebase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hochfrequenz/backlog-orch/internal/backlog"
	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/notify"
	"github.com/hochfrequenz/backlog-orch/internal/workspace"
)

// History gives access to earlier attempts and takes decision notes
type History interface {
	PreviousResult(taskID string, attempt int) (*domain.VerificationResult, error)
	AddNote(taskID, kind, body string) error
}

// Config holds the recovery thresholds
type Config struct {
	Threshold         int // attempts at which a failure is rebased
	MaxAttempts       int // attempts at which a task is abandoned
	MaxPitfalls       int
	MaxConstraints    int
	MaxStatementChars int // exclusive
}

// DefaultConfig returns the reference thresholds
func DefaultConfig() Config {
	return Config{Threshold: 2, MaxAttempts: 5, MaxPitfalls: 3, MaxConstraints: 5, MaxStatementChars: 100}
}

// Decision is the recovery decision for one failure
type Decision struct {
	Action  domain.RebaseAction `json:"action"`
	Reasons []string            `json:"reasons"`
	Note    string              `json:"note"`
}

// Engine evaluates failures and applies decisions to the backlog
type Engine struct {
	backlog    *backlog.Manager
	workspaces workspace.Manager
	history    History
	notifier   notify.Notifier
	cfg        Config
	logger     *zap.Logger
}

// New creates a rebase engine
func New(b *backlog.Manager, ws workspace.Manager, history History, notifier notify.Notifier, cfg Config, logger *zap.Logger) *Engine {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxPitfalls <= 0 {
		cfg.MaxPitfalls = def.MaxPitfalls
	}
	if cfg.MaxConstraints <= 0 {
		cfg.MaxConstraints = def.MaxConstraints
	}
	if cfg.MaxStatementChars <= 0 {
		cfg.MaxStatementChars = def.MaxStatementChars
	}
	return &Engine{
		backlog:    b,
		workspaces: ws,
		history:    history,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger.Named("rebase"),
	}
}

// Evaluate decides how to recover from a failed attempt. It never returns an
// implicit retry: every outcome carries its reasons and a note.
func (e *Engine) Evaluate(task domain.Task, result *domain.VerificationResult) Decision {
	var d Decision

	if task.Attempts >= e.cfg.MaxAttempts {
		d.Action = domain.ActionAbandon
		d.Reasons = append(d.Reasons, fmt.Sprintf("attempts %d reached the maximum %d", task.Attempts, e.cfg.MaxAttempts))
		d.Note = e.note(task, result, d)
		return d
	}

	if task.Attempts >= e.cfg.Threshold {
		d.Reasons = append(d.Reasons, fmt.Sprintf("attempts %d reached the rebase threshold %d", task.Attempts, e.cfg.Threshold))
	}
	if outside := outOfScope(task, result); len(outside) > 0 {
		d.Reasons = append(d.Reasons, "files touched outside the scope: "+strings.Join(outside, ", "))
	}
	if e.repeatsPrevious(task, result) {
		d.Reasons = append(d.Reasons, "failed the same way as the previous attempt")
	}

	if len(d.Reasons) > 0 {
		d.Action = domain.ActionRebase
	} else {
		d.Action = domain.ActionRetryAsIs
		d.Reasons = append(d.Reasons, fmt.Sprintf("first %s failure below the threshold with no repeated or out-of-scope signature", kindOf(result)))
	}
	d.Note = e.note(task, result, d)
	return d
}

func (e *Engine) note(task domain.Task, result *domain.VerificationResult, d Decision) string {
	return fmt.Sprintf("attempt %d (revision %d) ended %s; decision %s: %s",
		task.Attempts, task.Revision, kindOf(result), d.Action, strings.Join(d.Reasons, "; "))
}

func kindOf(result *domain.VerificationResult) domain.OutcomeKind {
	if result == nil || result.Kind == "" {
		return "unknown"
	}
	return result.Kind
}

func outOfScope(task domain.Task, result *domain.VerificationResult) []string {
	if result == nil || len(task.Scope.Paths) == 0 {
		return nil
	}
	var outside []string
	for _, f := range result.FilesTouched {
		if !task.Scope.Contains(f) {
			outside = append(outside, f)
		}
	}
	return outside
}

func (e *Engine) repeatsPrevious(task domain.Task, result *domain.VerificationResult) bool {
	if e.history == nil || result == nil || result.Passed() {
		return false
	}
	attempt := result.Attempt
	if attempt == 0 {
		attempt = task.Attempts
	}
	prev, err := e.history.PreviousResult(task.ID, attempt)
	if err != nil {
		e.logger.Warn("reading previous attempt", zap.String("task", task.ID), zap.Error(err))
		return false
	}
	return prev != nil && prev.FailureDigest() == result.FailureDigest()
}

// Apply carries out a decision for a task currently in failed
func (e *Engine) Apply(ctx context.Context, task domain.Task, result *domain.VerificationResult, d Decision) (domain.Task, error) {
	switch d.Action {
	case domain.ActionRetryAsIs:
		if err := e.backlog.Transition(task.ID, domain.StatusFailed, domain.StatusReady); err != nil {
			return task, err
		}
		return e.backlog.Task(task.ID)

	case domain.ActionAbandon:
		if err := e.backlog.Transition(task.ID, domain.StatusFailed, domain.StatusAbandoned); err != nil {
			return task, err
		}
		err := e.notifier.Send(ctx, notify.Notification{
			Title:   "Task abandoned",
			Message: d.Note,
			Type:    notify.NotifyError,
			TaskID:  task.ID,
		})
		if err != nil {
			e.logger.Warn("notifying abandon", zap.String("task", task.ID), zap.Error(err))
		}
		return e.backlog.Task(task.ID)

	case domain.ActionRebase:
		rev := e.Synthesize(task, result)
		var cleanupErr error
		if e.workspaces != nil {
			cleanupErr = e.workspaces.DestroyTask(ctx, task.ID)
		}
		revised, err := e.backlog.Revise(task.ID, domain.StatusFailed, rev)
		if err != nil {
			return task, errors.Join(err, cleanupErr)
		}
		if cleanupErr != nil {
			e.logger.Warn("removing leftover workspace", zap.String("task", task.ID), zap.Error(cleanupErr))
		}
		return revised, nil
	}
	return task, fmt.Errorf("unknown rebase action %q", d.Action)
}

// Recover evaluates a failed task, records the decision and applies it
func (e *Engine) Recover(ctx context.Context, taskID string, result *domain.VerificationResult) (Decision, error) {
	task, err := e.backlog.Task(taskID)
	if err != nil {
		return Decision{}, err
	}
	if task.Status != domain.StatusFailed {
		return Decision{}, &domain.TransitionError{TaskID: taskID, From: domain.StatusFailed, To: domain.StatusReady, Actual: task.Status}
	}

	d := e.Evaluate(task, result)
	if e.history != nil {
		if err := e.history.AddNote(taskID, "decision", d.Note); err != nil {
			e.logger.Warn("recording decision", zap.String("task", taskID), zap.Error(err))
		}
	}
	e.logger.Info("recovery decision",
		zap.String("task", taskID),
		zap.Int("attempt", task.Attempts),
		zap.String("action", string(d.Action)),
		zap.Strings("reasons", d.Reasons))

	if _, err := e.Apply(ctx, task, result, d); err != nil {
		return d, fmt.Errorf("applying %s to %s: %w", d.Action, taskID, err)
	}
	return d, nil
}

// Synthesize builds the replacement specification for a rebase: a negative
// evidence pitfall first, a scope constraint after out-of-scope edits and a
// revision line in the description.
func (e *Engine) Synthesize(task domain.Task, result *domain.VerificationResult) backlog.Revision {
	rev := backlog.Revision{
		Description: task.Description,
		Context: domain.ContextBlock{
			Constraints: slices.Clone(task.Context.Constraints),
			Patterns:    slices.Clone(task.Context.Patterns),
			Pitfalls:    slices.Clone(task.Context.Pitfalls),
		},
		Scope: task.Scope,
	}

	pitfall := e.statement(avoidance(task, result))
	rev.Context.Pitfalls = slices.DeleteFunc(rev.Context.Pitfalls, func(p string) bool { return p == pitfall })
	rev.Context.Pitfalls = append([]string{pitfall}, rev.Context.Pitfalls...)
	if len(rev.Context.Pitfalls) > e.cfg.MaxPitfalls {
		rev.Context.Pitfalls = rev.Context.Pitfalls[:e.cfg.MaxPitfalls]
	}

	if len(outOfScope(task, result)) > 0 {
		c := e.statement("only edit files matching " + strings.Join(task.Scope.Paths, ", "))
		if !slices.Contains(rev.Context.Constraints, c) {
			rev.Context.Constraints = append([]string{c}, rev.Context.Constraints...)
			if len(rev.Context.Constraints) > e.cfg.MaxConstraints {
				rev.Context.Constraints = rev.Context.Constraints[:e.cfg.MaxConstraints]
			}
		}
	}

	rev.Description = withRevisionLine(task.Description, task.Revision+1, result)
	return rev
}

// avoidance phrases the failure as "avoid X because Y"
func avoidance(task domain.Task, result *domain.VerificationResult) string {
	if outside := outOfScope(task, result); len(outside) > 0 {
		return fmt.Sprintf("avoid editing files outside the scope because %s was changed", outside[0])
	}
	switch kindOf(result) {
	case domain.OutcomeGateFailed:
		failed := result.FailedChecks()
		return fmt.Sprintf("avoid the previous approach because %s failed: %s", strings.Join(failed, ", "), firstLine(failedOutput(result)))
	case domain.OutcomeTimeout:
		return "avoid broad rewrites because the previous attempt ran out of time"
	case domain.OutcomeMergeConflict:
		return "avoid reformatting shared files because the merge conflicted"
	case domain.OutcomeDriftAbort:
		return "avoid exploring unrelated code because the session drifted"
	case domain.OutcomeContextRejected:
		return "avoid long instructions because the payload exceeded its limits"
	case domain.OutcomeCollaborator:
		return "avoid long single steps because the agent failed: " + firstLine(result.Error)
	}
	return fmt.Sprintf("avoid repeating attempt %d because it ended %s", task.Attempts, kindOf(result))
}

func failedOutput(result *domain.VerificationResult) string {
	for _, c := range result.Checks {
		if c.Passed {
			continue
		}
		if s := strings.TrimSpace(c.Stderr); s != "" {
			return s
		}
		if s := strings.TrimSpace(c.Stdout); s != "" {
			return s
		}
	}
	return result.Error
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "no output"
	}
	return s
}

// statement collapses whitespace and truncates to the statement limit
func (e *Engine) statement(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	max := e.cfg.MaxStatementChars - 1
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:max-3]), " ") + "..."
}

var revisionLine = regexp.MustCompile(`^Revision \d+: `)

func withRevisionLine(desc string, revision int, result *domain.VerificationResult) string {
	var kept []string
	for _, line := range strings.Split(desc, "\n") {
		if revisionLine.MatchString(strings.TrimSpace(line)) {
			continue
		}
		kept = append(kept, line)
	}
	base := strings.TrimRight(strings.Join(kept, "\n"), "\n ")

	line := fmt.Sprintf("Revision %d: replaces a specification whose attempt ended %s.", revision, kindOf(result))
	if base == "" {
		return line
	}
	return base + "\n\n" + line
}
