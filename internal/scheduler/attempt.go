package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/backlog-orch/internal/agent"
	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/retry"
	"github.com/hochfrequenz/backlog-orch/internal/session"
	"github.com/hochfrequenz/backlog-orch/internal/workspace"
)

// attempt is one execution of a task. It owns its workspace and session.
type attempt struct {
	pool   *Pool
	parent context.Context
	ctx    context.Context
	cancel context.CancelCauseFunc
	task   domain.Task
	log    *zap.Logger

	result    *domain.VerificationResult
	status    domain.TaskStatus
	handle    *workspace.Handle
	session   *session.Session
	unhealthy error
}

func newAttempt(p *Pool, parent context.Context, task domain.Task) *attempt {
	ctx, cancel := context.WithCancelCause(parent)
	return &attempt{
		pool:   p,
		parent: parent,
		ctx:    ctx,
		cancel: cancel,
		task:   task,
		log:    p.logger.With(zap.String("task", task.ID), zap.Int("attempt", task.Attempts)),
		status: domain.StatusInProgress,
		result: &domain.VerificationResult{
			TaskID:    task.ID,
			Attempt:   task.Attempts,
			Revision:  task.Revision,
			StartedAt: time.Now(),
		},
	}
}

// run drives the attempt to completed, failed or blocked
func (a *attempt) run() {
	d := a.pool.deps

	h, err := d.Workspaces.Create(a.ctx, a.task.ID)
	if err != nil {
		a.fail(a.classify(err, domain.OutcomeWorkspaceError), fmt.Errorf("creating workspace: %w", err))
		return
	}
	a.handle = h

	cc, err := d.Verifier.Build(a.task)
	if err != nil {
		a.fail(domain.OutcomeContextRejected, err)
		return
	}
	for _, n := range cc.Notes {
		a.log.Debug("context compressed", zap.String("note", n))
	}

	if d.Health != nil {
		if _, err := d.Health.VerifyHealthy(a.ctx, h.Path); err != nil {
			if a.ctx.Err() != nil {
				a.fail(a.classify(err, domain.OutcomeCanceled), err)
				return
			}
			a.block(err)
			return
		}
	}

	s, err := d.Sessions.Open(session.Options{
		TaskID:    a.task.ID,
		Workspace: h,
		Payload:   cc.Payload,
		Timeout:   a.pool.cfg.TaskTimeout,
	})
	if err != nil {
		a.fail(domain.OutcomeWorkspaceError, fmt.Errorf("opening session: %w", err))
		return
	}
	a.session = s
	a.result.SessionID = s.ID
	a.pool.watch(s, a.cancel)

	res, err := a.submit(cc.Payload)
	if err != nil {
		a.fail(a.classify(err, domain.OutcomeCollaborator), err)
		return
	}
	a.result.Summary = res.Summary
	a.result.TokensInput = res.TokensIn
	a.result.TokensOutput = res.TokensOut
	a.result.CostUSD = res.CostUSD

	checks, passed, err := d.Gate.Run(a.ctx, h.Path)
	a.result.Checks = checks
	if err != nil {
		a.fail(a.classify(err, domain.OutcomeCanceled), fmt.Errorf("verification gate: %w", err))
		return
	}

	files, err := d.Workspaces.ChangedFiles(a.ctx, h)
	if err != nil {
		a.log.Warn("listing changed files", zap.Error(err))
	}
	a.result.FilesTouched = files

	if !passed {
		a.fail(domain.OutcomeGateFailed, fmt.Errorf("gate checks failed: %s", strings.Join(a.result.FailedChecks(), ", ")))
		return
	}

	if err := d.Backlog.Transition(a.task.ID, domain.StatusInProgress, domain.StatusReview); err != nil {
		a.fail(domain.OutcomeWorkspaceError, err)
		return
	}
	a.status = domain.StatusReview

	if err := a.ctx.Err(); err != nil {
		a.fail(a.classify(err, domain.OutcomeCanceled), err)
		return
	}
	msg := fmt.Sprintf("%s: %s (attempt %d, revision %d)", a.task.ID, a.task.Title, a.task.Attempts, a.task.Revision)
	if err := d.Workspaces.Merge(a.ctx, h, msg); err != nil {
		kind := domain.OutcomeWorkspaceError
		if errors.Is(err, domain.ErrConflict) {
			kind = domain.OutcomeMergeConflict
		} else if a.ctx.Err() != nil {
			kind = a.classify(err, domain.OutcomeCanceled)
		}
		a.fail(kind, err)
		return
	}

	if err := d.Backlog.Transition(a.task.ID, domain.StatusReview, domain.StatusCompleted); err != nil {
		a.log.Error("completing task", zap.Error(err))
		return
	}
	a.status = domain.StatusCompleted
	a.result.Kind = domain.OutcomePassed
}

// submit hands the payload to the executor under the session deadline,
// retrying transient collaborator errors
func (a *attempt) submit(payload string) (*agent.Result, error) {
	ctx := a.ctx
	if !a.session.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, a.session.Deadline)
		defer cancel()
	}

	var res *agent.Result
	tries := 0
	err := retry.Do(ctx, a.pool.cfg.Retry, agent.IsTransient, func(ctx context.Context) error {
		if tries > 0 {
			if err := a.renewSession(ctx); err != nil {
				return err
			}
		}
		tries++
		var err error
		res, err = a.pool.deps.Executor.Submit(ctx, agent.Request{
			SessionID: a.session.ID,
			Dir:       a.handle.Path,
			Payload:   payload,
			Deadline:  a.session.Deadline,
			OnOutput: func(text string) {
				if err := a.session.Append(text); err != nil {
					a.log.Warn("mirroring output", zap.Error(err))
				}
			},
		})
		return err
	}, func(n int, delay time.Duration, err error) {
		a.log.Warn("transient collaborator error", zap.Int("try", n), zap.Duration("delay", delay), zap.Error(err))
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && a.ctx.Err() == nil && !errors.Is(err, domain.ErrTimeout) {
			err = fmt.Errorf("%w: %w", domain.ErrTimeout, err)
		}
		return nil, err
	}
	return res, nil
}

// renewSession swaps the session for a fresh one before a retry, since the
// collaborator refuses a session id it has already seen
func (a *attempt) renewSession(ctx context.Context) error {
	old := a.session
	a.pool.unwatch(old)
	fresh, err := a.pool.deps.Sessions.Renew(ctx, a.pool.deps.Backend, old)
	if err != nil {
		return fmt.Errorf("renewing session: %w", err)
	}
	a.log.Debug("session renewed", zap.String("old", old.ID), zap.String("session", fresh.ID))
	a.session = fresh
	a.result.SessionID = fresh.ID
	a.pool.watch(fresh, a.cancel)
	return nil
}

// classify maps an error to an outcome. Drift aborts and shutdown win over
// whatever error they caused downstream.
func (a *attempt) classify(err error, fallback domain.OutcomeKind) domain.OutcomeKind {
	switch {
	case errors.Is(context.Cause(a.ctx), errDriftAbort):
		return domain.OutcomeDriftAbort
	case errors.Is(err, domain.ErrTimeout):
		return domain.OutcomeTimeout
	case a.parent.Err() != nil:
		return domain.OutcomeCanceled
	case errors.Is(err, domain.ErrCollaborator):
		return domain.OutcomeCollaborator
	}
	return fallback
}

func (a *attempt) fail(kind domain.OutcomeKind, err error) {
	a.result.Kind = kind
	a.result.Error = err.Error()
	a.log.Warn("attempt failed", zap.String("kind", string(kind)), zap.Error(err))
	if terr := a.pool.deps.Backlog.Transition(a.task.ID, a.status, domain.StatusFailed); terr != nil {
		a.log.Error("failing task", zap.Error(terr))
		return
	}
	a.status = domain.StatusFailed
}

// block parks the task after its workspace failed the health check
func (a *attempt) block(err error) {
	a.result.Kind = domain.OutcomeUnhealthy
	a.result.Error = err.Error()
	a.unhealthy = err
	if berr := a.pool.deps.Backlog.Block(a.task.ID, a.status, "unhealthy toolchain: "+err.Error()); berr != nil {
		a.log.Error("blocking task", zap.Error(berr))
		return
	}
	a.status = domain.StatusBlocked
}

// cleanup removes the session and the workspace. It runs on a context that
// survives cancellation so shutdown still cleans up. A session that cannot be
// confirmed deleted is returned.
func (a *attempt) cleanup() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.parent), a.pool.cfg.CleanupTimeout)
	defer cancel()
	d := a.pool.deps

	var leak error
	if a.session != nil {
		a.pool.unwatch(a.session)
		if err := session.DeleteVerified(ctx, d.Backend, a.session); err != nil {
			a.log.Error("session leak", zap.String("session", a.session.ID), zap.Error(err))
			leak = err
		}
	}
	if a.handle != nil {
		if err := d.Workspaces.Destroy(ctx, a.handle); err != nil {
			a.log.Warn("destroying workspace", zap.String("path", a.handle.Path), zap.Error(err))
		}
	}
	return leak
}
