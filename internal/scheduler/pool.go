// Package scheduler drains the backlog through a bounded pool of workers.
// Each dispatched task gets its own workspace and session, runs the
// verification gate, and is merged or handed to recovery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/backlog-orch/internal/agent"
	"github.com/hochfrequenz/backlog-orch/internal/backlog"
	"github.com/hochfrequenz/backlog-orch/internal/contextguard"
	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/drift"
	"github.com/hochfrequenz/backlog-orch/internal/health"
	"github.com/hochfrequenz/backlog-orch/internal/notify"
	"github.com/hochfrequenz/backlog-orch/internal/observer"
	"github.com/hochfrequenz/backlog-orch/internal/rebase"
	"github.com/hochfrequenz/backlog-orch/internal/retry"
	"github.com/hochfrequenz/backlog-orch/internal/session"
	"github.com/hochfrequenz/backlog-orch/internal/taskstore"
	"github.com/hochfrequenz/backlog-orch/internal/toolchain"
	"github.com/hochfrequenz/backlog-orch/internal/workspace"
)

// Recoverer decides what happens to a failed task
type Recoverer interface {
	Recover(ctx context.Context, taskID string, result *domain.VerificationResult) (rebase.Decision, error)
}

// AuditLog persists attempt records and notes
type AuditLog interface {
	RecordAttempt(r *domain.VerificationResult) (string, error)
	AddNote(taskID, kind, body string) error
	RecordDriftAlert(snap domain.DriftSnapshot, reasons []string) error
	PreviousResult(taskID string, attempt int) (*domain.VerificationResult, error)
}

// Config bounds the pool
type Config struct {
	Concurrency    int
	TaskTimeout    time.Duration // hard deadline of one execution
	ProjectRoot    string        // checked before anything is dispatched
	Retry          retry.Policy  // for transient collaborator errors
	DriftDebounce  time.Duration
	AbortOnDrift   bool
	CleanupTimeout time.Duration
}

// DefaultConfig returns the reference limits
func DefaultConfig() Config {
	return Config{
		Concurrency:    3,
		TaskTimeout:    30 * time.Minute,
		Retry:          retry.DefaultPolicy(),
		DriftDebounce:  500 * time.Millisecond,
		CleanupTimeout: time.Minute,
	}
}

// Deps are the collaborators of a pool. Health, Detector, Recoverer, Audit,
// Observer and Notifier are optional.
type Deps struct {
	Backlog    *backlog.Manager
	Verifier   *contextguard.Verifier
	Workspaces workspace.Manager
	Executor   agent.Executor
	Sessions   *session.Store
	Backend    session.Backend
	Gate       *toolchain.Gate
	Health     *health.Checker
	Detector   *drift.Detector
	Recoverer  Recoverer
	Audit      AuditLog
	Observer   *observer.Observer
	Notifier   notify.Notifier
}

// Outcome is the end of one attempt
type Outcome struct {
	TaskID   string              `json:"task_id"`
	Attempt  int                 `json:"attempt"`
	Revision int                 `json:"revision"`
	Kind     domain.OutcomeKind  `json:"kind"`
	Error    string              `json:"error,omitempty"`
	Decision domain.RebaseAction `json:"decision,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// Summary describes a finished run
type Summary struct {
	Counts      map[domain.TaskStatus]int `json:"counts"`
	Outcomes    []Outcome                 `json:"outcomes"`
	Resumed     []string                  `json:"resumed,omitempty"`
	Blocked     []string                  `json:"blocked,omitempty"`
	MaxInFlight int                       `json:"max_in_flight"`
	Leaks       []error                   `json:"-"`
	Duration    time.Duration             `json:"duration"`
}

var errDriftAbort = errors.New("aborted on context drift")

// Pool runs ready tasks with bounded concurrency
type Pool struct {
	deps     Deps
	cfg      Config
	slots    *Slots
	events   publisher
	notifier notify.Notifier
	logger   *zap.Logger

	mu      sync.Mutex
	monitor *drift.Monitor
	aborts  map[string]context.CancelCauseFunc // by session id
}

// New creates a pool
func New(deps Deps, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.DriftDebounce <= 0 {
		cfg.DriftDebounce = def.DriftDebounce
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = def.CleanupTimeout
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	p := &Pool{
		deps:     deps,
		cfg:      cfg,
		slots:    NewSlots(cfg.Concurrency),
		notifier: notifier,
		logger:   logger.Named("scheduler"),
		aborts:   make(map[string]context.CancelCauseFunc),
	}
	if obs := deps.Observer; obs != nil {
		total := p.slots.Cap()
		obs.SlotsChanged(total, total)
		p.slots.SetOnSlotsChanged(func(available int) {
			obs.SlotsChanged(available, total)
		})
	}
	return p
}

// Subscribe registers an event handler. Register handlers before Run.
func (p *Pool) Subscribe(h EventHandler) {
	p.events.subscribe(h)
}

// Slots returns the pool's semaphore
func (p *Pool) Slots() *Slots {
	return p.slots
}

func (p *Pool) publish(e Event) {
	p.events.publish(e)
}

// finished is what a worker reports back to the dispatch loop
type finished struct {
	outcome   Outcome
	unhealthy error
	leak      error
}

// Run drains the backlog. It returns once nothing is in flight and nothing
// is ready. A failed pre-flight health check returns before any task starts;
// an unhealthy workspace stops dispatching and Run returns an error wrapping
// domain.ErrUnhealthyToolchain after in-flight tasks drain. Canceling ctx
// fails and cleans up every in-flight task before Run returns.
func (p *Pool) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}
	p.publish(Event{Type: EventRunStarted, Message: fmt.Sprintf("%d workers", p.slots.Cap())})
	p.logger.Info("run started", zap.Int("concurrency", p.slots.Cap()), zap.String("track", p.deps.Backlog.Track()))

	if p.deps.Health != nil {
		if _, err := p.deps.Health.VerifyHealthy(ctx, p.cfg.ProjectRoot); err != nil {
			err = fmt.Errorf("pre-flight health check of %s: %w", p.cfg.ProjectRoot, err)
			p.halt(ctx, err)
			p.finish(summary, start)
			return summary, err
		}
	}

	if p.deps.Detector != nil {
		m, err := drift.NewMonitor(p.deps.Detector, p.cfg.DriftDebounce, p.onDrift, p.logger)
		if err != nil {
			return summary, fmt.Errorf("starting drift monitor: %w", err)
		}
		m.Start(ctx)
		defer m.Stop()
		p.mu.Lock()
		p.monitor = m
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			p.monitor = nil
			p.mu.Unlock()
		}()
	}

	p.resume(ctx, summary)

	done := make(chan finished)
	running := 0
	var haltErr error
	for {
		if haltErr == nil && ctx.Err() == nil {
			running += p.dispatch(ctx, done)
		}
		if running == 0 {
			break
		}

		f := <-done
		running--
		summary.Outcomes = append(summary.Outcomes, f.outcome)
		if f.leak != nil {
			summary.Leaks = append(summary.Leaks, f.leak)
		}
		if f.unhealthy != nil && haltErr == nil {
			haltErr = fmt.Errorf("workspace of %s: %w", f.outcome.TaskID, f.unhealthy)
			p.halt(ctx, haltErr)
		}
	}

	p.finish(summary, start)

	var errs []error
	if haltErr != nil {
		errs = append(errs, haltErr)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("run canceled: %w", err))
	}
	errs = append(errs, summary.Leaks...)
	return summary, errors.Join(errs...)
}

// dispatch starts as many ready tasks as there are free slots and returns how
// many were started
func (p *Pool) dispatch(ctx context.Context, done chan<- finished) int {
	started := 0
	for _, t := range p.deps.Backlog.GetReadyTasks() {
		if !p.slots.TryAcquire() {
			break
		}
		task, err := p.claim(t)
		if err != nil {
			p.slots.Release()
			p.logger.Warn("claiming task", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		started++
		go func() {
			f := p.work(ctx, task)
			p.slots.Release()
			done <- f
		}()
	}
	return started
}

// claim moves a ready task to in_progress and counts the attempt
func (p *Pool) claim(t domain.Task) (domain.Task, error) {
	b := p.deps.Backlog
	if t.Status == domain.StatusPending {
		if err := b.Transition(t.ID, domain.StatusPending, domain.StatusReady); err != nil {
			return t, err
		}
	}
	if err := b.Transition(t.ID, domain.StatusReady, domain.StatusInProgress); err != nil {
		return t, err
	}
	if _, err := b.RecordAttempt(t.ID); err != nil {
		return t, err
	}
	return b.Task(t.ID)
}

// work runs one attempt end to end: execution, cleanup, audit and recovery
func (p *Pool) work(ctx context.Context, task domain.Task) finished {
	a := newAttempt(p, ctx, task)
	defer a.cancel(nil)

	p.publish(Event{Type: EventTaskStarted, TaskID: task.ID, Attempt: task.Attempts})
	if p.deps.Observer != nil {
		p.deps.Observer.Started(task.ID, task.Attempts, time.Now().Add(p.cfg.TaskTimeout))
	}
	a.log.Info("task started", zap.Int("revision", task.Revision))

	a.run()
	leak := a.cleanup()
	a.result.FinishedAt = time.Now()

	f := finished{
		outcome: Outcome{
			TaskID:   task.ID,
			Attempt:  task.Attempts,
			Revision: task.Revision,
			Kind:     a.result.Kind,
			Error:    a.result.Error,
			Duration: a.result.FinishedAt.Sub(a.result.StartedAt),
		},
		unhealthy: a.unhealthy,
		leak:      leak,
	}
	if leak != nil {
		p.publish(Event{Type: EventSessionLeak, TaskID: task.ID, Attempt: task.Attempts, Message: leak.Error()})
	}

	p.audit(a.result)
	if p.deps.Observer != nil {
		p.deps.Observer.RecordCompletion(a.result)
	}

	if a.status == domain.StatusFailed && a.result.Kind != domain.OutcomeCanceled && p.deps.Recoverer != nil && ctx.Err() == nil {
		d, err := p.deps.Recoverer.Recover(ctx, task.ID, a.result)
		if err != nil {
			a.log.Error("recovery", zap.Error(err))
		} else {
			f.outcome.Decision = d.Action
			p.publish(Event{Type: EventDecision, TaskID: task.ID, Attempt: task.Attempts, Kind: string(d.Action), Message: strings.Join(d.Reasons, "; ")})
		}
	}
	if err := p.deps.Backlog.Persist(); err != nil {
		a.log.Error("persisting backlog", zap.Error(err))
	}

	a.log.Info("task finished",
		zap.String("kind", string(a.result.Kind)),
		zap.String("status", string(a.status)),
		zap.Duration("duration", f.outcome.Duration))
	p.publish(Event{Type: EventTaskFinished, TaskID: task.ID, Attempt: task.Attempts, Kind: string(a.result.Kind), Message: a.result.Error})
	return f
}

func (p *Pool) audit(r *domain.VerificationResult) {
	if p.deps.Audit == nil {
		return
	}
	if _, err := p.deps.Audit.RecordAttempt(r); err != nil {
		p.logger.Error("recording attempt", zap.String("task", r.TaskID), zap.Error(err))
	}
	note := fmt.Sprintf("attempt %d (revision %d) ended %s", r.Attempt, r.Revision, r.Kind)
	if r.Error != "" {
		note += ": " + r.Error
	}
	if len(r.FilesTouched) > 0 {
		note += "; touched " + strings.Join(r.FilesTouched, ", ")
	}
	if err := p.deps.Audit.AddNote(r.TaskID, taskstore.NoteAttempt, note); err != nil {
		p.logger.Error("recording attempt note", zap.String("task", r.TaskID), zap.Error(err))
	}
}

// resume settles tasks an interrupted run left behind. Tasks still marked
// in progress or in review are failed, and every failed task is routed to
// recovery before anything new is dispatched.
func (p *Pool) resume(ctx context.Context, summary *Summary) {
	b := p.deps.Backlog
	for _, from := range []domain.TaskStatus{domain.StatusInProgress, domain.StatusReview} {
		for _, t := range b.TasksWithStatus(from) {
			if err := b.Transition(t.ID, from, domain.StatusFailed); err != nil {
				p.logger.Warn("failing interrupted task", zap.String("task", t.ID), zap.Error(err))
				continue
			}
			if p.deps.Workspaces != nil {
				if err := p.deps.Workspaces.DestroyTask(ctx, t.ID); err != nil {
					p.logger.Warn("removing interrupted workspace", zap.String("task", t.ID), zap.Error(err))
				}
			}
			p.logger.Info("interrupted task failed", zap.String("task", t.ID), zap.String("was", string(from)))
		}
	}

	if p.deps.Recoverer == nil {
		return
	}
	for _, t := range b.TasksWithStatus(domain.StatusFailed) {
		var last *domain.VerificationResult
		if p.deps.Audit != nil {
			r, err := p.deps.Audit.PreviousResult(t.ID, t.Attempts+1)
			if err != nil {
				p.logger.Warn("reading last attempt", zap.String("task", t.ID), zap.Error(err))
			}
			last = r
		}
		d, err := p.deps.Recoverer.Recover(ctx, t.ID, last)
		if err != nil {
			p.logger.Error("resuming failed task", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		summary.Resumed = append(summary.Resumed, t.ID)
		p.publish(Event{Type: EventDecision, TaskID: t.ID, Attempt: t.Attempts, Kind: string(d.Action), Message: strings.Join(d.Reasons, "; ")})
	}
	if err := b.Persist(); err != nil {
		p.logger.Error("persisting backlog", zap.Error(err))
	}
}

func (p *Pool) halt(ctx context.Context, err error) {
	p.logger.Error("run halted", zap.Error(err))
	p.publish(Event{Type: EventHalted, Message: err.Error()})
	if nerr := p.notifier.Send(context.WithoutCancel(ctx), notify.Notification{
		Title:   "Run halted",
		Message: err.Error(),
		Type:    notify.NotifyError,
	}); nerr != nil {
		p.logger.Warn("sending notification", zap.Error(nerr))
	}
}

func (p *Pool) finish(summary *Summary, start time.Time) {
	b := p.deps.Backlog
	summary.Blocked = b.BlockUnreachable()
	for _, id := range summary.Blocked {
		p.logger.Info("task unreachable", zap.String("task", id))
	}
	if err := b.Persist(); err != nil {
		p.logger.Error("persisting backlog", zap.Error(err))
	}
	summary.Counts = b.Counts()
	summary.MaxInFlight = p.slots.Peak()
	summary.Duration = time.Since(start)

	msg := fmt.Sprintf("%d completed, %d failed, %d blocked, %d abandoned",
		summary.Counts[domain.StatusCompleted], summary.Counts[domain.StatusFailed],
		summary.Counts[domain.StatusBlocked], summary.Counts[domain.StatusAbandoned])
	p.logger.Info("run finished", zap.String("summary", msg), zap.Int("max_in_flight", summary.MaxInFlight), zap.Duration("duration", summary.Duration))
	p.publish(Event{Type: EventRunFinished, Message: msg})
}

// onDrift handles an alert raised by the drift monitor
func (p *Pool) onDrift(s *session.Session, r drift.Report) {
	msg := strings.Join(r.Reasons, "; ")
	p.publish(Event{Type: EventDrift, TaskID: s.TaskID, Message: msg})

	if p.deps.Audit != nil {
		if err := p.deps.Audit.RecordDriftAlert(r.Snapshot, r.Reasons); err != nil {
			p.logger.Warn("recording drift alert", zap.String("task", s.TaskID), zap.Error(err))
		}
		if err := p.deps.Audit.AddNote(s.TaskID, taskstore.NoteDrift, msg); err != nil {
			p.logger.Warn("recording drift note", zap.String("task", s.TaskID), zap.Error(err))
		}
	}
	if err := p.notifier.Send(context.Background(), notify.Notification{
		Title:   "Context drift",
		Message: msg,
		Type:    notify.NotifyWarning,
		TaskID:  s.TaskID,
	}); err != nil {
		p.logger.Warn("sending notification", zap.Error(err))
	}

	if !p.cfg.AbortOnDrift {
		return
	}
	p.mu.Lock()
	cancel := p.aborts[s.ID]
	p.mu.Unlock()
	if cancel != nil {
		p.logger.Warn("aborting task on drift", zap.String("task", s.TaskID), zap.String("session", s.ID))
		cancel(errDriftAbort)
	}
}

func (p *Pool) watch(s *session.Session, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborts[s.ID] = cancel
	if p.monitor != nil {
		if err := p.monitor.Add(s); err != nil {
			p.logger.Warn("watching session", zap.String("session", s.ID), zap.Error(err))
		}
	}
}

func (p *Pool) unwatch(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.aborts, s.ID)
	if p.monitor != nil {
		p.monitor.Remove(s)
	}
}
