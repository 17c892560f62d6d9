package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/backlog-orch/internal/agent"
	"github.com/hochfrequenz/backlog-orch/internal/backlog"
	"github.com/hochfrequenz/backlog-orch/internal/config"
	"github.com/hochfrequenz/backlog-orch/internal/contextguard"
	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/drift"
	"github.com/hochfrequenz/backlog-orch/internal/health"
	"github.com/hochfrequenz/backlog-orch/internal/notify"
	"github.com/hochfrequenz/backlog-orch/internal/observer"
	"github.com/hochfrequenz/backlog-orch/internal/prompts"
	"github.com/hochfrequenz/backlog-orch/internal/rebase"
	"github.com/hochfrequenz/backlog-orch/internal/scheduler"
	"github.com/hochfrequenz/backlog-orch/internal/session"
	"github.com/hochfrequenz/backlog-orch/internal/taskstore"
	"github.com/hochfrequenz/backlog-orch/internal/toolchain"
	"github.com/hochfrequenz/backlog-orch/internal/workspace"
)

// app holds the collaborators shared by the commands
type app struct {
	cfg      *config.Config
	root     string
	backlog  *backlog.Manager
	store    *taskstore.Store
	runner   *toolchain.Runner
	health   *health.Checker
	loader   *prompts.Loader
	agent    *agent.ClaudeCLI
	sessions *session.Store
	notifier notify.Notifier
	observer *observer.Observer
	logger   *zap.Logger
}

func projectRoot(c *config.Config) (string, error) {
	if c.General.ProjectRoot != "" {
		return c.General.ProjectRoot, nil
	}
	return os.Getwd()
}

func manifestFile(c *config.Config, root string) string {
	if filepath.IsAbs(c.General.Manifest) {
		return c.General.Manifest
	}
	return filepath.Join(root, c.General.Manifest)
}

// newApp opens the audit store and loads the manifest. withBacklog false
// skips the manifest for commands that do not need one.
func newApp(c *config.Config, withBacklog bool, log *zap.Logger) (*app, error) {
	root, err := projectRoot(c)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: c, root: root, logger: log}

	if withBacklog {
		if a.backlog, err = backlog.Load(manifestFile(c, root)); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(c.General.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	if a.store, err = taskstore.New(c.General.DatabasePath); err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}

	a.runner = toolchain.NewRunner(log)
	a.health = health.NewChecker(a.runner, c.Probes(), log)
	if len(c.Agent.PromptDirs) > 0 {
		a.loader = prompts.NewLoader(c.Agent.PromptDirs...)
	} else {
		a.loader = prompts.DefaultLoader(root)
	}
	a.agent = agent.NewClaudeCLI(c.Agent.Command, c.Agent.Model, c.Agent.ExtraArgs, log)
	a.sessions = sessionStore(c)
	a.observer = observer.New(time.Minute)

	notifiers := []notify.Notifier{notify.NewDesktopNotifier(c.Notifications.Desktop)}
	if c.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(c.Notifications.SlackWebhook))
	}
	a.notifier = notify.NewMultiNotifier(notifiers...)
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// pool wires a scheduler over the loaded backlog
func (a *app) pool(concurrency int) *scheduler.Pool {
	c := a.cfg
	if concurrency <= 0 {
		concurrency = c.General.MaxParallelTasks
	}
	ws := workspace.NewGitWorktrees(a.root, c.General.WorktreeDir, a.logger)
	verifier := contextguard.NewVerifier(c.ContextRules(), a.loader, a.backlog.IDs())
	recoverer := rebase.New(a.backlog, ws, a.store, a.notifier, rebase.Config{
		Threshold:         c.Rebase.Threshold,
		MaxAttempts:       c.General.MaxAttempts,
		MaxPitfalls:       c.Context.MaxPitfalls,
		MaxConstraints:    c.Context.MaxConstraints,
		MaxStatementChars: c.Context.MaxStatementChars,
	}, a.logger)

	return scheduler.New(scheduler.Deps{
		Backlog:    a.backlog,
		Verifier:   verifier,
		Workspaces: ws,
		Executor:   a.agent,
		Sessions:   a.sessions,
		Backend:    a.agent,
		Gate:       toolchain.NewGate(a.runner, c.GateChecks()),
		Health:     a.health,
		Detector:   drift.NewDetector(verifier.Scanner(), c.Drift.GrowthRatio),
		Recoverer:  recoverer,
		Audit:      a.store,
		Observer:   a.observer,
		Notifier:   a.notifier,
	}, scheduler.Config{
		Concurrency:    concurrency,
		TaskTimeout:    c.General.TaskTimeout.Std(),
		ProjectRoot:    a.root,
		Retry:          c.RetryPolicy(),
		DriftDebounce:  c.Drift.Debounce.Std(),
		AbortOnDrift:   c.Drift.AbortOnDrift,
		CleanupTimeout: time.Minute,
	}, a.logger)
}

// runPool executes one run and records it in the audit store
func (a *app) runPool(ctx context.Context, p *scheduler.Pool) (*scheduler.Summary, error) {
	runID, err := a.store.StartRun(a.backlog.Track(), p.Slots().Cap())
	if err != nil {
		a.logger.Warn("recording run start", zap.Error(err))
	}

	summary, runErr := p.Run(ctx)

	if runID != "" {
		counts := make(map[string]int, len(summary.Counts))
		for s, n := range summary.Counts {
			counts[string(s)] = n
		}
		if err := a.store.FinishRun(runID, counts, runErr); err != nil {
			a.logger.Warn("recording run end", zap.Error(err))
		}
	}
	return summary, runErr
}

// notifyComplete sends the end-of-run notification
func (a *app) notifyComplete(ctx context.Context, title string, s *scheduler.Summary, runErr error) {
	n := notify.Notification{
		Title: title,
		Message: fmt.Sprintf("%d completed, %d failed, %d blocked, %d abandoned",
			s.Counts[domain.StatusCompleted], s.Counts[domain.StatusFailed],
			s.Counts[domain.StatusBlocked], s.Counts[domain.StatusAbandoned]),
		Type: notify.NotifySuccess,
	}
	if runErr != nil || s.Counts[domain.StatusAbandoned] > 0 {
		n.Type = notify.NotifyWarning
	}
	if err := a.notifier.Send(context.WithoutCancel(ctx), n); err != nil {
		a.logger.Warn("sending notification", zap.Error(err))
	}
}

// sessionStore mirrors session contexts under <state_dir>/sessions
func sessionStore(c *config.Config) *session.Store {
	return session.NewStore(c.General.StateDir)
}
