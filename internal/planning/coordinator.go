// Package planning runs the planning roles in parallel, each in its own
// session, and merges their replies into one backlog.
package planning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/backlog-orch/internal/agent"
	"github.com/hochfrequenz/backlog-orch/internal/contextguard"
	"github.com/hochfrequenz/backlog-orch/internal/prompts"
	"github.com/hochfrequenz/backlog-orch/internal/retry"
	"github.com/hochfrequenz/backlog-orch/internal/session"
)

// Config bounds the planning sessions
type Config struct {
	Sessions int           // planners running at once
	Timeout  time.Duration // per planner
	MaxBytes int           // context document limit
	Retry    retry.Policy
}

// DefaultConfig returns the reference planning limits
func DefaultConfig() Config {
	return Config{Sessions: 3, Timeout: 10 * time.Minute, MaxBytes: 3000, Retry: retry.DefaultPolicy()}
}

// Coordinator runs the planners
type Coordinator struct {
	loader   *prompts.Loader
	executor agent.Executor
	backend  session.Backend
	sessions *session.Store
	dir      string
	cfg      Config
	logger   *zap.Logger
}

// NewCoordinator creates a coordinator. Planner sessions run in dir and are
// deleted through backend once the plan is merged.
func NewCoordinator(loader *prompts.Loader, executor agent.Executor, backend session.Backend, sessions *session.Store, dir string, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = DefaultConfig().Sessions
	}
	return &Coordinator{
		loader:   loader,
		executor: executor,
		backend:  backend,
		sessions: sessions,
		dir:      dir,
		cfg:      cfg,
		logger:   logger.Named("planning"),
	}
}

// PlanInParallel runs every planning role on contextDoc and merges the
// results. Sessions are always deleted and verified; a session that cannot
// be confirmed gone yields an error wrapping domain.ErrSessionLeak alongside
// the plan.
func (c *Coordinator) PlanInParallel(ctx context.Context, contextDoc string) (*UnifiedPlan, error) {
	templates, err := c.loader.ListPlanningTemplates()
	if err != nil {
		return nil, fmt.Errorf("loading planning templates: %w", err)
	}

	doc, truncated := contextguard.FitDocument(contextDoc, c.cfg.MaxBytes)
	if truncated {
		c.logger.Warn("context document truncated", zap.Int("original", len(contextDoc)), zap.Int("kept", len(doc)))
	}

	var (
		mu       sync.Mutex
		outputs  = make(map[string][]PlannedTask)
		sessions []*session.Session
	)

	rendered := make([]string, len(templates))
	for i, tmpl := range templates {
		prompt, err := c.loader.BuildPlanningPrompt(tmpl, prompts.PlanningData{Context: doc})
		if err != nil {
			return nil, fmt.Errorf("rendering %s prompt: %w", tmpl.Meta.ID, err)
		}
		rendered[i] = prompt
	}
	for i, tmpl := range templates {
		s, err := c.sessions.Open(session.Options{TaskID: "plan-" + tmpl.Meta.ID, Dir: c.dir, Payload: rendered[i], Timeout: c.cfg.Timeout})
		if err != nil {
			return nil, errors.Join(err, c.cleanup(sessions))
		}
		sessions = append(sessions, s)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Sessions)
	for i, tmpl := range templates {
		role, s, prompt := tmpl.Meta.ID, sessions[i], rendered[i]
		g.Go(func() error {
			tasks, last, err := c.runRole(gctx, role, s, prompt)
			mu.Lock()
			sessions[i] = last
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("%s planner: %w", role, err)
			}
			mu.Lock()
			outputs[role] = tasks
			mu.Unlock()
			return nil
		})
	}

	runErr := g.Wait()
	leakErr := c.cleanup(sessions)
	if runErr != nil {
		return nil, errors.Join(runErr, leakErr)
	}

	plan := Merge(outputs)
	plan.Truncated = truncated
	for _, s := range sessions {
		plan.Sessions = append(plan.Sessions, s.ID)
	}
	for _, w := range plan.Warnings {
		c.logger.Warn("plan merge", zap.String("warning", w))
	}
	c.logger.Info("plan merged", zap.Int("tasks", len(plan.Tasks)), zap.Int("roles", len(outputs)))
	return plan, leakErr
}

// runRole submits the prompt, retrying transient errors in a fresh session
// each time. It returns the session that is live when it finishes.
func (c *Coordinator) runRole(ctx context.Context, role string, s *session.Session, prompt string) ([]PlannedTask, *session.Session, error) {
	var res *agent.Result
	tries := 0
	err := retry.Do(ctx, c.cfg.Retry, agent.IsTransient, func(ctx context.Context) error {
		if tries > 0 {
			fresh, err := c.sessions.Renew(ctx, c.backend, s)
			if err != nil {
				return fmt.Errorf("renewing session: %w", err)
			}
			s = fresh
		}
		tries++
		var err error
		res, err = c.executor.Submit(ctx, agent.Request{
			SessionID: s.ID,
			Dir:       s.Dir,
			Payload:   prompt,
			Deadline:  s.Deadline,
			OnOutput:  func(text string) { s.Append(text) },
		})
		return err
	}, func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("planner retry", zap.String("role", role), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	})
	if err != nil {
		return nil, s, err
	}

	reply := res.Summary
	if reply == "" {
		reply = res.Output
	}
	tasks, err := ParseOutput(reply)
	return tasks, s, err
}

// cleanup deletes every session, using a context that survives cancellation
func (c *Coordinator) cleanup(sessions []*session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	for _, s := range sessions {
		if err := session.DeleteVerified(ctx, c.backend, s); err != nil {
			c.logger.Error("session leak", zap.String("session", s.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
