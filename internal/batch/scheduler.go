// Package batch starts backlog runs on cron schedules. Each window bounds its
// run by a concurrency and a maximum duration.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc executes one window. The context is canceled when the window's
// max duration elapses or the scheduler stops.
type RunFunc func(ctx context.Context, w WindowConfig) error

// Scheduler manages scheduled windows
type Scheduler struct {
	configs map[string]WindowConfig
	parser  cron.Parser
	lastRun map[string]time.Time
	running map[string]bool
	started time.Time
	now     func() time.Time
	logger  *zap.Logger
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. Windows never fire for slots that passed
// before it was created.
func NewScheduler(configs []WindowConfig, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		configs: make(map[string]WindowConfig),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
		now:     time.Now,
		logger:  logger.Named("batch"),
	}
	s.started = s.now()

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		s.configs[cfg.Name] = cfg
	}

	return s, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled start of a window
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(s.now())
}

// ShouldRun reports whether a window is due and not already running
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok || s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = s.started
	}

	return !s.now().Before(sched.Next(lastRun))
}

// MarkRunning marks a window as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a window as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = s.now()
}

// GetConfig returns the config of a window
func (s *Scheduler) GetConfig(name string) (WindowConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return cfg, ok
}

// ListWindows returns all window names, sorted
func (s *Scheduler) ListWindows() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tick starts every due window and returns their names
func (s *Scheduler) Tick(ctx context.Context, run RunFunc) []string {
	var started []string
	for _, name := range s.ListWindows() {
		if !s.ShouldRun(name) {
			continue
		}
		cfg, _ := s.GetConfig(name)
		s.MarkRunning(name)
		started = append(started, name)

		s.wg.Add(1)
		go func(c WindowConfig) {
			defer s.wg.Done()
			defer s.MarkComplete(c.Name)
			s.execute(ctx, c, run)
		}(cfg)
	}
	return started
}

func (s *Scheduler) execute(ctx context.Context, c WindowConfig, run RunFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.MaxDuration.Std())
	defer cancel()

	log := s.logger.With(zap.String("window", c.Name))
	log.Info("window started", zap.Duration("max_duration", c.MaxDuration.Std()), zap.Int("concurrency", c.Concurrency))
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("window panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := run(ctx, c); err != nil {
		log.Error("window failed", zap.Error(err), zap.Duration("elapsed", s.now().Sub(start)))
		return
	}
	log.Info("window finished", zap.Duration("elapsed", s.now().Sub(start)))
}

// Start checks the schedule every minute until ctx is done, then waits for
// running windows to return.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, run)
		}
	}
}

// Wait blocks until every started window has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
