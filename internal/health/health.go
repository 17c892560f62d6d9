// Package health verifies that the tool chain behind the verification gate
// actually works before any task result is trusted.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/toolchain"
)

// Probe is a command with a known expected outcome, e.g. a trivial passing
// test or a lint run over a file that is known to be clean.
type Probe struct {
	Name    string
	Command string
	// Files are seeded into a scratch directory before the command runs.
	// Without files the probe runs in the checked directory.
	Files        map[string]string
	ExpectExit   int
	ExpectOutput string // substring of stdout+stderr, optional
	Timeout      time.Duration
}

// ProbeResult is the outcome of one probe
type ProbeResult struct {
	Name     string        `json:"name"`
	Healthy  bool          `json:"healthy"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report collects every probe result for one directory
type Report struct {
	Dir       string        `json:"dir"`
	Healthy   bool          `json:"healthy"`
	Probes    []ProbeResult `json:"probes"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Failed returns the names of unhealthy probes
func (r *Report) Failed() []string {
	var names []string
	for _, p := range r.Probes {
		if !p.Healthy {
			names = append(names, p.Name)
		}
	}
	return names
}

// UnhealthyError carries the report of a failed check
type UnhealthyError struct {
	Report *Report
}

func (e *UnhealthyError) Error() string {
	var parts []string
	for _, p := range e.Report.Probes {
		if !p.Healthy {
			parts = append(parts, fmt.Sprintf("%s: %s", p.Name, p.Reason))
		}
	}
	return fmt.Sprintf("toolchain unhealthy in %s: %s", e.Report.Dir, strings.Join(parts, "; "))
}

func (e *UnhealthyError) Unwrap() error {
	return domain.ErrUnhealthyToolchain
}

// Checker runs the configured probes
type Checker struct {
	runner *toolchain.Runner
	probes []Probe
	logger *zap.Logger
}

// NewChecker creates a checker
func NewChecker(runner *toolchain.Runner, probes []Probe, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{runner: runner, probes: probes, logger: logger.Named("health")}
}

// Probes returns the configured probes
func (c *Checker) Probes() []Probe {
	return c.probes
}

// VerifyHealthy runs every probe concurrently against dir. The report is
// always returned; the error wraps domain.ErrUnhealthyToolchain when any probe
// did not produce its expected outcome.
func (c *Checker) VerifyHealthy(ctx context.Context, dir string) (*Report, error) {
	report := &Report{Dir: dir, Healthy: true, CheckedAt: time.Now()}
	results := make([]ProbeResult, len(c.probes))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range c.probes {
		g.Go(func() error {
			res, err := c.runProbe(gctx, dir, p)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Probes = results
	sort.SliceStable(report.Probes, func(i, j int) bool { return report.Probes[i].Name < report.Probes[j].Name })
	for _, r := range report.Probes {
		if !r.Healthy {
			report.Healthy = false
		}
	}

	if !report.Healthy {
		c.logger.Warn("toolchain unhealthy", zap.String("dir", dir), zap.Strings("probes", report.Failed()))
		return report, &UnhealthyError{Report: report}
	}
	c.logger.Debug("toolchain healthy", zap.String("dir", dir), zap.Int("probes", len(report.Probes)))
	return report, nil
}

// runProbe returns an error only when ctx is canceled; anything else is an
// unhealthy result.
func (c *Checker) runProbe(ctx context.Context, dir string, p Probe) (ProbeResult, error) {
	res := ProbeResult{Name: p.Name}

	workDir := dir
	if len(p.Files) > 0 {
		scratch, err := os.MkdirTemp("", "probe-"+sanitize(p.Name)+"-")
		if err != nil {
			res.Reason = fmt.Sprintf("creating scratch dir: %v", err)
			return res, nil
		}
		defer os.RemoveAll(scratch)
		if err := seed(scratch, p.Files); err != nil {
			res.Reason = err.Error()
			return res, nil
		}
		workDir = scratch
	}

	out, err := c.runner.Run(ctx, toolchain.Command{Name: "probe " + p.Name, Script: p.Command, Dir: workDir, Timeout: p.Timeout}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Reason = err.Error()
		return res, nil
	}

	res.ExitCode = out.ExitCode
	res.Duration = out.Duration
	res.Output = toolchain.Tail(out.Stdout+out.Stderr, 10)
	switch {
	case out.TimedOut:
		res.Reason = "timed out"
	case out.ExitCode != p.ExpectExit:
		res.Reason = fmt.Sprintf("exit code %d, expected %d", out.ExitCode, p.ExpectExit)
	case p.ExpectOutput != "" && !strings.Contains(out.Stdout+out.Stderr, p.ExpectOutput):
		res.Reason = fmt.Sprintf("output does not contain %q", p.ExpectOutput)
	default:
		res.Healthy = true
	}
	return res, nil
}

func seed(root string, files map[string]string) error {
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if !strings.HasPrefix(path, filepath.Clean(root)+string(filepath.Separator)) {
			return fmt.Errorf("fixture %q escapes the scratch dir", name)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("seeding %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("seeding %s: %w", name, err)
		}
	}
	return nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == ' ' || r == os.PathSeparator {
			return '-'
		}
		return r
	}, name)
}
