package toolchain

import (
	"context"
	"time"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
)

// summaryLines is how much output a check result keeps
const summaryLines = 20

// Check is one verification gate command, e.g. the test runner or the linter
type Check struct {
	Name    string
	Command string
	Timeout time.Duration
}

// Gate runs every check of the verification gate in a workspace
type Gate struct {
	runner *Runner
	checks []Check
}

// NewGate creates a gate over the given checks
func NewGate(runner *Runner, checks []Check) *Gate {
	return &Gate{runner: runner, checks: checks}
}

// Checks returns the configured checks
func (g *Gate) Checks() []Check {
	return g.checks
}

// Run executes the checks in order and reports each one. All checks run even
// after a failure so the result shows the full picture. The returned bool is
// true only if every check passed.
func (g *Gate) Run(ctx context.Context, dir string) ([]domain.CheckResult, bool, error) {
	results := make([]domain.CheckResult, 0, len(g.checks))
	passed := true
	for _, c := range g.checks {
		res, err := g.runner.Run(ctx, Command{Name: c.Name, Script: c.Command, Dir: dir, Timeout: c.Timeout}, nil)
		if err != nil {
			if ctx.Err() != nil {
				return results, false, ctx.Err()
			}
			results = append(results, domain.CheckResult{Name: c.Name, ExitCode: -1, Stderr: err.Error()})
			passed = false
			continue
		}
		cr := domain.CheckResult{
			Name:     c.Name,
			Passed:   res.ExitCode == 0 && !res.TimedOut,
			ExitCode: res.ExitCode,
			Stdout:   Tail(res.Stdout, summaryLines),
			Stderr:   Tail(res.Stderr, summaryLines),
			Duration: res.Duration,
		}
		if res.TimedOut {
			cr.Stderr = Tail(cr.Stderr+"\ntimed out", summaryLines)
		}
		if !cr.Passed {
			passed = false
		}
		results = append(results, cr)
	}
	return results, passed, nil
}
