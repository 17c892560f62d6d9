// Package toolchain runs the external commands behind the verification gate
// and the health probes.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Command is one shell command to run in a working directory
type Command struct {
	Name    string
	Script  string // passed to sh -c
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// OutputCallback is called for each line of output
type OutputCallback func(stream, line string)

// Result is the captured outcome of a command
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Runner executes commands with sh -c
type Runner struct {
	Shell  string
	logger *zap.Logger
}

// NewRunner creates a runner. A nil logger disables logging.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{Shell: "sh", logger: logger.Named("toolchain")}
}

// Run executes a command and returns its captured output. A non-zero exit is
// reported in Result, not as an error; errors mean the command could not be
// run at all.
func (r *Runner) Run(ctx context.Context, c Command, onOutput OutputCallback) (*Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.Shell, "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.WaitDelay = 2 * time.Second

	stdout := &lineWriter{stream: "stdout", onLine: onOutput}
	stderr := &lineWriter{stream: "stderr", onLine: onOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Debug("running command", zap.String("name", c.Name), zap.String("dir", c.Dir), zap.String("script", c.Script))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", c.Name, err)
	}

	err := cmd.Wait()
	stdout.flush()
	stderr.flush()
	res := &Result{
		Stdout:   stdout.buf.String(),
		Stderr:   stderr.buf.String(),
		Duration: time.Since(start),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("%s failed: %w", c.Name, err)
		}
	}

	r.logger.Debug("command finished",
		zap.String("name", c.Name),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// lineWriter captures output and reports it line by line
type lineWriter struct {
	stream  string
	onLine  OutputCallback
	buf     strings.Builder
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.onLine == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.onLine(w.stream, string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.onLine != nil && len(w.pending) > 0 {
		w.onLine(w.stream, string(w.pending))
		w.pending = nil
	}
}

// Tail returns the last n lines of s
func Tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
