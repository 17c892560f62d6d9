package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/session"
)

// ClaudeCLI runs the claude command line tool in print mode with streamed
// JSON output. It also serves as the session backend, since the CLI keeps a
// transcript per session id.
type ClaudeCLI struct {
	Command     string
	Model       string
	ExtraArgs   []string
	ProjectsDir string // where transcripts live, ~/.claude/projects by default

	logger *zap.Logger
}

// NewClaudeCLI creates an executor using the given binary
func NewClaudeCLI(command, model string, extraArgs []string, logger *zap.Logger) *ClaudeCLI {
	if command == "" {
		command = "claude"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ClaudeCLI{Command: command, Model: model, ExtraArgs: extraArgs, logger: logger.Named("agent")}
	if home, err := os.UserHomeDir(); err == nil {
		c.ProjectsDir = filepath.Join(home, ".claude", "projects")
	}
	return c
}

func (c *ClaudeCLI) args(req Request) []string {
	args := []string{
		"--print",
		"--verbose", // required for stream-json
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--session-id", req.SessionID,
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	args = append(args, c.ExtraArgs...)
	return append(args, "-p", req.Payload)
}

// streamMessage covers the stream-json messages we read
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Message      struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"message,omitempty"`
}

// Submit runs the payload in req.Dir and waits for the final result message
func (c *ClaudeCLI) Submit(ctx context.Context, req Request) (*Result, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, c.args(req)...)
	cmd.Dir = req.Dir
	cmd.WaitDelay = 5 * time.Second
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	c.logger.Debug("submitting payload", zap.String("session", req.SessionID), zap.String("dir", req.Dir), zap.Int("bytes", len(req.Payload)))
	if err := cmd.Start(); err != nil {
		return nil, &CollaboratorError{Err: fmt.Errorf("starting %s: %w", c.Command, err)}
	}

	res, streamErr := c.readStream(stdout, req.OnOutput)
	waitErr := cmd.Wait()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("session %s: %w", req.SessionID, domain.ErrTimeout)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if streamErr != nil {
		return res, streamErr
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		return res, Classify(fmt.Errorf("%s exited: %w", filepath.Base(c.Command), waitErr), detail+" "+res.Summary)
	}

	c.logger.Debug("submission finished",
		zap.String("session", req.SessionID),
		zap.Int("tokens_in", res.TokensIn),
		zap.Int("tokens_out", res.TokensOut))
	return res, nil
}

func (c *ClaudeCLI) readStream(r io.Reader, onOutput func(string)) (*Result, error) {
	res := &Result{}
	var out strings.Builder
	var failure error

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		text := line

		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err == nil {
			text = ""
			switch msg.Type {
			case "assistant":
				for _, part := range msg.Message.Content {
					if part.Type == "text" && part.Text != "" {
						text += part.Text + "\n"
					}
				}
			case "result":
				res.Summary = msg.Result
				res.TokensIn = msg.Usage.InputTokens
				res.TokensOut = msg.Usage.OutputTokens
				res.CostUSD = msg.TotalCostUSD
				if res.CostUSD == 0 {
					res.CostUSD = msg.CostUSD
				}
				if msg.IsError || strings.HasPrefix(msg.Subtype, "error") {
					failure = Classify(fmt.Errorf("agent reported %s", msg.Subtype), msg.Result)
				}
			case "error":
				failure = Classify(errors.New(msg.Error), "")
			}
		} else {
			text += "\n"
		}

		if text != "" {
			out.WriteString(text)
			if onOutput != nil {
				onOutput(text)
			}
		}
	}
	res.Output = out.String()
	if err := scanner.Err(); err != nil && failure == nil {
		failure = Classify(fmt.Errorf("reading agent output: %w", err), "")
	}
	return res, failure
}

// projectDirChars matches what the CLI replaces when naming a project directory
var projectDirChars = regexp.MustCompile(`[^A-Za-z0-9]`)

// TranscriptPath returns where the CLI stores the transcript of a session
// started in dir. Every non-alphanumeric character of dir becomes a dash.
func (c *ClaudeCLI) TranscriptPath(ref session.Ref) string {
	encoded := projectDirChars.ReplaceAllString(filepath.ToSlash(ref.Dir), "-")
	return filepath.Join(c.ProjectsDir, encoded, ref.ID+".jsonl")
}

// DeleteSession removes the transcript. A missing transcript is not an error.
func (c *ClaudeCLI) DeleteSession(_ context.Context, ref session.Ref) error {
	if c.ProjectsDir == "" {
		return errors.New("unknown transcript directory")
	}
	if err := os.Remove(c.TranscriptPath(ref)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SessionExists checks whether the transcript is still on disk
func (c *ClaudeCLI) SessionExists(_ context.Context, ref session.Ref) (bool, error) {
	if c.ProjectsDir == "" {
		return false, errors.New("unknown transcript directory")
	}
	_, err := os.Stat(c.TranscriptPath(ref))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

var _ session.Backend = (*ClaudeCLI)(nil)

// Recorder wraps an executor and registers every session it is asked to run
// with a memory backend, for executors without server-side sessions.
type Recorder struct {
	Executor
	Backend *session.MemoryBackend

	mu    sync.Mutex
	calls int
}

func (r *Recorder) Submit(ctx context.Context, req Request) (*Result, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	r.Backend.Register(session.Ref{ID: req.SessionID, Dir: req.Dir})
	return r.Executor.Submit(ctx, req)
}

// Calls returns how many submissions were made
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
