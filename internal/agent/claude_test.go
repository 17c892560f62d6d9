package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/session"
)

// fakeCLI writes an executable script standing in for the claude binary
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestClaudeCLI_Submit(t *testing.T) {
	cli := NewClaudeCLI(fakeCLI(t, `
echo '{"type":"system","subtype":"init"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"editing login.go"}]}}'
echo '{"type":"result","subtype":"success","result":"done","usage":{"input_tokens":120,"output_tokens":45},"total_cost_usd":0.02}'
`), "", nil, nil)

	var mu sync.Mutex
	var streamed []string
	res, err := cli.Submit(context.Background(), Request{
		SessionID: "s1",
		Dir:       t.TempDir(),
		Payload:   "# login",
		Deadline:  time.Now().Add(10 * time.Second),
		OnOutput: func(text string) {
			mu.Lock()
			streamed = append(streamed, text)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Summary)
	assert.Equal(t, 120, res.TokensIn)
	assert.Equal(t, 45, res.TokensOut)
	assert.InDelta(t, 0.02, res.CostUSD, 1e-9)
	assert.Equal(t, []string{"editing login.go\n"}, streamed)
}

func TestClaudeCLI_PassesSessionID(t *testing.T) {
	cli := NewClaudeCLI(fakeCLI(t, `echo "$@"`), "sonnet", []string{"--max-turns", "3"}, nil)

	res, err := cli.Submit(context.Background(), Request{SessionID: "abc-123", Dir: t.TempDir(), Payload: "work"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "--session-id abc-123")
	assert.Contains(t, res.Output, "--model sonnet")
	assert.Contains(t, res.Output, "--max-turns 3")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(res.Output), "-p work"))
}

func TestClaudeCLI_Errors(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		transient bool
	}{
		{"rate limited", `echo 'Error: rate limit exceeded' >&2; exit 1`, true},
		{"overloaded result", `echo '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"API overloaded"}'`, true},
		{"bad flag", `echo 'unknown option --foo' >&2; exit 2`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli := NewClaudeCLI(fakeCLI(t, tt.script), "", nil, nil)
			_, err := cli.Submit(context.Background(), Request{SessionID: "s", Dir: t.TempDir(), Payload: "p"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrCollaborator))
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestClaudeCLI_Deadline(t *testing.T) {
	cli := NewClaudeCLI(fakeCLI(t, `exec sleep 5`), "", nil, nil)

	start := time.Now()
	_, err := cli.Submit(context.Background(), Request{SessionID: "s", Dir: t.TempDir(), Payload: "p", Deadline: time.Now().Add(100 * time.Millisecond)})
	assert.True(t, errors.Is(err, domain.ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestClaudeCLI_TranscriptBackend(t *testing.T) {
	cli := NewClaudeCLI("claude", "", nil, nil)
	cli.ProjectsDir = t.TempDir()
	ref := session.Ref{ID: "abc", Dir: "/work/trees/login-1f2e3d"}

	path := cli.TranscriptPath(ref)
	assert.Equal(t, filepath.Join(cli.ProjectsDir, "-work-trees-login-1f2e3d", "abc.jsonl"), path)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0644))

	ctx := context.Background()
	exists, err := cli.SessionExists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, cli.DeleteSession(ctx, ref))
	exists, err = cli.SessionExists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, cli.DeleteSession(ctx, ref), "deleting twice is fine")
}

func TestClaudeCLI_TranscriptUnderDottedDir(t *testing.T) {
	cli := NewClaudeCLI("claude", "", nil, nil)
	cli.ProjectsDir = t.TempDir()

	s, err := session.NewStore(t.TempDir()).Open(session.Options{
		TaskID:  "task_1",
		Dir:     "/home/u/.backlog-orch/worktrees/task_1-a1b2c3",
		Payload: "# task_1",
	})
	require.NoError(t, err)

	path := cli.TranscriptPath(s.Ref())
	assert.Equal(t, filepath.Join(cli.ProjectsDir, "-home-u--backlog-orch-worktrees-task-1-a1b2c3", s.ID+".jsonl"), path)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0644))
	exists, err := cli.SessionExists(context.Background(), s.Ref())
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, session.DeleteVerified(context.Background(), cli, s))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "transcript should be gone")
}

func TestClassify(t *testing.T) {
	assert.True(t, Classify(errors.New("dial tcp: connection refused"), "").Transient)
	assert.True(t, Classify(errors.New("exit status 1"), "HTTP 429 Too Many Requests").Transient)
	assert.False(t, Classify(errors.New("exit status 1"), "invalid api key").Transient)
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestRecorder(t *testing.T) {
	backend := session.NewMemoryBackend()
	r := &Recorder{
		Executor: ExecutorFunc(func(ctx context.Context, req Request) (*Result, error) {
			return &Result{Summary: "ok"}, nil
		}),
		Backend: backend,
	}
	_, err := r.Submit(context.Background(), Request{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Calls())
	assert.Equal(t, 1, backend.Live())
}
