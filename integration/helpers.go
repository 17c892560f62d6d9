//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	binary    string
	buildErr  error
	buildOut  []byte
)

// binaryPath builds the CLI once per test run
func binaryPath(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "backlog-orch-bin")
		if err != nil {
			buildErr = err
			return
		}
		binary = filepath.Join(dir, "backlog-orch")
		cmd := exec.Command("go", "build", "-o", binary, "../cmd/backlog-orch")
		buildOut, buildErr = cmd.CombinedOutput()
	})
	if buildErr != nil {
		t.Fatalf("Failed to build binary: %v\n%s", buildErr, buildOut)
	}
	return binary
}

// env is an isolated project: a git repository, a state dir and a config
type env struct {
	t        *testing.T
	home     string
	repo     string
	manifest string
	config   string
}

func newEnv(t *testing.T, manifest string) *env {
	t.Helper()
	base := t.TempDir()
	e := &env{
		t:        t,
		home:     filepath.Join(base, "home"),
		repo:     filepath.Join(base, "repo"),
		manifest: filepath.Join(base, "backlog.yaml"),
		config:   filepath.Join(base, "config.toml"),
	}
	for _, dir := range []string{e.home, e.repo} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	e.write(e.manifest, manifest)

	agent := filepath.Join(base, "fake-agent.sh")
	e.write(agent, fakeAgent)
	if err := os.Chmod(agent, 0755); err != nil {
		t.Fatal(err)
	}

	state := filepath.Join(base, "state")
	e.write(e.config, `[general]
project_root = "`+e.repo+`"
manifest = "`+e.manifest+`"
state_dir = "`+state+`"
worktree_dir = "`+filepath.Join(state, "worktrees")+`"
database_path = "`+filepath.Join(state, "audit.db")+`"
max_parallel_tasks = 2
task_timeout = "1m"

[agent]
command = "`+agent+`"

[retry]
base_delay = "10ms"
max_delay = "50ms"

[drift]
debounce = "50ms"

[[gate.check]]
name = "build"
command = "true"

[notifications]
desktop = false
`)

	e.git("init", "-q", "-b", "main")
	e.write(filepath.Join(e.repo, "README.md"), "# project\n")
	e.git("add", "-A")
	e.git("-c", "user.name=test", "-c", "user.email=test@example.com", "commit", "-q", "-m", "initial")
	return e
}

// fakeAgent stands in for the coding agent: it writes a file into its
// workspace and reports success in stream-json.
const fakeAgent = `#!/bin/sh
echo "work for session $$" > "work-$$.txt"
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"wrote a file"}]}}'
echo '{"type":"result","subtype":"success","result":"done","usage":{"input_tokens":10,"output_tokens":5}}'
`

func (e *env) write(path, content string) {
	e.t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		e.t.Fatal(err)
	}
}

func (e *env) git(args ...string) string {
	e.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = e.repo
	out, err := cmd.CombinedOutput()
	if err != nil {
		e.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// run executes the CLI and returns its combined output
func (e *env) run(args ...string) (string, error) {
	e.t.Helper()
	cmd := exec.Command(binaryPath(e.t), append(args, "--config", e.config)...)
	cmd.Env = append(os.Environ(), "HOME="+e.home, "NO_COLOR=1")
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (e *env) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	if err != nil {
		e.t.Fatalf("%s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}
