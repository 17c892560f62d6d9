//go:build integration

package integration

import (
	"os"
	"strings"
	"testing"
)

const chainManifest = `schema_version: 1
track: auth
tasks:
  - id: auth-login
    title: Add login endpoint
    description: Accept a username and password and issue a session token.
    acceptance:
      - POST /login returns a token for valid credentials
  - id: auth-logout
    title: Add logout endpoint
    description: Invalidate the session token.
    depends_on: [auth-login]
    acceptance:
      - POST /logout invalidates the token
  - id: auth-audit
    title: Audit log
    description: Record logins and logouts.
    depends_on: [auth-logout]
    acceptance:
      - every login and logout is recorded
`

func TestCLI_Validate(t *testing.T) {
	e := newEnv(t, chainManifest)

	out := e.mustRun("validate")
	if !strings.Contains(out, "3 tasks") {
		t.Errorf("Expected '3 tasks' in output, got: %s", out)
	}
	login := strings.Index(out, "auth-login")
	audit := strings.Index(out, "auth-audit")
	if login < 0 || audit < 0 || login > audit {
		t.Errorf("dependency order not printed: %s", out)
	}
}

func TestCLI_ValidateRejectsCycle(t *testing.T) {
	e := newEnv(t, `schema_version: 1
track: loop
tasks:
  - id: a-one
    title: One
    depends_on: [a-two]
  - id: a-two
    title: Two
    depends_on: [a-one]
`)
	out, err := e.run("validate")
	if err == nil {
		t.Fatalf("Expected error for a cyclic manifest, got: %s", out)
	}
	if !strings.Contains(out, "cycle") {
		t.Errorf("Expected cycle error, got: %s", out)
	}
}

func TestCLI_Ready(t *testing.T) {
	e := newEnv(t, chainManifest)

	out := e.mustRun("ready")
	if !strings.Contains(out, "auth-login") {
		t.Errorf("auth-login should be ready: %s", out)
	}
	if strings.Contains(out, "auth-logout") {
		t.Errorf("auth-logout depends on an incomplete task: %s", out)
	}
}

func TestCLI_Unblock(t *testing.T) {
	e := newEnv(t, `schema_version: 1
track: auth
tasks:
  - id: auth-login
    title: Login
    status: blocked
    blocked_reason: waiting for credentials
`)

	out := e.mustRun("unblock", "auth-login", "--reason", "credentials provisioned")
	if !strings.Contains(out, "pending again") {
		t.Errorf("unexpected output: %s", out)
	}

	data, err := os.ReadFile(e.manifest)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "status: pending") {
		t.Errorf("manifest not updated:\n%s", data)
	}

	out = e.mustRun("history", "auth-login")
	if !strings.Contains(out, "credentials provisioned") {
		t.Errorf("unblock note missing from history: %s", out)
	}

	if out, err := e.run("unblock", "auth-login"); err == nil {
		t.Errorf("unblocking a pending task should fail: %s", out)
	}
}

func TestCLI_RunDrainsBacklog(t *testing.T) {
	e := newEnv(t, chainManifest)

	out := e.mustRun("run")
	for _, id := range []string{"auth-login", "auth-logout", "auth-audit"} {
		if !strings.Contains(out, "✓ "+id) {
			t.Errorf("%s did not pass:\n%s", id, out)
		}
	}

	data, err := os.ReadFile(e.manifest)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "status: completed"); n != 3 {
		t.Errorf("completed tasks in manifest = %d, want 3:\n%s", n, data)
	}

	log := e.git("log", "--oneline")
	if n := strings.Count(log, "auth-"); n < 3 {
		t.Errorf("expected a merge per task, got:\n%s", log)
	}
	if wt := e.git("worktree", "list"); strings.Count(wt, "\n") != 1 {
		t.Errorf("worktrees left behind:\n%s", wt)
	}

	out = e.mustRun("status")
	if !strings.Contains(out, "Recent runs") {
		t.Errorf("run not recorded: %s", out)
	}
}

func TestCLI_InvalidCommand(t *testing.T) {
	e := newEnv(t, chainManifest)

	out, err := e.run("invalidcommand")
	if err == nil {
		t.Error("Expected error for invalid command")
	}
	if !strings.Contains(out, "unknown command") && !strings.Contains(out, "Usage") {
		t.Errorf("Expected error message or usage info, got: %s", out)
	}
}
