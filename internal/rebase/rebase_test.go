package rebase

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/backlog-orch/internal/backlog"
	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/notify"
	"github.com/hochfrequenz/backlog-orch/internal/taskstore"
	"github.com/hochfrequenz/backlog-orch/internal/workspace"
)

type fakeWorkspaces struct {
	workspace.Manager
	mu        sync.Mutex
	destroyed []string
}

func (f *fakeWorkspaces) DestroyTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, taskID)
	return nil
}

type fixture struct {
	backlog  *backlog.Manager
	store    *taskstore.Store
	ws       *fakeWorkspaces
	notifier *notify.Recorder
	engine   *Engine
}

func newFixture(t *testing.T, task domain.Task, cfg Config) *fixture {
	t.Helper()
	b, err := backlog.New(&domain.Backlog{Track: "auth", Tasks: []domain.Task{task}})
	require.NoError(t, err)
	store, err := taskstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{backlog: b, store: store, ws: &fakeWorkspaces{}, notifier: &notify.Recorder{}}
	f.engine = New(b, f.ws, store, f.notifier, cfg, nil)
	return f
}

func failedTask(attempts int) domain.Task {
	return domain.Task{
		ID:          "login",
		Title:       "Add login endpoint",
		Description: "POST /login issues a session token.",
		Acceptance:  []string{"valid credentials return 200"},
		Status:      domain.StatusFailed,
		Attempts:    attempts,
		Scope:       domain.ScopeHint{Paths: []string{"internal/auth/**"}},
		Context:     domain.ContextBlock{Pitfalls: []string{"do not log passwords"}},
	}
}

func gateFailure(attempt int, stderr string) *domain.VerificationResult {
	return &domain.VerificationResult{
		TaskID:       "login",
		Attempt:      attempt,
		Kind:         domain.OutcomeGateFailed,
		Checks:       []domain.CheckResult{{Name: "test", ExitCode: 1, Stderr: stderr}},
		FilesTouched: []string{"internal/auth/login.go"},
	}
}

func TestEvaluate_FirstFailureRetriesAsIs(t *testing.T) {
	f := newFixture(t, failedTask(1), DefaultConfig())

	d := f.engine.Evaluate(failedTask(1), gateFailure(1, "FAIL TestLogin"))
	assert.Equal(t, domain.ActionRetryAsIs, d.Action)
	assert.NotEmpty(t, d.Reasons)
	assert.Contains(t, d.Note, "retry_as_is")
}

func TestEvaluate_TwiceFailedRebases(t *testing.T) {
	f := newFixture(t, failedTask(2), DefaultConfig())
	_, err := f.store.RecordAttempt(gateFailure(1, "FAIL TestLogin"))
	require.NoError(t, err)

	d := f.engine.Evaluate(failedTask(2), gateFailure(2, "FAIL TestLogin"))
	assert.Equal(t, domain.ActionRebase, d.Action)
	assert.Len(t, d.Reasons, 2, "threshold and repeated digest")
}

func TestEvaluate_RepeatedDigestBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Threshold = 4
	f := newFixture(t, failedTask(2), cfg)
	f.store.RecordAttempt(gateFailure(1, "FAIL at line 10"))

	d := f.engine.Evaluate(failedTask(2), gateFailure(2, "FAIL at line 12"))
	assert.Equal(t, domain.ActionRebase, d.Action)
	assert.Contains(t, d.Reasons[0], "same way")

	d = f.engine.Evaluate(failedTask(2), gateFailure(2, "panic: nil map"))
	assert.Equal(t, domain.ActionRetryAsIs, d.Action)
}

func TestEvaluate_OutOfScopeRebases(t *testing.T) {
	f := newFixture(t, failedTask(1), DefaultConfig())
	result := gateFailure(1, "FAIL")
	result.FilesTouched = append(result.FilesTouched, "cmd/server/main.go")

	d := f.engine.Evaluate(failedTask(1), result)
	assert.Equal(t, domain.ActionRebase, d.Action)
	assert.Contains(t, d.Reasons[0], "cmd/server/main.go")
}

func TestEvaluate_MaxAttemptsAbandons(t *testing.T) {
	f := newFixture(t, failedTask(5), DefaultConfig())
	d := f.engine.Evaluate(failedTask(5), gateFailure(5, "FAIL"))
	assert.Equal(t, domain.ActionAbandon, d.Action)
}

func TestRecover_RetryAsIs(t *testing.T) {
	f := newFixture(t, failedTask(1), DefaultConfig())

	d, err := f.engine.Recover(context.Background(), "login", gateFailure(1, "FAIL"))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRetryAsIs, d.Action)

	task, _ := f.backlog.Task("login")
	assert.Equal(t, domain.StatusReady, task.Status)
	assert.Equal(t, 0, task.Revision)
	assert.Equal(t, 1, task.Attempts)

	notes, err := f.store.Notes("login")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, taskstore.NoteDecision, notes[0].Kind)
}

func TestRecover_Rebase(t *testing.T) {
	f := newFixture(t, failedTask(2), DefaultConfig())

	_, err := f.engine.Recover(context.Background(), "login", gateFailure(2, "FAIL TestLogin: expected 200, got 500\nmore"))
	require.NoError(t, err)

	task, _ := f.backlog.Task("login")
	assert.Equal(t, domain.StatusReady, task.Status)
	assert.Equal(t, 1, task.Revision)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, []string{"login"}, f.ws.destroyed)

	require.Len(t, task.Context.Pitfalls, 2)
	assert.True(t, strings.HasPrefix(task.Context.Pitfalls[0], "avoid the previous approach because test failed"))
	assert.Equal(t, "do not log passwords", task.Context.Pitfalls[1])
	assert.Contains(t, task.Description, "Revision 1: ")
	assert.Equal(t, failedTask(2).Acceptance, task.Acceptance)
}

func TestRecover_RebaseReplacesRevisionLineAndCapsPitfalls(t *testing.T) {
	task := failedTask(3)
	task.Revision = 1
	task.Description = "POST /login issues a session token.\n\nRevision 1: replaces a specification whose attempt ended timeout."
	task.Context.Pitfalls = []string{"p1", "p2", "p3"}
	f := newFixture(t, task, DefaultConfig())

	result := gateFailure(3, strings.Repeat("very long failure output ", 20))
	result.FilesTouched = []string{"docs/notes.md"}
	_, err := f.engine.Recover(context.Background(), "login", result)
	require.NoError(t, err)

	got, _ := f.backlog.Task("login")
	assert.Equal(t, 2, got.Revision)
	assert.Equal(t, 1, strings.Count(got.Description, "Revision "))
	assert.Contains(t, got.Description, "Revision 2: ")

	assert.Len(t, got.Context.Pitfalls, 3)
	assert.Equal(t, []string{"p1", "p2"}, got.Context.Pitfalls[1:])
	for _, p := range got.Context.Pitfalls {
		assert.Less(t, utf8.RuneCountInString(p), 100)
	}
	require.Len(t, got.Context.Constraints, 1)
	assert.Equal(t, "only edit files matching internal/auth/**", got.Context.Constraints[0])
}

func TestRecover_Abandon(t *testing.T) {
	f := newFixture(t, failedTask(5), DefaultConfig())

	d, err := f.engine.Recover(context.Background(), "login", gateFailure(5, "FAIL"))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAbandon, d.Action)

	task, _ := f.backlog.Task("login")
	assert.Equal(t, domain.StatusAbandoned, task.Status)
	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "login", sent[0].TaskID)
}

func TestRecover_RequiresFailedStatus(t *testing.T) {
	task := failedTask(1)
	task.Status = domain.StatusPending
	f := newFixture(t, task, DefaultConfig())

	_, err := f.engine.Recover(context.Background(), "login", gateFailure(1, "FAIL"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
