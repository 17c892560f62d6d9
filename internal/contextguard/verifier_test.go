package contextguard

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/prompts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var knownIDs = []string{"auth-login", "auth-logout", "billing-7"}

func newVerifier() *Verifier {
	return NewVerifier(DefaultRules(), prompts.NewLoader(), knownIDs)
}

func baseTask() domain.Task {
	return domain.Task{
		ID:          "auth-login",
		Title:       "Add login endpoint",
		Description: "POST /login issues a session token.",
		Acceptance:  []string{"valid credentials return 200", "invalid credentials return 401"},
		Context: domain.ContextBlock{
			Constraints: []string{"reuse the session store"},
			Patterns:    []domain.PatternRef{{Path: "internal/auth/session.go", Lines: "10-40", Description: "token helper"}},
			Pitfalls:    []string{"do not log passwords"},
		},
	}
}

func TestVerify_ValidTask(t *testing.T) {
	cc, err := newVerifier().Verify(baseTask())
	require.NoError(t, err)
	assert.Less(t, cc.Size(), 3000)
	assert.Contains(t, cc.Payload, "auth-login")
	assert.Equal(t, len(cc.Payload), cc.Fingerprint.Size)
}

func TestVerify_SixConstraintsRejectedUntilCompressed(t *testing.T) {
	v := newVerifier()
	task := baseTask()
	task.Context.Constraints = []string{"c1", "c2", "c3", "c4", "c5", "c6"}

	_, err := v.Verify(task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOverBudget))

	compressed, notes := v.Compress(task)
	assert.Len(t, compressed.Context.Constraints, 5)
	assert.NotEmpty(t, notes)

	_, err = v.Verify(compressed)
	assert.NoError(t, err)

	cc, err := v.Build(task)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, cc.Task.Context.Constraints)
}

func TestVerify_Violations(t *testing.T) {
	long := strings.Repeat("x", 100)
	dump := "```go\n" + strings.Repeat("line\n", 25) + "```"

	tests := []struct {
		name  string
		edit  func(*domain.Task)
		isErr error
	}{
		{"long constraint", func(t *domain.Task) { t.Context.Constraints = []string{long} }, domain.ErrOverBudget},
		{"four pitfalls", func(t *domain.Task) { t.Context.Pitfalls = []string{"a", "b", "c", "d"} }, domain.ErrOverBudget},
		{"long pitfall", func(t *domain.Task) { t.Context.Pitfalls = []string{long} }, domain.ErrOverBudget},
		{"oversized payload", func(t *domain.Task) { t.Description = strings.Repeat("word ", 700) }, domain.ErrOverBudget},
		{"foreign task id", func(t *domain.Task) { t.Description = "Mirror what billing-7 did." }, domain.ErrForbiddenContent},
		{"planning vocabulary", func(t *domain.Task) { t.Context.Constraints = []string{"stay within the sprint"} }, domain.ErrForbiddenContent},
		{"file dump", func(t *domain.Task) { t.Description = dump }, domain.ErrForbiddenContent},
		{"multi-line pattern", func(t *domain.Task) { t.Context.Patterns[0].Description = "func a() {\n}" }, domain.ErrForbiddenContent},
		{"pattern without range", func(t *domain.Task) { t.Context.Patterns[0].Lines = "" }, domain.ErrForbiddenContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := baseTask()
			tt.edit(&task)
			_, err := newVerifier().Verify(task)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.isErr), "got %v", err)

			var ve *ViolationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "auth-login", ve.TaskID)
		})
	}
}

func TestVerify_StatementLimitIsExclusive(t *testing.T) {
	task := baseTask()
	task.Context.Constraints = []string{strings.Repeat("x", 99)}
	_, err := newVerifier().Verify(task)
	assert.NoError(t, err)
}

func TestCompress_DropsContaminatedOptionalContent(t *testing.T) {
	v := newVerifier()
	task := baseTask()
	task.Description = "POST /login issues a token. It mirrors auth-logout closely. Keep it small."
	task.Context.Constraints = []string{"reuse the session store", "coordinate with auth-logout"}
	task.Context.Pitfalls = []string{"see the roadmap", "do not log passwords"}
	task.Context.Patterns = append(task.Context.Patterns, domain.PatternRef{Path: "internal/billing/notes.go", Lines: "1-5", Description: "copied from billing-7"})

	cc, err := v.Build(task)
	require.NoError(t, err)
	assert.Equal(t, "POST /login issues a token. Keep it small.", cc.Task.Description)
	assert.Equal(t, []string{"reuse the session store"}, cc.Task.Context.Constraints)
	assert.Equal(t, []string{"do not log passwords"}, cc.Task.Context.Pitfalls)
	assert.Len(t, cc.Task.Context.Patterns, 1)
	assert.NotContains(t, cc.Payload, "auth-logout")
}

func TestCompress_AcceptanceNeverChanged(t *testing.T) {
	v := newVerifier()
	task := baseTask()
	task.Acceptance = []string{"behaves like auth-logout"}

	compressed, _ := v.Compress(task)
	assert.Equal(t, task.Acceptance, compressed.Acceptance)

	_, err := v.Build(task)
	assert.True(t, errors.Is(err, domain.ErrForbiddenContent))
}

func TestCompress_SizeOrder(t *testing.T) {
	v := newVerifier()
	task := baseTask()
	task.Description = strings.Repeat("Long prose sentence about the login flow. ", 80)
	task.Context.Pitfalls = []string{"p1", "p2"}

	cc, err := v.Build(task)
	require.NoError(t, err)
	assert.Less(t, cc.Size(), 3000)
	assert.True(t, strings.HasSuffix(cc.Task.Description, "..."))
	assert.Equal(t, []string{"p1", "p2"}, cc.Task.Context.Pitfalls, "pitfalls survive when truncating the description suffices")
	assert.Equal(t, task.Acceptance, cc.Task.Acceptance)
}

func TestCompress_DropsPitfallsBeforeConstraints(t *testing.T) {
	rules := DefaultRules()
	rules.MaxBytes = 420
	v := NewVerifier(rules, prompts.NewLoader(), knownIDs)

	task := baseTask()
	task.Description = ""
	task.Context.Constraints = []string{strings.Repeat("c", 60), strings.Repeat("d", 60)}
	task.Context.Pitfalls = []string{strings.Repeat("p", 60), strings.Repeat("q", 60)}

	cc, err := v.Build(task)
	require.NoError(t, err)
	assert.Less(t, cc.Size(), 420)
	if len(cc.Task.Context.Pitfalls) > 0 {
		assert.Len(t, cc.Task.Context.Constraints, 2, "constraints only go after every pitfall")
	}
	if len(cc.Task.Context.Constraints) < 2 {
		assert.Empty(t, cc.Task.Context.Pitfalls)
		assert.Empty(t, cc.Task.Context.Patterns)
	}
}

func TestCompress_ValidTaskUnchanged(t *testing.T) {
	v := newVerifier()
	task := baseTask()
	compressed, notes := v.Compress(task)
	assert.Equal(t, task, compressed)
	assert.Empty(t, notes)
}

func randomTask(rng *rand.Rand) domain.Task {
	words := []string{"login", "token", "session", "handler", "retry", "cache", "auth-logout", "sprint", "billing-7", "store"}
	sentence := func(n int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = words[rng.Intn(len(words))]
		}
		return strings.Join(parts, " ")
	}
	statements := func(max, length int) []string {
		out := make([]string, rng.Intn(max))
		for i := range out {
			out[i] = sentence(1 + rng.Intn(length))
		}
		return out
	}

	task := domain.Task{
		ID:         "auth-login",
		Title:      "Login task",
		Acceptance: []string{"tests pass"},
	}
	var desc []string
	for i := rng.Intn(60); i > 0; i-- {
		desc = append(desc, sentence(3+rng.Intn(10))+".")
	}
	task.Description = strings.Join(desc, " ")
	task.Context.Constraints = statements(9, 25)
	task.Context.Pitfalls = statements(7, 25)
	for i := rng.Intn(6); i > 0; i-- {
		task.Context.Patterns = append(task.Context.Patterns, domain.PatternRef{
			Path: fmt.Sprintf("pkg/file%d.go", i), Lines: "1-9", Description: sentence(1 + rng.Intn(30)),
		})
	}
	return task
}

func TestBuild_NeverExceedsCeilingAndIsIdempotent(t *testing.T) {
	v := newVerifier()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 300; i++ {
		task := randomTask(rng)

		cc, err := v.Build(task)
		require.NoError(t, err, "round %d", i)
		assert.Less(t, len(cc.Payload), 3000)

		again, notes := v.Compress(cc.Task)
		assert.Equal(t, cc.Task, again, "round %d: compress must be idempotent", i)
		assert.Empty(t, notes)
	}
}

func TestScanner(t *testing.T) {
	s := NewScanner(DefaultRules(), knownIDs)

	f := s.Scan("auth-login calls billing-7. See the Roadmap.\n```\n" + strings.Repeat("x\n", 21) + "```\n")
	assert.Equal(t, []string{"auth-login", "billing-7"}, f.TaskIDs)
	assert.Equal(t, []string{"roadmap"}, f.Vocabulary)
	assert.Equal(t, 1, f.Dumps)
	assert.Equal(t, []string{"roadmap", MarkerFileDump}, f.Markers())

	assert.Equal(t, []string{"billing-7"}, s.ForeignIDs("auth-login and billing-7", "auth-login"))
	assert.False(t, s.Contaminated("plain text about auth-login", "auth-login"))
}

func TestFitDocument(t *testing.T) {
	doc := "intro paragraph\n\nsecond paragraph\n\nthird paragraph"

	got, truncated := FitDocument(doc, 1000)
	assert.Equal(t, doc, got)
	assert.False(t, truncated)

	got, truncated = FitDocument(doc, 40)
	assert.True(t, truncated)
	assert.Equal(t, "intro paragraph\n\nsecond paragraph", got)

	got, truncated = FitDocument(strings.Repeat("word ", 100), 50)
	assert.True(t, truncated)
	assert.Less(t, len(got), 50)
}

func TestBuild_RevisedTaskStaysValid(t *testing.T) {
	v := NewVerifier(DefaultRules(), prompts.NewLoader(), []string{"t1", "t2", "t3"})
	task := domain.Task{
		ID:         "t1",
		Title:      "Add retry to the client",
		Acceptance: []string{"client retries 3 times"},
	}
	for rev := 0; rev <= 3; rev++ {
		task.Revision = rev
		if rev > 0 {
			task.Description = fmt.Sprintf("Revision %d: replaces an earlier version whose attempt ended gate_failed.", rev)
			task.Context.Pitfalls = []string{fmt.Sprintf("avoid repeating attempt %d because it ended gate_failed", rev)}
		}
		_, err := v.Build(task)
		assert.NoError(t, err, "revision %d", rev)
	}
}
