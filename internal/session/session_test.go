package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/workspace"
)

func TestOpen_MirrorsContext(t *testing.T) {
	store := NewStore(t.TempDir())
	ws := &workspace.Handle{TaskID: "login", Path: "/tmp/wt/login-abc"}

	s, err := store.Open(Options{TaskID: "login", Workspace: ws, Payload: "# login\n", Timeout: time.Minute})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, ws.Path, s.Dir)
	assert.Equal(t, domain.NewFingerprint("# login\n"), s.Baseline)
	assert.False(t, s.Expired(time.Now()))
	assert.True(t, s.Expired(time.Now().Add(2*time.Minute)))

	require.NoError(t, s.AppendLine("agent output"))
	assert.Equal(t, "# login\nagent output\n", s.Context())

	mirror, err := os.ReadFile(s.MirrorPath())
	require.NoError(t, err)
	assert.Equal(t, s.Context(), string(mirror))
}

func TestOpen_FreshIDs(t *testing.T) {
	store := NewStore(t.TempDir())
	a, err := store.Open(Options{TaskID: "x"})
	require.NoError(t, err)
	b, err := store.Open(Options{TaskID: "x"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestAppend_AfterClose(t *testing.T) {
	s, err := NewStore(t.TempDir()).Open(Options{TaskID: "x"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Error(t, s.Append("late"))
}

func TestDeleteVerified(t *testing.T) {
	backend := NewMemoryBackend()
	s, err := NewStore(t.TempDir()).Open(Options{TaskID: "x", Payload: "p"})
	require.NoError(t, err)
	backend.Register(s.Ref())

	require.NoError(t, DeleteVerified(context.Background(), backend, s))
	assert.Zero(t, backend.Live())
	_, err = os.Stat(s.MirrorPath())
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteVerified_Leaks(t *testing.T) {
	tests := []struct {
		name    string
		backend *MemoryBackend
	}{
		{"delete not applied", &MemoryBackend{sessions: map[string]bool{}, Sticky: true}},
		{"existence unknown", &MemoryBackend{sessions: map[string]bool{}, FailExists: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStore(t.TempDir()).Open(Options{TaskID: "x"})
			require.NoError(t, err)
			tt.backend.Register(s.Ref())

			err = DeleteVerified(context.Background(), tt.backend, s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrSessionLeak))
		})
	}
}

func TestRenew(t *testing.T) {
	store := NewStore(t.TempDir())
	backend := NewMemoryBackend()
	old, err := store.Open(Options{TaskID: "login", Dir: "/work", Payload: "# login\n", Timeout: time.Minute})
	require.NoError(t, err)
	backend.Register(old.Ref())
	require.NoError(t, old.Append("partial output"))

	fresh, err := store.Renew(context.Background(), backend, old)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, old.Deadline, fresh.Deadline)
	assert.Equal(t, "/work", fresh.Dir)
	assert.Equal(t, "# login\n", fresh.Context(), "the fresh session starts from the payload")
	assert.Equal(t, old.Baseline, fresh.Baseline)
	assert.Zero(t, backend.Live())
	_, err = os.Stat(old.MirrorPath())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, DeleteVerified(context.Background(), backend, fresh))
}

func TestRenew_LeakKeepsOldSession(t *testing.T) {
	store := NewStore(t.TempDir())
	backend := NewMemoryBackend()
	backend.Sticky = true
	old, err := store.Open(Options{TaskID: "login", Payload: "# login\n"})
	require.NoError(t, err)
	backend.Register(old.Ref())

	fresh, err := store.Renew(context.Background(), backend, old)
	assert.Nil(t, fresh)
	assert.True(t, errors.Is(err, domain.ErrSessionLeak))
}
