// Package session tracks worker and planner sessions: their accumulated
// context, their deadline and the verified deletion of their backing state.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/workspace"
)

// Ref identifies a session at the backend
type Ref struct {
	ID  string
	Dir string // working directory the backend session was started in
}

// Backend holds the collaborator's copy of a session
type Backend interface {
	DeleteSession(ctx context.Context, ref Ref) error
	SessionExists(ctx context.Context, ref Ref) (bool, error)
}

// Session is one execution context. It is never reused across attempts.
type Session struct {
	ID        string
	TaskID    string
	Workspace *workspace.Handle
	Dir       string
	StartedAt time.Time
	Deadline  time.Time
	Baseline  domain.Fingerprint

	opts       Options
	mirrorPath string
	mu         sync.Mutex
	buf        strings.Builder
	file       *os.File
	closed     bool
}

// Options describe a session to open
type Options struct {
	TaskID    string
	Workspace *workspace.Handle
	Dir       string // defaults to the workspace path
	Payload   string
	Timeout   time.Duration
}

// Store opens sessions and mirrors their context under a state directory
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates a store that mirrors contexts into stateDir/sessions
func NewStore(stateDir string) *Store {
	return &Store{dir: filepath.Join(stateDir, "sessions"), now: time.Now}
}

// Dir returns the directory holding the context mirrors
func (s *Store) Dir() string {
	return s.dir
}

// Open creates a session with a fresh id. The payload becomes the first part
// of the context and its fingerprint the baseline.
func (s *Store) Open(opts Options) (*Session, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	now := s.now()
	sess := &Session{
		ID:        uuid.New().String(),
		TaskID:    opts.TaskID,
		Workspace: opts.Workspace,
		Dir:       opts.Dir,
		StartedAt: now,
		Baseline:  domain.NewFingerprint(opts.Payload),
		opts:      opts,
	}
	if sess.Dir == "" && opts.Workspace != nil {
		sess.Dir = opts.Workspace.Path
	}
	if opts.Timeout > 0 {
		sess.Deadline = now.Add(opts.Timeout)
	}

	sess.mirrorPath = filepath.Join(s.dir, sess.ID+".context")
	f, err := os.Create(sess.mirrorPath)
	if err != nil {
		return nil, fmt.Errorf("creating context mirror: %w", err)
	}
	sess.file = f
	if err := sess.Append(opts.Payload); err != nil {
		f.Close()
		return nil, err
	}
	return sess, nil
}

// Renew replaces s with a fresh session opened from the same options and
// keeping its deadline. s is deleted and verified first, so the collaborator
// never sees its id again. On error s is still the live session.
func (st *Store) Renew(ctx context.Context, backend Backend, s *Session) (*Session, error) {
	if err := DeleteVerified(ctx, backend, s); err != nil {
		return nil, err
	}
	fresh, err := st.Open(s.opts)
	if err != nil {
		return nil, err
	}
	fresh.Deadline = s.Deadline
	return fresh, nil
}

// Ref returns the backend reference of the session
func (s *Session) Ref() Ref {
	return Ref{ID: s.ID, Dir: s.Dir}
}

// MirrorPath returns the file the context is mirrored to
func (s *Session) MirrorPath() string {
	return s.mirrorPath
}

// Append adds text to the accumulated context
func (s *Session) Append(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s is closed", s.ID)
	}
	s.buf.WriteString(text)
	if s.file != nil {
		if _, err := s.file.WriteString(text); err != nil {
			return fmt.Errorf("mirroring context: %w", err)
		}
	}
	return nil
}

// AppendLine adds text followed by a newline
func (s *Session) AppendLine(text string) error {
	return s.Append(text + "\n")
}

// Context returns everything accumulated so far
func (s *Session) Context() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Size returns the context size in bytes
func (s *Session) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Expired reports whether the deadline has passed
func (s *Session) Expired(now time.Time) bool {
	return !s.Deadline.IsZero() && now.After(s.Deadline)
}

// Close stops accepting context. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// DeleteVerified closes the session, deletes it at the backend and its local
// mirror, then confirms both are gone. Anything that cannot be confirmed is
// reported as an error wrapping domain.ErrSessionLeak.
func DeleteVerified(ctx context.Context, backend Backend, s *Session) error {
	var errs []error
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}

	if backend != nil {
		if err := backend.DeleteSession(ctx, s.Ref()); err != nil {
			errs = append(errs, fmt.Errorf("deleting: %w", err))
		}
		exists, err := backend.SessionExists(ctx, s.Ref())
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("verifying deletion: %w", err))
		case exists:
			errs = append(errs, errors.New("still present after deletion"))
		}
	}

	if s.mirrorPath != "" {
		if err := os.Remove(s.mirrorPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing context mirror: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("session %s of %s: %w: %w", s.ID, s.TaskID, domain.ErrSessionLeak, errors.Join(errs...))
	}
	return nil
}
