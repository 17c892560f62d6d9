package session

import (
	"context"
	"errors"
	"sync"
)

// MemoryBackend keeps sessions in memory. Executors that hold no server-side
// state register their sessions here so deletion is still verified.
type MemoryBackend struct {
	mu       sync.Mutex
	sessions map[string]bool

	// Sticky keeps sessions after deletion, modelling a backend that
	// acknowledges a delete it did not perform.
	Sticky bool
	// FailExists makes SessionExists return an error
	FailExists bool
}

// NewMemoryBackend creates an empty backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]bool)}
}

// Register records a live session
func (b *MemoryBackend) Register(ref Ref) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[ref.ID] = true
}

// Live returns the number of sessions not yet deleted
func (b *MemoryBackend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *MemoryBackend) DeleteSession(_ context.Context, ref Ref) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.Sticky {
		delete(b.sessions, ref.ID)
	}
	return nil
}

func (b *MemoryBackend) SessionExists(_ context.Context, ref Ref) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailExists {
		return false, errors.New("backend unreachable")
	}
	return b.sessions[ref.ID], nil
}
