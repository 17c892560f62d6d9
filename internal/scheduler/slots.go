package scheduler

import "sync"

// Slots is a counting semaphore bounding how many tasks run at once
type Slots struct {
	max            int
	inUse          int
	peak           int
	mu             sync.Mutex
	onSlotsChanged func(available int) // Callback when slots change
}

// NewSlots creates a semaphore with the given capacity
func NewSlots(max int) *Slots {
	if max < 1 {
		max = 1
	}
	return &Slots{max: max}
}

// SetOnSlotsChanged sets a callback to be invoked when slot availability changes
func (s *Slots) SetOnSlotsChanged(callback func(available int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSlotsChanged = callback
}

// TryAcquire claims a slot if one is free
func (s *Slots) TryAcquire() bool {
	s.mu.Lock()
	if s.inUse >= s.max {
		s.mu.Unlock()
		return false
	}
	s.inUse++
	if s.inUse > s.peak {
		s.peak = s.inUse
	}
	callback := s.onSlotsChanged
	available := s.max - s.inUse
	s.mu.Unlock()

	// Notify outside of lock to avoid deadlock
	if callback != nil {
		callback(available)
	}
	return true
}

// Release returns a slot
func (s *Slots) Release() {
	s.mu.Lock()
	if s.inUse > 0 {
		s.inUse--
	}
	callback := s.onSlotsChanged
	available := s.max - s.inUse
	s.mu.Unlock()

	if callback != nil {
		callback(available)
	}
}

// Available returns the number of free slots
func (s *Slots) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max - s.inUse
}

// InUse returns the number of claimed slots
func (s *Slots) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Peak returns the highest number of slots ever claimed at once
func (s *Slots) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Cap returns the capacity
func (s *Slots) Cap() int {
	return s.max
}
