package scheduler

import (
	"sync"
	"time"
)

// EventType names a pool event
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventTaskStarted  EventType = "task_started"
	EventTaskFinished EventType = "task_finished"
	EventDecision     EventType = "decision"
	EventDrift        EventType = "drift_alert"
	EventSessionLeak  EventType = "session_leak"
	EventHalted       EventType = "halted"
	EventRunFinished  EventType = "run_finished"
)

// Event is published for every step a subscriber may want to show
type Event struct {
	Type    EventType `json:"type"`
	TaskID  string    `json:"task_id,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// EventHandler receives events. Handlers run on the publishing goroutine and
// must not block.
type EventHandler func(Event)

type publisher struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func (p *publisher) subscribe(h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

func (p *publisher) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	p.mu.RLock()
	handlers := p.handlers
	p.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}
