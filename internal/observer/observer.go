// Package observer collects run metrics: what is in flight, how long attempts
// take, and which sessions have run past their deadline.
package observer

import (
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
)

// Observer monitors in-flight attempts and collects metrics
type Observer struct {
	stuckGrace time.Duration

	inFlight    map[string]flight
	maxInFlight int
	slotsFree   int
	slotsTotal  int
	completions []completion
	mu          sync.RWMutex
}

type flight struct {
	Attempt   int
	StartedAt time.Time
	Deadline  time.Time
}

type completion struct {
	TaskID       string
	Kind         domain.OutcomeKind
	Duration     time.Duration
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	CompletedAt  time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	InFlight          int                        `json:"in_flight"`
	MaxInFlight       int                        `json:"max_in_flight"`
	SlotsFree         int                        `json:"slots_free"`
	SlotsTotal        int                        `json:"slots_total"`
	TotalCompleted    int                        `json:"total_completed"`
	TotalFailed       int                        `json:"total_failed"`
	ByKind            map[domain.OutcomeKind]int `json:"by_kind"`
	TotalTokensInput  int                        `json:"total_tokens_input"`
	TotalTokensOutput int                        `json:"total_tokens_output"`
	TotalCostUSD      float64                    `json:"total_cost_usd"`
	AvgDuration       time.Duration              `json:"avg_duration"`
}

// Stuck describes an attempt that has outlived its deadline
type Stuck struct {
	TaskID   string
	Attempt  int
	Overdue  time.Duration
	Deadline time.Time
}

// New creates an observer. An attempt counts as stuck once it is stuckGrace
// past its deadline.
func New(stuckGrace time.Duration) *Observer {
	return &Observer{
		stuckGrace: stuckGrace,
		inFlight:   make(map[string]flight),
	}
}

// Started records that an attempt was dispatched
func (o *Observer) Started(taskID string, attempt int, deadline time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.inFlight[taskID] = flight{Attempt: attempt, StartedAt: time.Now(), Deadline: deadline}
	if len(o.inFlight) > o.maxInFlight {
		o.maxInFlight = len(o.inFlight)
	}
}

// SlotsChanged records how many worker slots are free out of total
func (o *Observer) SlotsChanged(free, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.slotsFree = free
	o.slotsTotal = total
}

// RecordCompletion records the end of an attempt and removes it from the
// in-flight set
func (o *Observer) RecordCompletion(r *domain.VerificationResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.inFlight, r.TaskID)
	o.completions = append(o.completions, completion{
		TaskID:       r.TaskID,
		Kind:         r.Kind,
		Duration:     r.FinishedAt.Sub(r.StartedAt),
		TokensInput:  r.TokensInput,
		TokensOutput: r.TokensOutput,
		CostUSD:      r.CostUSD,
		CompletedAt:  time.Now(),
	})
}

// InFlight returns the task IDs currently running, sorted
func (o *Observer) InFlight() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make([]string, 0, len(o.inFlight))
	for id := range o.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StuckAt returns the attempts that are past their deadline plus the grace
// period at now
func (o *Observer) StuckAt(now time.Time) []Stuck {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var stuck []Stuck
	for id, f := range o.inFlight {
		if f.Deadline.IsZero() {
			continue
		}
		if over := now.Sub(f.Deadline); over > o.stuckGrace {
			stuck = append(stuck, Stuck{TaskID: id, Attempt: f.Attempt, Overdue: over, Deadline: f.Deadline})
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].TaskID < stuck[j].TaskID })
	return stuck
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{
		InFlight:    len(o.inFlight),
		MaxInFlight: o.maxInFlight,
		SlotsFree:   o.slotsFree,
		SlotsTotal:  o.slotsTotal,
		ByKind:      make(map[domain.OutcomeKind]int),
	}
	var totalDuration time.Duration

	for _, c := range o.completions {
		if c.Kind == domain.OutcomePassed {
			metrics.TotalCompleted++
		} else {
			metrics.TotalFailed++
		}
		metrics.ByKind[c.Kind]++
		metrics.TotalTokensInput += c.TokensInput
		metrics.TotalTokensOutput += c.TokensOutput
		metrics.TotalCostUSD += c.CostUSD
		totalDuration += c.Duration
	}

	if n := len(o.completions); n > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(n)
	}

	return metrics
}

// GetRecentCompletions returns the tasks that finished within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.TaskID)
		}
	}

	return result
}
