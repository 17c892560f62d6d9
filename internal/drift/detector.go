// Package drift watches running sessions for context that grows or strays
// beyond the task it was built for.
package drift

import (
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/backlog-orch/internal/contextguard"
	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/session"
)

// DefaultGrowthRatio is how much a context may grow over its baseline
const DefaultGrowthRatio = 0.5

// Drift signals
const (
	SignalGrowth      = "growth"
	SignalForeignTask = "foreign_task"
	SignalForbidden   = "forbidden_content"
)

// Report is the outcome of one drift check
type Report struct {
	OK       bool                 `json:"ok"`
	Reasons  []string             `json:"reasons,omitempty"`
	Signals  []string             `json:"signals,omitempty"`
	Snapshot domain.DriftSnapshot `json:"snapshot"`
}

// Detector compares a session's current context against its baseline
type Detector struct {
	scanner     *contextguard.Scanner
	growthRatio float64
	now         func() time.Time
}

// NewDetector creates a detector using the scanner of the context verifier
func NewDetector(scanner *contextguard.Scanner, growthRatio float64) *Detector {
	if growthRatio <= 0 {
		growthRatio = DefaultGrowthRatio
	}
	return &Detector{scanner: scanner, growthRatio: growthRatio, now: time.Now}
}

// Snapshot captures the session's current context
func (d *Detector) Snapshot(s *session.Session) domain.DriftSnapshot {
	text := s.Context()
	f := d.scanner.Scan(text)
	return domain.DriftSnapshot{
		TaskID:           s.TaskID,
		SessionID:        s.ID,
		At:               d.now(),
		Size:             len(text),
		TaskIDs:          f.TaskIDs,
		ForbiddenMarkers: f.Markers(),
	}
}

// Limit returns the largest context size accepted for a baseline
func (d *Detector) Limit(baseline domain.Fingerprint) int {
	return int(float64(baseline.Size) * (1 + d.growthRatio))
}

// Check snapshots the session and reports every drift signal
func (d *Detector) Check(s *session.Session) Report {
	snap := d.Snapshot(s)
	r := Report{Snapshot: snap}

	if limit := d.Limit(s.Baseline); snap.Size > limit {
		r.Signals = append(r.Signals, SignalGrowth)
		r.Reasons = append(r.Reasons, fmt.Sprintf("context grew to %d bytes, limit %d (baseline %d)", snap.Size, limit, s.Baseline.Size))
	}

	var foreign []string
	for _, id := range snap.TaskIDs {
		if id != s.TaskID {
			foreign = append(foreign, id)
		}
	}
	if len(snap.TaskIDs) > 1 || len(foreign) > 0 {
		r.Signals = append(r.Signals, SignalForeignTask)
		r.Reasons = append(r.Reasons, fmt.Sprintf("references other tasks: %s", strings.Join(foreign, ", ")))
	}

	if len(snap.ForbiddenMarkers) > 0 {
		r.Signals = append(r.Signals, SignalForbidden)
		r.Reasons = append(r.Reasons, fmt.Sprintf("forbidden content: %s", strings.Join(snap.ForbiddenMarkers, ", ")))
	}

	r.OK = len(r.Reasons) == 0
	return r
}
