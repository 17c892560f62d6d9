package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CheckResult is the outcome of one verification gate check
type CheckResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// VerificationResult records a single execution attempt of a task
type VerificationResult struct {
	TaskID       string        `json:"task_id"`
	Attempt      int           `json:"attempt"`
	Revision     int           `json:"revision"`
	SessionID    string        `json:"session_id,omitempty"`
	Kind         OutcomeKind   `json:"kind"`
	Checks       []CheckResult `json:"checks,omitempty"`
	FilesTouched []string      `json:"files_touched,omitempty"`
	Error        string        `json:"error,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	TokensInput  int           `json:"tokens_input,omitempty"`
	TokensOutput int           `json:"tokens_output,omitempty"`
	CostUSD      float64       `json:"cost_usd,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// Passed reports whether the attempt passed every gate check
func (r *VerificationResult) Passed() bool {
	return r.Kind == OutcomePassed
}

// FailedChecks returns the names of checks that did not pass
func (r *VerificationResult) FailedChecks() []string {
	var names []string
	for _, c := range r.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

var digitRun = regexp.MustCompile(`\d+`)

// FailureDigest identifies a failure independent of timings, line numbers and
// other volatile numbers, so two attempts that fail the same way share it.
// Passing results have an empty digest.
func (r *VerificationResult) FailureDigest() string {
	if r.Passed() {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(r.Kind))
	for _, c := range r.Checks {
		if c.Passed {
			continue
		}
		b.WriteString("|" + c.Name + ":" + strconv.Itoa(c.ExitCode) + ":")
		b.WriteString(digitRun.ReplaceAllString(c.Stderr+c.Stdout, "#"))
	}
	if len(r.Checks) == 0 {
		b.WriteString("|" + digitRun.ReplaceAllString(r.Error, "#"))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Fingerprint captures the size and structure of a session context
type Fingerprint struct {
	Size   int    `json:"size"`
	Digest string `json:"digest"`
}

// NewFingerprint computes the fingerprint of a context payload. The digest is
// taken over the sorted set of non-empty line prefixes so that appended output
// does not change it, only restructuring does.
func NewFingerprint(payload string) Fingerprint {
	seen := make(map[string]bool)
	var heads []string
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		head := line
		if i := strings.IndexAny(head, " :"); i > 0 {
			head = head[:i]
		}
		if !seen[head] {
			seen[head] = true
			heads = append(heads, head)
		}
	}
	sort.Strings(heads)
	sum := sha256.Sum256([]byte(strings.Join(heads, "\n")))
	return Fingerprint{Size: len(payload), Digest: hex.EncodeToString(sum[:8])}
}

// DriftSnapshot is one measurement of a running session's context
type DriftSnapshot struct {
	TaskID           string    `json:"task_id"`
	SessionID        string    `json:"session_id"`
	At               time.Time `json:"at"`
	Size             int       `json:"size"`
	TaskIDs          []string  `json:"task_ids"`
	ForbiddenMarkers []string  `json:"forbidden_markers,omitempty"`
}
