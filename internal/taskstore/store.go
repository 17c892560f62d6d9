// Package taskstore is the sqlite audit store: one record per attempt, one
// note per attempt or decision, drift alerts and run summaries.
package taskstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
)

// Note kinds
const (
	NoteAttempt  = "attempt"
	NoteDecision = "decision"
	NoteDrift    = "drift"
	NoteUnblock  = "unblock"
)

// Store provides SQLite-backed audit persistence
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath, creating tables as needed
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func newID() string {
	return ulid.Make().String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshal(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

// RecordAttempt appends the result of one attempt and returns its record id
func (s *Store) RecordAttempt(r *domain.VerificationResult) (string, error) {
	checks, err := marshal(r.Checks)
	if err != nil {
		return "", err
	}
	files, err := marshal(r.FilesTouched)
	if err != nil {
		return "", err
	}

	id := newID()
	_, err = s.db.Exec(`
		INSERT INTO attempts (id, task_id, attempt, revision, session_id, kind, checks, files_touched, error, summary, digest, tokens_input, tokens_output, cost_usd, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, r.TaskID, r.Attempt, r.Revision, r.SessionID, string(r.Kind),
		checks, files, r.Error, r.Summary, r.FailureDigest(),
		r.TokensInput, r.TokensOutput, r.CostUSD,
		formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	if err != nil {
		return "", fmt.Errorf("recording attempt %d of %s: %w", r.Attempt, r.TaskID, err)
	}
	return id, nil
}

const attemptColumns = `task_id, attempt, revision, session_id, kind, checks, files_touched, error, summary, tokens_input, tokens_output, cost_usd, started_at, finished_at`

// Attempts returns every recorded attempt of a task, oldest first
func (s *Store) Attempts(taskID string) ([]*domain.VerificationResult, error) {
	rows, err := s.db.Query(`SELECT `+attemptColumns+` FROM attempts WHERE task_id = ? ORDER BY attempt, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.VerificationResult
	for rows.Next() {
		r, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PreviousResult returns the latest attempt of a task numbered below attempt,
// or nil if there is none.
func (s *Store) PreviousResult(taskID string, attempt int) (*domain.VerificationResult, error) {
	row := s.db.QueryRow(`SELECT `+attemptColumns+` FROM attempts WHERE task_id = ? AND attempt < ? ORDER BY attempt DESC, id DESC LIMIT 1`, taskID, attempt)
	r, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*domain.VerificationResult, error) {
	var r domain.VerificationResult
	var kind, started, finished string
	var sessionID, checks, files, errText, summary sql.NullString

	err := row.Scan(&r.TaskID, &r.Attempt, &r.Revision, &sessionID, &kind, &checks, &files, &errText, &summary,
		&r.TokensInput, &r.TokensOutput, &r.CostUSD, &started, &finished)
	if err != nil {
		return nil, err
	}
	r.Kind = domain.OutcomeKind(kind)
	r.SessionID = sessionID.String
	r.Error = errText.String
	r.Summary = summary.String
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	if err := unmarshal(checks, &r.Checks); err != nil {
		return nil, fmt.Errorf("decoding checks: %w", err)
	}
	if err := unmarshal(files, &r.FilesTouched); err != nil {
		return nil, fmt.Errorf("decoding files: %w", err)
	}
	return &r, nil
}

// Note is a human-readable audit entry
type Note struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// AddNote appends a note for a task
func (s *Store) AddNote(taskID, kind, body string) error {
	_, err := s.db.Exec(`INSERT INTO notes (id, task_id, kind, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		newID(), taskID, kind, body, formatTime(time.Now()))
	return err
}

// Notes returns the notes of a task, oldest first
func (s *Store) Notes(taskID string) ([]Note, error) {
	rows, err := s.db.Query(`SELECT id, task_id, kind, body, created_at FROM notes WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var created string
		if err := rows.Scan(&n.ID, &n.TaskID, &n.Kind, &n.Body, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = parseTime(created)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// DriftAlert is a recorded drift signal
type DriftAlert struct {
	Snapshot domain.DriftSnapshot `json:"snapshot"`
	Reasons  []string             `json:"reasons"`
}

// RecordDriftAlert appends a drift alert
func (s *Store) RecordDriftAlert(snap domain.DriftSnapshot, reasons []string) error {
	ids, err := marshal(snap.TaskIDs)
	if err != nil {
		return err
	}
	markers, err := marshal(snap.ForbiddenMarkers)
	if err != nil {
		return err
	}
	rs, err := marshal(reasons)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO drift_alerts (id, task_id, session_id, size, task_ids, markers, reasons, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		newID(), snap.TaskID, snap.SessionID, snap.Size, ids, markers, rs, formatTime(snap.At))
	return err
}

// DriftAlerts returns the drift alerts of a task, oldest first
func (s *Store) DriftAlerts(taskID string) ([]DriftAlert, error) {
	rows, err := s.db.Query(`SELECT task_id, session_id, size, task_ids, markers, reasons, created_at FROM drift_alerts WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []DriftAlert
	for rows.Next() {
		var a DriftAlert
		var ids, markers, reasons sql.NullString
		var created string
		if err := rows.Scan(&a.Snapshot.TaskID, &a.Snapshot.SessionID, &a.Snapshot.Size, &ids, &markers, &reasons, &created); err != nil {
			return nil, err
		}
		a.Snapshot.At = parseTime(created)
		if err := unmarshal(ids, &a.Snapshot.TaskIDs); err != nil {
			return nil, err
		}
		if err := unmarshal(markers, &a.Snapshot.ForbiddenMarkers); err != nil {
			return nil, err
		}
		if err := unmarshal(reasons, &a.Reasons); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Run is the summary row of one pool run
type Run struct {
	ID          string         `json:"id"`
	Track       string         `json:"track"`
	Concurrency int            `json:"concurrency"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Counts      map[string]int `json:"counts,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// StartRun records the start of a pool run
func (s *Store) StartRun(track string, concurrency int) (string, error) {
	id := newID()
	_, err := s.db.Exec(`INSERT INTO runs (id, track, concurrency, started_at) VALUES (?, ?, ?, ?)`,
		id, track, concurrency, formatTime(time.Now()))
	return id, err
}

// FinishRun completes a run row with final status counts
func (s *Store) FinishRun(id string, counts map[string]int, runErr error) error {
	c, err := marshal(counts)
	if err != nil {
		return err
	}
	var errText string
	if runErr != nil {
		errText = runErr.Error()
	}
	_, err = s.db.Exec(`UPDATE runs SET finished_at = ?, counts = ?, error = ? WHERE id = ?`,
		formatTime(time.Now()), c, errText, id)
	return err
}

// RecentRuns returns the latest runs, newest first
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`SELECT id, track, concurrency, started_at, finished_at, counts, error FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var track, finished, counts, errText sql.NullString
		var started string
		if err := rows.Scan(&r.ID, &track, &r.Concurrency, &started, &finished, &counts, &errText); err != nil {
			return nil, err
		}
		r.Track = track.String
		r.StartedAt = parseTime(started)
		if finished.Valid && finished.String != "" {
			t := parseTime(finished.String)
			r.FinishedAt = &t
		}
		r.Error = errText.String
		if err := unmarshal(counts, &r.Counts); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
