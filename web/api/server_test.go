package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/backlog-orch/internal/backlog"
	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/observer"
	"github.com/hochfrequenz/backlog-orch/internal/scheduler"
	"github.com/hochfrequenz/backlog-orch/internal/taskstore"
)

func newTestServer(t *testing.T) (*Server, *taskstore.Store, *observer.Observer) {
	t.Helper()
	b, err := backlog.New(&domain.Backlog{
		SchemaVersion: domain.SchemaVersion,
		Track:         "auth",
		Tasks: []domain.Task{
			{ID: "auth.login", Title: "Login", Status: domain.StatusCompleted},
			{ID: "auth.logout", Title: "Logout", Status: domain.StatusInProgress, DependsOn: []string{"auth.login"}, Attempts: 1},
			{ID: "auth.audit", Title: "Audit log", Status: domain.StatusPending, DependsOn: []string{"auth.logout"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	store, err := taskstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	obs := observer.New(time.Minute)
	return NewServer(b, store, obs, ":0", nil), store, obs
}

func get(t *testing.T, s *Server, path string, v any) int {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if v != nil && w.Code == http.StatusOK {
		if err := json.NewDecoder(w.Body).Decode(v); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}
	return w.Code
}

func TestListTasksHandler(t *testing.T) {
	server, _, _ := newTestServer(t)

	var tasks []TaskResponse
	if code := get(t, server, "/api/tasks", &tasks); code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", code)
	}
	if len(tasks) != 3 {
		t.Errorf("Task count = %d, want 3", len(tasks))
	}

	tasks = nil
	get(t, server, "/api/tasks?status=pending", &tasks)
	if len(tasks) != 1 || tasks[0].ID != "auth.audit" {
		t.Errorf("pending tasks = %+v", tasks)
	}

	if code := get(t, server, "/api/tasks?status=done", nil); code != http.StatusBadRequest {
		t.Errorf("unknown status filter: code = %d, want 400", code)
	}
}

func TestStatusHandler(t *testing.T) {
	server, _, obs := newTestServer(t)
	obs.Started("auth.logout", 1, time.Now().Add(-2*time.Minute))

	var status StatusResponse
	if code := get(t, server, "/api/status", &status); code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", code)
	}

	if status.Track != "auth" || status.Total != 3 {
		t.Errorf("Track/Total = %q/%d", status.Track, status.Total)
	}
	if status.Counts["completed"] != 1 || status.Counts["in_progress"] != 1 {
		t.Errorf("Counts = %v", status.Counts)
	}
	if len(status.InFlight) != 1 || status.InFlight[0] != "auth.logout" {
		t.Errorf("InFlight = %v", status.InFlight)
	}
	if len(status.Stuck) != 1 {
		t.Errorf("Stuck = %v, want the overdue attempt", status.Stuck)
	}
	if status.Metrics == nil || status.Metrics.InFlight != 1 {
		t.Errorf("Metrics = %+v", status.Metrics)
	}
}

func TestGetTaskHandler(t *testing.T) {
	server, store, _ := newTestServer(t)
	if _, err := store.RecordAttempt(&domain.VerificationResult{
		TaskID: "auth.logout", Attempt: 1, Kind: domain.OutcomeGateFailed, Error: "tests failed",
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddNote("auth.logout", taskstore.NoteAttempt, "attempt 1 ended gate_failed"); err != nil {
		t.Fatal(err)
	}

	var detail TaskDetailResponse
	if code := get(t, server, "/api/tasks/auth.logout", &detail); code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", code)
	}
	if detail.ID != "auth.logout" || detail.Attempts != 1 {
		t.Errorf("task = %+v", detail.TaskResponse)
	}
	if len(detail.History) != 1 || detail.History[0].Kind != domain.OutcomeGateFailed {
		t.Errorf("History = %+v", detail.History)
	}
	if len(detail.Notes) != 1 {
		t.Errorf("Notes = %+v", detail.Notes)
	}

	if code := get(t, server, "/api/tasks/auth/nope", nil); code != http.StatusNotFound {
		t.Errorf("unknown task: code = %d, want 404", code)
	}
}

func TestListRunsHandler(t *testing.T) {
	server, store, _ := newTestServer(t)
	id, err := store.StartRun("auth", 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.FinishRun(id, map[string]int{"completed": 1}, nil); err != nil {
		t.Fatal(err)
	}

	var runs []taskstore.Run
	if code := get(t, server, "/api/runs?limit=5", &runs); code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", code)
	}
	if len(runs) != 1 || runs[0].Counts["completed"] != 1 {
		t.Errorf("runs = %+v", runs)
	}
	if code := get(t, server, "/api/runs?limit=x", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit: code = %d, want 400", code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/api/status", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Status = %d, want 405", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	server, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Hub().Run(ctx)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	reqCtx, reqCancel := context.WithCancel(ctx)
	defer reqCancel()
	req, err := http.NewRequestWithContext(reqCtx, "GET", ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	server.PoolEvents()(scheduler.Event{Type: scheduler.EventTaskFinished, TaskID: "auth.logout", Kind: "passed"})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if lines[0] != "event: task_finished" {
		t.Errorf("event line = %q", lines[0])
	}
	if !strings.Contains(lines[1], `"task_id":"auth.logout"`) {
		t.Errorf("data line = %q", lines[1])
	}
}

func TestBroadcastAfterStopDoesNotBlock(t *testing.T) {
	hub := NewSSEHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	if hub.Broadcast(SSEEvent{Type: "x"}) {
		t.Error("Broadcast on a stopped hub should report the drop")
	}
}
