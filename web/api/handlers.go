package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/backlog-orch/internal/domain"
	"github.com/hochfrequenz/backlog-orch/internal/observer"
	"github.com/hochfrequenz/backlog-orch/internal/taskstore"
)

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Status        string   `json:"status"`
	DependsOn     []string `json:"depends_on,omitempty"`
	Attempts      int      `json:"attempts"`
	Revision      int      `json:"revision"`
	BlockedReason string   `json:"blocked_reason,omitempty"`
}

// TaskDetailResponse adds the audit trail of a task
type TaskDetailResponse struct {
	TaskResponse
	Acceptance  []string                     `json:"acceptance,omitempty"`
	History     []*domain.VerificationResult `json:"history"`
	Notes       []taskstore.Note             `json:"notes"`
	DriftAlerts []taskstore.DriftAlert       `json:"drift_alerts"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Track    string            `json:"track"`
	Total    int               `json:"total"`
	Counts   map[string]int    `json:"counts"`
	InFlight []string          `json:"in_flight"`
	Stuck    []StuckResponse   `json:"stuck,omitempty"`
	Metrics  *observer.Metrics `json:"metrics,omitempty"`
}

// StuckResponse describes an attempt past its deadline
type StuckResponse struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
	Overdue string `json:"overdue"`
}

func taskToResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Status:        string(t.Status),
		DependsOn:     t.DependsOn,
		Attempts:      t.Attempts,
		Revision:      t.Revision,
		BlockedReason: t.BlockedReason,
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		b := s.backlog.Snapshot()
		status := StatusResponse{
			Track:    b.Track,
			Total:    len(b.Tasks),
			Counts:   make(map[string]int),
			InFlight: []string{},
		}
		for st, n := range s.backlog.Counts() {
			status.Counts[string(st)] = n
		}

		if s.observer != nil {
			status.InFlight = s.observer.InFlight()
			for _, st := range s.observer.StuckAt(time.Now()) {
				status.Stuck = append(status.Stuck, StuckResponse{
					TaskID:  st.TaskID,
					Attempt: st.Attempt,
					Overdue: st.Overdue.Round(time.Second).String(),
				})
			}
			m := s.observer.GetMetrics()
			status.Metrics = &m
		}

		writeJSON(w, status)
	}
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		filter := domain.TaskStatus(r.URL.Query().Get("status"))
		if filter != "" && !filter.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+string(filter))
			return
		}

		tasks := s.backlog.Snapshot().Tasks
		responses := make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			if filter != "" && t.Status != filter {
				continue
			}
			responses = append(responses, taskToResponse(t))
		}

		writeJSON(w, responses)
	}
}

func (s *Server) getTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		id := r.PathValue("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "task ID required")
			return
		}

		task, err := s.backlog.Task(id)
		if errors.Is(err, domain.ErrUnknownTask) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := TaskDetailResponse{
			TaskResponse: taskToResponse(task),
			Acceptance:   task.Acceptance,
			History:      []*domain.VerificationResult{},
			Notes:        []taskstore.Note{},
			DriftAlerts:  []taskstore.DriftAlert{},
		}
		if s.history != nil {
			if resp.History, err = s.history.Attempts(id); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if resp.Notes, err = s.history.Notes(id); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if resp.DriftAlerts, err = s.history.DriftAlerts(id); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}

		writeJSON(w, resp)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.history == nil {
			writeJSON(w, []taskstore.Run{})
			return
		}

		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		runs, err := s.history.RecentRuns(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if runs == nil {
			runs = []taskstore.Run{}
		}
		writeJSON(w, runs)
	}
}
