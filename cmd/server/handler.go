package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/queue"
)

// newMux wires exactly the §6.2 endpoints, grounded on the teacher's
// ui/service.go JSON response conventions but plain net/http instead of
// Connect-RPC, since the façade here is a small reference server rather
// than the teacher's full dashboard.
func newMux(q *queue.Queue) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("POST /api/tasks", handleSubmitTask(q))
	mux.HandleFunc("GET /api/tasks/{id}", handleGetTask(q))
	mux.HandleFunc("DELETE /api/tasks/{id}", handleCancelTask(q))
	mux.HandleFunc("GET /api/tasks", handleListTasks(q))
	mux.HandleFunc("POST /api/visualize", handleVisualize)
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitTaskRequest is the §6.2 POST /api/tasks body: a Job minus its
// broker-assigned bookkeeping fields.
type submitTaskRequest struct {
	Type       string              `json:"type"`
	Payload    map[string]any      `json:"payload"`
	Backend    string              `json:"backend,omitempty"`
	Queue      string              `json:"queue,omitempty"`
	Priority   int                 `json:"priority,omitempty"`
	Delay      int64               `json:"delayMs,omitempty"`
	Cron       string              `json:"cron,omitempty"`
	Retry      *core.RetryPolicy   `json:"retry,omitempty"`
	Resources  *core.ResourceHint  `json:"resources,omitempty"`
	Steps      []core.Step         `json:"steps,omitempty"`
	OnPending  []core.Effect       `json:"onPending,omitempty"`
	OnProgress []core.Effect       `json:"onProgress,omitempty"`
	OnSuccess  []core.Effect       `json:"onSuccess,omitempty"`
	OnError    []core.Effect       `json:"onError,omitempty"`
}

func handleSubmitTask(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if req.Type == "" || (req.Payload == nil && len(req.Steps) == 0) {
			writeError(w, http.StatusBadRequest, "type and payload are required")
			return
		}

		job := &core.Job{
			Type:       req.Type,
			Payload:    req.Payload,
			Backend:    req.Backend,
			Queue:      req.Queue,
			Priority:   req.Priority,
			Cron:       req.Cron,
			Retry:      req.Retry,
			Resources:  req.Resources,
			Steps:      req.Steps,
			OnPending:  req.OnPending,
			OnProgress: req.OnProgress,
			OnSuccess:  req.OnSuccess,
			OnError:    req.OnError,
		}
		if req.Delay > 0 {
			job.Delay = time.Duration(req.Delay) * time.Millisecond
		}

		id, err := q.Enqueue(r.Context(), job)
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"taskId": id,
			"status": string(core.JobQueued),
			"queue":  job.Queue,
		})
	}
}

func handleGetTask(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		status, err := q.Status(r.Context(), id)
		if errors.Is(err, core.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func handleCancelTask(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		err := q.CancelJob(r.Context(), id)
		switch {
		case errors.Is(err, core.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, core.ErrAlreadyTerminal):
			writeError(w, http.StatusBadRequest, "task already in a terminal state")
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancel-requested"})
		}
	}
}

func handleListTasks(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lane := r.URL.Query().Get("queue")
		if lane == "" {
			lane = queue.LaneDefault
		}
		status := core.JobStatus(r.URL.Query().Get("status"))
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}

		jobs, err := q.List(r.Context(), lane, status, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": jobs})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": strings.TrimSpace(msg)})
}
