package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/ledger"
	"github.com/windlass-io/windlass/internal/scheduler"
	"github.com/windlass-io/windlass/internal/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("content-type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		created, err := s.wf.CreateDefinitionFromJSON(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, created)
	case http.MethodGet:
		writeJSON(w, map[string]any{"items": s.wf.ListDefinitions()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/workflows/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		def, err := s.wf.GetDefinition(id)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, def)
	case action == "versions" && r.Method == http.MethodGet:
		writeJSON(w, map[string]any{"items": s.wf.ListVersions(id)})
	case action == "rollback" && r.Method == http.MethodPost:
		var body struct {
			Version int `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		def, err := s.wf.RollbackVersion(id, body.Version)
		if err != nil {
			http.Error(w, "version not found", http.StatusNotFound)
			return
		}
		writeJSON(w, def)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{"items": workflow.BuiltinTemplates})
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var sched scheduler.Schedule
		if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		created, err := s.sched.CreateSchedule(sched)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, created)
	case http.MethodGet:
		writeJSON(w, map[string]any{"items": s.sched.ListSchedules()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/schedules/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		sched, err := s.sched.GetSchedule(id)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, sched)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.sched.DeleteSchedule(id); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case action == "enable" && r.Method == http.MethodPost:
		s.setScheduleEnabled(w, id, true)
	case action == "disable" && r.Method == http.MethodPost:
		s.setScheduleEnabled(w, id, false)
	case action == "runs" && r.Method == http.MethodGet:
		writeJSON(w, map[string]any{"items": s.sched.ListRuns(id)})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, id string, enabled bool) {
	sched, err := s.sched.SetEnabled(id, enabled)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, sched)
}

func (s *Server) handleFireEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Name    string         `json:"name"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	fired := s.sched.FireEvent(body.Name, body.Payload)
	writeJSON(w, map[string]any{"fired": len(fired), "runs": fired})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			DefinitionID string         `json:"definition_id"`
			Context      map[string]any `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(body.DefinitionID) == "" {
			http.Error(w, "definition_id required", http.StatusBadRequest)
			return
		}
		ex, err := s.eng.StartExecution(body.DefinitionID, body.Context)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, ex)
	case http.MethodGet:
		status := ledger.ExecutionStatus(r.URL.Query().Get("status"))
		if status == "" {
			status = ledger.ExecutionRunning
		}
		writeJSON(w, map[string]any{"items": s.eng.Store().ListExecutionsByStatus(status)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/executions/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch r.Method {
	case http.MethodGet:
		switch {
		case action == "":
			ex, err := s.eng.GetExecution(id)
			if err != nil {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			writeJSON(w, ex)
		case action == "events" && len(parts) == 2:
			writeJSON(w, map[string]any{"items": s.eng.Store().ListEvents(id)})
		case action == "events" && len(parts) > 2 && parts[2] == "stream":
			s.handleEventStream(w, r, id)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodPost:
		switch action {
		case "cancel":
			ex, err := s.eng.CancelExecution(id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, ex)
		case "retry":
			ex, err := s.eng.RetryExecution(id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, ex)
		case "steps":
			// /v1/executions/{id}/steps/{slug}/outcome
			if len(parts) == 4 && parts[3] == "outcome" {
				s.handleStepOutcome(w, r, id, parts[2])
				return
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleStepOutcome is the completion callback for queued steps:
// external workers post the terminal result of an attempt here.
func (s *Server) handleStepOutcome(w http.ResponseWriter, r *http.Request, executionID, slug string) {
	var body struct {
		Attempt int    `json:"attempt"`
		Status  string `json:"status"`
		Output  any    `json:"output,omitempty"`
		Error   string `json:"error,omitempty"`
		Class   string `json:"class,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if body.Attempt <= 0 {
		http.Error(w, "attempt required", http.StatusBadRequest)
		return
	}
	var applied bool
	if body.Status == "failed" {
		if body.Error == "" {
			body.Error = "failed"
		}
		applied = s.eng.ApplyStepOutcome(executionID, slug, body.Attempt, nil, body.Error, engine.Class(body.Class))
	} else {
		applied = s.eng.ApplyStepOutcome(executionID, slug, body.Attempt, body.Output, "", "")
	}
	writeJSON(w, map[string]any{"applied": applied})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, executionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastIdx := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := s.eng.Store().ListEvents(executionID)
			for lastIdx < len(events) {
				_, _ = w.Write([]byte("data: " + events[lastIdx] + "\n\n"))
				flusher.Flush()
				lastIdx++
			}
		}
	}
}

func (s *Server) handleTaskClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Queues       []string `json:"queues"`
		WorkerID     string   `json:"worker_id"`
		LeaseSeconds int      `json:"lease_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(body.Queues) == 0 || strings.TrimSpace(body.WorkerID) == "" {
		http.Error(w, "queues and worker_id required", http.StatusBadRequest)
		return
	}
	lease := time.Duration(body.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = time.Minute
	}
	task, ok := s.tasks.Claim(body.Queues, body.WorkerID, lease)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, task)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id, action := parts[0], parts[1]

	switch action {
	case "heartbeat":
		var body struct {
			WorkerID     string `json:"worker_id"`
			LeaseSeconds int    `json:"lease_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		lease := time.Duration(body.LeaseSeconds) * time.Second
		if lease <= 0 {
			lease = time.Minute
		}
		if err := s.tasks.Heartbeat(id, body.WorkerID, lease); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	case "complete":
		var body struct {
			Status string `json:"status"`
			Result any    `json:"result,omitempty"`
			Error  string `json:"error,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		taskErr := body.Error
		if body.Status == "failed" && taskErr == "" {
			taskErr = "failed"
		}
		task, ok := s.tasks.Complete(id, body.Result, taskErr)
		if !ok {
			http.Error(w, "task not completable", http.StatusConflict)
			return
		}
		// Funnel the outcome into the owning step as well.
		if task.ExecutionID != "" {
			if taskErr == "" {
				s.eng.ApplyStepOutcome(task.ExecutionID, task.StepSlug, task.Attempt, task.Result, "", "")
			} else {
				s.eng.ApplyStepOutcome(task.ExecutionID, task.StepSlug, task.Attempt, nil, taskErr, engine.ClassTransient)
			}
		}
		writeJSON(w, task)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{"items": s.eng.DeadLetters().List()})
}

func (s *Server) handleDeadLetterByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/deadletters/")
	parts := strings.Split(path, "/")
	id := parts[0]
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		entry, err := s.eng.DeadLetters().Get(id)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, entry)
	case action == "replay" && r.Method == http.MethodPost:
		entry, err := s.eng.DeadLetters().Get(id)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		ex, err := s.eng.RetryExecution(entry.ExecutionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		entry, _ = s.eng.DeadLetters().Resolve(id, ledger.ResolutionReplayed)
		writeJSON(w, map[string]any{"entry": entry, "execution": ex})
	case action == "discard" && r.Method == http.MethodPost:
		entry, err := s.eng.DeadLetters().Resolve(id, ledger.ResolutionDiscarded)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, entry)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report := s.rec.LastReport()
	if report == nil {
		writeJSON(w, map[string]any{"report": nil})
		return
	}
	writeJSON(w, map[string]any{"report": report})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
