package gateway

import (
	"net/http"
	"strconv"

	"github.com/basket/agentq/internal/orchestrator"
	"github.com/basket/agentq/internal/persistence"
)

type sendTaskRequest struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	MaxRetries *int   `json:"maxRetries"`
}

type verifyRequest struct {
	Verifier string `json:"verifier"`
	Status   string `json:"status"`
	Notes    string `json:"notes"`
}

type recallRequest struct {
	From   string `json:"from"`
	Reason string `json:"reason"`
}

// handleListTasks supports ?agent=, ?status= and ?limit= filters.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var tasks []persistence.AgentTask
	if agent := q.Get("agent"); agent != "" {
		id := s.orch.ResolveAgentID(agent)
		if id == "" {
			writeError(w, http.StatusNotFound, "unknown agent: "+agent)
			return
		}
		tasks = s.orch.ListTasksForAgent(id)
	} else {
		tasks = s.orch.ListTasks()
	}
	if status := q.Get("status"); status != "" {
		filtered := tasks[:0:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	total := len(tasks)
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n < len(tasks) {
		// Tasks are oldest first; keep the newest n.
		tasks = tasks[len(tasks)-n:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) handleSendTask(w http.ResponseWriter, r *http.Request) {
	var req sendTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.orch.SendTask(r.Context(), orchestrator.SendTaskInput{
		FromAgentID: req.From,
		ToAgentID:   req.To,
		Title:       req.Title,
		Content:     req.Content,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task := s.orch.GetTask(r.PathValue("id"))
	if task == nil {
		writeError(w, http.StatusNotFound, "unknown task: "+r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleVerifyTask(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.orch.VerifyTask(r.Context(), orchestrator.VerifyInput{
		TaskID:          r.PathValue("id"),
		VerifierAgentID: req.Verifier,
		Status:          persistence.VerificationStatus(req.Status),
		Notes:           req.Notes,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusConflict, "task cannot be verified: it must exist and be done, with a known verifier and a verdict of verified or changes_requested")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRecallTask(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.orch.RecallTask(r.Context(), orchestrator.RecallInput{
		TaskID:      r.PathValue("id"),
		FromAgentID: req.From,
		Reason:      req.Reason,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if task == nil {
		writeError(w, http.StatusConflict, "task cannot be recalled: it must exist and be done or failed")
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// handleListRuns supports ?agent= and ?limit= filters. Runs are newest
// first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var runs []persistence.AgentRunRecord
	if agent := q.Get("agent"); agent != "" {
		id := s.orch.ResolveAgentID(agent)
		if id == "" {
			writeError(w, http.StatusNotFound, "unknown agent: "+agent)
			return
		}
		runs = s.orch.ListRunsForAgent(id)
	} else {
		runs = s.orch.ListRuns()
	}
	total := len(runs)
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n < len(runs) {
		runs = runs[:n]
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": total})
}
