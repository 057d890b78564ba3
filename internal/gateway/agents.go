package gateway

import (
	"context"
	"net/http"

	"github.com/basket/agentq/internal/orchestrator"
	"github.com/basket/agentq/internal/persistence"
)

type createAgentRequest struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	Responsibility string `json:"responsibility"`
	SystemPrompt   string `json:"systemPrompt"`
	Enabled        *bool  `json:"enabled"`
	AutoPoll       *bool  `json:"autoPoll"`
}

type updateAgentRequest struct {
	Name           *string `json:"name"`
	Responsibility *string `json:"responsibility"`
	SystemPrompt   *string `json:"systemPrompt"`
	Enabled        *bool   `json:"enabled"`
	AutoPoll       *bool   `json:"autoPoll"`
}

type setActiveRequest struct {
	AgentID string `json:"agentId"`
}

type abandonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":        s.orch.ListAgents(),
		"statuses":      s.orch.AgentStatuses(),
		"activeAgentId": s.orch.ActiveAgentID(),
	})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agent, err := s.orch.CreateAgent(r.Context(), orchestrator.CreateAgentInput{
		Name:           req.Name,
		Kind:           persistence.AgentKind(req.Kind),
		Responsibility: req.Responsibility,
		SystemPrompt:   req.SystemPrompt,
		Enabled:        req.Enabled,
		AutoPoll:       req.AutoPoll,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req updateAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agent, err := s.orch.UpdateAgent(r.Context(), r.PathValue("id"), orchestrator.AgentPatch{
		Name:           req.Name,
		Responsibility: req.Responsibility,
		SystemPrompt:   req.SystemPrompt,
		Enabled:        req.Enabled,
		AutoPoll:       req.AutoPoll,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "unknown agent: "+r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.orch.ResolveAgentID(id) == "" {
		writeError(w, http.StatusNotFound, "unknown agent: "+id)
		return
	}
	deleted, err := s.orch.DeleteAgent(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusConflict, "agent is protected and cannot be deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := s.orch.SetActiveAgent(r.Context(), req.AgentID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent: "+req.AgentID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"activeAgentId": s.orch.ActiveAgentID()})
}

// handleRunNext executes synchronously. The execution is detached from the
// client connection so a disconnect cannot strand the task mid-run.
func (s *Server) handleRunNext(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.RunNextForAgent(context.WithoutCancel(r.Context()), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	var req abandonRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.orch.AbandonJobsForAgent(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
