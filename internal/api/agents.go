package api

import (
	"net/http"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/validate"
	"github.com/agentconsole/agentconsole/internal/workers"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []*store.AgentDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

type agentBody struct {
	Name             *string  `json:"name"`
	AgentType        *string  `json:"agentType"`
	CommandTemplate  *string  `json:"commandTemplate"`
	ContinueTemplate *string  `json:"continueTemplate"`
	HeadlessTemplate *string  `json:"headlessTemplate"`
	Description      *string  `json:"description"`
	AskingPatterns   []string `json:"askingPatterns"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentBody
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == nil || req.CommandTemplate == nil {
		writeError(w, errdefs.Validation("name and commandTemplate are required"))
		return
	}
	name, err := validate.SanitizeName(*req.Name)
	if err != nil {
		writeError(w, errdefs.Validation("invalid agent name: %v", err))
		return
	}
	if err := validate.Patterns(req.AskingPatterns); err != nil {
		writeError(w, errdefs.Validation("invalid asking patterns: %v", err))
		return
	}

	agent := &store.AgentDefinition{
		ID:               id.New(),
		Name:             name,
		CommandTemplate:  *req.CommandTemplate,
		ContinueTemplate: req.ContinueTemplate,
		HeadlessTemplate: req.HeadlessTemplate,
		Description:      req.Description,
		AskingPatterns:   req.AskingPatterns,
	}
	if req.AgentType != nil {
		agent.AgentType = *req.AgentType
	}
	if err := workers.ValidateAgentTemplates(agent); err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(events.AgentCreated, map[string]any{"agent": agent})
	writeJSON(w, http.StatusCreated, map[string]any{"agent": agent})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent})
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req agentBody
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Name != nil {
		name, err := validate.SanitizeName(*req.Name)
		if err != nil {
			writeError(w, errdefs.Validation("invalid agent name: %v", err))
			return
		}
		agent.Name = name
	}
	if req.AgentType != nil {
		agent.AgentType = *req.AgentType
	}
	if req.CommandTemplate != nil {
		agent.CommandTemplate = *req.CommandTemplate
	}
	if req.ContinueTemplate != nil {
		agent.ContinueTemplate = req.ContinueTemplate
	}
	if req.HeadlessTemplate != nil {
		agent.HeadlessTemplate = req.HeadlessTemplate
	}
	if req.Description != nil {
		agent.Description = req.Description
	}
	if req.AskingPatterns != nil {
		if err := validate.Patterns(req.AskingPatterns); err != nil {
			writeError(w, errdefs.Validation("invalid asking patterns: %v", err))
			return
		}
		agent.AskingPatterns = req.AskingPatterns
	}
	if err := workers.ValidateAgentTemplates(agent); err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.UpdateAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(events.AgentUpdated, map[string]any{"agent": agent})
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent})
}

// handleDeleteAgent refuses to delete built-ins and agents still
// referenced by any session's workers.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent.IsBuiltIn {
		writeError(w, errdefs.Conflict("built-in agent %q cannot be deleted", agent.Name))
		return
	}
	count, err := s.store.CountWorkersUsingAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if count > 0 {
		writeError(w, errdefs.Conflict("agent %q is used by %d workers", agent.Name, count))
		return
	}
	if err := s.store.DeleteAgent(r.Context(), agentID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Publish(events.AgentDeleted, map[string]any{"agentId": agentID})
	writeSuccess(w)
}
