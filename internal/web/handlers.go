package web

import (
	"encoding/json"
	"net/http"

	"github.com/soyeahso/aixplosion/internal/domain"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- conversations ---

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	convs, err := s.conversations.List()
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model        string `json:"model"`
		SystemPrompt string `json:"system_prompt"`
		SubAgent     string `json:"sub_agent"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}

	id, err := s.conversations.Create(req.Model, req.SystemPrompt, req.SubAgent)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.conversations.Delete(r.PathValue("id")); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	final, err := s.loop.Advance(r.Context(), r.PathValue("id"), req.Message, s.policy())
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": final})
}

// handleMessageStream mirrors the agent loop's event stream as
// newline-delimited JSON, one event object per line.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	events, err := s.loop.AdvanceStream(r.Context(), r.PathValue("id"), req.Message, s.policy())
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	// Drain on early return so the turn goroutine can finish and release
	// the conversation lock.
	defer func() {
		for range events {
		}
	}()

	enc := json.NewEncoder(w)
	for evt := range events {
		if err := enc.Encode(evt); err != nil {
			s.log.Debug().Err(err).Msg("client went away mid-stream")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// --- mcp servers ---

func (s *Server) handleListMCPServers(w http.ResponseWriter, _ *http.Request) {
	servers, err := s.mcpServers.List()
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	if servers == nil {
		servers = []domain.MCPServerConfig{}
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleUpsertMCPServer(w http.ResponseWriter, r *http.Request) {
	var cfg domain.MCPServerConfig
	if !readJSON(w, r, &cfg) {
		return
	}
	if cfg.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if cfg.Command == "" && cfg.URL == "" {
		writeError(w, http.StatusBadRequest, "either command or url is required")
		return
	}

	if err := s.mcpServers.Upsert(cfg); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	if err := s.mcpServers.Remove(r.PathValue("name")); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	profiles, err := s.agents.List()
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	if profiles == nil {
		profiles = []domain.SubAgentProfile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var profile domain.SubAgentProfile
	if !readJSON(w, r, &profile) {
		return
	}
	if profile.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.agents.Upsert(profile); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// --- plans ---

func (s *Server) handleListPlans(w http.ResponseWriter, _ *http.Request) {
	plans, err := s.plans.List()
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	if plans == nil {
		plans = []domain.PlanRecord{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var plan domain.PlanRecord
	if !readJSON(w, r, &plan) {
		return
	}
	if plan.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	created, err := s.plans.Create(plan)
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.plans.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := s.plans.Delete(r.PathValue("id")); err != nil {
		writeError(w, storeStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
