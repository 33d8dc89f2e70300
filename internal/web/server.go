// Package web exposes the core over a local HTTP API: CRUD over the session
// store plus message endpoints that enter the agent loop. The browser UI
// consumes the newline-JSON stream variant.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/soyeahso/aixplosion/internal/agent"
	"github.com/soyeahso/aixplosion/internal/logging"
	"github.com/soyeahso/aixplosion/internal/security"
	"github.com/soyeahso/aixplosion/internal/store"
)

// Server is the local HTTP server.
type Server struct {
	conversations *store.ConversationStore
	plans         *store.PlanStore
	mcpServers    *store.MCPServerStore
	agents        *store.AgentStore
	loop          *agent.Loop
	defaultModel  string
	yolo          bool
	log           *logging.Logger

	httpServer *http.Server
}

// Config wires the server's collaborators.
type Config struct {
	Conversations *store.ConversationStore
	Plans         *store.PlanStore
	MCPServers    *store.MCPServerStore
	Agents        *store.AgentStore
	Loop          *agent.Loop
	DefaultModel  string
	Yolo          bool
}

// NewServer creates a server.
func NewServer(cfg Config, log *logging.Logger) *Server {
	return &Server{
		conversations: cfg.Conversations,
		plans:         cfg.Plans,
		mcpServers:    cfg.MCPServers,
		agents:        cfg.Agents,
		loop:          cfg.Loop,
		defaultModel:  cfg.DefaultModel,
		yolo:          cfg.Yolo,
		log:           log.Sub("web"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /api/conversations/{id}/message", s.handleMessage)
	mux.HandleFunc("POST /api/conversations/{id}/message/stream", s.handleMessageStream)

	mux.HandleFunc("GET /api/mcp/servers", s.handleListMCPServers)
	mux.HandleFunc("POST /api/mcp/servers", s.handleUpsertMCPServer)
	mux.HandleFunc("DELETE /api/mcp/servers/{name}", s.handleDeleteMCPServer)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleUpsertAgent)

	mux.HandleFunc("GET /api/plans", s.handleListPlans)
	mux.HandleFunc("POST /api/plans", s.handleCreatePlan)
	mux.HandleFunc("GET /api/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("DELETE /api/plans/{id}", s.handleDeletePlan)

	return mux
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("web server listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// policy returns the non-interactive policy applied to web-originated turns.
func (s *Server) policy() *security.PolicyContext {
	return &security.PolicyContext{Interactive: false, Yolo: s.yolo}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func storeStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConversationBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
