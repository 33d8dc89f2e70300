package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/logging"
	"github.com/soyeahso/aixplosion/internal/tools"
)

// ConfigSource provides server definitions, implemented by store.MCPServerStore.
type ConfigSource interface {
	Get(name string) (domain.MCPServerConfig, error)
	List() ([]domain.MCPServerConfig, error)
}

// Manager owns all tool-server sessions and keeps the tool registry in sync
// with their state. Sessions are shared process-wide and reference-counted:
// the first Connect starts the child, the last Disconnect terminates it.
// Reconnecting a Broken session is always explicit.
type Manager struct {
	configs  ConfigSource
	registry *tools.Registry
	log      *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager bound to a registry.
func NewManager(configs ConfigSource, registry *tools.Registry, log *logging.Logger) *Manager {
	return &Manager{
		configs:  configs,
		registry: registry,
		log:      log.Sub("mcp"),
		sessions: make(map[string]*Session),
	}
}

// Connect starts (or joins) a session for the named server. A Broken session
// must be removed with Disconnect before reconnecting.
func (m *Manager) Connect(ctx context.Context, name string) error {
	cfg, err := m.configs.Get(name)
	if err != nil {
		return fmt.Errorf("server %q is not configured", name)
	}
	if !cfg.Enabled {
		return fmt.Errorf("server %q is disabled", name)
	}

	m.mu.Lock()
	if existing, ok := m.sessions[name]; ok {
		if existing.State() == StateBroken {
			m.mu.Unlock()
			return fmt.Errorf("server %q is broken; disconnect it first", name)
		}
		existing.mu.Lock()
		existing.refs++
		existing.mu.Unlock()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	tr, err := m.dial(cfg)
	if err != nil {
		return err
	}

	session := newSession(name, tr, m.refreshRegistry, m.log)
	session.refs = 1

	if err := session.connect(ctx); err != nil {
		tr.Close()
		return err
	}

	m.mu.Lock()
	m.sessions[name] = session
	m.mu.Unlock()

	m.refreshRegistry()
	return nil
}

func (m *Manager) dial(cfg domain.MCPServerConfig) (transport, error) {
	switch {
	case cfg.Transport == domain.TransportWS || (cfg.Transport == "" && cfg.URL != ""):
		return dialWS(cfg.URL)
	case cfg.Command != "":
		return startStdio(cfg.Command, cfg.Args, cfg.Env)
	default:
		return nil, fmt.Errorf("server %q has no command or URL configured", cfg.Name)
	}
}

// Disconnect drops one reference; the session terminates when none remain.
// Broken sessions are removed regardless of references.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	session, ok := m.sessions[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("server %q is not connected", name)
	}

	session.mu.Lock()
	session.refs--
	last := session.refs <= 0 || session.state == StateBroken
	session.mu.Unlock()

	if last {
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	if last {
		session.close()
		m.refreshRegistry()
		m.log.Info().Str("server", name).Msg("disconnected from server")
	}
	return nil
}

// Disable disconnects a connected server immediately. The caller persists
// the enabled flag; disabling while connected always disconnects.
func (m *Manager) Disable(name string) {
	m.mu.Lock()
	session, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	if ok {
		session.close()
		m.refreshRegistry()
	}
}

// DisconnectAll tears down every session.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	m.refreshRegistry()
}

// ConnectEnabled connects every enabled configured server, logging failures
// instead of aborting.
func (m *Manager) ConnectEnabled(ctx context.Context) {
	configs, err := m.configs.List()
	if err != nil {
		m.log.Error().Err(err).Msg("listing servers")
		return
	}
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := m.Connect(ctx, cfg.Name); err != nil {
			m.log.Warn().Str("server", cfg.Name).Err(err).Msg("connect failed")
		}
	}
}

// Call routes a tool invocation to a connected server. Implements
// tools.MCPCaller.
func (m *Manager) Call(ctx context.Context, server, tool string, args json.RawMessage) (string, bool, error) {
	m.mu.Lock()
	session, ok := m.sessions[server]
	m.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("server %q is not connected", server)
	}
	return session.CallTool(ctx, tool, args)
}

// Status describes one session for /mcp list.
type Status struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	ToolCount int    `json:"tool_count"`
}

// Sessions reports the live sessions.
func (m *Manager) Sessions() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Status{Name: s.Name(), State: s.State().String(), ToolCount: len(s.Tools())})
	}
	return out
}

// Connected reports whether the named server has a live session.
func (m *Manager) Connected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[name]
	return ok
}

// refreshRegistry rebuilds the registry's MCP entries from the current
// session table. Broken sessions contribute nothing, so their tools drop out
// on the first refresh after the break.
func (m *Manager) refreshRegistry() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.registry.RemoveAllMCP()
	for _, s := range sessions {
		if s.State() != StateReady {
			continue
		}
		for _, t := range s.Tools() {
			m.registry.RegisterMCP(s.Name(), t)
		}
	}
}
