package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/logging"
	"github.com/soyeahso/aixplosion/internal/version"
)

// Session states.
type State int

const (
	StateDisconnected State = iota
	StateStarting
	StateReady
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBroken:
		return "broken"
	default:
		return "disconnected"
	}
}

const (
	initTimeout = 30 * time.Second
	callTimeout = 30 * time.Second
)

// Session is one live connection to a tool server. The pending map is the
// single source of truth for request correlation: the reader goroutine
// fulfils waiters by id, and a timed-out waiter is removed before any late
// response could reach it.
type Session struct {
	name string
	tr   transport
	log  *logging.Logger

	mu      sync.Mutex
	state   State
	nextID  int64
	pending map[int64]chan *rpcIncoming
	tools   []domain.Tool
	refs    int

	// onToolsChanged fires after the tool list is replaced (initial load and
	// list_changed notifications).
	onToolsChanged func()
}

func newSession(name string, tr transport, onToolsChanged func(), log *logging.Logger) *Session {
	return &Session{
		name:           name,
		tr:             tr,
		log:            log.Sub("mcp." + name),
		state:          StateStarting,
		pending:        make(map[int64]chan *rpcIncoming),
		onToolsChanged: onToolsChanged,
	}
}

// Name returns the server name.
func (s *Session) Name() string { return s.name }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tools returns a snapshot of the discovered tools (unprefixed names).
func (s *Session) Tools() []domain.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// connect runs the handshake: start the reader, initialize, announce
// initialized, and load the tool list.
func (s *Session) connect(ctx context.Context) error {
	go s.readLoop()

	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	resp, err := s.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    clientCapabilities{Tools: toolsCapability{ListChanged: true}},
		ClientInfo:      clientInfo{Name: clientName, Version: version.Version},
	})
	if err != nil {
		s.markBroken()
		return fmt.Errorf("initializing server %q: %w", s.name, err)
	}
	if resp.Error != nil {
		s.markBroken()
		return fmt.Errorf("server %q rejected initialize: %s", s.name, resp.Error.Message)
	}

	if err := s.notify("notifications/initialized", nil); err != nil {
		s.markBroken()
		return fmt.Errorf("sending initialized: %w", err)
	}

	if err := s.loadTools(ctx); err != nil {
		s.markBroken()
		return err
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	s.log.Info().Int("tools", len(s.Tools())).Msg("server ready")
	return nil
}

// loadTools fetches tools/list and replaces the tool snapshot. An entry that
// fails to parse degrades to a fallback tool carrying just its name with the
// default schema; the connect never fails on one bad entry.
func (s *Session) loadTools(ctx context.Context) error {
	resp, err := s.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("listing tools on %q: %w", s.name, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("server %q rejected tools/list: %s", s.name, resp.Error.Message)
	}

	var result toolListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("parsing tools from %q: %w", s.name, err)
	}

	tools := make([]domain.Tool, 0, len(result.Tools))
	for i, raw := range result.Tools {
		var wt wireTool
		if err := json.Unmarshal(raw, &wt); err != nil || wt.Name == "" {
			// Salvage at least the name if there is one.
			var nameOnly struct {
				Name string `json:"name"`
			}
			if json.Unmarshal(raw, &nameOnly) != nil || nameOnly.Name == "" {
				s.log.Warn().Int("index", i).Msg("skipping unparseable tool entry")
				continue
			}
			s.log.Warn().Str("tool", nameOnly.Name).Msg("using fallback schema for tool")
			tools = append(tools, domain.Tool{Name: nameOnly.Name, InputSchema: domain.DefaultInputSchema})
			continue
		}

		schema := wt.schema()
		if len(schema) == 0 || string(schema) == "null" {
			schema = domain.DefaultInputSchema
		}
		desc := wt.Description
		if desc == "" {
			desc = fmt.Sprintf("MCP tool from server: %s", s.name)
		}
		tools = append(tools, domain.Tool{Name: wt.Name, Description: desc, InputSchema: schema})
	}

	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()

	if s.onToolsChanged != nil {
		s.onToolsChanged()
	}
	return nil
}

// CallTool invokes a tool on the server and renders the result content to a
// single string.
func (s *Session) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	if err := s.tr.Alive(); err != nil {
		return "", false, fmt.Errorf("server %q has terminated", s.name)
	}

	resp, err := s.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", false, err
	}
	if resp.Error != nil {
		return "", false, fmt.Errorf("tool %q failed on server %q: %s", name, s.name, resp.Error.Message)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", false, fmt.Errorf("parsing tool result from %q: %w", s.name, err)
	}

	var parts []string
	for _, item := range result.Content {
		if item.Type == "text" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}

// call sends a request and waits for its response, bounded by callTimeout.
func (s *Session) call(ctx context.Context, method string, params any) (*rpcIncoming, error) {
	s.mu.Lock()
	if s.state == StateBroken {
		s.mu.Unlock()
		return nil, fmt.Errorf("server %q connection broken", s.name)
	}
	s.nextID++
	id := s.nextID
	waiter := make(chan *rpcIncoming, 1)
	s.pending[id] = waiter
	s.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		s.dropWaiter(id)
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	s.log.Debug().Str("method", method).Int64("id", id).Msg("sending request")
	if err := s.tr.WriteLine(data); err != nil {
		s.dropWaiter(id)
		return nil, fmt.Errorf("writing to server %q: %w", s.name, err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		if resp == nil {
			return nil, fmt.Errorf("server %q connection broken", s.name)
		}
		return resp, nil
	case <-timer.C:
		s.dropWaiter(id)
		return nil, fmt.Errorf("server %q timed out after %s", s.name, callTimeout)
	case <-ctx.Done():
		s.dropWaiter(id)
		return nil, ctx.Err()
	}
}

// notify sends a request without an id; no response is expected.
func (s *Session) notify(method string, params any) error {
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return s.tr.WriteLine(data)
}

func (s *Session) dropWaiter(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop reads lines forever, routing responses by id and notifications to
// their handlers. Any read error breaks the session.
func (s *Session) readLoop() {
	for {
		line, err := s.tr.ReadLine()
		if err != nil {
			if err != io.EOF {
				s.log.Error().Err(err).Msg("read error from server")
			}
			s.markBroken()
			return
		}

		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}

		var msg rpcIncoming
		if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
			// One malformed frame is logged and skipped.
			s.log.Warn().Str("line", trimmed).Msg("skipping malformed frame")
			continue
		}

		if msg.ID != nil {
			s.mu.Lock()
			waiter, ok := s.pending[*msg.ID]
			if ok {
				delete(s.pending, *msg.ID)
			}
			s.mu.Unlock()
			if ok {
				waiter <- &msg
			} else {
				s.log.Debug().Int64("id", *msg.ID).Msg("dropping response with no waiter")
			}
			continue
		}

		if msg.Method == "notifications/tools/list_changed" {
			s.log.Debug().Msg("tool list changed, refreshing")
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
				defer cancel()
				if err := s.loadTools(ctx); err != nil {
					s.log.Warn().Err(err).Msg("refreshing tools")
				}
			}()
		}
	}
}

// markBroken fails every pending waiter and flips the state. Tools stay in
// the snapshot until the registry refresh removes them.
func (s *Session) markBroken() {
	s.mu.Lock()
	if s.state == StateBroken {
		s.mu.Unlock()
		return
	}
	s.state = StateBroken
	waiters := s.pending
	s.pending = make(map[int64]chan *rpcIncoming)
	s.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}
	s.log.Warn().Msg("server connection broken")
}

// close tears down the transport.
func (s *Session) close() {
	s.tr.Close()
	s.markBroken()
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
}
