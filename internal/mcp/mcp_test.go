package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/logging"
	"github.com/soyeahso/aixplosion/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport joins a session to an in-process fake server.
type pipeTransport struct {
	out *io.PipeWriter // session → server
	in  *bufio.Reader  // server → session
	inR *io.PipeReader

	mu     sync.Mutex
	closed bool
}

func newPipePair() (*pipeTransport, *fakeServer) {
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	tr := &pipeTransport{out: toServerW, in: bufio.NewReader(toClientR), inR: toClientR}
	srv := &fakeServer{in: bufio.NewReader(toServerR), out: toClientW, handlers: map[string]handlerFunc{}}
	return tr, srv
}

func (t *pipeTransport) WriteLine(data []byte) error {
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (t *pipeTransport) ReadLine() ([]byte, error) {
	return t.in.ReadBytes('\n')
}

func (t *pipeTransport) Alive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("process has terminated")
	}
	return nil
}

func (t *pipeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.out.Close()
	t.inR.Close()
	return nil
}

type handlerFunc func(id *int64, params json.RawMessage) any

// fakeServer answers JSON-RPC requests with canned handlers. A nil handler
// return suppresses the response (for timeout tests).
type fakeServer struct {
	in       *bufio.Reader
	out      *io.PipeWriter
	mu       sync.Mutex
	handlers map[string]handlerFunc
}

func (f *fakeServer) handle(method string, fn handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = fn
}

func (f *fakeServer) send(v any) {
	data, _ := json.Marshal(v)
	f.out.Write(append(data, '\n'))
}

func (f *fakeServer) sendRaw(line string) {
	f.out.Write([]byte(line + "\n"))
}

func (f *fakeServer) run() {
	for {
		line, err := f.in.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(line, &req) != nil {
			continue
		}
		f.mu.Lock()
		fn := f.handlers[req.Method]
		f.mu.Unlock()
		if fn == nil {
			continue
		}
		if resp := fn(req.ID, req.Params); resp != nil {
			f.send(resp)
		}
	}
}

// respondOK wraps a result into a response for the request id.
func respondOK(id *int64, result any) any {
	raw, _ := json.Marshal(result)
	return map[string]any{"jsonrpc": "2.0", "id": *id, "result": json.RawMessage(raw)}
}

func defaultHandlers(srv *fakeServer) {
	srv.handle("initialize", func(id *int64, _ json.RawMessage) any {
		return respondOK(id, map[string]any{"protocolVersion": protocolVersion, "capabilities": map[string]any{}, "serverInfo": map[string]any{"name": "fake", "version": "1.0"}})
	})
	srv.handle("tools/list", func(id *int64, _ json.RawMessage) any {
		return respondOK(id, map[string]any{"tools": []map[string]any{
			{"name": "query", "description": "run a query", "inputSchema": map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}, "required": []string{"q"}}},
		}})
	})
}

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

func connectedSession(t *testing.T, srv *fakeServer, tr transport) *Session {
	t.Helper()
	s := newSession("fake", tr, nil, silentLog())
	go srv.run()
	require.NoError(t, s.connect(context.Background()))
	return s
}

func TestSession_ConnectDiscoversTools(t *testing.T) {
	tr, srv := newPipePair()
	defaultHandlers(srv)
	s := connectedSession(t, srv, tr)
	defer s.close()

	assert.Equal(t, StateReady, s.State())
	toolList := s.Tools()
	require.Len(t, toolList, 1)
	assert.Equal(t, "query", toolList[0].Name)
	assert.Contains(t, string(toolList[0].InputSchema), `"q"`)
}

func TestSession_FallbackToolOnBadEntry(t *testing.T) {
	tr, srv := newPipePair()
	defaultHandlers(srv)
	srv.handle("tools/list", func(id *int64, _ json.RawMessage) any {
		return respondOK(id, map[string]any{"tools": []any{
			map[string]any{"name": "good", "inputSchema": map[string]any{"type": "object"}},
			map[string]any{"name": "schemaless"},
			map[string]any{"description": "no name at all"},
		}})
	})
	s := connectedSession(t, srv, tr)
	defer s.close()

	toolList := s.Tools()
	require.Len(t, toolList, 2)
	assert.Equal(t, "good", toolList[0].Name)
	assert.Equal(t, "schemaless", toolList[1].Name)
	assert.JSONEq(t, string(domain.DefaultInputSchema), string(toolList[1].InputSchema))
}

func TestSession_CallTool(t *testing.T) {
	tr, srv := newPipePair()
	defaultHandlers(srv)
	srv.handle("tools/call", func(id *int64, params json.RawMessage) any {
		var p callToolParams
		require.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, "query", p.Name)
		assert.JSONEq(t, `{"q":"select 1"}`, string(p.Arguments))
		return respondOK(id, map[string]any{"content": []map[string]any{
			{"type": "text", "text": "row one"},
			{"type": "text", "text": "row two"},
		}})
	})
	s := connectedSession(t, srv, tr)
	defer s.close()

	content, isErr, err := s.CallTool(context.Background(), "query", json.RawMessage(`{"q":"select 1"}`))
	require.NoError(t, err)
	assert.False(t, isErr)
	assert.Equal(t, "row one\nrow two", content)
}

func TestSession_CallTool_ServerErrorFlag(t *testing.T) {
	tr, srv := newPipePair()
	defaultHandlers(srv)
	srv.handle("tools/call", func(id *int64, _ json.RawMessage) any {
		return respondOK(id, map[string]any{"isError": true, "content": []map[string]any{{"type": "text", "text": "query failed"}}})
	})
	s := connectedSession(t, srv, tr)
	defer s.close()

	content, isErr, err := s.CallTool(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.True(t, isErr)
	assert.Equal(t, "query failed", content)
}

func TestSession_MalformedFrameSkipped(t *testing.T) {
	tr, srv := newPipePair()
	defaultHandlers(srv)
	srv.handle("tools/call", func(id *int64, _ json.RawMessage) any {
		// Garbage first; the real response must still be routed.
		srv.sendRaw("not json at all")
		return respondOK(id, map[string]any{"content": []map[string]any{{"type": "text", "text": "ok"}}})
	})
	s := connectedSession(t, srv, tr)
	defer s.close()

	content, _, err := s.CallTool(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
}

func TestSession_BrokenOnEOF(t *testing.T) {
	tr, srv := newPipePair()
	defaultHandlers(srv)
	s := connectedSession(t, srv, tr)

	// Server goes away mid-call: the pending waiter resolves with an error
	// and the session is marked broken.
	srv.handle("tools/call", func(id *int64, _ json.RawMessage) any {
		srv.out.Close()
		return nil
	})

	_, _, err := s.CallTool(context.Background(), "query", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection broken")

	require.Eventually(t, func() bool { return s.State() == StateBroken }, time.Second, 10*time.Millisecond)

	// Subsequent calls fail fast.
	_, _, err = s.CallTool(context.Background(), "query", nil)
	require.Error(t, err)
}

func TestSession_ListChangedNotificationRefreshes(t *testing.T) {
	tr, srv := newPipePair()
	defaultHandlers(srv)

	var refreshes sync.WaitGroup
	refreshes.Add(2) // initial load + notification refresh
	s := newSession("fake", tr, func() { refreshes.Done() }, silentLog())
	go srv.run()
	require.NoError(t, s.connect(context.Background()))
	defer s.close()

	srv.handle("tools/list", func(id *int64, _ json.RawMessage) any {
		return respondOK(id, map[string]any{"tools": []map[string]any{
			{"name": "query"}, {"name": "insert"},
		}})
	})
	srv.send(map[string]any{"jsonrpc": "2.0", "method": "notifications/tools/list_changed"})

	done := make(chan struct{})
	go func() { refreshes.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tool refresh did not happen")
	}
	assert.Len(t, s.Tools(), 2)
}

func TestSession_NoDoubleCompletion(t *testing.T) {
	tr, srv := newPipePair()
	defaultHandlers(srv)
	srv.handle("tools/call", func(id *int64, _ json.RawMessage) any {
		// Duplicate responses for one id: the second has no waiter and is dropped.
		resp := respondOK(id, map[string]any{"content": []map[string]any{{"type": "text", "text": "first"}}})
		srv.send(resp)
		return resp
	})
	s := connectedSession(t, srv, tr)
	defer s.close()

	content, _, err := s.CallTool(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", content)

	// The session remains usable.
	srv.handle("tools/call", func(id *int64, _ json.RawMessage) any {
		return respondOK(id, map[string]any{"content": []map[string]any{{"type": "text", "text": "second"}}})
	})
	content, _, err = s.CallTool(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", content)
}

// --- Manager tests ---

type memConfigs struct {
	configs map[string]domain.MCPServerConfig
}

func (m *memConfigs) Get(name string) (domain.MCPServerConfig, error) {
	cfg, ok := m.configs[name]
	if !ok {
		return cfg, fmt.Errorf("not found")
	}
	return cfg, nil
}

func (m *memConfigs) List() ([]domain.MCPServerConfig, error) {
	var out []domain.MCPServerConfig
	for _, c := range m.configs {
		out = append(out, c)
	}
	return out, nil
}

func TestManager_ConnectUnknownServer(t *testing.T) {
	reg := tools.NewRegistry()
	m := NewManager(&memConfigs{configs: map[string]domain.MCPServerConfig{}}, reg, silentLog())

	err := m.Connect(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestManager_ConnectDisabledServer(t *testing.T) {
	reg := tools.NewRegistry()
	m := NewManager(&memConfigs{configs: map[string]domain.MCPServerConfig{
		"off": {Name: "off", Command: "whatever", Enabled: false},
	}}, reg, silentLog())

	err := m.Connect(context.Background(), "off")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestManager_CallUnconnectedServer(t *testing.T) {
	reg := tools.NewRegistry()
	m := NewManager(&memConfigs{configs: map[string]domain.MCPServerConfig{}}, reg, silentLog())

	_, _, err := m.Call(context.Background(), "ghost", "tool", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestManager_RegistryLifecycle(t *testing.T) {
	reg := tools.NewRegistry()
	m := NewManager(&memConfigs{configs: map[string]domain.MCPServerConfig{}}, reg, silentLog())

	// Wire a ready session in directly; transports are exercised above.
	tr, srv := newPipePair()
	defaultHandlers(srv)
	s := newSession("fake", tr, m.refreshRegistry, silentLog())
	s.refs = 1
	go srv.run()
	require.NoError(t, s.connect(context.Background()))
	m.sessions["fake"] = s
	m.refreshRegistry()

	entry, ok := reg.Get("mcp_fake_query")
	require.True(t, ok)
	assert.Equal(t, "fake", entry.Server)
	assert.Equal(t, "query", entry.RemoteName)

	require.NoError(t, m.Disconnect("fake"))
	_, ok = reg.Get("mcp_fake_query")
	assert.False(t, ok)
	assert.False(t, m.Connected("fake"))
}
