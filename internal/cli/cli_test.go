package cli

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/soyeahso/aixplosion/internal/agent"
	"github.com/soyeahso/aixplosion/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventStream(events ...agent.Event) <-chan agent.Event {
	ch := make(chan agent.Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func TestRenderStream_TextAndFinal(t *testing.T) {
	var out strings.Builder
	final, err := renderStream(&out, eventStream(
		agent.Event{Type: agent.EventText, Delta: "Hello "},
		agent.Event{Type: agent.EventText, Delta: "world"},
		agent.Event{Type: agent.EventFinal, Content: "Hello world"},
	))
	require.NoError(t, err)
	assert.Equal(t, "Hello world", final)
	assert.Contains(t, out.String(), "Hello world")
}

func TestRenderStream_ToolEvents(t *testing.T) {
	var out strings.Builder
	final, err := renderStream(&out, eventStream(
		agent.Event{Type: agent.EventToolCall, ToolUseID: "t1", Name: "read_file", Input: []byte(`{"path":"go.mod"}`)},
		agent.Event{Type: agent.EventToolResult, ToolUseID: "t1", Content: "module example\nmore"},
		agent.Event{Type: agent.EventText, Delta: "done"},
		agent.Event{Type: agent.EventFinal, Content: "done"},
	))
	require.NoError(t, err)
	assert.Equal(t, "done", final)
	assert.Contains(t, out.String(), "[tool: read_file")
	assert.Contains(t, out.String(), "[tool result ok: module example]")
}

func TestRenderStream_ErrorEvent(t *testing.T) {
	var out strings.Builder
	_, err := renderStream(&out, eventStream(
		agent.Event{Type: agent.EventText, Delta: "partial"},
		agent.Event{Type: agent.EventError, Error: "connection lost"},
	))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
}

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{nil, ExitOK},
		{fmt.Errorf("%w: bad flag", errUsage), ExitUsage},
		{ErrMissingCredential, ExitAuth},
		{fmt.Errorf("wrap: %w", llm.ErrAuth), ExitAuth},
		{errToolLimit, ExitToolLimit},
		{&llm.APIError{Status: 502, Body: "bad gateway"}, ExitNetwork},
		{errors.New("anything else"), ExitFailure},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, exitCode(tt.err), "err=%v", tt.err)
	}
}
