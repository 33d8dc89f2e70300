package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/logging"
	"github.com/soyeahso/aixplosion/internal/security"
)

// MCPCaller routes a tool call to a connected MCP server. Implemented by
// mcp.Manager; an interface here keeps the dependency arrow pointing at the
// registry mediator rather than back into the MCP client.
type MCPCaller interface {
	Call(ctx context.Context, server, tool string, args json.RawMessage) (content string, isError bool, err error)
}

// Dispatcher turns tool_use requests into tool results. Errors of any kind
// (unknown tool, invalid input, security denial, handler failure) become
// error results; the dispatcher never aborts the turn.
type Dispatcher struct {
	reg      *Registry
	mediator *security.Mediator
	mcp      MCPCaller
	log      *logging.Logger
}

// NewDispatcher creates a dispatcher. mcp may be nil when no tool servers
// are configured.
func NewDispatcher(reg *Registry, mediator *security.Mediator, mcp MCPCaller, log *logging.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, mediator: mediator, mcp: mcp, log: log.Sub("tools")}
}

// Registry exposes the dispatcher's registry for tool-set resolution.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Dispatch executes one tool call under the given policy.
func (d *Dispatcher) Dispatch(ctx context.Context, call domain.ToolCall, pol *security.PolicyContext) domain.ToolOutcome {
	entry, ok := d.reg.Get(call.Name)
	if !ok {
		return errOutcome(call.ID, fmt.Sprintf("unknown tool %q", call.Name))
	}

	if err := validateInput(entry.Tool.InputSchema, call.Arguments); err != nil {
		return errOutcome(call.ID, fmt.Sprintf("invalid input for %s: %v", call.Name, err))
	}

	if IsMutating(call.Name) {
		command := commandRendering(call)
		if err := d.mediator.Authorize(ctx, call.Name, command, pol); err != nil {
			d.log.Warn().Str("tool", call.Name).Err(err).Msg("tool call denied")
			return errOutcome(call.ID, err.Error())
		}
	}

	d.log.Debug().Str("tool", call.Name).Msg("executing tool")

	if entry.Server != "" {
		content, isErr, err := d.mcp.Call(ctx, entry.Server, entry.RemoteName, call.Arguments)
		if err != nil {
			return errOutcome(call.ID, err.Error())
		}
		return domain.ToolOutcome{ToolUseID: call.ID, Content: content, IsError: isErr}
	}

	content, err := d.invokeBuiltin(ctx, entry.Builtin, call.Arguments)
	if err != nil {
		if content == "" {
			content = err.Error()
		}
		return domain.ToolOutcome{ToolUseID: call.ID, Content: content, IsError: true}
	}
	return domain.ToolOutcome{ToolUseID: call.ID, Content: content}
}

// invokeBuiltin shields the loop from handler panics.
func (d *Dispatcher) invokeBuiltin(ctx context.Context, fn BuiltinFunc, args json.RawMessage) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Any("panic", r).Msg("tool handler panicked")
			content = ""
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return fn(ctx, args)
}

// commandRendering produces the string the mediator matches and shows the
// user: the raw command for bash, the target path for file tools.
func commandRendering(call domain.ToolCall) string {
	var args map[string]any
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return string(call.Arguments)
	}
	if call.Name == "bash" {
		if cmd, ok := args["command"].(string); ok {
			return cmd
		}
	}
	if path, ok := args["path"].(string); ok {
		return path
	}
	return string(call.Arguments)
}

func errOutcome(id, msg string) domain.ToolOutcome {
	return domain.ToolOutcome{ToolUseID: id, Content: msg, IsError: true}
}

// validateInput performs a shallow JSON-schema check: required fields are
// present and declared primitive types match. Anything deeper is left to
// the handler.
func validateInput(schema, input json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	var s struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		// An unparseable schema never blocks the call.
		return nil
	}

	var args map[string]json.RawMessage
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return fmt.Errorf("input is not a JSON object")
	}

	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required field %q", name)
		}
	}

	for name, raw := range args {
		prop, ok := s.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !typeMatches(prop.Type, raw) {
			return fmt.Errorf("field %q is not of type %s", name, prop.Type)
		}
	}
	return nil
}

func typeMatches(typ string, raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}
