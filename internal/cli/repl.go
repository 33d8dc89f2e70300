package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/soyeahso/aixplosion/internal/agent"
	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/security"
	"github.com/soyeahso/aixplosion/internal/store"
)

// repl is the interactive read-eval-print loop.
type repl struct {
	app    *App
	convID string
	stream bool
	in     *bufio.Scanner
	out    io.Writer

	// pendingRefs are -f context files, attached to the next message sent.
	pendingRefs string
}

func newREPL(app *App, convID string, stream bool) *repl {
	return &repl{
		app:    app,
		convID: convID,
		stream: stream,
		in:     bufio.NewScanner(os.Stdin),
		out:    os.Stdout,
	}
}

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintf(r.out, "aixplosion — model %s. Type /help for commands, /exit to quit.\n", r.app.Config.DefaultModel)

	for {
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "/"):
			quit, err := r.slashCommand(ctx, line)
			if err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}

		case strings.HasPrefix(line, "!"):
			// Raw shell command, bypassing the mediator by design: the user
			// typed it themselves.
			r.rawShell(ctx, strings.TrimPrefix(line, "!"))

		default:
			if err := r.turn(ctx, line); err != nil {
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
		}
	}
}

// turn runs one conversation turn, streaming or batch.
func (r *repl) turn(ctx context.Context, input string) error {
	if r.pendingRefs != "" {
		input = r.pendingRefs + input
		r.pendingRefs = ""
	}
	if !r.stream {
		final, err := r.app.Loop.Advance(ctx, r.convID, input, r.app.Policy)
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, final)
		return nil
	}

	events, err := r.app.Loop.AdvanceStream(ctx, r.convID, input, r.app.Policy)
	if err != nil {
		return err
	}
	_, err = renderStream(r.out, events)
	return err
}

// renderStream prints a turn's events as they arrive and returns the final
// text. Text deltas print inline; tool activity prints as bracketed notes.
func renderStream(out io.Writer, events <-chan agent.Event) (string, error) {
	var final string
	inText := false

	for evt := range events {
		switch evt.Type {
		case agent.EventText:
			fmt.Fprint(out, evt.Delta)
			inText = true
		case agent.EventToolCall:
			if inText {
				fmt.Fprintln(out)
				inText = false
			}
			fmt.Fprintf(out, "[tool: %s %s]\n", evt.Name, compactJSON(evt.Input))
		case agent.EventToolResult:
			status := "ok"
			if evt.IsError {
				status = "error"
			}
			fmt.Fprintf(out, "[tool result %s: %s]\n", status, firstLine(evt.Content))
		case agent.EventFinal:
			if inText {
				fmt.Fprintln(out)
			}
			final = evt.Content
		case agent.EventError:
			if inText {
				fmt.Fprintln(out)
			}
			return "", errors.New(evt.Error)
		}
	}
	return final, nil
}

func compactJSON(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}

// rawShell runs a user-typed shell command directly.
func (r *repl) rawShell(ctx context.Context, command string) {
	command = strings.TrimSpace(command)
	if command == "" {
		return
	}
	outcome := r.app.Dispatcher.Dispatch(ctx, domain.ToolCall{
		ID:        "shell",
		Name:      "bash",
		Arguments: []byte(fmt.Sprintf(`{"command":%q}`, command)),
	}, yoloPolicy(r.app))
	fmt.Fprintln(r.out, outcome.Content)
}

// yoloPolicy is a fresh policy with prompting disabled for `!` commands.
func yoloPolicy(app *App) *security.PolicyContext {
	return &security.PolicyContext{
		Yolo:        true,
		Interactive: app.Policy.Interactive,
		SubAgent:    app.Policy.SubAgent,
	}
}

// slashCommand handles one /command line; the bool result requests exit.
func (r *repl) slashCommand(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/exit", "/quit":
		return true, nil

	case "/help":
		r.printHelp()

	case "/stats", "/usage":
		return false, r.printStats()

	case "/reset-stats":
		if err := r.app.Conversations.ResetUsage(r.convID); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "usage counters reset")

	case "/context":
		return false, r.printContext()

	case "/clear":
		if err := r.app.Conversations.ClearMessages(r.convID); err != nil {
			return false, err
		}
		// AGENTS.md auto-context comes back on the next (now first) turn.
		fmt.Fprintln(r.out, "conversation cleared")

	case "/resume":
		return false, r.resume(args)

	case "/search":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /search <query>")
		}
		return false, r.search(strings.Join(args, " "))

	case "/plan":
		return false, r.plan(args)

	case "/agent":
		return false, r.agentCommand(args)

	case "/permissions":
		return false, r.permissions(args)

	case "/mcp":
		return false, r.mcpCommand(ctx, args)

	default:
		return false, fmt.Errorf("unknown command %s; try /help", cmd)
	}
	return false, nil
}

func (r *repl) printHelp() {
	fmt.Fprint(r.out, `Commands:
  /help                         show this help
  /stats, /usage                token usage for this conversation
  /reset-stats                  zero the usage counters
  /context                      show context files and transcript size
  /clear                        clear messages (AGENTS.md context returns)
  /resume [id]                  list conversations, or switch to one
  /search <query>               full-text search over past messages
  /plan [save <title>]          list plans, or save the last answer as one
  /agent [name]                 show or set the active sub-agent
  /permissions [list|allow <pat>|deny <pat>|remove <pat>]
  /mcp [list|add|remove|connect|disconnect|test|tools]
  /exit, /quit                  leave
  !<command>                    run a shell command directly
  @<path> in a message          attach a file as context
`)
}

func (r *repl) printStats() error {
	conv, err := r.app.Conversations.Get(r.convID)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "conversation %s\n  model: %s\n  messages: %d\n  input tokens: %d\n  output tokens: %d\n",
		conv.ID, conv.Model, len(conv.Messages), conv.Usage.InputTokens, conv.Usage.OutputTokens)
	return nil
}

func (r *repl) printContext() error {
	conv, err := r.app.Conversations.Get(r.convID)
	if err != nil {
		return err
	}
	if conv.SystemPrompt != "" {
		fmt.Fprintf(r.out, "system prompt: %s\n", firstLine(conv.SystemPrompt))
	}
	if len(conv.ContextFiles) == 0 {
		fmt.Fprintln(r.out, "no context files")
	} else {
		fmt.Fprintln(r.out, "context files:")
		for _, f := range conv.ContextFiles {
			fmt.Fprintf(r.out, "  %s\n", f)
		}
	}
	fmt.Fprintf(r.out, "%d messages in transcript\n", len(conv.Messages))
	return nil
}

func (r *repl) resume(args []string) error {
	if len(args) == 0 {
		convs, err := r.app.Conversations.List()
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Fprintln(r.out, "no conversations yet")
			return nil
		}
		for _, c := range convs {
			marker := " "
			if c.ID == r.convID {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s  %s  updated %s\n", marker, c.ID, c.Model, c.UpdatedAt.Format("2006-01-02 15:04"))
		}
		fmt.Fprintln(r.out, "use /resume <id> to switch")
		return nil
	}

	id := args[0]
	if _, err := r.app.Conversations.Get(id); err != nil {
		return err
	}
	r.convID = id
	fmt.Fprintf(r.out, "resumed conversation %s\n", id)
	return nil
}

func (r *repl) search(query string) error {
	hits, err := r.app.Conversations.Search(query, 20)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Fprintln(r.out, "no matches")
		return nil
	}
	for _, h := range hits {
		fmt.Fprintf(r.out, "%s  %s\n", h.ConversationID, h.Snippet)
	}
	return nil
}

func (r *repl) plan(args []string) error {
	if len(args) >= 2 && args[0] == "save" {
		title := strings.Join(args[1:], " ")
		conv, err := r.app.Conversations.Get(r.convID)
		if err != nil {
			return err
		}

		var request, answer string
		for _, m := range conv.Messages {
			switch m.Role {
			case domain.RoleUser:
				if t := m.Text(); t != "" {
					request = t
				}
			case domain.RoleAssistant:
				if t := m.Text(); t != "" {
					answer = t
				}
			}
		}
		if answer == "" {
			return fmt.Errorf("nothing to save yet")
		}

		plan, err := r.app.Plans.Create(domain.PlanRecord{
			ConversationID: r.convID,
			Title:          title,
			UserRequest:    request,
			PlanMarkdown:   answer,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "plan saved: %s (%s)\n", plan.Title, plan.ID)
		return nil
	}

	plans, err := r.app.Plans.List()
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		fmt.Fprintln(r.out, "no plans; use /plan save <title> after an answer")
		return nil
	}
	for _, p := range plans {
		fmt.Fprintf(r.out, "%s  %s  updated %s\n", p.ID, p.Title, p.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func (r *repl) agentCommand(args []string) error {
	if len(args) == 0 {
		conv, err := r.app.Conversations.Get(r.convID)
		if err != nil {
			return err
		}
		if conv.SubAgent == "" {
			fmt.Fprintln(r.out, "no sub-agent active")
		} else {
			fmt.Fprintf(r.out, "active sub-agent: %s\n", conv.SubAgent)
		}
		profiles, err := r.app.Agents.List()
		if err != nil {
			return err
		}
		for _, p := range profiles {
			fmt.Fprintf(r.out, "  %s (model %s)\n", p.Name, orDefault(p.Model, r.app.Config.DefaultModel))
		}
		return nil
	}

	name := args[0]
	if name == "none" {
		if err := r.app.Conversations.SetSubAgent(r.convID, ""); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "sub-agent cleared")
		return nil
	}

	if _, err := r.app.Agents.Get(name); err != nil {
		return fmt.Errorf("no such agent %q", name)
	}
	if err := r.app.Conversations.SetSubAgent(r.convID, name); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "sub-agent set to %s (takes effect next turn)\n", name)
	return nil
}

func (r *repl) permissions(args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "list":
		rules, err := r.app.Rules.List()
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Fprintln(r.out, "no permission rules")
			return nil
		}
		for _, rule := range rules {
			fmt.Fprintf(r.out, "  %-5s %s\n", rule.Decision, rule.Pattern)
		}
		return nil

	case "allow", "deny":
		if len(args) < 2 {
			return fmt.Errorf("usage: /permissions %s <pattern>", sub)
		}
		decision := domain.DecisionAllow
		if sub == "deny" {
			decision = domain.DecisionDeny
		}
		pattern := strings.Join(args[1:], " ")
		if err := r.app.Rules.Add(domain.PermissionRule{Pattern: pattern, Decision: decision}); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "rule added: %s %s\n", decision, pattern)
		return nil

	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: /permissions remove <pattern>")
		}
		pattern := strings.Join(args[1:], " ")
		if err := r.app.Rules.Remove(pattern); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no rule with pattern %q", pattern)
			}
			return err
		}
		fmt.Fprintf(r.out, "rule removed: %s\n", pattern)
		return nil

	default:
		return fmt.Errorf("usage: /permissions [list|allow <pat>|deny <pat>|remove <pat>]")
	}
}

func (r *repl) mcpCommand(ctx context.Context, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "list":
		configs, err := r.app.MCPConfigs.List()
		if err != nil {
			return err
		}
		if len(configs) == 0 {
			fmt.Fprintln(r.out, "no MCP servers configured; use /mcp add")
			return nil
		}
		for _, cfg := range configs {
			state := "disconnected"
			for _, s := range r.app.MCP.Sessions() {
				if s.Name == cfg.Name {
					state = s.State
				}
			}
			enabled := "enabled"
			if !cfg.Enabled {
				enabled = "disabled"
			}
			target := cfg.Command
			if cfg.URL != "" {
				target = cfg.URL
			}
			fmt.Fprintf(r.out, "  %s  %s  %s  %s  %s\n", cfg.Name, cfg.Transport, target, enabled, state)
		}
		return nil

	case "add":
		if len(args) < 3 {
			return fmt.Errorf("usage: /mcp add <name> <command> [args...] | /mcp add <name> ws <url>")
		}
		name := args[1]
		cfg := domain.MCPServerConfig{Name: name, Enabled: true}
		if args[2] == "ws" {
			if len(args) < 4 {
				return fmt.Errorf("usage: /mcp add <name> ws <url>")
			}
			cfg.Transport = domain.TransportWS
			cfg.URL = args[3]
		} else {
			cfg.Transport = domain.TransportStdio
			cfg.Command = args[2]
			cfg.Args = args[3:]
		}
		if err := r.app.MCPConfigs.Upsert(cfg); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "server %s added; /mcp connect %s to start it\n", name, name)
		return nil

	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: /mcp remove <name>")
		}
		name := args[1]
		r.app.MCP.Disable(name)
		if err := r.app.MCPConfigs.Remove(name); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "server %s removed\n", name)
		return nil

	case "connect":
		if len(args) < 2 {
			return fmt.Errorf("usage: /mcp connect <name>")
		}
		if err := r.app.MCP.Connect(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "connected to %s\n", args[1])
		return nil

	case "disconnect":
		if len(args) < 2 {
			return fmt.Errorf("usage: /mcp disconnect <name>")
		}
		if err := r.app.MCP.Disconnect(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "disconnected from %s\n", args[1])
		return nil

	case "test":
		if len(args) < 2 {
			return fmt.Errorf("usage: /mcp test <name>")
		}
		name := args[1]
		wasConnected := r.app.MCP.Connected(name)
		if err := r.app.MCP.Connect(ctx, name); err != nil {
			return fmt.Errorf("test failed: %w", err)
		}
		if !wasConnected {
			defer r.app.MCP.Disconnect(name)
		}
		for _, s := range r.app.MCP.Sessions() {
			if s.Name == name {
				fmt.Fprintf(r.out, "server %s ok: %s, %d tools\n", name, s.State, s.ToolCount)
			}
		}
		return nil

	case "tools":
		listed := false
		for _, tool := range r.app.Registry.Tools(nil) {
			if server := domain.MCPServerOf(tool.Origin); server != "" {
				fmt.Fprintf(r.out, "  %s (%s): %s\n", tool.Name, server, firstLine(tool.Description))
				listed = true
			}
		}
		if !listed {
			fmt.Fprintln(r.out, "no MCP tools; connect a server first")
		}
		return nil

	default:
		return fmt.Errorf("usage: /mcp [list|add|remove|connect|disconnect|test|tools]")
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
