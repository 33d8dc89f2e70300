// Package agent implements the turn-taking loop between the LLM and the
// tool dispatcher: append user input, request completions, execute requested
// tools, feed results back, and persist every step.
package agent

import (
	"context"
	"fmt"

	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/llm"
	"github.com/soyeahso/aixplosion/internal/logging"
	"github.com/soyeahso/aixplosion/internal/security"
	"github.com/soyeahso/aixplosion/internal/tools"
)

// maxIterations bounds how many tool rounds one turn may take.
const maxIterations = 10

// IterationLimitText is the synthetic assistant message appended when the
// cap is hit.
const IterationLimitText = "tool-use iteration limit reached"

// Store is the conversation persistence the loop depends on, implemented by
// store.ConversationStore.
type Store interface {
	Get(id string) (*domain.Conversation, error)
	AppendMessage(conversationID string, msg domain.Message) error
	AddUsage(conversationID string, usage domain.Usage) error
	AddContextFile(conversationID, path string) error
	AcquireTurn(conversationID string) error
	ReleaseTurn(conversationID string)
}

// ProfileSource resolves sub-agent profiles, implemented by store.AgentStore.
type ProfileSource interface {
	Get(name string) (*domain.SubAgentProfile, error)
}

// Options carries per-process loop configuration.
type Options struct {
	MaxTokens      int
	Temperature    float64
	SystemPrompt   string // fallback when the conversation carries none
	WorkDir        string
	GlobalAgentsMD string
}

// Loop drives turns on conversations. One Loop serves all conversations;
// concurrent turns on distinct conversations proceed independently, while
// the store rejects a second turn on the same conversation.
type Loop struct {
	client     llm.Client
	dispatcher *tools.Dispatcher
	store      Store
	profiles   ProfileSource
	opts       Options
	log        *logging.Logger
}

// New creates an agent loop. profiles may be nil when sub-agents are unused.
func New(client llm.Client, dispatcher *tools.Dispatcher, store Store, profiles ProfileSource, opts Options, log *logging.Logger) *Loop {
	return &Loop{
		client:     client,
		dispatcher: dispatcher,
		store:      store,
		profiles:   profiles,
		opts:       opts,
		log:        log.Sub("agent"),
	}
}

// Advance runs one batch turn: append the user input, obtain completions and
// execute tools until the model stops asking for them, and return the final
// assistant text.
func (l *Loop) Advance(ctx context.Context, conversationID, input string, pol *security.PolicyContext) (string, error) {
	if err := l.store.AcquireTurn(conversationID); err != nil {
		return "", err
	}
	defer l.store.ReleaseTurn(conversationID)

	turn, err := l.beginTurn(conversationID, input, pol)
	if err != nil {
		return "", err
	}

	for i := 0; i < maxIterations; i++ {
		resp, err := l.client.Complete(ctx, turn.request())
		if err != nil {
			return "", fmt.Errorf("LLM completion: %w", err)
		}

		final, done, err := l.handleAssistant(ctx, turn, resp, nil)
		if err != nil {
			return "", err
		}
		if done {
			return final, nil
		}
	}

	return l.finishAtCap(turn)
}

// AdvanceStream runs one streaming turn, emitting events as they happen.
// The returned channel closes after the final or error event.
func (l *Loop) AdvanceStream(ctx context.Context, conversationID, input string, pol *security.PolicyContext) (<-chan Event, error) {
	if err := l.store.AcquireTurn(conversationID); err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer l.store.ReleaseTurn(conversationID)

		turn, err := l.beginTurn(conversationID, input, pol)
		if err != nil {
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}

		for i := 0; i < maxIterations; i++ {
			stream, err := l.client.Stream(ctx, turn.request())
			if err != nil {
				events <- Event{Type: EventError, Error: err.Error()}
				return
			}

			var resp *llm.Response
			for evt := range stream {
				switch evt.Type {
				case llm.EventTextDelta:
					events <- Event{Type: EventText, Delta: evt.Text}
				case llm.EventMessageStop:
					resp = evt.Response
				case llm.EventError:
					// Partially accumulated assistant text is discarded,
					// not persisted.
					events <- Event{Type: EventError, Error: evt.Err}
					return
				}
			}
			if resp == nil {
				events <- Event{Type: EventError, Error: "stream ended without a terminal event"}
				return
			}

			final, done, err := l.handleAssistant(ctx, turn, resp, events)
			if err != nil {
				events <- Event{Type: EventError, Error: err.Error()}
				return
			}
			if done {
				events <- Event{Type: EventFinal, Content: final}
				return
			}
		}

		final, err := l.finishAtCap(turn)
		if err != nil {
			events <- Event{Type: EventError, Error: err.Error()}
			return
		}
		events <- Event{Type: EventFinal, Content: final}
	}()

	return events, nil
}

// turnState is the per-turn working set.
type turnState struct {
	conversationID string
	messages       []domain.Message
	system         string
	model          string
	maxTokens      int
	temperature    float64
	tools          []domain.Tool
	pol            *security.PolicyContext
}

func (t *turnState) request() llm.Request {
	return llm.Request{
		Model:       t.model,
		System:      t.system,
		Messages:    t.messages,
		Tools:       t.tools,
		MaxTokens:   t.maxTokens,
		Temperature: t.temperature,
	}
}

// beginTurn loads the conversation, resolves the sub-agent profile and tool
// set, builds the user message (context files, first-turn AGENTS.md), and
// persists it.
func (l *Loop) beginTurn(conversationID, input string, pol *security.PolicyContext) (*turnState, error) {
	conv, err := l.store.Get(conversationID)
	if err != nil {
		return nil, err
	}

	if pol == nil {
		pol = &security.PolicyContext{}
	}

	turn := &turnState{
		conversationID: conversationID,
		messages:       conv.Messages,
		system:         conv.SystemPrompt,
		model:          conv.Model,
		maxTokens:      l.opts.MaxTokens,
		temperature:    l.opts.Temperature,
		pol:            pol,
	}
	if turn.system == "" {
		turn.system = l.opts.SystemPrompt
	}

	if conv.SubAgent != "" && l.profiles != nil {
		profile, err := l.profiles.Get(conv.SubAgent)
		if err != nil {
			l.log.Warn().Str("agent", conv.SubAgent).Err(err).Msg("sub-agent profile not found")
		} else {
			pol.SubAgent = profile
			if profile.Model != "" {
				turn.model = profile.Model
			}
			if profile.SystemPrompt != "" {
				turn.system = profile.SystemPrompt
			}
			if profile.MaxTokens > 0 {
				turn.maxTokens = profile.MaxTokens
			}
			if profile.Temperature != nil {
				turn.temperature = *profile.Temperature
			}
		}
	}

	turn.tools = l.dispatcher.Registry().Tools(pol.SubAgent)

	user := domain.Message{Role: domain.RoleUser}

	// First-turn AGENTS.md auto-inclusion.
	if len(conv.Messages) == 0 {
		user.Blocks = append(user.Blocks, l.agentsMDBlocks()...)
	}

	// @path references become context blocks ahead of the input text.
	for _, ref := range ExtractContextRefs(input) {
		blk, err := contextBlock(ref)
		if err != nil {
			l.log.Warn().Str("path", ref).Err(err).Msg("skipping context file")
			continue
		}
		user.Blocks = append(user.Blocks, blk)
		if err := l.store.AddContextFile(conversationID, ref); err != nil {
			return nil, fmt.Errorf("recording context file: %w", err)
		}
	}

	user.Blocks = append(user.Blocks, domain.TextBlock(input))

	if err := l.store.AppendMessage(conversationID, user); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}
	turn.messages = append(turn.messages, user)
	return turn, nil
}

// handleAssistant persists the assistant message and either finishes the
// turn (no tool calls) or dispatches each tool call in order and appends the
// results. events is nil in batch mode.
func (l *Loop) handleAssistant(ctx context.Context, turn *turnState, resp *llm.Response, events chan<- Event) (string, bool, error) {
	if err := l.store.AppendMessage(turn.conversationID, resp.Message); err != nil {
		return "", false, fmt.Errorf("persisting assistant message: %w", err)
	}
	turn.messages = append(turn.messages, resp.Message)

	if err := l.store.AddUsage(turn.conversationID, resp.Usage); err != nil {
		l.log.Warn().Err(err).Msg("recording usage")
	}

	uses := resp.Message.ToolUses()
	if len(uses) == 0 {
		// An empty assistant message is a valid (empty) final answer.
		return resp.Message.Text(), true, nil
	}

	l.log.Debug().Int("toolCalls", len(uses)).Msg("executing tool calls")

	// Sequential dispatch in model order: tools routinely depend on each
	// other's side effects.
	results := make([]domain.ContentBlock, 0, len(uses))
	for _, use := range uses {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}

		call := domain.ToolCall{ID: use.ID, Name: use.Name, Arguments: use.Input}
		if events != nil {
			events <- Event{Type: EventToolCall, ToolUseID: use.ID, Name: use.Name, Input: use.Input}
		}

		outcome := l.dispatcher.Dispatch(ctx, call, turn.pol)
		results = append(results, outcome.Block())
		if events != nil {
			events <- Event{Type: EventToolResult, ToolUseID: outcome.ToolUseID, Content: outcome.Content, IsError: outcome.IsError}
		}
	}

	resultMsg := domain.Message{Role: domain.RoleUser, Blocks: results}
	if err := l.store.AppendMessage(turn.conversationID, resultMsg); err != nil {
		return "", false, fmt.Errorf("persisting tool results: %w", err)
	}
	turn.messages = append(turn.messages, resultMsg)
	return "", false, nil
}

// finishAtCap appends the synthetic limit-reached message and returns its
// text; the turn ends non-fatally.
func (l *Loop) finishAtCap(turn *turnState) (string, error) {
	l.log.Warn().Str("conversation", turn.conversationID).Msg("tool-use iteration limit reached")

	msg := domain.Message{Role: domain.RoleAssistant, Blocks: []domain.ContentBlock{domain.TextBlock(IterationLimitText)}}
	if err := l.store.AppendMessage(turn.conversationID, msg); err != nil {
		return "", fmt.Errorf("persisting limit message: %w", err)
	}
	return IterationLimitText, nil
}
