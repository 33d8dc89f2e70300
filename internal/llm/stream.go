package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/aixplosion/internal/domain"
)

// Stream sends a streaming completion request. Events are produced by a
// reader goroutine and drained through the returned channel; the channel is
// closed after EventMessageStop or EventError.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	payload, err := json.Marshal(c.buildRequestBody(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	events := make(chan StreamEvent, 16)
	go c.streamRequest(ctx, events, payload)
	return events, nil
}

func (c *AnthropicClient) streamRequest(ctx context.Context, events chan<- StreamEvent, payload []byte) {
	defer close(events)

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				events <- StreamEvent{Type: EventError, Err: err.Error()}
				return
			}
			c.log.Debug().Int("attempt", attempt+1).Msg("retrying stream request")
		}

		started, err := c.streamOnce(ctx, events, payload)
		if err == nil {
			return
		}
		lastErr = err

		// Once events have been emitted the consumer has partial state; a
		// retry would replay deltas. Surface the error instead.
		if started || !isRetryable(err) {
			break
		}
	}
	events <- StreamEvent{Type: EventError, Err: lastErr.Error()}
}

// streamOnce performs one streaming HTTP exchange. The returned bool reports
// whether any event reached the consumer.
func (c *AnthropicClient) streamOnce(ctx context.Context, events chan<- StreamEvent, payload []byte) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", strings.NewReader(string(payload)))
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return false, httpError(httpResp.StatusCode, body)
	}

	asm := newBlockAssembler()
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	started := false

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var frame wireStreamEvent
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			// A single malformed frame is skipped; the stream continues.
			c.log.Warn().Str("data", truncate(data, 200)).Msg("skipping malformed stream frame")
			continue
		}

		for _, evt := range asm.feed(frame) {
			events <- evt
			started = true
			if evt.Type == EventMessageStop {
				return started, nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return started, fmt.Errorf("reading stream: %w", err)
	}

	// Stream ended without message_stop; finish with what was assembled.
	events <- StreamEvent{Type: EventMessageStop, Response: asm.response()}
	return true, nil
}

// blockAssembler incrementally builds content blocks from stream frames.
// Tool-use inputs arrive as fragmented JSON text; each block index keeps an
// accumulating buffer that is parsed on block_stop.
type blockAssembler struct {
	blocks     map[int]*partialBlock
	order      []int
	usage      domain.Usage
	model      string
	stopReason string
}

type partialBlock struct {
	kind string
	id   string
	name string
	buf  strings.Builder
}

func newBlockAssembler() *blockAssembler {
	return &blockAssembler{blocks: make(map[int]*partialBlock)}
}

// feed consumes one wire frame and returns the resulting stream events.
func (a *blockAssembler) feed(frame wireStreamEvent) []StreamEvent {
	switch frame.Type {
	case "message_start":
		if frame.Message != nil {
			a.model = frame.Message.Model
			a.usage.InputTokens = frame.Message.Usage.InputTokens
		}
		return nil

	case "content_block_start":
		if frame.ContentBlock == nil {
			return nil
		}
		pb := &partialBlock{kind: frame.ContentBlock.Type, id: frame.ContentBlock.ID, name: frame.ContentBlock.Name}
		if frame.ContentBlock.Type == domain.BlockText {
			pb.buf.WriteString(frame.ContentBlock.Text)
		}
		a.blocks[frame.Index] = pb
		a.order = append(a.order, frame.Index)
		return []StreamEvent{{
			Type:      EventBlockStart,
			Index:     frame.Index,
			BlockType: pb.kind,
			ID:        pb.id,
			Name:      pb.name,
		}}

	case "content_block_delta":
		pb := a.blocks[frame.Index]
		if pb == nil || frame.Delta == nil {
			return nil
		}
		switch frame.Delta.Type {
		case "text_delta":
			pb.buf.WriteString(frame.Delta.Text)
			return []StreamEvent{{Type: EventTextDelta, Index: frame.Index, Text: frame.Delta.Text}}
		case "input_json_delta":
			pb.buf.WriteString(frame.Delta.PartialJSON)
			return []StreamEvent{{Type: EventInputJSONDelta, Index: frame.Index, PartialJSON: frame.Delta.PartialJSON}}
		}
		return nil

	case "content_block_stop":
		pb := a.blocks[frame.Index]
		if pb == nil {
			return nil
		}
		blk := pb.finalize()
		return []StreamEvent{{Type: EventBlockStop, Index: frame.Index, Block: &blk}}

	case "message_delta":
		if frame.Delta != nil && frame.Delta.StopReason != "" {
			a.stopReason = frame.Delta.StopReason
		}
		if frame.Usage != nil {
			a.usage.OutputTokens = frame.Usage.OutputTokens
		}
		return nil

	case "message_stop":
		return []StreamEvent{{Type: EventMessageStop, Response: a.response()}}
	}

	return nil
}

// finalize assembles the completed block. A tool_use buffer that fails to
// parse as JSON is carried as a raw JSON string so the model sees its own
// malformed input in the next tool result.
func (pb *partialBlock) finalize() domain.ContentBlock {
	if pb.kind == domain.BlockToolUse {
		raw := pb.buf.String()
		if raw == "" {
			raw = "{}"
		}
		var input json.RawMessage
		if json.Valid([]byte(raw)) {
			input = json.RawMessage(raw)
		} else {
			quoted, _ := json.Marshal(raw)
			input = quoted
		}
		return domain.ToolUseBlock(pb.id, pb.name, input)
	}
	return domain.TextBlock(pb.buf.String())
}

// response assembles the final Response from all completed blocks in order.
func (a *blockAssembler) response() *Response {
	blocks := make([]domain.ContentBlock, 0, len(a.order))
	for _, idx := range a.order {
		blocks = append(blocks, a.blocks[idx].finalize())
	}
	return &Response{
		Message:    domain.Message{Role: domain.RoleAssistant, Blocks: blocks, CreatedAt: time.Now()},
		StopReason: a.stopReason,
		Model:      a.model,
		Usage:      a.usage,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Wire structures for stream frames

type wireStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	Message      *wireResponse      `json:"message,omitempty"`
	ContentBlock *wireContentStart  `json:"content_block,omitempty"`
	Delta        *wireDelta         `json:"delta,omitempty"`
	Usage        *domain.Usage      `json:"usage,omitempty"`
}

type wireContentStart struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}
