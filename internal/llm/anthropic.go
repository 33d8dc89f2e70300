package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/logging"
)

const (
	apiVersion     = "2023-06-01"
	batchTimeout   = 60 * time.Second
	streamTimeout  = 120 * time.Second
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

// AnthropicClient is a direct HTTP client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *logging.Logger
}

// NewAnthropicClient creates a client for the given endpoint. baseURL is the
// API root without the /v1/messages suffix.
func NewAnthropicClient(apiKey, baseURL string, log *logging.Logger) *AnthropicClient {
	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		log:     log.Sub("llm"),
	}
}

// Complete sends a non-streaming completion request.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(c.buildRequestBody(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			c.log.Debug().Int("attempt", attempt+1).Msg("retrying completion request")
		}

		resp, err := c.doOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *AnthropicClient) doOnce(ctx context.Context, payload []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, httpError(httpResp.StatusCode, body)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	return wire.toResponse(), nil
}

func (c *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
}

func (c *AnthropicClient) buildRequestBody(req Request, stream bool) map[string]any {
	body := map[string]any{
		"model":      req.Model,
		"messages":   wireMessages(req.Messages),
		"max_tokens": req.MaxTokens,
		"stream":     stream,
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			schema := t.InputSchema
			if len(schema) == 0 {
				schema = domain.DefaultInputSchema
			}
			tools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": json.RawMessage(schema),
			}
		}
		body["tools"] = tools
	}
	return body
}

// wireMessages strips the system role: the API carries the system prompt as
// a top-level field, never in the message list.
func wireMessages(msgs []domain.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			continue
		}
		out = append(out, map[string]any{
			"role":    m.Role,
			"content": m.Blocks,
		})
	}
	return out
}

func httpError(status int, body []byte) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w (%d): %s", ErrAuth, status, string(body))
	}
	return &APIError{Status: status, Body: string(body)}
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Transport-level failure
	return true
}

// sleepBackoff waits 500ms * 2^(attempt-1) with up to 25% jitter.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := initialBackoff << (attempt - 1)
	d += time.Duration(rand.Int63n(int64(d) / 4))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wire structures

type wireResponse struct {
	ID         string                 `json:"id"`
	Role       string                 `json:"role"`
	Content    []domain.ContentBlock  `json:"content"`
	Model      string                 `json:"model"`
	StopReason string                 `json:"stop_reason"`
	Usage      domain.Usage           `json:"usage"`
}

func (w *wireResponse) toResponse() *Response {
	return &Response{
		Message:    domain.Message{Role: domain.RoleAssistant, Blocks: w.Content, CreatedAt: time.Now()},
		StopReason: w.StopReason,
		Model:      w.Model,
		Usage:      w.Usage,
	}
}
