package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/pkg/circuitbreaker"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/otel"
)

// OpenAIClient implements Client against the OpenAI chat completions API
// using server-sent event streaming.
type OpenAIClient struct {
	apiKey    string
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *zap.Logger
	baseURL   string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
}

// NewOpenAIClient creates a new streaming OpenAI client
func NewOpenAIClient(apiKey, model string, maxTokens int, timeout time.Duration, logger *zap.Logger) *OpenAIClient {
	if apiKey == "" {
		return &OpenAIClient{logger: logger}
	}

	return &OpenAIClient{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger,
		baseURL:   "https://api.openai.com/v1",
		client:    &http.Client{Timeout: timeout},
		breaker:   circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

// IsAvailable checks if the client is configured
func (c *OpenAIClient) IsAvailable() bool {
	return c.apiKey != ""
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// GenerateStream starts a streaming completion with tool support
func (c *OpenAIClient) GenerateStream(ctx context.Context, messages []Message, tools []ToolSchema) (<-chan Event, error) {
	if !c.IsAvailable() {
		return nil, faults.Rejection("llm", fmt.Errorf("OpenAI client not available. Set OPENAI_API_KEY environment variable"))
	}

	ctx, span := otel.StartSpan(ctx, "llm.generate_stream")
	defer span.End()

	wireMessages := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wireMessages = append(wireMessages, wm)
	}

	requestBody := map[string]interface{}{
		"model":       c.model,
		"messages":    wireMessages,
		"max_tokens":  c.maxTokens,
		"temperature": 0.7,
		"stream":      true,
	}

	if len(tools) > 0 {
		wireTools := make([]map[string]interface{}, 0, len(tools))
		for _, t := range tools {
			wireTools = append(wireTools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		requestBody["tools"] = wireTools
		requestBody["tool_choice"] = "auto"
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	var resp *http.Response
	err = c.breaker.Execute(ctx, func() error {
		r, doErr := c.client.Do(httpReq)
		if doErr != nil {
			return faults.Transient("llm", doErr)
		}
		if r.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			apiErr := fmt.Errorf("OpenAI API error: %d - %s", r.StatusCode, string(body))
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				return faults.Transient("llm", apiErr)
			}
			return faults.Rejection("llm", apiErr)
		}
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, faults.ResourceExhaustion("llm", err)
		}
		return nil, err
	}

	events := make(chan Event, 16)
	go c.consumeStream(ctx, resp.Body, events)
	return events, nil
}

// streamDelta mirrors the choices[0].delta object of a stream chunk
type streamDelta struct {
	Content   string `json:"content"`
	ToolCalls []struct {
		Index    int    `json:"index"`
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

// consumeStream decodes SSE chunks onto the events channel. Every send
// selects on ctx so an abandoned consumer (barge-in cancels the turn without
// draining) cannot strand this goroutine on a full channel.
func (c *OpenAIClient) consumeStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	// Tool-call arguments arrive as fragments keyed by index and are only
	// complete when the stream finishes.
	pending := make(map[int]*partialToolCall)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta        streamDelta `json:"delta"`
				FinishReason string      `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Warn("Failed to decode stream chunk", zap.Error(err))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			select {
			case events <- Event{TextDelta: delta.Content}:
			case <-ctx.Done():
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			p, ok := pending[tc.Index]
			if !ok {
				p = &partialToolCall{}
				pending[tc.Index] = p
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			p.args.WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case events <- Event{Err: faults.Transient("llm", err)}:
		case <-ctx.Done():
		}
		return
	}

	if len(pending) > 0 {
		calls := make([]ToolCall, 0, len(pending))
		for i := 0; i < len(pending); i++ {
			p, ok := pending[i]
			if !ok {
				continue
			}
			args := p.args.String()
			if args == "" {
				args = "{}"
			}
			calls = append(calls, ToolCall{
				ID:        p.id,
				Name:      p.name,
				Arguments: json.RawMessage(args),
			})
		}
		select {
		case events <- Event{ToolCalls: calls}:
		case <-ctx.Done():
		}
	}
}
