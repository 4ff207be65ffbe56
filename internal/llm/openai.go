package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openbloom/cryptochat/internal/httpkit"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// LevelTrace mirrors config.LevelTrace for wire-level payload logging
// without importing the config package.
const LevelTrace = slog.Level(-8)

// OpenAIClient is a client for the OpenAI chat completions API and
// compatible endpoints.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client. baseURL may be empty to
// use the public endpoint; temperature applies to every completion.
func NewOpenAIClient(apiKey, baseURL string, temperature float64, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	// LLM responses can take significant time before sending headers
	// (long prompts, busy upstream). Use a generous response header
	// timeout and no global timeout — streaming responses are long-lived
	// and rely on ctx cancellation instead.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		apiKey:      apiKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		temperature: temperature,
		logger:      logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenAI request/response wire types.

type openaiRequest struct {
	Model          string           `json:"model"`
	Messages       []openaiMessage  `json:"messages"`
	Temperature    float64          `json:"temperature,omitempty"`
	Stream         bool             `json:"stream,omitempty"`
	StreamOptions  *streamOptions   `json:"stream_options,omitempty"`
	Tools          []map[string]any `json:"tools,omitempty"`
	ResponseFormat *responseFormat  `json:"response_format,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"` // JSON-encoded string on the wire
	} `json:"function"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openaiUsage `json:"usage"`
}

type openaiStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role      string           `json:"role,omitempty"`
			Content   string           `json:"content,omitempty"`
			ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage"`
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, optionally streaming tokens via callback.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := openaiRequest{
		Model:       model,
		Messages:    convertToOpenAI(messages),
		Temperature: c.temperature,
		Stream:      stream,
		Tools:       wrapToolDefinitions(tools),
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"stream", stream,
	)

	body, err := c.post(ctx, "/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if !stream {
		return c.handleNonStreaming(ctx, body)
	}
	return c.handleStreaming(ctx, body, callback)
}

// ChatStructured constrains the completion to a JSON schema and decodes
// the content into out.
func (c *OpenAIClient) ChatStructured(ctx context.Context, model string, messages []Message, schemaName string, schema map[string]any, out any) error {
	req := openaiRequest{
		Model:       model,
		Messages:    convertToOpenAI(messages),
		Temperature: c.temperature,
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchemaSpec{
				Name:   schemaName,
				Strict: true,
				Schema: schema,
			},
		},
	}

	body, err := c.post(ctx, "/chat/completions", req)
	if err != nil {
		return err
	}
	defer body.Close()

	var resp openaiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("empty choices in structured response")
	}

	content := resp.Choices[0].Message.Content
	c.logger.Log(ctx, LevelTrace, "structured response content", "content", content)

	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("decode structured content: %w", err)
	}
	return nil
}

// Ping checks if the API is reachable and the key is accepted.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from OpenAI API: %d", resp.StatusCode)
	}
	return nil
}

// post issues a JSON POST and returns the response body on 200, with
// uniform error handling otherwise.
func (c *OpenAIClient) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("openai API error %d: %s", resp.StatusCode, errBody)
	}

	return resp.Body, nil
}

func (c *OpenAIClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp openaiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	result := &ChatResponse{
		Model:        resp.Model,
		CreatedAt:    time.Unix(resp.Created, 0),
		Message:      convertFromOpenAI(resp.Choices[0].Message),
		Done:         true,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)

	return result, nil
}

func (c *OpenAIClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder strings.Builder
		model          string
		usage          openaiUsage
		// Tool call fragments arrive indexed; arguments accumulate as
		// partial JSON strings until the stream ends.
		pending     = map[int]*openaiToolCall{}
		pendingArgs = map[int]*strings.Builder{}
		maxIndex    = -1
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip malformed events
		}

		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			contentBuilder.WriteString(delta.Content)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: delta.Content})
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx > maxIndex {
				maxIndex = idx
			}
			p, ok := pending[idx]
			if !ok {
				copied := tc
				pending[idx] = &copied
				pendingArgs[idx] = &strings.Builder{}
			} else {
				if tc.ID != "" {
					p.ID = tc.ID
				}
				if tc.Function.Name != "" {
					p.Function.Name = tc.Function.Name
				}
			}
			pendingArgs[idx].WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	var toolCalls []ToolCall
	for i := 0; i <= maxIndex; i++ {
		p, ok := pending[i]
		if !ok {
			continue
		}
		var args map[string]any
		raw := pendingArgs[i].String()
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{"_raw": raw}
			}
		}
		call := ToolCall{
			ID: p.ID,
			Function: ToolCallFunction{
				Name:      p.Function.Name,
				Arguments: args,
			},
		}
		toolCalls = append(toolCalls, call)
		if callback != nil {
			callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &call})
		}
	}

	resp := &ChatResponse{
		Model: model,
		Message: Message{
			Role:      "assistant",
			Content:   contentBuilder.String(),
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
		"tool_calls", len(resp.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", resp.Message.Content)

	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: resp})
	}
	return resp, nil
}

// convertToOpenAI converts internal messages to the wire format.
// Tool-call arguments are re-encoded as JSON strings per the API contract.
func convertToOpenAI(messages []Message) []openaiMessage {
	result := make([]openaiMessage, 0, len(messages))
	for _, msg := range messages {
		om := openaiMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			args := "{}"
			if tc.Function.Arguments != nil {
				if data, err := json.Marshal(tc.Function.Arguments); err == nil {
					args = string(data)
				}
			}
			wire := openaiToolCall{ID: tc.ID, Type: "function"}
			wire.Function.Name = tc.Function.Name
			wire.Function.Arguments = args
			om.ToolCalls = append(om.ToolCalls, wire)
		}
		result = append(result, om)
	}
	return result
}

// convertFromOpenAI converts a wire message to the internal format,
// decoding tool-call argument strings into maps.
func convertFromOpenAI(msg openaiMessage) Message {
	result := Message{
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
	}
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID: tc.ID,
			Function: ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}
	return result
}

// wrapToolDefinitions lifts bare function definitions into the
// {"type": "function", "function": {...}} envelope the API expects.
// Definitions already wrapped pass through unchanged.
func wrapToolDefinitions(tools []map[string]any) []map[string]any {
	if len(tools) == 0 {
		return nil
	}
	result := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		if _, ok := t["function"]; ok {
			result = append(result, t)
			continue
		}
		result = append(result, map[string]any{
			"type":     "function",
			"function": t,
		})
	}
	return result
}
