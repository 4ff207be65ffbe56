package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient("test-key", srv.URL, 1, nil)
}

func TestChatConvertsToolCalls(t *testing.T) {
	var gotReq openaiRequest

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{
			"model": "gpt-4o-mini",
			"created": 1700000000,
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_123",
						"type": "function",
						"function": {
							"name": "web_search_crypto",
							"arguments": "{\"queries\": [\"bitcoin news\"]}"
						}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 17}
		}`)
	})

	resp, err := client.Chat(context.Background(), "gpt-4o-mini", []Message{
		{Role: "user", Content: "any bitcoin news?"},
	}, []map[string]any{{"name": "web_search_crypto", "parameters": map[string]any{}}})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	// Bare tool definitions must be wrapped in the function envelope.
	if len(gotReq.Tools) != 1 {
		t.Fatalf("request tools = %d, want 1", len(gotReq.Tools))
	}
	if gotReq.Tools[0]["type"] != "function" {
		t.Errorf("tool envelope type = %v, want function", gotReq.Tools[0]["type"])
	}

	calls := resp.Message.ToolCalls
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].ID != "call_123" {
		t.Errorf("ID = %q, want call_123", calls[0].ID)
	}
	queries, ok := calls[0].Function.Arguments["queries"].([]any)
	if !ok || len(queries) != 1 || queries[0] != "bitcoin news" {
		t.Errorf("Arguments = %+v, want decoded queries array", calls[0].Function.Arguments)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 17 {
		t.Errorf("tokens = %d/%d, want 42/17", resp.InputTokens, resp.OutputTokens)
	}
}

func TestChatStreamAccumulatesTokens(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("request stream = false, want true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o-mini\",\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"Bit\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"coin is up.\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":4}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var tokens []string
	resp, err := client.ChatStream(context.Background(), "gpt-4o-mini", []Message{
		{Role: "user", Content: "btc?"},
	}, nil, func(ev StreamEvent) {
		if ev.Kind == KindToken {
			tokens = append(tokens, ev.Token)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream() error: %v", err)
	}

	if resp.Message.Content != "Bitcoin is up." {
		t.Errorf("Content = %q, want accumulated text", resp.Message.Content)
	}
	if len(tokens) != 2 {
		t.Errorf("callback tokens = %v, want 2 fragments", tokens)
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d, want 10/4", resp.InputTokens, resp.OutputTokens)
	}
}

func TestChatStreamAssemblesToolCallFragments(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_9\",\"function\":{\"name\":\"cryptocurrency_market_metrics\",\"arguments\":\"{\\\"ticker\\\"\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\": \\\"BTC\\\", \\\"name\\\": \\\"bitcoin\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	resp, err := client.ChatStream(context.Background(), "gpt-4o-mini", []Message{
		{Role: "user", Content: "price of btc"},
	}, nil, func(StreamEvent) {})
	if err != nil {
		t.Fatalf("ChatStream() error: %v", err)
	}

	calls := resp.Message.ToolCalls
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].ID != "call_9" || calls[0].Function.Name != "cryptocurrency_market_metrics" {
		t.Errorf("call = %+v", calls[0])
	}
	if calls[0].Function.Arguments["ticker"] != "BTC" {
		t.Errorf("arguments = %+v, want assembled ticker BTC", calls[0].Function.Arguments)
	}
}

func TestChatStructured(t *testing.T) {
	var gotReq openaiRequest

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprint(w, `{
			"model": "gpt-4o-mini",
			"choices": [{
				"message": {"role": "assistant", "content": "{\"points\": [\"User asks about ETH.\", \"LLM answers.\"]}"}
			}]
		}`)
	})

	var out struct {
		Points []string `json:"points"`
	}
	err := client.ChatStructured(context.Background(), "gpt-4o-mini",
		[]Message{{Role: "user", Content: "summarize"}},
		"conversation_summary",
		map[string]any{"type": "object"},
		&out,
	)
	if err != nil {
		t.Fatalf("ChatStructured() error: %v", err)
	}

	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_schema" {
		t.Fatalf("ResponseFormat = %+v, want json_schema", gotReq.ResponseFormat)
	}
	if gotReq.ResponseFormat.JSONSchema.Name != "conversation_summary" {
		t.Errorf("schema name = %q", gotReq.ResponseFormat.JSONSchema.Name)
	}
	if !gotReq.ResponseFormat.JSONSchema.Strict {
		t.Error("schema strict = false, want true")
	}
	if len(out.Points) != 2 || out.Points[0] != "User asks about ETH." {
		t.Errorf("decoded points = %v", out.Points)
	}
}

func TestChatAPIError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "rate limited"}}`, http.StatusTooManyRequests)
	})

	_, err := client.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("Chat() = nil error on HTTP 429")
	}
}

func TestConvertToOpenAIEncodesArguments(t *testing.T) {
	msgs := convertToOpenAI([]Message{{
		Role: "assistant",
		ToolCalls: []ToolCall{{
			ID: "call_1",
			Function: ToolCallFunction{
				Name:      "web_search_crypto",
				Arguments: map[string]any{"queries": []string{"btc"}},
			},
		}},
	}})

	if len(msgs) != 1 || len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("converted = %+v", msgs)
	}
	wire := msgs[0].ToolCalls[0]
	if wire.Type != "function" {
		t.Errorf("Type = %q, want function", wire.Type)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(wire.Function.Arguments), &decoded); err != nil {
		t.Fatalf("arguments %q are not JSON: %v", wire.Function.Arguments, err)
	}
}
