package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openbloom/cryptochat/internal/checkpoint"
	"github.com/openbloom/cryptochat/internal/compact"
	"github.com/openbloom/cryptochat/internal/convo"
	"github.com/openbloom/cryptochat/internal/events"
	"github.com/openbloom/cryptochat/internal/llm"
	"github.com/openbloom/cryptochat/internal/market"
	"github.com/openbloom/cryptochat/internal/research"
	"github.com/openbloom/cryptochat/internal/search"
	"github.com/openbloom/cryptochat/internal/tools"
)

// scriptedLLM pops one canned response per chat call, in order. An
// empty script or an exhausted one fails the call.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []llm.ChatResponse
	chatCalls int
	points    []string
	failNext  bool
}

func (s *scriptedLLM) Chat(ctx context.Context, model string, messages []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	return s.ChatStream(ctx, model, messages, toolDefs, nil)
}

func (s *scriptedLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, toolDefs []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatCalls++

	if s.failNext {
		s.failNext = false
		return nil, fmt.Errorf("model unreachable")
	}
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("script exhausted after %d calls", s.chatCalls)
	}

	resp := s.responses[0]
	s.responses = s.responses[1:]

	if cb != nil && resp.Message.Content != "" {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
	}
	return &resp, nil
}

func (s *scriptedLLM) ChatStructured(ctx context.Context, model string, messages []llm.Message, schemaName string, schema map[string]any, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(map[string]any{"points": s.points})
	return json.Unmarshal(data, out)
}

func (s *scriptedLLM) Ping(ctx context.Context) error { return nil }

func assistantSays(content string) llm.ChatResponse {
	return llm.ChatResponse{Message: llm.Message{Role: convo.RoleAssistant, Content: content}}
}

func assistantCalls(calls ...llm.ToolCall) llm.ChatResponse {
	return llm.ChatResponse{Message: llm.Message{Role: convo.RoleAssistant, ToolCalls: calls}}
}

type noopProvider struct{}

func (noopProvider) Name() string { return "fake" }

func (noopProvider) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	return []search.Result{{Title: "headline", Snippet: "news for " + query}}, nil
}

func testMarket(t *testing.T) (*market.Coinpaprika, *market.FearGreed) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/tickers/") {
			json.NewEncoder(w).Encode(map[string]any{
				"rank":   1,
				"quotes": map[string]any{"USD": map[string]any{"price": 97000.0}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"value": "50", "value_classification": "Neutral"}},
		})
	}))
	t.Cleanup(srv.Close)
	return market.NewCoinpaprika(srv.URL), market.NewFearGreed(srv.URL + "/fng/")
}

// testEngine wires an engine over the scripted model, a fake search
// provider, and a temp-dir checkpoint store.
func testEngine(t *testing.T, script *scriptedLLM, registry *tools.Registry, triggerTurns int) (*Engine, *checkpoint.Store) {
	t.Helper()

	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "graph_test.db"))
	if err != nil {
		t.Fatalf("open checkpoint store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if registry == nil {
		registry = tools.NewRegistry()
	}
	tools.RegisterResearch(registry)

	mgr := search.NewManager("fake")
	mgr.Register(noopProvider{})
	cp, fg := testMarket(t)

	engine := New(Params{
		LLM:          script,
		Model:        "gpt-4o-mini",
		Tools:        registry,
		Research:     research.NewRunner(mgr, cp, fg, script, "gpt-4o-mini", nil, nil),
		Compactor:    compact.New(script, "gpt-4o-mini", nil),
		Checkpoints:  store,
		TriggerTurns: triggerTurns,
		Bus:          events.New(),
	})
	return engine, store
}

// runTurn submits one turn and drains its stream with a timeout.
func runTurn(t *testing.T, e *Engine, threadID, content string) []events.StreamEvent {
	t.Helper()

	stream, err := e.SubmitTurn(context.Background(), threadID, content)
	if err != nil {
		t.Fatalf("SubmitTurn() error: %v", err)
	}

	var got []events.StreamEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("turn did not complete; events so far: %+v", got)
		}
	}
}

func loadState(t *testing.T, store *checkpoint.Store, threadID string) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := store.Load(threadID)
	if err != nil {
		t.Fatalf("Load(%s): %v", threadID, err)
	}
	if cp == nil {
		t.Fatalf("no checkpoint for thread %s", threadID)
	}
	return cp
}

func TestTurnReachesTerminal(t *testing.T) {
	script := &scriptedLLM{responses: []llm.ChatResponse{assistantSays("Hello! Ask me about crypto.")}}
	engine, store := testEngine(t, script, nil, 4)

	got := runTurn(t, engine, "t1", "hi")

	if len(got) != 1 || got[0].Type != events.StreamToken {
		t.Fatalf("events = %+v, want one token event", got)
	}
	if got[0].Payload != "Hello! Ask me about crypto." {
		t.Errorf("token payload = %q", got[0].Payload)
	}

	cp := loadState(t, store, "t1")
	if cp.PendingNode != checkpoint.NodeTerminal {
		t.Errorf("PendingNode = %q, want terminal", cp.PendingNode)
	}
	if len(cp.State.History) != 2 {
		t.Fatalf("history = %d turns, want 2", len(cp.State.History))
	}
	last := cp.State.History[1]
	if last.Role != convo.RoleAssistant || last.HasToolCalls() {
		t.Errorf("final turn = %+v, want assistant with no pending calls", last)
	}
}

func TestDispatchMatchesResultsByCallID(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name: "alpha",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "alpha result", nil
		},
	})
	registry.Register(&tools.Tool{
		Name: "beta",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			time.Sleep(20 * time.Millisecond) // force out-of-order completion
			return "beta result", nil
		},
	})

	script := &scriptedLLM{responses: []llm.ChatResponse{
		assistantCalls(
			llm.ToolCall{ID: "call_b", Function: llm.ToolCallFunction{Name: "beta"}},
			llm.ToolCall{ID: "call_a", Function: llm.ToolCallFunction{Name: "alpha"}},
		),
		assistantSays("both tools done"),
	}}
	engine, store := testEngine(t, script, registry, 10)

	runTurn(t, engine, "t1", "run both tools")

	cp := loadState(t, store, "t1")
	// user, assistant(calls), 2 tool results, final assistant.
	if len(cp.State.History) != 5 {
		t.Fatalf("history = %d turns, want 5", len(cp.State.History))
	}

	results := map[string]string{}
	for _, turn := range cp.State.History {
		if turn.Role == convo.RoleTool {
			results[turn.ToolCallID] = turn.Content
		}
	}
	if len(results) != 2 {
		t.Fatalf("tool results = %v, want one per call", results)
	}
	if results["call_a"] != "alpha result" || results["call_b"] != "beta result" {
		t.Errorf("results mismatched by call ID: %v", results)
	}

	if cp.PendingNode != checkpoint.NodeTerminal {
		t.Errorf("PendingNode = %q, want terminal", cp.PendingNode)
	}
}

func TestToolFailureBecomesFailureNotice(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("connection refused")
		},
	})

	script := &scriptedLLM{responses: []llm.ChatResponse{
		assistantCalls(llm.ToolCall{ID: "call_1", Function: llm.ToolCallFunction{Name: "flaky"}}),
		assistantSays("the service is down right now"),
	}}
	engine, store := testEngine(t, script, registry, 10)

	got := runTurn(t, engine, "t1", "use the flaky tool")

	// Tool failures never surface as stream errors.
	for _, e := range got {
		if e.Type == events.StreamError {
			t.Errorf("stream error event for recoverable tool failure: %+v", e)
		}
	}

	cp := loadState(t, store, "t1")
	var notice string
	for _, turn := range cp.State.History {
		if turn.Role == convo.RoleTool {
			notice = turn.Content
		}
	}
	if !strings.Contains(notice, "temporarily unavailable") {
		t.Errorf("tool result = %q, want failure notice", notice)
	}
	if cp.PendingNode != checkpoint.NodeTerminal {
		t.Errorf("PendingNode = %q, want terminal", cp.PendingNode)
	}
}

func TestResearchBranch(t *testing.T) {
	script := &scriptedLLM{responses: []llm.ChatResponse{
		assistantCalls(llm.ToolCall{
			ID: "call_r",
			Function: llm.ToolCallFunction{
				Name: tools.ResearchToolName,
				Arguments: map[string]any{
					"queries": []any{"bitcoin news"},
					"token":   map[string]any{"name": "bitcoin", "ticker": "BTC"},
				},
			},
		}),
		assistantSays("research synthesis"), // consumed by the sub-workflow
		assistantSays("final answer with the research folded in"),
	}}
	engine, store := testEngine(t, script, nil, 10)

	runTurn(t, engine, "t1", "how is bitcoin doing?")

	cp := loadState(t, store, "t1")
	// user, assistant(call), tool result, research answer, final answer.
	if len(cp.State.History) != 5 {
		t.Fatalf("history = %d turns, want 5: %+v", len(cp.State.History), cp.State.History)
	}

	toolResult := cp.State.History[2]
	if toolResult.Role != convo.RoleTool || toolResult.ToolCallID != "call_r" {
		t.Errorf("History[2] = %+v, want tool result for call_r", toolResult)
	}
	if !strings.Contains(toolResult.Content, "Queries used: bitcoin news") {
		t.Errorf("tool result = %q, want queries summary", toolResult.Content)
	}
	if got := cp.State.History[3].Content; got != "research synthesis" {
		t.Errorf("History[3] = %q, want research answer", got)
	}
	if cp.PendingNode != checkpoint.NodeTerminal {
		t.Errorf("PendingNode = %q, want terminal", cp.PendingNode)
	}
}

func TestResearchValidationEndsTurn(t *testing.T) {
	script := &scriptedLLM{responses: []llm.ChatResponse{
		assistantCalls(llm.ToolCall{
			ID: "call_r",
			Function: llm.ToolCallFunction{
				Name:      tools.ResearchToolName,
				Arguments: map[string]any{"queries": []any{}},
			},
		}),
	}}
	engine, store := testEngine(t, script, nil, 10)

	got := runTurn(t, engine, "t1", "research with no queries")

	for _, e := range got {
		if e.Type == events.StreamError {
			t.Errorf("stream error for validation failure: %+v", e)
		}
	}

	if script.chatCalls != 1 {
		t.Errorf("model called %d times, want 1 (no follow-up after validation failure)", script.chatCalls)
	}

	cp := loadState(t, store, "t1")
	last, _ := cp.State.Last()
	if last.Role != convo.RoleAssistant || !strings.Contains(last.Content, "couldn't run the research") {
		t.Errorf("final turn = %+v, want explanatory assistant turn", last)
	}
	if cp.PendingNode != checkpoint.NodeTerminal {
		t.Errorf("PendingNode = %q, want terminal", cp.PendingNode)
	}
}

func TestCompactionScenario(t *testing.T) {
	script := &scriptedLLM{
		responses: []llm.ChatResponse{assistantSays("fifth turn answer")},
		points: []string{
			"User asks about prices.",
			"LLM answers with market data.",
		},
	}
	engine, store := testEngine(t, script, nil, 4)

	// Preload three completed turns so the new exchange crosses the
	// five-turn threshold.
	state := &convo.State{}
	state.AppendTurn(convo.NewTurn(convo.RoleUser, "price of BTC?"))
	state.AppendTurn(convo.NewTurn(convo.RoleAssistant, "97k USD"))
	state.AppendTurn(convo.NewTurn(convo.RoleUser, "and ETH?"))
	if err := store.Save(&checkpoint.Checkpoint{ThreadID: "t1", State: state, PendingNode: checkpoint.NodeTerminal}); err != nil {
		t.Fatalf("preload checkpoint: %v", err)
	}

	got := runTurn(t, engine, "t1", "thanks, one more question")

	var tokens, summaries int
	for _, e := range got {
		switch e.Type {
		case events.StreamToken:
			tokens++
		case events.StreamSummaryPoint:
			summaries++
			if e.Payload != "User asks about prices. LLM answers with market data." {
				t.Errorf("summary payload = %q", e.Payload)
			}
		case events.StreamError:
			t.Errorf("unexpected error event: %+v", e)
		}
	}
	if tokens != 1 || summaries != 1 {
		t.Errorf("events = %d tokens, %d summary points, want 1 and 1", tokens, summaries)
	}

	cp := loadState(t, store, "t1")
	if len(cp.State.History) != 1 {
		t.Errorf("history = %d turns after compaction, want only the final answer", len(cp.State.History))
	}
	if last, _ := cp.State.Last(); last.Content != "fifth turn answer" {
		t.Errorf("remaining turn = %q", last.Content)
	}
	if len(cp.State.SummaryLog) != 1 {
		t.Errorf("summary log = %v, want 1 fragment", cp.State.SummaryLog)
	}
	if cp.PendingNode != checkpoint.NodeTerminal {
		t.Errorf("PendingNode = %q, want terminal", cp.PendingNode)
	}
}

func TestModelFailureLeavesCheckpointAtLastGoodState(t *testing.T) {
	script := &scriptedLLM{failNext: true}
	engine, store := testEngine(t, script, nil, 4)

	got := runTurn(t, engine, "t1", "hello?")

	var errEvents int
	for _, e := range got {
		if e.Type == events.StreamError {
			errEvents++
		}
	}
	if errEvents != 1 {
		t.Fatalf("error events = %d, want exactly 1", errEvents)
	}

	// The user turn was durably recorded before the attempt; the failed
	// call itself left no trace.
	cp := loadState(t, store, "t1")
	if cp.PendingNode != checkpoint.NodeModelCall {
		t.Errorf("PendingNode = %q, want model_call", cp.PendingNode)
	}
	if len(cp.State.History) != 1 || cp.State.History[0].Role != convo.RoleUser {
		t.Errorf("history = %+v, want only the user turn", cp.State.History)
	}

	// Retry succeeds and completes the turn.
	script.mu.Lock()
	script.responses = []llm.ChatResponse{assistantSays("recovered")}
	script.mu.Unlock()

	runTurn(t, engine, "t1", "hello again?")
	cp = loadState(t, store, "t1")
	if cp.PendingNode != checkpoint.NodeTerminal {
		t.Errorf("PendingNode after retry = %q, want terminal", cp.PendingNode)
	}
}

func TestThreadBusyRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			close(entered)
			<-release
			return "done", nil
		},
	})

	script := &scriptedLLM{responses: []llm.ChatResponse{
		assistantCalls(llm.ToolCall{ID: "call_1", Function: llm.ToolCallFunction{Name: "slow"}}),
		assistantSays("finished"),
		assistantSays("answer for the other thread"),
	}}
	engine, _ := testEngine(t, script, registry, 10)

	stream, err := engine.SubmitTurn(context.Background(), "t1", "start slow work")
	if err != nil {
		t.Fatalf("SubmitTurn() error: %v", err)
	}
	<-entered

	if _, err := engine.SubmitTurn(context.Background(), "t1", "interleave me"); !errors.Is(err, ErrThreadBusy) {
		t.Errorf("second SubmitTurn() error = %v, want ErrThreadBusy", err)
	}

	// A different thread is not blocked by t1's turn.
	other, err := engine.SubmitTurn(context.Background(), "t2", "unrelated")
	if err != nil {
		t.Fatalf("SubmitTurn(t2) error = %v, want independent threads", err)
	}

	close(release)
	for range stream.Events() {
	}
	for range other.Events() {
	}

	// After completion the thread accepts turns again.
	script.mu.Lock()
	script.responses = []llm.ChatResponse{assistantSays("next turn")}
	script.mu.Unlock()
	runTurn(t, engine, "t1", "are you free now?")
}

func TestCorruptedCheckpointIsFatal(t *testing.T) {
	script := &scriptedLLM{responses: []llm.ChatResponse{assistantSays("never reached")}}
	engine, store := testEngine(t, script, nil, 4)

	state := &convo.State{}
	state.AppendTurn(convo.NewTurn(convo.RoleUser, "old turn"))
	if err := store.Save(&checkpoint.Checkpoint{ThreadID: "t1", State: state, PendingNode: "summarize_conversation"}); err != nil {
		t.Fatalf("preload checkpoint: %v", err)
	}

	got := runTurn(t, engine, "t1", "hello")

	if len(got) != 1 || got[0].Type != events.StreamError {
		t.Fatalf("events = %+v, want single error event", got)
	}
	if !strings.Contains(got[0].Payload, "unknown node") {
		t.Errorf("error payload = %q, want corruption message", got[0].Payload)
	}
	if script.chatCalls != 0 {
		t.Errorf("model called %d times on corrupted thread, want 0", script.chatCalls)
	}
}

func TestSubmitTurnValidation(t *testing.T) {
	engine, _ := testEngine(t, &scriptedLLM{}, nil, 4)

	if _, err := engine.SubmitTurn(context.Background(), "", "content"); err == nil {
		t.Error("SubmitTurn() accepted empty thread ID")
	}
	if _, err := engine.SubmitTurn(context.Background(), "t1", "   "); err == nil {
		t.Error("SubmitTurn() accepted blank content")
	}
}

func TestRouteDecisions(t *testing.T) {
	mkState := func(n int, lastCalls ...llm.ToolCall) *convo.State {
		s := &convo.State{}
		for i := 0; i < n-1; i++ {
			s.AppendTurn(convo.NewTurn(convo.RoleUser, "turn"))
		}
		last := convo.NewTurn(convo.RoleAssistant, "answer")
		last.ToolCalls = lastCalls
		s.AppendTurn(last)
		return s
	}

	if d := route(&convo.State{}, 4); d.kind != decideTerminal {
		t.Errorf("empty history routed to %v, want terminal", d.kind)
	}
	if d := route(mkState(3), 4); d.kind != decideTerminal {
		t.Errorf("short history routed to %v, want terminal", d.kind)
	}
	if d := route(mkState(5), 4); d.kind != decideCompact {
		t.Errorf("long history routed to %v, want compact", d.kind)
	}

	// Pending tool calls win over length: compaction requires a call-free
	// latest turn.
	research1 := llm.ToolCall{ID: "r", Function: llm.ToolCallFunction{Name: tools.ResearchToolName}}
	market1 := llm.ToolCall{ID: "m", Function: llm.ToolCallFunction{Name: "cryptocurrency_market_metrics"}}
	d := route(mkState(5, research1, market1), 4)
	if d.kind != decideDispatch {
		t.Fatalf("tool-call turn routed to %v, want dispatch", d.kind)
	}
	if len(d.researchCalls) != 1 || d.researchCalls[0].ID != "r" {
		t.Errorf("researchCalls = %+v", d.researchCalls)
	}
	if len(d.toolCalls) != 1 || d.toolCalls[0].ID != "m" {
		t.Errorf("toolCalls = %+v", d.toolCalls)
	}
}

// Compaction has no cooldown: the length threshold is the sole
// trigger, so a thread that crosses it on consecutive turns pays a
// compaction each time. Documented as a known inefficiency.
func TestRouteRetriggersCompaction(t *testing.T) {
	s := &convo.State{}
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		s.AppendTurn(convo.NewTurn(convo.RoleUser, c))
	}

	if d := route(s, 4); d.kind != decideCompact {
		t.Fatalf("over-threshold history routed to %v, want compact", d.kind)
	}

	// Compaction leaves one turn; the next exchange grows history back.
	s.TrimPrefix(4)
	for _, c := range []string{"f", "g", "h", "i"} {
		s.AppendTurn(convo.NewTurn(convo.RoleUser, c))
	}
	if d := route(s, 4); d.kind != decideCompact {
		t.Errorf("re-crossed threshold routed to %v, want compact again", d.kind)
	}
}

func TestEnsureCallIDs(t *testing.T) {
	calls := []llm.ToolCall{
		{ID: "call_keep", Function: llm.ToolCallFunction{Name: "a"}},
		{Function: llm.ToolCallFunction{Name: "b"}},
	}
	ensureCallIDs(calls)

	if calls[0].ID != "call_keep" {
		t.Errorf("existing ID overwritten: %q", calls[0].ID)
	}
	if !strings.HasPrefix(calls[1].ID, "call_") || len(calls[1].ID) <= len("call_") {
		t.Errorf("missing ID not synthesized: %q", calls[1].ID)
	}
}
