// Package graph implements the conversational orchestration engine: an
// explicit state machine that routes each inbound turn between model
// calls, tool dispatch, the research sub-workflow, and history
// compaction, checkpointing durably at every transition.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openbloom/cryptochat/internal/checkpoint"
	"github.com/openbloom/cryptochat/internal/compact"
	"github.com/openbloom/cryptochat/internal/convo"
	"github.com/openbloom/cryptochat/internal/events"
	"github.com/openbloom/cryptochat/internal/llm"
	"github.com/openbloom/cryptochat/internal/research"
	"github.com/openbloom/cryptochat/internal/tools"
)

// maxSteps bounds node transitions per turn. The graph has no
// unbounded cycles, so hitting this indicates a logic error, not a
// long conversation.
const maxSteps = 24

// Params collects the engine's dependencies.
type Params struct {
	LLM         llm.Client
	Model       string
	Tools       *tools.Registry
	Research    *research.Runner
	Compactor   *compact.Compactor
	Checkpoints *checkpoint.Store

	// TriggerTurns is the history length above which compaction fires.
	TriggerTurns int

	Bus    *events.Bus
	Logger *slog.Logger
}

// Engine processes inbound turns. One engine serves all threads;
// processing is serialized per thread.
type Engine struct {
	llm          llm.Client
	model        string
	registry     *tools.Registry
	research     *research.Runner
	compactor    *compact.Compactor
	store        *checkpoint.Store
	bus          *events.Bus
	logger       *slog.Logger
	triggerTurns int

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates an engine from its dependencies.
func New(p Params) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	trigger := p.TriggerTurns
	if trigger <= 0 {
		trigger = 4
	}
	return &Engine{
		llm:          p.LLM,
		model:        p.Model,
		registry:     p.Tools,
		research:     p.Research,
		compactor:    p.Compactor,
		store:        p.Checkpoints,
		bus:          p.Bus,
		logger:       logger.With("component", "graph"),
		triggerTurns: trigger,
		active:       make(map[string]struct{}),
	}
}

// SubmitTurn accepts one user turn for a thread and returns the event
// stream for it. Processing runs in the background; the stream closes
// when the turn reaches terminal or fails. A second submission for a
// thread still mid-turn returns ErrThreadBusy — per-thread processing
// is strictly serialized, never interleaved.
func (e *Engine) SubmitTurn(ctx context.Context, threadID, content string) (*events.Stream, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("turn content is empty")
	}
	if !e.acquire(threadID) {
		return nil, ErrThreadBusy
	}

	stream := events.NewStream(ctx)
	go func() {
		defer e.release(threadID)
		defer stream.Close()

		if err := e.run(ctx, threadID, content, stream); err != nil {
			e.logger.Error("turn failed", "thread_id", threadID, "error", err)
			e.bus.Publish(events.Event{
				Source: events.SourceGraph,
				Kind:   events.KindTurnError,
				Data:   map[string]any{"thread_id": threadID, "error": err.Error()},
			})
			stream.Error(err.Error())
		}
	}()
	return stream, nil
}

func (e *Engine) acquire(threadID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[threadID]; busy {
		return false
	}
	e.active[threadID] = struct{}{}
	return true
}

func (e *Engine) release(threadID string) {
	e.mu.Lock()
	delete(e.active, threadID)
	e.mu.Unlock()
}

// run drives one turn from user input to terminal. Every node
// transition persists a checkpoint before its events are emitted, so a
// resumed thread never replays a step whose result was already
// observed externally.
func (e *Engine) run(ctx context.Context, threadID, content string, stream *events.Stream) error {
	start := time.Now()

	cp, err := e.store.Load(threadID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	state := &convo.State{}
	if cp != nil {
		if !checkpoint.KnownNode(cp.PendingNode) {
			return &StateCorruptionError{ThreadID: threadID, Node: cp.PendingNode}
		}
		if cp.State != nil {
			state = cp.State
		}
	}

	if err := state.AppendTurn(convo.NewTurn(convo.RoleUser, content)); err != nil {
		return err
	}
	if err := e.save(threadID, state, checkpoint.NodeModelCall); err != nil {
		return err
	}
	e.bus.Publish(events.Event{
		Source: events.SourceGraph,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"thread_id": threadID, "content_len": len(content)},
	})

	// External calls run on a detached context: a consumer disconnect
	// lets in-flight calls finish, then discards their results before
	// they reach state.
	callCtx := context.WithoutCancel(ctx)

	var pending decision
	node := checkpoint.NodeModelCall
	steps := 0

	for {
		steps++
		if steps > maxSteps {
			return fmt.Errorf("thread %s: exceeded %d steps in one turn", threadID, maxSteps)
		}
		e.bus.Publish(events.Event{
			Source: events.SourceGraph,
			Kind:   events.KindNodeTransition,
			Data:   map[string]any{"thread_id": threadID, "node": node},
		})

		switch node {
		case checkpoint.NodeModelCall:
			resp, err := e.modelCall(callCtx, threadID, state, stream)
			if err != nil {
				// Fatal for the turn. The checkpoint still holds the
				// pre-call state, so a retry replays nothing.
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			msg := resp.Message
			ensureCallIDs(msg.ToolCalls)
			if err := state.AppendTurn(convo.NewAssistantTurn(msg)); err != nil {
				return err
			}
			if err := e.save(threadID, state, checkpoint.NodeRoute); err != nil {
				return err
			}
			e.bus.Publish(events.Event{
				Source: events.SourceGraph,
				Kind:   events.KindLLMResponse,
				Data: map[string]any{
					"thread_id":  threadID,
					"model":      e.model,
					"tokens_in":  resp.InputTokens,
					"tokens_out": resp.OutputTokens,
					"tool_calls": len(msg.ToolCalls),
				},
			})
			node = checkpoint.NodeRoute

		case checkpoint.NodeRoute:
			pending = route(state, e.triggerTurns)
			switch pending.kind {
			case decideCompact:
				node = checkpoint.NodeCompact
			case decideDispatch:
				node = checkpoint.NodeToolDispatch
				if len(pending.toolCalls) == 0 {
					node = checkpoint.NodeResearch
				}
			default:
				node = checkpoint.NodeTerminal
			}

		case checkpoint.NodeToolDispatch, checkpoint.NodeResearch:
			turns, terminalAfter, err := e.dispatch(callCtx, threadID, lastUserQuery(state), pending)
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, t := range turns {
				if err := state.AppendTurn(t); err != nil {
					return err
				}
			}
			next := checkpoint.NodeModelCall
			if terminalAfter {
				next = checkpoint.NodeTerminal
			}
			if err := e.save(threadID, state, next); err != nil {
				return err
			}
			node = next

		case checkpoint.NodeCompact:
			fragments, consumed, err := e.compactor.Compact(callCtx, state)
			if err != nil {
				// Compaction is best effort: the user's answer already
				// streamed, so degrade to terminal instead of failing
				// the whole turn. History stays long until the next
				// trigger.
				e.logger.Warn("compaction failed", "thread_id", threadID, "error", err)
				node = checkpoint.NodeTerminal
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			state.TrimPrefix(consumed)
			state.ExtendSummary(fragments)
			if err := e.save(threadID, state, checkpoint.NodeRoute); err != nil {
				return err
			}
			e.bus.Publish(events.Event{
				Source: events.SourceCompactor,
				Kind:   events.KindCompaction,
				Data: map[string]any{
					"thread_id":   threadID,
					"consumed":    consumed,
					"summary_len": len(state.SummaryLog),
				},
			})
			stream.SummaryPoints(fragments)
			// Re-evaluate the shortened history. The remaining turn is
			// the already-streamed answer, so route normally lands on
			// terminal without another model call.
			node = checkpoint.NodeRoute

		case checkpoint.NodeTerminal:
			if err := e.save(threadID, state, checkpoint.NodeTerminal); err != nil {
				return err
			}
			e.bus.Publish(events.Event{
				Source: events.SourceGraph,
				Kind:   events.KindTurnComplete,
				Data: map[string]any{
					"thread_id":  threadID,
					"steps":      steps,
					"elapsed_ms": time.Since(start).Milliseconds(),
				},
			})
			e.logger.Info("turn complete",
				"thread_id", threadID,
				"steps", steps,
				"turns", len(state.History),
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return nil

		default:
			return &StateCorruptionError{ThreadID: threadID, Node: node}
		}
	}
}

// modelCall invokes the LLM over the rendered history with the full
// tool surface, forwarding content tokens to the turn stream as they
// arrive.
func (e *Engine) modelCall(ctx context.Context, threadID string, state *convo.State, stream *events.Stream) (*llm.ChatResponse, error) {
	messages := state.Messages()

	e.bus.Publish(events.Event{
		Source: events.SourceGraph,
		Kind:   events.KindLLMCall,
		Data:   map[string]any{"thread_id": threadID, "model": e.model, "messages": len(messages)},
	})

	resp, err := e.llm.ChatStream(ctx, e.model, messages, e.registry.Definitions(), func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken && ev.Token != "" {
			stream.Token(ev.Token)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	return resp, nil
}

// ensureCallIDs fills in identifiers for tool calls the provider
// returned without one, so tool results can always be correlated.
func ensureCallIDs(calls []llm.ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
}

// save checkpoints the thread's current state with the node to run
// next. The state is cloned so later mutation cannot race
// serialization.
func (e *Engine) save(threadID string, state *convo.State, pendingNode string) error {
	err := e.store.Save(&checkpoint.Checkpoint{
		ThreadID:    threadID,
		State:       state.Clone(),
		PendingNode: pendingNode,
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
