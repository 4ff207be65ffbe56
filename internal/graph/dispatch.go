package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openbloom/cryptochat/internal/convo"
	"github.com/openbloom/cryptochat/internal/events"
	"github.com/openbloom/cryptochat/internal/research"
)

// dispatchOutcome collects the turns produced by one dispatch step.
// Turns arrive in branch completion order; correlation to the invoking
// call is carried by tool_call_id, not position.
type dispatchOutcome struct {
	mu    sync.Mutex
	turns []convo.Turn

	// validation is set when the research branch rejected its request.
	// The turn then ends with an explanatory answer instead of another
	// model call.
	validation *research.ValidationError
}

func (o *dispatchOutcome) add(turns ...convo.Turn) {
	o.mu.Lock()
	o.turns = append(o.turns, turns...)
	o.mu.Unlock()
}

// dispatch executes every tool call of the latest assistant turn
// concurrently and waits for all branches. Plain tools run through the
// registry; research calls run the sub-workflow. Service failures never
// abort the turn: each failed branch contributes a failure-notice
// tool-result turn so the model can explain the outage to the user.
func (e *Engine) dispatch(ctx context.Context, threadID string, query string, d decision) ([]convo.Turn, bool, error) {
	out := &dispatchOutcome{}

	g, gctx := errgroup.WithContext(ctx)

	for _, tc := range d.toolCalls {
		tc := tc
		g.Go(func() error {
			out.add(e.runTool(gctx, threadID, tc.ID, tc.Function.Name, tc.Function.Arguments))
			return nil
		})
	}

	for _, tc := range d.researchCalls {
		tc := tc
		g.Go(func() error {
			turns, verr := e.runResearch(gctx, threadID, query, tc.ID, tc.Function.Arguments)
			out.add(turns...)
			if verr != nil {
				out.mu.Lock()
				out.validation = verr
				out.mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	if out.validation != nil {
		notice := convo.NewTurn(convo.RoleAssistant, fmt.Sprintf(
			"I couldn't run the research you asked for: %s. Please rephrase your request and try again.",
			out.validation.Reason))
		out.turns = append(out.turns, notice)
		return out.turns, true, nil
	}

	return out.turns, false, nil
}

// runTool executes one registry tool and converts any failure into a
// failure-notice tool result.
func (e *Engine) runTool(ctx context.Context, threadID, callID, name string, args map[string]any) convo.Turn {
	e.bus.Publish(events.Event{
		Source: events.SourceGraph,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"thread_id": threadID, "tool": name, "tool_call_id": callID},
	})

	start := time.Now()
	result, err := e.registry.Execute(ctx, name, args)

	e.bus.Publish(events.Event{
		Source: events.SourceGraph,
		Kind:   events.KindToolDone,
		Data: map[string]any{
			"thread_id":   threadID,
			"tool":        name,
			"ok":          err == nil,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})

	if err != nil {
		e.logger.Warn("tool execution failed", "thread_id", threadID, "tool", name, "error", err)
		return convo.NewToolResultTurn(failureNotice(name, err), callID)
	}
	return convo.NewToolResultTurn(result, callID)
}

// runResearch runs the research sub-workflow for one call. On success
// it contributes two turns: the tool result recording the retrieval,
// and the synthesized assistant answer. Validation failures are
// reported separately so the caller can end the turn.
func (e *Engine) runResearch(ctx context.Context, threadID, query, callID string, args map[string]any) ([]convo.Turn, *research.ValidationError) {
	req, err := research.ParseRequest(query, args)
	if err == nil {
		var resp *research.Response
		resp, err = e.research.Run(ctx, req)
		if err == nil {
			toolResult := convo.NewToolResultTurn(
				"News research complete. Queries used: "+strings.Join(req.Queries, "; "), callID)
			answer := convo.NewTurn(convo.RoleAssistant, resp.Answer)
			return []convo.Turn{toolResult, answer}, nil
		}
	}

	var verr *research.ValidationError
	if errors.As(err, &verr) {
		e.logger.Warn("research request rejected", "thread_id", threadID, "error", err)
		return []convo.Turn{convo.NewToolResultTurn("Research request rejected: "+verr.Reason, callID)}, verr
	}

	e.logger.Warn("research failed", "thread_id", threadID, "error", err)
	return []convo.Turn{convo.NewToolResultTurn(failureNotice("news research", err), callID)}, nil
}

// failureNotice is the tool-result text recorded when a branch's
// external service failed. The model sees it on the next call and
// explains the outage instead of fabricating data.
func failureNotice(name string, err error) string {
	return fmt.Sprintf("The %s service is temporarily unavailable (%v). "+
		"Tell the user the data could not be retrieved right now and suggest trying again later.", name, err)
}
