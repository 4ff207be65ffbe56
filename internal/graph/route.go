package graph

import (
	"github.com/openbloom/cryptochat/internal/convo"
	"github.com/openbloom/cryptochat/internal/llm"
	"github.com/openbloom/cryptochat/internal/tools"
)

// decisionKind is the router's verdict for the current state.
type decisionKind int

const (
	decideTerminal decisionKind = iota
	decideCompact
	decideDispatch
)

// decision is the routing outcome: where to go next and, for
// dispatch, the partitioned tool calls.
type decision struct {
	kind decisionKind

	// researchCalls are tool calls routed into the research
	// sub-workflow; toolCalls are executed by the registry. Both may
	// be non-empty in the same turn.
	researchCalls []llm.ToolCall
	toolCalls     []llm.ToolCall
}

// route is a pure function of conversation state: it inspects the
// latest turn and decides the next node without side effects.
//
// Order matters: the compaction check fires first, so a long history
// with no pending tool calls is compacted before the turn can
// terminate. Note that this threshold is the sole trigger — once
// crossed it fires on every turn until history shrinks below it.
func route(state *convo.State, triggerTurns int) decision {
	last, ok := state.Last()
	if !ok {
		return decision{kind: decideTerminal}
	}

	if len(state.History) > triggerTurns && !last.HasToolCalls() {
		return decision{kind: decideCompact}
	}

	if last.HasToolCalls() {
		d := decision{kind: decideDispatch}
		// Dispatch order follows the array order the model emitted.
		for _, tc := range last.ToolCalls {
			if tc.Function.Name == tools.ResearchToolName {
				d.researchCalls = append(d.researchCalls, tc)
			} else {
				d.toolCalls = append(d.toolCalls, tc)
			}
		}
		return d
	}

	return decision{kind: decideTerminal}
}

// lastUserQuery returns the content of the most recent user turn.
// The research sub-workflow answers relative to this query.
func lastUserQuery(state *convo.State) string {
	for i := len(state.History) - 1; i >= 0; i-- {
		if state.History[i].Role == convo.RoleUser {
			return state.History[i].Content
		}
	}
	return ""
}
