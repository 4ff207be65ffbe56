package convo

import (
	"fmt"
	"strings"

	"github.com/openbloom/cryptochat/internal/llm"
)

// Summary log bounds: when the log grows past summaryLogMax entries,
// only the most recent summaryLogKeep are retained.
const (
	summaryLogMax  = 5
	summaryLogKeep = 3
)

// State is the per-thread conversation state the orchestration graph
// operates on. History is an ordered sequence of turns; SummaryLog is
// an ordered sequence of compacted-summary fragments, oldest first.
type State struct {
	History    []Turn   `json:"history"`
	SummaryLog []string `json:"summary_log,omitempty"`
}

// AppendTurn appends a turn to history. Duplicate IDs are rejected —
// history is append-only and a turn is never recorded twice.
func (s *State) AppendTurn(t Turn) error {
	for _, existing := range s.History {
		if existing.ID == t.ID {
			return fmt.Errorf("duplicate turn id %s", t.ID)
		}
	}
	s.History = append(s.History, t)
	return nil
}

// Last returns the most recent turn and true, or a zero turn and false
// when history is empty.
func (s *State) Last() (Turn, bool) {
	if len(s.History) == 0 {
		return Turn{}, false
	}
	return s.History[len(s.History)-1], true
}

// TrimPrefix removes the first n turns from history. This is the
// compaction primitive: an explicit prefix slice, not tombstone
// records. The final turn is never removable — n is clamped so at
// least one turn remains.
func (s *State) TrimPrefix(n int) {
	if n <= 0 || len(s.History) == 0 {
		return
	}
	if n >= len(s.History) {
		n = len(s.History) - 1
	}
	if n <= 0 {
		return
	}
	remaining := make([]Turn, len(s.History)-n)
	copy(remaining, s.History[n:])
	s.History = remaining
}

// ExtendSummary appends fragments to the summary log and applies the
// recency window: if the log exceeds summaryLogMax entries it is cut
// down to the last summaryLogKeep.
func (s *State) ExtendSummary(fragments []string) {
	s.SummaryLog = append(s.SummaryLog, fragments...)
	if len(s.SummaryLog) > summaryLogMax {
		kept := make([]string, summaryLogKeep)
		copy(kept, s.SummaryLog[len(s.SummaryLog)-summaryLogKeep:])
		s.SummaryLog = kept
	}
}

// Clone returns a deep copy of the state. Checkpointing snapshots the
// clone so in-flight mutation never races a serialization.
func (s *State) Clone() *State {
	clone := &State{}
	if s.History != nil {
		clone.History = make([]Turn, len(s.History))
		copy(clone.History, s.History)
		for i := range clone.History {
			if calls := s.History[i].ToolCalls; calls != nil {
				copied := make([]llm.ToolCall, len(calls))
				copy(copied, calls)
				clone.History[i].ToolCalls = copied
			}
		}
	}
	if s.SummaryLog != nil {
		clone.SummaryLog = make([]string, len(s.SummaryLog))
		copy(clone.SummaryLog, s.SummaryLog)
	}
	return clone
}

// Messages renders history as LLM messages. When the summary log is
// non-empty, a system-level context line carrying the accumulated
// summary is prefixed so the model sees compacted context first.
func (s *State) Messages() []llm.Message {
	msgs := make([]llm.Message, 0, len(s.History)+1)

	if len(s.SummaryLog) > 0 {
		msgs = append(msgs, llm.Message{
			Role:    RoleSystem,
			Content: "Summary of conversation earlier:\n\n" + strings.Join(s.SummaryLog, "\n"),
		})
	}

	for _, t := range s.History {
		msgs = append(msgs, llm.Message{
			Role:       t.Role,
			Content:    t.Content,
			ToolCalls:  t.ToolCalls,
			ToolCallID: t.ToolCallID,
		})
	}
	return msgs
}
