// Package compact produces rolling summaries of older conversation
// turns so history stays bounded while context survives.
package compact

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openbloom/cryptochat/internal/convo"
	"github.com/openbloom/cryptochat/internal/llm"
)

// pointsDescription is the structured-output contract: one bullet per
// message, in sequence, alternating user and assistant.
const pointsDescription = "Key points of each interaction, where each point summarizes a single message, either " +
	"from the user or the LLM, in a concise form and in sequential order.\n" +
	"Each element should represent the essence of one message (user's or LLM's), not the full interaction.\n\n" +
	"Example format:\n" +
	"User says [sample text] (replace with actual user message).\n" +
	"LLM responds [sample text] (replace with actual LLM response).\n" +
	"User asks for the price of Ethereum (ETH).\n" +
	"LLM states that the price is 3598.04 USD."

// Compactor summarizes older turns via a structured-output LLM call.
type Compactor struct {
	llm    llm.Client
	model  string
	logger *slog.Logger
}

// New creates a compactor.
func New(client llm.Client, model string, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		llm:    client,
		model:  model,
		logger: logger.With("component", "compactor"),
	}
}

// Compact summarizes every turn except the most recent one. It returns
// the new interaction fragments for the summary log and the number of
// turns consumed; the caller applies TrimPrefix and ExtendSummary.
// Re-running on an already-compacted prefix is a no-op: with a single
// remaining turn there is nothing to consume.
func (c *Compactor) Compact(ctx context.Context, state *convo.State) (fragments []string, consumed int, err error) {
	if len(state.History) < 2 {
		return nil, 0, nil
	}

	toCompact := state.History[:len(state.History)-1]
	consumed = len(toCompact)

	messages := []llm.Message{
		{Role: convo.RoleUser, Content: c.buildPrompt(toCompact, state.SummaryLog)},
	}

	var out struct {
		Points []string `json:"points"`
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"points": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": pointsDescription,
			},
		},
		"required":             []string{"points"},
		"additionalProperties": false,
	}

	if err := c.llm.ChatStructured(ctx, c.model, messages, "conversation_summary", schema, &out); err != nil {
		return nil, 0, fmt.Errorf("summarize: %w", err)
	}

	fragments = pairPoints(out.Points)

	c.logger.Debug("compaction complete",
		"consumed", consumed,
		"points", len(out.Points),
		"fragments", len(fragments),
	)

	return fragments, consumed, nil
}

// buildPrompt renders the turns as a numbered list followed by the
// summarization instruction. With prior summary present the model is
// told to extend it; otherwise to summarize from scratch.
func (c *Compactor) buildPrompt(turns []convo.Turn, summaryLog []string) string {
	var sb strings.Builder
	for i, t := range turns {
		content := t.Content
		if content == "" && t.HasToolCalls() {
			names := make([]string, 0, len(t.ToolCalls))
			for _, tc := range t.ToolCalls {
				names = append(names, tc.Function.Name)
			}
			content = "[requested tools: " + strings.Join(names, ", ") + "]"
		}
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, t.Role, content)
	}
	sb.WriteString("\n")

	if len(summaryLog) > 0 {
		sb.WriteString("This is summary of the conversation to date:\n\n")
		sb.WriteString(strings.Join(summaryLog, "\n"))
		sb.WriteString("\n\nExtend the summary by taking into account the new messages above.\n")
		sb.WriteString("Return only the summary of the new provided messages, without repeating the old summary.")
	} else {
		sb.WriteString("Create a summary of the conversation above:")
	}

	return sb.String()
}

// pairPoints folds consecutive bullet pairs (user point + following
// assistant point) into single interaction fragments. A trailing
// unpaired point is dropped, matching the interaction-oriented
// summary format.
func pairPoints(points []string) []string {
	var interactions []string
	for i := 0; i+1 < len(points); i += 2 {
		interactions = append(interactions, points[i]+" "+points[i+1])
	}
	return interactions
}
