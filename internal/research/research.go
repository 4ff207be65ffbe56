// Package research implements the news research sub-workflow: a
// finite three-phase pipeline that turns a research request into
// retrieved news plus one synthesized answer. It is invoked
// synchronously by the orchestration graph and shares no mutable
// state with it — request in, response out.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openbloom/cryptochat/internal/convo"
	"github.com/openbloom/cryptochat/internal/events"
	"github.com/openbloom/cryptochat/internal/llm"
	"github.com/openbloom/cryptochat/internal/market"
	"github.com/openbloom/cryptochat/internal/search"
)

// TokenContext identifies a specific cryptocurrency in a request.
type TokenContext struct {
	Name     string  `json:"name"`
	Ticker   string  `json:"ticker"`
	Quantity float64 `json:"quantity"`
}

// Request is the sub-workflow input, constructed by the graph from a
// research tool call and passed by value.
type Request struct {
	InitialQuery string
	Queries      []string
	Token        *TokenContext
}

// Response carries the single synthesized assistant answer.
type Response struct {
	Answer        string
	RetrievedNews []string
}

// ValidationError reports a malformed request (missing queries,
// incomplete token context). The graph routes these to terminal with
// an explanatory turn instead of retrying.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid research request: %s %s", e.Field, e.Reason)
}

// phase is the sub-workflow's internal state. The pipeline is strictly
// finite: retrieve, one routing decision, one summarize branch.
type phase int

const (
	phaseRetrieve phase = iota
	phaseSummarizeToken
	phaseSummarizeGeneral
	phaseDone
)

// Runner executes research requests.
type Runner struct {
	search    *search.Manager
	market    *market.Coinpaprika
	sentiment *market.FearGreed
	llm       llm.Client
	model     string
	bus       *events.Bus
	logger    *slog.Logger

	// now is swappable for tests; queries carry the current date.
	now func() time.Time
}

// NewRunner creates a research runner.
func NewRunner(sm *search.Manager, cp *market.Coinpaprika, fg *market.FearGreed, client llm.Client, model string, bus *events.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		search:    sm,
		market:    cp,
		sentiment: fg,
		llm:       client,
		model:     model,
		bus:       bus,
		logger:    logger.With("component", "research"),
		now:       time.Now,
	}
}

// Run executes the pipeline for one request and returns exactly one
// answer. The pipeline has no loop-back edges; each phase runs once.
func (r *Runner) Run(ctx context.Context, req Request) (*Response, error) {
	if len(req.Queries) == 0 {
		return nil, &ValidationError{Field: "queries", Reason: "must be non-empty"}
	}
	if req.Token != nil && (req.Token.Ticker == "" || req.Token.Name == "") {
		return nil, &ValidationError{Field: "token", Reason: "requires ticker and name"}
	}

	resp := &Response{}

	for p := phaseRetrieve; p != phaseDone; {
		switch p {
		case phaseRetrieve:
			news, err := r.retrieve(ctx, req.Queries)
			if err != nil {
				return nil, fmt.Errorf("retrieve news: %w", err)
			}
			resp.RetrievedNews = news

			// Route on token presence — the only branch point.
			if req.Token != nil {
				p = phaseSummarizeToken
			} else {
				p = phaseSummarizeGeneral
			}

		case phaseSummarizeToken:
			answer, err := r.summarizeToken(ctx, req, resp.RetrievedNews)
			if err != nil {
				return nil, err
			}
			resp.Answer = answer
			p = phaseDone

		case phaseSummarizeGeneral:
			answer, err := r.summarizeGeneral(ctx, req, resp.RetrievedNews)
			if err != nil {
				return nil, err
			}
			resp.Answer = answer
			p = phaseDone
		}
	}

	return resp, nil
}

// retrieve runs one search per query concurrently, the current date
// appended to each. Results keep input query order.
func (r *Runner) retrieve(ctx context.Context, queries []string) ([]string, error) {
	date := r.now().Format("02.01.2006")

	dated := make([]string, len(queries))
	for i, q := range queries {
		dated[i] = q + " " + date
	}

	start := time.Now()
	news, err := r.search.SearchAll(ctx, dated, search.Options{})

	r.bus.Publish(events.Event{
		Source: events.SourceResearch,
		Kind:   events.KindToolDone,
		Data: map[string]any{
			"tool":        "news_retrieval",
			"queries":     len(queries),
			"ok":          err == nil,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	return news, err
}

// summarizeToken combines the retrieved news with the token's market
// snapshot and asks the model for a summary plus indicator analysis.
func (r *Runner) summarizeToken(ctx context.Context, req Request, news []string) (string, error) {
	quantity := req.Token.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	snap, err := r.market.Ticker(ctx, req.Token.Ticker, req.Token.Name)
	if err != nil {
		return "", fmt.Errorf("market snapshot: %w", err)
	}
	marketInfo := market.FormatSnapshot(snap, req.Token.Ticker, req.Token.Name, quantity)

	system := "News sources:\n" + strings.Join(news, "\n") + "\n\n" +
		"Token info:\n" + marketInfo + "\n\n" +
		"Your task:\n" +
		"1. Summarize the most relevant news articles for the token.\n" +
		"2. Do **not** include any links to the original articles. Only provide a concise summary of the news.\n" +
		"3. Provide a brief analysis of the token's market info based on provided indicators."

	return r.complete(ctx, system, req.InitialQuery)
}

// summarizeGeneral combines the retrieved news with the current
// fear-and-greed reading and asks the model for a summary that echoes
// the index value and classification.
func (r *Runner) summarizeGeneral(ctx context.Context, req Request, news []string) (string, error) {
	idx, err := r.sentiment.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("sentiment index: %w", err)
	}

	system := "News sources:\n" + strings.Join(news, "\n") + "\n\n" +
		"Crypto Fear and Greed Index info:\n" +
		"- Index value - " + idx.Value + "\n" +
		"- Value classification - " + idx.Classification + "\n\n" +
		"Your task:\n" +
		"1. Summarize the most relevant news articles about crypto based on the provided sources.\n" +
		"2. Do **not** include any links to the original articles. Only provide a concise summary of the news.\n" +
		"3. Return the Fear and Greed Index info to the user, including both the value and classification."

	return r.complete(ctx, system, req.InitialQuery)
}

func (r *Runner) complete(ctx context.Context, system, userQuery string) (string, error) {
	resp, err := r.llm.Chat(ctx, r.model, []llm.Message{
		{Role: convo.RoleSystem, Content: system},
		{Role: convo.RoleUser, Content: userQuery},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("synthesize answer: %w", err)
	}
	return resp.Message.Content, nil
}

// ParseRequest builds a Request from raw research tool-call arguments
// and the user's latest query.
func ParseRequest(initialQuery string, args map[string]any) (Request, error) {
	req := Request{InitialQuery: initialQuery}

	rawQueries, ok := args["queries"].([]any)
	if !ok {
		return req, &ValidationError{Field: "queries", Reason: "must be an array of strings"}
	}
	for _, q := range rawQueries {
		s, ok := q.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return req, &ValidationError{Field: "queries", Reason: "must contain non-empty strings"}
		}
		req.Queries = append(req.Queries, s)
	}
	if len(req.Queries) == 0 {
		return req, &ValidationError{Field: "queries", Reason: "must be non-empty"}
	}

	if rawToken, ok := args["token"].(map[string]any); ok {
		token := &TokenContext{}
		token.Name, _ = rawToken["name"].(string)
		token.Ticker, _ = rawToken["ticker"].(string)
		if q, ok := rawToken["quantity"].(float64); ok {
			token.Quantity = q
		}
		if token.Name == "" || token.Ticker == "" {
			return req, &ValidationError{Field: "token", Reason: "requires ticker and name"}
		}
		req.Token = token
	}

	return req, nil
}
