package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openbloom/cryptochat/internal/httpkit"
)

const tavilyAPIURL = "https://api.tavily.com/search"

// Tavily implements the Provider interface for the Tavily Search API.
type Tavily struct {
	apiKey     string
	baseURL    string
	maxResults int
	httpClient *http.Client
}

// NewTavily creates a Tavily search provider. maxResults caps snippets
// per query; zero means 1 (news retrieval wants the single best hit).
func NewTavily(apiKey string, maxResults int) *Tavily {
	if maxResults <= 0 {
		maxResults = 1
	}
	return &Tavily{
		apiKey:     apiKey,
		baseURL:    tavilyAPIURL,
		maxResults: maxResults,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(20 * time.Second)),
	}
}

func (t *Tavily) Name() string { return "tavily" }

// SetBaseURL overrides the API endpoint. Used by tests.
func (t *Tavily) SetBaseURL(u string) { t.baseURL = u }

type tavilyRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.MaxResults
	if count == 0 {
		count = t.maxResults
	}

	payload, err := json.Marshal(tavilyRequest{
		Query:      query,
		MaxResults: count,
	})
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tavily: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("tavily: HTTP %d: %s", resp.StatusCode, body)
	}

	var tr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}

	results := make([]Result, 0, len(tr.Results))
	for _, r := range tr.Results {
		results = append(results, Result{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}
	return results, nil
}
