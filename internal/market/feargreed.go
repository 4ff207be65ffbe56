package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openbloom/cryptochat/internal/httpkit"
)

const fearGreedAPIURL = "https://api.alternative.me/fng/"

// SentimentIndex is a single fear-and-greed reading: a scalar value
// plus its classification label (e.g. "Extreme Fear", "Greed").
type SentimentIndex struct {
	Value          string `json:"value"`
	Classification string `json:"value_classification"`
}

// FearGreed is a client for the alternative.me crypto fear-and-greed
// index.
type FearGreed struct {
	baseURL    string
	httpClient *http.Client
}

// NewFearGreed creates a fear-and-greed index client. baseURL may be
// empty to use the public endpoint.
func NewFearGreed(baseURL string) *FearGreed {
	if baseURL == "" {
		baseURL = fearGreedAPIURL
	}
	return &FearGreed{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

// Current fetches the latest index reading.
func (f *FearGreed) Current(ctx context.Context) (*SentimentIndex, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("feargreed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feargreed: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("feargreed: HTTP %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Data []SentimentIndex `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("feargreed: decode response: %w", err)
	}
	if len(payload.Data) == 0 {
		return nil, fmt.Errorf("feargreed: empty data in response")
	}
	return &payload.Data[0], nil
}
