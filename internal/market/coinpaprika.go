// Package market provides clients for the external market-data and
// sentiment-index services the agent's tools and research workflow
// consume.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openbloom/cryptochat/internal/httpkit"
)

const coinpaprikaAPIURL = "https://api.coinpaprika.com/v1"

// Coinpaprika is a client for the Coinpaprika ticker API.
type Coinpaprika struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoinpaprika creates a Coinpaprika client. baseURL may be empty to
// use the public endpoint.
func NewCoinpaprika(baseURL string) *Coinpaprika {
	if baseURL == "" {
		baseURL = coinpaprikaAPIURL
	}
	return &Coinpaprika{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

// Snapshot is a token's quantitative market snapshot.
type Snapshot struct {
	Rank        int     `json:"rank"`
	TotalSupply float64 `json:"total_supply"`
	BetaValue   float64 `json:"beta_value"`
	Quotes      struct {
		USD struct {
			Price               float64 `json:"price"`
			Volume24h           float64 `json:"volume_24h"`
			MarketCap           float64 `json:"market_cap"`
			PercentChange24h    float64 `json:"percent_change_24h"`
			PercentChange7d     float64 `json:"percent_change_7d"`
			PercentChange30d    float64 `json:"percent_change_30d"`
			PercentChange1y     float64 `json:"percent_change_1y"`
			ATHPrice            float64 `json:"ath_price"`
			ATHDate             string  `json:"ath_date"`
			PercentFromPriceATH float64 `json:"percent_from_price_ath"`
		} `json:"USD"`
	} `json:"quotes"`
}

// Ticker fetches the market snapshot for a token. The Coinpaprika
// ticker ID is "<ticker>-<name>", both lowercased (e.g. "btc-bitcoin").
func (c *Coinpaprika) Ticker(ctx context.Context, ticker, name string) (*Snapshot, error) {
	id := strings.ToLower(ticker) + "-" + strings.ToLower(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tickers/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("coinpaprika: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coinpaprika: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("coinpaprika: HTTP %d: %s", resp.StatusCode, body)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("coinpaprika: decode response: %w", err)
	}
	return &snap, nil
}

// FormatSnapshot renders a snapshot as the indicator block fed to the
// model and returned by the market-metrics tool. quantity scales the
// quoted price; 1 renders the unit price.
func FormatSnapshot(snap *Snapshot, ticker, name string, quantity float64) string {
	usd := snap.Quotes.USD

	var priceText string
	if quantity == 1 {
		priceText = fmt.Sprintf("Current price: %s", formatCurrency(usd.Price))
	} else {
		priceText = fmt.Sprintf("Total price for %g %s: %s", quantity, ticker, formatCurrency(usd.Price*quantity))
	}

	athDate := usd.ATHDate
	if parsed, err := time.Parse(time.RFC3339, usd.ATHDate); err == nil {
		athDate = parsed.Format("2006-01-02")
	}

	lines := []string{
		fmt.Sprintf("%s (%s)", strings.ToUpper(name), ticker),
		priceText,
		fmt.Sprintf("Rank: %d", snap.Rank),
		fmt.Sprintf("Market Cap: %s", formatCurrency(usd.MarketCap)),
		fmt.Sprintf("24h Volume: %s", formatCurrency(usd.Volume24h)),
		fmt.Sprintf("Price change in the last 24h: %s", formatPercent(usd.PercentChange24h)),
		fmt.Sprintf("Price change in the last 7d: %s", formatPercent(usd.PercentChange7d)),
		fmt.Sprintf("Price change in the last 30d: %s", formatPercent(usd.PercentChange30d)),
		fmt.Sprintf("Price change in the last 1y: %s", formatPercent(usd.PercentChange1y)),
		fmt.Sprintf("All-Time High: %s on %s", formatCurrency(usd.ATHPrice), athDate),
		fmt.Sprintf("Currently %s from ATH", formatPercent(usd.PercentFromPriceATH)),
		fmt.Sprintf("Total Supply: %.0f", snap.TotalSupply),
		fmt.Sprintf("Beta value: %.2f", snap.BetaValue),
	}
	return strings.Join(lines, "\n")
}

func formatCurrency(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}
