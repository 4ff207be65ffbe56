package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/openbloom/cryptochat/internal/market"
)

// tokenProperties is the shared schema for a cryptocurrency token
// reference: ticker, name, and quantity.
func tokenProperties() map[string]any {
	return map[string]any{
		"ticker": map[string]any{
			"type": "string",
			"description": "The official ticker symbol of the cryptocurrency, a short, uppercase code used " +
				"on exchanges and in APIs (e.g., 'BTC' for Bitcoin, 'ETH' for Ethereum, 'SOL' for Solana).",
		},
		"name": map[string]any{
			"type": "string",
			"description": "The official name of the cryptocurrency used on exchanges and in APIs " +
				"(e.g., 'bitcoin', 'ethereum', 'dogecoin').",
		},
		"quantity": map[string]any{
			"type":        "number",
			"description": "The amount of cryptocurrency. Defaults to 1 if not specified.",
		},
	}
}

// RegisterMarketMetrics adds the market snapshot tool backed by the
// Coinpaprika client.
func RegisterMarketMetrics(r *Registry, cp *market.Coinpaprika) {
	r.Register(&Tool{
		Name: MarketMetricsToolName,
		Description: "Call to get the current price and market metrics of a specific cryptocurrency. " +
			"Use this tool when you need financial information about a cryptocurrency, such as its current price, " +
			"24h trading volume, market capitalization, percentage changes (24h, 7d, 30d, 1y), all-time high price, and more. " +
			"**DO NOT USE** this tool for retrieving current news related to the token.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": tokenProperties(),
			"required":   []string{"ticker", "name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			ticker, name, quantity, err := ParseTokenArgs(args)
			if err != nil {
				return "", err
			}

			snap, err := cp.Ticker(ctx, ticker, name)
			if err != nil {
				return "", err
			}
			return market.FormatSnapshot(snap, ticker, name, quantity), nil
		},
	})
}

// RegisterResearch adds the research tool schema. The handler is nil
// on purpose: calls to this tool are routed into the research
// sub-workflow by the orchestration graph, never executed here.
func RegisterResearch(r *Registry) {
	r.Register(&Tool{
		Name: ResearchToolName,
		Description: "This tool searches for the latest cryptocurrency news. " +
			"It can be used to query general cryptocurrency news or to retrieve news related to a specific cryptocurrency token. " +
			"**DO NOT USE IT** when you are asked about token price or market metrics, such as: " +
			"price, volume, market capitalization, percent changes (24h, 7d, 30d, 1y), all-time high (ATH) price, or any other financial data. " +
			"These metrics should be queried using a different tool designed for that purpose.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"queries": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Variations of the initial user's query to enhance search relevance and effectiveness.",
				},
				"token": map[string]any{
					"type":       "object",
					"properties": tokenProperties(),
					"description": "An optional object with details about a specific cryptocurrency, such as its ticker symbol, name, and quantity. " +
						"It is included only if the user's query refers to a specific cryptocurrency.",
				},
			},
			"required": []string{"queries"},
		},
	})
}

// ParseTokenArgs extracts and validates the token fields from raw tool
// arguments. Quantity defaults to 1.
func ParseTokenArgs(args map[string]any) (ticker, name string, quantity float64, err error) {
	ticker, _ = args["ticker"].(string)
	name, _ = args["name"].(string)
	if strings.TrimSpace(ticker) == "" || strings.TrimSpace(name) == "" {
		return "", "", 0, fmt.Errorf("ticker and name are required")
	}

	quantity = 1
	if q, ok := args["quantity"].(float64); ok && q > 0 {
		quantity = q
	}
	return ticker, name, quantity, nil
}
