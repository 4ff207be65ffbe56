// Package config handles cryptochat configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/cryptochat/config.yaml, /etc/cryptochat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cryptochat", "config.yaml"))
	}

	paths = append(paths, "/etc/cryptochat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all cryptochat configuration.
type Config struct {
	Listen   ListenConfig  `yaml:"listen"`
	LLM      LLMConfig     `yaml:"llm"`
	Search   SearchConfig  `yaml:"search"`
	Market   MarketConfig  `yaml:"market"`
	Compact  CompactConfig `yaml:"compact"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the language-model provider settings.
type LLMConfig struct {
	// APIKey authenticates against the OpenAI-compatible endpoint.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the API endpoint (default: https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`
	// Model is the default chat model.
	Model string `yaml:"model"`
	// Temperature is the sampling temperature for chat completions.
	Temperature float64 `yaml:"temperature"`
}

// SearchConfig defines web search provider settings.
type SearchConfig struct {
	// Primary selects which registered provider handles searches.
	Primary string       `yaml:"primary"`
	Tavily  TavilyConfig `yaml:"tavily"`
	Brave   BraveConfig  `yaml:"brave"`
}

// TavilyConfig holds Tavily Search API settings.
type TavilyConfig struct {
	APIKey string `yaml:"api_key"`
	// MaxResults caps snippets per query (default 1).
	MaxResults int `yaml:"max_results"`
}

// BraveConfig holds Brave Search API settings.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// MarketConfig defines market-data service settings.
type MarketConfig struct {
	// CoinpaprikaURL overrides the ticker API base (tests, proxies).
	CoinpaprikaURL string `yaml:"coinpaprika_url"`
	// FearGreedURL overrides the sentiment index endpoint.
	FearGreedURL string `yaml:"fear_greed_url"`
}

// CompactConfig controls history compaction.
type CompactConfig struct {
	// TriggerTurns is the history length above which compaction fires
	// when the latest assistant turn carries no tool calls.
	TriggerTurns int `yaml:"trigger_turns"`
}

// MQTTConfig defines the optional event mirror.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// TopicPrefix is prepended to event topics (default "cryptochat").
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 1,
		},
		Search: SearchConfig{
			Primary: "tavily",
			Tavily:  TavilyConfig{MaxResults: 1},
		},
		Compact: CompactConfig{TriggerTurns: 4},
		MQTT:    MQTTConfig{TopicPrefix: "cryptochat"},
		DataDir: "data",
	}
}
