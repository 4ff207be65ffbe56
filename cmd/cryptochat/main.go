// Cryptochat is a conversational backend for cryptocurrency questions.
//
// It answers over an HTTP API, routing each turn through an
// orchestration graph that calls the configured LLM, dispatches market
// and research tools, and compacts long histories into rolling
// summaries. Per-thread state is checkpointed to SQLite so
// conversations survive restarts. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	cryptochat serve       Start the API server
//	cryptochat version     Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/openbloom/cryptochat/internal/api"
	"github.com/openbloom/cryptochat/internal/buildinfo"
	"github.com/openbloom/cryptochat/internal/checkpoint"
	"github.com/openbloom/cryptochat/internal/compact"
	"github.com/openbloom/cryptochat/internal/config"
	"github.com/openbloom/cryptochat/internal/events"
	"github.com/openbloom/cryptochat/internal/graph"
	"github.com/openbloom/cryptochat/internal/llm"
	"github.com/openbloom/cryptochat/internal/market"
	"github.com/openbloom/cryptochat/internal/mqtt"
	"github.com/openbloom/cryptochat/internal/research"
	"github.com/openbloom/cryptochat/internal/search"
	"github.com/openbloom/cryptochat/internal/tools"
)

// main constructs the OS-level environment and delegates to run, which
// keeps os.Exit and os.Args out of the application logic so the full
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	// Parse arguments by hand. The flag package relies on package-level
	// globals, which makes it impossible to call run() concurrently from
	// tests, and the argument surface here is tiny.
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "cryptochat - conversational crypto assistant backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: cryptochat [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve       Start the API server")
	fmt.Fprintln(w, "  version     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o json           Output version information as JSON")
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting cryptochat",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"search", cfg.Search.Primary,
	)

	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Checkpoint store ---
	dbPath := filepath.Join(cfg.DataDir, "cryptochat.db")
	store, err := checkpoint.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open checkpoint database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("checkpoint database opened", "path", dbPath)

	// --- Event bus ---
	bus := events.New()

	// --- LLM client ---
	llmClient := llm.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Temperature, logger)

	// --- Search providers ---
	searchMgr := search.NewManager(cfg.Search.Primary)
	if cfg.Search.Tavily.APIKey != "" {
		searchMgr.Register(search.NewTavily(cfg.Search.Tavily.APIKey, cfg.Search.Tavily.MaxResults))
	}
	if cfg.Search.Brave.APIKey != "" {
		searchMgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	if !searchMgr.Configured() {
		return fmt.Errorf("no search provider configured (set search.tavily.api_key or search.brave.api_key)")
	}

	// --- Market data clients ---
	coinpaprika := market.NewCoinpaprika(cfg.Market.CoinpaprikaURL)
	fearGreed := market.NewFearGreed(cfg.Market.FearGreedURL)

	// --- Tool registry ---
	registry := tools.NewRegistry()
	tools.RegisterResearch(registry)
	tools.RegisterMarketMetrics(registry, coinpaprika)

	// --- Research sub-workflow ---
	runner := research.NewRunner(searchMgr, coinpaprika, fearGreed, llmClient, cfg.LLM.Model, bus, logger)

	// --- Compactor ---
	compactor := compact.New(llmClient, cfg.LLM.Model, logger)

	// --- Orchestration engine ---
	engine := graph.New(graph.Params{
		LLM:          llmClient,
		Model:        cfg.LLM.Model,
		Tools:        registry,
		Research:     runner,
		Compactor:    compactor,
		Checkpoints:  store,
		TriggerTurns: cfg.Compact.TriggerTurns,
		Bus:          bus,
		Logger:       logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- MQTT event mirror (optional) ---
	var mirror *mqtt.Mirror
	if cfg.MQTT.Enabled {
		mirror = mqtt.New(cfg.MQTT, bus, logger)
		go func() {
			if err := mirror.Start(ctx); err != nil {
				logger.Error("mqtt mirror stopped", "error", err)
			}
		}()
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, engine, store, bus, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown incomplete", "error", err)
	}
	if mirror != nil {
		if err := mirror.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown incomplete", "error", err)
		}
	}

	logger.Info("shutdown complete", "uptime", buildinfo.Uptime())
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
