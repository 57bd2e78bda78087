// Command delfi is the Del-Fi mesh oracle daemon: a RAG-backed community
// question answerer living on a low-bandwidth mesh radio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/delfi/internal/app"
	"github.com/MrWong99/delfi/internal/config"
	"github.com/MrWong99/delfi/internal/observe"
	"github.com/MrWong99/delfi/internal/resilience"
	"github.com/MrWong99/delfi/pkg/provider/embeddings"
	embeddingsollama "github.com/MrWong99/delfi/pkg/provider/embeddings/ollama"
	embeddingsopenai "github.com/MrWong99/delfi/pkg/provider/embeddings/openai"
	"github.com/MrWong99/delfi/pkg/provider/llm"
	"github.com/MrWong99/delfi/pkg/provider/llm/anyllm"
	llmollama "github.com/MrWong99/delfi/pkg/provider/llm/ollama"

	// Mesh transports register themselves with the adapter registry.
	_ "github.com/MrWong99/delfi/internal/mesh/discordrelay"
	_ "github.com/MrWong99/delfi/internal/mesh/meshcore"
	_ "github.com/MrWong99/delfi/internal/mesh/meshtastic"
	_ "github.com/MrWong99/delfi/internal/mesh/simulator"
)

const version = "0.1"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	simulator := flag.Bool("simulator", false, "run against stdin/stdout instead of a radio")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The one place Del-Fi intentionally refuses to start.
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "delfi: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "delfi: %v\n", err)
		}
		return 1
	}
	if *simulator {
		cfg.MeshProtocol = "simulator"
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.LogLevel))
	slog.Info("del-fi starting", "version", version, "config", *configPath, "node", cfg.NodeName)

	// ── Observability ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "delfi",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer otelShutdown(context.Background())

	// ── Model providers ───────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Application wiring ────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("node ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the LLM and embeddings backends named in cfg.
// Local Ollama is the default for both; a configured llm_provider block puts
// a hosted backend first with local Ollama as the failover.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	timeout := time.Duration(cfg.OllamaTimeoutSeconds * float64(time.Second))

	local, err := llmollama.New(cfg.OllamaHost, cfg.Model, llmollama.WithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("create ollama llm: %w", err)
	}

	var llmProvider llm.Provider = local
	if name := cfg.LLMProvider.Name; name != "" && name != "ollama" {
		model := cfg.LLMProvider.Model
		if model == "" {
			model = cfg.Model
		}
		var opts []anyllmlib.Option
		if cfg.LLMProvider.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.LLMProvider.APIKey))
		}
		if cfg.LLMProvider.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.LLMProvider.BaseURL))
		}
		hosted, err := anyllm.New(name, model, opts...)
		if err != nil {
			return nil, fmt.Errorf("create %s llm: %w", name, err)
		}

		fb := resilience.NewLLMFallback(hosted, name, resilience.FallbackConfig{})
		fb.AddFallback("ollama", local)
		llmProvider = fb
		slog.Info("provider created", "kind", "llm", "name", name, "model", model, "fallback", "ollama")
	} else {
		slog.Info("provider created", "kind", "llm", "name", "ollama", "model", cfg.Model)
	}

	var embedProvider embeddings.Provider
	if cfg.EmbeddingsProvider.Name == "openai" {
		p, err := embeddingsopenai.New(cfg.EmbeddingsProvider.APIKey, cfg.EmbeddingsProvider.Model)
		if err != nil {
			return nil, fmt.Errorf("create openai embeddings: %w", err)
		}
		embedProvider = p
		slog.Info("provider created", "kind", "embeddings", "name", "openai")
	} else {
		p, err := embeddingsollama.New(cfg.OllamaHost, cfg.EmbeddingModel,
			embeddingsollama.WithTimeout(timeout))
		if err != nil {
			return nil, fmt.Errorf("create ollama embeddings: %w", err)
		}
		embedProvider = p
		slog.Info("provider created", "kind", "embeddings", "name", "ollama", "model", cfg.EmbeddingModel)
	}

	return &app.Providers{LLM: llmProvider, Embeddings: embedProvider}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Del-Fi — mesh oracle         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Node", cfg.NodeName)
	printRow("Model", cfg.Model)
	printRow("Embeddings", cfg.EmbeddingModel)
	printRow("Protocol", cfg.MeshProtocol)
	printRow("Knowledge", cfg.KnowledgeFolder)
	if cfg.MeshKnowledge != nil {
		printRow("Peers", fmt.Sprintf("%d configured", len(cfg.MeshKnowledge.Peers)))
	}
	if cfg.ListenAddr != "" {
		printRow("Metrics", cfg.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 24 {
		value = value[:21] + "…"
	}
	fmt.Printf("║  %-10s : %-24s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/del-fi/config.yaml"
	}
	return "config.yaml"
}
