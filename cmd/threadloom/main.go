// Command threadloom is the main entry point for the Threadloom conversation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/threadloom/internal/app"
	"github.com/MrWong99/threadloom/internal/config"
	"github.com/MrWong99/threadloom/internal/observe"
	"github.com/MrWong99/threadloom/pkg/provider/llm"
	"github.com/MrWong99/threadloom/pkg/provider/llm/anyllm"
	openaillm "github.com/MrWong99/threadloom/pkg/provider/llm/openai"
	"github.com/MrWong99/threadloom/pkg/provider/stt"
	"github.com/MrWong99/threadloom/pkg/provider/stt/deepgram"
	"github.com/MrWong99/threadloom/pkg/provider/stt/whisper"
	"github.com/MrWong99/threadloom/pkg/provider/vad"
	"github.com/MrWong99/threadloom/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "path to an optional dotenv file with secrets")
	flag.Parse()

	// ── Environment overlay ───────────────────────────────────────────────────
	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "threadloom: load %s: %v\n", *envFile, err)
			return 1
		}
	}

	// ── Load configuration ────────────────────────────────────────────────────
	haveFile := true
	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		haveFile = false
		fmt.Fprintf(os.Stderr, "threadloom: config file %q not found, using environment variables only\n", *configPath)
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "threadloom: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust verbosity
	// without tearing down the handler.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("threadloom starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	// The watcher starts before the app exists; reloads reach it through this
	// pointer once it is up.
	var running atomic.Pointer[app.App]
	current := func() *config.Config { return cfg }
	if haveFile {
		watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
			level.Set(next.Server.LogLevel.Slog())
			if a := running.Load(); a != nil {
				a.ApplyReload(old, next)
			}
			slog.Info("configuration reloaded", "path", *configPath)
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
		current = watcher.Current
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, current)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, current, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	running.Store(application)

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// Threadloom. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "deepgram"},
	"vad": {"energy"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Factories run lazily: a session only pays for the providers its pipeline
// actually names, and a config reload picks up new credentials on the next
// session start.
func registerBuiltinProviders(reg *config.Registry, current func() *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The openai driver goes through the official SDK so request timeouts and
	// organization routing work; the other cloud backends share any-llm.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry, policy config.LLMConfig) (llm.Provider, error) {
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openaillm.WithOrganization(org))
		}
		if policy.RequestTimeoutSeconds > 0 {
			opts = append(opts, openaillm.WithTimeout(time.Duration(policy.RequestTimeoutSeconds)*time.Second))
		}
		return openaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry, _ config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry, _ config.LLMConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry, policy config.STTConfig) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if policy.Language != "" {
			opts = append(opts, whisper.WithLanguage(policy.Language))
		}
		if policy.VADEnabled {
			engine, err := reg.CreateVAD(current().Providers.VAD)
			if err != nil {
				return nil, fmt.Errorf("stt/whisper: voice-activity engine: %w", err)
			}
			opts = append(opts, whisper.WithVAD(engine))
			if policy.VADMinSeconds > 0 || policy.VADMaxSeconds > 0 {
				opts = append(opts, whisper.WithVADBounds(policy.VADMinSeconds, policy.VADMaxSeconds))
			}
			if policy.VADSilenceMs > 0 {
				opts = append(opts, whisper.WithVADSilenceMs(policy.VADSilenceMs))
			}
		} else if policy.FixedIntervalSeconds > 0 {
			opts = append(opts, whisper.WithFixedInterval(time.Duration(policy.FixedIntervalSeconds*float64(time.Second))))
		}
		if policy.TimeoutSeconds > 0 {
			opts = append(opts, whisper.WithLiveTimeout(time.Duration(policy.TimeoutSeconds)*time.Second))
		}
		if policy.FileTimeoutSeconds > 0 {
			opts = append(opts, whisper.WithFileTimeout(time.Duration(policy.FileTimeoutSeconds)*time.Second))
		}
		opts = append(opts, whisper.WithPooledClients(policy.PoolEnabled))
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry, policy config.STTConfig) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if policy.Language != "" {
			opts = append(opts, deepgram.WithLanguage(policy.Language))
		}
		if policy.FileTimeoutSeconds > 0 {
			opts = append(opts, deepgram.WithFileTimeout(time.Duration(policy.FileTimeoutSeconds)*time.Second))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Threadloom — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	if cfg.Database.URL != "" {
		fmt.Printf("║  Database        : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Database        : %-19s ║\n", "(in-memory)")
	}
	if cfg.Server.AuthToken != "" {
		fmt.Printf("║  Auth            : %-19s ║\n", "bearer token")
	} else {
		fmt.Printf("║  Auth            : %-19s ║\n", "(open)")
	}
	if cfg.Server.TLS != nil {
		fmt.Printf("║  TLS             : %-19s ║\n", "enabled")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
