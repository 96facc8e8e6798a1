// Command talkwire is the main entry point for the Talkwire voice gateway.
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

	"github.com/talkwire/talkwire/internal/app"
	"github.com/talkwire/talkwire/internal/config"
	"github.com/talkwire/talkwire/pkg/bridge"
	"github.com/talkwire/talkwire/pkg/bridge/cascade"
	"github.com/talkwire/talkwire/pkg/bridge/mock"
	"github.com/talkwire/talkwire/pkg/bridge/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration (with hot reload) ──────────────────────────────────
	levelVar := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			levelVar.Set(d.NewLogLevel.Level())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.VADChanged {
			slog.Info("vad tuning changed; applies to new sessions",
				"threshold", d.NewVAD.Threshold,
				"activation_ms", d.NewVAD.ActivationMS,
				"end_silence_ms", d.NewVAD.EndSilenceMS,
			)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "talkwire: config file %q not found; copy config.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "talkwire: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("talkwire starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Bridge registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBridges(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

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

// ── Bridge wiring ─────────────────────────────────────────────────────────────

// registerBuiltinBridges wires the bridge factories that ship with Talkwire
// into reg. Each factory receives a config.BridgeConfig and constructs the
// backend from the real implementation packages.
func registerBuiltinBridges(reg *config.Registry) {
	reg.Register("mock", func(entry config.BridgeConfig) (bridge.Bridge, error) {
		return &mock.Bridge{}, nil
	})

	reg.Register("openai", func(entry config.BridgeConfig) (bridge.Bridge, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if prompt := optString(entry.Options, "system_prompt"); prompt != "" {
			opts = append(opts, openai.WithSystemPrompt(prompt))
		}
		return openai.New(entry.APIKey, entry.Model, entry.Voice, opts...)
	})

	reg.Register("cascade", func(entry config.BridgeConfig) (bridge.Bridge, error) {
		ccfg := cascade.Config{
			STTURL:      entry.STT.URL,
			STTModel:    entry.STT.Model,
			LLMProvider: optString(entry.Options, "llm_provider"),
			LLMModel:    entry.Model,
			LLMAPIKey:   entry.APIKey,
			TTSURL:      entry.TTS.URL,
			Voice:       entry.Voice,
			Language:    optString(entry.Options, "language"),
		}
		var opts []cascade.Option
		if prompt := optString(entry.Options, "system_prompt"); prompt != "" {
			opts = append(opts, cascade.WithSystemPrompt(prompt))
		}
		return cascade.New(ccfg, opts...)
	})

	for _, name := range config.ValidBridgeNames {
		slog.Debug("registered bridge", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Talkwire startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Bridge", summarizeBridge(cfg.Bridge))
	printField("VAD threshold", fmt.Sprintf("%.0f", cfg.VAD.Threshold))
	printField("Idle timeout", cfg.Session.IdleTimeout.Std().String())
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	if cfg.Server.TLS != nil {
		printField("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summarizeBridge(bc config.BridgeConfig) string {
	if bc.Name == "" {
		return "(not configured)"
	}
	if bc.Model != "" {
		return bc.Name + " / " + bc.Model
	}
	return bc.Name
}

func printField(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a bridge Options map[string]any.
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
