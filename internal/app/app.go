// Package app wires all Talkwire subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the server loop, and Shutdown tears everything
// down in order.
//
// For testing, inject a mock speech backend via WithBridge. When an option is
// not provided, New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/talkwire/talkwire/internal/config"
	"github.com/talkwire/talkwire/internal/health"
	"github.com/talkwire/talkwire/internal/observe"
	"github.com/talkwire/talkwire/internal/resilience"
	"github.com/talkwire/talkwire/internal/server"
	"github.com/talkwire/talkwire/internal/session"
	"github.com/talkwire/talkwire/internal/vad"
	"github.com/talkwire/talkwire/pkg/audio"
	"github.com/talkwire/talkwire/pkg/bridge"
)

// Version is stamped by the build; "dev" in local builds.
var Version = "dev"

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	bridge  bridge.Bridge
	manager *session.Manager
	server  *server.Server
	metrics *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBridge injects a speech backend instead of creating one from config.
func WithBridge(b bridge.Bridge) Option {
	return func(a *App) { a.bridge = b }
}

// WithMetrics injects metrics instruments instead of creating them from the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The bridge normally
// comes from the registry via config; inject one with [WithBridge] for tests.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if a.metrics == nil {
		otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    "talkwire",
			ServiceVersion: Version,
		})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.closers = append(a.closers, otelShutdown)

		a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: create metrics: %w", err)
		}
	}

	// ── 2. Speech backend ────────────────────────────────────────────────
	if a.bridge == nil {
		b, err := registry.Create(cfg.Bridge)
		if err != nil {
			return nil, fmt.Errorf("app: create bridge %q: %w", cfg.Bridge.Name, err)
		}
		a.bridge = b
		slog.Info("bridge created", "name", cfg.Bridge.Name)

		if name := fallbackName(cfg.Bridge); name != "" {
			fb, err := registry.Create(config.BridgeConfig{Name: name})
			if err != nil {
				return nil, fmt.Errorf("app: create fallback bridge %q: %w", name, err)
			}
			wrapped := resilience.NewFailoverBridge(cfg.Bridge.Name, a.bridge, resilience.BreakerConfig{})
			wrapped.AddFallback(name, fb)
			a.bridge = wrapped
			slog.Info("bridge failover enabled", "primary", cfg.Bridge.Name, "fallback", name)
		}
	}
	a.closers = append(a.closers, func(context.Context) error { return a.bridge.Close() })

	// ── 3. Session engine ────────────────────────────────────────────────
	a.manager = session.NewManager(a.bridge, engineConfig(cfg), session.WithMetrics(a.metrics))

	// ── 4. Server ────────────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithHealth(health.New(health.Checker{
			Name: "sessions",
			Check: func(context.Context) error {
				a.manager.Stats()
				return nil
			},
		})),
	}
	if tls := cfg.Server.TLS; tls != nil {
		srvOpts = append(srvOpts, server.WithTLS(tls.CertFile, tls.KeyFile))
	}
	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = server.New(addr, a.manager, srvOpts...)

	return a, nil
}

// Manager exposes the session engine, mainly for tests and the stats surface.
func (a *App) Manager() *session.Manager { return a.manager }

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	slog.Info("gateway running", "bridge", a.cfg.Bridge.Name, "version", Version)
	return a.server.Run(ctx)
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// fallbackName returns the bridge named in the "fallback" option, if any.
func fallbackName(bc config.BridgeConfig) string {
	if bc.Options == nil {
		return ""
	}
	name, _ := bc.Options["fallback"].(string)
	return name
}

// engineConfig converts the YAML schema into the session engine's tuning,
// translating the millisecond knobs into sample and frame counts at the
// gateway's fixed format.
func engineConfig(cfg *config.Config) session.Config {
	sc := session.Config{
		BufferCapacity: cfg.Session.BufferCapacity,
		MaxTurns:       cfg.Session.MaxTurns,
		IdleTimeout:    cfg.Session.IdleTimeout.Std(),
		SweepInterval:  cfg.Session.SweepInterval.Std(),
		BackendTimeout: cfg.Session.BackendTimeout.Std(),
		InterruptGrace: cfg.Session.InterruptGrace.Std(),
		VAD: vad.Config{
			Threshold:         cfg.VAD.Threshold,
			ActivationSamples: cfg.VAD.ActivationMS * audio.SampleRate / 1000,
		},
	}
	if cfg.VAD.EndSilenceMS > 0 {
		frameMS := int(audio.FrameDuration.Milliseconds())
		sc.EndSilenceFrames = (cfg.VAD.EndSilenceMS + frameMS - 1) / frameMS
	}
	return sc
}
