package app

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/talkwire/talkwire/internal/config"
	"github.com/talkwire/talkwire/internal/observe"
	"github.com/talkwire/talkwire/internal/resilience"
	"github.com/talkwire/talkwire/internal/session"
	"github.com/talkwire/talkwire/pkg/bridge"
	"github.com/talkwire/talkwire/pkg/bridge/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(provider)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testAppConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Bridge: config.BridgeConfig{Name: "mock"},
	}
}

func TestNew_WithInjectedBridge(t *testing.T) {
	a, err := New(context.Background(), testAppConfig(), config.NewRegistry(),
		WithBridge(&mock.Bridge{}), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if a.Manager() == nil {
		t.Fatal("no session manager")
	}
	if a.server == nil {
		t.Fatal("no server")
	}
}

func TestNew_UnknownBridgeFails(t *testing.T) {
	cfg := testAppConfig()
	cfg.Bridge.Name = "nope"
	_, err := New(context.Background(), cfg, config.NewRegistry(), WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("New accepted an unregistered bridge")
	}
}

func TestNew_FallbackOptionWrapsBridge(t *testing.T) {
	reg := config.NewRegistry()
	reg.Register("mock", func(config.BridgeConfig) (bridge.Bridge, error) {
		return &mock.Bridge{}, nil
	})
	cfg := testAppConfig()
	cfg.Bridge.Options = map[string]any{"fallback": "mock"}

	a, err := New(context.Background(), cfg, reg, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if _, ok := a.bridge.(*resilience.FailoverBridge); !ok {
		t.Errorf("bridge is %T, want a failover wrapper", a.bridge)
	}
}

func TestNew_UnknownFallbackFails(t *testing.T) {
	reg := config.NewRegistry()
	reg.Register("mock", func(config.BridgeConfig) (bridge.Bridge, error) {
		return &mock.Bridge{}, nil
	})
	cfg := testAppConfig()
	cfg.Bridge.Options = map[string]any{"fallback": "nope"}

	if _, err := New(context.Background(), cfg, reg, WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("New accepted an unregistered fallback bridge")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	b := &mock.Bridge{}
	a, err := New(context.Background(), testAppConfig(), config.NewRegistry(),
		WithBridge(b), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("first shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
	if got := b.CallCountClose; got != 1 {
		t.Errorf("bridge closed %d times, want 1", got)
	}
}

func TestEngineConfig_Conversion(t *testing.T) {
	cfg := testAppConfig()
	cfg.Session = config.SessionConfig{
		IdleTimeout:    config.Duration(10 * time.Minute),
		SweepInterval:  config.Duration(time.Minute),
		BufferCapacity: 32,
		BackendTimeout: config.Duration(5 * time.Second),
		InterruptGrace: config.Duration(200 * time.Millisecond),
		MaxTurns:       50,
	}
	cfg.VAD = config.VADConfig{
		Threshold:    500,
		ActivationMS: 20,
		EndSilenceMS: 500,
	}

	sc := engineConfig(cfg)
	want := session.Config{
		BufferCapacity: 32,
		MaxTurns:       50,
		IdleTimeout:    10 * time.Minute,
		SweepInterval:  time.Minute,
		BackendTimeout: 5 * time.Second,
		InterruptGrace: 200 * time.Millisecond,
	}
	if sc.BufferCapacity != want.BufferCapacity || sc.MaxTurns != want.MaxTurns ||
		sc.IdleTimeout != want.IdleTimeout || sc.SweepInterval != want.SweepInterval ||
		sc.BackendTimeout != want.BackendTimeout || sc.InterruptGrace != want.InterruptGrace {
		t.Errorf("engine config = %+v", sc)
	}
	if sc.VAD.Threshold != 500 {
		t.Errorf("vad threshold = %v", sc.VAD.Threshold)
	}
	// 20 ms at 16 kHz.
	if sc.VAD.ActivationSamples != 320 {
		t.Errorf("activation samples = %d, want 320", sc.VAD.ActivationSamples)
	}
	// 500 ms rounded up to whole 64 ms frames.
	if sc.EndSilenceFrames != 8 {
		t.Errorf("end silence frames = %d, want 8", sc.EndSilenceFrames)
	}
}

func TestEngineConfig_ZeroEndSilenceUsesDefault(t *testing.T) {
	sc := engineConfig(testAppConfig())
	if sc.EndSilenceFrames != 0 {
		t.Errorf("end silence frames = %d, want 0 so the engine default applies", sc.EndSilenceFrames)
	}
}
