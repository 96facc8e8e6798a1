package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBridgeNames lists the bridge implementations shipped with the server.
// Used by [Validate] to warn about unrecognised names.
var ValidBridgeNames = []string{"mock", "openai", "cascade"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// VAD
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 32767 {
		errs = append(errs, fmt.Errorf("vad.threshold %.1f is out of range [0, 32767]", cfg.VAD.Threshold))
	}
	if cfg.VAD.ActivationMS < 0 {
		errs = append(errs, fmt.Errorf("vad.activation_ms %d must not be negative", cfg.VAD.ActivationMS))
	}
	if cfg.VAD.EndSilenceMS < 0 {
		errs = append(errs, fmt.Errorf("vad.end_silence_ms %d must not be negative", cfg.VAD.EndSilenceMS))
	}

	// Session
	if cfg.Session.BufferCapacity < 0 {
		errs = append(errs, fmt.Errorf("session.buffer_capacity %d must not be negative", cfg.Session.BufferCapacity))
	}
	if cfg.Session.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("session.max_turns %d must not be negative", cfg.Session.MaxTurns))
	}
	for _, d := range []struct {
		name string
		val  Duration
	}{
		{"session.idle_timeout", cfg.Session.IdleTimeout},
		{"session.sweep_interval", cfg.Session.SweepInterval},
		{"session.backend_timeout", cfg.Session.BackendTimeout},
		{"session.interrupt_grace", cfg.Session.InterruptGrace},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}

	// Bridge
	switch cfg.Bridge.Name {
	case "":
		// The mock bridge is substituted at startup; warn, don't fail.
		slog.Warn("bridge.name is empty; the gateway will use the mock backend")
	case "openai":
		if cfg.Bridge.APIKey == "" {
			errs = append(errs, errors.New("bridge.api_key is required for the openai bridge"))
		}
	case "cascade":
		if cfg.Bridge.STT.URL == "" {
			errs = append(errs, errors.New("bridge.stt.url is required for the cascade bridge"))
		}
		if cfg.Bridge.TTS.URL == "" {
			errs = append(errs, errors.New("bridge.tts.url is required for the cascade bridge"))
		}
	default:
		if !slices.Contains(ValidBridgeNames, cfg.Bridge.Name) {
			slog.Warn("unknown bridge name: may be a typo or third-party bridge",
				"name", cfg.Bridge.Name,
				"known", ValidBridgeNames,
			)
		}
	}

	return errors.Join(errs...)
}
