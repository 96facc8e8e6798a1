// Package config provides the configuration schema, loader, and bridge
// registry for the Talkwire voice gateway.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Talkwire server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. An empty or unknown level maps to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration wraps [time.Duration] so values can be written in YAML as "30m" or
// "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Talkwire.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	VAD     VADConfig     `yaml:"vad"`
	Session SessionConfig `yaml:"session"`
	Bridge  BridgeConfig  `yaml:"bridge"`
}

// ServerConfig holds network and logging settings for the Talkwire server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// VADConfig tunes the energy-based voice activity detector.
type VADConfig struct {
	// Threshold is the RMS energy (in PCM sample units, 0-32767) above
	// which audio counts as potential voice. 0 uses the built-in default.
	Threshold float64 `yaml:"threshold"`

	// ActivationMS is how long energy must stay above the threshold before
	// voice is reported, in milliseconds.
	ActivationMS int `yaml:"activation_ms"`

	// EndSilenceMS is how long silence must last, after voice, before the
	// utterance is considered finished, in milliseconds.
	EndSilenceMS int `yaml:"end_silence_ms"`
}

// SessionConfig tunes session lifecycle management.
type SessionConfig struct {
	// IdleTimeout closes sessions with no inbound traffic for this long.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// SweepInterval is how often idle sessions are checked for.
	SweepInterval Duration `yaml:"sweep_interval"`

	// BufferCapacity caps the per-session utterance buffer, in frames.
	BufferCapacity int `yaml:"buffer_capacity"`

	// BackendTimeout bounds each speech backend call.
	BackendTimeout Duration `yaml:"backend_timeout"`

	// InterruptGrace bounds how long barge-in waits for a cancelled
	// response to wind down.
	InterruptGrace Duration `yaml:"interrupt_grace"`

	// MaxTurns bounds the retained conversation history per session.
	MaxTurns int `yaml:"max_turns"`
}

// BridgeConfig selects and configures the speech backend. Name is used to
// look up the constructor in the [Registry].
type BridgeConfig struct {
	// Name selects the registered bridge implementation (e.g., "openai",
	// "cascade", "mock").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the backend's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the response-generation model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Voice selects the synthesis voice, when the backend supports it.
	Voice string `yaml:"voice"`

	// STT configures the transcription stage for bridges that split the
	// pipeline across services (e.g., the cascade bridge's whisper server).
	STT BridgeEndpoint `yaml:"stt"`

	// TTS configures the synthesis stage for split-pipeline bridges.
	TTS BridgeEndpoint `yaml:"tts"`

	// Options holds bridge-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// BridgeEndpoint points one pipeline stage of a split bridge at a service.
type BridgeEndpoint struct {
	// URL is the service endpoint (e.g., "http://localhost:9000").
	URL string `yaml:"url"`

	// Model selects a model within the service, where applicable.
	Model string `yaml:"model"`
}
