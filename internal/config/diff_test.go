package config_test

import (
	"testing"

	"github.com/talkwire/talkwire/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.LogLevel = config.LogInfo
	cfg.VAD = config.VADConfig{Threshold: 300, ActivationMS: 10, EndSilenceMS: 500}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	old := baseConfig()
	new := baseConfig()

	d := config.Diff(old, new)
	if d.HasChanges() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want debug", d.NewLogLevel)
	}
	if d.VADChanged {
		t.Error("VADChanged should be false")
	}
	if !d.HasChanges() {
		t.Error("HasChanges should be true")
	}
}

func TestDiff_VADChanged(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.VAD.Threshold = 500

	d := config.Diff(old, new)
	if !d.VADChanged {
		t.Fatal("expected VADChanged=true")
	}
	if d.NewVAD.Threshold != 500 {
		t.Errorf("NewVAD.Threshold: got %.1f, want 500", d.NewVAD.Threshold)
	}
	if d.LogLevelChanged {
		t.Error("LogLevelChanged should be false")
	}
}

func TestDiff_NonReloadableChangeIgnored(t *testing.T) {
	// Listen address changes need a restart and must not show up in the diff.
	old := baseConfig()
	new := baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Session.BufferCapacity = 128

	d := config.Diff(old, new)
	if d.HasChanges() {
		t.Errorf("expected no hot-reloadable changes, got %+v", d)
	}
}
