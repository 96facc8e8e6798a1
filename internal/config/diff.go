package config

// ConfigDiff records the hot-reloadable deltas between two configs. Anything
// not listed here (listen address, session limits, bridge selection) needs a
// restart and is deliberately invisible to Diff.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged covers every detector tuning knob as a unit. Sessions
	// created after the reload use the new tuning; live sessions keep the
	// detector they started with.
	VADChanged bool
	NewVAD     VADConfig
}

// HasChanges reports whether applying the diff would do anything.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.VADChanged
}

// Diff compares two configs field by field over the reloadable subset.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}
	return d
}
