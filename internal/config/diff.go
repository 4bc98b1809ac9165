package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InputGainChanged bool
	NewInputGain     float64

	OutputGainChanged bool
	NewOutputGain     float64
}

// Empty reports whether no hot-reloadable field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.InputGainChanged && !d.OutputGainChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio.InputGain != new.Audio.InputGain {
		d.InputGainChanged = true
		d.NewInputGain = new.Audio.InputGain
	}

	if old.Audio.OutputGain != new.Audio.OutputGain {
		d.OutputGainChanged = true
		d.NewOutputGain = new.Audio.OutputGain
	}

	return d
}
