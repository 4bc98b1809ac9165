package config_test

import (
	"testing"

	"github.com/voxloop/voxloop/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Audio:  config.AudioConfig{InputGain: 1.0, OutputGain: 1.0},
	}
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.InputGainChanged || d.OutputGainChanged {
		t.Error("expected gain fields unchanged")
	}
}

func TestDiff_InputGainChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Audio: config.AudioConfig{InputGain: 1.0}}
	new := &config.Config{Audio: config.AudioConfig{InputGain: 1.5}}

	d := config.Diff(old, new)
	if !d.InputGainChanged {
		t.Error("expected InputGainChanged=true")
	}
	if d.NewInputGain != 1.5 {
		t.Errorf("expected NewInputGain=1.5, got %v", d.NewInputGain)
	}
	if d.Empty() {
		t.Error("expected non-empty diff")
	}
}

func TestDiff_OutputGainChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Audio: config.AudioConfig{OutputGain: 1.0}}
	new := &config.Config{Audio: config.AudioConfig{OutputGain: 0.5}}

	d := config.Diff(old, new)
	if !d.OutputGainChanged {
		t.Error("expected OutputGainChanged=true")
	}
	if d.NewOutputGain != 0.5 {
		t.Errorf("expected NewOutputGain=0.5, got %v", d.NewOutputGain)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Audio:  config.AudioConfig{InputGain: 1.0, OutputGain: 1.0},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		Audio:  config.AudioConfig{InputGain: 2.0, OutputGain: 0.8},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.InputGainChanged || !d.OutputGainChanged {
		t.Errorf("expected all fields changed, got %+v", d)
	}
	if d.NewLogLevel != config.LogWarn {
		t.Errorf("NewLogLevel = %q", d.NewLogLevel)
	}
}
