package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxloop/voxloop/internal/tools"
)

// ValidSummariserBackends lists known summariser backend names. Used by
// [Validate] to warn about unrecognised names. "openai-direct" talks to the
// OpenAI API through its own SDK client; the rest route through any-llm.
var ValidSummariserBackends = []string{
	"openai", "openai-direct", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path, expands $VAR and ${VAR}
// environment references, and returns a validated [Config] with defaults
// applied.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(raw))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.InputRate == 0 {
		cfg.Audio.InputRate = 16000
	}
	if cfg.Audio.OutputRate == 0 {
		cfg.Audio.OutputRate = 24000
	}
	if cfg.Audio.FrameDuration == 0 {
		cfg.Audio.FrameDuration = 20 * time.Millisecond
	}
	if cfg.Audio.InputGain == 0 {
		cfg.Audio.InputGain = 1.0
	}
	if cfg.Audio.OutputGain == 0 {
		cfg.Audio.OutputGain = 1.0
	}
	if cfg.Audio.Codec == "" {
		cfg.Audio.Codec = CodecPCM16
	}
	if cfg.Session.BackoffBase == 0 {
		cfg.Session.BackoffBase = time.Second
	}
	if cfg.Session.MaxReconnects == 0 {
		cfg.Session.MaxReconnects = 5
	}
	if cfg.Session.OutboundQueue == 0 {
		cfg.Session.OutboundQueue = 32
	}
	if cfg.Summariser.Threshold == 0 {
		cfg.Summariser.Threshold = 10
	}
	if cfg.Summariser.MaxTokens == 0 {
		cfg.Summariser.MaxTokens = 512
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found; advisory findings are
// logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	if cfg.Provider.Backend == "" {
		errs = append(errs, fmt.Errorf("provider.backend is required; valid values: gemini-live, openai-realtime"))
	} else if !cfg.Provider.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("provider.backend %q is invalid; valid values: gemini-live, openai-realtime", cfg.Provider.Backend))
	}
	if cfg.Provider.APIKey == "" {
		errs = append(errs, fmt.Errorf("provider.api_key is required"))
	}

	// Audio
	if cfg.Audio.InputRate < 0 || cfg.Audio.OutputRate < 0 {
		errs = append(errs, fmt.Errorf("audio sample rates must be positive"))
	}
	if cfg.Audio.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration must be positive"))
	}
	if cfg.Audio.Codec != "" && !cfg.Audio.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: pcm16, opus", cfg.Audio.Codec))
	}
	if cfg.Audio.InputGain < 0 || cfg.Audio.OutputGain < 0 {
		errs = append(errs, fmt.Errorf("audio gains must not be negative"))
	}

	// Session
	if cfg.Session.BackoffBase < 0 {
		errs = append(errs, fmt.Errorf("session.backoff_base must not be negative"))
	}
	if cfg.Session.MaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("session.max_reconnects must not be negative"))
	}

	// Summariser
	if cfg.Summariser.Backend != "" {
		if !slices.Contains(ValidSummariserBackends, cfg.Summariser.Backend) {
			slog.Warn("unknown summariser backend, may be a typo",
				"backend", cfg.Summariser.Backend,
				"known", ValidSummariserBackends,
			)
		}
		if cfg.Summariser.Model == "" {
			errs = append(errs, fmt.Errorf("summariser.model is required when summariser.backend is set"))
		}
	} else {
		slog.Info("no summariser backend configured; context compaction is disabled")
		if len(cfg.Summariser.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("summariser.fallbacks requires summariser.backend to be set"))
		}
	}
	if cfg.Summariser.Threshold < 0 {
		errs = append(errs, fmt.Errorf("summariser.threshold must not be negative"))
	}
	for i, fb := range cfg.Summariser.Fallbacks {
		prefix := fmt.Sprintf("summariser.fallbacks[%d]", i)
		if fb.Backend == "" {
			errs = append(errs, fmt.Errorf("%s.backend is required", prefix))
		}
		if fb.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; snapshots are kept in memory only")
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == tools.MCPTransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == tools.MCPTransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
