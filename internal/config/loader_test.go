package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  log_level: debug
  metrics_addr: ":9090"
provider:
  backend: gemini-live
  api_key: test-key
  model: gemini-2.0-flash-live-001
  voice: Puck
audio:
  input_rate: 16000
  output_rate: 24000
  frame_duration: 20ms
  codec: pcm16
session:
  instructions: "You are a concise assistant."
  backoff_base: 2s
  max_reconnects: 4
summariser:
  backend: openai
  api_key: sum-key
  model: gpt-4o-mini
  threshold: 8
storage:
  postgres_dsn: "postgres://localhost/voxloop"
mcp:
  servers:
    - name: files
      transport: stdio
      command: "mcp-files --root /tmp"
    - name: search
      transport: streamable-http
      url: "https://mcp.example.com/mcp"
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
	if cfg.Provider.Backend != BackendGeminiLive || cfg.Provider.Voice != "Puck" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Audio.FrameDuration != 20*time.Millisecond {
		t.Errorf("frame duration = %v", cfg.Audio.FrameDuration)
	}
	if cfg.Session.BackoffBase != 2*time.Second || cfg.Session.MaxReconnects != 4 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Summariser.Threshold != 8 {
		t.Errorf("threshold = %d", cfg.Summariser.Threshold)
	}
	if len(cfg.MCP.Servers) != 2 || cfg.MCP.Servers[1].URL == "" {
		t.Errorf("mcp servers = %+v", cfg.MCP.Servers)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	minimal := `
provider:
  backend: openai-realtime
  api_key: k
`
	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("default log level = %q", cfg.Server.LogLevel)
	}
	if cfg.Audio.InputRate != 16000 || cfg.Audio.OutputRate != 24000 {
		t.Errorf("default rates = %d/%d", cfg.Audio.InputRate, cfg.Audio.OutputRate)
	}
	if cfg.Audio.FrameDuration != 20*time.Millisecond {
		t.Errorf("default frame duration = %v", cfg.Audio.FrameDuration)
	}
	if cfg.Audio.Codec != CodecPCM16 {
		t.Errorf("default codec = %q", cfg.Audio.Codec)
	}
	if cfg.Audio.InputGain != 1.0 || cfg.Audio.OutputGain != 1.0 {
		t.Errorf("default gains = %v/%v", cfg.Audio.InputGain, cfg.Audio.OutputGain)
	}
	if cfg.Session.BackoffBase != time.Second || cfg.Session.MaxReconnects != 5 {
		t.Errorf("default session = %+v", cfg.Session)
	}
	if cfg.Summariser.Threshold != 10 || cfg.Summariser.MaxTokens != 512 {
		t.Errorf("default summariser = %+v", cfg.Summariser)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	bad := `
provider:
  backend: gemini-live
  api_key: k
  flavour: vanilla
`
	if _, err := LoadFromReader(strings.NewReader(bad)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Provider.Backend = "smoke-signals"
	cfg.MCP.Servers = []MCPServerConfig{
		{Name: "", Transport: "stdio"},
		{Name: "a", Transport: "carrier-pigeon"},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"server.log_level",
		"provider.backend",
		"provider.api_key",
		"mcp.servers[0].name",
		"mcp.servers[1].transport",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestValidate_MCPTransportRequirements(t *testing.T) {
	cfg := &Config{
		Provider: ProviderConfig{Backend: BackendGeminiLive, APIKey: "k"},
		MCP: MCPConfig{Servers: []MCPServerConfig{
			{Name: "files", Transport: "stdio"},
			{Name: "search", Transport: "streamable-http"},
		}},
	}
	ApplyDefaults(cfg)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	if !strings.Contains(msg, "command is required") {
		t.Errorf("missing stdio command error: %v", err)
	}
	if !strings.Contains(msg, "url is required") {
		t.Errorf("missing http url error: %v", err)
	}
}

func TestValidate_DuplicateServerNames(t *testing.T) {
	cfg := &Config{
		Provider: ProviderConfig{Backend: BackendGeminiLive, APIKey: "k"},
		MCP: MCPConfig{Servers: []MCPServerConfig{
			{Name: "files", Transport: "stdio", Command: "a"},
			{Name: "files", Transport: "stdio", Command: "b"},
		}},
	}
	ApplyDefaults(cfg)

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v, want duplicate name error", err)
	}
}

func TestValidate_SummariserRequiresModel(t *testing.T) {
	cfg := &Config{
		Provider:   ProviderConfig{Backend: BackendGeminiLive, APIKey: "k"},
		Summariser: SummariserConfig{Backend: "openai"},
	}
	ApplyDefaults(cfg)

	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "summariser.model") {
		t.Fatalf("err = %v, want summariser.model error", err)
	}
}

func TestValidate_SummariserFallbacks(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			Provider: ProviderConfig{Backend: BackendGeminiLive, APIKey: "k"},
			Summariser: SummariserConfig{
				Backend: "openai",
				Model:   "gpt-4o-mini",
			},
		}
		ApplyDefaults(cfg)
		return cfg
	}

	cfg := base()
	cfg.Summariser.Fallbacks = []SummariserEndpoint{
		{Backend: "ollama", Model: "llama3.2"},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid fallback rejected: %v", err)
	}

	cfg = base()
	cfg.Summariser.Fallbacks = []SummariserEndpoint{{Backend: "ollama"}}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "summariser.fallbacks[0].model") {
		t.Fatalf("err = %v, want fallback model error", err)
	}

	cfg = base()
	cfg.Summariser.Backend = ""
	cfg.Summariser.Model = ""
	cfg.Summariser.Fallbacks = []SummariserEndpoint{
		{Backend: "ollama", Model: "llama3.2"},
	}
	err = Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "summariser.fallbacks requires") {
		t.Fatalf("err = %v, want fallbacks-without-backend error", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxloop.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "test-key" {
		t.Errorf("api key = %q", cfg.Provider.APIKey)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("VOXLOOP_TEST_KEY", "from-env")

	yamlWithEnv := strings.Replace(validYAML, "api_key: test-key", "api_key: ${VOXLOOP_TEST_KEY}", 1)
	path := filepath.Join(t.TempDir(), "voxloop.yaml")
	if err := os.WriteFile(path, []byte(yamlWithEnv), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "from-env" {
		t.Errorf("api key = %q, want from-env", cfg.Provider.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
