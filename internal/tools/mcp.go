package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxloop/voxloop/pkg/provider/realtime"
)

// MCPTransport selects the connection mechanism for an MCP server.
type MCPTransport string

const (
	// MCPTransportStdio spawns a subprocess and speaks MCP over stdin/stdout.
	MCPTransportStdio MCPTransport = "stdio"

	// MCPTransportStreamableHTTP speaks MCP over streamable HTTP.
	MCPTransportStreamableHTTP MCPTransport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t MCPTransport) IsValid() bool {
	return t == MCPTransportStdio || t == MCPTransportStreamableHTTP
}

// MCPServerConfig describes how to connect to a single MCP server.
type MCPServerConfig struct {
	// Name is the human-readable identifier for this server. Must be unique
	// within a single MCPSource. Used in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport MCPTransport

	// Command is the executable path with optional space-separated arguments,
	// used when Transport is stdio. Ignored otherwise.
	Command string

	// URL is the endpoint address used when Transport is streamable-http.
	// Ignored for stdio.
	URL string

	// Env holds additional environment variables injected into the server
	// process when Transport is stdio. May be nil.
	Env map[string]string
}

// mcpConn holds a live connection to an external MCP server.
type mcpConn struct {
	session *mcpsdk.ClientSession
}

// MCPSource connects to MCP servers and registers their tool catalogues on a
// Dispatcher. Each discovered tool becomes a handler that routes the call to
// the owning server session.
type MCPSource struct {
	mu      sync.Mutex
	client  *mcpsdk.Client
	servers map[string]mcpConn
}

// NewMCPSource creates a ready-to-use MCPSource. A single SDK client is
// reused across all server connections.
func NewMCPSource() *MCPSource {
	return &MCPSource{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxloop", Version: "1.0.0"},
			nil,
		),
		servers: make(map[string]mcpConn),
	}
}

// RegisterServer connects to the MCP server described by cfg, discovers its
// tool catalogue and registers every tool on d. If a server with the same
// Name is already registered, the old connection is closed and replaced.
func (s *MCPSource) RegisterServer(ctx context.Context, d *Dispatcher, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: mcp server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown mcp transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case MCPTransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio mcp server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http mcp server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to mcp server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for mcp server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	s.mu.Lock()
	if old, ok := s.servers[cfg.Name]; ok {
		_ = old.session.Close()
	}
	s.servers[cfg.Name] = mcpConn{session: session}
	s.mu.Unlock()

	for _, t := range discovered {
		def := realtime.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		}
		if err := d.Register(def, s.handlerFor(cfg.Name, t.Name)); err != nil {
			return fmt.Errorf("tools: register mcp tool %q: %w", t.Name, err)
		}
	}

	return nil
}

// handlerFor builds a Handler that routes calls to the named server session.
func (s *MCPSource) handlerFor(serverName, toolName string) Handler {
	return func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
		s.mu.Lock()
		conn, ok := s.servers[serverName]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("mcp server %q not connected", serverName)
		}

		var argsMap map[string]any
		if len(args) > 0 {
			if err := json.Unmarshal(args, &argsMap); err != nil {
				return nil, fmt.Errorf("invalid args for mcp tool %q: %w", toolName, err)
			}
		}

		callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: argsMap,
		})
		if err != nil {
			return nil, fmt.Errorf("mcp tool %q: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range callResult.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}

		if callResult.IsError {
			return nil, fmt.Errorf("mcp tool %q: %s", toolName, sb.String())
		}
		return map[string]any{"output": sb.String()}, nil
	}
}

// Close shuts down all server connections. After Close returns the source
// must not be used again.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, conn := range s.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close mcp server %q: %w", name, err)
		}
		delete(s.servers, name)
	}
	return firstErr
}

// splitCommand splits a command string on spaces into executable and args.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
