// Package mcp launches and supervises external tool-server processes and
// exports their tools into the agent's registry under namespaced names.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/batalabs/loopd/internal/provider"
	"github.com/batalabs/loopd/internal/tools"
)

// connectTimeout bounds connecting to (and listing tools from) one server.
var connectTimeout = 30 * time.Second

// shutdownTimeout is how long StopAll waits for each server's graceful
// exit before accepting partial shutdown.
const shutdownTimeout = 5 * time.Second

// serverStatus describes the connection state of an MCP server.
type serverStatus int

const (
	statusDisconnected serverStatus = iota
	statusConnecting
	statusConnected
	statusError
)

func (s serverStatus) String() string {
	switch s {
	case statusDisconnected:
		return "disconnected"
	case statusConnecting:
		return "connecting"
	case statusConnected:
		return "connected"
	case statusError:
		return "error"
	default:
		return "unknown"
	}
}

// serverConn holds the state for a single MCP server connection.
type serverConn struct {
	name    string
	config  ServerConfig
	session *mcpsdk.ClientSession
	tools   []*mcpsdk.Tool
	kill    func()
	status  serverStatus
	lastErr error
}

// Manager manages MCP server connections and tool discovery.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*serverConn
}

// NewManager creates an MCP server manager.
func NewManager() *Manager {
	return &Manager{servers: make(map[string]*serverConn)}
}

// newTransport creates the appropriate MCP transport. Extracted for
// testability.
var newTransport = defaultNewTransport

func defaultNewTransport(sc ServerConfig) (mcpsdk.Transport, func()) {
	switch sc.Transport {
	case "http":
		return &mcpsdk.StreamableClientTransport{Endpoint: sc.URL}, func() {}
	default: // stdio
		cmd := exec.Command(sc.Command, sc.Args...)
		// Subprocess environment merges the parent environment with
		// per-server overrides.
		cmd.Env = os.Environ()
		for k, v := range sc.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, func() {
			if cmd.Process != nil {
				// The child may already have exited; Kill errors are moot.
				_ = cmd.Process.Kill()
			}
		}
	}
}

// StartAll connects to all configured MCP servers. Individual connection
// failures are logged but never fatal; tools from failed servers are
// simply absent from the registry.
func (m *Manager) StartAll(ctx context.Context, configs map[string]ServerConfig) {
	for name, sc := range configs {
		conn := &serverConn{
			name:   name,
			config: sc,
			status: statusConnecting,
		}
		m.mu.Lock()
		m.servers[name] = conn
		m.mu.Unlock()

		if err := m.connectServer(ctx, conn); err != nil {
			m.mu.Lock()
			conn.status = statusError
			conn.lastErr = err
			m.mu.Unlock()
			log.Error("mcp server failed to connect", "server", name, "err", err)
			continue
		}

		m.mu.Lock()
		conn.status = statusConnected
		m.mu.Unlock()
		log.Info("mcp server connected", "server", name, "tools", len(conn.tools))
	}
}

func (m *Manager) connectServer(ctx context.Context, conn *serverConn) error {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "loopd",
		Version: "1.0",
	}, nil)

	transport, kill := newTransport(conn.config)

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	session, err := client.Connect(connCtx, transport, nil)
	if err != nil {
		kill()
		return fmt.Errorf("connecting: %w", err)
	}
	conn.kill = kill
	conn.session = session

	listCtx, listCancel := context.WithTimeout(ctx, connectTimeout)
	defer listCancel()

	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		kill()
		return fmt.Errorf("listing tools: %w", err)
	}
	conn.tools = result.Tools
	return nil
}

// StopAll shuts every server down, allowing each up to 5 seconds of grace
// before forcing the subprocess to exit. Partial shutdown is accepted.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.servers {
		if conn.session != nil {
			done := make(chan struct{})
			session := conn.session
			go func() {
				if err := session.Close(); err != nil {
					log.Debug("mcp session close", "server", conn.name, "err", err)
				}
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(shutdownTimeout):
				log.Warn("mcp server shutdown timed out", "server", conn.name)
			}
		}
		if conn.kill != nil {
			conn.kill()
		}
		conn.status = statusDisconnected
	}
}

// CallTool invokes an MCP tool on the named server and returns its joined
// text content. A remote-reported error comes back as (text, true).
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (string, bool) {
	m.mu.RLock()
	conn, ok := m.servers[serverName]
	m.mu.RUnlock()

	if !ok {
		return fmt.Sprintf("MCP server %q not found", serverName), true
	}
	if conn.status != statusConnected || conn.session == nil {
		errMsg := fmt.Sprintf("MCP server %q is unavailable", serverName)
		if conn.lastErr != nil {
			errMsg += ": " + conn.lastErr.Error()
		}
		return errMsg, true
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := conn.session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "MCP tool call timed out after 30s", true
		}
		return fmt.Sprintf("MCP tool call failed: %v", err), true
	}
	if result == nil {
		return "MCP server returned empty response", true
	}

	text := extractTextContent(result.Content)
	if text == "" {
		text = "(no output)"
	}
	return text, result.IsError
}

// extractTextContent concatenates text from MCP Content items with
// newlines.
func extractTextContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Tools returns proxies for every discovered tool, named
// "server__toolname", ready to register alongside the builtins.
func (m *Manager) Tools() []tools.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var proxies []tools.Tool
	for _, conn := range m.servers {
		if conn.status != statusConnected {
			continue
		}
		for _, tool := range conn.tools {
			proxies = append(proxies, &proxyTool{
				manager:  m,
				server:   conn.name,
				toolName: tool.Name,
				spec:     ToToolSpec(conn.name, tool),
			})
		}
	}
	return proxies
}

// ToolNames returns a sorted list of all exported tool names.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, conn := range m.servers {
		if conn.status != statusConnected {
			continue
		}
		for _, tool := range conn.tools {
			names = append(names, NamespacedName(conn.name, tool.Name))
		}
	}
	sort.Strings(names)
	return names
}

// ServerStatuses returns the connection status for each server.
func (m *Manager) ServerStatuses() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]string, len(m.servers))
	for name, conn := range m.servers {
		s := conn.status.String()
		if conn.lastErr != nil && conn.status == statusError {
			s += ": " + conn.lastErr.Error()
		}
		statuses[name] = s
	}
	return statuses
}

// proxyTool adapts one remote MCP tool to the local Tool contract.
type proxyTool struct {
	manager  *Manager
	server   string
	toolName string
	spec     provider.ToolSpec
}

func (p *proxyTool) Spec() provider.ToolSpec { return p.spec }

// IsMutating is false for remote tools: the runtime cannot see their side
// effects, so checkpoint participation comes from the configured allowlist.
func (p *proxyTool) IsMutating() bool { return false }

func (p *proxyTool) Execute(input map[string]any) (string, error) {
	text, isErr := p.manager.CallTool(context.Background(), p.server, p.toolName, input)
	if isErr {
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}
