package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nick1udwig/spider/pkg/models"
)

// ReconnectPolicy shapes connection retries: a fixed number of attempts with
// exponential backoff between them.
type ReconnectPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultReconnectPolicy matches startup behavior: three attempts, one
// second doubling, capped at ten.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Attempts: 3, Initial: time.Second, Max: 10 * time.Second}
}

var errServerNotFound = fmt.Errorf("mcp server not found")

type serverEntry struct {
	server models.McpServer
	conn   *Conn
}

// Manager owns the MCP server registry: configured servers, their live
// connections, and the built-in hypergrid server.
type Manager struct {
	mu      sync.Mutex
	servers map[string]*serverEntry
	order   []string

	defaultURL string
	policy     ReconnectPolicy
	hypergrid  *Hypergrid
	onChange   func()
	logger     *slog.Logger
}

// NewManager creates a manager. defaultURL is dialed for servers configured
// without one; onChange may be nil.
func NewManager(defaultURL string, policy ReconnectPolicy, logger *slog.Logger, onChange func()) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		servers:    make(map[string]*serverEntry),
		defaultURL: defaultURL,
		policy:     policy,
		hypergrid:  NewHypergrid(),
		onChange:   onChange,
		logger:     logger.With("component", "mcp-manager"),
	}
	m.ensureHypergrid()
	return m
}

// Hypergrid returns the built-in hypergrid client.
func (m *Manager) Hypergrid() *Hypergrid {
	return m.hypergrid
}

// AuthorizeHypergrid validates credentials against the node and, on success,
// records the quadruple on the built-in server entry and persists it.
func (m *Manager) AuthorizeHypergrid(ctx context.Context, url, token, clientID, node string) error {
	if err := m.hypergrid.Authorize(ctx, url, token, clientID, node); err != nil {
		return err
	}
	m.recordHypergridCredentials(url, token, clientID, node)
	m.changed()
	return nil
}

func (m *Manager) recordHypergridCredentials(url, token, clientID, node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[HypergridServerName]
	if !ok {
		return
	}
	entry.server.Transport.URL = url
	entry.server.Transport.Token = token
	entry.server.Transport.ClientID = clientID
	entry.server.Transport.Node = node
}

// ensureHypergrid registers the built-in hypergrid server. It is always
// present and its tools are always listed; calls fail until authorized.
func (m *Manager) ensureHypergrid() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[HypergridServerName]; ok {
		return
	}
	m.servers[HypergridServerName] = &serverEntry{
		server: models.McpServer{
			ID:        HypergridServerName,
			Name:      HypergridServerName,
			Transport: models.TransportConfig{TransportType: models.TransportHypergrid},
			Tools:     hypergridTools(),
		},
	}
	m.order = append(m.order, HypergridServerName)
}

func hypergridTools() []models.Tool {
	return []models.Tool{
		{
			Name:        ToolHypergridAuthorize,
			Description: "Store Hypergrid node credentials and validate them with a probe request.",
			InputSchema: `{"type":"object","properties":{"url":{"type":"string"},"token":{"type":"string"},"client_id":{"type":"string"},"node":{"type":"string"}},"required":["url","token","client_id"]}`,
		},
		{
			Name:        ToolHypergridSearch,
			Description: "Search the Hypergrid provider registry.",
			InputSchema: `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`,
		},
		{
			Name:        ToolHypergridCall,
			Description: "Call a Hypergrid provider with named arguments.",
			InputSchema: `{"type":"object","properties":{"provider_id":{"type":"string"},"provider_name":{"type":"string"},"call_args":{"type":"array","items":{"type":"array","items":{"type":"string"}}}},"required":["provider_id","provider_name"]}`,
		},
	}
}

func (m *Manager) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}

// AddServer registers a server and attempts an initial connection with the
// retry policy. The server stays registered even if the connection fails.
func (m *Manager) AddServer(ctx context.Context, name string, transport models.TransportConfig) (models.McpServer, error) {
	if transport.TransportType == "" {
		transport.TransportType = models.TransportWebSocket
	}
	switch transport.TransportType {
	case models.TransportWebSocket, models.TransportStdio, models.TransportHTTP:
	case models.TransportHypergrid:
		return models.McpServer{}, fmt.Errorf("hypergrid is built in and cannot be added")
	default:
		return models.McpServer{}, fmt.Errorf("unknown transport type %q", transport.TransportType)
	}

	server := models.McpServer{
		ID:        uuid.NewString(),
		Name:      name,
		Transport: transport,
	}

	m.mu.Lock()
	m.servers[server.ID] = &serverEntry{server: server}
	m.order = append(m.order, server.ID)
	m.mu.Unlock()
	m.changed()

	if err := m.ConnectWithRetry(ctx, server.ID); err != nil {
		m.logger.Warn("initial connection failed", "server", server.ID, "error", err)
	}
	return m.serverByID(server.ID)
}

// RemoveServer disconnects and deletes a server.
func (m *Manager) RemoveServer(id string) error {
	if id == HypergridServerName {
		return fmt.Errorf("hypergrid is built in and cannot be removed")
	}

	m.mu.Lock()
	entry, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, errServerNotFound)
	}
	conn := entry.conn
	entry.conn = nil
	delete(m.servers, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.changed()
	return nil
}

// Connect dials a registered server once. Stdio and http configurations are
// carried over the same websocket endpoint on this platform.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, errServerNotFound)
	}
	if entry.server.Transport.TransportType == models.TransportHypergrid {
		m.mu.Unlock()
		return fmt.Errorf("hypergrid does not use a connection; call %s", ToolHypergridAuthorize)
	}
	if entry.conn != nil && entry.conn.State() == StateReady {
		m.mu.Unlock()
		return nil
	}
	url := entry.server.Transport.URL
	m.mu.Unlock()

	if url == "" {
		url = m.defaultURL
	}

	conn, err := Dial(ctx, id, url, m.logger, m.setTools, m.handleClose)
	if err != nil {
		return err
	}

	m.mu.Lock()
	entry, ok = m.servers[id]
	if !ok {
		// Removed while we were dialing.
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%s: %w", id, errServerNotFound)
	}
	replaced := entry.conn
	entry.conn = conn
	entry.server.Connected = true
	m.mu.Unlock()

	if replaced != nil {
		replaced.Close()
	}
	m.changed()
	return nil
}

// ConnectWithRetry dials with the manager's backoff policy.
func (m *Manager) ConnectWithRetry(ctx context.Context, id string) error {
	delay := m.policy.Initial
	var lastErr error
	for attempt := 1; attempt <= m.policy.Attempts; attempt++ {
		lastErr = m.Connect(ctx, id)
		if lastErr == nil {
			return nil
		}
		if attempt == m.policy.Attempts {
			break
		}
		m.logger.Debug("connection attempt failed, backing off",
			"server", id,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > m.policy.Max {
			delay = m.policy.Max
		}
	}
	return fmt.Errorf("connect %s after %d attempts: %w", id, m.policy.Attempts, lastErr)
}

// Disconnect closes a server's connection but keeps its registration.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, errServerNotFound)
	}
	conn := entry.conn
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// setTools replaces a server's cached tool catalog. Called by connections on
// the initial listing and on every tools/list_changed refresh.
func (m *Manager) setTools(id string, tools []models.Tool) {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if ok {
		entry.server.Tools = tools
	}
	m.mu.Unlock()
	if ok {
		m.changed()
	}
}

// handleClose marks a server disconnected and drops its cached tools so the
// catalog never advertises tools that cannot be called. A close reported by
// a connection that has already been replaced is ignored.
func (m *Manager) handleClose(c *Conn) {
	id := c.serverID
	m.mu.Lock()
	entry, ok := m.servers[id]
	if ok && entry.conn == c {
		entry.conn = nil
		entry.server.Connected = false
		entry.server.Tools = nil
	} else {
		ok = false
	}
	m.mu.Unlock()
	if ok {
		m.logger.Info("mcp server disconnected", "server", id)
		m.changed()
	}
}

// Servers returns the registry in insertion order.
func (m *Manager) Servers() []models.McpServer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.McpServer, 0, len(m.order))
	for _, id := range m.order {
		entry := m.servers[id]
		server := entry.server
		if id == HypergridServerName {
			server.Connected = m.hypergrid.Authorized()
		}
		out = append(out, server)
	}
	return out
}

// serverByID returns a copy of one server record.
func (m *Manager) serverByID(id string) (models.McpServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[id]
	if !ok {
		return models.McpServer{}, fmt.Errorf("%s: %w", id, errServerNotFound)
	}
	server := entry.server
	if id == HypergridServerName {
		server.Connected = m.hypergrid.Authorized()
	}
	return server, nil
}

// Restore loads persisted server configurations. Connections are attempted
// in the background with the retry policy; persisted hypergrid credentials
// are re-installed without a probe.
func (m *Manager) Restore(ctx context.Context, servers []models.McpServer) {
	for _, server := range servers {
		if server.ID == HypergridServerName || server.Transport.TransportType == models.TransportHypergrid {
			tc := server.Transport
			if tc.URL != "" && tc.Token != "" && tc.ClientID != "" {
				m.hypergrid.Restore(tc.URL, tc.Token, tc.ClientID, tc.Node)
				m.recordHypergridCredentials(tc.URL, tc.Token, tc.ClientID, tc.Node)
			}
			continue
		}
		stored := server
		stored.Connected = false
		stored.Tools = nil

		m.mu.Lock()
		if _, exists := m.servers[stored.ID]; !exists {
			m.servers[stored.ID] = &serverEntry{server: stored}
			m.order = append(m.order, stored.ID)
		}
		m.mu.Unlock()

		go func(id string) {
			if err := m.ConnectWithRetry(ctx, id); err != nil {
				m.logger.Warn("startup reconnect failed", "server", id, "error", err)
			}
		}(stored.ID)
	}
}

// Tools returns the union tool catalog across connected servers. filter
// limits the catalog to the named server ids or names; empty means all.
func (m *Manager) Tools(filter []string) []models.Tool {
	wanted := make(map[string]bool, len(filter))
	for _, f := range filter {
		wanted[f] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Tool
	for _, id := range m.order {
		entry := m.servers[id]
		if len(wanted) > 0 && !wanted[entry.server.ID] && !wanted[entry.server.Name] {
			continue
		}
		if id == HypergridServerName {
			out = append(out, entry.server.Tools...)
			continue
		}
		if !entry.server.Connected {
			continue
		}
		out = append(out, entry.server.Tools...)
	}
	return out
}

// FindTool locates the server currently advertising a tool.
func (m *Manager) FindTool(name string) (serverID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		entry := m.servers[id]
		for _, tool := range entry.server.Tools {
			if tool.Name == name {
				return id, true
			}
		}
	}
	return "", false
}

// CallTool dispatches a tool call to the owning server's connection.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	entry, ok := m.servers[serverID]
	var conn *Conn
	if ok {
		conn = entry.conn
	}
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", serverID, errServerNotFound)
	}
	if conn == nil {
		return nil, fmt.Errorf("server %s: %w", serverID, ErrConnectionClosed)
	}
	return conn.CallTool(ctx, name, args, timeout)
}
