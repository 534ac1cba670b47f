package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nick1udwig/spider/pkg/models"
)

// Connection lifecycle states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateInitializing = "initializing"
	StateReady        = "ready"
	StateClosed       = "closed"
)

var (
	ErrConnectionClosed = errors.New("mcp connection closed")
	ErrCallTimeout      = errors.New("mcp call timed out")
)

// handshakeTimeout bounds the initialize and tools/list exchanges.
const handshakeTimeout = 30 * time.Second

// Conn is one live websocket to an MCP server. Responses are correlated to
// callers through per-request channels; the read loop owns the socket until
// it closes.
type Conn struct {
	serverID  string
	channelID uint64
	ws        *websocket.Conn
	logger    *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	state   string
	pending map[string]chan *frame

	// onTools is invoked with every refreshed tool catalog, onClose once
	// when the socket dies.
	onTools func(serverID string, tools []models.Tool)
	onClose func(*Conn)
}

// Dial connects to an MCP server, performs the initialize handshake, and
// fetches the initial tool catalog. The returned connection is Ready.
func Dial(ctx context.Context, serverID, url string, logger *slog.Logger, onTools func(string, []models.Tool), onClose func(*Conn)) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		serverID:  serverID,
		channelID: NextChannelID(),
		logger:    logger.With("component", "mcp", "server", serverID),
		state:     StateConnecting,
		pending:   make(map[string]chan *frame),
		onTools:   onTools,
		onClose:   onClose,
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.ws = ws
	c.setState(StateInitializing)
	go c.readLoop()

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}

	tools, err := c.listTools(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.setState(StateReady)
	if c.onTools != nil {
		c.onTools(c.serverID, tools)
	}
	c.logger.Info("mcp server connected", "channel", c.channelID, "tools", len(tools))
	return c, nil
}

// ChannelID returns the channel id assigned to this connection.
func (c *Conn) ChannelID() uint64 {
	return c.channelID
}

// State returns the connection state.
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Conn) initialize(ctx context.Context) error {
	id := fmt.Sprintf("init_%d", c.channelID)
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}
	if _, err := c.call(ctx, id, "initialize", params, handshakeTimeout); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.send(request{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

func (c *Conn) listTools(ctx context.Context) ([]models.Tool, error) {
	id := fmt.Sprintf("tools_%d", c.channelID)
	raw, err := c.call(ctx, id, "tools/list", nil, handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	tools := make([]models.Tool, 0, len(result.Tools))
	for i := range result.Tools {
		tools = append(tools, result.Tools[i].toModel())
	}
	return tools, nil
}

// CallTool invokes a tool and returns the raw tools/call result.
func (c *Conn) CallTool(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	id := fmt.Sprintf("tool_%d_%s", c.channelID, uuid.NewString())
	return c.call(ctx, id, "tools/call", toolCallParams{Name: name, Arguments: args}, timeout)
}

// call sends a request and blocks until its response, the timeout, or
// cancellation. On timeout the pending entry is removed; a response that
// arrives later is dropped by the read loop as orphaned.
func (c *Conn) call(ctx context.Context, id, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ch := make(chan *frame, 1)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrCallTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Conn) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) send(req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(&req); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("unparseable mcp frame", "error", err)
			continue
		}

		if f.Method != "" {
			c.handleNotification(&f)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()

		if !ok {
			// Late reply to a timed-out call, or an id we never issued.
			c.logger.Debug("dropping orphaned mcp response", "id", f.ID)
			continue
		}
		ch <- &f
	}
}

func (c *Conn) handleNotification(f *frame) {
	switch f.Method {
	// Servers differ on whether the notification prefix is included.
	case "notifications/tools/list_changed", "tools/list_changed":
		c.logger.Debug("tool catalog changed, refreshing")
		go c.refreshTools()
	default:
		c.logger.Debug("ignoring mcp notification", "method", f.Method)
	}
}

func (c *Conn) refreshTools() {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	tools, err := c.listTools(ctx)
	if err != nil {
		c.logger.Warn("tool catalog refresh failed", "error", err)
		return
	}
	if c.onTools != nil {
		c.onTools(c.serverID, tools)
	}
}

// shutdown tears the connection down after a read failure: every waiter is
// released with a closed channel and the owner is notified once.
func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	pending := c.pending
	c.pending = make(map[string]chan *frame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.ws.Close()

	if !errors.Is(cause, websocket.ErrCloseSent) {
		c.logger.Info("mcp connection closed", "channel", c.channelID, "cause", cause)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

// Close terminates the connection from our side.
func (c *Conn) Close() {
	c.ws.Close()
	c.shutdown(ErrConnectionClosed)
}
