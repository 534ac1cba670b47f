package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nick1udwig/spider/internal/agent"
	"github.com/nick1udwig/spider/internal/keys"
	"github.com/nick1udwig/spider/internal/mcp"
	"github.com/nick1udwig/spider/pkg/models"
)

// authDeadline bounds how long a fresh socket may sit unauthenticated.
const authDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The browser UI is served from the same origin; other clients use keys.
	CheckOrigin: func(*http.Request) bool { return true },
}

// inboundFrame is any client→server frame, distinguished by Type.
type inboundFrame struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`

	// chat fields
	Messages    []models.Message             `json:"messages,omitempty"`
	LlmProvider string                       `json:"llmProvider,omitempty"`
	McpServers  []string                     `json:"mcpServers,omitempty"`
	Metadata    *models.ConversationMetadata `json:"metadata,omitempty"`
}

// outboundFrame is any server→client frame.
type outboundFrame struct {
	Type      string               `json:"type"`
	Status    string               `json:"status,omitempty"`
	Message   any                  `json:"message,omitempty"`
	Iteration int                  `json:"iteration,omitempty"`
	ToolCalls []models.ToolCall    `json:"toolCalls,omitempty"`
	Payload   *models.ChatResponse `json:"payload,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// chatClient is one authenticated chat socket. Writes are serialized; at
// most one chat runs per channel at a time.
type chatClient struct {
	channelID uint64
	conn      *websocket.Conn
	apiKey    string

	writeMu sync.Mutex

	mu     sync.Mutex
	cancel *agent.CancelFlag
}

func (c *chatClient) send(f outboundFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(&f)
}

// activeCancel returns the running chat's flag, if any.
func (c *chatClient) activeCancel() *agent.CancelFlag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel
}

// beginChat installs a fresh cancel flag; fails if a chat is running.
func (c *chatClient) beginChat() (*agent.CancelFlag, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil, false
	}
	c.cancel = &agent.CancelFlag{}
	return c.cancel, true
}

func (c *chatClient) endChat() {
	c.mu.Lock()
	c.cancel = nil
	c.mu.Unlock()
}

// wsSink forwards loop events as websocket frames.
type wsSink struct {
	client *chatClient
}

func (s wsSink) Status(status, message string) {
	s.client.send(outboundFrame{Type: "status", Status: status, Message: message})
}

func (s wsSink) Stream(iteration int, message string, toolCalls []models.ToolCall) {
	s.client.send(outboundFrame{Type: "stream", Iteration: iteration, Message: message, ToolCalls: toolCalls})
}

func (s wsSink) Message(msg models.Message) {
	s.client.send(outboundFrame{Type: "message", Message: msg})
}

// handleWebSocket runs the chat socket protocol: authenticate first, then
// serve chat, cancel, and ping frames until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := &chatClient{
		channelID: mcp.NextChannelID(),
		conn:      conn,
	}

	conn.SetReadDeadline(time.Now().Add(authDeadline))
	var first inboundFrame
	if err := conn.ReadJSON(&first); err != nil || first.Type != "auth" {
		client.send(outboundFrame{Type: "auth_error", Error: "first frame must be auth"})
		return
	}
	if err := s.keys.Authorize(first.APIKey, keys.PermChat); err != nil {
		client.send(outboundFrame{Type: "auth_error", Error: err.Error()})
		return
	}
	client.apiKey = first.APIKey
	conn.SetReadDeadline(time.Time{})

	s.clientsMu.Lock()
	s.clients[client.channelID] = client
	s.clientsMu.Unlock()
	s.metrics.WsConnections.Inc()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client.channelID)
		s.clientsMu.Unlock()
		s.metrics.WsConnections.Dec()
		// A socket that dies mid-chat should not leave the loop running.
		if flag := client.activeCancel(); flag != nil {
			flag.Cancel()
		}
	}()

	client.send(outboundFrame{Type: "auth_success"})
	s.logger.Info("chat client connected", "channel", client.channelID)

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("chat socket closed", "channel", client.channelID, "error", err)
			}
			return
		}

		switch frame.Type {
		case "ping":
			client.send(outboundFrame{Type: "pong"})
		case "cancel":
			if flag := client.activeCancel(); flag != nil {
				flag.Cancel()
			}
		case "chat":
			s.startChat(r.Context(), client, frame)
		default:
			client.send(outboundFrame{Type: "error", Error: "unknown frame type: " + frame.Type})
		}
	}
}

// startChat launches the loop for one chat frame. The read loop stays free
// so cancel and ping frames keep working while the chat runs.
func (s *Server) startChat(ctx context.Context, client *chatClient, frame inboundFrame) {
	if err := s.keys.Authorize(client.apiKey, keys.PermWrite); err != nil {
		client.send(outboundFrame{Type: "error", Error: err.Error()})
		return
	}
	flag, ok := client.beginChat()
	if !ok {
		client.send(outboundFrame{Type: "error", Error: "a chat is already running on this channel"})
		return
	}

	req := models.ChatRequest{
		APIKey:      client.apiKey,
		Messages:    frame.Messages,
		LlmProvider: frame.LlmProvider,
		McpServers:  frame.McpServers,
		Metadata:    frame.Metadata,
	}

	go func() {
		defer client.endChat()

		resp, err := s.loop.Run(ctx, req, wsSink{client: client}, flag)
		if err != nil {
			status := "error"
			if errors.Is(err, agent.ErrCancelled) {
				status = "cancelled"
			}
			s.metrics.Chats.WithLabelValues(status).Inc()
			client.send(outboundFrame{Type: "error", Error: err.Error()})
			return
		}
		s.metrics.Chats.WithLabelValues("complete").Inc()
		client.send(outboundFrame{Type: "chat_complete", Payload: &resp})
	}()
}
