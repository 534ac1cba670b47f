// Package mcp maintains Spider's connections to MCP servers: the JSON-RPC
// websocket transport, the server registry with its reconnect policy, and
// the tool broker that dispatches tool calls and correlates responses.
package mcp

import (
	"encoding/json"
	"sync/atomic"

	"github.com/nick1udwig/spider/pkg/models"
)

// protocolVersion is the MCP revision Spider speaks.
const protocolVersion = "2024-11-05"

// Client identity sent in the initialize handshake.
const (
	clientName    = "spider"
	clientVersion = "1.0.0"
)

// request is an outbound JSON-RPC frame. Notifications carry no ID.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// frame is an inbound JSON-RPC frame: a response when ID is set, a server
// notification when Method is set.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return e.Message
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

// toolDescriptor is a tool as an MCP server advertises it.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (d *toolDescriptor) toModel() models.Tool {
	return models.Tool{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: string(d.InputSchema),
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolCallResult is the content envelope returned by tools/call.
type toolCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// channelCounter allocates process-wide channel ids, shared by MCP sockets
// and chat clients so every id in the logs is unambiguous. Ids start at 1000.
var channelCounter atomic.Uint64

func init() {
	channelCounter.Store(999)
}

// NextChannelID returns a fresh channel id.
func NextChannelID() uint64 {
	return channelCounter.Add(1)
}
