// Package models defines the shared data model for Spider: conversations,
// messages, tools, MCP server records, and the wire shapes exchanged with
// chat clients. JSON field names are camelCase to match the browser UI.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Transport types for MCP servers.
const (
	TransportWebSocket = "websocket"
	TransportStdio     = "stdio"
	TransportHTTP      = "http"
	TransportHypergrid = "hypergrid"
)

// Message is one turn in a conversation. At most one of ToolCallsJSON and
// ToolResultsJSON is populated; both hold JSON-encoded arrays kept as strings
// so they round-trip through storage untouched.
type Message struct {
	Role            string `json:"role"`
	Content         string `json:"content"`
	ToolCallsJSON   string `json:"toolCallsJson,omitempty"`
	ToolResultsJSON string `json:"toolResultsJson,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// ToolCall is a single tool invocation requested by the LLM. Parameters is
// the JSON-encoded argument object as the LLM produced it.
type ToolCall struct {
	ID         string `json:"id"`
	ToolName   string `json:"tool_name"`
	Parameters string `json:"parameters"`
}

// ToolResult carries the outcome of one tool call back to the LLM.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
}

// ToolCalls decodes the message's tool calls, if any.
func (m *Message) ToolCalls() ([]ToolCall, error) {
	if m.ToolCallsJSON == "" {
		return nil, nil
	}
	var calls []ToolCall
	if err := json.Unmarshal([]byte(m.ToolCallsJSON), &calls); err != nil {
		return nil, fmt.Errorf("parse tool calls: %w", err)
	}
	return calls, nil
}

// ToolResults decodes the message's tool results, if any.
func (m *Message) ToolResults() ([]ToolResult, error) {
	if m.ToolResultsJSON == "" {
		return nil, nil
	}
	var results []ToolResult
	if err := json.Unmarshal([]byte(m.ToolResultsJSON), &results); err != nil {
		return nil, fmt.Errorf("parse tool results: %w", err)
	}
	return results, nil
}

// Tool is a named operation exposed by an MCP server. InputSchema is the
// canonical JSON Schema when the server provided one; Parameters is the
// legacy schema string kept for older servers.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  string `json:"parameters"`
	InputSchema string `json:"inputSchema,omitempty"`
}

// Schema returns the canonical schema string for the tool.
func (t *Tool) Schema() string {
	if t.InputSchema != "" {
		return t.InputSchema
	}
	return t.Parameters
}

// TransportConfig describes how to reach an MCP server. The hypergrid fields
// are only meaningful when TransportType is "hypergrid".
type TransportConfig struct {
	TransportType string   `json:"transportType"`
	Command       string   `json:"command,omitempty"`
	Args          []string `json:"args,omitempty"`
	URL           string   `json:"url,omitempty"`
	Token         string   `json:"token,omitempty"`
	ClientID      string   `json:"clientId,omitempty"`
	Node          string   `json:"node,omitempty"`
}

// McpServer is a configured MCP server and its discovered tool catalog.
type McpServer struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Transport TransportConfig `json:"transport"`
	Tools     []Tool          `json:"tools"`
	Connected bool            `json:"connected"`
}

// ConversationMetadata records where a conversation came from.
type ConversationMetadata struct {
	StartTime string `json:"startTime"`
	Client    string `json:"client"`
	FromStt   bool   `json:"fromStt"`
}

// Conversation is a committed chat: the full message sequence plus routing
// metadata. Messages are append-only once the conversation is returned.
type Conversation struct {
	ID          string               `json:"id"`
	Messages    []Message            `json:"messages"`
	Metadata    ConversationMetadata `json:"metadata"`
	LlmProvider string               `json:"llmProvider"`
	McpServers  []string             `json:"mcpServers"`
}

// ChatRequest starts an agentic chat. McpServers limits the tool catalog to
// the named servers; empty means all connected servers.
type ChatRequest struct {
	APIKey      string                `json:"apiKey"`
	Messages    []Message             `json:"messages"`
	LlmProvider string                `json:"llmProvider,omitempty"`
	McpServers  []string              `json:"mcpServers,omitempty"`
	Metadata    *ConversationMetadata `json:"metadata,omitempty"`
}

// ChatResponse is the terminal result of a chat. AllMessages holds every
// message the loop added beyond the request's initial messages; Response is
// always its last element.
type ChatResponse struct {
	ConversationID string    `json:"conversationId"`
	Response       Message   `json:"response"`
	AllMessages    []Message `json:"allMessages"`
}

// Now returns the current time as a message timestamp.
func Now() int64 {
	return time.Now().Unix()
}

// DefaultMetadata fills conversation metadata for requests that omit it.
func DefaultMetadata() ConversationMetadata {
	return ConversationMetadata{
		StartTime: time.Now().UTC().Format(time.RFC3339),
		Client:    "unknown",
		FromStt:   false,
	}
}
