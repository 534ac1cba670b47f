package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Broker dispatches tool calls issued by the agent loop. Every failure mode
// comes back as an error-shaped result string rather than an error so the
// loop hands it to the model and keeps going.
type Broker struct {
	manager *Manager
	timeout time.Duration
	logger  *slog.Logger
}

// NewBroker creates a broker. timeout bounds one tool call end to end.
func NewBroker(manager *Manager, timeout time.Duration, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Broker{
		manager: manager,
		timeout: timeout,
		logger:  logger.With("component", "broker"),
	}
}

// Invoke executes one tool call and returns its result keyed by the call id.
func (b *Broker) Invoke(ctx context.Context, callID, toolName, paramsJSON string) string {
	start := time.Now()
	result := b.invoke(ctx, toolName, paramsJSON)
	b.logger.Debug("tool call finished",
		"call", callID,
		"tool", toolName,
		"duration", time.Since(start))
	return result
}

func (b *Broker) invoke(ctx context.Context, toolName, paramsJSON string) string {
	switch toolName {
	case ToolHypergridAuthorize, ToolHypergridSearch, ToolHypergridCall:
		return b.invokeHypergrid(ctx, toolName, paramsJSON)
	}

	serverID, ok := b.manager.FindTool(toolName)
	if !ok {
		return errorResult(fmt.Sprintf("Tool %s not found in any connected MCP server", toolName))
	}

	args := json.RawMessage(paramsJSON)
	if strings.TrimSpace(paramsJSON) == "" {
		args = json.RawMessage("{}")
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	raw, err := b.manager.CallTool(callCtx, serverID, toolName, args, b.timeout)
	if err != nil {
		b.logger.Warn("tool call failed", "tool", toolName, "server", serverID, "error", err)
		return errorResult(err.Error())
	}
	return extractResult(raw)
}

// invokeHypergrid serves the built-in hypergrid tools over HTTP, bypassing
// the websocket path entirely.
func (b *Broker) invokeHypergrid(ctx context.Context, toolName, paramsJSON string) string {
	hg := b.manager.Hypergrid()

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	switch toolName {
	case ToolHypergridAuthorize:
		var params struct {
			URL      string `json:"url"`
			Token    string `json:"token"`
			ClientID string `json:"client_id"`
			Node     string `json:"node"`
		}
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return errorResult(fmt.Sprintf("invalid hypergrid_authorize arguments: %v", err))
		}
		if err := b.manager.AuthorizeHypergrid(callCtx, params.URL, params.Token, params.ClientID, params.Node); err != nil {
			return errorResult(err.Error())
		}
		return "Hypergrid credentials validated"

	case ToolHypergridSearch:
		var params struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return errorResult(fmt.Sprintf("invalid hypergrid_search arguments: %v", err))
		}
		wrapped, err := hg.Search(callCtx, params.Query)
		if err != nil {
			return errorResult(err.Error())
		}
		return extractResult(json.RawMessage(wrapped))

	case ToolHypergridCall:
		var params struct {
			ProviderID   string     `json:"provider_id"`
			ProviderName string     `json:"provider_name"`
			CallArgs     [][]string `json:"call_args"`
		}
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return errorResult(fmt.Sprintf("invalid hypergrid_call arguments: %v", err))
		}
		args := make([][2]string, 0, len(params.CallArgs))
		for _, kv := range params.CallArgs {
			if len(kv) != 2 {
				return errorResult("hypergrid_call arguments must be [key, value] pairs")
			}
			args = append(args, [2]string{kv[0], kv[1]})
		}
		wrapped, err := hg.Call(callCtx, params.ProviderID, params.ProviderName, args)
		if err != nil {
			return errorResult(err.Error())
		}
		return extractResult(json.RawMessage(wrapped))
	}
	return errorResult(fmt.Sprintf("tool not found: %s", toolName))
}

// extractResult flattens an MCP tools/call result into the text the model
// reads. Unrecognized shapes pass through verbatim.
func extractResult(raw json.RawMessage) string {
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Content) == 0 {
		return string(raw)
	}

	var texts []string
	for _, item := range result.Content {
		if item.Type == "text" {
			texts = append(texts, item.Text)
		}
	}
	if len(texts) == 0 {
		return string(raw)
	}
	joined := strings.Join(texts, "\n")
	if result.IsError {
		return errorResult(joined)
	}
	return joined
}

func errorResult(msg string) string {
	data, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, msg)
	}
	return string(data)
}
