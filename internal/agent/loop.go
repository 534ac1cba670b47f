// Package agent runs Spider's agentic chat loop: resolve a credential, hand
// the conversation and tool catalog to the LLM, execute requested tool calls
// through the broker, and repeat until the model stops asking for tools.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nick1udwig/spider/internal/conversations"
	"github.com/nick1udwig/spider/internal/keys"
	"github.com/nick1udwig/spider/internal/mcp"
	"github.com/nick1udwig/spider/internal/provider"
	"github.com/nick1udwig/spider/internal/state"
	"github.com/nick1udwig/spider/pkg/models"
)

// ErrCancelled is returned when a chat is stopped by a cancel request.
var ErrCancelled = errors.New("Request cancelled by user")

// ErrNoProviderKey is returned when no credential can be resolved for the
// requested provider.
var ErrNoProviderKey = errors.New("no API key configured for provider")

// ProviderFactory builds a provider adapter from a type and credential.
// Injectable so tests can substitute a scripted provider.
type ProviderFactory func(providerType, credential string) (provider.Provider, error)

// Loop wires the chat pipeline together.
type Loop struct {
	keys          *keys.Store
	manager       *mcp.Manager
	broker        *mcp.Broker
	conversations *conversations.Store
	settings      *state.SettingsStore
	factory       ProviderFactory
	logger        *slog.Logger
}

// NewLoop creates the loop. factory may be nil, defaulting to provider.New.
func NewLoop(keyStore *keys.Store, manager *mcp.Manager, broker *mcp.Broker, convStore *conversations.Store, settings *state.SettingsStore, factory ProviderFactory, logger *slog.Logger) *Loop {
	if factory == nil {
		factory = provider.New
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		keys:          keyStore,
		manager:       manager,
		broker:        broker,
		conversations: convStore,
		settings:      settings,
		factory:       factory,
		logger:        logger.With("component", "agent"),
	}
}

// Run executes one chat to completion. sink receives progress events and
// may be nil; cancel may be nil when the caller cannot cancel.
func (l *Loop) Run(ctx context.Context, req models.ChatRequest, sink EventSink, cancel *CancelFlag) (models.ChatResponse, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if cancel == nil {
		cancel = &CancelFlag{}
	}
	if len(req.Messages) == 0 {
		return models.ChatResponse{}, fmt.Errorf("chat request has no messages")
	}

	if err := l.keys.Authorize(req.APIKey, keys.PermWrite); err != nil {
		return models.ChatResponse{}, err
	}

	providerType, credential, err := l.resolveCredential(req)
	if err != nil {
		return models.ChatResponse{}, err
	}
	prov, err := l.factory(providerType, credential)
	if err != nil {
		return models.ChatResponse{}, err
	}

	settings := l.settings.Get()
	tools := l.manager.Tools(req.McpServers)
	l.logger.Info("starting chat",
		"provider", providerType,
		"messages", len(req.Messages),
		"tools", len(tools))

	history := make([]models.Message, 0, len(req.Messages)+4)
	for _, msg := range req.Messages {
		if msg.Timestamp == 0 {
			msg.Timestamp = models.Now()
		}
		history = append(history, msg)
	}

	sink.Status(StatusProcessing, "")

	var added []models.Message
	iteration := 0
	for {
		if cancel.Cancelled() {
			sink.Status(StatusCancelled, ErrCancelled.Error())
			return models.ChatResponse{}, ErrCancelled
		}
		iteration++
		sink.Stream(iteration, fmt.Sprintf("Processing iteration %d...", iteration), nil)

		reply, err := prov.Complete(ctx, history, tools, "", settings.MaxTokens, settings.Temperature)
		if err != nil {
			return models.ChatResponse{}, err
		}
		history = append(history, reply)
		added = append(added, reply)

		calls, err := reply.ToolCalls()
		if err != nil {
			return models.ChatResponse{}, err
		}
		if len(calls) == 0 {
			sink.Message(reply)
			break
		}

		sink.Message(reply)
		sink.Stream(iteration, fmt.Sprintf("Executing %d tool call(s)...", len(calls)), calls)
		toolMsg, err := l.executeCalls(ctx, calls)
		if err != nil {
			return models.ChatResponse{}, err
		}
		history = append(history, toolMsg)
		added = append(added, toolMsg)
		sink.Message(toolMsg)
	}

	sink.Status(StatusComplete, "")
	conv := l.commit(req, providerType, history)
	resp := models.ChatResponse{
		ConversationID: conv.ID,
		Response:       added[len(added)-1],
		AllMessages:    added,
	}
	return resp, nil
}

// resolveCredential picks the upstream credential for a chat. An OAuth token
// presented as the request key is used directly; otherwise the stored key
// for the provider is used, preferring an OAuth variant when both exist.
func (l *Loop) resolveCredential(req models.ChatRequest) (providerType, credential string, err error) {
	providerType = req.LlmProvider
	if providerType == "" {
		providerType = l.settings.Get().DefaultLlmProvider
	}

	if keys.IsOAuthToken(req.APIKey) {
		if !strings.HasPrefix(providerType, provider.ProviderAnthropic) {
			return "", "", fmt.Errorf("OAuth tokens are only accepted for anthropic, not %s", providerType)
		}
		return provider.ProviderAnthropicOAuth, req.APIKey, nil
	}

	if providerType == provider.ProviderAnthropic {
		if key, ok := l.keys.ProviderKey(provider.ProviderAnthropicOAuth); ok {
			return provider.ProviderAnthropicOAuth, key, nil
		}
	}
	key, ok := l.keys.ProviderKey(providerType)
	if !ok {
		return "", "", fmt.Errorf("%s: %w", providerType, ErrNoProviderKey)
	}
	if keys.IsOAuthToken(key) && providerType == provider.ProviderAnthropic {
		return provider.ProviderAnthropicOAuth, key, nil
	}
	return providerType, key, nil
}

// executeCalls runs every tool call in order and folds the results into one
// tool-role message. Broker failures are already error-shaped results, so
// the only error path here is serialization.
func (l *Loop) executeCalls(ctx context.Context, calls []models.ToolCall) (models.Message, error) {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		result := l.broker.Invoke(ctx, call.ID, call.ToolName, call.Parameters)
		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Result:     result,
		})
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return models.Message{}, fmt.Errorf("serialize tool results: %w", err)
	}
	return models.Message{
		Role:            models.RoleTool,
		ToolResultsJSON: string(encoded),
		Timestamp:       models.Now(),
	}, nil
}

// commit records the finished chat in the conversation store.
func (l *Loop) commit(req models.ChatRequest, providerType string, history []models.Message) models.Conversation {
	metadata := models.DefaultMetadata()
	if req.Metadata != nil {
		metadata = *req.Metadata
		if metadata.StartTime == "" {
			metadata.StartTime = models.DefaultMetadata().StartTime
		}
		if metadata.Client == "" {
			metadata.Client = "unknown"
		}
	}

	conv := models.Conversation{
		ID:          uuid.NewString(),
		Messages:    history,
		Metadata:    metadata,
		LlmProvider: providerType,
		McpServers:  req.McpServers,
	}
	l.conversations.Append(conv)
	l.logger.Info("chat complete",
		"conversation", conv.ID,
		"messages", len(history))
	return conv
}
