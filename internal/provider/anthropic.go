package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nick1udwig/spider/internal/schema"
	"github.com/nick1udwig/spider/pkg/models"
)

// DefaultAnthropicModel is used when a chat request names no model.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// oauthBetaHeader must accompany requests authenticated with an OAuth access
// token instead of an API key.
const oauthBetaHeader = "oauth-2025-04-20"

// Anthropic completes chats against the Anthropic Messages API. The adapter
// supports both API-key and OAuth bearer authentication.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates an adapter. When oauth is true the credential is sent
// as a bearer token with the OAuth beta header instead of an x-api-key.
func NewAnthropic(credential string, oauth bool) *Anthropic {
	var opts []option.RequestOption
	if oauth {
		opts = append(opts,
			option.WithAuthToken(credential),
			option.WithHeader("anthropic-beta", oauthBetaHeader),
		)
	} else {
		opts = append(opts, option.WithAPIKey(credential))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}
}

// Complete runs one non-streaming completion turn.
func (p *Anthropic) Complete(ctx context.Context, messages []models.Message, tools []models.Tool, model string, maxTokens int, temperature float64) (models.Message, error) {
	if model == "" {
		model = DefaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	converted, system, err := convertMessages(messages)
	if err != nil {
		return models.Message{}, err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    converted,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if len(tools) > 0 {
		toolParams, err := convertTools(tools)
		if err != nil {
			return models.Message{}, err
		}
		params.Tools = toolParams
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{
				DisableParallelToolUse: anthropic.Bool(false),
			},
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return models.Message{}, classify(err)
	}
	return parseResponse(resp)
}

// convertMessages maps Spider's conversation shape onto Anthropic content
// blocks. Tool-role messages have no native slot in the Messages API and are
// rendered as user-role text the model reads as tool output.
func convertMessages(messages []models.Message) ([]anthropic.MessageParam, string, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	var system strings.Builder

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(msg.Content)

		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			calls, err := msg.ToolCalls()
			if err != nil {
				return nil, "", err
			}
			for _, call := range calls {
				var input map[string]any
				if err := json.Unmarshal([]byte(call.Parameters), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.ToolName))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case models.RoleTool:
			results, err := msg.ToolResults()
			if err != nil {
				return nil, "", err
			}
			var text strings.Builder
			text.WriteString("Tool execution results:\n")
			for _, result := range results {
				fmt.Fprintf(&text, "- Tool call %s: %s\n", result.ToolCallID, result.Result)
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text.String())))

		default:
			return nil, "", fmt.Errorf("unknown message role %q", msg.Role)
		}
	}
	return out, system.String(), nil
}

// convertTools rewrites tool schemas into the restricted form the API
// validates and wraps them as tool parameters.
func convertTools(tools []models.Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		cleaned := schema.TransformJSON(tool.Schema())
		raw, err := json.Marshal(cleaned)
		if err != nil {
			return nil, fmt.Errorf("serialize schema for %s: %w", tool.Name, err)
		}

		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &inputSchema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		if tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, toolParam)
	}
	return out, nil
}

// parseResponse flattens the response blocks into one assistant message:
// text blocks joined with spaces, tool_use blocks collected as tool calls.
func parseResponse(resp *anthropic.Message) (models.Message, error) {
	if resp == nil {
		return models.Message{}, fmt.Errorf("empty completion response")
	}

	var texts []string
	var calls []models.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case "tool_use":
			calls = append(calls, models.ToolCall{
				ID:         block.ID,
				ToolName:   block.Name,
				Parameters: string(block.Input),
			})
		}
	}

	msg := models.Message{
		Role:      models.RoleAssistant,
		Content:   strings.Join(texts, " "),
		Timestamp: models.Now(),
	}
	if len(calls) > 0 {
		encoded, err := json.Marshal(calls)
		if err != nil {
			return models.Message{}, fmt.Errorf("serialize tool calls: %w", err)
		}
		msg.ToolCallsJSON = string(encoded)
	}
	return msg, nil
}
