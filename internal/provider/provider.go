// Package provider adapts upstream LLM chat APIs behind a single completion
// interface. Each adapter owns its SDK client and credential; the agent loop
// only sees messages in and one assistant message out.
package provider

import (
	"context"
	"fmt"

	"github.com/nick1udwig/spider/pkg/models"
)

// Provider names accepted in chat requests and settings.
const (
	ProviderAnthropic      = "anthropic"
	ProviderAnthropicOAuth = "anthropic-oauth"
	ProviderOpenAI         = "openai"
	ProviderOpenAIOAuth    = "openai-oauth"
)

// Provider produces one assistant turn from the conversation so far. The
// returned message may carry tool calls; the caller decides whether to
// execute them and call Complete again.
type Provider interface {
	Complete(ctx context.Context, messages []models.Message, tools []models.Tool, model string, maxTokens int, temperature float64) (models.Message, error)
}

// New constructs the adapter for a provider name. The credential is either a
// raw API key or an OAuth access token, matching the provider variant.
func New(providerType, credential string) (Provider, error) {
	switch providerType {
	case ProviderAnthropic:
		return NewAnthropic(credential, false), nil
	case ProviderAnthropicOAuth:
		return NewAnthropic(credential, true), nil
	case ProviderOpenAI, ProviderOpenAIOAuth:
		return nil, fmt.Errorf("%s: %w", providerType, ErrNotImplemented)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", providerType)
	}
}
