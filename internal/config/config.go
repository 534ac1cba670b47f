// Package config loads Spider's process configuration from a YAML file with
// environment-variable expansion.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the static process configuration. Runtime-mutable settings
// (default provider, token budget, temperature) live in the persisted state
// snapshot, not here.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr"`
	// StateDir holds the state snapshot and conversation files.
	StateDir string `yaml:"state_dir"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// DefaultMcpURL is dialed for MCP servers configured without a URL.
	DefaultMcpURL string `yaml:"default_mcp_url"`
	// TrialDispenserURL, when set, is called once on a first start with no
	// provider keys to fetch a free-trial key.
	TrialDispenserURL string `yaml:"trial_dispenser_url"`
	// OAuthTokenURL is the provider's OAuth token endpoint for the proxy.
	OAuthTokenURL string `yaml:"oauth_token_url"`
	// OAuthClientID is the fixed client id used by the OAuth proxy.
	OAuthClientID string `yaml:"oauth_client_id"`
	// OAuthRedirectURI is the fixed redirect URI used by the OAuth proxy.
	OAuthRedirectURI string `yaml:"oauth_redirect_uri"`
	// ToolCallTimeout bounds a single MCP tool call.
	ToolCallTimeout time.Duration `yaml:"tool_call_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		StateDir:         "spider-state",
		LogLevel:         "info",
		DefaultMcpURL:    "ws://localhost:10125",
		OAuthTokenURL:    "https://console.anthropic.com/v1/oauth/token",
		OAuthClientID:    "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		OAuthRedirectURI: "https://console.anthropic.com/oauth/code/callback",
		ToolCallTimeout:  60 * time.Second,
	}
}

// Load reads a YAML config file, expanding ${ENV} references in the raw
// bytes before parsing. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.ToolCallTimeout <= 0 {
		cfg.ToolCallTimeout = Default().ToolCallTimeout
	}
	return cfg, nil
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
