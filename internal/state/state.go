// Package state persists Spider's mutable registry — provider keys, Spider
// keys, MCP server configurations, and runtime settings — as a single JSON
// snapshot rewritten on every change.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nick1udwig/spider/internal/keys"
	"github.com/nick1udwig/spider/pkg/models"
)

// Snapshot is the on-disk shape of all durable registry state.
type Snapshot struct {
	ProviderKeys  []keys.ProviderKey `json:"providerKeys"`
	SpiderKeys    []keys.SpiderKey   `json:"spiderKeys"`
	McpServers    []models.McpServer `json:"mcpServers"`
	Settings      Settings           `json:"settings"`
	SessionSecret string             `json:"sessionSecret"`
	TrialNotice   bool               `json:"trialNotice"`
}

// Settings are the runtime-mutable configuration values exposed through
// get_config / update_config.
type Settings struct {
	DefaultLlmProvider string  `json:"defaultLlmProvider"`
	MaxTokens          int     `json:"maxTokens"`
	Temperature        float64 `json:"temperature"`
}

// DefaultSettings mirrors the defaults applied on first start.
func DefaultSettings() Settings {
	return Settings{
		DefaultLlmProvider: "anthropic",
		MaxTokens:          4096,
		Temperature:        0.7,
	}
}

// File reads and writes the snapshot. Writes go through a temp file and
// rename so a crash never leaves a truncated snapshot behind.
type File struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewFile creates a snapshot file handle at path.
func NewFile(path string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, logger: logger.With("component", "state")}
}

// Load reads the snapshot. A missing file returns an empty snapshot with
// default settings; that is the first-start case, not an error.
func (f *File) Load() (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return Snapshot{Settings: DefaultSettings()}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read state: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse state: %w", err)
	}
	if snap.Settings.DefaultLlmProvider == "" {
		snap.Settings.DefaultLlmProvider = DefaultSettings().DefaultLlmProvider
	}
	if snap.Settings.MaxTokens == 0 {
		snap.Settings.MaxTokens = DefaultSettings().MaxTokens
	}
	// A stored temperature of zero is a deliberate setting; the default
	// applies only when the field is absent from the snapshot.
	var shape struct {
		Settings map[string]json.RawMessage `json:"settings"`
	}
	if json.Unmarshal(data, &shape) == nil {
		if _, ok := shape.Settings["temperature"]; !ok {
			snap.Settings.Temperature = DefaultSettings().Temperature
		}
	}
	return snap, nil
}

// Save writes the snapshot. Failures are logged and swallowed: the
// in-memory registries stay authoritative and a later change retries.
func (f *File) Save(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		f.logger.Warn("failed to create state dir", "error", err)
		return
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		f.logger.Warn("failed to serialize state", "error", err)
		return
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		f.logger.Warn("failed to write state", "error", err)
		return
	}
	if err := os.Rename(tmp, f.path); err != nil {
		f.logger.Warn("failed to commit state", "error", err)
	}
}

// SettingsStore holds the runtime settings behind a mutex and reports
// changes to its owner for snapshotting.
type SettingsStore struct {
	mu       sync.Mutex
	settings Settings
	onChange func()
}

// NewSettingsStore creates a settings store. onChange may be nil.
func NewSettingsStore(settings Settings, onChange func()) *SettingsStore {
	return &SettingsStore{settings: settings, onChange: onChange}
}

// Get returns the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Update applies the non-nil fields and persists.
func (s *SettingsStore) Update(provider *string, maxTokens *int, temperature *float64) {
	s.mu.Lock()
	if provider != nil {
		s.settings.DefaultLlmProvider = *provider
	}
	if maxTokens != nil {
		s.settings.MaxTokens = *maxTokens
	}
	if temperature != nil {
		s.settings.Temperature = *temperature
	}
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange()
	}
}
