package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.ToolCallTimeout != 60*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.OAuthTokenURL == "" || cfg.OAuthClientID == "" {
		t.Error("oauth defaults missing")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SPIDER_TEST_ADDR", ":9999")
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("listen_addr: ${SPIDER_TEST_ADDR}\nlog_level: debug\ntool_call_timeout: 5s\n"), 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("addr = %q", cfg.ListenAddr)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.SlogLevel())
	}
	if cfg.ToolCallTimeout != 5*time.Second {
		t.Errorf("timeout = %s", cfg.ToolCallTimeout)
	}
	// Unset fields keep defaults.
	if cfg.DefaultMcpURL != "ws://localhost:10125" {
		t.Errorf("default mcp url = %q", cfg.DefaultMcpURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
