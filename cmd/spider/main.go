// Command spider runs the Spider service: an MCP client and agentic chat
// broker exposed over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nick1udwig/spider/internal/agent"
	"github.com/nick1udwig/spider/internal/config"
	"github.com/nick1udwig/spider/internal/conversations"
	"github.com/nick1udwig/spider/internal/gateway"
	"github.com/nick1udwig/spider/internal/keys"
	"github.com/nick1udwig/spider/internal/mcp"
	"github.com/nick1udwig/spider/internal/state"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "spider",
		Short:        "MCP client and agentic chat broker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("spider", version)
		},
	})
	return root
}

// resolveConfigPath prefers the --config flag and falls back to the
// SPIDER_CONFIG environment variable.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("SPIDER_CONFIG")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	stateFile := state.NewFile(filepath.Join(cfg.StateDir, "state.json"), logger)
	snap, err := stateFile.Load()
	if err != nil {
		return err
	}

	sessionSecret := snap.SessionSecret
	if sessionSecret == "" {
		sessionSecret = uuid.NewString()
	}

	// Stores call back on every mutation; saveState is bound after all of
	// them exist so the closure can snapshot each one.
	var saveState func()
	onChange := func() {
		if saveState != nil {
			saveState()
		}
	}

	keyStore := keys.NewStore(logger, onChange)
	keyStore.Restore(snap.ProviderKeys, snap.SpiderKeys, snap.TrialNotice)
	settings := state.NewSettingsStore(snap.Settings, onChange)
	manager := mcp.NewManager(cfg.DefaultMcpURL, mcp.DefaultReconnectPolicy(), logger, onChange)

	saveState = func() {
		providerKeys, spiderKeys, trialNotice := keyStore.Snapshot()
		stateFile.Save(state.Snapshot{
			ProviderKeys:  providerKeys,
			SpiderKeys:    spiderKeys,
			McpServers:    manager.Servers(),
			Settings:      settings.Get(),
			SessionSecret: sessionSecret,
			TrialNotice:   trialNotice,
		})
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keyStore.EnsureAdminKey()
	if cfg.TrialDispenserURL != "" {
		go keyStore.EnsureTrialKey(ctx, keys.NewHTTPDispenser(cfg.TrialDispenserURL))
	}
	manager.Restore(ctx, snap.McpServers)

	convStore := conversations.NewStore(filepath.Join(cfg.StateDir, "conversations"), logger)
	broker := mcp.NewBroker(manager, cfg.ToolCallTimeout, logger)
	loop := agent.NewLoop(keyStore, manager, broker, convStore, settings, nil, logger)
	oauth := gateway.NewOAuthProxy(cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthRedirectURI)
	server := gateway.NewServer(keyStore, manager, convStore, settings, loop, oauth, sessionSecret, gateway.NewMetrics(), logger)

	registrar := gateway.LogRegistrar{Logger: logger}
	if err := registrar.Register("Spider", "/"); err != nil {
		logger.Warn("service registration failed", "error", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("spider listening", "addr", cfg.ListenAddr, "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}
	return nil
}
