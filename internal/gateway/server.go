// Package gateway exposes Spider over HTTP and WebSocket: the JSON API, the
// streaming chat socket, the OAuth relay, and the admin session endpoint.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nick1udwig/spider/internal/agent"
	"github.com/nick1udwig/spider/internal/conversations"
	"github.com/nick1udwig/spider/internal/keys"
	"github.com/nick1udwig/spider/internal/mcp"
	"github.com/nick1udwig/spider/internal/provider"
	"github.com/nick1udwig/spider/internal/state"
	"github.com/nick1udwig/spider/pkg/models"
)

// Registrar announces the service to a homepage or discovery surface on
// startup. The default implementation only logs.
type Registrar interface {
	Register(name, path string) error
}

// LogRegistrar logs the registration and succeeds.
type LogRegistrar struct {
	Logger *slog.Logger
}

func (r LogRegistrar) Register(name, path string) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("registered service", "name", name, "path", path)
	return nil
}

// Server is the HTTP/WebSocket front end.
type Server struct {
	keys          *keys.Store
	manager       *mcp.Manager
	conversations *conversations.Store
	settings      *state.SettingsStore
	loop          *agent.Loop
	oauth         *OAuthProxy
	metrics       *Metrics
	sessionSecret string
	logger        *slog.Logger

	clientsMu sync.Mutex
	clients   map[uint64]*chatClient
}

// NewServer wires the gateway.
func NewServer(keyStore *keys.Store, manager *mcp.Manager, convStore *conversations.Store, settings *state.SettingsStore, loop *agent.Loop, oauth *OAuthProxy, sessionSecret string, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		keys:          keyStore,
		manager:       manager,
		conversations: convStore,
		settings:      settings,
		loop:          loop,
		oauth:         oauth,
		metrics:       metrics,
		sessionSecret: sessionSecret,
		logger:        logger.With("component", "gateway"),
		clients:       make(map[uint64]*chatClient),
	}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/set_api_key", s.handleSetAPIKey)
	mux.HandleFunc("/api/list_api_keys", s.handleListAPIKeys)
	mux.HandleFunc("/api/remove_api_key", s.handleRemoveAPIKey)
	mux.HandleFunc("/api/create_spider_key", s.handleCreateSpiderKey)
	mux.HandleFunc("/api/list_spider_keys", s.handleListSpiderKeys)
	mux.HandleFunc("/api/revoke_spider_key", s.handleRevokeSpiderKey)
	mux.HandleFunc("/api/add_mcp_server", s.handleAddMcpServer)
	mux.HandleFunc("/api/list_mcp_servers", s.handleListMcpServers)
	mux.HandleFunc("/api/connect_mcp_server", s.handleConnectMcpServer)
	mux.HandleFunc("/api/disconnect_mcp_server", s.handleDisconnectMcpServer)
	mux.HandleFunc("/api/remove_mcp_server", s.handleRemoveMcpServer)
	mux.HandleFunc("/api/list_conversations", s.handleListConversations)
	mux.HandleFunc("/api/get_conversation", s.handleGetConversation)
	mux.HandleFunc("/api/get_config", s.handleGetConfig)
	mux.HandleFunc("/api/update_config", s.handleUpdateConfig)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/exchange_oauth_token", s.handleExchangeOAuth)
	mux.HandleFunc("/api/refresh_oauth_token", s.handleRefreshOAuth)
	mux.HandleFunc("/api-ssd", s.handleSessionKey)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeMessage(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// writeAuthError maps key-store failures onto status codes.
func (s *Server) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keys.ErrInvalidKey):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, keys.ErrPermissionDenied):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, keys.ErrKeyNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodePost enforces POST and parses the JSON body.
func (s *Server) decodePost(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) authorize(w http.ResponseWriter, authKey, permission string) bool {
	if err := s.keys.Authorize(authKey, permission); err != nil {
		s.writeAuthError(w, err)
		return false
	}
	return true
}

func (s *Server) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("set_api_key").Inc()
	var req struct {
		Provider string `json:"provider"`
		Key      string `json:"key"`
		AuthKey  string `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermWrite) {
		return
	}
	if req.Provider == "" || req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "provider and key are required")
		return
	}
	s.keys.SetProviderKey(req.Provider, req.Key)
	s.writeMessage(w, "API key saved for "+req.Provider)
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("list_api_keys").Inc()
	var req struct {
		AuthKey string `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermRead) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.keys.ListProviderKeys())
}

func (s *Server) handleRemoveAPIKey(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("remove_api_key").Inc()
	var req struct {
		Provider string `json:"provider"`
		AuthKey  string `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermWrite) {
		return
	}
	if err := s.keys.RemoveProviderKey(req.Provider); err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.writeMessage(w, "API key removed for "+req.Provider)
}

func (s *Server) handleCreateSpiderKey(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("create_spider_key").Inc()
	var req struct {
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
		AdminKey    string   `json:"adminKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AdminKey, keys.PermAdmin) {
		return
	}
	key, err := s.keys.CreateSpiderKey(req.Name, req.Permissions)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, key)
}

func (s *Server) handleListSpiderKeys(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("list_spider_keys").Inc()
	var req struct {
		AdminKey string `json:"adminKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AdminKey, keys.PermAdmin) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.keys.ListSpiderKeys())
}

func (s *Server) handleRevokeSpiderKey(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("revoke_spider_key").Inc()
	var req struct {
		KeyID    string `json:"keyId"`
		AdminKey string `json:"adminKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AdminKey, keys.PermAdmin) {
		return
	}
	if err := s.keys.RevokeSpiderKey(req.KeyID); err != nil {
		s.writeAuthError(w, err)
		return
	}
	s.writeMessage(w, "Spider key revoked")
}

func (s *Server) handleAddMcpServer(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("add_mcp_server").Inc()
	var req struct {
		Name      string                 `json:"name"`
		Transport models.TransportConfig `json:"transport"`
		AuthKey   string                 `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermWrite) {
		return
	}
	server, err := s.manager.AddServer(r.Context(), req.Name, req.Transport)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"serverId": server.ID})
}

func (s *Server) handleListMcpServers(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("list_mcp_servers").Inc()
	var req struct {
		AuthKey string `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermRead) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.manager.Servers())
}

func (s *Server) handleConnectMcpServer(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("connect_mcp_server").Inc()
	var req struct {
		ServerID string `json:"serverId"`
		AuthKey  string `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermWrite) {
		return
	}
	if err := s.manager.Connect(r.Context(), req.ServerID); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeMessage(w, "connected")
}

func (s *Server) handleDisconnectMcpServer(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("disconnect_mcp_server").Inc()
	var req struct {
		ServerID string `json:"serverId"`
		AuthKey  string `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermWrite) {
		return
	}
	if err := s.manager.Disconnect(req.ServerID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeMessage(w, "disconnected")
}

func (s *Server) handleRemoveMcpServer(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("remove_mcp_server").Inc()
	var req struct {
		ServerID string `json:"serverId"`
		AuthKey  string `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermWrite) {
		return
	}
	if err := s.manager.RemoveServer(req.ServerID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeMessage(w, "removed")
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("list_conversations").Inc()
	var req struct {
		Limit   int    `json:"limit"`
		Offset  int    `json:"offset"`
		Client  string `json:"client"`
		AuthKey string `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermRead) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.conversations.List(req.Client, req.Limit, req.Offset))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("get_conversation").Inc()
	var req struct {
		ConversationID string `json:"conversationId"`
		AuthKey        string `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermRead) {
		return
	}
	conv, ok := s.conversations.Get(req.ConversationID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("get_config").Inc()
	var req struct {
		AuthKey string `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermRead) {
		return
	}
	settings := s.settings.Get()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"defaultLlmProvider": settings.DefaultLlmProvider,
		"maxTokens":          settings.MaxTokens,
		"temperature":        settings.Temperature,
		"trialKeyNotice":     s.keys.ConsumeTrialNotice(),
	})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("update_config").Inc()
	var req struct {
		DefaultLlmProvider *string  `json:"defaultLlmProvider"`
		MaxTokens          *int     `json:"maxTokens"`
		Temperature        *float64 `json:"temperature"`
		AuthKey            string   `json:"authKey"`
	}
	if !s.decodePost(w, r, &req) || !s.authorize(w, req.AuthKey, keys.PermWrite) {
		return
	}
	s.settings.Update(req.DefaultLlmProvider, req.MaxTokens, req.Temperature)
	s.writeMessage(w, "config updated")
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("chat").Inc()
	var req models.ChatRequest
	if !s.decodePost(w, r, &req) {
		return
	}

	resp, err := s.loop.Run(r.Context(), req, agent.NopSink{}, nil)
	if err != nil {
		s.metrics.Chats.WithLabelValues("error").Inc()
		s.writeChatError(w, err)
		return
	}
	s.metrics.Chats.WithLabelValues("complete").Inc()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keys.ErrInvalidKey):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, keys.ErrPermissionDenied):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, agent.ErrNoProviderKey):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrUpstreamAuth), errors.Is(err, provider.ErrRateLimited):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleExchangeOAuth(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("exchange_oauth_token").Inc()
	var req struct {
		Code     string `json:"code"`
		Verifier string `json:"verifier"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	tokens, err := s.oauth.Exchange(r.Context(), req.Code, req.Verifier)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleRefreshOAuth(w http.ResponseWriter, r *http.Request) {
	s.metrics.Requests.WithLabelValues("refresh_oauth_token").Inc()
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !s.decodePost(w, r, &req) {
		return
	}
	tokens, err := s.oauth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, tokens)
}
