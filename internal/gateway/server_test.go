package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nick1udwig/spider/internal/agent"
	"github.com/nick1udwig/spider/internal/conversations"
	"github.com/nick1udwig/spider/internal/keys"
	"github.com/nick1udwig/spider/internal/mcp"
	"github.com/nick1udwig/spider/internal/provider"
	"github.com/nick1udwig/spider/internal/state"
	"github.com/nick1udwig/spider/pkg/models"
)

const testSecret = "test-session-secret"

// scriptedProvider mirrors the agent test double at the gateway level.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []models.Message
	calls     int
}

func (p *scriptedProvider) Complete(ctx context.Context, messages []models.Message, tools []models.Tool, model string, maxTokens int, temperature float64) (models.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx >= len(p.responses) {
		return models.Message{Role: models.RoleAssistant, Content: "out of script"}, nil
	}
	return p.responses[idx], nil
}

type testGateway struct {
	server   *Server
	http     *httptest.Server
	keys     *keys.Store
	adminKey string
	chatKey  string
	oauthURL string
}

func newTestGateway(t *testing.T, responses ...models.Message) *testGateway {
	t.Helper()

	keyStore := keys.NewStore(nil, nil)
	admin := keyStore.EnsureAdminKey()
	chatKey, err := keyStore.CreateSpiderKey("tester", []string{keys.PermRead, keys.PermWrite, keys.PermChat})
	if err != nil {
		t.Fatal(err)
	}
	keyStore.SetProviderKey("anthropic", "sk-ant-api03-test")

	manager := mcp.NewManager("", mcp.ReconnectPolicy{Attempts: 1, Initial: time.Millisecond, Max: time.Millisecond}, nil, nil)
	broker := mcp.NewBroker(manager, 200*time.Millisecond, nil)
	convs := conversations.NewStore(t.TempDir(), nil)
	settings := state.NewSettingsStore(state.DefaultSettings(), nil)

	prov := &scriptedProvider{responses: responses}
	loop := agent.NewLoop(keyStore, manager, broker, convs, settings, func(string, string) (provider.Provider, error) {
		return prov, nil
	}, nil)

	tokenEndpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["grant_type"] == "" || body["client_id"] == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "acc-" + body["grant_type"],
			"refresh_token": "ref",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(tokenEndpoint.Close)

	oauth := NewOAuthProxy(tokenEndpoint.URL, "client-id", "https://example.test/callback")
	server := NewServer(keyStore, manager, convs, settings, loop, oauth, testSecret, NewMetrics(), nil)

	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)

	return &testGateway{
		server:   server,
		http:     srv,
		keys:     keyStore,
		adminKey: admin.Key,
		chatKey:  chatKey.Key,
		oauthURL: tokenEndpoint.URL,
	}
}

func (g *testGateway) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(g.http.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestAuthMatrix(t *testing.T) {
	g := newTestGateway(t)

	status, _ := g.post(t, "/api/list_api_keys", map[string]any{"authKey": "bogus"})
	if status != http.StatusUnauthorized {
		t.Errorf("bogus key status = %d", status)
	}

	readOnly, _ := g.keys.CreateSpiderKey("ro", []string{keys.PermRead})
	status, _ = g.post(t, "/api/set_api_key", map[string]any{
		"provider": "anthropic", "key": "k", "authKey": readOnly.Key,
	})
	if status != http.StatusForbidden {
		t.Errorf("read-only write status = %d", status)
	}

	status, _ = g.post(t, "/api/list_spider_keys", map[string]any{"adminKey": g.chatKey})
	if status != http.StatusForbidden {
		t.Errorf("non-admin admin-endpoint status = %d", status)
	}

	// OAuth-shaped tokens get read/write/chat without registration.
	status, _ = g.post(t, "/api/list_api_keys", map[string]any{"authKey": "sk-ant-oat01-tok"})
	if status != http.StatusOK {
		t.Errorf("oauth token read status = %d", status)
	}
	status, _ = g.post(t, "/api/list_spider_keys", map[string]any{"adminKey": "sk-ant-oat01-tok"})
	if status != http.StatusForbidden {
		t.Errorf("oauth token admin status = %d", status)
	}
}

func TestProviderKeyEndpoints(t *testing.T) {
	g := newTestGateway(t)

	status, _ := g.post(t, "/api/set_api_key", map[string]any{
		"provider": "openai", "key": "sk-test", "authKey": g.chatKey,
	})
	if status != http.StatusOK {
		t.Fatalf("set status = %d", status)
	}

	status, body := g.post(t, "/api/list_api_keys", map[string]any{"authKey": g.chatKey})
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	var infos []keys.ProviderKeyInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		t.Fatalf("parse list: %v", err)
	}
	if len(infos) != 2 {
		t.Errorf("providers = %d", len(infos))
	}
	for _, info := range infos {
		if !strings.HasPrefix(info.KeyPreview, "encrypted:") {
			t.Errorf("preview %q does not show envelope", info.KeyPreview)
		}
	}

	status, _ = g.post(t, "/api/remove_api_key", map[string]any{"provider": "openai", "authKey": g.chatKey})
	if status != http.StatusOK {
		t.Errorf("remove status = %d", status)
	}
	status, _ = g.post(t, "/api/remove_api_key", map[string]any{"provider": "openai", "authKey": g.chatKey})
	if status != http.StatusNotFound {
		t.Errorf("second remove status = %d", status)
	}
}

func TestSpiderKeyEndpoints(t *testing.T) {
	g := newTestGateway(t)

	status, body := g.post(t, "/api/create_spider_key", map[string]any{
		"name": "svc", "permissions": []string{"read"}, "adminKey": g.adminKey,
	})
	if status != http.StatusOK {
		t.Fatalf("create status = %d: %s", status, body)
	}
	var created keys.SpiderKey
	json.Unmarshal(body, &created)
	if !strings.HasPrefix(created.Key, "sp_") {
		t.Errorf("created key = %q", created.Key)
	}

	status, body = g.post(t, "/api/list_spider_keys", map[string]any{"adminKey": g.adminKey})
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if !strings.Contains(string(body), created.Key) {
		t.Error("created key not listed")
	}

	status, _ = g.post(t, "/api/revoke_spider_key", map[string]any{"keyId": created.Key, "adminKey": g.adminKey})
	if status != http.StatusOK {
		t.Errorf("revoke status = %d", status)
	}
	_, body = g.post(t, "/api/list_spider_keys", map[string]any{"adminKey": g.adminKey})
	if strings.Contains(string(body), created.Key) {
		t.Error("revoked key still listed")
	}
}

func TestConfigEndpoints(t *testing.T) {
	g := newTestGateway(t)

	status, body := g.post(t, "/api/get_config", map[string]any{"authKey": g.chatKey})
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	var cfg map[string]any
	json.Unmarshal(body, &cfg)
	if cfg["defaultLlmProvider"] != "anthropic" || cfg["maxTokens"] != float64(4096) {
		t.Errorf("config = %v", cfg)
	}

	status, _ = g.post(t, "/api/update_config", map[string]any{
		"maxTokens": 1024, "temperature": 0.2, "authKey": g.chatKey,
	})
	if status != http.StatusOK {
		t.Fatalf("update status = %d", status)
	}

	_, body = g.post(t, "/api/get_config", map[string]any{"authKey": g.chatKey})
	json.Unmarshal(body, &cfg)
	if cfg["maxTokens"] != float64(1024) || cfg["temperature"] != 0.2 {
		t.Errorf("config after update = %v", cfg)
	}
	if cfg["defaultLlmProvider"] != "anthropic" {
		t.Errorf("provider clobbered: %v", cfg["defaultLlmProvider"])
	}
}

func TestMcpServerEndpoints(t *testing.T) {
	g := newTestGateway(t)

	status, body := g.post(t, "/api/list_mcp_servers", map[string]any{"authKey": g.chatKey})
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	var servers []models.McpServer
	json.Unmarshal(body, &servers)
	if len(servers) != 1 || servers[0].ID != mcp.HypergridServerName {
		t.Errorf("servers = %+v", servers)
	}

	status, _ = g.post(t, "/api/remove_mcp_server", map[string]any{"serverId": "nope", "authKey": g.chatKey})
	if status != http.StatusNotFound {
		t.Errorf("remove missing status = %d", status)
	}
	status, _ = g.post(t, "/api/connect_mcp_server", map[string]any{"serverId": "nope", "authKey": g.chatKey})
	if status != http.StatusBadRequest {
		t.Errorf("connect missing status = %d", status)
	}
}

func TestChatEndpoint(t *testing.T) {
	g := newTestGateway(t, models.Message{Role: models.RoleAssistant, Content: "Hi"})

	status, body := g.post(t, "/api/chat", models.ChatRequest{
		APIKey:   g.chatKey,
		Messages: []models.Message{{Role: models.RoleUser, Content: "Hello"}},
	})
	if status != http.StatusOK {
		t.Fatalf("chat status = %d: %s", status, body)
	}
	var resp models.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Response.Content != "Hi" || resp.ConversationID == "" {
		t.Errorf("resp = %+v", resp)
	}

	status, _ = g.post(t, "/api/chat", models.ChatRequest{
		APIKey:   "bogus",
		Messages: []models.Message{{Role: models.RoleUser, Content: "Hello"}},
	})
	if status != http.StatusUnauthorized {
		t.Errorf("bad key chat status = %d", status)
	}

	status, body = g.post(t, "/api/get_conversation", map[string]any{
		"conversationId": resp.ConversationID, "authKey": g.chatKey,
	})
	if status != http.StatusOK {
		t.Fatalf("get_conversation status = %d", status)
	}
	if !strings.Contains(string(body), `"Hi"`) {
		t.Errorf("conversation body = %s", body)
	}

	status, _ = g.post(t, "/api/get_conversation", map[string]any{
		"conversationId": "missing", "authKey": g.chatKey,
	})
	if status != http.StatusNotFound {
		t.Errorf("missing conversation status = %d", status)
	}
}

func TestOAuthProxyEndpoints(t *testing.T) {
	g := newTestGateway(t)

	status, body := g.post(t, "/api/exchange_oauth_token", map[string]any{
		"code": "abc", "verifier": "ver",
	})
	if status != http.StatusOK {
		t.Fatalf("exchange status = %d: %s", status, body)
	}
	var tokens OAuthTokens
	json.Unmarshal(body, &tokens)
	if tokens.Access != "acc-authorization_code" || tokens.Refresh != "ref" {
		t.Errorf("tokens = %+v", tokens)
	}
	if tokens.Expires <= time.Now().UnixMilli() {
		t.Errorf("expires not in the future: %d", tokens.Expires)
	}

	status, body = g.post(t, "/api/refresh_oauth_token", map[string]any{
		"refresh_token": "ref",
	})
	if status != http.StatusOK {
		t.Fatalf("refresh status = %d", status)
	}
	json.Unmarshal(body, &tokens)
	if tokens.Access != "acc-refresh_token" {
		t.Errorf("refresh tokens = %+v", tokens)
	}
}

func TestSessionEndpoint(t *testing.T) {
	g := newTestGateway(t)

	req, _ := http.NewRequest(http.MethodGet, g.http.URL+"/api-ssd", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no-cookie status = %d", resp.StatusCode)
	}

	token, err := MintSessionToken(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	req, _ = http.NewRequest(http.MethodGet, g.http.URL+"/api-ssd", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	if string(body) != g.adminKey {
		t.Errorf("body = %q, want admin key", body)
	}

	// A token signed with the wrong secret is rejected.
	bad, _ := MintSessionToken("other-secret", time.Hour)
	req, _ = http.NewRequest(http.MethodGet, g.http.URL+"/api-ssd", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: bad})
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("forged session status = %d", resp.StatusCode)
	}
}

func TestMethodAndBodyValidation(t *testing.T) {
	g := newTestGateway(t)

	resp, err := http.Get(g.http.URL + "/api/list_api_keys")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", resp.StatusCode)
	}

	r, err := http.Post(g.http.URL+"/api/list_api_keys", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", r.StatusCode)
	}
}
