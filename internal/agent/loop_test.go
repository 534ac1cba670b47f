package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nick1udwig/spider/internal/conversations"
	"github.com/nick1udwig/spider/internal/keys"
	"github.com/nick1udwig/spider/internal/mcp"
	"github.com/nick1udwig/spider/internal/provider"
	"github.com/nick1udwig/spider/internal/state"
	"github.com/nick1udwig/spider/pkg/models"
)

// scriptedProvider returns canned responses in order and records what it saw.
type scriptedProvider struct {
	mu         sync.Mutex
	responses  []models.Message
	calls      int
	seenTools  [][]models.Tool
	onComplete func(call int)
}

func (p *scriptedProvider) Complete(ctx context.Context, messages []models.Message, tools []models.Tool, model string, maxTokens int, temperature float64) (models.Message, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.seenTools = append(p.seenTools, tools)
	hook := p.onComplete
	p.mu.Unlock()

	if hook != nil {
		hook(idx)
	}
	if idx >= len(p.responses) {
		return models.Message{Role: models.RoleAssistant, Content: "out of script"}, nil
	}
	resp := p.responses[idx]
	resp.Timestamp = models.Now()
	return resp, nil
}

type recordSink struct {
	mu       sync.Mutex
	statuses []string
	streams  int
	messages []models.Message
}

func (s *recordSink) Status(status, message string) {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
}

func (s *recordSink) Stream(iteration int, message string, toolCalls []models.ToolCall) {
	s.mu.Lock()
	if toolCalls == nil {
		s.streams++
	}
	s.mu.Unlock()
}

func (s *recordSink) Message(msg models.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

type testEnv struct {
	loop     *Loop
	keys     *keys.Store
	manager  *mcp.Manager
	convs    *conversations.Store
	provider *scriptedProvider
	key      string
}

func newTestEnv(t *testing.T, responses ...models.Message) *testEnv {
	t.Helper()

	keyStore := keys.NewStore(nil, nil)
	spiderKey, err := keyStore.CreateSpiderKey("test", []string{keys.PermRead, keys.PermWrite, keys.PermChat})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	manager := mcp.NewManager("", mcp.ReconnectPolicy{Attempts: 1, Initial: time.Millisecond, Max: time.Millisecond}, nil, nil)
	broker := mcp.NewBroker(manager, 200*time.Millisecond, nil)
	convs := conversations.NewStore(t.TempDir(), nil)
	settings := state.NewSettingsStore(state.DefaultSettings(), nil)

	prov := &scriptedProvider{responses: responses}
	factory := func(providerType, credential string) (provider.Provider, error) {
		return prov, nil
	}

	return &testEnv{
		loop:     NewLoop(keyStore, manager, broker, convs, settings, factory, nil),
		keys:     keyStore,
		manager:  manager,
		convs:    convs,
		provider: prov,
		key:      spiderKey.Key,
	}
}

func toolCallMsg(t *testing.T, calls ...models.ToolCall) models.Message {
	t.Helper()
	encoded, err := json.Marshal(calls)
	if err != nil {
		t.Fatal(err)
	}
	return models.Message{Role: models.RoleAssistant, ToolCallsJSON: string(encoded)}
}

func TestRunSingleTurn(t *testing.T) {
	env := newTestEnv(t, models.Message{Role: models.RoleAssistant, Content: "Hi"})
	env.keys.SetProviderKey("anthropic", "sk-ant-api03-k")

	sink := &recordSink{}
	resp, err := env.loop.Run(context.Background(), models.ChatRequest{
		APIKey:   env.key,
		Messages: []models.Message{{Role: models.RoleUser, Content: "Hello"}},
	}, sink, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if resp.Response.Content != "Hi" {
		t.Errorf("response = %q", resp.Response.Content)
	}
	if len(resp.AllMessages) != 1 {
		t.Errorf("all messages = %d", len(resp.AllMessages))
	}
	if resp.Response.Content != resp.AllMessages[len(resp.AllMessages)-1].Content {
		t.Error("response is not the last added message")
	}
	if env.provider.calls != 1 {
		t.Errorf("LLM calls = %d", env.provider.calls)
	}
	if sink.streams != 1 {
		t.Errorf("iteration events = %d", sink.streams)
	}
	if env.convs.Len() != 1 {
		t.Errorf("conversations persisted = %d", env.convs.Len())
	}
	if _, ok := env.convs.Get(resp.ConversationID); !ok {
		t.Error("conversation not retrievable by id")
	}

	last := sink.statuses[len(sink.statuses)-1]
	if last != StatusComplete {
		t.Errorf("final status = %q", last)
	}
}

func TestRunTwoTurnToolUse(t *testing.T) {
	// The built-in hypergrid search stands in for an MCP echo tool; the node
	// reflects the query back.
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":["x"]}`))
	}))
	defer node.Close()

	env := newTestEnv(t,
		toolCallMsg(t, models.ToolCall{ID: "t1", ToolName: mcp.ToolHypergridSearch, Parameters: `{"query":"x"}`}),
		models.Message{Role: models.RoleAssistant, Content: "done"},
	)
	env.keys.SetProviderKey("anthropic", "sk-ant-api03-k")
	if err := env.manager.Hypergrid().Authorize(context.Background(), node.URL, "tok", "cid", ""); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	sink := &recordSink{}
	resp, err := env.loop.Run(context.Background(), models.ChatRequest{
		APIKey:   env.key,
		Messages: []models.Message{{Role: models.RoleUser, Content: "find x"}},
	}, sink, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if env.provider.calls != 2 {
		t.Errorf("LLM calls = %d, want 2", env.provider.calls)
	}
	if len(resp.AllMessages) != 3 {
		t.Fatalf("all messages = %d, want assistant/tool/assistant", len(resp.AllMessages))
	}
	if resp.AllMessages[0].Role != models.RoleAssistant || resp.AllMessages[1].Role != models.RoleTool || resp.AllMessages[2].Role != models.RoleAssistant {
		t.Errorf("roles = %s/%s/%s", resp.AllMessages[0].Role, resp.AllMessages[1].Role, resp.AllMessages[2].Role)
	}
	if resp.Response.Content != "done" {
		t.Errorf("final = %q", resp.Response.Content)
	}

	results, err := resp.AllMessages[1].ToolResults()
	if err != nil {
		t.Fatalf("tool results: %v", err)
	}
	if len(results) != 1 || results[0].ToolCallID != "t1" {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].Result, "x") {
		t.Errorf("tool result = %q", results[0].Result)
	}
}

func TestRunCancellationBetweenIterations(t *testing.T) {
	cancel := &CancelFlag{}
	env := newTestEnv(t,
		toolCallMsg(t, models.ToolCall{ID: "t1", ToolName: "anything", Parameters: `{}`}),
		models.Message{Role: models.RoleAssistant, Content: "never reached"},
	)
	env.keys.SetProviderKey("anthropic", "sk-ant-api03-k")
	env.provider.onComplete = func(call int) {
		if call == 0 {
			cancel.Cancel()
		}
	}

	sink := &recordSink{}
	_, err := env.loop.Run(context.Background(), models.ChatRequest{
		APIKey:   env.key,
		Messages: []models.Message{{Role: models.RoleUser, Content: "go"}},
	}, sink, cancel)
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("err = %v, want cancellation", err)
	}

	if env.provider.calls != 1 {
		t.Errorf("LLM calls = %d, want 1", env.provider.calls)
	}
	if env.convs.Len() != 0 {
		t.Errorf("cancelled chat persisted %d conversations", env.convs.Len())
	}
	found := false
	for _, s := range sink.statuses {
		if s == StatusCancelled {
			found = true
		}
	}
	if !found {
		t.Errorf("no cancelled status in %v", sink.statuses)
	}
}

func TestRunToolUnavailableContinues(t *testing.T) {
	env := newTestEnv(t,
		toolCallMsg(t, models.ToolCall{ID: "t1", ToolName: "no_such_tool", Parameters: `{}`}),
		models.Message{Role: models.RoleAssistant, Content: "recovered"},
	)
	env.keys.SetProviderKey("anthropic", "sk-ant-api03-k")

	resp, err := env.loop.Run(context.Background(), models.ChatRequest{
		APIKey:   env.key,
		Messages: []models.Message{{Role: models.RoleUser, Content: "go"}},
	}, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if resp.Response.Content != "recovered" {
		t.Errorf("final = %q", resp.Response.Content)
	}
	results, err := resp.AllMessages[1].ToolResults()
	if err != nil {
		t.Fatalf("tool results: %v", err)
	}
	if !strings.Contains(results[0].Result, `"error"`) {
		t.Errorf("unavailable tool result = %q, want error shape", results[0].Result)
	}
}

func TestRunRequiresWritePermission(t *testing.T) {
	env := newTestEnv(t, models.Message{Role: models.RoleAssistant, Content: "Hi"})
	readOnly, err := env.keys.CreateSpiderKey("ro", []string{keys.PermRead})
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.loop.Run(context.Background(), models.ChatRequest{
		APIKey:   readOnly.Key,
		Messages: []models.Message{{Role: models.RoleUser, Content: "Hello"}},
	}, nil, nil)
	if err == nil {
		t.Fatal("read-only key accepted for chat")
	}
	if env.provider.calls != 0 {
		t.Errorf("LLM called despite auth failure: %d", env.provider.calls)
	}
}

func TestResolveCredentialPrefersOAuth(t *testing.T) {
	env := newTestEnv(t)
	env.keys.SetProviderKey("anthropic", "sk-ant-api03-plain")
	env.keys.SetProviderKey("anthropic-oauth", "sk-ant-oat01-token")

	providerType, credential, err := env.loop.resolveCredential(models.ChatRequest{
		APIKey:      env.key,
		LlmProvider: "anthropic",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if providerType != provider.ProviderAnthropicOAuth {
		t.Errorf("provider = %q, want anthropic-oauth", providerType)
	}
	if credential != "sk-ant-oat01-token" {
		t.Errorf("credential = %q", credential)
	}
}

func TestResolveCredentialDirectOAuthToken(t *testing.T) {
	env := newTestEnv(t)

	providerType, credential, err := env.loop.resolveCredential(models.ChatRequest{
		APIKey: "sk-ant-oat01-direct",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if providerType != provider.ProviderAnthropicOAuth || credential != "sk-ant-oat01-direct" {
		t.Errorf("got %q / %q", providerType, credential)
	}

	if _, _, err := env.loop.resolveCredential(models.ChatRequest{
		APIKey:      "sk-ant-oat01-direct",
		LlmProvider: "openai",
	}); err == nil {
		t.Error("oauth token accepted for openai")
	}
}

func TestResolveCredentialMissingKey(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.loop.resolveCredential(models.ChatRequest{APIKey: env.key}); err == nil {
		t.Error("missing provider key accepted")
	}
}
