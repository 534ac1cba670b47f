package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HypergridServerName is the id and name of the built-in hypergrid server.
const HypergridServerName = "hypergrid"

// Hypergrid tool names. These are served locally over HTTP to a Hypergrid
// node; they never touch the websocket broker.
const (
	ToolHypergridAuthorize = "hypergrid_authorize"
	ToolHypergridSearch    = "hypergrid_search"
	ToolHypergridCall      = "hypergrid_call"
)

// Hypergrid calls a Hypergrid provider registry over authenticated HTTP.
// Credentials arrive at runtime through the hypergrid_authorize tool.
type Hypergrid struct {
	mu       sync.Mutex
	url      string
	token    string
	clientID string
	node     string

	client *http.Client
}

// probeTimeout bounds the authorize connection test. Search and call
// requests are bounded by the caller's context instead.
const probeTimeout = 30 * time.Second

// NewHypergrid creates an unauthorized hypergrid client.
func NewHypergrid() *Hypergrid {
	return &Hypergrid{
		client: &http.Client{},
	}
}

// Authorized reports whether credentials are installed.
func (h *Hypergrid) Authorized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url != "" && h.token != "" && h.clientID != ""
}

// Credentials returns the stored connection parameters.
func (h *Hypergrid) Credentials() (url, token, clientID, node string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url, h.token, h.clientID, h.node
}

// Authorize probes the node with the candidate credentials and installs
// them only after the probe succeeds, so a rejected validation never leaves
// the client authorized. Any HTTP round trip that reaches the node validates
// the credentials; 200 and 404 both count, a 404 only means the probe path
// does not exist on this node.
func (h *Hypergrid) Authorize(ctx context.Context, url, token, clientID, node string) error {
	if url == "" || token == "" || clientID == "" {
		return fmt.Errorf("hypergrid authorization requires url, token, and client id")
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	status, _, err := h.postWith(probeCtx, url, token, clientID, map[string]any{
		"request": map[string]any{"SearchRegistry": "ping"},
	})
	if err != nil {
		return fmt.Errorf("hypergrid probe: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("hypergrid probe returned status %d", status)
	}

	h.mu.Lock()
	h.url = url
	h.token = token
	h.clientID = clientID
	h.node = node
	h.mu.Unlock()
	return nil
}

// Restore re-installs credentials persisted from an earlier authorization
// without probing; the node may not be reachable at startup.
func (h *Hypergrid) Restore(url, token, clientID, node string) {
	if url == "" || token == "" || clientID == "" {
		return
	}
	h.mu.Lock()
	h.url = url
	h.token = token
	h.clientID = clientID
	h.node = node
	h.mu.Unlock()
}

// Search queries the provider registry.
func (h *Hypergrid) Search(ctx context.Context, query string) (string, error) {
	if !h.Authorized() {
		return "", fmt.Errorf("hypergrid is not authorized")
	}
	status, body, err := h.post(ctx, map[string]any{
		"request": map[string]any{"SearchRegistry": query},
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("hypergrid search returned status %d", status)
	}
	return wrapContent(body), nil
}

// Call invokes a provider. Arguments are passed as ordered key/value pairs.
func (h *Hypergrid) Call(ctx context.Context, providerID, providerName string, args [][2]string) (string, error) {
	if !h.Authorized() {
		return "", fmt.Errorf("hypergrid is not authorized")
	}

	callArgs := make([][]string, 0, len(args))
	for _, kv := range args {
		callArgs = append(callArgs, []string{kv[0], kv[1]})
	}
	status, body, err := h.post(ctx, map[string]any{
		"request": map[string]any{
			"CallProvider": map[string]any{
				"providerId":   providerID,
				"providerName": providerName,
				"callArgs":     callArgs,
			},
		},
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("hypergrid call returned status %d", status)
	}
	return wrapContent(body), nil
}

func (h *Hypergrid) post(ctx context.Context, payload any) (int, string, error) {
	h.mu.Lock()
	url, token, clientID := h.url, h.token, h.clientID
	h.mu.Unlock()
	return h.postWith(ctx, url, token, clientID, payload)
}

func (h *Hypergrid) postWith(ctx context.Context, url, token, clientID string, payload any) (int, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("serialize hypergrid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", clientID)
	req.Header.Set("X-Token", token)

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("hypergrid request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read hypergrid response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

// wrapContent envelopes a raw node response the way an MCP server would.
func wrapContent(body string) string {
	wrapped := map[string]any{
		"content": []map[string]any{{"type": "text", "text": body}},
	}
	data, err := json.Marshal(wrapped)
	if err != nil {
		return body
	}
	return string(data)
}
