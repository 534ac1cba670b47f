package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPDispenser fetches a free-trial key from a dispenser service with a
// single idempotent POST.
type HTTPDispenser struct {
	URL    string
	Client *http.Client
}

// NewHTTPDispenser creates a dispenser client for the given endpoint.
func NewHTTPDispenser(url string) *HTTPDispenser {
	return &HTTPDispenser{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch requests a trial key. The dispenser is expected to return
// {"key": "..."} on success.
func (d *HTTPDispenser) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispenser request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dispenser returned status %d", resp.StatusCode)
	}

	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("parse dispenser response: %w", err)
	}
	if body.Key == "" {
		return "", fmt.Errorf("dispenser returned empty key")
	}
	return body.Key, nil
}
