package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OAuthProxy relays OAuth token exchanges to the provider's token endpoint.
// It exists so the browser UI can complete the PKCE flow without CORS; no
// token material is stored here.
type OAuthProxy struct {
	tokenURL    string
	clientID    string
	redirectURI string
	client      *http.Client
}

// OAuthTokens is the proxy's response shape. Expires is absolute wall-clock
// milliseconds computed from the provider's expires_in.
type OAuthTokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Expires int64  `json:"expires"`
}

// NewOAuthProxy creates a proxy against the given token endpoint.
func NewOAuthProxy(tokenURL, clientID, redirectURI string) *OAuthProxy {
	return &OAuthProxy{
		tokenURL:    tokenURL,
		clientID:    clientID,
		redirectURI: redirectURI,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Exchange trades an authorization code and PKCE verifier for tokens.
func (p *OAuthProxy) Exchange(ctx context.Context, code, verifier string) (OAuthTokens, error) {
	return p.post(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"code_verifier": verifier,
		"client_id":     p.clientID,
		"redirect_uri":  p.redirectURI,
	})
}

// Refresh trades a refresh token for fresh tokens.
func (p *OAuthProxy) Refresh(ctx context.Context, refreshToken string) (OAuthTokens, error) {
	return p.post(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     p.clientID,
	})
}

func (p *OAuthProxy) post(ctx context.Context, form map[string]string) (OAuthTokens, error) {
	payload, err := json.Marshal(form)
	if err != nil {
		return OAuthTokens{}, fmt.Errorf("serialize token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return OAuthTokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return OAuthTokens{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return OAuthTokens{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return OAuthTokens{}, fmt.Errorf("parse token response: %w", err)
	}

	return OAuthTokens{
		Access:  body.AccessToken,
		Refresh: body.RefreshToken,
		Expires: time.Now().UnixMilli() + body.ExpiresIn*1000,
	}, nil
}
