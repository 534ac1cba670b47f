package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie names the signed session cookie checked by /api-ssd.
const SessionCookie = "spider_session"

// MintSessionToken signs a session JWT for the admin UI. The secret is
// minted once per install and persisted with the rest of the state.
func MintSessionToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   "spider-admin",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// validateSession checks the session cookie against the install secret.
func validateSession(r *http.Request, secret string) error {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return fmt.Errorf("missing session cookie")
	}

	token, err := jwt.Parse(cookie.Value, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid session")
	}
	return nil
}

// handleSessionKey serves /api-ssd: a valid session cookie retrieves the
// admin GUI key.
func (s *Server) handleSessionKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := validateSession(r, s.sessionSecret); err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	key, ok := s.keys.AdminKey()
	if !ok {
		s.writeError(w, http.StatusNotFound, "admin key not minted")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, key)
}
