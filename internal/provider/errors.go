package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

var (
	// ErrNotImplemented marks provider variants that are registered but have
	// no adapter yet.
	ErrNotImplemented = errors.New("provider not implemented")
	// ErrUpstreamAuth marks completions rejected for bad credentials.
	ErrUpstreamAuth = errors.New("provider authentication failed")
	// ErrRateLimited marks completions rejected for quota exhaustion.
	ErrRateLimited = errors.New("provider rate limited")
)

// classify tags upstream failures the loop treats specially. Auth failures
// and rate limits get sentinel errors the gateway maps to distinct status
// codes; everything else passes through wrapped.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrUpstreamAuth, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "api key"), strings.Contains(msg, "authentication"):
		return fmt.Errorf("%w: %v", ErrUpstreamAuth, err)
	case strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("completion failed: %w", err)
}
