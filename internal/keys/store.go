// Package keys implements Spider's credential registry: upstream provider
// keys held in an obfuscation envelope, locally minted Spider keys with
// permission sets, and the OAuth-token recognizer used to accept Anthropic
// access tokens as session credentials.
package keys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Permissions a Spider key may carry.
const (
	PermRead  = "read"
	PermWrite = "write"
	PermAdmin = "admin"
	PermChat  = "chat"
)

// AdminKeyName is the reserved name of the key minted for the local admin UI.
const AdminKeyName = "Admin GUI Key"

var (
	ErrInvalidKey       = errors.New("invalid API key")
	ErrPermissionDenied = errors.New("permission denied")
	ErrKeyNotFound      = errors.New("key not found")
)

const envelopePrefix = "encrypted:"

// ProviderKey is a stored upstream-provider credential. Key holds the
// obfuscation envelope, never the raw material.
type ProviderKey struct {
	Provider  string `json:"provider"`
	Key       string `json:"key"`
	CreatedAt int64  `json:"createdAt"`
	LastUsed  *int64 `json:"lastUsed,omitempty"`
}

// ProviderKeyInfo is the redacted listing shape returned to clients.
type ProviderKeyInfo struct {
	Provider   string `json:"provider"`
	CreatedAt  int64  `json:"createdAt"`
	LastUsed   *int64 `json:"lastUsed,omitempty"`
	KeyPreview string `json:"keyPreview"`
}

// SpiderKey is a locally issued bearer credential for Spider's own API.
type SpiderKey struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	CreatedAt   int64    `json:"createdAt"`
}

// TrialDispenser hands out a free-trial provider key. Implementations must
// be idempotent; Spider calls Fetch at most once per cold start.
type TrialDispenser interface {
	Fetch(ctx context.Context) (string, error)
}

// Store holds all credentials in memory and invokes onChange after every
// mutation so the owner can snapshot state to disk.
type Store struct {
	mu           sync.Mutex
	providerKeys []ProviderKey
	spiderKeys   []SpiderKey
	trialNotice  bool
	onChange     func()
	logger       *slog.Logger
}

// NewStore creates a key store. onChange may be nil.
func NewStore(logger *slog.Logger, onChange func()) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		onChange: onChange,
		logger:   logger.With("component", "keys"),
	}
}

// EncryptKey wraps raw key material in the at-rest obfuscation envelope.
// This is deliberately not cryptography: the host's durable storage is the
// trust boundary, and the envelope only keeps keys out of casual view.
func EncryptKey(key string) string {
	return envelopePrefix + base64.StdEncoding.EncodeToString([]byte(key))
}

// DecryptKey unwraps the envelope. Strings without the envelope prefix are
// returned as-is so keys stored before the envelope existed keep working.
func DecryptKey(enc string) string {
	if !strings.HasPrefix(enc, envelopePrefix) {
		return enc
	}
	raw, err := base64.StdEncoding.DecodeString(enc[len(envelopePrefix):])
	if err != nil {
		return ""
	}
	return string(raw)
}

// PreviewKey returns the first 20 bytes of the envelope for display.
func PreviewKey(enc string) string {
	if len(enc) > 20 {
		return enc[:20] + "..."
	}
	return "***"
}

// IsOAuthToken reports whether a key is an OAuth access token, recognized by
// its third hyphen-delimited field starting with "oat" followed by exactly
// two ASCII digits (e.g. sk-ant-oat01-...). Plain API keys carry "api" there.
func IsOAuthToken(key string) bool {
	parts := strings.Split(key, "-")
	if len(parts) < 3 {
		return false
	}
	field := parts[2]
	if len(field) < 5 || !strings.HasPrefix(field, "oat") {
		return false
	}
	for _, c := range field[3:5] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// SetProviderKey installs or replaces the key for a provider.
func (s *Store) SetProviderKey(provider, key string) {
	s.mu.Lock()
	entry := ProviderKey{
		Provider:  provider,
		Key:       EncryptKey(key),
		CreatedAt: time.Now().Unix(),
	}
	replaced := false
	for i := range s.providerKeys {
		if s.providerKeys[i].Provider == provider {
			s.providerKeys[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		s.providerKeys = append(s.providerKeys, entry)
	}
	s.mu.Unlock()
	s.changed()
}

// ListProviderKeys returns redacted listings of all provider keys.
func (s *Store) ListProviderKeys() []ProviderKeyInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ProviderKeyInfo, 0, len(s.providerKeys))
	for _, k := range s.providerKeys {
		infos = append(infos, ProviderKeyInfo{
			Provider:   k.Provider,
			CreatedAt:  k.CreatedAt,
			LastUsed:   k.LastUsed,
			KeyPreview: PreviewKey(k.Key),
		})
	}
	return infos
}

// RemoveProviderKey deletes the key for a provider.
func (s *Store) RemoveProviderKey(provider string) error {
	s.mu.Lock()
	for i, k := range s.providerKeys {
		if k.Provider == provider {
			s.providerKeys = append(s.providerKeys[:i], s.providerKeys[i+1:]...)
			s.mu.Unlock()
			s.changed()
			return nil
		}
	}
	s.mu.Unlock()
	return fmt.Errorf("no API key found for %s: %w", provider, ErrKeyNotFound)
}

// ProviderKey resolves the plaintext key for a provider and marks it used.
func (s *Store) ProviderKey(provider string) (string, bool) {
	s.mu.Lock()
	for i := range s.providerKeys {
		if s.providerKeys[i].Provider == provider {
			now := time.Now().Unix()
			s.providerKeys[i].LastUsed = &now
			key := DecryptKey(s.providerKeys[i].Key)
			s.mu.Unlock()
			s.changed()
			return key, true
		}
	}
	s.mu.Unlock()
	return "", false
}

// HasProviderKeys reports whether any upstream key is installed.
func (s *Store) HasProviderKeys() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.providerKeys) > 0
}

// CreateSpiderKey mints a new Spider key with the given permission set.
func (s *Store) CreateSpiderKey(name string, permissions []string) (SpiderKey, error) {
	for _, p := range permissions {
		switch p {
		case PermRead, PermWrite, PermAdmin, PermChat:
		default:
			return SpiderKey{}, fmt.Errorf("unknown permission %q", p)
		}
	}

	key := SpiderKey{
		Key:         "sp_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:        name,
		Permissions: permissions,
		CreatedAt:   time.Now().Unix(),
	}

	s.mu.Lock()
	s.spiderKeys = append(s.spiderKeys, key)
	s.mu.Unlock()
	s.changed()
	return key, nil
}

// ListSpiderKeys returns all Spider keys.
func (s *Store) ListSpiderKeys() []SpiderKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SpiderKey, len(s.spiderKeys))
	copy(out, s.spiderKeys)
	return out
}

// RevokeSpiderKey deletes a Spider key by its key string.
func (s *Store) RevokeSpiderKey(keyID string) error {
	s.mu.Lock()
	for i, k := range s.spiderKeys {
		if k.Key == keyID {
			s.spiderKeys = append(s.spiderKeys[:i], s.spiderKeys[i+1:]...)
			s.mu.Unlock()
			s.changed()
			return nil
		}
	}
	s.mu.Unlock()
	return fmt.Errorf("spider API key %s: %w", keyID, ErrKeyNotFound)
}

// EnsureAdminKey mints the admin GUI key on first start. The key string is
// stable across restarts; the random suffix is 96 bits minted exactly once.
func (s *Store) EnsureAdminKey() SpiderKey {
	s.mu.Lock()
	for _, k := range s.spiderKeys {
		if k.Name == AdminKeyName {
			s.mu.Unlock()
			return k
		}
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	key := SpiderKey{
		Key:         "sp_admin_" + suffix,
		Name:        AdminKeyName,
		Permissions: []string{PermAdmin, PermRead, PermWrite, PermChat},
		CreatedAt:   time.Now().Unix(),
	}
	s.spiderKeys = append(s.spiderKeys, key)
	s.mu.Unlock()
	s.changed()
	s.logger.Info("minted admin GUI key")
	return key
}

// AdminKey returns the admin GUI key string, if minted.
func (s *Store) AdminKey() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.spiderKeys {
		if k.Name == AdminKeyName {
			return k.Key, true
		}
	}
	return "", false
}

// Permissions resolves the permission set granted by a presented credential.
// OAuth tokens grant everything except admin; Spider keys grant their stored
// set. Unknown keys return ErrInvalidKey.
func (s *Store) Permissions(key string) (map[string]bool, error) {
	if IsOAuthToken(key) {
		return map[string]bool{PermRead: true, PermWrite: true, PermChat: true}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.spiderKeys {
		if k.Key == key {
			perms := make(map[string]bool, len(k.Permissions))
			for _, p := range k.Permissions {
				perms[p] = true
			}
			return perms, nil
		}
	}
	return nil, ErrInvalidKey
}

// Authorize checks that the credential carries the required permission.
func (s *Store) Authorize(key, permission string) error {
	perms, err := s.Permissions(key)
	if err != nil {
		return err
	}
	if !perms[permission] {
		return fmt.Errorf("%s: %w", permission, ErrPermissionDenied)
	}
	return nil
}

// EnsureTrialKey fetches a free-trial key when no provider keys exist. On
// success the key is installed under "anthropic" and a one-shot notice flag
// is set for the UI. Failures are logged and non-fatal.
func (s *Store) EnsureTrialKey(ctx context.Context, dispenser TrialDispenser) {
	if dispenser == nil || s.HasProviderKeys() {
		return
	}

	key, err := dispenser.Fetch(ctx)
	if err != nil {
		s.logger.Warn("trial key dispenser failed", "error", err)
		return
	}
	s.SetProviderKey("anthropic", key)

	s.mu.Lock()
	s.trialNotice = true
	s.mu.Unlock()
	s.changed()
	s.logger.Info("installed free-trial anthropic key")
}

// ConsumeTrialNotice returns the one-shot trial-key flag and clears it.
func (s *Store) ConsumeTrialNotice() bool {
	s.mu.Lock()
	if !s.trialNotice {
		s.mu.Unlock()
		return false
	}
	s.trialNotice = false
	s.mu.Unlock()
	s.changed()
	return true
}

// Snapshot returns the persistable contents of the store.
func (s *Store) Snapshot() ([]ProviderKey, []SpiderKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk := make([]ProviderKey, len(s.providerKeys))
	copy(pk, s.providerKeys)
	sk := make([]SpiderKey, len(s.spiderKeys))
	copy(sk, s.spiderKeys)
	return pk, sk, s.trialNotice
}

// Restore loads persisted contents. Called once at startup, before readers.
func (s *Store) Restore(providerKeys []ProviderKey, spiderKeys []SpiderKey, trialNotice bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerKeys = providerKeys
	s.spiderKeys = spiderKeys
	s.trialNotice = trialNotice
}
