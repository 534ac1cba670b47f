package keys

import (
	"context"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	for _, key := range []string{"sk-ant-api03-abc", "", "short", strings.Repeat("x", 500)} {
		enc := EncryptKey(key)
		if !strings.HasPrefix(enc, "encrypted:") {
			t.Errorf("EncryptKey(%q) = %q, missing envelope prefix", key, enc)
		}
		if got := DecryptKey(enc); got != key {
			t.Errorf("DecryptKey(EncryptKey(%q)) = %q", key, got)
		}
	}
}

func TestDecryptPassthroughForLegacyKeys(t *testing.T) {
	if got := DecryptKey("sk-plain-key"); got != "sk-plain-key" {
		t.Errorf("legacy key rewritten: %q", got)
	}
}

func TestPreviewKey(t *testing.T) {
	enc := EncryptKey("sk-ant-REDACTED")
	preview := PreviewKey(enc)
	if preview != enc[:20]+"..." {
		t.Errorf("preview = %q", preview)
	}
	if PreviewKey("short") != "***" {
		t.Errorf("short preview = %q", PreviewKey("short"))
	}
}

func TestIsOAuthToken(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"sk-ant-oat01-rest-of-token", true},
		{"sk-ant-oat99-x", true},
		{"sk-ant-api03-rest", false},
		{"sk-ant-oat-rest", false},
		{"sk-ant-oat1-rest", false},
		{"sk-ant-oatxy-rest", false},
		{"sp_abcdef", false},
		{"", false},
		{"a-b", false},
	}
	for _, tc := range cases {
		if got := IsOAuthToken(tc.key); got != tc.want {
			t.Errorf("IsOAuthToken(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestProviderKeyLifecycle(t *testing.T) {
	changes := 0
	s := NewStore(nil, func() { changes++ })

	s.SetProviderKey("anthropic", "sk-ant-api03-abc")

	infos := s.ListProviderKeys()
	if len(infos) != 1 || infos[0].Provider != "anthropic" {
		t.Fatalf("list = %+v", infos)
	}
	if !strings.HasPrefix(infos[0].KeyPreview, "encrypted:") {
		t.Errorf("preview %q does not show the envelope", infos[0].KeyPreview)
	}

	key, ok := s.ProviderKey("anthropic")
	if !ok || key != "sk-ant-api03-abc" {
		t.Fatalf("ProviderKey = %q, %v", key, ok)
	}
	if s.ListProviderKeys()[0].LastUsed == nil {
		t.Error("LastUsed not set after resolution")
	}

	// Replacing keeps one entry per provider.
	s.SetProviderKey("anthropic", "sk-ant-api03-def")
	if got := len(s.ListProviderKeys()); got != 1 {
		t.Errorf("entries after replace = %d", got)
	}

	if err := s.RemoveProviderKey("anthropic"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveProviderKey("anthropic"); err == nil {
		t.Error("second remove succeeded")
	}
	if changes == 0 {
		t.Error("onChange never invoked")
	}
}

func TestSpiderKeyLifecycle(t *testing.T) {
	s := NewStore(nil, nil)

	key, err := s.CreateSpiderKey("ci", []string{PermRead, PermChat})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(key.Key, "sp_") || len(key.Key) != 3+32 {
		t.Errorf("key format %q", key.Key)
	}

	found := false
	for _, k := range s.ListSpiderKeys() {
		if k.Key == key.Key {
			found = true
		}
	}
	if !found {
		t.Fatal("created key missing from list")
	}

	if err := s.Authorize(key.Key, PermRead); err != nil {
		t.Errorf("read denied: %v", err)
	}
	if err := s.Authorize(key.Key, PermWrite); err == nil {
		t.Error("write allowed without permission")
	}

	if err := s.RevokeSpiderKey(key.Key); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	for _, k := range s.ListSpiderKeys() {
		if k.Key == key.Key {
			t.Error("revoked key still listed")
		}
	}
	if err := s.RevokeSpiderKey(key.Key); err == nil {
		t.Error("second revoke succeeded")
	}
}

func TestCreateSpiderKeyRejectsUnknownPermission(t *testing.T) {
	s := NewStore(nil, nil)
	if _, err := s.CreateSpiderKey("x", []string{"root"}); err == nil {
		t.Error("unknown permission accepted")
	}
}

func TestEnsureAdminKeyStable(t *testing.T) {
	s := NewStore(nil, nil)

	first := s.EnsureAdminKey()
	if !strings.HasPrefix(first.Key, "sp_admin_") || len(first.Key) != len("sp_admin_")+24 {
		t.Errorf("admin key format %q", first.Key)
	}
	second := s.EnsureAdminKey()
	if first.Key != second.Key {
		t.Errorf("admin key changed: %q then %q", first.Key, second.Key)
	}

	got, ok := s.AdminKey()
	if !ok || got != first.Key {
		t.Errorf("AdminKey = %q, %v", got, ok)
	}
	if err := s.Authorize(first.Key, PermAdmin); err != nil {
		t.Errorf("admin denied: %v", err)
	}
}

func TestOAuthTokenPermissions(t *testing.T) {
	s := NewStore(nil, nil)

	perms, err := s.Permissions("sk-ant-oat01-token")
	if err != nil {
		t.Fatalf("oauth permissions: %v", err)
	}
	for _, p := range []string{PermRead, PermWrite, PermChat} {
		if !perms[p] {
			t.Errorf("oauth token missing %s", p)
		}
	}
	if perms[PermAdmin] {
		t.Error("oauth token granted admin")
	}

	if _, err := s.Permissions("sp_unknown"); err == nil {
		t.Error("unknown key accepted")
	}
}

type fakeDispenser struct {
	key   string
	calls int
}

func (d *fakeDispenser) Fetch(context.Context) (string, error) {
	d.calls++
	return d.key, nil
}

func TestEnsureTrialKey(t *testing.T) {
	s := NewStore(nil, nil)
	d := &fakeDispenser{key: "sk-ant-api03-trial"}

	s.EnsureTrialKey(context.Background(), d)
	if d.calls != 1 {
		t.Fatalf("dispenser calls = %d", d.calls)
	}
	key, ok := s.ProviderKey("anthropic")
	if !ok || key != "sk-ant-api03-trial" {
		t.Fatalf("trial key not installed: %q %v", key, ok)
	}
	if !s.ConsumeTrialNotice() {
		t.Error("trial notice not set")
	}
	if s.ConsumeTrialNotice() {
		t.Error("trial notice not one-shot")
	}

	// A second call with keys present must not hit the dispenser.
	s.EnsureTrialKey(context.Background(), d)
	if d.calls != 1 {
		t.Errorf("dispenser called again: %d", d.calls)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := NewStore(nil, nil)
	s.SetProviderKey("anthropic", "sk-ant-api03-abc")
	s.EnsureAdminKey()

	pk, sk, notice := s.Snapshot()

	restored := NewStore(nil, nil)
	restored.Restore(pk, sk, notice)

	key, ok := restored.ProviderKey("anthropic")
	if !ok || key != "sk-ant-api03-abc" {
		t.Errorf("provider key lost: %q %v", key, ok)
	}
	if _, ok := restored.AdminKey(); !ok {
		t.Error("admin key lost")
	}
}
