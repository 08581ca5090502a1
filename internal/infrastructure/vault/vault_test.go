package vault

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(filepath.Join(t.TempDir(), ".secrets"), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestVault_SetGetRoundTrip(t *testing.T) {
	v := newTestVault(t)

	if err := v.Set("anthropic-key", "sk-ant-test-12345", SetOptions{Provider: "claude"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := v.Get("anthropic-key")
	if !ok {
		t.Fatal("secret should be present")
	}
	if got != "sk-ant-test-12345" {
		t.Fatalf("got %q", got)
	}
}

func TestVault_GetAbsent(t *testing.T) {
	v := newTestVault(t)
	if _, ok := v.Get("nothing"); ok {
		t.Fatal("absent secret should not resolve")
	}
}

func TestVault_ExpiredSecret(t *testing.T) {
	v := newTestVault(t)

	past := time.Now().Add(-time.Hour)
	if err := v.Set("old", "value", SetOptions{ExpiresAt: &past}); err != nil {
		t.Fatal(err)
	}
	if _, ok := v.Get("old"); ok {
		t.Fatal("expired secret must not be returned")
	}
}

func TestVault_PersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".secrets")

	v1, err := New(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := v1.Set("k", "persisted-value", SetOptions{}); err != nil {
		t.Fatal(err)
	}

	v2, err := New(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := v2.Get("k")
	if !ok || got != "persisted-value" {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestVault_StoreNeverHoldsPlaintext(t *testing.T) {
	v := newTestVault(t)
	secret := "sk-ant-super-secret-value"
	if err := v.Set("k", secret, SetOptions{}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(v.StorePath())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), secret) {
		t.Fatal("plaintext leaked into store.json")
	}

	for _, m := range v.List() {
		blob, _ := os.ReadFile(v.StorePath())
		_ = blob
		if strings.Contains(m.Name, secret) {
			t.Fatal("plaintext leaked into listing")
		}
	}
}

func TestVault_FilePermissions(t *testing.T) {
	v := newTestVault(t)
	if err := v.Set("k", "v", SetOptions{}); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{keyFile, storeFile} {
		info, err := os.Stat(filepath.Join(v.dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s has mode %o, want 0600", name, perm)
		}
	}
}

func TestVault_FreshIVPerSet(t *testing.T) {
	v := newTestVault(t)

	v.Set("k", "same-value", SetOptions{})
	iv1 := v.secrets["k"].IV
	v.Set("k", "same-value", SetOptions{})
	iv2 := v.secrets["k"].IV

	if iv1 == iv2 {
		t.Fatal("every Set must use a fresh IV")
	}
}

func TestVault_Delete(t *testing.T) {
	v := newTestVault(t)
	v.Set("k", "v", SetOptions{})

	if !v.Delete("k") {
		t.Fatal("delete of existing secret should report true")
	}
	if v.Delete("k") {
		t.Fatal("second delete should report false")
	}
	if _, ok := v.Get("k"); ok {
		t.Fatal("deleted secret should be gone")
	}
}

func TestVault_ImportEnvSkipsExisting(t *testing.T) {
	v := newTestVault(t)
	v.Set("anthropic-key", "from-store", SetOptions{Provider: "claude"})

	t.Setenv("TEST_ANTHROPIC_KEY", "from-env")
	t.Setenv("TEST_OPENAI_KEY", "openai-from-env")

	v.ImportEnv([]EnvImport{
		{EnvVar: "TEST_ANTHROPIC_KEY", Name: "anthropic-key", Provider: "claude"},
		{EnvVar: "TEST_OPENAI_KEY", Name: "openai-key", Provider: "chatgpt"},
		{EnvVar: "TEST_UNSET_KEY", Name: "unset-key", Provider: "gemini"},
	})

	if got, _ := v.Get("anthropic-key"); got != "from-store" {
		t.Fatalf("store entry should win over env, got %q", got)
	}
	if got, _ := v.Get("openai-key"); got != "openai-from-env" {
		t.Fatalf("missing entry should import from env, got %q", got)
	}
	if _, ok := v.Get("unset-key"); ok {
		t.Fatal("unset env var should not import")
	}
}

func TestEnsureIgnored(t *testing.T) {
	root := t.TempDir()
	vaultDir := filepath.Join(root, ".secrets")

	if err := EnsureIgnored(root, vaultDir); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), ".secrets/") {
		t.Fatalf(".gitignore = %q", string(data))
	}

	// Idempotent.
	if err := EnsureIgnored(root, vaultDir); err != nil {
		t.Fatal(err)
	}
	again, _ := os.ReadFile(filepath.Join(root, ".gitignore"))
	if strings.Count(string(again), ".secrets/") != 1 {
		t.Fatalf("pattern duplicated: %q", string(again))
	}
}

func TestVault_ListNeverIncludesValue(t *testing.T) {
	v := newTestVault(t)
	v.Set("a", "value-a", SetOptions{Provider: "claude"})
	v.Set("b", "value-b", SetOptions{})

	metas := v.List()
	if len(metas) != 2 {
		t.Fatalf("got %d entries", len(metas))
	}
	if metas[0].Name != "a" || metas[1].Name != "b" {
		t.Fatalf("listing should be sorted by name: %+v", metas)
	}
}
