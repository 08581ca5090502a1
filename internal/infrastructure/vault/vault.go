package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/aibridge/aibridge/pkg/errors"
	"go.uber.org/zap"
)

const (
	keyFile   = "key"
	storeFile = "store.json"

	gcmNonceSize = 12
	gcmTagSize   = 16
)

// SecretType classifies what a secret is.
type SecretType string

const (
	TypeAPIKey      SecretType = "api_key"
	TypeToken       SecretType = "token"
	TypePassword    SecretType = "password"
	TypeCertificate SecretType = "certificate"
)

// Secret is one encrypted entry as persisted in store.json. The GCM
// authentication tag is split off the sealed output and stored separately.
type Secret struct {
	Name       string     `json:"name"`
	Ciphertext string     `json:"ciphertext"`
	IV         string     `json:"iv"`
	AuthTag    string     `json:"authTag"`
	Type       SecretType `json:"type"`
	Provider   string     `json:"provider,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Meta is the public listing view of a secret. Never carries plaintext.
type Meta struct {
	Name      string     `json:"name"`
	Type      SecretType `json:"type"`
	Provider  string     `json:"provider,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// SetOptions carries optional metadata for Set.
type SetOptions struct {
	Type      SecretType
	Provider  string
	ExpiresAt *time.Time
}

// Vault is a file-backed store of AES-256-GCM encrypted credentials. The key
// file and the store carry owner-only permissions; plaintext leaves only
// through Get.
type Vault struct {
	dir    string
	aead   cipher.AEAD
	logger *zap.Logger

	mu      sync.RWMutex
	secrets map[string]*Secret
}

// New opens the vault at dir, creating the directory and key on first use.
func New(dir string, logger *zap.Logger) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	v := &Vault{
		dir:     dir,
		aead:    aead,
		logger:  logger.With(zap.String("component", "vault")),
		secrets: make(map[string]*Secret),
	}
	if err := v.load(); err != nil {
		return nil, err
	}
	return v, nil
}

// StorePath returns the path of the encrypted store file.
func (v *Vault) StorePath() string {
	return filepath.Join(v.dir, storeFile)
}

// Set encrypts value under a fresh IV and persists the store atomically.
func (v *Vault) Set(name, value string, opts SetOptions) error {
	if name == "" {
		return apperrors.New(apperrors.KindInvalidArgument, "secret name is required")
	}
	if value == "" {
		return apperrors.New(apperrors.KindInvalidArgument, "secret value is required")
	}
	if opts.Type == "" {
		opts.Type = TypeAPIKey
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}

	sealed := v.aead.Seal(nil, iv, []byte(value), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	now := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	s := &Secret{
		Name:       name,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Type:       opts.Type,
		Provider:   opts.Provider,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  opts.ExpiresAt,
	}
	if prev, ok := v.secrets[name]; ok {
		s.CreatedAt = prev.CreatedAt
	}
	v.secrets[name] = s

	if err := v.persistLocked(); err != nil {
		return err
	}
	v.logger.Info("Secret stored", zap.String("name", name), zap.String("provider", opts.Provider))
	return nil
}

// Get decrypts and returns the plaintext. Returns false when the secret is
// absent or expired.
func (v *Vault) Get(name string) (string, bool) {
	v.mu.RLock()
	s, ok := v.secrets[name]
	v.mu.RUnlock()
	if !ok {
		return "", false
	}
	if s.ExpiresAt != nil && s.ExpiresAt.Before(time.Now()) {
		v.logger.Warn("Secret expired", zap.String("name", name))
		return "", false
	}

	plaintext, err := v.open(s)
	if err != nil {
		v.logger.Error("Secret decrypt failed", zap.String("name", name), zap.Error(err))
		return "", false
	}
	return plaintext, true
}

// Delete removes a secret and persists. Reports whether it existed.
func (v *Vault) Delete(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.secrets[name]; !ok {
		return false
	}
	delete(v.secrets, name)
	if err := v.persistLocked(); err != nil {
		v.logger.Error("Persist after delete failed", zap.Error(err))
	}
	v.logger.Info("Secret deleted", zap.String("name", name))
	return true
}

// List returns metadata for all secrets, sorted by name.
func (v *Vault) List() []Meta {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Meta, 0, len(v.secrets))
	for _, s := range v.secrets {
		out = append(out, Meta{
			Name:      s.Name,
			Type:      s.Type,
			Provider:  s.Provider,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
			ExpiresAt: s.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProviderFor returns the provider a secret is bound to, if any.
func (v *Vault) ProviderFor(name string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if s, ok := v.secrets[name]; ok {
		return s.Provider
	}
	return ""
}

// EnvImport binds an environment variable to a secret name.
type EnvImport struct {
	EnvVar   string
	Name     string
	Provider string
}

// ImportEnv copies credentials present in the environment but absent from the
// store. Existing store entries win over the environment.
func (v *Vault) ImportEnv(imports []EnvImport) {
	for _, im := range imports {
		value := strings.TrimSpace(os.Getenv(im.EnvVar))
		if value == "" {
			continue
		}
		v.mu.RLock()
		_, exists := v.secrets[im.Name]
		v.mu.RUnlock()
		if exists {
			continue
		}
		if err := v.Set(im.Name, value, SetOptions{Type: TypeAPIKey, Provider: im.Provider}); err != nil {
			v.logger.Error("Env import failed", zap.String("name", im.Name), zap.Error(err))
			continue
		}
		v.logger.Info("Secret imported from environment",
			zap.String("name", im.Name),
			zap.String("env", im.EnvVar),
		)
	}
}

// EnsureIgnored appends the vault directory to the repo ignore file when it is
// not already listed.
func EnsureIgnored(repoRoot, vaultDir string) error {
	rel, err := filepath.Rel(repoRoot, vaultDir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil // vault lives outside the repo
	}
	pattern := rel + "/"

	path := filepath.Join(repoRoot, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == pattern || trimmed == rel {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(pattern + "\n")
	return err
}

// Reload re-reads store.json. Called by the file watcher after external edits.
func (v *Vault) Reload() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets = make(map[string]*Secret)
	return v.loadLocked()
}

// --- Internal ---

func (v *Vault) open(s *Secret) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", err
	}
	iv, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return "", err
	}
	tag, err := base64.StdEncoding.DecodeString(s.AuthTag)
	if err != nil {
		return "", err
	}
	sealed := append(ciphertext, tag...)
	plaintext, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *Vault) load() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadLocked()
}

func (v *Vault) loadLocked() error {
	data, err := os.ReadFile(v.StorePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store: %w", err)
	}
	var entries map[string]*Secret
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse store: %w", err)
	}
	for name, s := range entries {
		s.Name = name
		v.secrets[name] = s
	}
	return nil
}

func (v *Vault) persistLocked() error {
	data, err := json.MarshalIndent(v.secrets, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	return writeFileAtomic(v.StorePath(), data, 0o600)
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key: %w", err)
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := writeFileAtomic(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return key, nil
}

// writeFileAtomic writes via temp file + fsync + rename so a crash never
// leaves a truncated store.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
