package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/rendis/hireflow/pkg/schema"
)

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 iterations (default 100_000)
}

// AESVault encrypts secrets with AES-256-GCM before persisting. The secret
// name is bound as additional data, so a ciphertext copied under another
// name fails to open.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

var _ Vault = (*AESVault)(nil)

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (v *AESVault) seal(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

func (v *AESVault) open(name string, ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: ciphertext too short", name)
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: decrypt failed", name).WithCause(err)
	}
	return plaintext, nil
}

func validName(key string) error {
	if strings.TrimSpace(key) == "" || strings.ContainsAny(key, " \t\n}") {
		return schema.NewErrorf(schema.ErrCodeVault, "invalid secret name %q", key)
	}
	return nil
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	if err := validName(key); err != nil {
		return err
	}
	sealed, err := v.seal(key, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(key, sealed)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
