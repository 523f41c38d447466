package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/flowctl/pkg/schema"
)

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// Enabled reports whether any key material is configured.
func (c VaultConfig) Enabled() bool {
	return len(c.MasterKey) > 0 || c.Passphrase != ""
}

// AESVault encrypts secrets with AES-256-GCM before persisting. The scope and
// key are bound as additional data, so a ciphertext copied to another
// project or key does not decrypt.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

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
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
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

func additionalData(scope Scope, key string) []byte {
	return fmt.Appendf(nil, "%d/%d/%s", scope.SiteID, scope.ProjectID, key)
}

func (v *AESVault) encrypt(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, ad), nil
}

func (v *AESVault) decrypt(ciphertext, ad []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], ad)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

func (v *AESVault) Store(ctx context.Context, scope Scope, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret key is empty")
	}
	encrypted, err := v.encrypt(value, additionalData(scope, key))
	if err != nil {
		return err
	}
	return v.store.PutSecret(ctx, scope.SiteID, scope.ProjectID, key, encrypted)
}

func (v *AESVault) Resolve(ctx context.Context, scope Scope, key string) ([]byte, error) {
	encrypted, err := v.store.GetSecret(ctx, scope.SiteID, scope.ProjectID, key)
	if err != nil {
		return nil, err
	}
	return v.decrypt(encrypted, additionalData(scope, key))
}

func (v *AESVault) Delete(ctx context.Context, scope Scope, key string) error {
	return v.store.DeleteSecret(ctx, scope.SiteID, scope.ProjectID, key)
}

func (v *AESVault) List(ctx context.Context, scope Scope) ([]string, error) {
	return v.store.ListSecretKeys(ctx, scope.SiteID, scope.ProjectID)
}

var _ Vault = (*AESVault)(nil)
