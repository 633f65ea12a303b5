package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/flowengine/pkg/schema"
)

// DefaultSalt is used with a passphrase when no salt is configured.
var DefaultSalt = []byte("flowengine-connections-v1")

// VaultConfig selects the vault key. MasterKey wins over Passphrase.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte // defaults to DefaultSalt
	Iterations int    // PBKDF2 rounds, default 100_000
}

// AESVault seals connection values with AES-256-GCM. The random nonce is
// prepended to each ciphertext.
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
		return nil, schema.NewError(schema.ErrCodeVault, "vault needs a master key or a passphrase")
	}
	salt := cfg.Salt
	if len(salt) == 0 {
		salt = DefaultSalt
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, salt, iterations, 32)
}

// sealVersion prefixes every ciphertext so the format can change later.
const sealVersion byte = 1

// seal encrypts value for name. The name is authenticated as associated data,
// so a ciphertext copied under another connection name fails to open.
func (v *AESVault) seal(name string, value []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), 1+v.aead.NonceSize()+len(value)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := append([]byte{sealVersion}, nonce...)
	return v.aead.Seal(out, nonce, value, []byte(name)), nil
}

func (v *AESVault) open(name string, sealed []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(sealed) < 1+n || sealed[0] != sealVersion {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "connection %q has an unknown format", name)
	}
	nonce, ct := sealed[1:1+n], sealed[1+n:]
	plain, err := v.aead.Open(nil, nonce, ct, []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "connection %q cannot be decrypted with this key", name).
			WithCause(err)
	}
	return plain, nil
}

func (v *AESVault) Store(ctx context.Context, name string, value []byte) error {
	sealed, err := v.seal(name, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, name, sealed)
}

func (v *AESVault) Resolve(ctx context.Context, name string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	return v.open(name, sealed)
}

func (v *AESVault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

// Rotate re-encrypts every connection with next's key. Connections are
// decrypted before anything is written, so a wrong current key changes nothing.
// It returns the number of connections rotated.
func (v *AESVault) Rotate(ctx context.Context, next *AESVault) (int, error) {
	names, err := v.List(ctx)
	if err != nil {
		return 0, err
	}
	plain := make(map[string][]byte, len(names))
	for _, name := range names {
		value, err := v.Resolve(ctx, name)
		if err != nil {
			return 0, err
		}
		plain[name] = value
	}
	for _, name := range names {
		if err := next.Store(ctx, name, plain[name]); err != nil {
			return 0, fmt.Errorf("rotate %q: %w", name, err)
		}
	}
	return len(names), nil
}

var _ Vault = (*AESVault)(nil)
