package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

func testVault(t *testing.T) (*AESVault, *MemoryStore) {
	t.Helper()
	s := NewMemoryStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_StoreAndResolve(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "slack", []byte("xoxb-123")))

	val, err := v.Resolve(ctx, "slack")
	require.NoError(t, err)
	assert.Equal(t, []byte("xoxb-123"), val)
}

func TestAESVault_CiphertextAtRest(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "token", []byte("plaintext-value")))

	raw := s.raw("token")
	assert.False(t, bytes.Contains(raw, []byte("plaintext-value")))
	assert.Greater(t, len(raw), len("plaintext-value"))
}

func TestAESVault_Passphrase(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	v1, err := NewAESVault(s, VaultConfig{Passphrase: "correct horse", Iterations: 1000})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "db", []byte("postgres://u:p@h/db")))

	// Same passphrase and default salt derive the same key.
	v2, err := NewAESVault(s, VaultConfig{Passphrase: "correct horse", Iterations: 1000})
	require.NoError(t, err)
	val, err := v2.Resolve(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@h/db", string(val))

	v3, err := NewAESVault(s, VaultConfig{Passphrase: "correct horse", Salt: []byte("other"), Iterations: 1000})
	require.NoError(t, err)
	_, err = v3.Resolve(ctx, "db")
	require.Error(t, err)
}

func TestAESVault_WrongKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	key2[0] = 0xFF

	v1, _ := NewAESVault(s, VaultConfig{MasterKey: key1})
	require.NoError(t, v1.Store(ctx, "secret", []byte("hidden")))

	v2, _ := NewAESVault(s, VaultConfig{MasterKey: key2})
	_, err := v2.Resolve(ctx, "secret")
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeVault, fe.Code)
	assert.Contains(t, fe.Message, `"secret"`)
}

func TestAESVault_CiphertextBoundToName(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "prod", []byte("prod-token")))
	require.NoError(t, s.StoreSecret(ctx, "staging", s.raw("prod")))

	_, err := v.Resolve(ctx, "staging")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))

	require.NoError(t, s.StoreSecret(ctx, "legacy", []byte{0x09, 0x01}))
	_, err = v.Resolve(ctx, "legacy")
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))
}

func TestAESVault_Rotate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old, err := NewAESVault(s, VaultConfig{Passphrase: "old", Iterations: 1000})
	require.NoError(t, err)
	next, err := NewAESVault(s, VaultConfig{Passphrase: "new", Iterations: 1000})
	require.NoError(t, err)

	require.NoError(t, old.Store(ctx, "a", []byte("alpha")))
	require.NoError(t, old.Store(ctx, "b", []byte("beta")))

	_, err = next.Rotate(ctx, old)
	require.Error(t, err, "rotating from the wrong key fails")
	val, err := old.Resolve(ctx, "a")
	require.NoError(t, err, "a failed rotation leaves the connections untouched")
	assert.Equal(t, "alpha", string(val))

	n, err := old.Rotate(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	val, err = next.Resolve(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "beta", string(val))
	_, err = old.Resolve(ctx, "b")
	require.Error(t, err)
}

func TestAESVault_DeleteAndNotFound(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "key", []byte("val")))
	require.NoError(t, v.Delete(ctx, "key"))

	_, err := v.Resolve(ctx, "key")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	assert.True(t, schema.HasCode(v.Delete(ctx, "key"), schema.ErrCodeNotFound))
}

func TestAESVault_ListSorted(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	for _, k := range []string{"c", "a", "b"} {
		require.NoError(t, v.Store(ctx, k, []byte(k)))
	}

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "k1", []byte("same-value")))
	require.NoError(t, v.Store(ctx, "k2", []byte("same-value")))

	assert.False(t, bytes.Equal(s.raw("k1"), s.raw("k2")))
}

func TestAESVault_Config(t *testing.T) {
	_, err := NewAESVault(NewMemoryStore(), VaultConfig{MasterKey: []byte("too-short")})
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))

	_, err = NewAESVault(NewMemoryStore(), VaultConfig{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))
}

func TestStoreConnection(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, StoreConnection(ctx, v, "api", map[string]any{"token": "t-1", "region": "eu"}))
	require.NoError(t, StoreConnection(ctx, v, "plain", "just-a-token"))

	raw, err := v.Resolve(ctx, "api")
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"t-1","region":"eu"}`, string(raw))

	raw, err = v.Resolve(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, "just-a-token", string(raw))
}
