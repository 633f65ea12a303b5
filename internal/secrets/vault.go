package secrets

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/flowengine/pkg/schema"
)

// Vault holds connection values referenced from step input as
// {{connections.<name>}}. Values are opaque bytes; JSON objects are exposed
// field by field to mentions.
type Vault interface {
	Resolve(ctx context.Context, name string) ([]byte, error)
	Store(ctx context.Context, name string, value []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore persists ciphertext for a Vault. Implemented by store.LibSQLStore
// and MemoryStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// StoreConnection encodes value as JSON and saves it under name.
// Strings are stored raw so single-token connections resolve to plain text.
func StoreConnection(ctx context.Context, v Vault, name string, value any) error {
	if s, ok := value.(string); ok {
		return v.Store(ctx, name, []byte(s))
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeVault, "connection %q is not JSON encodable", name).WithCause(err)
	}
	return v.Store(ctx, name, raw)
}

// MemoryStore is a SecretStore kept in process memory. Used for ephemeral
// runs without a database and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "connection %q not found", key)
	}
	return v, nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "connection %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// raw exposes stored ciphertext to tests in this package.
func (m *MemoryStore) raw(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key]
}
