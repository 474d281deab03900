package vault

import (
	"context"
	"io"
	"maps"
	"slices"
	"sync"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

// MemoryVault keeps archives in a map. It backs archive type "memory" and
// the tests.
type MemoryVault struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ minhash.Vault = (*MemoryVault)(nil)

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{objects: map[string][]byte{}}
}

func (m *MemoryVault) PutContent(_ context.Context, key string, r io.Reader, size int64) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return sizeMismatch(key, size, int64(len(data)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		m.objects[key] = data
	}
	return nil
}

func (m *MemoryVault) GetContent(_ context.Context, key string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return errclass.ErrNotFound.WithMessagef("archived content %s", key)
	}
	_, err := w.Write(data)
	return err
}

func (m *MemoryVault) HasContent(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}

func (*MemoryVault) ValidateSetup(context.Context) error { return nil }

// Keys lists stored keys in sorted order.
func (m *MemoryVault) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.objects))
}
