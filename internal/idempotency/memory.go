package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage keeps records in process. Used by tests and by single-node
// deployments where crash durability is not required.
type MemoryStorage struct {
	mu   sync.Mutex
	recs map[string]*Record // namespace|keyHash -> record
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{recs: make(map[string]*Record)}
}

func storageKey(namespace, keyHash string) string { return namespace + "|" + keyHash }

func (m *MemoryStorage) CreateIfAbsent(ctx context.Context, rec *Record) (bool, *Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storageKey(rec.Namespace, rec.KeyHash)
	if existing, ok := m.recs[k]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *rec
	m.recs[k] = &cp
	return true, nil, nil
}

func (m *MemoryStorage) Get(ctx context.Context, namespace, keyHash string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[storageKey(namespace, keyHash)]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStorage) UpdateIfVersion(ctx context.Context, rec *Record, expectedVersion int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := storageKey(rec.Namespace, rec.KeyHash)
	existing, ok := m.recs[k]
	if !ok || existing.Version != expectedVersion {
		return false, nil
	}
	cp := *rec
	m.recs[k] = &cp
	return true, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, namespace, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, storageKey(namespace, keyHash))
	return nil
}

func (m *MemoryStorage) CleanupExpired(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.recs {
		if rec.ExpiresAt.Before(before) {
			delete(m.recs, k)
			n++
		}
	}
	return n, nil
}
