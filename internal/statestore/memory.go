package statestore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryDriver keeps everything in process. It is the default for tests and
// for single-node deployments that persist elsewhere.
type MemoryDriver struct {
	mu      sync.RWMutex
	byID    map[string]*Entry
	byKey   map[string][]*Entry // "env|key" -> versions ascending
	audit   map[string][]*AuditRecord
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		byID:  make(map[string]*Entry),
		byKey: make(map[string][]*Entry),
		audit: make(map[string][]*AuditRecord),
	}
}

func keyOf(key, env string) string { return env + "|" + key }

func (m *MemoryDriver) Insert(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.byID[cp.ID] = &cp
	k := keyOf(cp.Key, cp.Environment)
	m.byKey[k] = append(m.byKey[k], &cp)
	return nil
}

func (m *MemoryDriver) MarkSuperseded(ctx context.Context, id, byID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil
	}
	now := time.Now()
	e.SupersededBy = byID
	e.SupersededAt = &now
	return nil
}

func (m *MemoryDriver) GetCurrent(ctx context.Context, key, env string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.byKey[keyOf(key, env)] {
		if e.Current() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryDriver) GetByID(ctx context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.byID[id]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryDriver) History(ctx context.Context, key, env string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.byKey[keyOf(key, env)]
	out := make([]*Entry, 0, len(versions))
	for _, e := range versions {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *MemoryDriver) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Entry
	for _, e := range m.byID {
		if f.Key != "" && e.Key != f.Key {
			continue
		}
		if f.Environment != "" && e.Environment != f.Environment {
			continue
		}
		if !f.IncludeSuperseded && !e.Current() {
			continue
		}
		if !tagsMatch(e.Tags, f.Tags) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Key != matched[j].Key {
			return strings.Compare(matched[i].Key, matched[j].Key) < 0
		}
		return matched[i].Version > matched[j].Version
	})

	return paginate(matched, f.Offset, f.Limit), nil
}

func (m *MemoryDriver) AppendAudit(ctx context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	k := keyOf(rec.Key, rec.Environment)
	m.audit[k] = append(m.audit[k], &cp)
	return nil
}

func (m *MemoryDriver) AuditTrail(ctx context.Context, key, env string) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.audit[keyOf(key, env)]
	out := make([]*AuditRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		cp := *records[i]
		out = append(out, &cp)
	}
	return out, nil
}

func tagsMatch(have map[string]string, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func paginate(entries []*Entry, offset, limit int) []*Entry {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}
