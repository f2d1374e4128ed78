package optimistic

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gatehouse.dev/internal/ids"
)

type entityKey struct {
	tenant, kind, id string
}

// MemoryStore holds entities in memory; CompareAndSwap runs under one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	entities map[entityKey]Entity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[entityKey]Entity)}
}

func (m *MemoryStore) Create(_ context.Context, e Entity) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	now := time.Now().UTC()
	e.Version = 1
	e.CreatedAt, e.UpdatedAt = now, now
	e.Data = append(json.RawMessage(nil), e.Data...)
	m.entities[entityKey{e.TenantID, e.Kind, e.ID}] = e
	return e, nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, kind, id string) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[entityKey{tenantID, kind, id}]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, tenantID, kind, id string, expected int64, data json.RawMessage) (Entity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey{tenantID, kind, id}
	e, ok := m.entities[key]
	if !ok {
		return Entity{}, false, ErrNotFound
	}
	if e.Version != expected {
		return Entity{}, false, nil
	}
	e.Data = append(json.RawMessage(nil), data...)
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	m.entities[key] = e
	return e, true, nil
}
