package features

import (
	"context"
	"sync"
	"time"
)

// Flag is the stored state of one feature for one tenant.
type Flag struct {
	TenantID    string    `json:"tenant_id"`
	Feature     Feature   `json:"feature"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists flag rows. GetFlag reports found=false when no row exists.
type Store interface {
	GetFlag(ctx context.Context, tenantID string, feature Feature) (Flag, bool, error)
	ListFlags(ctx context.Context, tenantID string) ([]Flag, error)
	UpsertFlag(ctx context.Context, flag Flag) (Flag, error)
	// InsertMissing writes rows that do not exist yet and leaves existing rows untouched.
	InsertMissing(ctx context.Context, flags []Flag) error
}

type flagKey struct {
	tenant  string
	feature Feature
}

// MemoryStore keeps flags in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[flagKey]Flag
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[flagKey]Flag)}
}

func (m *MemoryStore) GetFlag(_ context.Context, tenantID string, feature Feature) (Flag, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flags[flagKey{tenantID, feature}]
	return f, ok, nil
}

func (m *MemoryStore) ListFlags(_ context.Context, tenantID string) ([]Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Flag
	for k, f := range m.flags {
		if k.tenant == tenantID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertFlag(_ context.Context, flag Flag) (Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flag.UpdatedAt = time.Now().UTC()
	m.flags[flagKey{flag.TenantID, flag.Feature}] = flag
	return flag, nil
}

func (m *MemoryStore) InsertMissing(_ context.Context, flags []Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, f := range flags {
		k := flagKey{f.TenantID, f.Feature}
		if _, ok := m.flags[k]; ok {
			continue
		}
		f.UpdatedAt = now
		m.flags[k] = f
	}
	return nil
}
