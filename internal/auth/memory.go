package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gatehouse.dev/internal/ids"
)

type memoryPrincipal struct {
	Principal
	secretHash string
}

// MemoryStore is an in-process DirectoryStore used by tests and single-node development.
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	tenants    map[string]Tenant
	roles      map[string]Role
	principals map[string]*memoryPrincipal
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        time.Now,
		tenants:    make(map[string]Tenant),
		roles:      make(map[string]Role),
		principals: make(map[string]*memoryPrincipal),
	}
}

func (m *MemoryStore) CreateTenant(_ context.Context, t Tenant) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tenants {
		if existing.Slug == t.Slug {
			return Tenant{}, fmt.Errorf("%w: tenant slug %q", ErrAlreadyExists, t.Slug)
		}
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	t.CreatedAt = m.now().UTC()
	m.tenants[t.ID] = t
	return t, nil
}

func (m *MemoryStore) GetTenant(_ context.Context, tenantRef string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tenants[tenantRef]; ok {
		return t, nil
	}
	for _, t := range m.tenants {
		if t.Slug == tenantRef {
			return t, nil
		}
	}
	return Tenant{}, ErrNotFound
}

func (m *MemoryStore) CreateRole(_ context.Context, r Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.TenantID != "" {
		if _, ok := m.tenants[r.TenantID]; !ok {
			return Role{}, fmt.Errorf("%w: tenant %s", ErrNotFound, r.TenantID)
		}
	}
	for _, existing := range m.roles {
		if existing.TenantID == r.TenantID && existing.Name == r.Name {
			return Role{}, fmt.Errorf("%w: role %q", ErrAlreadyExists, r.Name)
		}
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	now := m.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	r.Permissions = append([]string(nil), r.Permissions...)
	m.roles[r.ID] = r
	return r, nil
}

func (m *MemoryStore) GetRole(_ context.Context, roleID string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	r.Permissions = append([]string(nil), r.Permissions...)
	return r, nil
}

func (m *MemoryStore) FindRole(_ context.Context, tenantID, name string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.roles {
		if r.TenantID == tenantID && r.Name == name {
			r.Permissions = append([]string(nil), r.Permissions...)
			return r, nil
		}
	}
	return Role{}, ErrNotFound
}

func (m *MemoryStore) SetRolePermissions(_ context.Context, roleID string, perms []string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	r.Permissions = append([]string(nil), perms...)
	r.UpdatedAt = m.now().UTC()
	m.roles[roleID] = r
	return r, nil
}

func (m *MemoryStore) CreatePrincipal(_ context.Context, p Principal, secretHash string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[p.TenantID]; !ok {
		return Principal{}, fmt.Errorf("%w: tenant %s", ErrNotFound, p.TenantID)
	}
	for _, existing := range m.principals {
		if existing.TenantID == p.TenantID && strings.EqualFold(existing.Identifier, p.Identifier) {
			return Principal{}, fmt.Errorf("%w: identifier %q", ErrAlreadyExists, p.Identifier)
		}
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	now := m.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	p.Permissions = nil
	m.principals[p.ID] = &memoryPrincipal{Principal: p, secretHash: secretHash}
	return m.resolveLocked(p.TenantID, p.ID)
}

func (m *MemoryStore) AssignRole(_ context.Context, tenantID, principalID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.principalLocked(tenantID, principalID)
	if err != nil {
		return err
	}
	if roleID != "" {
		if _, ok := m.roles[roleID]; !ok {
			return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
		}
	}
	p.RoleID = roleID
	p.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) SetPrincipalActive(_ context.Context, tenantID, principalID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.principalLocked(tenantID, principalID)
	if err != nil {
		return err
	}
	p.Active = active
	p.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) UpdateSecret(_ context.Context, tenantID, principalID, secretHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.principalLocked(tenantID, principalID)
	if err != nil {
		return err
	}
	p.secretHash = secretHash
	p.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) FindCredential(_ context.Context, tenantRef, identifier string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tenantID := ""
	for _, t := range m.tenants {
		if t.ID == tenantRef || t.Slug == tenantRef {
			tenantID = t.ID
			break
		}
	}
	if tenantID == "" {
		return Credential{}, ErrNotFound
	}
	for _, p := range m.principals {
		if p.TenantID == tenantID && strings.EqualFold(p.Identifier, identifier) {
			return Credential{
				PrincipalID: p.ID,
				TenantID:    p.TenantID,
				Identifier:  p.Identifier,
				SecretHash:  p.secretHash,
				Active:      p.Active,
			}, nil
		}
	}
	return Credential{}, ErrNotFound
}

func (m *MemoryStore) ResolvePrincipal(_ context.Context, tenantID, principalID string) (Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveLocked(tenantID, principalID)
}

func (m *MemoryStore) principalLocked(tenantID, principalID string) (*memoryPrincipal, error) {
	p, ok := m.principals[principalID]
	if !ok || p.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) resolveLocked(tenantID, principalID string) (Principal, error) {
	p, err := m.principalLocked(tenantID, principalID)
	if err != nil {
		return Principal{}, err
	}
	out := p.Principal
	out.Permissions = nil
	if r, ok := m.roles[p.RoleID]; ok {
		out.Permissions = append([]string(nil), r.Permissions...)
	}
	return out, nil
}

// MemoryRevocations is a RevocationRegistry that forgets entries once they expire.
type MemoryRevocations struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]time.Time
}

// NewMemoryRevocations builds a registry. A nil clock uses time.Now.
func NewMemoryRevocations(now func() time.Time) *MemoryRevocations {
	if now == nil {
		now = time.Now
	}
	return &MemoryRevocations{now: now, entries: make(map[string]time.Time)}
}

func (r *MemoryRevocations) Revoke(_ context.Context, jti string, expiresAt time.Time) (bool, error) {
	if strings.TrimSpace(jti) == "" {
		return false, fmt.Errorf("%w: jti is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.pruneLocked(now)
	if !now.Before(expiresAt) {
		return false, nil
	}
	if _, ok := r.entries[jti]; ok {
		return false, nil
	}
	r.entries[jti] = expiresAt
	return true, nil
}

func (r *MemoryRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.entries[jti]
	if !ok {
		return false, nil
	}
	if !r.now().Before(exp) {
		delete(r.entries, jti)
		return false, nil
	}
	return true, nil
}

// Len reports live entries.
func (r *MemoryRevocations) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	return len(r.entries)
}

func (r *MemoryRevocations) pruneLocked(now time.Time) {
	for jti, exp := range r.entries {
		if !now.Before(exp) {
			delete(r.entries, jti)
		}
	}
}
