// Package optimistic implements compare-and-increment writes over versioned documents.
package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrVersionConflict = errors.New("optimistic: version conflict")
	ErrNotFound        = errors.New("optimistic: entity not found")
	ErrInvalidInput    = errors.New("optimistic: invalid input")
)

// Entity is an opaque JSON document with a monotonically increasing version. Versions
// start at 1 and grow by exactly one per successful write.
type Entity struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ConflictError reports the version a writer should re-read from.
type ConflictError struct {
	Expected int64
	Current  Entity
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("optimistic: version conflict on %s/%s: expected %d, current %d",
		e.Current.Kind, e.Current.ID, e.Expected, e.Current.Version)
}

func (e *ConflictError) Is(target error) bool { return target == ErrVersionConflict }

// Store persists entities. CompareAndSwap must be a single atomic conditional write that
// reports swapped=false when the stored version differs from expected.
type Store interface {
	Create(ctx context.Context, e Entity) (Entity, error)
	Get(ctx context.Context, tenantID, kind, id string) (Entity, error)
	CompareAndSwap(ctx context.Context, tenantID, kind, id string, expected int64, data json.RawMessage) (Entity, bool, error)
}

// Mutation derives the next document from the current one.
type Mutation func(current Entity) (json.RawMessage, error)

// Guard serializes concurrent writers by version stamp.
type Guard struct {
	store Store
	kinds map[string]struct{}
}

// NewGuard accepts writes for the listed kinds only.
func NewGuard(store Store, kinds ...string) (*Guard, error) {
	if store == nil {
		return nil, errors.New("optimistic: store is required")
	}
	if len(kinds) == 0 {
		return nil, errors.New("optimistic: at least one entity kind is required")
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[strings.TrimSpace(k)] = struct{}{}
	}
	return &Guard{store: store, kinds: set}, nil
}

// KnownKind reports whether the guard accepts writes for kind.
func (g *Guard) KnownKind(kind string) bool {
	_, ok := g.kinds[kind]
	return ok
}

func (g *Guard) Create(ctx context.Context, tenantID, kind string, data json.RawMessage) (Entity, error) {
	if err := g.validate(tenantID, kind, data); err != nil {
		return Entity{}, err
	}
	return g.store.Create(ctx, Entity{TenantID: tenantID, Kind: kind, Data: data})
}

func (g *Guard) Get(ctx context.Context, tenantID, kind, id string) (Entity, error) {
	if !g.KnownKind(kind) {
		return Entity{}, ErrNotFound
	}
	return g.store.Get(ctx, tenantID, kind, id)
}

// ApplyIfCurrent runs mutation against the entity only when its version equals expected.
// On mismatch the returned error is a *ConflictError carrying the current state.
func (g *Guard) ApplyIfCurrent(ctx context.Context, tenantID, kind, id string, expected int64, mutation Mutation) (Entity, error) {
	if expected < 1 {
		return Entity{}, fmt.Errorf("%w: version must be positive", ErrInvalidInput)
	}
	if mutation == nil {
		return Entity{}, fmt.Errorf("%w: mutation is required", ErrInvalidInput)
	}
	current, err := g.Get(ctx, tenantID, kind, id)
	if err != nil {
		return Entity{}, err
	}
	if current.Version != expected {
		return Entity{}, &ConflictError{Expected: expected, Current: current}
	}
	next, err := mutation(current)
	if err != nil {
		return Entity{}, err
	}
	if err := g.validate(tenantID, kind, next); err != nil {
		return Entity{}, err
	}

	updated, swapped, err := g.store.CompareAndSwap(ctx, tenantID, kind, id, expected, next)
	if err != nil {
		return Entity{}, err
	}
	if swapped {
		return updated, nil
	}
	latest, err := g.store.Get(ctx, tenantID, kind, id)
	if err != nil {
		return Entity{}, err
	}
	return Entity{}, &ConflictError{Expected: expected, Current: latest}
}

// Replace overwrites the document when expected is still current.
func (g *Guard) Replace(ctx context.Context, tenantID, kind, id string, expected int64, data json.RawMessage) (Entity, error) {
	return g.ApplyIfCurrent(ctx, tenantID, kind, id, expected, func(Entity) (json.RawMessage, error) {
		return data, nil
	})
}

func (g *Guard) validate(tenantID, kind string, data json.RawMessage) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	if !g.KnownKind(kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	if len(data) == 0 || !json.Valid(data) {
		return fmt.Errorf("%w: data must be valid JSON", ErrInvalidInput)
	}
	return nil
}
