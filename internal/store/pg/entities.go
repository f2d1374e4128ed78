package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/ids"
	"gatehouse.dev/internal/optimistic"
)

const entityColumns = `id, tenant_id, kind, data, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (optimistic.Entity, error) {
	var (
		e    optimistic.Entity
		data []byte
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.Kind, &data, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return optimistic.Entity{}, err
	}
	e.Data = json.RawMessage(data)
	return e, nil
}

func (s *Store) Create(ctx context.Context, e optimistic.Entity) (optimistic.Entity, error) {
	if s.db == nil {
		return optimistic.Entity{}, errNoDB
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	created, err := scanEntity(s.db.QueryRowContext(ctx, `
		insert into entities (id, tenant_id, kind, data, version)
		values ($1, $2, $3, $4, 1)
		returning `+entityColumns,
		e.ID, e.TenantID, e.Kind, []byte(e.Data)))
	if err != nil {
		if isPgCode(err, pgErrForeignKeyViolation) {
			return optimistic.Entity{}, fmt.Errorf("%w: tenant %s", auth.ErrNotFound, e.TenantID)
		}
		return optimistic.Entity{}, err
	}
	return created, nil
}

func (s *Store) Get(ctx context.Context, tenantID, kind, id string) (optimistic.Entity, error) {
	if s.db == nil {
		return optimistic.Entity{}, errNoDB
	}
	e, err := scanEntity(s.db.QueryRowContext(ctx, `
		select `+entityColumns+`
		from entities
		where tenant_id = $1 and kind = $2 and id = $3
	`, tenantID, kind, id))
	if errors.Is(err, sql.ErrNoRows) {
		return optimistic.Entity{}, optimistic.ErrNotFound
	}
	return e, err
}

// CompareAndSwap is a single conditional update; the version predicate is the lock.
func (s *Store) CompareAndSwap(ctx context.Context, tenantID, kind, id string, expected int64, data json.RawMessage) (optimistic.Entity, bool, error) {
	if s.db == nil {
		return optimistic.Entity{}, false, errNoDB
	}
	e, err := scanEntity(s.db.QueryRowContext(ctx, `
		update entities
		set data = $4, version = version + 1, updated_at = now()
		where tenant_id = $1 and kind = $2 and id = $3 and version = $5
		returning `+entityColumns,
		tenantID, kind, id, []byte(data), expected))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return optimistic.Entity{}, false, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from entities where tenant_id = $1 and kind = $2 and id = $3)
	`, tenantID, kind, id).Scan(&exists); err != nil {
		return optimistic.Entity{}, false, err
	}
	if !exists {
		return optimistic.Entity{}, false, optimistic.ErrNotFound
	}
	return optimistic.Entity{}, false, nil
}
