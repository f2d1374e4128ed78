package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/ids"
)

func (s *Store) CreateTenant(ctx context.Context, t auth.Tenant) (auth.Tenant, error) {
	if s.db == nil {
		return auth.Tenant{}, errNoDB
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into tenants (id, name, slug)
		values ($1, $2, $3)
		returning created_at
	`, t.ID, t.Name, t.Slug).Scan(&t.CreatedAt)
	if err != nil {
		if isPgCode(err, pgErrUniqueViolation) {
			return auth.Tenant{}, fmt.Errorf("%w: tenant slug %q", auth.ErrAlreadyExists, t.Slug)
		}
		return auth.Tenant{}, err
	}
	return t, nil
}

func (s *Store) GetTenant(ctx context.Context, tenantRef string) (auth.Tenant, error) {
	if s.db == nil {
		return auth.Tenant{}, errNoDB
	}
	var t auth.Tenant
	err := s.db.QueryRowContext(ctx, `
		select id, name, slug, created_at
		from tenants
		where id = $1 or slug = $1
	`, tenantRef).Scan(&t.ID, &t.Name, &t.Slug, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tenant{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Tenant{}, err
	}
	return t, nil
}

func (s *Store) CreateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	if r.ID == "" {
		r.ID = ids.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into roles (id, tenant_id, name)
		values ($1, $2, $3)
		returning created_at, updated_at
	`, r.ID, nullIfEmpty(r.TenantID), r.Name).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		switch {
		case isPgCode(err, pgErrUniqueViolation):
			return auth.Role{}, fmt.Errorf("%w: role %q", auth.ErrAlreadyExists, r.Name)
		case isPgCode(err, pgErrForeignKeyViolation):
			return auth.Role{}, fmt.Errorf("%w: tenant %s", auth.ErrNotFound, r.TenantID)
		}
		return auth.Role{}, err
	}
	if err := insertRolePermissions(ctx, tx, r.ID, r.Permissions); err != nil {
		return auth.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	return r, nil
}

func (s *Store) GetRole(ctx context.Context, roleID string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var r auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, coalesce(tenant_id, ''), name, created_at, updated_at
		from roles
		where id = $1
	`, roleID).Scan(&r.ID, &r.TenantID, &r.Name, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Role{}, err
	}
	if r.Permissions, err = s.rolePermissions(ctx, r.ID); err != nil {
		return auth.Role{}, err
	}
	return r, nil
}

func (s *Store) FindRole(ctx context.Context, tenantID, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var r auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, coalesce(tenant_id, ''), name, created_at, updated_at
		from roles
		where coalesce(tenant_id, '') = $1 and name = $2
	`, tenantID, name).Scan(&r.ID, &r.TenantID, &r.Name, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Role{}, err
	}
	if r.Permissions, err = s.rolePermissions(ctx, r.ID); err != nil {
		return auth.Role{}, err
	}
	return r, nil
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, perms []string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var r auth.Role
	err = tx.QueryRowContext(ctx, `
		update roles set updated_at = now()
		where id = $1
		returning id, coalesce(tenant_id, ''), name, created_at, updated_at
	`, roleID).Scan(&r.ID, &r.TenantID, &r.Name, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Role{}, err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return auth.Role{}, err
	}
	if err := insertRolePermissions(ctx, tx, roleID, perms); err != nil {
		return auth.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	r.Permissions = append([]string(nil), perms...)
	return r, nil
}

func insertRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, perms []string) error {
	for i, perm := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, position, permission)
			values ($1, $2, $3)
		`, roleID, i, perm); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) rolePermissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select permission
		from role_permissions
		where role_id = $1
		order by position
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *Store) CreatePrincipal(ctx context.Context, p auth.Principal, secretHash string) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into principals (id, tenant_id, identifier, secret_hash, active, superuser, role_id)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.TenantID, p.Identifier, secretHash, p.Active, p.Superuser, nullIfEmpty(p.RoleID))
	if err != nil {
		switch {
		case isPgCode(err, pgErrUniqueViolation):
			return auth.Principal{}, fmt.Errorf("%w: identifier %q", auth.ErrAlreadyExists, p.Identifier)
		case isPgCode(err, pgErrForeignKeyViolation):
			return auth.Principal{}, fmt.Errorf("%w: tenant or role", auth.ErrNotFound)
		}
		return auth.Principal{}, err
	}
	return s.ResolvePrincipal(ctx, p.TenantID, p.ID)
}

func (s *Store) AssignRole(ctx context.Context, tenantID, principalID, roleID string) error {
	return s.updatePrincipal(ctx, `
		update principals set role_id = $3, updated_at = now()
		where tenant_id = $1 and id = $2
	`, tenantID, principalID, nullIfEmpty(roleID))
}

func (s *Store) SetPrincipalActive(ctx context.Context, tenantID, principalID string, active bool) error {
	return s.updatePrincipal(ctx, `
		update principals set active = $3, updated_at = now()
		where tenant_id = $1 and id = $2
	`, tenantID, principalID, active)
}

func (s *Store) UpdateSecret(ctx context.Context, tenantID, principalID, secretHash string) error {
	return s.updatePrincipal(ctx, `
		update principals set secret_hash = $3, updated_at = now()
		where tenant_id = $1 and id = $2
	`, tenantID, principalID, secretHash)
}

func (s *Store) updatePrincipal(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isPgCode(err, pgErrForeignKeyViolation) {
			return fmt.Errorf("%w: role", auth.ErrNotFound)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) FindCredential(ctx context.Context, tenantRef, identifier string) (auth.Credential, error) {
	if s.db == nil {
		return auth.Credential{}, errNoDB
	}
	var c auth.Credential
	err := s.db.QueryRowContext(ctx, `
		select p.id, p.tenant_id, p.identifier, p.secret_hash, p.active
		from principals p
		join tenants t on t.id = p.tenant_id
		where (t.id = $1 or t.slug = $1) and lower(p.identifier) = lower($2)
	`, tenantRef, identifier).Scan(&c.PrincipalID, &c.TenantID, &c.Identifier, &c.SecretHash, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credential{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Credential{}, err
	}
	return c, nil
}

func (s *Store) ResolvePrincipal(ctx context.Context, tenantID, principalID string) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	var p auth.Principal
	err := s.db.QueryRowContext(ctx, `
		select id, tenant_id, identifier, active, superuser, coalesce(role_id, ''), created_at, updated_at
		from principals
		where tenant_id = $1 and id = $2
	`, tenantID, principalID).Scan(&p.ID, &p.TenantID, &p.Identifier, &p.Active, &p.Superuser, &p.RoleID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Principal{}, err
	}
	if p.RoleID != "" {
		if p.Permissions, err = s.rolePermissions(ctx, p.RoleID); err != nil {
			return auth.Principal{}, err
		}
	}
	return p, nil
}
