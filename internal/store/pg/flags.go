package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/features"
)

func (s *Store) GetFlag(ctx context.Context, tenantID string, feature features.Feature) (features.Flag, bool, error) {
	if s.db == nil {
		return features.Flag{}, false, errNoDB
	}
	f := features.Flag{TenantID: tenantID, Feature: feature}
	err := s.db.QueryRowContext(ctx, `
		select enabled, description, updated_at
		from feature_flags
		where tenant_id = $1 and feature = $2
	`, tenantID, string(feature)).Scan(&f.Enabled, &f.Description, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return features.Flag{}, false, nil
	}
	if err != nil {
		return features.Flag{}, false, err
	}
	return f, true, nil
}

func (s *Store) ListFlags(ctx context.Context, tenantID string) ([]features.Flag, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select feature, enabled, description, updated_at
		from feature_flags
		where tenant_id = $1
		order by feature
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []features.Flag
	for rows.Next() {
		f := features.Flag{TenantID: tenantID}
		var name string
		if err := rows.Scan(&name, &f.Enabled, &f.Description, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.Feature = features.Feature(name)
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpsertFlag(ctx context.Context, flag features.Flag) (features.Flag, error) {
	if s.db == nil {
		return features.Flag{}, errNoDB
	}
	err := s.db.QueryRowContext(ctx, `
		insert into feature_flags (tenant_id, feature, enabled, description)
		values ($1, $2, $3, $4)
		on conflict (tenant_id, feature) do update
		set enabled = excluded.enabled, description = excluded.description, updated_at = now()
		returning updated_at
	`, flag.TenantID, string(flag.Feature), flag.Enabled, flag.Description).Scan(&flag.UpdatedAt)
	if err != nil {
		if isPgCode(err, pgErrForeignKeyViolation) {
			return features.Flag{}, fmt.Errorf("%w: tenant %s", auth.ErrNotFound, flag.TenantID)
		}
		return features.Flag{}, err
	}
	return flag, nil
}

func (s *Store) InsertMissing(ctx context.Context, flags []features.Flag) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range flags {
		if _, err := tx.ExecContext(ctx, `
			insert into feature_flags (tenant_id, feature, enabled, description)
			values ($1, $2, $3, $4)
			on conflict (tenant_id, feature) do nothing
		`, f.TenantID, string(f.Feature), f.Enabled, f.Description); err != nil {
			return err
		}
	}
	return tx.Commit()
}
