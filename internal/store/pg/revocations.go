package pg

import (
	"context"
	"fmt"
	"time"
)

// Revoke inserts the jti unless it is already present. Rows outlive their expiry until
// PurgeExpiredRevocations runs, but IsRevoked ignores them.
func (s *Store) Revoke(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	if !s.now().Before(expiresAt) {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens (jti, expires_at)
		values ($1, $2)
		on conflict (jti) do nothing
	`, jti, expiresAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert revocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from revoked_tokens where jti = $1 and expires_at > $2)
	`, jti, s.now().UTC()).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("query revocation: %w", err)
	}
	return revoked, nil
}

// PurgeExpiredRevocations deletes rows whose token has expired and reports how many.
func (s *Store) PurgeExpiredRevocations(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from revoked_tokens where expires_at <= $1`, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
