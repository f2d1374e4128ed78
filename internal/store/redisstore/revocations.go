// Package redisstore keeps the token revocation list in Redis so every replica sees it.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gatehouse.dev/internal/auth"
)

const defaultPrefix = "gatehouse:revoked:"

var _ auth.RevocationRegistry = (*Registry)(nil)

// Registry stores one key per revoked jti. Keys expire with the token they describe.
type Registry struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type Option func(*Registry)

func WithPrefix(prefix string) Option {
	return func(r *Registry) { r.prefix = prefix }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(client redis.UniversalClient, opts ...Option) *Registry {
	r := &Registry{client: client, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial connects to addr and checks the connection before returning.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

// Revoke reports true only for the caller whose SET NX created the key.
func (r *Registry) Revoke(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return false, nil
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	created, err := r.client.SetNX(ctx, r.prefix+jti, expiresAt.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis revoke: %w", err)
	}
	return created, nil
}

func (r *Registry) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis lookup: %w", err)
	}
	return n > 0, nil
}

func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Registry) Close() error {
	return r.client.Close()
}
