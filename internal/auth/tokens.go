package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gatehouse.dev/internal/ids"
)

const (
	defaultIssuer     = "gatehouse"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// RevocationRegistry records invalidated token ids until the token's own expiry.
type RevocationRegistry interface {
	// Revoke stores jti until expiresAt. It reports true only for the call that created the
	// entry; an expiry in the past stores nothing and reports false.
	Revoke(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Claims represents the JWT claims carried by access and refresh tokens.
type Claims struct {
	TenantID  string    `json:"tenant_id"`
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenService issues, verifies, rotates and revokes signed token pairs.
type TokenService struct {
	registry RevocationRegistry
	now      func() time.Time

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration

	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithHMACSecret signs tokens with HS256 using the shared secret.
func WithHMACSecret(secret string) TokenOption {
	return func(s *TokenService) error {
		secret = strings.TrimSpace(secret)
		if len(secret) < 32 {
			return errors.New("auth: hmac secret must be at least 32 bytes")
		}
		s.method = jwt.SigningMethodHS256
		s.signKey = []byte(secret)
		s.verifyKey = []byte(secret)
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying JWTs.
func WithRS256Keys(privatePEM, publicPEM string) TokenOption {
	return func(s *TokenService) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		return WithRSAKeyPair(priv, pub)(s)
	}
}

// WithRSAKeyPair configures already parsed RSA keys.
func WithRSAKeyPair(priv *rsa.PrivateKey, pub *rsa.PublicKey) TokenOption {
	return func(s *TokenService) error {
		if priv == nil || pub == nil {
			return errors.New("auth: both private and public keys are required")
		}
		s.method = jwt.SigningMethodRS256
		s.signKey = priv
		s.verifyKey = pub
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) TokenOption {
	return func(s *TokenService) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. A signing key option is mandatory.
func NewTokenService(registry RevocationRegistry, opts ...TokenOption) (*TokenService, error) {
	if registry == nil {
		return nil, errors.New("auth: revocation registry is required")
	}
	svc := &TokenService{
		registry:   registry,
		now:        time.Now,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.method == nil {
		return nil, ErrNotConfigured
	}
	if svc.refreshTTL <= svc.accessTTL {
		return nil, errors.New("auth: refresh ttl must exceed access ttl")
	}
	return svc, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// Issue signs a fresh access/refresh pair for the principal. It never touches the registry.
func (s *TokenService) Issue(_ context.Context, principal Principal) (TokenPair, error) {
	if strings.TrimSpace(principal.ID) == "" || strings.TrimSpace(principal.TenantID) == "" {
		return TokenPair{}, fmt.Errorf("%w: principal and tenant are required", ErrInvalidInput)
	}
	now := s.now().UTC()
	access, accessExp, err := s.sign(principal, TokenTypeAccess, now, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.sign(principal, TokenTypeRefresh, now, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Verify checks signature, expiry, type tag and revocation, in that order.
func (s *TokenService) Verify(ctx context.Context, raw string, expected TokenType) (*Claims, error) {
	claims, err := s.parse(raw, true)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != expected {
		return nil, ErrWrongTokenType
	}
	revoked, err := s.registry.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: check revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Refresh rotates a refresh token: the presented token is revoked before the new pair is
// returned, and only one of several concurrent callers wins the rotation.
func (s *TokenService) Refresh(ctx context.Context, raw string) (TokenPair, *Claims, error) {
	claims, err := s.Verify(ctx, raw, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, nil, err
	}
	first, err := s.registry.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("auth: revoke refresh token: %w", err)
	}
	if !first {
		if !s.now().Before(claims.ExpiresAt.Time) {
			return TokenPair{}, nil, ErrTokenExpired
		}
		return TokenPair{}, nil, ErrTokenRevoked
	}
	pair, err := s.Issue(ctx, Principal{ID: claims.Subject, TenantID: claims.TenantID})
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, claims, nil
}

// Revoke records the token id until its natural expiry. Revoking twice, or revoking an
// already expired token, is a no-op.
func (s *TokenService) Revoke(ctx context.Context, raw string) error {
	claims, err := s.Inspect(raw)
	if err != nil {
		return err
	}
	return s.revokeClaims(ctx, claims)
}

// Inspect verifies the signature and returns the claims without enforcing expiry,
// type or revocation.
func (s *TokenService) Inspect(raw string) (*Claims, error) {
	return s.parse(raw, false)
}

func (s *TokenService) revokeClaims(ctx context.Context, claims *Claims) error {
	if claims.ExpiresAt == nil || !s.now().Before(claims.ExpiresAt.Time) {
		return nil
	}
	if _, err := s.registry.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("auth: revoke token: %w", err)
	}
	return nil
}

func (s *TokenService) sign(principal Principal, typ TokenType, now time.Time, ttl time.Duration) (string, time.Time, error) {
	claims := Claims{
		TenantID:  principal.TenantID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        ids.TokenID(),
		},
	}
	token := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

func (s *TokenService) parse(raw string, validate bool) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if !validate {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return s.verifyKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrTokenMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" || claims.ID == "" {
		return nil, ErrTokenMalformed
	}
	if !validate && claims.Issuer != s.issuer {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}
