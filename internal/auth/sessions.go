package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Authenticator turns credentials into token pairs and back.
type Authenticator struct {
	store  CredentialStore
	tokens *TokenService
}

// NewAuthenticator wires the credential store to the token service.
func NewAuthenticator(store CredentialStore, tokens *TokenService) (*Authenticator, error) {
	if store == nil || tokens == nil {
		return nil, ErrNotConfigured
	}
	return &Authenticator{store: store, tokens: tokens}, nil
}

// Tokens exposes the underlying token service.
func (a *Authenticator) Tokens() *TokenService { return a.tokens }

// Login verifies the secret and issues a pair. Every rejection is ErrInvalidCredentials.
func (a *Authenticator) Login(ctx context.Context, tenantRef, identifier, secret string) (TokenPair, Principal, error) {
	tenantRef = strings.TrimSpace(tenantRef)
	identifier = strings.TrimSpace(identifier)
	if tenantRef == "" || identifier == "" || secret == "" {
		burnSecretCheck(secret)
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}

	cred, err := a.store.FindCredential(ctx, tenantRef, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			burnSecretCheck(secret)
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, fmt.Errorf("auth: find credential: %w", err)
	}
	if err := VerifySecret(cred.SecretHash, secret); err != nil {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if !cred.Active {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}

	principal, err := a.store.ResolvePrincipal(ctx, cred.TenantID, cred.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, fmt.Errorf("auth: resolve principal: %w", err)
	}
	pair, err := a.tokens.Issue(ctx, principal)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// Refresh rotates the refresh token after confirming the principal is still active.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	claims, err := a.tokens.Verify(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	principal, err := a.store.ResolvePrincipal(ctx, claims.TenantID, claims.Subject)
	switch {
	case errors.Is(err, ErrNotFound):
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	case err != nil:
		return TokenPair{}, Principal{}, fmt.Errorf("auth: resolve principal: %w", err)
	case !principal.Active:
		if err := a.tokens.revokeClaims(ctx, claims); err != nil {
			return TokenPair{}, Principal{}, err
		}
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	pair, _, err := a.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// Logout revokes the access token. A refresh token from the same principal is revoked
// too; problems with it are ignored.
func (a *Authenticator) Logout(ctx context.Context, accessToken, refreshToken string) error {
	access, err := a.tokens.Inspect(accessToken)
	if err != nil {
		return err
	}
	if access.TokenType != TokenTypeAccess {
		return ErrWrongTokenType
	}
	if err := a.tokens.revokeClaims(ctx, access); err != nil {
		return err
	}
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	refresh, err := a.tokens.Inspect(refreshToken)
	if err != nil || refresh.TokenType != TokenTypeRefresh {
		return nil
	}
	if refresh.Subject != access.Subject || refresh.TenantID != access.TenantID {
		return nil
	}
	_ = a.tokens.revokeClaims(ctx, refresh)
	return nil
}
