// Package authz composes token verification, tenant resolution, permission matching and
// feature gating into one decision per request.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
)

// Stage is a pipeline state. A decision always ends in StageAuthorized or StageDenied.
type Stage string

const (
	StageUnauthenticated   Stage = "unauthenticated"
	StageTokenVerified     Stage = "token_verified"
	StageTenantResolved    Stage = "tenant_resolved"
	StagePermissionChecked Stage = "permission_checked"
	StageFeatureChecked    Stage = "feature_checked"
	StageAuthorized        Stage = "authorized"
	StageDenied            Stage = "denied"
)

// Request is what the boundary extracts from an incoming call. An empty Permission
// authenticates without checking a capability.
type Request struct {
	Token      string
	TenantHint string
	Permission string
}

// Context is the authorization context handed to handlers.
type Context struct {
	PrincipalID string   `json:"principal_id"`
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions"`
	IsSuperuser bool     `json:"is_superuser"`
}

// Decision is the pipeline outcome. When denied, FailedAt names the stage whose check
// failed and Err the reason; later stages never ran.
type Decision struct {
	Stage     Stage
	FailedAt  Stage
	Err       error
	Context   Context
	Principal auth.Principal
}

func (d Decision) Allowed() bool { return d.Stage == StageAuthorized }

// TokenVerifier is satisfied by *auth.TokenService.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string, expected auth.TokenType) (*auth.Claims, error)
}

// PrincipalResolver is satisfied by auth.DirectoryStore implementations.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, tenantID, principalID string) (auth.Principal, error)
	GetTenant(ctx context.Context, tenantRef string) (auth.Tenant, error)
}

// FeatureChecker is satisfied by *features.Gate.
type FeatureChecker interface {
	Check(ctx context.Context, tenantID, resource string, principal auth.Principal) error
}

type Pipeline struct {
	tokens     TokenVerifier
	principals PrincipalResolver
	features   FeatureChecker
}

func NewPipeline(tokens TokenVerifier, principals PrincipalResolver, features FeatureChecker) (*Pipeline, error) {
	if tokens == nil || principals == nil || features == nil {
		return nil, errors.New("authz: tokens, principals and features are required")
	}
	return &Pipeline{tokens: tokens, principals: principals, features: features}, nil
}

// Authorize walks the stages in order and stops at the first failure.
func (p *Pipeline) Authorize(ctx context.Context, req Request) Decision {
	d := p.evaluate(ctx, req)
	stage := d.Stage
	if !d.Allowed() {
		stage = d.FailedAt
	}
	obs.ObserveDecision(string(stage), string(d.Stage))
	return d
}

func (p *Pipeline) evaluate(ctx context.Context, req Request) Decision {
	claims, err := p.tokens.Verify(ctx, req.Token, auth.TokenTypeAccess)
	if err != nil {
		return deny(StageTokenVerified, err)
	}

	principal, err := p.principals.ResolvePrincipal(ctx, claims.TenantID, claims.Subject)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return deny(StageTenantResolved, auth.ErrInvalidCredentials)
	case err != nil:
		return deny(StageTenantResolved, fmt.Errorf("authz: resolve principal: %w", err))
	case !principal.Active:
		return deny(StageTenantResolved, auth.ErrInvalidCredentials)
	}

	tenantID := claims.TenantID
	if hint := strings.TrimSpace(req.TenantHint); hint != "" && hint != tenantID {
		resolved, err := p.resolveHint(ctx, hint, principal)
		if err != nil {
			return deny(StageTenantResolved, err)
		}
		tenantID = resolved
	}

	authorized := Context{
		PrincipalID: principal.ID,
		TenantID:    tenantID,
		Permissions: append([]string(nil), principal.Permissions...),
		IsSuperuser: principal.Superuser,
	}
	if req.Permission == "" {
		return Decision{Stage: StageAuthorized, Context: authorized, Principal: principal}
	}

	if !auth.Authorize(principal, req.Permission) {
		return deny(StagePermissionChecked, fmt.Errorf("%w: %s", auth.ErrPermissionDenied, req.Permission))
	}

	resource, _, _ := strings.Cut(req.Permission, ":")
	if err := p.features.Check(ctx, tenantID, resource, principal); err != nil {
		return deny(StageFeatureChecked, err)
	}

	return Decision{Stage: StageAuthorized, Context: authorized, Principal: principal}
}

// resolveHint maps an id or slug to the canonical tenant id. Only superusers may leave
// their own tenant; everyone else sees a mismatch whether or not the tenant exists.
func (p *Pipeline) resolveHint(ctx context.Context, hint string, principal auth.Principal) (string, error) {
	tenant, err := p.principals.GetTenant(ctx, hint)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		if !principal.Superuser {
			return "", auth.ErrTenantMismatch
		}
		return "", fmt.Errorf("%w: tenant %q", auth.ErrNotFound, hint)
	case err != nil:
		return "", fmt.Errorf("authz: resolve tenant: %w", err)
	}
	if tenant.ID != principal.TenantID && !principal.Superuser {
		return "", auth.ErrTenantMismatch
	}
	return tenant.ID, nil
}

func deny(at Stage, err error) Decision {
	return Decision{Stage: StageDenied, FailedAt: at, Err: err}
}
