package authz

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/features"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var operator = auth.Principal{ID: "operator", Superuser: true}

type env struct {
	store    *auth.MemoryStore
	prov     *auth.Provisioner
	tokens   *auth.TokenService
	gate     *features.Gate
	pipeline *Pipeline
	tenant   auth.Tenant
	platform auth.Tenant
	reader   auth.Principal
	root     auth.Principal
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store := auth.NewMemoryStore()
	gate, err := features.NewGate(features.NewMemoryStore(), features.WithDefault(features.BlogModule, false))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	prov, err := auth.NewProvisioner(store, gate)
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	tokens, err := auth.NewTokenService(auth.NewMemoryRevocations(nil), auth.WithHMACSecret(testSecret))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	pipeline, err := NewPipeline(tokens, store, gate)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	tenant, err := prov.CreateTenant(ctx, "Acme", "acme")
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	platform, err := prov.CreateTenant(ctx, "Platform", "platform")
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	role, err := prov.CreateRole(ctx, tenant.ID, "reader", []string{"articles:read", "services:read"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	reader, err := prov.CreatePrincipal(ctx, auth.NewPrincipal{TenantID: tenant.ID, Identifier: "reader", Secret: "pw", RoleID: role.ID})
	if err != nil {
		t.Fatalf("CreatePrincipal reader: %v", err)
	}
	root, err := prov.CreatePrincipal(ctx, auth.NewPrincipal{TenantID: platform.ID, Identifier: "root", Secret: "pw", Superuser: true})
	if err != nil {
		t.Fatalf("CreatePrincipal root: %v", err)
	}

	return &env{store: store, prov: prov, tokens: tokens, gate: gate, pipeline: pipeline,
		tenant: tenant, platform: platform, reader: reader, root: root}
}

func (e *env) access(t *testing.T, p auth.Principal) string {
	t.Helper()
	pair, err := e.tokens.Issue(context.Background(), p)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return pair.AccessToken
}

func TestAuthorizedCarriesContext(t *testing.T) {
	e := newEnv(t)
	d := e.pipeline.Authorize(context.Background(), Request{Token: e.access(t, e.reader), Permission: "services:read"})

	if !d.Allowed() || d.Stage != StageAuthorized {
		t.Fatalf("expected authorized, got %s (%v)", d.Stage, d.Err)
	}
	want := Context{
		PrincipalID: e.reader.ID,
		TenantID:    e.tenant.ID,
		Permissions: []string{"articles:read", "services:read"},
	}
	if !reflect.DeepEqual(d.Context, want) {
		t.Fatalf("context = %+v, want %+v", d.Context, want)
	}
}

func TestAuthenticationOnly(t *testing.T) {
	e := newEnv(t)
	if d := e.pipeline.Authorize(context.Background(), Request{Token: e.access(t, e.reader)}); !d.Allowed() {
		t.Fatalf("authentication only should pass, got %v", d.Err)
	}
}

func TestDeniedAtEachStage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	readerToken := e.access(t, e.reader)
	pair, err := e.tokens.Issue(ctx, e.reader)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := []struct {
		name   string
		req    Request
		stage  Stage
		target error
	}{
		{"malformed token", Request{Token: "garbage", Permission: "services:read"}, StageTokenVerified, auth.ErrTokenMalformed},
		{"refresh token", Request{Token: pair.RefreshToken, Permission: "services:read"}, StageTokenVerified, auth.ErrWrongTokenType},
		{"other tenant", Request{Token: readerToken, TenantHint: e.platform.ID, Permission: "services:read"}, StageTenantResolved, auth.ErrTenantMismatch},
		{"other tenant slug", Request{Token: readerToken, TenantHint: "platform", Permission: "services:read"}, StageTenantResolved, auth.ErrTenantMismatch},
		{"unknown tenant", Request{Token: readerToken, TenantHint: "no-such-tenant", Permission: "services:read"}, StageTenantResolved, auth.ErrTenantMismatch},
		{"missing permission", Request{Token: readerToken, Permission: "articles:delete"}, StagePermissionChecked, auth.ErrPermissionDenied},
		{"malformed permission", Request{Token: readerToken, Permission: "articles"}, StagePermissionChecked, auth.ErrPermissionDenied},
		{"feature disabled", Request{Token: readerToken, Permission: "articles:read"}, StageFeatureChecked, features.ErrFeatureDisabled},
	}
	for _, tc := range cases {
		d := e.pipeline.Authorize(ctx, tc.req)
		if d.Stage != StageDenied || d.FailedAt != tc.stage {
			t.Fatalf("%s: stage=%s failed_at=%s, want denied at %s", tc.name, d.Stage, d.FailedAt, tc.stage)
		}
		if !errors.Is(d.Err, tc.target) {
			t.Fatalf("%s: err = %v, want %v", tc.name, d.Err, tc.target)
		}
		if d.Context.PrincipalID != "" {
			t.Fatalf("%s: denied decision leaked context %+v", tc.name, d.Context)
		}
	}
}

func TestOwnTenantSlugHintIsAccepted(t *testing.T) {
	e := newEnv(t)
	d := e.pipeline.Authorize(context.Background(), Request{Token: e.access(t, e.reader), TenantHint: "acme", Permission: "services:read"})
	if !d.Allowed() || d.Context.TenantID != e.tenant.ID {
		t.Fatalf("own slug: allowed=%v tenant=%q err=%v", d.Allowed(), d.Context.TenantID, d.Err)
	}
}

func TestFirstFailureIsPreserved(t *testing.T) {
	e := newEnv(t)
	// Both the permission and the feature would fail; only the permission is reported.
	d := e.pipeline.Authorize(context.Background(), Request{Token: e.access(t, e.reader), Permission: "articles:delete"})
	if !errors.Is(d.Err, auth.ErrPermissionDenied) || errors.Is(d.Err, features.ErrFeatureDisabled) {
		t.Fatalf("expected only permission_denied, got %v", d.Err)
	}
}

func TestFeatureFlagToggle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.access(t, e.reader)

	enabled, err := e.gate.IsEnabled(ctx, e.tenant.ID, features.BlogModule)
	if err != nil || enabled {
		t.Fatalf("blog_module should start disabled: %v %v", enabled, err)
	}
	if e.pipeline.Authorize(ctx, Request{Token: token, Permission: "articles:read"}).Allowed() {
		t.Fatalf("disabled feature must deny")
	}

	if _, err := e.gate.Set(ctx, e.root, e.tenant.ID, features.BlogModule, true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if enabled, err = e.gate.IsEnabled(ctx, e.tenant.ID, features.BlogModule); err != nil || !enabled {
		t.Fatalf("blog_module should be enabled: %v %v", enabled, err)
	}
	if !e.pipeline.Authorize(ctx, Request{Token: token, Permission: "articles:read"}).Allowed() {
		t.Fatalf("enabled feature with permission must allow")
	}
	if e.pipeline.Authorize(ctx, Request{Token: token, Permission: "articles:delete"}).Allowed() {
		t.Fatalf("enabling a feature must not grant permissions")
	}
}

func TestSuperuserTenantHint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.access(t, e.root)

	for _, hint := range []string{e.tenant.ID, "acme"} {
		d := e.pipeline.Authorize(ctx, Request{Token: token, TenantHint: hint, Permission: "articles:delete"})
		if !d.Allowed() {
			t.Fatalf("hint %q denied: %v", hint, d.Err)
		}
		if d.Context.TenantID != e.tenant.ID || !d.Context.IsSuperuser {
			t.Fatalf("hint %q: context %+v", hint, d.Context)
		}
	}

	d := e.pipeline.Authorize(ctx, Request{Token: token, TenantHint: "no-such-tenant", Permission: "articles:read"})
	if d.Allowed() || d.FailedAt != StageTenantResolved || !errors.Is(d.Err, auth.ErrNotFound) {
		t.Fatalf("unknown tenant: failed_at=%s err=%v", d.FailedAt, d.Err)
	}
	if kind, class := Kind(d.Err); kind != "not_found" || class != ClassNotFound {
		t.Fatalf("unknown tenant kind = %s/%v", kind, class)
	}
}

func TestRevokedAndDeactivated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	token := e.access(t, e.reader)
	if err := e.tokens.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if d := e.pipeline.Authorize(ctx, Request{Token: token}); !errors.Is(d.Err, auth.ErrTokenRevoked) {
		t.Fatalf("revoked: got %v", d.Err)
	}

	fresh := e.access(t, e.reader)
	if err := e.prov.Deactivate(ctx, operator, e.tenant.ID, e.reader.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	d := e.pipeline.Authorize(ctx, Request{Token: fresh})
	if d.FailedAt != StageTenantResolved || !errors.Is(d.Err, auth.ErrInvalidCredentials) {
		t.Fatalf("deactivated: failed_at=%s err=%v", d.FailedAt, d.Err)
	}
}

func TestRoleChangeAppliesToExistingToken(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	req := Request{Token: e.access(t, e.reader), Permission: "services:update"}
	if e.pipeline.Authorize(ctx, req).Allowed() {
		t.Fatalf("services:update should start denied")
	}
	if _, err := e.prov.SetRolePermissions(ctx, e.reader.RoleID, []string{"services:*"}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if d := e.pipeline.Authorize(ctx, req); !d.Allowed() {
		t.Fatalf("role edit should apply without reissue: %v", d.Err)
	}
}

type flakyResolver struct{}

func (flakyResolver) ResolvePrincipal(context.Context, string, string) (auth.Principal, error) {
	return auth.Principal{}, errors.New("connection reset")
}

func (flakyResolver) GetTenant(context.Context, string) (auth.Tenant, error) {
	return auth.Tenant{}, errors.New("connection reset")
}

func TestStoreFailureIsInternal(t *testing.T) {
	e := newEnv(t)
	p, err := NewPipeline(e.tokens, flakyResolver{}, e.gate)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	d := p.Authorize(context.Background(), Request{Token: e.access(t, e.reader)})
	if d.Allowed() {
		t.Fatalf("store failure must deny")
	}
	if kind, class := Kind(d.Err); kind != "internal" || class != ClassInternal {
		t.Fatalf("kind = %s/%v, want internal", kind, class)
	}
}

type tenantOutage struct{ *auth.MemoryStore }

func (tenantOutage) GetTenant(context.Context, string) (auth.Tenant, error) {
	return auth.Tenant{}, errors.New("connection reset")
}

func TestTenantLookupFailureIsInternal(t *testing.T) {
	e := newEnv(t)
	p, err := NewPipeline(e.tokens, tenantOutage{e.store}, e.gate)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	d := p.Authorize(context.Background(), Request{Token: e.access(t, e.root), TenantHint: "acme"})
	if d.Allowed() || d.FailedAt != StageTenantResolved {
		t.Fatalf("expected denial at tenant resolution, got %s %v", d.FailedAt, d.Err)
	}
	if kind, _ := Kind(d.Err); kind != "internal" {
		t.Fatalf("kind = %s, want internal", kind)
	}
}

func TestExpiredTokenDenied(t *testing.T) {
	e := newEnv(t)
	now := time.Now()
	past, err := auth.NewTokenService(auth.NewMemoryRevocations(nil),
		auth.WithHMACSecret(testSecret),
		auth.WithClock(func() time.Time { return now.Add(-time.Hour) }))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	pair, err := past.Issue(context.Background(), e.reader)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	d := e.pipeline.Authorize(context.Background(), Request{Token: pair.AccessToken})
	if !errors.Is(d.Err, auth.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", d.Err)
	}
	if kind, class := Kind(d.Err); kind != "token_expired" || class != ClassUnauthenticated {
		t.Fatalf("kind = %s/%v", kind, class)
	}
}
