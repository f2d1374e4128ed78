package auth

import (
	"context"
	"errors"
	"testing"
)

type recordingFlags struct{ tenants []string }

func (r *recordingFlags) ProvisionDefaults(_ context.Context, tenantID string) error {
	r.tenants = append(r.tenants, tenantID)
	return nil
}

func TestCreateTenantProvisionsFlags(t *testing.T) {
	flags := &recordingFlags{}
	prov, err := NewProvisioner(NewMemoryStore(), flags)
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	tenant, err := prov.CreateTenant(context.Background(), " Acme Corp ", "Acme-Corp")
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if tenant.Name != "Acme Corp" || tenant.Slug != "acme-corp" {
		t.Fatalf("unexpected tenant %+v", tenant)
	}
	if len(flags.tenants) != 1 || flags.tenants[0] != tenant.ID {
		t.Fatalf("flags not provisioned: %v", flags.tenants)
	}
	if _, err := prov.CreateTenant(context.Background(), "Dup", "acme-corp"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := prov.CreateTenant(context.Background(), "Bad", "bad slug!"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateRoleValidatesPermissions(t *testing.T) {
	f := newFixture(t)
	if _, err := f.prov.CreateRole(context.Background(), f.tenant.ID, "broken", []string{"articles"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.prov.SetRolePermissions(context.Background(), f.editor.ID, []string{"x:y:z"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEnsureRoleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.prov.EnsureRole(ctx, "", "platform-admin", []string{"tenants:create"})
	if err != nil {
		t.Fatalf("EnsureRole: %v", err)
	}
	second, err := f.prov.EnsureRole(ctx, "", "platform-admin", []string{"tenants:create", "roles:manage"})
	if err != nil {
		t.Fatalf("EnsureRole again: %v", err)
	}
	if first.ID != second.ID || len(second.Permissions) != 2 {
		t.Fatalf("expected same role with updated permissions, got %+v", second)
	}
}

func TestAssignRoleRejectsCrossTenantRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, _ := f.prov.CreateTenant(ctx, "Other", "other")
	foreign, err := f.prov.CreateRole(ctx, other.ID, "editor", []string{"*"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := f.prov.AssignRole(ctx, operator, f.tenant.ID, f.user.ID, foreign.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	platform, _ := f.prov.CreateRole(ctx, "", "auditor", []string{"reviews:read"})
	if err := f.prov.AssignRole(ctx, operator, f.tenant.ID, f.user.ID, platform.ID); err != nil {
		t.Fatalf("platform roles are assignable in any tenant: %v", err)
	}
	p, _ := f.store.ResolvePrincipal(ctx, f.tenant.ID, f.user.ID)
	if !Authorize(p, "reviews:read") || Authorize(p, "articles:create") {
		t.Fatalf("unexpected permissions after reassignment: %v", p.Permissions)
	}
}

func TestSetTenantRolePermissionsStaysInTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, _ := f.prov.CreateTenant(ctx, "Other", "other")

	if _, err := f.prov.SetTenantRolePermissions(ctx, operator, other.ID, f.editor.ID, []string{"*"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign tenant edit: expected ErrNotFound, got %v", err)
	}
	role, err := f.prov.SetTenantRolePermissions(ctx, operator, f.tenant.ID, f.editor.ID, []string{"articles:read"})
	if err != nil {
		t.Fatalf("SetTenantRolePermissions: %v", err)
	}
	if len(role.Permissions) != 1 || role.Permissions[0] != "articles:read" {
		t.Fatalf("unexpected permissions %v", role.Permissions)
	}
	p, _ := f.store.ResolvePrincipal(ctx, f.tenant.ID, f.user.ID)
	if Authorize(p, "articles:create") {
		t.Fatalf("holder should lose articles:create on next resolution")
	}
}

func TestRotateSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.prov.RotateSecret(ctx, operator, f.tenant.ID, f.user.ID, "new secret"); err != nil {
		t.Fatalf("RotateSecret: %v", err)
	}
	if _, _, err := f.authn.Login(ctx, "acme", "alice@example.com", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old secret should fail, got %v", err)
	}
	if _, _, err := f.authn.Login(ctx, "acme", "alice@example.com", "new secret"); err != nil {
		t.Fatalf("new secret: %v", err)
	}
}

func TestCreatePrincipalUniqueIdentifier(t *testing.T) {
	f := newFixture(t)
	_, err := f.prov.CreatePrincipal(context.Background(), NewPrincipal{
		TenantID:   f.tenant.ID,
		Identifier: "ALICE@example.com",
		Secret:     "x",
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	prov, err := NewProvisioner(store, nil)
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	ctx := context.Background()

	root, created, err := prov.Bootstrap(ctx, "Platform", "platform", "root", "s3cret")
	if err != nil || !created || !root.Superuser {
		t.Fatalf("first bootstrap: %+v created=%v err=%v", root, created, err)
	}
	again, created, err := prov.Bootstrap(ctx, "Platform", "platform", "ROOT", "other")
	if err != nil || created || again.ID != root.ID {
		t.Fatalf("second bootstrap: %+v created=%v err=%v", again, created, err)
	}
	tenant, err := store.GetTenant(ctx, "platform")
	if err != nil || tenant.ID != root.TenantID {
		t.Fatalf("GetTenant by slug: %+v %v", tenant, err)
	}
}

func TestTenantAdminCannotTouchSuperusers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin, err := f.prov.CreatePrincipal(ctx, NewPrincipal{TenantID: f.tenant.ID, Identifier: "ops", Secret: "ops secret", Superuser: true})
	if err != nil {
		t.Fatalf("CreatePrincipal: %v", err)
	}
	manager := Principal{ID: "manager", TenantID: f.tenant.ID, Permissions: []string{"principals:manage", "articles:*"}}

	if err := f.prov.RotateSecret(ctx, manager, f.tenant.ID, admin.ID, "taken over"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("RotateSecret: expected ErrPermissionDenied, got %v", err)
	}
	if _, _, err := f.authn.Login(ctx, "acme", "ops", "taken over"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("rotated secret must not work, got %v", err)
	}
	if err := f.prov.Deactivate(ctx, manager, f.tenant.ID, admin.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Deactivate: expected ErrPermissionDenied, got %v", err)
	}
	if err := f.prov.AssignRole(ctx, manager, f.tenant.ID, admin.ID, f.editor.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("AssignRole: expected ErrPermissionDenied, got %v", err)
	}
	if _, err := f.prov.CreateTenantPrincipal(ctx, manager, NewPrincipal{TenantID: f.tenant.ID, Identifier: "boss", Secret: "x", Superuser: true}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("CreateTenantPrincipal superuser: expected ErrPermissionDenied, got %v", err)
	}

	if err := f.prov.RotateSecret(ctx, manager, f.tenant.ID, f.user.ID, "fresh"); err != nil {
		t.Fatalf("regular principal rotation: %v", err)
	}
	if err := f.prov.RotateSecret(ctx, operator, f.tenant.ID, admin.ID, "rotated by operator"); err != nil {
		t.Fatalf("superuser rotation: %v", err)
	}
}

func TestRoleGrantsLimitedToHeldPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	manager := Principal{ID: "manager", TenantID: f.tenant.ID, Permissions: []string{"roles:manage", "principals:manage", "articles:*"}}

	if _, err := f.prov.CreateTenantRole(ctx, manager, f.tenant.ID, "root-ish", []string{"*"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("wildcard role: expected ErrPermissionDenied, got %v", err)
	}
	if _, err := f.prov.CreateTenantRole(ctx, manager, f.tenant.ID, "tenancy", []string{"tenants:create"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("unheld permission: expected ErrPermissionDenied, got %v", err)
	}
	if _, err := f.prov.CreateTenantRole(ctx, manager, f.tenant.ID, "broken", []string{"articles"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("malformed permission: expected ErrInvalidInput, got %v", err)
	}
	writer, err := f.prov.CreateTenantRole(ctx, manager, f.tenant.ID, "writer", []string{"articles:create"})
	if err != nil {
		t.Fatalf("CreateTenantRole: %v", err)
	}
	if _, err := f.prov.SetTenantRolePermissions(ctx, manager, f.tenant.ID, writer.ID, []string{"cases:*"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("SetTenantRolePermissions: expected ErrPermissionDenied, got %v", err)
	}

	platform, err := f.prov.EnsureRole(ctx, "", "platform-admin", []string{"*"})
	if err != nil {
		t.Fatalf("EnsureRole: %v", err)
	}
	if err := f.prov.AssignRole(ctx, manager, f.tenant.ID, f.user.ID, platform.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("AssignRole wildcard role: expected ErrPermissionDenied, got %v", err)
	}
	if _, err := f.prov.CreateTenantPrincipal(ctx, manager, NewPrincipal{TenantID: f.tenant.ID, Identifier: "eve", Secret: "x", RoleID: platform.ID}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("CreateTenantPrincipal with wildcard role: expected ErrPermissionDenied, got %v", err)
	}
	if err := f.prov.AssignRole(ctx, manager, f.tenant.ID, f.user.ID, writer.ID); err != nil {
		t.Fatalf("AssignRole held permissions: %v", err)
	}
}
