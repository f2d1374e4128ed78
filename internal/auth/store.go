package auth

import "context"

// CredentialStore is the read side used at login and on every authorized request.
type CredentialStore interface {
	// FindCredential looks up a principal by tenant (id or slug) and case-insensitive identifier.
	FindCredential(ctx context.Context, tenantRef, identifier string) (Credential, error)
	// ResolvePrincipal loads the principal with its current role permissions.
	ResolvePrincipal(ctx context.Context, tenantID, principalID string) (Principal, error)
}

// DirectoryStore adds the provisioning writes on top of CredentialStore.
type DirectoryStore interface {
	CredentialStore

	CreateTenant(ctx context.Context, t Tenant) (Tenant, error)
	// GetTenant accepts a tenant id or slug.
	GetTenant(ctx context.Context, tenantRef string) (Tenant, error)

	CreateRole(ctx context.Context, r Role) (Role, error)
	GetRole(ctx context.Context, roleID string) (Role, error)
	FindRole(ctx context.Context, tenantID, name string) (Role, error)
	SetRolePermissions(ctx context.Context, roleID string, perms []string) (Role, error)

	CreatePrincipal(ctx context.Context, p Principal, secretHash string) (Principal, error)
	AssignRole(ctx context.Context, tenantID, principalID, roleID string) error
	SetPrincipalActive(ctx context.Context, tenantID, principalID string, active bool) error
	UpdateSecret(ctx context.Context, tenantID, principalID, secretHash string) error
}
