package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// FlagProvisioner writes the default feature flag rows for a new tenant.
type FlagProvisioner interface {
	ProvisionDefaults(ctx context.Context, tenantID string) error
}

// NewPrincipal is the input for CreatePrincipal.
type NewPrincipal struct {
	TenantID   string
	Identifier string
	Secret     string
	RoleID     string
	Superuser  bool
}

// Provisioner manages tenants, roles and principals.
type Provisioner struct {
	store DirectoryStore
	flags FlagProvisioner
}

func NewProvisioner(store DirectoryStore, flags FlagProvisioner) (*Provisioner, error) {
	if store == nil {
		return nil, errors.New("directory store is required")
	}
	return &Provisioner{store: store, flags: flags}, nil
}

// CreateTenant stores the tenant and writes its default feature flags.
func (s *Provisioner) CreateTenant(ctx context.Context, name, slug string) (Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tenant{}, fmt.Errorf("%w: tenant name is required", ErrInvalidInput)
	}
	slug = strings.ToLower(strings.TrimSpace(slug))
	if !slugPattern.MatchString(slug) {
		return Tenant{}, fmt.Errorf("%w: invalid tenant slug %q", ErrInvalidInput, slug)
	}
	tenant, err := s.store.CreateTenant(ctx, Tenant{Name: name, Slug: slug})
	if err != nil {
		return Tenant{}, err
	}
	if s.flags != nil {
		if err := s.flags.ProvisionDefaults(ctx, tenant.ID); err != nil {
			return Tenant{}, fmt.Errorf("provision feature flags: %w", err)
		}
	}
	return tenant, nil
}

func (s *Provisioner) CreateRole(ctx context.Context, tenantID, name string, permissions []string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	perms, err := ValidatePermissions(permissions)
	if err != nil {
		return Role{}, err
	}
	return s.store.CreateRole(ctx, Role{TenantID: strings.TrimSpace(tenantID), Name: name, Permissions: perms})
}

// SetRolePermissions replaces the role's permissions. The change applies to the next
// authorization of every holder; issued tokens stay valid.
func (s *Provisioner) SetRolePermissions(ctx context.Context, roleID string, permissions []string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	perms, err := ValidatePermissions(permissions)
	if err != nil {
		return Role{}, err
	}
	return s.store.SetRolePermissions(ctx, roleID, perms)
}

// CreateTenantRole is CreateRole on behalf of actor, who must hold every permission the
// role grants.
func (s *Provisioner) CreateTenantRole(ctx context.Context, actor Principal, tenantID, name string, permissions []string) (Role, error) {
	if err := checkDelegation(actor, permissions); err != nil {
		return Role{}, err
	}
	return s.CreateRole(ctx, tenantID, name, permissions)
}

// SetTenantRolePermissions is SetRolePermissions restricted to roles owned by tenantID.
// Roles of other tenants and platform roles report ErrNotFound. Actor must hold every
// permission the role will grant.
func (s *Provisioner) SetTenantRolePermissions(ctx context.Context, actor Principal, tenantID, roleID string, permissions []string) (Role, error) {
	role, err := s.store.GetRole(ctx, strings.TrimSpace(roleID))
	if err != nil {
		return Role{}, err
	}
	if tenantID = strings.TrimSpace(tenantID); tenantID == "" || role.TenantID != tenantID {
		return Role{}, ErrNotFound
	}
	if err := checkDelegation(actor, permissions); err != nil {
		return Role{}, err
	}
	return s.SetRolePermissions(ctx, role.ID, permissions)
}

// EnsureRole creates the role when missing and otherwise syncs its permissions.
func (s *Provisioner) EnsureRole(ctx context.Context, tenantID, name string, permissions []string) (Role, error) {
	existing, err := s.store.FindRole(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(name))
	switch {
	case errors.Is(err, ErrNotFound):
		return s.CreateRole(ctx, tenantID, name, permissions)
	case err != nil:
		return Role{}, err
	}
	return s.SetRolePermissions(ctx, existing.ID, permissions)
}

func (s *Provisioner) CreatePrincipal(ctx context.Context, in NewPrincipal) (Principal, error) {
	in.TenantID = strings.TrimSpace(in.TenantID)
	if in.TenantID == "" {
		return Principal{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	in.Identifier = strings.TrimSpace(in.Identifier)
	if in.Identifier == "" {
		return Principal{}, fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Secret) == "" {
		return Principal{}, fmt.Errorf("%w: secret is required", ErrInvalidInput)
	}
	if in.RoleID != "" {
		if err := s.checkRoleScope(ctx, in.TenantID, in.RoleID); err != nil {
			return Principal{}, err
		}
	}
	hash, err := HashSecret(in.Secret)
	if err != nil {
		return Principal{}, err
	}
	return s.store.CreatePrincipal(ctx, Principal{
		TenantID:   in.TenantID,
		Identifier: in.Identifier,
		Active:     true,
		Superuser:  in.Superuser,
		RoleID:     in.RoleID,
	}, hash)
}

// CreateTenantPrincipal is CreatePrincipal on behalf of actor. Only superusers create
// superusers, and a role can only be given by someone holding all of its permissions.
func (s *Provisioner) CreateTenantPrincipal(ctx context.Context, actor Principal, in NewPrincipal) (Principal, error) {
	if in.Superuser && !actor.Superuser {
		return Principal{}, fmt.Errorf("%w: only superusers create superusers", ErrPermissionDenied)
	}
	if roleID := strings.TrimSpace(in.RoleID); roleID != "" {
		if err := s.checkRoleDelegation(ctx, actor, roleID); err != nil {
			return Principal{}, err
		}
	}
	return s.CreatePrincipal(ctx, in)
}

func (s *Provisioner) AssignRole(ctx context.Context, actor Principal, tenantID, principalID, roleID string) error {
	tenantID = strings.TrimSpace(tenantID)
	principalID = strings.TrimSpace(principalID)
	roleID = strings.TrimSpace(roleID)
	if tenantID == "" || principalID == "" || roleID == "" {
		return fmt.Errorf("%w: tenant_id, principal_id and role_id are required", ErrInvalidInput)
	}
	if err := s.checkRoleScope(ctx, tenantID, roleID); err != nil {
		return err
	}
	if err := s.checkTarget(ctx, actor, tenantID, principalID); err != nil {
		return err
	}
	if err := s.checkRoleDelegation(ctx, actor, roleID); err != nil {
		return err
	}
	return s.store.AssignRole(ctx, tenantID, principalID, roleID)
}

// Deactivate flips the active flag. Principals are never deleted.
func (s *Provisioner) Deactivate(ctx context.Context, actor Principal, tenantID, principalID string) error {
	tenantID = strings.TrimSpace(tenantID)
	principalID = strings.TrimSpace(principalID)
	if tenantID == "" || principalID == "" {
		return fmt.Errorf("%w: tenant_id and principal_id are required", ErrInvalidInput)
	}
	if err := s.checkTarget(ctx, actor, tenantID, principalID); err != nil {
		return err
	}
	return s.store.SetPrincipalActive(ctx, tenantID, principalID, false)
}

func (s *Provisioner) RotateSecret(ctx context.Context, actor Principal, tenantID, principalID, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidInput)
	}
	tenantID = strings.TrimSpace(tenantID)
	principalID = strings.TrimSpace(principalID)
	if err := s.checkTarget(ctx, actor, tenantID, principalID); err != nil {
		return err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return err
	}
	return s.store.UpdateSecret(ctx, tenantID, principalID, hash)
}

// checkTarget keeps superuser accounts out of reach of tenant administrators.
func (s *Provisioner) checkTarget(ctx context.Context, actor Principal, tenantID, principalID string) error {
	target, err := s.store.ResolvePrincipal(ctx, tenantID, principalID)
	if err != nil {
		return err
	}
	if target.Superuser && !actor.Superuser {
		return fmt.Errorf("%w: principal %s is a superuser", ErrPermissionDenied, principalID)
	}
	return nil
}

func (s *Provisioner) checkRoleDelegation(ctx context.Context, actor Principal, roleID string) error {
	if actor.Superuser {
		return nil
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	return checkDelegation(actor, role.Permissions)
}

func checkDelegation(actor Principal, permissions []string) error {
	perms, err := ValidatePermissions(permissions)
	if err != nil {
		return err
	}
	for _, p := range perms {
		if !CanDelegate(actor, p) {
			return fmt.Errorf("%w: cannot grant %s", ErrPermissionDenied, p)
		}
	}
	return nil
}

func (s *Provisioner) checkRoleScope(ctx context.Context, tenantID, roleID string) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.TenantID != "" && role.TenantID != tenantID {
		return fmt.Errorf("%w: role %s belongs to another tenant", ErrInvalidInput, roleID)
	}
	return nil
}

// Bootstrap makes sure a superuser named identifier exists in the tenant with the given
// slug, creating the tenant when needed. An existing principal is left untouched and
// created is false.
func (s *Provisioner) Bootstrap(ctx context.Context, tenantName, slug, identifier, secret string) (principal Principal, created bool, err error) {
	tenant, err := s.store.GetTenant(ctx, strings.ToLower(strings.TrimSpace(slug)))
	switch {
	case errors.Is(err, ErrNotFound):
		if tenant, err = s.CreateTenant(ctx, tenantName, slug); err != nil {
			return Principal{}, false, err
		}
	case err != nil:
		return Principal{}, false, err
	}

	cred, err := s.store.FindCredential(ctx, tenant.ID, strings.TrimSpace(identifier))
	switch {
	case err == nil:
		p, err := s.store.ResolvePrincipal(ctx, cred.TenantID, cred.PrincipalID)
		return p, false, err
	case !errors.Is(err, ErrNotFound):
		return Principal{}, false, err
	}

	p, err := s.CreatePrincipal(ctx, NewPrincipal{
		TenantID:   tenant.ID,
		Identifier: identifier,
		Secret:     secret,
		Superuser:  true,
	})
	if err != nil {
		return Principal{}, false, err
	}
	return p, true, nil
}
