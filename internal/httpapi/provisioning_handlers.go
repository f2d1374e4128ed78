package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"gatehouse.dev/internal/auth"
)

type createTenantRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type createPrincipalRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	RoleID     string `json:"role_id"`
	Superuser  bool   `json:"superuser"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type rotateSecretRequest struct {
	Secret string `json:"secret"`
}

func (a *API) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	tenant, err := a.prov.CreateTenant(r.Context(), req.Name, req.Slug)
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "tenant.create", map[string]any{"target_tenant": tenant.ID, "slug": tenant.Slug})
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s", tenant.ID))
	writeJSON(w, http.StatusCreated, tenant)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	tenantID := authContext(r).TenantID
	role, err := a.prov.CreateTenantRole(r.Context(), actor, tenantID, req.Name, req.Permissions)
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "role.create", map[string]any{
		"target_tenant": tenantID,
		"role_id":       role.ID,
		"permissions":   role.Permissions,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s/roles/%s", tenantID, role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req rolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	tenantID := authContext(r).TenantID
	role, err := a.prov.SetTenantRolePermissions(r.Context(), actor, tenantID, mux.Vars(r)["role"], req.Permissions)
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "role.permissions.set", map[string]any{
		"target_tenant": tenantID,
		"role_id":       role.ID,
		"permissions":   role.Permissions,
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	ac := authContext(r)
	principal, err := a.prov.CreateTenantPrincipal(r.Context(), actor, auth.NewPrincipal{
		TenantID:   ac.TenantID,
		Identifier: req.Identifier,
		Secret:     req.Secret,
		RoleID:     req.RoleID,
		Superuser:  req.Superuser,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "principal.create", map[string]any{
		"target_tenant": ac.TenantID,
		"target_id":     principal.ID,
		"role_id":       principal.RoleID,
		"superuser":     principal.Superuser,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s/principals/%s", ac.TenantID, principal.ID))
	writeJSON(w, http.StatusCreated, principal)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	tenantID, principalID := authContext(r).TenantID, mux.Vars(r)["principal"]
	if err := a.prov.AssignRole(r.Context(), actor, tenantID, principalID, req.RoleID); err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "principal.role.assign", map[string]any{
		"target_tenant": tenantID,
		"target_id":     principalID,
		"role_id":       req.RoleID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	var req rotateSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	tenantID, principalID := authContext(r).TenantID, mux.Vars(r)["principal"]
	if err := a.prov.RotateSecret(r.Context(), actor, tenantID, principalID, req.Secret); err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "principal.secret.rotate", map[string]any{"target_tenant": tenantID, "target_id": principalID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.PrincipalFromContext(r.Context())
	tenantID, principalID := authContext(r).TenantID, mux.Vars(r)["principal"]
	if err := a.prov.Deactivate(r.Context(), actor, tenantID, principalID); err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "principal.deactivate", map[string]any{"target_tenant": tenantID, "target_id": principalID})
	w.WriteHeader(http.StatusNoContent)
}
