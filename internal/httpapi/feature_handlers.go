package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/features"
)

type setFeatureRequest struct {
	Enabled *bool `json:"enabled"`
}

func (a *API) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.PrincipalFromContext(r.Context())
	tenantID := authContext(r).TenantID
	flags, err := a.gate.List(r.Context(), actor, tenantID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"features":  flags,
	})
}

func (a *API) handleSetFeature(w http.ResponseWriter, r *http.Request) {
	var req setFeatureRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Enabled == nil {
		respondError(w, r, fmt.Errorf("%w: enabled is required", auth.ErrInvalidInput))
		return
	}
	actor, _ := auth.PrincipalFromContext(r.Context())
	tenantID := authContext(r).TenantID
	feature := features.Feature(mux.Vars(r)["feature"])

	flag, err := a.gate.Set(r.Context(), actor, tenantID, feature, *req.Enabled)
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "features.set", map[string]any{
		"target_tenant": tenantID,
		"feature":       string(feature),
		"enabled":       flag.Enabled,
	})
	writeJSON(w, http.StatusOK, flag)
}
