package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/optimistic"
)

type createEntityRequest struct {
	Data json.RawMessage `json:"data"`
}

type updateEntityRequest struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func (a *API) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	r, ok := a.authorize(w, r, auth.EntityPermission(kind, "create"))
	if !ok {
		return
	}
	var req createEntityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	e, err := a.guard.Create(r.Context(), authContext(r).TenantID, kind, req.Data)
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "entity.create", map[string]any{"kind": kind, "entity_id": e.ID})
	w.Header().Set("Location", fmt.Sprintf("/v1/entities/%s/%s", kind, e.ID))
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	r, ok := a.authorize(w, r, auth.EntityPermission(vars["kind"], "read"))
	if !ok {
		return
	}
	e, err := a.guard.Get(r.Context(), authContext(r).TenantID, vars["kind"], vars["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleUpdateEntity replaces data when version matches the stored one; otherwise it
// answers 409 with the current version.
func (a *API) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, id := vars["kind"], vars["id"]
	r, ok := a.authorize(w, r, auth.EntityPermission(kind, "update"))
	if !ok {
		return
	}
	var req updateEntityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	e, err := a.guard.Replace(r.Context(), authContext(r).TenantID, kind, id, req.Version, req.Data)
	if err != nil {
		if errors.Is(err, optimistic.ErrVersionConflict) {
			obs.ObserveConflict(kind)
		}
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "entity.update", map[string]any{"kind": kind, "entity_id": id, "version": e.Version})
	writeJSON(w, http.StatusOK, e)
}
