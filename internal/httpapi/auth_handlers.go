package httpapi

import (
	"net/http"
	"strings"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/authz"
	"gatehouse.dev/internal/obs"
)

type loginRequest struct {
	Tenant     string `json:"tenant"`
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	auth.TokenPair
	TokenType string `json:"token_type"`
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	kind, _ := authz.Kind(err)
	return kind
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	pair, principal, err := a.authn.Login(r.Context(), req.Tenant, req.Identifier, req.Secret)
	obs.ObserveToken("login", outcome(err))
	if err != nil {
		a.audit(r.Context(), "auth.login.failed", map[string]any{
			"tenant":     strings.TrimSpace(req.Tenant),
			"identifier": strings.TrimSpace(req.Identifier),
		})
		respondError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), principal)
	a.audit(ctx, "auth.login", map[string]any{"access_expires_at": pair.AccessExpiresAt})
	writeJSON(w, http.StatusOK, tokenResponse{TokenPair: pair, TokenType: "Bearer"})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	pair, principal, err := a.authn.Refresh(r.Context(), req.RefreshToken)
	obs.ObserveToken("refresh", outcome(err))
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(auth.ContextWithPrincipal(r.Context(), principal), "auth.refresh", nil)
	writeJSON(w, http.StatusOK, tokenResponse{TokenPair: pair, TokenType: "Bearer"})
}

// handleLogout accepts an empty body or {refresh_token}.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, r, err)
			return
		}
	}
	token, _ := auth.TokenFromContext(r.Context())
	err := a.authn.Logout(r.Context(), token, req.RefreshToken)
	obs.ObserveToken("logout", outcome(err))
	if err != nil {
		respondError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.logout", map[string]any{"refresh_revoked": req.RefreshToken != ""})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, authContext(r))
}
