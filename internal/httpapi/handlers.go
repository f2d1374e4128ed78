package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/authz"
	"gatehouse.dev/internal/features"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/optimistic"
)

const (
	serviceName  = "gatehouse"
	maxBodyBytes = 1 << 20
)

// Pinger is implemented by the Redis revocation registry.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the backing stores that are configured.
type ReadyProbe struct {
	DB    *sql.DB
	Redis Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Deps are the engine components served over HTTP.
type Deps struct {
	Pipeline    *authz.Pipeline
	Authn       *auth.Authenticator
	Gate        *features.Gate
	Guard       *optimistic.Guard
	Provisioner *auth.Provisioner
	Ready       ReadyProbe

	LoginRPS   float64
	LoginBurst int
}

// API is the HTTP layer.
type API struct {
	router   *mux.Router
	pipeline *authz.Pipeline
	authn    *auth.Authenticator
	gate     *features.Gate
	guard    *optimistic.Guard
	prov     *auth.Provisioner
	ready    ReadyProbe
	version  string

	loginLimit *limiterSet
}

func New(d Deps, version string) (*API, error) {
	if d.Pipeline == nil || d.Authn == nil || d.Gate == nil || d.Guard == nil || d.Provisioner == nil {
		return nil, errors.New("httpapi: pipeline, authenticator, gate, guard and provisioner are required")
	}
	if d.LoginRPS <= 0 {
		d.LoginRPS = 5
	}
	if d.LoginBurst <= 0 {
		d.LoginBurst = 10
	}
	a := &API{
		router:     mux.NewRouter(),
		pipeline:   d.Pipeline,
		authn:      d.Authn,
		gate:       d.Gate,
		guard:      d.Guard,
		prov:       d.Provisioner,
		ready:      d.Ready,
		version:    version,
		loginLimit: newLimiterSet(rate.Limit(d.LoginRPS), d.LoginBurst),
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/auth/login", a.loginLimit.middleware(http.HandlerFunc(a.handleLogin))).Methods(http.MethodPost)
	v1.HandleFunc("/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	v1.HandleFunc("/auth/logout", a.withAuth("", a.handleLogout)).Methods(http.MethodPost)
	v1.HandleFunc("/auth/whoami", a.withAuth("", a.handleWhoami)).Methods(http.MethodGet)

	v1.HandleFunc("/tenants", a.withAuth(auth.PermTenantsCreate, a.handleCreateTenant)).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{tenant}/features", a.withAuth("", a.handleListFeatures)).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{tenant}/features/{feature}", a.withAuth("", a.handleSetFeature)).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/{tenant}/roles", a.withAuth(auth.PermRolesManage, a.handleCreateRole)).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{tenant}/roles/{role}/permissions", a.withAuth(auth.PermRolesManage, a.handleSetRolePermissions)).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/{tenant}/principals", a.withAuth(auth.PermPrincipalsManage, a.handleCreatePrincipal)).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{tenant}/principals/{principal}/role", a.withAuth(auth.PermPrincipalsManage, a.handleAssignRole)).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/{tenant}/principals/{principal}/secret", a.withAuth(auth.PermPrincipalsManage, a.handleRotateSecret)).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/{tenant}/principals/{principal}/deactivate", a.withAuth(auth.PermPrincipalsManage, a.handleDeactivate)).Methods(http.MethodPost)

	v1.HandleFunc("/entities/{kind}", a.handleCreateEntity).Methods(http.MethodPost)
	v1.HandleFunc("/entities/{kind}/{id}", a.handleGetEntity).Methods(http.MethodGet)
	v1.HandleFunc("/entities/{kind}/{id}", a.handleUpdateEntity).Methods(http.MethodPut)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found")
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})
	for _, router := range []*mux.Router{r, v1} {
		router.NotFoundHandler = notFound
		router.MethodNotAllowedHandler = notAllowed
	}
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, maxBodyBytes)
	h = obs.Instrument(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.Logger().WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
