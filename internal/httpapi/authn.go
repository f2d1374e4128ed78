package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"gatehouse.dev/internal/audit"
	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/authz"
	"gatehouse.dev/internal/obs"
	"gatehouse.dev/internal/optimistic"
)

const (
	authHeader   = "Authorization"
	tenantHeader = "X-Tenant-ID"
	bearer       = "Bearer "
)

type ctxKey int

const authContextKey ctxKey = iota

// withAuth runs the authorization pipeline for permission before next. An empty
// permission only authenticates.
func (a *API) withAuth(permission string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r, ok := a.authorize(w, r, permission)
		if !ok {
			return
		}
		next(w, r)
	}
}

// authorize writes the error response itself when the request is denied.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, permission string) (*http.Request, bool) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse"`)
		respondError(w, r, fmt.Errorf("%w: %v", auth.ErrTokenMalformed, err))
		return nil, false
	}
	d := a.pipeline.Authorize(r.Context(), authz.Request{
		Token:      token,
		TenantHint: tenantHint(r),
		Permission: permission,
	})
	if !d.Allowed() {
		if _, class := authz.Kind(d.Err); class == authz.ClassUnauthenticated {
			w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse", error="invalid_token"`)
		}
		respondError(w, r, d.Err)
		return nil, false
	}
	ctx := auth.ContextWithPrincipal(r.Context(), d.Principal)
	ctx = auth.ContextWithToken(ctx, token)
	ctx = context.WithValue(ctx, authContextKey, d.Context)
	return r.WithContext(ctx), true
}

// tenantHint prefers the {tenant} route variable over the X-Tenant-ID header.
func tenantHint(r *http.Request) string {
	if t := strings.TrimSpace(mux.Vars(r)["tenant"]); t != "" {
		return t
	}
	return strings.TrimSpace(r.Header.Get(tenantHeader))
}

func authContext(r *http.Request) authz.Context {
	c, _ := r.Context().Value(authContextKey).(authz.Context)
	return c
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// respondError maps err to a status and a stable kind. Internal errors are logged and
// answered opaquely.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind, class := authz.Kind(err)
	status := http.StatusInternalServerError
	switch class {
	case authz.ClassUnauthenticated:
		status = http.StatusUnauthorized
	case authz.ClassForbidden:
		status = http.StatusForbidden
	case authz.ClassConflict:
		status = http.StatusConflict
	case authz.ClassInvalid:
		status = http.StatusBadRequest
	case authz.ClassNotFound:
		status = http.StatusNotFound
	default:
		obs.Logger().WithField("request_id", audit.RequestID(r.Context())).WithError(err).Error("request failed")
	}

	body := map[string]any{
		"error":      kind,
		"request_id": audit.RequestID(r.Context()),
	}
	var conflict *optimistic.ConflictError
	if errors.As(err, &conflict) {
		body["current_version"] = conflict.Current.Version
	}
	if class == authz.ClassInvalid {
		body["detail"] = err.Error()
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, kind string) {
	writeJSON(w, status, map[string]any{
		"error":      kind,
		"request_id": audit.RequestID(r.Context()),
	})
}

// decodeJSON reads a single JSON object. Decoding problems are reported as invalid input.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body too large", auth.ErrInvalidInput)
		}
		return fmt.Errorf("%w: malformed JSON body: %v", auth.ErrInvalidInput, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: body must contain a single JSON object", auth.ErrInvalidInput)
	}
	return nil
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().WithError(err).Warn("audit log failed")
	}
}
