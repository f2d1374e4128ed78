package grpcapi

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"gatehouse.dev/internal/auth"
	"gatehouse.dev/internal/authz"
	"gatehouse.dev/internal/obs"
)

const (
	authorizationKey = "authorization"
	tenantKey        = "x-tenant-id"
)

// Authorizer is satisfied by *authz.Pipeline.
type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) authz.Decision
}

type authContextKey struct{}

// AuthContextFromContext returns the authorization context of an intercepted call.
func AuthContextFromContext(ctx context.Context) (authz.Context, bool) {
	c, ok := ctx.Value(authContextKey{}).(authz.Context)
	return c, ok
}

// Rules maps full method names to the permission they require. Methods absent from the
// map only require a valid access token.
type Rules map[string]string

// UnaryAuthInterceptor runs the authorization pipeline for every call whose method does not
// match one of the public prefixes. Allowed calls carry the principal in their context.
func UnaryAuthInterceptor(a Authorizer, rules Rules, public ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isPublic(info.FullMethod, public) {
			return handler(ctx, req)
		}
		token, hint := credentialsFromMetadata(ctx)
		d := a.Authorize(ctx, authz.Request{Token: token, TenantHint: hint, Permission: rules[info.FullMethod]})
		if !d.Allowed() {
			obs.Logger().WithFields(logrus.Fields{
				"method":    info.FullMethod,
				"failed_at": string(d.FailedAt),
			}).WithError(d.Err).Debug("grpc call denied")
			return nil, statusFromError(d.Err)
		}
		ctx = auth.ContextWithPrincipal(ctx, d.Principal)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = context.WithValue(ctx, authContextKey{}, d.Context)
		return handler(ctx, req)
	}
}

func isPublic(method string, public []string) bool {
	for _, p := range public {
		if method == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(method, p)) {
			return true
		}
	}
	return false
}

func credentialsFromMetadata(ctx context.Context) (token, tenant string) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ""
	}
	if v := md.Get(authorizationKey); len(v) > 0 {
		token = bearer(v[0])
	}
	if v := md.Get(tenantKey); len(v) > 0 {
		tenant = strings.TrimSpace(v[0])
	}
	return token, tenant
}

func bearer(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// statusFromError converts a pipeline or service error into a status carrying the error
// kind as its message.
func statusFromError(err error) error {
	kind, class := authz.Kind(err)
	var code codes.Code
	switch class {
	case authz.ClassUnauthenticated:
		code = codes.Unauthenticated
	case authz.ClassForbidden:
		code = codes.PermissionDenied
	case authz.ClassConflict:
		code = codes.Aborted
	case authz.ClassInvalid:
		code = codes.InvalidArgument
	case authz.ClassNotFound:
		code = codes.NotFound
	default:
		code = codes.Internal
	}
	return status.Error(code, kind)
}
