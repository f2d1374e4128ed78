// Package grpcapi exposes the authorization pipeline over gRPC: a decision service for
// sidecars and the standard health service.
package grpcapi

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"gatehouse.dev/internal/authz"
)

const (
	decisionService = "gatehouse.v1.Decisions"
	checkMethod     = "/" + decisionService + "/Check"
	whoAmIMethod    = "/" + decisionService + "/WhoAmI"
	healthPrefix    = "/grpc.health.v1.Health/"
)

// ReadinessChecker reports whether dependencies are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

type Server struct {
	grpc      *grpc.Server
	health    *health.Server
	authz     Authorizer
	readiness ReadinessChecker
}

func NewServer(a Authorizer, readiness ReadinessChecker, opts ...grpc.ServerOption) (*Server, error) {
	if a == nil {
		return nil, errors.New("grpcapi: authorizer is required")
	}
	s := &Server{
		health:    health.NewServer(),
		authz:     a,
		readiness: readiness,
	}
	// Check evaluates arbitrary callers' tokens itself and answers with a decision.
	// Everything else, WhoAmI included, passes the interceptor.
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(a, nil, healthPrefix, checkMethod)))
	s.grpc = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.grpc.RegisterService(&decisionsServiceDesc, s)
	return s, nil
}

func (s *Server) GRPC() *grpc.Server { return s.grpc }

// RefreshHealth sets the overall serving status from the readiness checker.
func (s *Server) RefreshHealth(ctx context.Context) error {
	st := healthpb.HealthCheckResponse_SERVING
	var err error
	if s.readiness != nil {
		if err = s.readiness.Check(ctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(decisionService, st)
	return err
}

func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Check answers {permission, tenant_id} for the bearer token in the call metadata.
// Denials are reported in the response, not as errors.
func (s *Server) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, hint := credentialsFromMetadata(ctx)
	fields := req.GetFields()
	if v, ok := fields["tenant_id"]; ok && v.GetStringValue() != "" {
		hint = v.GetStringValue()
	}
	d := s.authz.Authorize(ctx, authz.Request{
		Token:      token,
		TenantHint: hint,
		Permission: fields["permission"].GetStringValue(),
	})
	return decisionStruct(d)
}

// WhoAmI returns the authorization context the interceptor established for the caller.
func (s *Server) WhoAmI(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	c, ok := AuthContextFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated")
	}
	return structpb.NewStruct(contextFields(c, map[string]any{}))
}

func decisionStruct(d authz.Decision) (*structpb.Struct, error) {
	out := map[string]any{
		"allowed": d.Allowed(),
		"stage":   string(d.Stage),
	}
	if !d.Allowed() {
		kind, _ := authz.Kind(d.Err)
		out["failed_at"] = string(d.FailedAt)
		out["error"] = kind
		return structpb.NewStruct(out)
	}
	return structpb.NewStruct(contextFields(d.Context, out))
}

func contextFields(c authz.Context, out map[string]any) map[string]any {
	perms := make([]any, 0, len(c.Permissions))
	for _, p := range c.Permissions {
		perms = append(perms, p)
	}
	out["principal_id"] = c.PrincipalID
	out["tenant_id"] = c.TenantID
	out["permissions"] = perms
	out["is_superuser"] = c.IsSuperuser
	return out
}

type decisionsServer interface {
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WhoAmI(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structMethod func(decisionsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structHandler(fullMethod string, call structMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(decisionsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(decisionsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var decisionsServiceDesc = grpc.ServiceDesc{
	ServiceName: decisionService,
	HandlerType: (*decisionsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: structHandler(checkMethod, decisionsServer.Check)},
		{MethodName: "WhoAmI", Handler: structHandler(whoAmIMethod, decisionsServer.WhoAmI)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gatehouse/v1/decisions.proto",
}
