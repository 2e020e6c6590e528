// Package grpcapi exposes token introspection over gRPC so that other CDB
// services can check bearer tokens without holding the signing keys.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"cdb.platformcommons.org/internal/auth"
)

const (
	ServiceName      = "cdb.auth.v1.TokenService"
	IntrospectMethod = "/" + ServiceName + "/Introspect"
	WhoamiMethod     = "/" + ServiceName + "/Whoami"
)

// TokenServiceServer is implemented by TokenService. Messages are
// structpb.Struct values so no generated code is needed on either side.
type TokenServiceServer interface {
	Introspect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Whoami(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Introspection is the decoded result of a token check.
type Introspection struct {
	Active       bool
	Subject      string
	UserID       int64
	ProviderCode string
	Grants       []string
	ClientID     string
	Scope        string
	ExpiresAt    time.Time
	Context      auth.SecurityContext
}

// TokenService answers introspection requests with the verifier.
type TokenService struct {
	verifier *auth.Verifier
}

// NewTokenService returns the service implementation.
func NewTokenService(verifier *auth.Verifier) *TokenService {
	return &TokenService{verifier: verifier}
}

// Introspect reports whether {"token": ...} is active. Inactive tokens are
// not an error; the response is {"active": false}.
func (s *TokenService) Introspect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	token := auth.StripBearer(in.GetFields()["token"].GetStringValue())
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	claims, err := s.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return inactive(), nil
		}
		return nil, status.Error(codes.Unavailable, "token check unavailable")
	}
	p, err := auth.NewPrincipal(claims, token)
	if err != nil {
		return inactive(), nil
	}
	return encodePrincipal(p)
}

// Whoami returns the caller's own principal.
func (s *TokenService) Whoami(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing principal")
	}
	return encodePrincipal(p)
}

func inactive() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{"active": structpb.NewBoolValue(false)}}
}

func encodePrincipal(p auth.Principal) (*structpb.Struct, error) {
	grants := make([]any, 0, len(p.Grants))
	for _, g := range p.Grants {
		grants = append(grants, g)
	}
	fields := map[string]any{
		"active":       true,
		"sub":          p.Subject,
		"providerCode": p.ProviderCode(),
		"grants":       grants,
		"clientId":     p.ClientID,
		"scope":        p.Scope,
	}
	if id, ok := p.UserID(); ok {
		fields["userId"] = id
	}
	if !p.ExpiresAt.IsZero() {
		fields["exp"] = p.ExpiresAt.Unix()
	}
	raw, err := json.Marshal(p.Context)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode context")
	}
	var ctxMap map[string]any
	if err := json.Unmarshal(raw, &ctxMap); err != nil {
		return nil, status.Error(codes.Internal, "encode context")
	}
	fields[auth.ContextClaim] = ctxMap
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// DecodeIntrospection reads a TokenService response.
func DecodeIntrospection(s *structpb.Struct) (Introspection, error) {
	f := s.GetFields()
	out := Introspection{Active: f["active"].GetBoolValue()}
	if !out.Active {
		return out, nil
	}
	out.Subject = f["sub"].GetStringValue()
	out.UserID = int64(f["userId"].GetNumberValue())
	out.ProviderCode = f["providerCode"].GetStringValue()
	out.ClientID = f["clientId"].GetStringValue()
	out.Scope = f["scope"].GetStringValue()
	for _, v := range f["grants"].GetListValue().GetValues() {
		out.Grants = append(out.Grants, v.GetStringValue())
	}
	if exp := f["exp"].GetNumberValue(); exp > 0 {
		out.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	if c := f[auth.ContextClaim].GetStructValue(); c != nil {
		raw, err := json.Marshal(c.AsMap())
		if err != nil {
			return Introspection{}, fmt.Errorf("grpcapi: encode ctx: %w", err)
		}
		sc, err := auth.DecodeSecurityContext(raw)
		if err != nil {
			return Introspection{}, fmt.Errorf("grpcapi: decode ctx: %w", err)
		}
		out.Context = sc
	}
	return out, nil
}

// RegisterTokenService attaches srv to a gRPC server.
func RegisterTokenService(s grpc.ServiceRegistrar, srv TokenServiceServer) {
	s.RegisterService(&tokenServiceDesc, srv)
}

var tokenServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TokenServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Introspect", Handler: introspectHandler},
		{MethodName: "Whoami", Handler: whoamiHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cdb/auth/v1/token.proto",
}

func introspectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenServiceServer).Introspect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: IntrospectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TokenServiceServer).Introspect(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func whoamiHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TokenServiceServer).Whoami(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: WhoamiMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TokenServiceServer).Whoami(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
