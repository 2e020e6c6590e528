package grpcapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"cdb.platformcommons.org/internal/auth"
)

const authorizationKey = "authorization"

// DefaultPublicMethods are served without a bearer token.
var DefaultPublicMethods = []string{
	IntrospectMethod,
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
	"/grpc.health.v1.Health/List",
}

// UnaryAuthInterceptor verifies the bearer token in the authorization
// metadata and attaches the principal to the handler context. Methods in
// public pass through untouched.
func UnaryAuthInterceptor(verifier *auth.Verifier, log *slog.Logger, public ...string) grpc.UnaryServerInterceptor {
	skip := methodSet(public)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if skip[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, verifier, log)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is the streaming counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(verifier *auth.Verifier, log *slog.Logger, public ...string) grpc.StreamServerInterceptor {
	skip := methodSet(public)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if skip[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), verifier, log)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
	}
}

// UnaryLoggingInterceptor writes one structured entry per call.
func UnaryLoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelInfo
		if code == codes.Internal || code == codes.Unknown || code == codes.Unavailable {
			level = slog.LevelError
		}
		log.LogAttrs(ctx, level, "grpc_complete",
			slog.String("method", info.FullMethod),
			slog.String("code", code.String()),
			slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
		return resp, err
	}
}

func authenticate(ctx context.Context, verifier *auth.Verifier, log *slog.Logger) (ctx2 context.Context, err error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(authorizationKey)
	if len(values) == 0 {
		return ctx, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	raw := strings.TrimSpace(values[0])
	if len(raw) < 8 || !strings.EqualFold(raw[:7], "bearer ") {
		return ctx, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	token := strings.TrimSpace(raw[7:])
	if token == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing bearer token")
	}

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "grpc authentication panic", "panic", r)
			ctx2, err = ctx, status.Error(codes.Unauthenticated, "invalid or expired token")
		}
	}()
	claims, err := verifier.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidToken) {
			log.ErrorContext(ctx, "grpc token verification failed", "error", err)
		}
		return ctx, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	p, err := auth.NewPrincipal(claims, token)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return auth.ContextWithPrincipal(ctx, p), nil
}

func methodSet(methods []string) map[string]bool {
	out := make(map[string]bool, len(methods))
	for _, m := range methods {
		out[m] = true
	}
	return out
}

// wrappedStream carries the authenticated context into stream handlers.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context { return w.ctx }
