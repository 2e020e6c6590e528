package grpcapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"cdb.platformcommons.org/internal/auth"
)

const bufSize = 1024 * 1024

var (
	keyOnce    sync.Once
	privatePEM string
	publicPEM  string
	keyErr     error
)

func newTestCodec(t *testing.T) *auth.Codec {
	t.Helper()
	keyOnce.Do(func() {
		privatePEM, publicPEM, keyErr = auth.GenerateKeyPairPEM(2048)
	})
	if keyErr != nil {
		t.Fatalf("generate keys: %v", keyErr)
	}
	codec, err := auth.NewCodec(publicPEM, auth.WithPrivateKey(privatePEM))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

type stubReady struct {
	mu  sync.Mutex
	err error
}

func (s *stubReady) Check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func startBufGRPC(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		srv.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

func tenantToken(t *testing.T, codec *auth.Codec) string {
	t.Helper()
	sc := auth.NewSecurityContext(auth.NewUserContext(7, "ops@example.org", "ops")).
		WithProvider(auth.NewProviderContext(4, "CITY")).
		WithRoles([]string{"ANALYST"}).
		WithAuthorities([]string{"REPORT.VIEW"})
	token, err := codec.Generate("ops@example.org", 7, time.Hour, map[string]any{auth.ContextClaim: sc})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return token
}

func TestIntrospectActiveAndInactive(t *testing.T) {
	codec := newTestCodec(t)
	denylist := auth.NewMemoryDenylist(nil)
	conn := startBufGRPC(t, NewServer(auth.NewVerifier(codec, denylist), nil, nil))
	client := NewClient(conn)

	ctx, cancel := WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	token := tenantToken(t, codec)
	got, err := client.Introspect(ctx, "Bearer "+token)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !got.Active || got.Subject != "ops@example.org" || got.UserID != 7 || got.ProviderCode != "CITY" {
		t.Fatalf("unexpected introspection: %+v", got)
	}
	if strings.Join(got.Grants, ",") != "ROLE_ANALYST,REPORT.VIEW" {
		t.Fatalf("unexpected grants: %v", got.Grants)
	}
	if got.Context.Provider == nil || got.Context.Provider.Code != "CITY" {
		t.Fatalf("expected provider in decoded context: %+v", got.Context)
	}
	if got.ExpiresAt.Before(time.Now()) {
		t.Fatalf("unexpected expiry: %v", got.ExpiresAt)
	}

	claims, err := codec.ParseClaims(token)
	if err != nil {
		t.Fatalf("ParseClaims: %v", err)
	}
	if err := denylist.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	got, err = client.Introspect(ctx, token)
	if err != nil {
		t.Fatalf("Introspect revoked: %v", err)
	}
	if got.Active {
		t.Fatalf("revoked token must be inactive")
	}

	got, err = client.Introspect(ctx, "not-a-token")
	if err != nil || got.Active {
		t.Fatalf("garbage token: active=%v err=%v", got.Active, err)
	}

	if _, err := client.Introspect(ctx, ""); !errors.Is(err, auth.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestWhoamiRequiresBearer(t *testing.T) {
	codec := newTestCodec(t)
	conn := startBufGRPC(t, NewServer(auth.NewVerifier(codec, nil), nil, nil))
	client := NewClient(conn)

	ctx, cancel := WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := client.Whoami(ctx, tenantToken(t, codec))
	if err != nil {
		t.Fatalf("Whoami: %v", err)
	}
	if got.Subject != "ops@example.org" || got.ProviderCode != "CITY" {
		t.Fatalf("unexpected principal: %+v", got)
	}

	if _, err := client.Whoami(ctx, "garbage"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}

	err = conn.Invoke(ctx, WhoamiMethod, emptyStruct(), emptyStruct())
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without metadata, got %v", err)
	}
}

func TestHealthFollowsReadiness(t *testing.T) {
	codec := newTestCodec(t)
	ready := &stubReady{}
	srv := NewServer(auth.NewVerifier(codec, nil), ready, nil)
	conn := startBufGRPC(t, srv)
	health := healthpb.NewHealthClient(conn)

	ctx, cancel := WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %v", resp.GetStatus())
	}

	ready.mu.Lock()
	ready.err = errors.New("db down")
	ready.mu.Unlock()
	srv.refresh(ctx)

	resp, err = health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.GetStatus())
	}
}

func TestUnaryAuthInterceptorAttachesPrincipal(t *testing.T) {
	codec := newTestCodec(t)
	interceptor := UnaryAuthInterceptor(auth.NewVerifier(codec, nil), discardLogger(), DefaultPublicMethods...)
	token := tenantToken(t, codec)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "bearer "+token))
	var seen auth.Principal
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: WhoamiMethod}, func(ctx context.Context, req any) (any, error) {
		seen, _ = auth.PrincipalFromContext(ctx)
		return nil, nil
	})
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if seen.Token != token || !seen.HasRole("ANALYST") {
		t.Fatalf("unexpected principal: %+v", seen)
	}

	called := false
	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: IntrospectMethod}, func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	})
	if err != nil || !called {
		t.Fatalf("public method must pass through: called=%v err=%v", called, err)
	}
}

func TestStreamAuthInterceptorRejectsMissingToken(t *testing.T) {
	codec := newTestCodec(t)
	interceptor := StreamAuthInterceptor(auth.NewVerifier(codec, nil), discardLogger())
	err := interceptor(nil, &fakeStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/x.Y/Z"},
		func(srv any, ss grpc.ServerStream) error {
			t.Fatal("handler must not run")
			return nil
		})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func emptyStruct() *structpb.Struct { return &structpb.Struct{} }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
