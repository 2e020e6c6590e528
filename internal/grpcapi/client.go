package grpcapi

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"cdb.platformcommons.org/internal/auth"
)

// Client calls the TokenService of a remote authd.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client; without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Introspect asks the server whether token is active.
func (c *Client) Introspect(ctx context.Context, token string) (Introspection, error) {
	in, err := structpb.NewStruct(map[string]any{"token": token})
	if err != nil {
		return Introspection{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, IntrospectMethod, in, out); err != nil {
		return Introspection{}, mapError(err)
	}
	return DecodeIntrospection(out)
}

// Whoami returns the principal behind token as seen by the server.
func (c *Client) Whoami(ctx context.Context, token string) (Introspection, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+auth.StripBearer(token))
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, WhoamiMethod, &structpb.Struct{}, out); err != nil {
		return Introspection{}, mapError(err)
	}
	return DecodeIntrospection(out)
}

// WithTimeout returns a context with a default timeout for CLI calls.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}

func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", auth.ErrInvalidToken, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", auth.ErrInvalidArgument, st.Message())
	default:
		return err
	}
}
