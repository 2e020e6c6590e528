package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cdb.platformcommons.org/internal/grpcapi"
)

func defaultGRPCAddr() string {
	if addr := os.Getenv("CDB_GRPC_TARGET"); addr != "" {
		return addr
	}
	return "localhost:9090"
}

func newIntrospectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "introspect TOKEN",
		Short: "Ask a running authd whether a token is active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			client, err := grpcapi.Dial(addr)
			if err != nil {
				return fmt.Errorf("dial authd at %s: %w", addr, err)
			}
			defer client.Close()

			ctx, cancel := grpcapi.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := client.Introspect(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), introspectionView(res))
		},
	}
	cmd.Flags().String("addr", defaultGRPCAddr(), "authd gRPC address")
	cmd.Flags().Duration("timeout", 5*time.Second, "Call timeout")
	return cmd
}

func introspectionView(res grpcapi.Introspection) map[string]any {
	if !res.Active {
		return map[string]any{"active": false}
	}
	out := map[string]any{
		"active":  true,
		"subject": res.Subject,
		"grants":  res.Grants,
		"ctx":     res.Context,
	}
	if res.UserID != 0 {
		out["userId"] = res.UserID
	}
	if res.ProviderCode != "" {
		out["providerCode"] = res.ProviderCode
	}
	if res.ClientID != "" {
		out["clientId"] = res.ClientID
		out["scope"] = res.Scope
	}
	if !res.ExpiresAt.IsZero() {
		out["expiresAt"] = res.ExpiresAt.Format(time.RFC3339)
	}
	return out
}
