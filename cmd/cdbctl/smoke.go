package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cdb.platformcommons.org/internal/auth"
	"cdb.platformcommons.org/internal/grpcapi"
)

func newSmokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run a login, introspect and logout round trip against a live authd",
		RunE:  runSmoke,
	}
	baseURL := os.Getenv("CDB_HTTP_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	cmd.Flags().String("url", baseURL, "authd HTTP base URL")
	cmd.Flags().String("addr", defaultGRPCAddr(), "authd gRPC address; empty skips the gRPC check")
	cmd.Flags().String("email", os.Getenv("CDB_SMOKE_EMAIL"), "Login email")
	cmd.Flags().String("password", os.Getenv("CDB_SMOKE_PASSWORD"), "Login password")
	cmd.Flags().Duration("timeout", 15*time.Second, "Overall timeout")
	return cmd
}

type smoke struct {
	base   string
	client *http.Client
}

func runSmoke(cmd *cobra.Command, _ []string) error {
	base, _ := cmd.Flags().GetString("url")
	addr, _ := cmd.Flags().GetString("addr")
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if email == "" || password == "" {
		return errors.New("--email and --password (or CDB_SMOKE_EMAIL / CDB_SMOKE_PASSWORD) are required")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	s := smoke{base: strings.TrimRight(base, "/"), client: &http.Client{Timeout: timeout}}
	w := cmd.OutOrStdout()

	if _, err := s.do(ctx, http.MethodGet, "/healthz", nil, "", http.StatusOK); err != nil {
		return err
	}
	var jwks auth.JWKS
	if err := s.decode(ctx, http.MethodGet, "/.well-known/jwks.json", nil, "", &jwks); err != nil {
		return err
	}
	if len(jwks.Keys) == 0 {
		return errors.New("jwks has no keys")
	}

	var tok auth.TokenResponse
	if err := s.decode(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": email, "password": password}, "", &tok); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if _, err := s.do(ctx, http.MethodGet, "/api/v1/auth/me", nil, tok.AccessToken, http.StatusOK); err != nil {
		return fmt.Errorf("me: %w", err)
	}
	if _, err := s.do(ctx, http.MethodGet, "/api/v1/auth/me", nil, "", http.StatusUnauthorized); err != nil {
		return fmt.Errorf("me without token: %w", err)
	}

	if addr != "" {
		client, err := grpcapi.Dial(addr)
		if err != nil {
			return fmt.Errorf("dial authd at %s: %w", addr, err)
		}
		defer client.Close()
		res, err := client.Introspect(ctx, tok.AccessToken)
		if err != nil {
			return fmt.Errorf("introspect: %w", err)
		}
		if !res.Active || res.Subject != auth.NormalizeEmail(email) {
			return fmt.Errorf("introspect: unexpected result %+v", res)
		}
	}

	q := "?token=" + url.QueryEscape(tok.AccessToken)
	if _, err := s.do(ctx, http.MethodPost, "/api/v1/auth/logout"+q, nil, "", http.StatusOK); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	body, err := s.do(ctx, http.MethodPost, "/api/v1/auth/validate"+q, nil, "", http.StatusOK)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if strings.TrimSpace(string(body)) != "false" {
		return fmt.Errorf("token still valid after logout: %s", body)
	}

	fmt.Fprintf(w, "authd smoke test passed: subject=%s expires_in=%ds\n", auth.NormalizeEmail(email), tok.ExpiresIn)
	return nil
}

func (s smoke) do(ctx context.Context, method, path string, body any, token string, want int) ([]byte, error) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, bytes.TrimSpace(out))
	}
	return out, nil
}

func (s smoke) decode(ctx context.Context, method, path string, body any, token string, v any) error {
	raw, err := s.do(ctx, method, path, body, token, http.StatusOK)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
