package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cdb.platformcommons.org/internal/auth"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashPasswordFromStdin(t *testing.T) {
	out, err := execute(t, "s3cret\n", "hash-password")
	if err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	hash := strings.TrimSpace(out)
	if err := auth.VerifyPassword(hash, "s3cret"); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
}

func TestKeygenWritesUsableKeys(t *testing.T) {
	dir := t.TempDir()
	if _, err := execute(t, "", "keygen", "--out", dir); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	priv, err := os.ReadFile(filepath.Join(dir, "jwt_private.pem"))
	if err != nil {
		t.Fatalf("read private key: %v", err)
	}
	pub, err := os.ReadFile(filepath.Join(dir, "jwt_public.pem"))
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}
	codec, err := auth.NewCodec(string(pub), auth.WithPrivateKey(string(priv)))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if !codec.CanSign() {
		t.Fatal("expected signing codec")
	}
}

func TestKeygenEnvOutputRoundTrips(t *testing.T) {
	out, err := execute(t, "", "keygen", "--env")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.Contains(out, "CDB_JWT_PRIVATE_KEY=") || !strings.Contains(out, "CDB_JWT_PUBLIC_KEY=") {
		t.Fatalf("unexpected output: %s", out)
	}
	if strings.Count(strings.TrimSpace(out), "\n") != 1 {
		t.Fatalf("expected one line per key: %s", out)
	}
}

func TestKeygenRejectsShortKeys(t *testing.T) {
	if _, err := execute(t, "", "keygen", "--bits", "1024"); err == nil {
		t.Fatal("expected error for short key")
	}
}
