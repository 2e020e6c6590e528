package auth

import (
	"context"
	"sync"
	"testing"
	"time"
)

var (
	keyOnce        sync.Once
	testPrivatePEM string
	testPublicPEM  string
	keyErr         error
)

func testKeys(t *testing.T) (string, string) {
	t.Helper()
	keyOnce.Do(func() {
		testPrivatePEM, testPublicPEM, keyErr = GenerateKeyPairPEM(2048)
	})
	if keyErr != nil {
		t.Fatalf("GenerateKeyPairPEM: %v", keyErr)
	}
	return testPrivatePEM, testPublicPEM
}

func newTestCodec(t *testing.T, opts ...CodecOption) *Codec {
	t.Helper()
	priv, pub := testKeys(t)
	codec, err := NewCodec(pub, append([]CodecOption{WithPrivateKey(priv), WithKeyID("test-kid")}, opts...)...)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedUser(t *testing.T, store *MemoryStore, email, password string, enabled bool) *User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &User{Username: email, Email: email, PasswordHash: hash, Enabled: enabled}
	if err := store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}
