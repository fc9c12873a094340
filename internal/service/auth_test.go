package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/port/identity"
)

type fakeIntrospector struct {
	mu      sync.Mutex
	calls   int
	results map[string]*identity.Introspection
	err     error
}

func (f *fakeIntrospector) Introspect(_ context.Context, token string) (*identity.Introspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if intro, ok := f.results[token]; ok {
		cp := *intro
		return &cp, nil
	}
	return &identity.Introspection{Active: false}, nil
}

func (f *fakeIntrospector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeKeyRegistry struct {
	keys map[string]ed25519.PublicKey
}

func (f *fakeKeyRegistry) PublicKey(_ context.Context, did string) (ed25519.PublicKey, error) {
	if key, ok := f.keys[did]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("client %s: %w", did, domain.ErrNotFound)
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	return raw, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func newTestVerifier(intro *fakeIntrospector, keys identity.KeyRegistry, c *memoryCache) *Verifier {
	cfg := config.Auth{
		Enabled:         true,
		CacheTTL:        time.Minute,
		SignatureMaxAge: 300 * time.Second,
	}
	if c == nil {
		return NewVerifier(cfg, intro, keys, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
	return NewVerifier(cfg, intro, keys, c, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestVerifyDisabledIsAnonymous(t *testing.T) {
	v := NewVerifier(config.Auth{Enabled: false}, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p, err := v.Verify(context.Background(), Credentials{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !p.Anonymous {
		t.Fatal("expected anonymous principal")
	}
}

func TestVerifyMissingToken(t *testing.T) {
	v := newTestVerifier(&fakeIntrospector{}, nil, nil)
	if _, err := v.Verify(context.Background(), Credentials{}); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyInactiveToken(t *testing.T) {
	intro := &fakeIntrospector{results: map[string]*identity.Introspection{}}
	v := newTestVerifier(intro, nil, nil)
	if _, err := v.Verify(context.Background(), Credentials{Token: "revoked"}); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	intro := &fakeIntrospector{results: map[string]*identity.Introspection{
		"stale": {Active: true, Subject: "agent-1", ExpiresAt: time.Now().Add(-time.Minute)},
	}}
	v := newTestVerifier(intro, nil, nil)
	if _, err := v.Verify(context.Background(), Credentials{Token: "stale"}); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyActiveTokenPasses(t *testing.T) {
	intro := &fakeIntrospector{results: map[string]*identity.Introspection{
		"good": {Active: true, Subject: "agent-1", ClientID: "client-1", Scope: "tasks"},
	}}
	v := newTestVerifier(intro, nil, nil)
	p, err := v.Verify(context.Background(), Credentials{Token: "good"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "agent-1" || p.ClientID != "client-1" || p.Scope != "tasks" {
		t.Fatalf("principal = %+v", p)
	}
	if p.Anonymous {
		t.Fatal("authenticated principal flagged anonymous")
	}
}

func TestVerifyUsesVerdictCache(t *testing.T) {
	intro := &fakeIntrospector{results: map[string]*identity.Introspection{
		"good": {Active: true, Subject: "agent-1", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	v := newTestVerifier(intro, nil, newMemoryCache())

	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), Credentials{Token: "good"}); err != nil {
			t.Fatalf("Verify %d: %v", i, err)
		}
	}
	if got := intro.callCount(); got != 1 {
		t.Fatalf("introspector called %d times, want 1", got)
	}
}

func TestVerifyCachedExpiryStillEnforced(t *testing.T) {
	intro := &fakeIntrospector{results: map[string]*identity.Introspection{
		"short": {Active: true, Subject: "agent-1", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	v := newTestVerifier(intro, nil, newMemoryCache())

	if _, err := v.Verify(context.Background(), Credentials{Token: "short"}); err != nil {
		t.Fatalf("first Verify: %v", err)
	}

	// Advance past expiry; the cached verdict must not outlive the token.
	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := v.Verify(context.Background(), Credentials{Token: "short"}); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestVerifyProviderUnavailable(t *testing.T) {
	intro := &fakeIntrospector{err: fmt.Errorf("introspection: %w", domain.ErrUnavailable)}
	v := newTestVerifier(intro, nil, nil)
	if _, err := v.Verify(context.Background(), Credentials{Token: "any"}); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestRequiresSignature(t *testing.T) {
	cases := []struct {
		isDID, hasKey, headers bool
		want                   bool
	}{
		{false, false, false, false},
		{true, false, false, false},
		{true, true, false, false},
		{true, false, true, false},
		{false, true, true, false},
		{true, true, true, true},
	}
	for _, tc := range cases {
		if got := requiresSignature(tc.isDID, tc.hasKey, tc.headers); got != tc.want {
			t.Errorf("requiresSignature(%v,%v,%v) = %v, want %v",
				tc.isDID, tc.hasKey, tc.headers, got, tc.want)
		}
	}
}

const testDID = "did:agent:alice"

func signedCredentials(t *testing.T, priv ed25519.PrivateKey, body []byte, ts int64) Credentials {
	t.Helper()
	payload, err := signaturePayload(body, testDID, ts)
	if err != nil {
		t.Fatalf("signaturePayload: %v", err)
	}
	return Credentials{
		Token:     "good",
		DID:       testDID,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload)),
		Timestamp: strconv.FormatInt(ts, 10),
		Body:      body,
	}
}

func didVerifier(t *testing.T) (*Verifier, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	intro := &fakeIntrospector{results: map[string]*identity.Introspection{
		"good": {Active: true, Subject: "alice", ClientID: testDID},
	}}
	keys := &fakeKeyRegistry{keys: map[string]ed25519.PublicKey{testDID: pub}}
	return newTestVerifier(intro, keys, nil), priv
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	v, priv := didVerifier(t)
	body := []byte(`{"jsonrpc":"2.0","method":"message/send","id":1}`)

	cred := signedCredentials(t, priv, body, time.Now().Unix())
	p, err := v.Verify(context.Background(), cred)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.ClientID != testDID {
		t.Fatalf("client = %q", p.ClientID)
	}
}

func TestVerifySignatureBodyTamper(t *testing.T) {
	v, priv := didVerifier(t)
	body := []byte(`{"jsonrpc":"2.0","method":"message/send","id":1}`)

	cred := signedCredentials(t, priv, body, time.Now().Unix())
	cred.Body = []byte(`{"jsonrpc":"2.0","method":"tasks/cancel","id":1}`)
	if _, err := v.Verify(context.Background(), cred); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifySignatureReplayOutsideWindow(t *testing.T) {
	v, priv := didVerifier(t)
	body := []byte(`{}`)

	old := time.Now().Add(-10 * time.Minute).Unix()
	cred := signedCredentials(t, priv, body, old)
	if _, err := v.Verify(context.Background(), cred); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestVerifySignatureFutureTimestampRejected(t *testing.T) {
	v, priv := didVerifier(t)
	body := []byte(`{}`)

	future := time.Now().Add(10 * time.Minute).Unix()
	cred := signedCredentials(t, priv, body, future)
	if _, err := v.Verify(context.Background(), cred); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestVerifySignatureDIDMismatch(t *testing.T) {
	v, priv := didVerifier(t)
	body := []byte(`{}`)

	cred := signedCredentials(t, priv, body, time.Now().Unix())
	cred.DID = "did:agent:mallory"
	if _, err := v.Verify(context.Background(), cred); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifySignatureMalformedEncoding(t *testing.T) {
	v, priv := didVerifier(t)
	body := []byte(`{}`)

	cred := signedCredentials(t, priv, body, time.Now().Unix())
	cred.Signature = "%%% not base64 %%%"
	if _, err := v.Verify(context.Background(), cred); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyDIDWithoutKeyFallsBackToToken(t *testing.T) {
	intro := &fakeIntrospector{results: map[string]*identity.Introspection{
		"good": {Active: true, Subject: "bob", ClientID: "did:agent:bob"},
	}}
	keys := &fakeKeyRegistry{keys: map[string]ed25519.PublicKey{}}
	v := newTestVerifier(intro, keys, nil)

	p, err := v.Verify(context.Background(), Credentials{Token: "good"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.ClientID != "did:agent:bob" {
		t.Fatalf("client = %q", p.ClientID)
	}
}

func TestVerifyNonDIDClientSkipsSignatureLayer(t *testing.T) {
	intro := &fakeIntrospector{results: map[string]*identity.Introspection{
		"good": {Active: true, Subject: "svc", ClientID: "plain-client"},
	}}
	v := newTestVerifier(intro, &fakeKeyRegistry{}, nil)

	// Signature headers on a non-DID client are ignored.
	p, err := v.Verify(context.Background(), Credentials{
		Token: "good", DID: "did:agent:alice", Signature: "xx", Timestamp: "123",
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.ClientID != "plain-client" {
		t.Fatalf("client = %q", p.ClientID)
	}
}
