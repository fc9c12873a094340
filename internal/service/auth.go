package service

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/port/cache"
	"github.com/parleyhq/parley/internal/port/identity"
)

// Header names for the signature layer. Both transports map their
// native metadata onto these.
const (
	HeaderDID          = "X-DID"
	HeaderDIDSignature = "X-DID-Signature"
	HeaderDIDTimestamp = "X-DID-Timestamp"
)

// Credentials is the transport-agnostic bundle of auth material
// extracted from one inbound call.
type Credentials struct {
	Token     string // bearer token, without the "Bearer " prefix
	DID       string
	Signature string // base64-encoded Ed25519 signature
	Timestamp string // unix seconds, as sent on the wire
	Body      []byte // exact request body bytes the signature covers
}

// Principal identifies the authenticated caller.
type Principal struct {
	Subject   string
	ClientID  string
	Scope     string
	Anonymous bool
}

// Verifier implements the hybrid token + DID signature check. It is
// shared by the JSON-RPC and gRPC gateways so both surfaces enforce
// identical policy.
type Verifier struct {
	enabled      bool
	introspector identity.Introspector
	keys         identity.KeyRegistry
	cache        cache.Cache
	cacheTTL     time.Duration
	maxAge       time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// NewVerifier wires the verifier. cache may be nil to disable verdict
// caching.
func NewVerifier(cfg config.Auth, introspector identity.Introspector, keys identity.KeyRegistry, c cache.Cache, log *slog.Logger) *Verifier {
	maxAge := cfg.SignatureMaxAge
	if maxAge <= 0 {
		maxAge = 300 * time.Second
	}
	return &Verifier{
		enabled:      cfg.Enabled,
		introspector: introspector,
		keys:         keys,
		cache:        c,
		cacheTTL:     cfg.CacheTTL,
		maxAge:       maxAge,
		now:          time.Now,
		log:          log,
	}
}

// Verify authenticates one inbound call. With auth disabled every
// caller passes as anonymous.
func (v *Verifier) Verify(ctx context.Context, cred Credentials) (*Principal, error) {
	if !v.enabled {
		return &Principal{Anonymous: true}, nil
	}

	if cred.Token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", domain.ErrUnauthenticated)
	}

	intro, err := v.introspect(ctx, cred.Token)
	if err != nil {
		return nil, err
	}
	if !intro.Active {
		return nil, fmt.Errorf("token inactive: %w", domain.ErrUnauthenticated)
	}
	if !intro.ExpiresAt.IsZero() && intro.ExpiresAt.Before(v.now()) {
		return nil, fmt.Errorf("token expired: %w", domain.ErrUnauthenticated)
	}

	if err := v.verifySignatureLayer(ctx, intro.ClientID, cred); err != nil {
		return nil, err
	}

	return &Principal{
		Subject:  intro.Subject,
		ClientID: intro.ClientID,
		Scope:    intro.Scope,
	}, nil
}

// cachedVerdict is the cache encoding of an introspection result.
// ExpiresAt is carried explicitly because Introspection does not
// serialize it.
type cachedVerdict struct {
	Verdict   identity.Introspection `json:"verdict"`
	ExpiresAt int64                  `json:"exp,omitempty"`
}

// introspect consults the verdict cache before calling the provider.
// Verdicts are keyed by token hash so raw tokens never sit in cache
// memory.
func (v *Verifier) introspect(ctx context.Context, token string) (*identity.Introspection, error) {
	key := tokenCacheKey(token)

	if v.cache != nil {
		if raw, ok, err := v.cache.Get(ctx, key); err == nil && ok {
			var cached cachedVerdict
			if json.Unmarshal(raw, &cached) == nil {
				intro := cached.Verdict
				if cached.ExpiresAt > 0 {
					intro.ExpiresAt = time.Unix(cached.ExpiresAt, 0)
				}
				return &intro, nil
			}
		}
	}

	intro, err := v.introspector.Introspect(ctx, token)
	if err != nil {
		return nil, err
	}

	if v.cache != nil && v.cacheTTL > 0 {
		ttl := v.cacheTTL
		if !intro.ExpiresAt.IsZero() {
			if until := intro.ExpiresAt.Sub(v.now()); until > 0 && until < ttl {
				ttl = until
			}
		}
		entry := cachedVerdict{Verdict: *intro}
		if !intro.ExpiresAt.IsZero() {
			entry.ExpiresAt = intro.ExpiresAt.Unix()
		}
		if raw, err := json.Marshal(entry); err == nil {
			_ = v.cache.Set(ctx, key, raw, ttl)
		}
	}
	return intro, nil
}

func tokenCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "introspect:" + hex.EncodeToString(sum[:])
}

// verifySignatureLayer enforces the DID signature when the pure
// decision says it applies; otherwise the call proceeds on the token
// layer alone.
func (v *Verifier) verifySignatureLayer(ctx context.Context, clientID string, cred Credentials) error {
	isDID := strings.HasPrefix(clientID, "did:")
	headersPresent := cred.DID != "" && cred.Signature != "" && cred.Timestamp != ""

	var key ed25519.PublicKey
	hasKey := false
	if isDID && v.keys != nil {
		k, err := v.keys.PublicKey(ctx, clientID)
		switch {
		case err == nil:
			key, hasKey = k, true
		case errors.Is(err, domain.ErrNotFound):
			// Token-only fallback for did: clients without a key.
		default:
			return err
		}
	}

	if !requiresSignature(isDID, hasKey, headersPresent) {
		return nil
	}

	if cred.DID != clientID {
		return fmt.Errorf("did header %q does not match client %q: %w", cred.DID, clientID, domain.ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(cred.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed signature timestamp: %w", domain.ErrInvalidSignature)
	}
	age := v.now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if float64(age) > v.maxAge.Seconds() {
		return fmt.Errorf("signature timestamp outside %s window: %w", v.maxAge, domain.ErrExpired)
	}

	sig, err := base64.StdEncoding.DecodeString(cred.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature encoding: %w", domain.ErrInvalidSignature)
	}

	payload, err := signaturePayload(cred.Body, cred.DID, ts)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, payload, sig) {
		return fmt.Errorf("signature mismatch for %s: %w", cred.DID, domain.ErrInvalidSignature)
	}
	return nil
}

// requiresSignature is the pure enforcement decision: all three
// conditions must hold before the signature layer applies.
func requiresSignature(isDID, hasKey, headersPresent bool) bool {
	return isDID && hasKey && headersPresent
}

// signaturePayload builds the canonical signing payload: compact JSON
// with keys in sorted order (body, did, timestamp), the body carried
// verbatim as a string.
func signaturePayload(body []byte, did string, timestamp int64) ([]byte, error) {
	payload := struct {
		Body      string `json:"body"`
		DID       string `json:"did"`
		Timestamp int64  `json:"timestamp"`
	}{
		Body:      string(body),
		DID:       did,
		Timestamp: timestamp,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal signature payload: %w", err)
	}
	return raw, nil
}
