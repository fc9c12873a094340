// Package hydra talks to an ORY Hydra style identity provider: RFC
// 7662 token introspection plus public key lookup from OAuth client
// metadata. A circuit breaker guards both endpoints so a dead provider
// fails fast as domain.ErrUnavailable.
package hydra

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/domain"
	"github.com/parleyhq/parley/internal/port/identity"
	"github.com/parleyhq/parley/internal/resilience"
)

// Transient provider failures are retried with backoff before they
// count as one breaker failure.
const (
	providerAttempts  = 3
	providerRetryBase = 100 * time.Millisecond
)

// Client implements identity.Introspector and identity.KeyRegistry.
type Client struct {
	httpClient       *http.Client
	introspectionURL string
	adminURL         string
	clientID         string
	clientSecret     string
	breaker          *resilience.Breaker
}

var (
	_ identity.Introspector = (*Client)(nil)
	_ identity.KeyRegistry  = (*Client)(nil)
)

// New builds a client from the auth and breaker configs.
func New(cfg config.Auth, breaker config.Breaker) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		httpClient:       &http.Client{Timeout: timeout},
		introspectionURL: cfg.IntrospectionURL,
		adminURL:         strings.TrimSuffix(cfg.AdminURL, "/"),
		clientID:         cfg.ClientID,
		clientSecret:     cfg.ClientSecret,
		breaker:          resilience.NewBreaker(breaker.MaxFailures, breaker.Timeout),
	}
}

type introspectionResponse struct {
	Active   bool   `json:"active"`
	Subject  string `json:"sub"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	Exp      int64  `json:"exp"`
}

// Introspect validates an opaque bearer token with the provider.
func (c *Client) Introspect(ctx context.Context, token string) (*identity.Introspection, error) {
	var out *identity.Introspection
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, providerAttempts, providerRetryBase, func(ctx context.Context) error {
			return c.introspectOnce(ctx, token, &out)
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("identity provider: %w", domain.ErrUnavailable)
		}
		return nil, fmt.Errorf("%v: %w", err, domain.ErrUnavailable)
	}
	return out, nil
}

func (c *Client) introspectOnce(ctx context.Context, token string, out **identity.Introspection) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.introspectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.clientID != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("introspection call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("introspection status %d: %s", resp.StatusCode, body)
	}

	var ir introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return fmt.Errorf("decode introspection response: %w", err)
	}

	intro := &identity.Introspection{
		Active:   ir.Active,
		Subject:  ir.Subject,
		ClientID: ir.ClientID,
		Scope:    ir.Scope,
	}
	if ir.Exp > 0 {
		intro.ExpiresAt = time.Unix(ir.Exp, 0)
	}
	*out = intro
	return nil
}

type clientResponse struct {
	ClientID string            `json:"client_id"`
	Metadata map[string]string `json:"metadata"`
}

// PublicKey fetches the Ed25519 public key registered in the OAuth
// client's metadata for the given DID. domain.ErrNotFound means the
// client exists without a key, or not at all; the verifier then treats
// the caller as token-only.
func (c *Client) PublicKey(ctx context.Context, did string) (ed25519.PublicKey, error) {
	if c.adminURL == "" {
		return nil, fmt.Errorf("no admin endpoint configured for %s: %w", did, domain.ErrNotFound)
	}

	// A 404 or a client without a registered key is a valid answer and
	// must not trip the breaker.
	var key ed25519.PublicKey
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, providerAttempts, providerRetryBase, func(ctx context.Context) error {
			return c.publicKeyOnce(ctx, did, &key)
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, fmt.Errorf("identity provider: %w", domain.ErrUnavailable)
		}
		return nil, fmt.Errorf("%v: %w", err, domain.ErrUnavailable)
	}
	if key == nil {
		return nil, fmt.Errorf("client %s has no public key: %w", did, domain.ErrNotFound)
	}
	return key, nil
}

func (c *Client) publicKeyOnce(ctx context.Context, did string, key *ed25519.PublicKey) error {
	endpoint := c.adminURL + "/clients/" + url.PathEscape(did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build client request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("client lookup status %d: %s", resp.StatusCode, body)
	}

	var cr clientResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("decode client response: %w", err)
	}

	encoded, ok := cr.Metadata["public_key"]
	if !ok || encoded == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode public key for %s: %w", did, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %s has %d bytes, want %d", did, len(raw), ed25519.PublicKeySize)
	}
	*key = ed25519.PublicKey(raw)
	return nil
}
