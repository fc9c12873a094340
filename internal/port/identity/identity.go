// Package identity defines the ports the hybrid auth verifier depends
// on: bearer token introspection and DID public key resolution.
package identity

import (
	"context"
	"crypto/ed25519"
	"time"
)

// Introspection is the subset of an RFC 7662 introspection response
// the verifier acts on.
type Introspection struct {
	Active    bool      `json:"active"`
	Subject   string    `json:"sub,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"-"`
}

// Introspector validates opaque bearer tokens against the identity
// provider. Implementations return domain.ErrUnavailable when the
// provider cannot be reached.
type Introspector interface {
	Introspect(ctx context.Context, token string) (*Introspection, error)
}

// KeyRegistry resolves a DID to its registered Ed25519 public key.
// domain.ErrNotFound means the client has no key on record, which the
// verifier treats as token-only mode for that client.
type KeyRegistry interface {
	PublicKey(ctx context.Context, did string) (ed25519.PublicKey, error)
}
