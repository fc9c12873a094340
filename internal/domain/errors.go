// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a write raced with another writer, or a
// transition was attempted on a task already in a terminal state.
var ErrConflict = errors.New("conflict: resource is terminal or was modified by another request")

// ErrInvalidState indicates an operation is not valid for the entity's
// current lifecycle state (e.g. feedback on a non-terminal task).
var ErrInvalidState = errors.New("invalid state for operation")

// ErrUnauthenticated indicates a missing, expired, or inactive bearer token.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrInvalidSignature indicates a request signature did not verify
// against the client's registered public key.
var ErrInvalidSignature = errors.New("invalid request signature")

// ErrExpired indicates a signed request's timestamp fell outside the
// replay tolerance window.
var ErrExpired = errors.New("request signature expired")

// ErrValidation indicates a malformed message, part, or parameter set.
var ErrValidation = errors.New("validation failed")

// ErrUnavailable indicates a storage, scheduler, or identity backend
// could not be reached after bounded retries.
var ErrUnavailable = errors.New("backend unavailable")
