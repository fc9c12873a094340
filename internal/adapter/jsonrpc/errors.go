package jsonrpc

import (
	"errors"

	"github.com/parleyhq/parley/internal/domain"
)

// JSON-RPC 2.0 error codes. The -320xx range carries the domain
// taxonomy; the mapping mirrors the gRPC gateway's status codes so the
// two surfaces stay behaviorally identical.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeUnavailable    = -32000
	codeNotFound       = -32001
	codeConflict       = -32005
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errorFor maps a domain error to its JSON-RPC error object.
func errorFor(err error) *rpcError {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return &rpcError{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidState):
		return &rpcError{Code: codeConflict, Message: err.Error()}
	case errors.Is(err, domain.ErrValidation):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	case errors.Is(err, domain.ErrUnavailable):
		return &rpcError{Code: codeUnavailable, Message: err.Error()}
	default:
		return &rpcError{Code: codeInternal, Message: "internal error"}
	}
}
