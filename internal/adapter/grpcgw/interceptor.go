package grpcgw

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/parleyhq/parley/internal/service"
)

// Metadata keys carrying the signature layer. gRPC lowercases metadata
// keys, so these are the lowercase forms of the HTTP headers.
const (
	mdAuthorization = "authorization"
	mdDID           = "x-did"
	mdDIDSignature  = "x-did-signature"
	mdDIDTimestamp  = "x-did-timestamp"
)

// frameProvider exposes the wire bytes the codec captured during
// request decode.
type frameProvider interface {
	frame() []byte
}

// UnaryAuthInterceptor verifies every unary call. The signature layer
// covers the exact frame bytes the client sent, so any valid JSON
// encoding of the request verifies, not just Go's canonical one.
func UnaryAuthInterceptor(verifier *service.Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		cred := credentialsFromMD(ctx)
		if fp, ok := req.(frameProvider); ok && len(fp.frame()) > 0 {
			cred.Body = fp.frame()
		} else if body, err := json.Marshal(req); err == nil {
			cred.Body = body
		}
		if _, err := verifier.Verify(ctx, cred); err != nil {
			return nil, statusFor(err)
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor verifies streaming calls on the token layer.
// The first stream message is not available before the handler runs,
// so the signature layer does not apply to streams.
func StreamAuthInterceptor(verifier *service.Verifier) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		cred := credentialsFromMD(ss.Context())
		cred.DID, cred.Signature, cred.Timestamp = "", "", ""
		if _, err := verifier.Verify(ss.Context(), cred); err != nil {
			return statusFor(err)
		}
		return handler(srv, ss)
	}
}

func credentialsFromMD(ctx context.Context) service.Credentials {
	md, _ := metadata.FromIncomingContext(ctx)
	token := first(md, mdAuthorization)
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	return service.Credentials{
		Token:     token,
		DID:       first(md, mdDID),
		Signature: first(md, mdDIDSignature),
		Timestamp: first(md, mdDIDTimestamp),
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
