package grpcgw

import (
	"encoding/json"
)

// frameCarrier is implemented by request types that keep the exact
// wire bytes they were decoded from, so the signature layer verifies
// what the client actually sent rather than a server-side re-encoding.
type frameCarrier interface {
	setFrame([]byte)
}

// jsonCodec marshals gRPC messages as JSON so both transports carry
// the identical domain types. Installed with grpc.ForceServerCodec.
type jsonCodec struct{}

// Name identifies the codec in content-subtype negotiation.
func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	if fc, ok := v.(frameCarrier); ok {
		fc.setFrame(append([]byte(nil), data...))
	}
	return nil
}

// Codec returns the JSON server codec.
func Codec() jsonCodec { return jsonCodec{} }
