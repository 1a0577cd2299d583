package toolagent

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated via grpc.CallContentSubtype so every RPC in this
// package uses jsonCodec instead of the default protobuf codec. The wire
// contract documented in toolagent.proto is still the service's IDL; only
// the encoding on the wire is JSON rather than protobuf, since no .proto
// compiler runs as part of this build.
const codecName = "toolagent-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }
