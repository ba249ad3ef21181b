// Package rpc defines the wire types and gRPC service description for the
// dispatcher's remote-invocation surface (SPEC_FULL.md §2 DOMAIN STACK:
// "Dispatcher remote control plane"). Messages are plain Go structs framed
// with JSON rather than a protoc-generated Protocol Buffers schema, since no
// .proto toolchain is available in this environment; grpc-go's content-
// subtype negotiation lets a custom codec stand in for the generated proto
// codec without changing anything else about the transport.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec so that the
// NovaService client and server negotiate the "json" content-subtype
// instead of the default protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
