package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding registry and selected via the
// "grpc+json" content-subtype on every call made with CallContentSubtype.
const codecName = "json"

// jsonCodec implements encoding.Codec by marshalling messages as JSON
// instead of protobuf wire format. The session protocol only ever moves
// *Envelope values, so this module never needs protoc or generated .pb.go
// stubs - the .proto file alongside this package documents the same shapes
// for other-language clients but is not compiled here.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
