package codec

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// DefaultCodec uses the protobuf binary wire format.
type DefaultCodec struct{}

// Encode ...
func (c *DefaultCodec) Encode(m protoreflect.ProtoMessage, b []byte) ([]byte, error) {
	return proto.MarshalOptions{}.MarshalAppend(b, m)
}

// Decode ...
func (c *DefaultCodec) Decode(a any, b []byte) error {
	m, ok := a.(proto.Message)
	if !ok {
		return errNotProtoMessage
	}
	return proto.Unmarshal(b, m)
}

// JSONCodec uses the protobuf JSON mapping. Handy for WebSocket clients
// written in script languages.
type JSONCodec struct{}

func (c *JSONCodec) Encode(m protoreflect.ProtoMessage, b []byte) ([]byte, error) {
	return protojson.MarshalOptions{}.MarshalAppend(b, m)
}

func (c *JSONCodec) Decode(a any, b []byte) error {
	m, ok := a.(proto.Message)
	if !ok {
		return errNotProtoMessage
	}
	return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(b, m)
}
