// Package codec encodes and decodes application messages carried by the
// network layer. The active codec is process wide and swapped with SetCodec.
package codec

import (
	"errors"
	"fmt"
	"sync/atomic"

	"google.golang.org/protobuf/reflect/protoreflect"
)

var (
	errCodecNotInit    = errors.New("codec not init")
	errNotProtoMessage = errors.New("codec: target is not a proto message")
)

// Codec 解码器.
type Codec interface {
	// Encode appends the encoding of m to b.
	Encode(m protoreflect.ProtoMessage, b []byte) ([]byte, error)
	Decode(a any, b []byte) error
}

type holder struct{ c Codec }

// the network goroutine decodes while the application goroutine may swap
var _codec atomic.Pointer[holder]

func init() {
	SetCodec(&DefaultCodec{})
}

func current() Codec {
	if h := _codec.Load(); h != nil {
		return h.c
	}
	return nil
}

// Encode 打包.
func Encode(m protoreflect.ProtoMessage, b []byte) ([]byte, error) {
	c := current()
	if c == nil {
		return nil, errCodecNotInit
	}
	return c.Encode(m, b)
}

// Decode 解包.
func Decode(a any, b []byte) error {
	c := current()
	if c == nil {
		return errCodecNotInit
	}
	return c.Decode(a, b)
}

// SetCodec 设置解码器.
func SetCodec(c Codec) {
	_codec.Store(&holder{c: c})
}

// ByName returns the codec configured as "proto" (or empty) or "json".
func ByName(name string) (Codec, error) {
	switch name {
	case "", "proto":
		return &DefaultCodec{}, nil
	case "json":
		return &JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
