package net

import (
	"encoding/binary"
	"fmt"
)

// ServiceType decides the packet header layout and the framing limits of a
// service. Outer services face game clients, inner services face other
// server processes and carry the target actor id in every packet.
type ServiceType string

const (
	ServiceTypeOuter ServiceType = "outer"
	ServiceTypeInner ServiceType = "inner"
)

func (t ServiceType) valid() bool {
	return t == ServiceTypeOuter || t == ServiceTypeInner
}

const (
	// ACTOR_ID_SIZE actorId长度.
	ACTOR_ID_SIZE = 8
	// OPCODE_SIZE opcode长度.
	OPCODE_SIZE = 2

	// InvalidOpcode is never registered. It keeps an 8 byte outer packet from
	// ever looking like a split header on the reliable UDP transport.
	InvalidOpcode uint16 = 0
)

// HeadSize returns the packet header length for the service type.
func (t ServiceType) HeadSize() int {
	if t == ServiceTypeInner {
		return ACTOR_ID_SIZE + OPCODE_SIZE
	}
	return OPCODE_SIZE
}

// PacketHead is the transport independent prefix of every application packet:
// [ActorId u64, inner only][Opcode u16][payload], little endian. Services own
// the ActorId part, the opcode travels inside the payload they are handed.
type PacketHead struct {
	ActorID uint64
	Opcode  uint16
}

// AppendFrameHead appends the service level part of the header to b.
func AppendFrameHead(b []byte, t ServiceType, actorID uint64) []byte {
	if t == ServiceTypeInner {
		b = binary.LittleEndian.AppendUint64(b, actorID)
	}
	return b
}

// SplitFrameHead strips the service level header from a received frame and
// returns the actor id together with the payload, which aliases frame.
func SplitFrameHead(t ServiceType, frame []byte) (uint64, []byte, error) {
	if t != ServiceTypeInner {
		if len(frame) < OPCODE_SIZE {
			return 0, nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(frame))
		}
		return 0, frame, nil
	}
	if len(frame) < ACTOR_ID_SIZE+OPCODE_SIZE {
		return 0, nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrInvalidPacket, len(frame), t.HeadSize())
	}
	return binary.LittleEndian.Uint64(frame), frame[ACTOR_ID_SIZE:], nil
}

// AppendOpcode appends the opcode prefix of a payload to b.
func AppendOpcode(b []byte, opcode uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, opcode)
}

// SplitOpcode reads the opcode of a payload and returns the message body,
// which aliases payload.
func SplitOpcode(payload []byte) (uint16, []byte, error) {
	if len(payload) < OPCODE_SIZE {
		return InvalidOpcode, nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacket, len(payload))
	}
	opcode := binary.LittleEndian.Uint16(payload)
	if opcode == InvalidOpcode {
		return opcode, nil, fmt.Errorf("%w: opcode 0", ErrInvalidPacket)
	}
	return opcode, payload[OPCODE_SIZE:], nil
}

// DecodePacketHead parses a complete packet.
func DecodePacketHead(t ServiceType, frame []byte) (PacketHead, []byte, error) {
	var hdr PacketHead
	actorID, payload, err := SplitFrameHead(t, frame)
	if err != nil {
		return hdr, nil, err
	}
	opcode, body, err := SplitOpcode(payload)
	if err != nil {
		return hdr, nil, err
	}
	hdr.ActorID = actorID
	hdr.Opcode = opcode
	return hdr, body, nil
}
