package net

import (
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/lcx/asuranet/codec"
)

// MsgReqType defines the role of a message in a request/response exchange.
type MsgReqType int

const (
	// MRTNone represents an invalid or uninitialized message type.
	MRTNone MsgReqType = iota
	// MRTReq indicates a request message that expects a response.
	MRTReq
	// MRTRes indicates a response message to a previous request.
	MRTRes
	// MRTNtf indicates a notification message that does not require a response.
	MRTNtf
)

// MsgProtoInfo describes one registered message type.
type MsgProtoInfo struct {
	Opcode     uint16               // Wire identifier, never 0
	New        func() proto.Message // Factory function to create new instances of the message
	MsgID      string               // Protobuf full name, filled from New when empty
	ResOpcode  uint16               // Opcode of the response message for requests
	MsgReqType MsgReqType           // Type of the message (request, response, notification)
	IsCS       bool                 // Indicates if this is a client-server message
}

// IsNtf checks if the protocol message is a notification type.
func (pi *MsgProtoInfo) IsNtf() bool {
	return pi != nil && pi.MsgReqType == MRTNtf
}

// IsReq checks if the protocol message is a request.
func (pi *MsgProtoInfo) IsReq() bool {
	return pi != nil && pi.MsgReqType == MRTReq
}

// IsRes checks if the protocol message is a response.
func (pi *MsgProtoInfo) IsRes() bool {
	return pi != nil && pi.MsgReqType == MRTRes
}

var (
	errInvalidMsgInfo  = errors.New("invalid message info")
	errDuplicateOpcode = errors.New("duplicate opcode")
	errDuplicateMsgID  = errors.New("duplicate message type")
)

// MessageManager is the opcode registry. It maps wire opcodes to message
// types in both directions. The table is normally filled at startup and only
// read afterwards, from the network goroutine and the application goroutine.
type MessageManager struct {
	mu        sync.RWMutex
	byOpcode  map[uint16]*MsgProtoInfo
	byMsgName map[protoreflect.FullName]*MsgProtoInfo
}

// NewMessageManager creates a new instance of MessageManager with initialized storage.
func NewMessageManager() *MessageManager {
	return &MessageManager{
		byOpcode:  make(map[uint16]*MsgProtoInfo),
		byMsgName: make(map[protoreflect.FullName]*MsgProtoInfo),
	}
}

// RegisterMsgInfo adds one message type. Opcode 0, a missing factory and
// duplicated opcodes or message types are rejected.
func (m *MessageManager) RegisterMsgInfo(pi *MsgProtoInfo) error {
	if pi == nil || pi.New == nil || pi.Opcode == InvalidOpcode {
		return errInvalidMsgInfo
	}
	name := pi.New().ProtoReflect().Descriptor().FullName()
	if pi.MsgID == "" {
		pi.MsgID = string(name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOpcode[pi.Opcode]; ok {
		return fmt.Errorf("%w: %d", errDuplicateOpcode, pi.Opcode)
	}
	if _, ok := m.byMsgName[name]; ok {
		return fmt.Errorf("%w: %s", errDuplicateMsgID, name)
	}
	m.byOpcode[pi.Opcode] = pi
	m.byMsgName[name] = pi
	return nil
}

// Register is a shorthand for RegisterMsgInfo of a notification message.
func (m *MessageManager) Register(opcode uint16, newFn func() proto.Message) error {
	return m.RegisterMsgInfo(&MsgProtoInfo{Opcode: opcode, New: newFn, MsgReqType: MRTNtf})
}

// GetProtoInfo retrieves the protocol information for a given opcode.
func (m *MessageManager) GetProtoInfo(opcode uint16) (*MsgProtoInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pi, ok := m.byOpcode[opcode]
	return pi, ok
}

// GetOpcode returns the opcode registered for the type of msg.
func (m *MessageManager) GetOpcode(msg proto.Message) (uint16, error) {
	if msg == nil {
		return InvalidOpcode, ErrMsgNotFound
	}
	name := msg.ProtoReflect().Descriptor().FullName()
	m.mu.RLock()
	defer m.mu.RUnlock()
	pi, ok := m.byMsgName[name]
	if !ok {
		return InvalidOpcode, fmt.Errorf("%w: %s", ErrMsgNotFound, name)
	}
	return pi.Opcode, nil
}

// CreateMsg creates a new message instance for opcode.
func (m *MessageManager) CreateMsg(opcode uint16) (proto.Message, error) {
	info, ok := m.GetProtoInfo(opcode)
	if !ok {
		return nil, fmt.Errorf("%w: opcode %d", ErrMsgNotFound, opcode)
	}
	return info.New(), nil
}

// IsRequestMsg determines if an opcode represents a request message type.
func (m *MessageManager) IsRequestMsg(opcode uint16) bool {
	info, _ := m.GetProtoInfo(opcode)
	return info.IsReq()
}

// IsNtfMsg determines if an opcode represents a notification message type.
func (m *MessageManager) IsNtfMsg(opcode uint16) bool {
	info, _ := m.GetProtoInfo(opcode)
	return info.IsNtf()
}

// GetResOpcode returns the response opcode of a request, or InvalidOpcode.
func (m *MessageManager) GetResOpcode(opcode uint16) uint16 {
	info, ok := m.GetProtoInfo(opcode)
	if !ok || !info.IsReq() {
		return InvalidOpcode
	}
	return info.ResOpcode
}

// Pack appends [opcode][encoded msg] to buf.
func (m *MessageManager) Pack(buf []byte, msg proto.Message) ([]byte, error) {
	opcode, err := m.GetOpcode(msg)
	if err != nil {
		return buf, err
	}
	start := len(buf)
	buf = AppendOpcode(buf, opcode)
	out, err := codec.Encode(msg, buf)
	if err != nil {
		return buf[:start], fmt.Errorf("encode %s failed: %w", msg.ProtoReflect().Descriptor().FullName(), err)
	}
	return out, nil
}

// Unpack decodes a payload produced by Pack.
func (m *MessageManager) Unpack(payload []byte) (uint16, proto.Message, error) {
	opcode, body, err := SplitOpcode(payload)
	if err != nil {
		return opcode, nil, err
	}
	msg, err := m.CreateMsg(opcode)
	if err != nil {
		return opcode, nil, err
	}
	if err := codec.Decode(msg, body); err != nil {
		return opcode, nil, fmt.Errorf("decode opcode %d failed: %w", opcode, err)
	}
	return opcode, msg, nil
}
