package net

import (
	"encoding/binary"
	"fmt"
)

const (
	// OUTER_LENGTH_SIZE 外网包长字段宽度.
	OUTER_LENGTH_SIZE = 2
	// INNER_LENGTH_SIZE 内网包长字段宽度.
	INNER_LENGTH_SIZE = 4

	OuterMaxPacketSize = 1<<16 - 1
	InnerMaxPacketSize = 16 * 1024 * 1024
)

// LengthSize returns the width of the frame length prefix used on stream
// transports.
func (t ServiceType) LengthSize() int {
	if t == ServiceTypeInner {
		return INNER_LENGTH_SIZE
	}
	return OUTER_LENGTH_SIZE
}

// MaxPacketSize is the largest frame the length prefix can describe.
func (t ServiceType) MaxPacketSize() int {
	if t == ServiceTypeInner {
		return InnerMaxPacketSize
	}
	return OuterMaxPacketSize
}

// AppendLength appends the little endian length prefix of a frame of size n.
func AppendLength(b []byte, t ServiceType, n int) ([]byte, error) {
	if n > t.MaxPacketSize() {
		return b, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrInvalidPacket, n, t.MaxPacketSize())
	}
	if t == ServiceTypeInner {
		return binary.LittleEndian.AppendUint32(b, uint32(n)), nil
	}
	return binary.LittleEndian.AppendUint16(b, uint16(n)), nil
}

type parserState int

const (
	parserStateHead parserState = iota
	parserStateBody
)

// PacketParser extracts length prefixed frames from a CircularBuffer. A frame
// split across several reads stays in the buffer until it is complete.
type PacketParser struct {
	buf       *CircularBuffer
	svcType   ServiceType
	maxSize   int
	state     parserState
	bodySize  int
	lengthBuf [INNER_LENGTH_SIZE]byte
}

// NewPacketParser parses frames of svcType from buf. maxSize caps the frame
// length, zero means the limit of the length prefix.
func NewPacketParser(buf *CircularBuffer, svcType ServiceType, maxSize int) *PacketParser {
	if maxSize <= 0 || maxSize > svcType.MaxPacketSize() {
		maxSize = svcType.MaxPacketSize()
	}
	return &PacketParser{
		buf:     buf,
		svcType: svcType,
		maxSize: maxSize,
	}
}

// Parse returns the next complete frame, or nil when more bytes are needed.
// An error means the stream is corrupt and must be closed.
func (p *PacketParser) Parse() ([]byte, error) {
	for {
		switch p.state {
		case parserStateHead:
			lengthSize := p.svcType.LengthSize()
			if p.buf.Len() < lengthSize {
				return nil, nil
			}
			_, _ = p.buf.Read(p.lengthBuf[:lengthSize])
			if lengthSize == INNER_LENGTH_SIZE {
				p.bodySize = int(binary.LittleEndian.Uint32(p.lengthBuf[:]))
			} else {
				p.bodySize = int(binary.LittleEndian.Uint16(p.lengthBuf[:]))
			}
			if p.bodySize < p.svcType.HeadSize() {
				return nil, fmt.Errorf("%w: frame length %d below header size", ErrInvalidPacket, p.bodySize)
			}
			if p.bodySize > p.maxSize {
				return nil, fmt.Errorf("%w: frame length %d above %d", ErrInvalidPacket, p.bodySize, p.maxSize)
			}
			p.state = parserStateBody
		case parserStateBody:
			if p.buf.Len() < p.bodySize {
				return nil, nil
			}
			frame := make([]byte, p.bodySize)
			_, _ = p.buf.Read(frame)
			p.state = parserStateHead
			return frame, nil
		}
	}
}
