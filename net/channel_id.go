package net

import (
	"math/rand/v2"
	"sync/atomic"
)

// ServiceID identifies a Service inside one NetServices.
type ServiceID int32

// ChannelID identifies a channel inside its Service. The low 32 bits are the
// channel's localConn, the high 32 bits a generation counter that keeps ids
// unique even when a localConn value is reused. Accepted channels have the
// top bit of both halves set.
type ChannelID uint64

const (
	acceptConnFlag uint32 = 0x80000000
	maxConnectConn uint32 = 0x7FFFFFFF
)

// LocalConn is the 32 bit connection number carried on the wire.
func (id ChannelID) LocalConn() uint32 {
	return uint32(id)
}

// IsAccept reports whether the id was issued for a passively opened channel.
func (id ChannelID) IsAccept() bool {
	return uint32(id)&acceptConnFlag != 0
}

// ChannelIDGenerator issues ChannelIDs. Safe for concurrent use.
type ChannelIDGenerator struct {
	generation atomic.Uint32
	acceptConn atomic.Uint32
}

// NewConnectID returns an id for an actively opened channel. Its localConn is
// random in [1, 0x7FFFFFFF].
func (g *ChannelIDGenerator) NewConnectID() ChannelID {
	local := rand.Uint32N(maxConnectConn) + 1
	gen := g.generation.Add(1) &^ acceptConnFlag
	return ChannelID(uint64(gen)<<32 | uint64(local))
}

// NewAcceptID returns an id for a passively opened channel. Its localConn is
// taken from a counter confined to [0x80000000, 0xFFFFFFFF].
func (g *ChannelIDGenerator) NewAcceptID() ChannelID {
	local := g.acceptConn.Add(1) | acceptConnFlag
	gen := g.generation.Add(1) | acceptConnFlag
	return ChannelID(uint64(gen)<<32 | uint64(local))
}
