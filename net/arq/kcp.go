// Package arq wraps the kcp-go ARQ core behind an owned handle. A KCP is not
// safe for concurrent use; the session layer touches it from the network
// goroutine only.
package arq

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	kcp "github.com/xtaci/kcp-go/v5"
)

var (
	// ErrReleased is returned by every call made after Release.
	ErrReleased = errors.New("arq: kcp released")
	// ErrBufferTooSmall means Recv was given a buffer shorter than PeekSize.
	ErrBufferTooSmall = errors.New("arq: recv buffer too small")
	// ErrSendRejected means the core refused the record, usually because it
	// needs more fragments than the receive window allows.
	ErrSendRejected = errors.New("arq: send rejected")
)

// OutputFunc receives every datagram the core wants to put on the wire. buf
// is only valid during the call.
type OutputFunc func(buf []byte)

// Params are the tuning knobs of the core.
type Params struct {
	NoDelay  int
	Interval int // ms
	Resend   int
	NC       int
	SndWnd   int
	RcvWnd   int
	Mtu      int
}

// DefaultParams is the fast-mode setting used for game traffic.
var DefaultParams = Params{
	NoDelay:  1,
	Interval: 10,
	Resend:   2,
	NC:       1,
	SndWnd:   1024,
	RcvWnd:   1024,
	Mtu:      1400,
}

// KCP is one ARQ conversation.
type KCP struct {
	core     *kcp.KCP
	clk      clock.Clock
	interval time.Duration
	lastIO   time.Time
}

// Create builds a conversation identified by conv. A nil clk uses wall time.
func Create(conv uint32, output OutputFunc, clk clock.Clock) *KCP {
	if clk == nil {
		clk = clock.New()
	}
	k := &KCP{clk: clk}
	k.core = kcp.NewKCP(conv, func(buf []byte, size int) {
		if size > 0 {
			output(buf[:size])
		}
	})
	k.SetParams(DefaultParams)
	return k
}

// SetParams applies p. Zero fields keep their current value.
func (k *KCP) SetParams(p Params) {
	if k.core == nil {
		return
	}
	if p.Mtu > 0 {
		k.core.SetMtu(p.Mtu)
	}
	if p.SndWnd > 0 || p.RcvWnd > 0 {
		k.core.WndSize(p.SndWnd, p.RcvWnd)
	}
	interval := -1
	if p.Interval > 0 {
		interval = p.Interval
		k.interval = time.Duration(p.Interval) * time.Millisecond
	}
	k.core.NoDelay(p.NoDelay, interval, p.Resend, p.NC)
}

// Send queues one record.
func (k *KCP) Send(b []byte) error {
	if k.core == nil {
		return ErrReleased
	}
	if k.core.Send(b) < 0 {
		return ErrSendRejected
	}
	k.lastIO = k.clk.Now()
	return nil
}

// PeekSize returns the length of the next complete record, or -1 when none
// is ready.
func (k *KCP) PeekSize() int {
	if k.core == nil {
		return -1
	}
	return k.core.PeekSize()
}

// Recv copies the next record into b and returns its length. It returns
// 0, nil when nothing is ready.
func (k *KCP) Recv(b []byte) (int, error) {
	if k.core == nil {
		return 0, ErrReleased
	}
	size := k.core.PeekSize()
	if size < 0 {
		return 0, nil
	}
	if size > len(b) {
		return 0, ErrBufferTooSmall
	}
	n := k.core.Recv(b)
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// Input feeds a datagram received from the peer. It returns false when the
// core rejected it (wrong conv or malformed segment).
func (k *KCP) Input(data []byte) (bool, error) {
	if k.core == nil {
		return false, ErrReleased
	}
	k.lastIO = k.clk.Now()
	return k.core.Input(data, true, false) >= 0, nil
}

// Update drives retransmission and flushes pending segments and acks.
func (k *KCP) Update() {
	if k.core == nil {
		return
	}
	k.core.Update()
}

// Check reports how long the caller may wait before the next Update. idle is
// true when nothing is outstanding and the conversation can sleep until new
// I/O arrives.
func (k *KCP) Check() (wait time.Duration, idle bool) {
	if k.core == nil {
		return 0, true
	}
	if k.core.WaitSnd() > 0 || k.clk.Since(k.lastIO) < 2*k.interval {
		return k.interval, false
	}
	return 0, true
}

// WaitSnd is the number of segments not yet acknowledged by the peer.
func (k *KCP) WaitSnd() int {
	if k.core == nil {
		return 0
	}
	return k.core.WaitSnd()
}

// Release frees the core. It is safe to call more than once.
func (k *KCP) Release() {
	if k.core == nil {
		return
	}
	k.core.ReleaseTX()
	k.core = nil
}
