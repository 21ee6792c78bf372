package net

import (
	"encoding/binary"
	"net"

	"github.com/eapache/queue"

	"github.com/lcx/asuranet/log"
	"github.com/lcx/asuranet/net/arq"
)

// ChannelRole tells which side opened a channel.
type ChannelRole int

const (
	ChannelRoleConnect ChannelRole = iota
	ChannelRoleAccept
)

type pendingSend struct {
	actorID uint64
	payload []byte
}

// KChannel is one reliable UDP session. The ARQ core of a connect side
// channel is created when the ACK arrives, an accept side channel creates it
// right away but only reports itself connected after the first MSG.
type KChannel struct {
	id          ChannelID
	service     *KService
	role        ChannelRole
	localConn   uint32
	remoteConn  uint32
	remoteAddr  *net.UDPAddr
	realAddress string
	createTime  int64
	isConnected bool

	kcp     *arq.KCP
	pending *queue.Queue // pendingSend until connected

	splitTotal int
	splitBuf   []byte
	recvBuf    []byte
	outBuf     []byte

	sendFailed bool
	disposed   bool
}

func newKChannel(s *KService, id ChannelID, role ChannelRole, remoteConn uint32, addr *net.UDPAddr, now int64) *KChannel {
	return &KChannel{
		id:         id,
		service:    s,
		role:       role,
		localConn:  id.LocalConn(),
		remoteConn: remoteConn,
		remoteAddr: addr,
		createTime: now,
		pending:    queue.New(),
		outBuf:     make([]byte, 0, kcpMaxDatagramSize),
	}
}

func (c *KChannel) createKcp() {
	c.kcp = arq.Create(c.localConn^c.remoteConn, c.output, c.service.clk)
	cfg := c.service.cfg
	c.kcp.SetParams(arq.Params{
		NoDelay:  cfg.NoDelay,
		Interval: cfg.Interval,
		Resend:   cfg.Resend,
		NC:       cfg.NC,
		SndWnd:   cfg.SndWnd,
		RcvWnd:   cfg.RcvWnd,
		Mtu:      cfg.Mtu,
	})
}

// output wraps ARQ segments into a MSG datagram.
func (c *KChannel) output(buf []byte) {
	c.outBuf = append(c.outBuf[:0], kcpFlagMSG)
	c.outBuf = binary.LittleEndian.AppendUint32(c.outBuf, c.localConn)
	c.outBuf = append(c.outBuf, buf...)
	if err := c.service.writeTo(c.outBuf, c.remoteAddr); err != nil {
		// raised after the core returns, releasing it here is unsafe
		c.sendFailed = true
	}
}

func (c *KChannel) sendSYN() {
	_ = c.service.writeTo(encodeKcpSYN(c.localConn, c.remoteConn, c.realAddress), c.remoteAddr)
}

// handleConnect completes an active open once the peer's ACK arrived.
func (c *KChannel) handleConnect(remoteConn uint32, now int64) {
	if c.isConnected {
		return
	}
	c.remoteConn = remoteConn
	c.createKcp()
	c.isConnected = true
	log.Debug().Str("transport", "kcp").Uint64("channelId", uint64(c.id)).
		Uint32("localConn", c.localConn).Uint32("remoteConn", c.remoteConn).Msg("channel connected")
	c.flushPending(now)
}

// confirmAccept marks a passively opened channel connected on its first MSG.
func (c *KChannel) confirmAccept(now int64) {
	if c.isConnected {
		return
	}
	c.isConnected = true
	c.service.removeWaitAccept(c.remoteConn)
	c.flushPending(now)
}

func (c *KChannel) flushPending(now int64) {
	for c.pending.Length() > 0 && !c.disposed {
		item := c.pending.Remove().(pendingSend)
		c.send(item.actorID, item.payload, now)
	}
}

// update is driven by the timer queue.
func (c *KChannel) update(now int64) {
	if !c.isConnected && c.role == ChannelRoleConnect {
		if now-c.createTime >= kcpConnectTimeoutMs {
			c.service.onError(c.id, ErrKcpConnectTimeout)
			return
		}
		c.sendSYN()
		c.service.timer.AddToUpdate(now, now+kcpSynIntervalMs, c.id)
		return
	}
	if c.kcp == nil {
		return
	}
	c.kcp.Update()
	if c.sendFailed {
		c.service.onError(c.id, ErrSocketCantSend)
		return
	}
	if wait, idle := c.kcp.Check(); !idle {
		c.service.timer.AddToUpdate(now, now+wait.Milliseconds(), c.id)
	}
}

// send frames one packet and hands it to the ARQ core. Packets sent before
// the handshake finished are queued.
func (c *KChannel) send(actorID uint64, payload []byte, now int64) {
	if !c.isConnected || c.kcp == nil {
		c.pending.Add(pendingSend{actorID: actorID, payload: append([]byte(nil), payload...)})
		return
	}
	if c.kcp.WaitSnd() > c.service.cfg.MaxWaitSnd {
		c.service.onError(c.id, ErrKcpWaitSendSizeTooLarge)
		return
	}

	frame := AppendFrameHead(make([]byte, 0, len(payload)+ACTOR_ID_SIZE), c.service.svcType, actorID)
	frame = append(frame, payload...)
	if err := c.sendRecord(frame); err != nil {
		log.Error().Str("transport", "kcp").Uint64("channelId", uint64(c.id)).Err(err).Msg("kcp send failed")
		c.service.onError(c.id, ErrPacketTooLarge)
		return
	}
	c.service.countBytes("send_bytes_total", len(frame))
	c.service.timer.AddToUpdate(now, now, c.id)
}

func (c *KChannel) sendRecord(frame []byte) error {
	if len(frame) <= kcpMaxRecordSize {
		return c.kcp.Send(frame)
	}
	if err := c.kcp.Send(encodeSplitHead(len(frame))); err != nil {
		return err
	}
	for off := 0; off < len(frame); off += kcpMaxRecordSize {
		end := min(off+kcpMaxRecordSize, len(frame))
		if err := c.kcp.Send(frame[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// input feeds ARQ segments from a MSG datagram and delivers complete records.
func (c *KChannel) input(segments []byte, now int64) {
	if ok, _ := c.kcp.Input(segments); !ok {
		return
	}
	c.service.countBytes("recv_bytes_total", len(segments))
	c.service.timer.AddToUpdate(now, now, c.id)

	for !c.disposed {
		size := c.kcp.PeekSize()
		if size < 0 {
			return
		}
		if size == 0 {
			c.service.onError(c.id, ErrKcpPeerReset)
			return
		}
		if cap(c.recvBuf) < size {
			c.recvBuf = make([]byte, size)
		}
		n, err := c.kcp.Recv(c.recvBuf[:size])
		if err != nil {
			c.service.onError(c.id, ErrKcpSplitError)
			return
		}
		record := c.recvBuf[:n]

		if c.splitTotal > 0 {
			if len(c.splitBuf)+n > c.splitTotal {
				c.service.onError(c.id, ErrKcpSplitCountError)
				return
			}
			c.splitBuf = append(c.splitBuf, record...)
			if len(c.splitBuf) < c.splitTotal {
				continue
			}
			record = c.splitBuf
			c.splitBuf = nil
			c.splitTotal = 0
		} else if total, ok := decodeSplitHead(record); ok {
			if total <= kcpMaxRecordSize || total > c.service.cfg.MaxSplitSize {
				c.service.onError(c.id, ErrKcpSplitError)
				return
			}
			c.splitTotal = total
			c.splitBuf = make([]byte, 0, total)
			continue
		}

		c.deliver(record)
	}
}

func (c *KChannel) deliver(record []byte) {
	actorID, payload, err := SplitFrameHead(c.service.svcType, record)
	if err != nil {
		c.service.onError(c.id, ErrPacketParserError)
		return
	}
	if c.service.notifier == nil {
		return
	}
	if err := c.service.notifier.OnRead(c.service.id, c.id, actorID, payload); err != nil {
		log.Warn().Str("transport", "kcp").Uint64("channelId", uint64(c.id)).Err(err).Msg("read handler failed")
		c.service.onError(c.id, ErrMessageDecodeError)
	}
}

// dispose releases the channel. A FIN is sent unless the peer closed first
// or the handshake never assigned a remote connection.
func (c *KChannel) dispose(code ErrorCode) {
	if c.disposed {
		return
	}
	c.disposed = true
	if c.remoteConn != 0 && !code.IsPeerClose() {
		fin := encodeKcpFIN(c.localConn, c.remoteConn, code)
		for i := 0; i < kcpFinRepeat; i++ {
			_ = c.service.writeTo(fin, c.remoteAddr)
		}
	}
	if c.kcp != nil {
		c.kcp.Release()
	}
	c.splitBuf = nil
	c.pending = queue.New()
}
