package net

import (
	"errors"
	"io"
	"net"

	"github.com/lcx/asuranet/log"
)

// maxWriteBatch caps the bytes handed to the writer goroutine per write.
const maxWriteBatch = 4 * CHUNK_SIZE

// TChannel is one framed TCP session. Socket reads and writes run on two
// helper goroutines; their results come back through the service's event
// queue, so every field below is owned by the network goroutine.
type TChannel struct {
	id          ChannelID
	service     *TService
	role        ChannelRole
	remoteAddr  string
	conn        net.Conn
	isConnected bool

	recvBuf *CircularBuffer
	parser  *PacketParser

	sendBuf   *CircularBuffer
	isSending bool
	writeCh   chan []byte

	disposed bool
}

func newTChannel(s *TService, id ChannelID, role ChannelRole, remoteAddr string) *TChannel {
	c := &TChannel{
		id:         id,
		service:    s,
		role:       role,
		remoteAddr: remoteAddr,
		recvBuf:    NewCircularBuffer(),
		sendBuf:    NewCircularBuffer(),
	}
	c.parser = NewPacketParser(c.recvBuf, s.svcType, s.cfg.MaxPacketSize)
	return c
}

// start attaches the socket and spawns the reader and writer goroutines.
func (c *TChannel) start(conn net.Conn) {
	c.conn = conn
	c.isConnected = true
	c.writeCh = make(chan []byte, 1)
	go c.readLoop(conn)
	go c.writeLoop(conn, c.writeCh)
	log.Debug().Str("transport", "tcp").Uint64("channelId", uint64(c.id)).
		Str("remoteAddr", c.remoteAddr).Msg("channel connected")
	c.startSend()
}

func (c *TChannel) readLoop(conn net.Conn) {
	buf := make([]byte, c.service.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.service.events.Push(tcpEvent{kind: tcpEventRecv, id: c.id, data: data})
		}
		if err != nil {
			code := ErrTChannelRecvError
			if errors.Is(err, io.EOF) {
				code = ErrPeerDisconnect
			}
			c.service.events.Push(tcpEvent{kind: tcpEventError, id: c.id, code: code, err: err})
			return
		}
	}
}

func (c *TChannel) writeLoop(conn net.Conn, ch <-chan []byte) {
	for data := range ch {
		_, err := conn.Write(data)
		c.service.events.Push(tcpEvent{kind: tcpEventSent, id: c.id, err: err})
		if err != nil {
			return
		}
	}
}

// send appends one length prefixed frame to the send buffer.
func (c *TChannel) send(actorID uint64, payload []byte) {
	size := c.service.svcType.HeadSize() - OPCODE_SIZE + len(payload)
	if size > c.service.cfg.MaxPacketSize {
		log.Error().Str("transport", "tcp").Uint64("channelId", uint64(c.id)).
			Int("size", size).Int("max", c.service.cfg.MaxPacketSize).Msg("tcp packet too large")
		c.service.onError(c.id, ErrPacketTooLarge)
		return
	}
	frame, err := AppendLength(make([]byte, 0, c.service.svcType.LengthSize()+size), c.service.svcType, size)
	if err != nil {
		c.service.onError(c.id, ErrPacketTooLarge)
		return
	}
	frame = AppendFrameHead(frame, c.service.svcType, actorID)
	frame = append(frame, payload...)
	_, _ = c.sendBuf.Write(frame)
	if c.isConnected {
		c.startSend()
	}
}

// startSend hands the next batch to the writer unless a write is in flight.
func (c *TChannel) startSend() {
	if c.isSending || c.disposed || c.sendBuf.Len() == 0 {
		return
	}
	batch := make([]byte, min(c.sendBuf.Len(), maxWriteBatch))
	n, _ := c.sendBuf.Read(batch)
	c.isSending = true
	c.service.countBytes("send_bytes_total", n)
	c.writeCh <- batch[:n]
}

func (c *TChannel) onSent(err error) {
	c.isSending = false
	if err != nil {
		log.Warn().Str("transport", "tcp").Uint64("channelId", uint64(c.id)).Err(err).Msg("tcp write failed")
		c.service.onError(c.id, ErrTChannelSendError)
		return
	}
	c.startSend()
}

// onRecv appends socket bytes and delivers every complete frame.
func (c *TChannel) onRecv(data []byte) {
	c.service.countBytes("recv_bytes_total", len(data))
	_, _ = c.recvBuf.Write(data)
	for !c.disposed {
		frame, err := c.parser.Parse()
		if err != nil {
			log.Warn().Str("transport", "tcp").Uint64("channelId", uint64(c.id)).Err(err).Msg("tcp parse failed")
			c.service.onError(c.id, ErrPacketParserError)
			return
		}
		if frame == nil {
			return
		}
		c.deliver(frame)
	}
}

func (c *TChannel) deliver(frame []byte) {
	actorID, payload, err := SplitFrameHead(c.service.svcType, frame)
	if err != nil {
		c.service.onError(c.id, ErrPacketParserError)
		return
	}
	if c.service.notifier == nil {
		return
	}
	if err := c.service.notifier.OnRead(c.service.id, c.id, actorID, payload); err != nil {
		log.Warn().Str("transport", "tcp").Uint64("channelId", uint64(c.id)).Err(err).Msg("read handler failed")
		c.service.onError(c.id, ErrPacketParserError)
	}
}

// dispose closes the socket, which ends both helper goroutines.
func (c *TChannel) dispose() {
	if c.disposed {
		return
	}
	c.disposed = true
	if c.writeCh != nil {
		close(c.writeCh)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.sendBuf.Reset()
	c.recvBuf.Reset()
}
