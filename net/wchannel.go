package net

import (
	"errors"
	"io"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"

	"github.com/lcx/asuranet/log"
)

const wsCloseWait = time.Second

// WChannel is one WebSocket session. Every binary message carries exactly
// one frame, so no length prefix is needed.
type WChannel struct {
	id          ChannelID
	service     *WService
	role        ChannelRole
	remoteAddr  string
	conn        *websocket.Conn
	isConnected bool

	sendQueue *queue.Queue // []byte frames in order
	isSending bool
	writeCh   chan []byte

	disposed bool
}

func newWChannel(s *WService, id ChannelID, role ChannelRole, remoteAddr string) *WChannel {
	return &WChannel{
		id:         id,
		service:    s,
		role:       role,
		remoteAddr: remoteAddr,
		sendQueue:  queue.New(),
	}
}

func (c *WChannel) start(conn *websocket.Conn) {
	c.conn = conn
	c.isConnected = true
	c.writeCh = make(chan []byte, 1)
	conn.SetReadLimit(int64(c.service.cfg.MaxMessageSize) + 1)
	go c.readLoop(conn)
	go c.writeLoop(conn, c.writeCh)
	log.Debug().Str("transport", "ws").Uint64("channelId", uint64(c.id)).
		Str("remoteAddr", c.remoteAddr).Msg("channel connected")
	c.startSend()
}

func (c *WChannel) readLoop(conn *websocket.Conn) {
	maxSize := c.service.cfg.MaxMessageSize
	for {
		_, r, err := conn.NextReader()
		if err != nil {
			c.service.events.Push(wsEvent{kind: wsEventError, id: c.id, code: readErrorCode(err), err: err})
			return
		}
		// fragments are joined by the reader up to the message boundary
		data, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
		if err != nil {
			c.service.events.Push(wsEvent{kind: wsEventError, id: c.id, code: readErrorCode(err), err: err})
			return
		}
		if len(data) > maxSize {
			c.service.events.Push(wsEvent{kind: wsEventError, id: c.id, code: ErrWebsocketMessageTooBig})
			return
		}
		c.service.events.Push(wsEvent{kind: wsEventRecv, id: c.id, data: data})
	}
}

func readErrorCode(err error) ErrorCode {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure:
		// 1006 is synthesized locally when the socket drops without a close frame
		return ErrWebsocketPeerReset
	case errors.Is(err, websocket.ErrReadLimit):
		return ErrWebsocketMessageTooBig
	default:
		return ErrWebsocketRecvError
	}
}

func (c *WChannel) writeLoop(conn *websocket.Conn, ch <-chan []byte) {
	for data := range ch {
		err := conn.WriteMessage(websocket.BinaryMessage, data)
		c.service.events.Push(wsEvent{kind: wsEventSent, id: c.id, err: err})
		if err != nil {
			return
		}
	}
}

func (c *WChannel) send(actorID uint64, payload []byte) {
	frame := AppendFrameHead(make([]byte, 0, ACTOR_ID_SIZE+len(payload)), c.service.svcType, actorID)
	frame = append(frame, payload...)
	if len(frame) > c.service.cfg.MaxMessageSize {
		log.Error().Str("transport", "ws").Uint64("channelId", uint64(c.id)).
			Int("size", len(frame)).Int("max", c.service.cfg.MaxMessageSize).Msg("ws packet too large")
		c.service.onError(c.id, ErrPacketTooLarge)
		return
	}
	c.sendQueue.Add(frame)
	if c.isConnected {
		c.startSend()
	}
}

func (c *WChannel) startSend() {
	if c.isSending || c.disposed || c.sendQueue.Length() == 0 {
		return
	}
	frame := c.sendQueue.Remove().([]byte)
	c.isSending = true
	c.service.countBytes("send_bytes_total", len(frame))
	c.writeCh <- frame
}

func (c *WChannel) onSent(err error) {
	c.isSending = false
	if err != nil {
		log.Warn().Str("transport", "ws").Uint64("channelId", uint64(c.id)).Err(err).Msg("ws write failed")
		c.service.onError(c.id, ErrWebsocketSendError)
		return
	}
	c.startSend()
}

func (c *WChannel) onRecv(data []byte) {
	c.service.countBytes("recv_bytes_total", len(data))
	actorID, payload, err := SplitFrameHead(c.service.svcType, data)
	if err != nil {
		c.service.onError(c.id, ErrPacketParserError)
		return
	}
	if c.service.notifier == nil {
		return
	}
	if err := c.service.notifier.OnRead(c.service.id, c.id, actorID, payload); err != nil {
		log.Warn().Str("transport", "ws").Uint64("channelId", uint64(c.id)).Err(err).Msg("read handler failed")
		c.service.onError(c.id, ErrPacketParserError)
	}
}

// dispose sends a close frame unless the peer already closed, then drops the
// connection.
func (c *WChannel) dispose(code ErrorCode) {
	if c.disposed {
		return
	}
	c.disposed = true
	if c.writeCh != nil {
		close(c.writeCh)
	}
	if c.conn != nil {
		if !code.IsPeerClose() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, code.String())
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseWait))
		}
		_ = c.conn.Close()
	}
	c.sendQueue = queue.New()
}
