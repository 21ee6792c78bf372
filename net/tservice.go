package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lcx/asuranet/log"
)

type tcpEventKind int

const (
	tcpEventAccepted tcpEventKind = iota
	tcpEventConnected
	tcpEventConnectFailed
	tcpEventRecv
	tcpEventSent
	tcpEventError
)

// tcpEvent is a completion posted by a helper goroutine.
type tcpEvent struct {
	kind tcpEventKind
	id   ChannelID
	conn net.Conn
	data []byte
	code ErrorCode
	err  error
}

// TService is the framed TCP transport. With cfg.Addr set it also accepts
// peers; every service can open outbound channels.
type TService struct {
	serviceBase
	cfg *TServiceCfg

	listener *net.TCPListener
	events   *MPSCQueue[tcpEvent]
	channels map[ChannelID]*TChannel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTService validates cfg and starts listening when cfg.Addr is set.
func NewTService(cfg *TServiceCfg, opts ...ServiceOption) (*TService, error) {
	if cfg == nil {
		return nil, errors.New("tservice config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tservice config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &TService{
		serviceBase: newServiceBase("tcp", cfg.ServiceType, newServiceOptions(opts)),
		cfg:         cfg,
		events:      NewMPSCQueue[tcpEvent](),
		channels:    make(map[ChannelID]*TChannel),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.limiter = newAcceptLimiter(cfg.AcceptRateLimit, cfg.AcceptBurst)

	if cfg.Addr != "" {
		tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("resolve %s failed: %w", cfg.Addr, err)
		}
		listener, err := net.ListenTCP("tcp", tcpAddr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("listen tcp %s failed: %w", cfg.Addr, err)
		}
		s.listener = listener
		s.wg.Add(1)
		go s.acceptLoop()
		log.Info().Str("addr", listener.Addr().String()).Str("serviceType", string(cfg.ServiceType)).Msg("tcp service started")
	}
	return s, nil
}

func (s *TService) LocalAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *TService) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			var e net.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msg("tcp accept failed")
			}
			return
		}
		_ = conn.SetNoDelay(true)
		s.events.Push(tcpEvent{kind: tcpEventAccepted, conn: conn})
	}
}

// Create dials address in the background; the result is picked up by Update.
func (s *TService) Create(id ChannelID, address string) {
	if s.disposed {
		return
	}
	if _, exists := s.channels[id]; exists {
		log.Error().Uint64("channelId", uint64(id)).Msg("tcp channel id already in use")
		return
	}
	s.channels[id] = newTChannel(s, id, ChannelRoleConnect, address)
	s.channelAdded(false)

	timeout := time.Duration(s.cfg.DialTimeoutMillSec) * time.Millisecond
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			s.events.Push(tcpEvent{kind: tcpEventConnectFailed, id: id, err: err})
			return
		}
		s.events.Push(tcpEvent{kind: tcpEventConnected, id: id, conn: conn})
	}()
}

func (s *TService) Remove(id ChannelID, code ErrorCode) {
	c, ok := s.channels[id]
	if !ok {
		return
	}
	delete(s.channels, id)
	c.dispose()
	s.channelRemoved()
	log.Debug().Str("transport", "tcp").Uint64("channelId", uint64(id)).Str("code", code.String()).Msg("channel removed")
}

func (s *TService) onError(id ChannelID, code ErrorCode) {
	if _, ok := s.channels[id]; !ok {
		return
	}
	s.Remove(id, code)
	s.reportError(id, code)
}

func (s *TService) Send(id ChannelID, actorID uint64, payload []byte) {
	c, ok := s.channels[id]
	if !ok {
		return
	}
	c.send(actorID, payload)
}

// ChangeAddress is meaningless for a stream socket and ignored.
func (s *TService) ChangeAddress(id ChannelID, address string) {
	log.Debug().Uint64("channelId", uint64(id)).Str("address", address).Msg("tcp change address ignored")
}

func (s *TService) ChannelConn(id ChannelID) (uint32, uint32, error) {
	if _, ok := s.channels[id]; !ok {
		return 0, 0, ErrChannelNotFound
	}
	return 0, 0, ErrNotSupported
}

// Update applies every completion posted since the last tick.
func (s *TService) Update() {
	if s.disposed {
		return
	}
	for {
		ev, ok := s.events.Pop()
		if !ok {
			return
		}
		s.handleEvent(ev)
	}
}

func (s *TService) handleEvent(ev tcpEvent) {
	if ev.kind == tcpEventAccepted {
		s.handleAccept(ev.conn)
		return
	}

	c, ok := s.channels[ev.id]
	if !ok {
		// the channel went away while the operation was in flight
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	switch ev.kind {
	case tcpEventConnected:
		c.start(ev.conn)
	case tcpEventConnectFailed:
		log.Warn().Str("address", c.remoteAddr).Err(ev.err).Msg("tcp connect failed")
		s.onError(c.id, ErrTChannelConnectFailed)
	case tcpEventRecv:
		c.onRecv(ev.data)
	case tcpEventSent:
		c.onSent(ev.err)
	case tcpEventError:
		if ev.code != ErrPeerDisconnect {
			log.Warn().Str("transport", "tcp").Uint64("channelId", uint64(c.id)).Err(ev.err).Msg("tcp read failed")
		}
		s.onError(c.id, ev.code)
	}
}

func (s *TService) handleAccept(conn net.Conn) {
	if !s.allowAccept() || s.notifier == nil {
		_ = conn.Close()
		return
	}
	id := s.notifier.NewAcceptID()
	if _, exists := s.channels[id]; exists {
		_ = conn.Close()
		return
	}
	c := newTChannel(s, id, ChannelRoleAccept, conn.RemoteAddr().String())
	s.channels[id] = c
	s.channelAdded(true)
	s.notifier.OnAccept(s.id, id, c.remoteAddr)
	if c.disposed {
		_ = conn.Close()
		return
	}
	c.start(conn)
}

// Dispose closes the listener and every channel.
func (s *TService) Dispose() {
	if s.disposed {
		return
	}
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for id := range s.channels {
		s.Remove(id, ErrServiceDisposed)
	}
	s.disposed = true
	s.wg.Wait()

	// connections accepted or dialled after the last Update
	for {
		ev, ok := s.events.Pop()
		if !ok {
			break
		}
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
	}
	log.Info().Int32("serviceId", int32(s.id)).Msg("tcp service disposed")
}
