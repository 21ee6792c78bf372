package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lcx/asuranet/log"
)

type wsEventKind int

const (
	wsEventAccepted wsEventKind = iota
	wsEventConnected
	wsEventConnectFailed
	wsEventRecv
	wsEventSent
	wsEventError
)

type wsEvent struct {
	kind wsEventKind
	id   ChannelID
	conn *websocket.Conn
	data []byte
	code ErrorCode
	err  error
}

// WService is the WebSocket transport. With cfg.Addr set it serves an HTTP
// endpoint at cfg.Path and upgrades every request there.
type WService struct {
	serviceBase
	cfg *WServiceCfg

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	events   *MPSCQueue[wsEvent]
	channels map[ChannelID]*WChannel

	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks upgrade handlers and dials so Dispose can wait for them
	// before draining events.
	wg      sync.WaitGroup
	trackMu sync.Mutex
	closing bool
}

// NewWService validates cfg and starts the HTTP server when cfg.Addr is set.
func NewWService(cfg *WServiceCfg, opts ...ServiceOption) (*WService, error) {
	if cfg == nil {
		return nil, errors.New("wservice config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wservice config: %w", err)
	}

	handshakeTimeout := time.Duration(cfg.HandshakeTimeoutMillSec) * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	s := &WService{
		serviceBase: newServiceBase("ws", cfg.ServiceType, newServiceOptions(opts)),
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		events:   NewMPSCQueue[wsEvent](),
		channels: make(map[ChannelID]*WChannel),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.limiter = newAcceptLimiter(cfg.AcceptRateLimit, cfg.AcceptBurst)

	if cfg.Addr != "" {
		listener, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("listen ws %s failed: %w", cfg.Addr, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc(cfg.Path, s.handleUpgrade)
		s.listener = listener
		s.server = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeTimeout}
		go func() {
			if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("ws server stopped")
			}
		}()
		log.Info().Str("addr", listener.Addr().String()).Str("path", cfg.Path).
			Str("serviceType", string(cfg.ServiceType)).Msg("ws service started")
	}
	return s, nil
}

func (s *WService) LocalAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL is the address a client passes to Create.
func (s *WService) URL() string {
	if s.listener == nil {
		return ""
	}
	return "ws://" + s.listener.Addr().String() + s.cfg.Path
}

// track registers a goroutine that may push events. It fails once Dispose started.
func (s *WService) track() bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// handleUpgrade runs on an HTTP server goroutine.
func (s *WService) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "service closed", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()
	if !s.allowAccept() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("remoteAddr", r.RemoteAddr).Err(err).Msg("ws upgrade failed")
		return
	}
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return
	}
	s.events.Push(wsEvent{kind: wsEventAccepted, conn: conn})
}

// Create dials address, which is either a ws:// or wss:// URL or host:port.
// A bare host:port gets the configured path.
func (s *WService) Create(id ChannelID, address string) {
	if s.disposed {
		return
	}
	if _, exists := s.channels[id]; exists {
		log.Error().Uint64("channelId", uint64(id)).Msg("ws channel id already in use")
		return
	}
	url := address
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + address + s.cfg.Path
	}
	s.channels[id] = newWChannel(s, id, ChannelRoleConnect, url)
	s.channelAdded(false)

	if !s.track() {
		return
	}
	go func() {
		defer s.wg.Done()
		conn, _, err := s.dialer.DialContext(s.ctx, url, nil)
		if err != nil {
			s.events.Push(wsEvent{kind: wsEventConnectFailed, id: id, err: err})
			return
		}
		s.events.Push(wsEvent{kind: wsEventConnected, id: id, conn: conn})
	}()
}

func (s *WService) Remove(id ChannelID, code ErrorCode) {
	c, ok := s.channels[id]
	if !ok {
		return
	}
	delete(s.channels, id)
	c.dispose(code)
	s.channelRemoved()
}

func (s *WService) onError(id ChannelID, code ErrorCode) {
	if _, ok := s.channels[id]; !ok {
		return
	}
	s.Remove(id, code)
	s.reportError(id, code)
}

func (s *WService) Send(id ChannelID, actorID uint64, payload []byte) {
	c, ok := s.channels[id]
	if !ok {
		return
	}
	c.send(actorID, payload)
}

func (s *WService) ChangeAddress(id ChannelID, address string) {
	log.Debug().Uint64("channelId", uint64(id)).Str("address", address).Msg("ws change address ignored")
}

func (s *WService) ChannelConn(id ChannelID) (uint32, uint32, error) {
	if _, ok := s.channels[id]; !ok {
		return 0, 0, ErrChannelNotFound
	}
	return 0, 0, ErrNotSupported
}

func (s *WService) Update() {
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

func (s *WService) handleEvent(ev wsEvent) {
	if ev.kind == wsEventAccepted {
		s.handleAccept(ev.conn)
		return
	}
	c, ok := s.channels[ev.id]
	if !ok {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	switch ev.kind {
	case wsEventConnected:
		c.start(ev.conn)
	case wsEventConnectFailed:
		log.Warn().Str("url", c.remoteAddr).Err(ev.err).Msg("ws connect failed")
		s.onError(c.id, ErrWChannelConnectFailed)
	case wsEventRecv:
		c.onRecv(ev.data)
	case wsEventSent:
		c.onSent(ev.err)
	case wsEventError:
		if !ev.code.IsPeerClose() && ev.err != nil {
			log.Warn().Str("transport", "ws").Uint64("channelId", uint64(c.id)).Err(ev.err).Msg("ws read failed")
		}
		s.onError(c.id, ev.code)
	}
}

func (s *WService) handleAccept(conn *websocket.Conn) {
	if s.notifier == nil {
		_ = conn.Close()
		return
	}
	id := s.notifier.NewAcceptID()
	if _, exists := s.channels[id]; exists {
		_ = conn.Close()
		return
	}
	c := newWChannel(s, id, ChannelRoleAccept, conn.RemoteAddr().String())
	s.channels[id] = c
	s.channelAdded(true)
	s.notifier.OnAccept(s.id, id, c.remoteAddr)
	if c.disposed {
		_ = conn.Close()
		return
	}
	c.start(conn)
}

func (s *WService) Dispose() {
	if s.disposed {
		return
	}
	s.cancel()
	if s.server != nil {
		_ = s.server.Close()
	}
	for id := range s.channels {
		s.Remove(id, ErrServiceDisposed)
	}
	s.disposed = true

	s.trackMu.Lock()
	s.closing = true
	s.trackMu.Unlock()
	s.wg.Wait()

	// connections upgraded or dialled after the last Update
	for {
		ev, ok := s.events.Pop()
		if !ok {
			break
		}
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
	}
	log.Info().Int32("serviceId", int32(s.id)).Msg("ws service disposed")
}
