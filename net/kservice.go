package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/lcx/asuranet/log"
)

type udpPacket struct {
	data []byte
	addr *net.UDPAddr
}

// KService is the reliable UDP transport. One UDP socket carries the
// handshake, teardown and ARQ traffic of every channel, demultiplexed by
// the receiver's connection number.
type KService struct {
	serviceBase
	cfg *KServiceCfg

	conn    *net.UDPConn
	inbound *MPSCQueue[udpPacket]
	closed  chan struct{}

	channels   map[uint32]*KChannel // localConn -> channel
	waitAccept map[uint32]uint32    // remoteConn -> localConn
	timer      *TimerQueue
}

// NewKService binds the UDP socket. An empty cfg.Addr binds an ephemeral
// port for a connect-only service.
func NewKService(cfg *KServiceCfg, opts ...ServiceOption) (*KService, error) {
	if cfg == nil {
		return nil, errors.New("kservice config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kservice config: %w", err)
	}

	addr := cfg.Addr
	if addr == "" {
		addr = ":0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s failed: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s failed: %w", addr, err)
	}
	if cfg.SocketBufferSize > 0 {
		_ = conn.SetReadBuffer(cfg.SocketBufferSize)
		_ = conn.SetWriteBuffer(cfg.SocketBufferSize)
	}

	o := newServiceOptions(opts)
	s := &KService{
		serviceBase: newServiceBase("kcp", cfg.ServiceType, o),
		cfg:         cfg,
		conn:        conn,
		inbound:     NewMPSCQueue[udpPacket](),
		closed:      make(chan struct{}),
		channels:    make(map[uint32]*KChannel),
		waitAccept:  make(map[uint32]uint32),
		timer:       NewTimerQueue(),
	}
	s.limiter = newAcceptLimiter(cfg.AcceptRateLimit, cfg.AcceptBurst)

	go s.readLoop()

	log.Info().Str("addr", conn.LocalAddr().String()).Str("serviceType", string(cfg.ServiceType)).Msg("kcp service started")
	return s, nil
}

func (s *KService) LocalAddr() string {
	return s.conn.LocalAddr().String()
}

func (s *KService) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("kcp service read failed")
			continue
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.inbound.Push(udpPacket{data: data, addr: addr})
	}
}

func (s *KService) writeTo(b []byte, addr *net.UDPAddr) error {
	if addr == nil {
		return errors.New("no remote address")
	}
	_, err := s.conn.WriteToUDP(b, addr)
	return err
}

func (s *KService) get(id ChannelID) *KChannel {
	c, ok := s.channels[id.LocalConn()]
	if !ok || c.id != id {
		return nil
	}
	return c
}

// Create starts an active open towards address.
func (s *KService) Create(id ChannelID, address string) {
	if s.disposed {
		return
	}
	if live, exists := s.channels[id.LocalConn()]; exists {
		// the live channel keeps running; only a distinct id can be reported
		if live.id != id {
			s.reportError(id, ErrChannelIDInUse)
		} else {
			log.Error().Uint64("channelId", uint64(id)).Msg("kcp channel already created")
		}
		return
	}
	now := s.nowMs()
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		log.Error().Str("address", address).Err(err).Msg("kcp resolve remote failed")
		// register first so the failure is reported like any other
		s.channels[id.LocalConn()] = newKChannel(s, id, ChannelRoleConnect, 0, nil, now)
		s.channelAdded(false)
		s.onError(id, ErrKcpConnectFailed)
		return
	}

	c := newKChannel(s, id, ChannelRoleConnect, 0, addr, now)
	s.channels[c.localConn] = c
	s.channelAdded(false)
	c.sendSYN()
	s.timer.AddToUpdate(now, now+kcpSynIntervalMs, id)
}

// Remove closes the channel without notifying the hub.
func (s *KService) Remove(id ChannelID, code ErrorCode) {
	c := s.get(id)
	if c == nil {
		return
	}
	delete(s.channels, c.localConn)
	if lc, ok := s.waitAccept[c.remoteConn]; ok && lc == c.localConn {
		delete(s.waitAccept, c.remoteConn)
	}
	s.timer.Remove(id)
	c.dispose(code)
	s.channelRemoved()
}

func (s *KService) onError(id ChannelID, code ErrorCode) {
	if s.get(id) == nil {
		return
	}
	s.Remove(id, code)
	s.reportError(id, code)
}

func (s *KService) removeWaitAccept(remoteConn uint32) {
	delete(s.waitAccept, remoteConn)
}

func (s *KService) Send(id ChannelID, actorID uint64, payload []byte) {
	c := s.get(id)
	if c == nil {
		return
	}
	c.send(actorID, payload, s.nowMs())
}

// ChangeAddress points a channel at a new remote address, e.g. after the
// client switched network.
func (s *KService) ChangeAddress(id ChannelID, address string) {
	c := s.get(id)
	if c == nil {
		return
	}
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		log.Warn().Str("address", address).Err(err).Msg("kcp change address failed")
		return
	}
	c.remoteAddr = addr
}

func (s *KService) ChannelConn(id ChannelID) (uint32, uint32, error) {
	c := s.get(id)
	if c == nil {
		return 0, 0, ErrChannelNotFound
	}
	return c.localConn, c.remoteConn, nil
}

// Update runs one tick: timers, accept timeouts, socket input, then the
// channels that asked for an update.
func (s *KService) Update() {
	if s.disposed {
		return
	}
	now := s.nowMs()
	s.timer.TimerOut(now)
	s.checkWaitAccept(now)
	s.recv(now)
	s.updateChannels(now)
}

func (s *KService) checkWaitAccept(now int64) {
	for remoteConn, localConn := range s.waitAccept {
		c, ok := s.channels[localConn]
		if !ok {
			delete(s.waitAccept, remoteConn)
			continue
		}
		if now-c.createTime >= kcpConnectTimeoutMs {
			s.onError(c.id, ErrKcpAcceptTimeout)
		}
	}
}

func (s *KService) updateChannels(now int64) {
	for _, id := range s.timer.TakeUpdates() {
		if c := s.get(id); c != nil {
			c.update(now)
		}
	}
}

func (s *KService) recv(now int64) {
	for {
		pkt, ok := s.inbound.Pop()
		if !ok {
			return
		}
		s.handlePacket(pkt, now)
	}
}

func (s *KService) handlePacket(pkt udpPacket, now int64) {
	b := pkt.data
	switch b[0] {
	case kcpFlagSYN:
		s.handleSYN(b, pkt.addr, now)
	case kcpFlagACK:
		if len(b) != 9 {
			return
		}
		remoteConn, localConn := decodeKcpConns(b)
		c, ok := s.channels[localConn]
		if !ok || c.role != ChannelRoleConnect || remoteConn == 0 {
			return
		}
		c.handleConnect(remoteConn, now)
		s.timer.AddToUpdate(now, now, c.id)
	case kcpFlagFIN:
		if len(b) != 13 {
			return
		}
		remoteConn, localConn := decodeKcpConns(b)
		c, ok := s.channels[localConn]
		if !ok || c.remoteConn != remoteConn {
			return
		}
		log.Debug().Uint64("channelId", uint64(c.id)).
			Str("peerCode", ErrorCode(binary.LittleEndian.Uint32(b[9:13])).String()).Msg("kcp fin received")
		s.onError(c.id, ErrPeerDisconnect)
	case kcpFlagMSG:
		s.handleMSG(b, pkt.addr, now)
	case kcpFlagRouterReconnectSYN:
		if len(b) != 13 {
			return
		}
		remoteConn, localConn := decodeKcpConns(b)
		c, ok := s.channels[localConn]
		if !ok || c.remoteConn != remoteConn {
			return
		}
		log.Info().Uint64("channelId", uint64(c.id)).Str("from", c.remoteAddr.String()).
			Str("to", pkt.addr.String()).Msg("kcp channel address changed")
		c.remoteAddr = pkt.addr
		connectID := binary.LittleEndian.Uint32(b[9:13])
		_ = s.writeTo(encodeKcpRouter(kcpFlagRouterReconnectACK, c.localConn, c.remoteConn, connectID), pkt.addr)
	case kcpFlagRouterReconnectACK, kcpFlagRouterSYN, kcpFlagRouterACK:
		// handled by the router in front of the client
	default:
		log.Debug().Str("from", pkt.addr.String()).Int("flag", int(b[0])).Msg("kcp unknown datagram")
	}
}

func (s *KService) handleSYN(b []byte, addr *net.UDPAddr, now int64) {
	if len(b) < 9 || s.cfg.Addr == "" {
		return
	}
	remoteConn, _ := decodeKcpConns(b)
	if remoteConn == 0 {
		return
	}
	realAddress := string(b[9:])

	var c *KChannel
	if localConn, ok := s.waitAccept[remoteConn]; ok {
		c = s.channels[localConn]
		if c == nil {
			return
		}
		if c.remoteAddr.String() != addr.String() || c.realAddress != realAddress {
			return
		}
	} else {
		if !s.allowAccept() || s.notifier == nil {
			return
		}
		id := s.notifier.NewAcceptID()
		if _, exists := s.channels[id.LocalConn()]; exists {
			return
		}
		c = newKChannel(s, id, ChannelRoleAccept, remoteConn, addr, now)
		c.realAddress = realAddress
		c.createKcp()
		s.channels[c.localConn] = c
		s.waitAccept[remoteConn] = c.localConn
		s.channelAdded(true)

		notifyAddr := addr.String()
		if realAddress != "" {
			notifyAddr = realAddress
		}
		s.notifier.OnAccept(s.id, id, notifyAddr)
		if c.disposed {
			return
		}
	}
	_ = s.writeTo(encodeKcpACK(c.localConn, c.remoteConn), addr)
}

func (s *KService) handleMSG(b []byte, addr *net.UDPAddr, now int64) {
	if len(b) < 9 {
		return
	}
	remoteConn := binary.LittleEndian.Uint32(b[1:5])
	conv := binary.LittleEndian.Uint32(b[5:9])
	localConn := conv ^ remoteConn

	c, ok := s.channels[localConn]
	if !ok {
		_ = s.writeTo(encodeKcpFIN(localConn, remoteConn, ErrKcpNotFoundChannel), addr)
		return
	}
	if c.remoteConn != remoteConn || c.kcp == nil {
		return
	}
	if !c.isConnected && c.role == ChannelRoleAccept {
		c.confirmAccept(now)
		if c.disposed {
			return
		}
	}
	c.input(b[5:], now)
	if !c.disposed && c.sendFailed {
		s.onError(c.id, ErrSocketCantSend)
	}
}

// Dispose closes every channel and the socket.
func (s *KService) Dispose() {
	if s.disposed {
		return
	}
	for _, c := range s.channels {
		s.Remove(c.id, ErrServiceDisposed)
	}
	s.disposed = true
	close(s.closed)
	_ = s.conn.Close()
	log.Info().Int32("serviceId", int32(s.id)).Msg("kcp service disposed")
}
