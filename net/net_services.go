package net

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"google.golang.org/protobuf/proto"

	"github.com/lcx/asuranet/config"
	"github.com/lcx/asuranet/log"
	"github.com/lcx/asuranet/metrics"
)

// ReadDelivery is one decoded packet handed to a read callback.
//
// Fields:
// - ServiceID, ChannelID: where the packet came from
// - ActorID: target actor carried by inner services, 0 on outer services
// - Opcode: wire opcode of Message
// - Message: the decoded message, owned by the callback
// - ProtoInfo: registry entry of the opcode
type ReadDelivery struct {
	ServiceID ServiceID
	ChannelID ChannelID
	ActorID   uint64
	Opcode    uint16
	Message   proto.Message
	ProtoInfo *MsgProtoInfo
}

// AcceptCallback is called for every passively opened channel.
type AcceptCallback func(sid ServiceID, cid ChannelID, remoteAddr string)

// ReadCallback is called for every packet that passed the read filters.
type ReadCallback func(d *ReadDelivery)

// ErrorCallback is called once for every channel that failed or was closed
// by its peer. Channels removed through RemoveChannel are not reported.
type ErrorCallback func(sid ServiceID, cid ChannelID, code ErrorCode)

type serviceCallbacks struct {
	onAccept AcceptCallback
	onRead   ReadCallback
	onError  ErrorCallback
}

// NetServices is the dispatch hub between the network goroutine and the
// application goroutine. Application calls are turned into operators on the
// network queue and applied by UpdateInNetThread; service notifications are
// turned into operators on the main queue and delivered by
// UpdateInMainThread. No state is shared between the two goroutines apart
// from the queues, the callback tables and the opcode registry.
//
// Construct one per process and hand it to a NetThread:
//
//	ns, _ := net.NewNetServices(msgMgr, nil)
//	sid := ns.AddService(kservice)
//	ns.RegisterReadCallback(sid, onRead)
//	thread := net.NewNetThread(ns, nil)
//	thread.Start(ctx)
//	for { ns.UpdateInMainThread(); ... }
type NetServices struct {
	msgMgr *MessageManager

	netQueue  *MPSCQueue[netOperator]
	mainQueue *MPSCQueue[mainOperator]

	// network goroutine only
	services map[ServiceID]Service
	order    []Service
	rrStart  int

	cbMu      sync.RWMutex
	callbacks map[ServiceID]*serviceCallbacks

	idGen         ChannelIDGenerator
	nextServiceID atomic.Int32
	closed        atomic.Bool

	filters     ReadFilterChain
	recvLimiter *RecvLimiter
	msgFilter   atomic.Pointer[map[string]struct{}]
}

// NewNetServices creates the hub. cfg may be nil for defaults.
func NewNetServices(msgMgr *MessageManager, cfg *NetServicesCfg) (*NetServices, error) {
	if msgMgr == nil {
		return nil, errors.New("message manager cannot be nil")
	}
	if cfg == nil {
		cfg = &NetServicesCfg{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid netservices config: %w", err)
	}
	ns := &NetServices{
		msgMgr:      msgMgr,
		netQueue:    NewMPSCQueue[netOperator](),
		mainQueue:   NewMPSCQueue[mainOperator](),
		services:    make(map[ServiceID]Service),
		callbacks:   make(map[ServiceID]*serviceCallbacks),
		recvLimiter: NewRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst),
	}
	ns.reloadMsgFilterCfg(cfg.MsgFilter)
	ns.filters = ReadFilterChain{ns.recvLimiter.recvLimiterFilter, ns.msgFilterHandle}
	return ns, nil
}

// NewNetServicesWithConfigManager loads "netservices" from configManager and
// follows its hot reloads.
func NewNetServicesWithConfigManager(msgMgr *MessageManager, configManager config.ConfigManager) (*NetServices, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := &NetServicesCfg{}
	if err := configManager.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load netservices config: %w", err)
	}
	ns, err := NewNetServices(msgMgr, cfg)
	if err != nil {
		return nil, err
	}
	configManager.AddChangeListener(ns)
	return ns, nil
}

// OnConfigChanged applies a reloaded NetServicesCfg.
func (ns *NetServices) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "netservices" {
		return nil
	}
	cfg, ok := newConfig.(*NetServicesCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for NetServices")
	}
	ns.recvLimiter.Reload(cfg.RecvRateLimit, cfg.TokenBurst)
	ns.reloadMsgFilterCfg(cfg.MsgFilter)
	log.Info().Str("configName", configName).Int("recvRateLimit", cfg.RecvRateLimit).
		Int("msgFilter", len(cfg.MsgFilter)).Msg("netservices configuration updated")
	return nil
}

// MessageManager returns the opcode registry used for encoding and decoding.
func (ns *NetServices) MessageManager() *MessageManager {
	return ns.msgMgr
}

// AddReadFilter appends f to the read filter chain. Call it before the
// first UpdateInMainThread.
func (ns *NetServices) AddReadFilter(f ReadFilter) {
	ns.filters = append(ns.filters, f)
}

func (ns *NetServices) post(op netOperator) error {
	if ns.closed.Load() {
		return ErrHubClosed
	}
	ns.netQueue.Push(op)
	return nil
}

// AddService assigns an id to s and schedules it on the network goroutine.
// The id is usable right away for callbacks and channel operations.
func (ns *NetServices) AddService(s Service) (ServiceID, error) {
	if s == nil {
		return 0, errors.New("service cannot be nil")
	}
	id := ServiceID(ns.nextServiceID.Add(1))
	if err := ns.post(&addServiceOp{id: id, service: s}); err != nil {
		return 0, err
	}
	return id, nil
}

// RemoveService disposes the service and every channel it owns.
func (ns *NetServices) RemoveService(sid ServiceID) error {
	return ns.post(&removeServiceOp{id: sid})
}

func (ns *NetServices) setCallback(sid ServiceID, set func(cb *serviceCallbacks)) {
	ns.cbMu.Lock()
	defer ns.cbMu.Unlock()
	cb, ok := ns.callbacks[sid]
	if !ok {
		cb = &serviceCallbacks{}
		ns.callbacks[sid] = cb
	}
	set(cb)
}

func (ns *NetServices) callbacksOf(sid ServiceID) *serviceCallbacks {
	ns.cbMu.RLock()
	defer ns.cbMu.RUnlock()
	return ns.callbacks[sid]
}

func (ns *NetServices) RegisterAcceptCallback(sid ServiceID, cb AcceptCallback) {
	ns.setCallback(sid, func(c *serviceCallbacks) { c.onAccept = cb })
}

func (ns *NetServices) RegisterReadCallback(sid ServiceID, cb ReadCallback) {
	ns.setCallback(sid, func(c *serviceCallbacks) { c.onRead = cb })
}

func (ns *NetServices) RegisterErrorCallback(sid ServiceID, cb ErrorCallback) {
	ns.setCallback(sid, func(c *serviceCallbacks) { c.onError = cb })
}

// CreateConnectChannelID issues an id for CreateChannel.
func (ns *NetServices) CreateConnectChannelID() ChannelID {
	return ns.idGen.NewConnectID()
}

// CreateChannel opens an outbound channel. Failures are reported through
// the error callback.
func (ns *NetServices) CreateChannel(sid ServiceID, cid ChannelID, address string) error {
	return ns.post(&createChannelOp{serviceID: sid, channelID: cid, address: address})
}

// RemoveChannel closes a channel without an error callback.
func (ns *NetServices) RemoveChannel(sid ServiceID, cid ChannelID, code ErrorCode) error {
	return ns.post(&removeChannelOp{serviceID: sid, channelID: cid, code: code})
}

// Send posts a raw payload that already starts with its opcode. The hub
// takes ownership of payload.
func (ns *NetServices) Send(sid ServiceID, cid ChannelID, actorID uint64, payload []byte) error {
	if _, _, err := SplitOpcode(payload); err != nil {
		return err
	}
	return ns.post(&sendOp{serviceID: sid, channelID: cid, actorID: actorID, payload: payload})
}

// SendMessage encodes msg on the calling goroutine and posts it.
func (ns *NetServices) SendMessage(sid ServiceID, cid ChannelID, actorID uint64, msg proto.Message) error {
	payload, err := ns.msgMgr.Pack(nil, msg)
	if err != nil {
		return err
	}
	return ns.post(&sendOp{serviceID: sid, channelID: cid, actorID: actorID, payload: payload})
}

// ChangeAddress moves a channel to a new remote address.
func (ns *NetServices) ChangeAddress(sid ServiceID, cid ChannelID, address string) error {
	return ns.post(&changeAddressOp{serviceID: sid, channelID: cid, address: address})
}

// GetChannelConn asks the network goroutine for the connection numbers of a
// channel and waits for the answer or ctx.
func (ns *NetServices) GetChannelConn(ctx context.Context, sid ServiceID, cid ChannelID) (uint32, uint32, error) {
	q := &channelConnQuery{serviceID: sid, channelID: cid, done: make(chan channelConnResult, 1)}
	if err := ns.post(q); err != nil {
		return 0, 0, err
	}
	// Close may have drained the queue between the check in post and the push
	if ns.closed.Load() {
		q.answer(channelConnResult{err: ErrHubClosed})
	}
	select {
	case r := <-q.done:
		return r.localConn, r.remoteConn, r.err
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// UpdateInNetThread applies queued operators, then updates every service
// once. The first service updated rotates each call.
func (ns *NetServices) UpdateInNetThread() {
	for {
		op, ok := ns.netQueue.Pop()
		if !ok {
			break
		}
		op.applyNet(ns)
	}

	n := len(ns.order)
	if n == 0 {
		return
	}
	start := ns.rrStart % n
	ns.rrStart = start + 1
	for i := 0; i < n; i++ {
		ns.order[(start+i)%n].Update()
	}
}

// UpdateInMainThread delivers queued notifications to the callbacks and
// returns how many were handled.
func (ns *NetServices) UpdateInMainThread() int {
	count := 0
	for {
		op, ok := ns.mainQueue.Pop()
		if !ok {
			return count
		}
		op.applyMain(ns)
		count++
	}
}

// Close disposes every service, including services whose add is still
// queued. It must run on the network goroutine; a NetThread calls it when
// stopped. Pending queries are answered with ErrHubClosed, channel
// operators are dropped.
func (ns *NetServices) Close() {
	if ns.closed.Swap(true) {
		return
	}
	for {
		op, ok := ns.netQueue.Pop()
		if !ok {
			break
		}
		switch o := op.(type) {
		case *channelConnQuery:
			o.answer(channelConnResult{err: ErrHubClosed})
		case *addServiceOp, *removeServiceOp:
			o.applyNet(ns)
		}
	}
	for id := range ns.services {
		ns.removeService(id)
	}
	log.Info().Msg("net services closed")
}

func (ns *NetServices) addService(id ServiceID, s Service) {
	s.Init(id, ns)
	ns.services[id] = s
	ns.order = append(ns.order, s)
	log.Info().Int32("serviceId", int32(id)).Str("serviceType", string(s.Type())).
		Str("addr", s.LocalAddr()).Msg("service added")
}

func (ns *NetServices) removeService(id ServiceID) {
	s, ok := ns.services[id]
	if !ok {
		return
	}
	delete(ns.services, id)
	for i, o := range ns.order {
		if o == s {
			ns.order = append(ns.order[:i], ns.order[i+1:]...)
			break
		}
	}
	s.Dispose()
}

// NewAcceptID implements Notifier.
func (ns *NetServices) NewAcceptID() ChannelID {
	return ns.idGen.NewAcceptID()
}

// OnAccept implements Notifier.
func (ns *NetServices) OnAccept(sid ServiceID, cid ChannelID, remoteAddr string) {
	ns.mainQueue.Push(&acceptOp{serviceID: sid, channelID: cid, remoteAddr: remoteAddr})
}

// OnRead implements Notifier. The payload is decoded here, on the network
// goroutine, so a malformed packet closes the channel before it reaches the
// application.
func (ns *NetServices) OnRead(sid ServiceID, cid ChannelID, actorID uint64, payload []byte) error {
	opcode, msg, err := ns.msgMgr.Unpack(payload)
	if err != nil {
		metrics.IncrCounterWithGroup("net", "decode_error_total", 1)
		return err
	}
	pi, _ := ns.msgMgr.GetProtoInfo(opcode)
	metrics.IncrCounterWithGroup("net", "recv_msg_total", 1)
	ns.mainQueue.Push(&readOp{delivery: ReadDelivery{
		ServiceID: sid,
		ChannelID: cid,
		ActorID:   actorID,
		Opcode:    opcode,
		Message:   msg,
		ProtoInfo: pi,
	}})
	return nil
}

// OnError implements Notifier.
func (ns *NetServices) OnError(sid ServiceID, cid ChannelID, code ErrorCode) {
	ns.mainQueue.Push(&errorOp{serviceID: sid, channelID: cid, code: code})
}

func (ns *NetServices) deliverRead(d *ReadDelivery) {
	err := ns.filters.Handle(d, func(d *ReadDelivery) error {
		if cb := ns.callbacksOf(d.ServiceID); cb != nil && cb.onRead != nil {
			cb.onRead(d)
		}
		return nil
	})
	if err != nil {
		log.Warn().Int32("serviceId", int32(d.ServiceID)).Uint64("channelId", uint64(d.ChannelID)).
			Uint16("opcode", d.Opcode).Err(err).Msg("read filter rejected packet")
	}
}

func (ns *NetServices) reloadMsgFilterCfg(names []string) {
	m := make(map[string]struct{}, len(names))
	for _, name := range names {
		m[name] = struct{}{}
	}
	ns.msgFilter.Store(&m)
}

// msgFilterHandle drops filtered message types. A filtered request is
// answered with an empty response so the peer does not wait for it.
func (ns *NetServices) msgFilterHandle(d *ReadDelivery, f ReadHandleFunc) error {
	filter := *ns.msgFilter.Load()
	if d.ProtoInfo == nil {
		return f(d)
	}
	if _, ok := filter[d.ProtoInfo.MsgID]; !ok {
		return f(d)
	}
	metrics.IncrCounterWithGroup("net", "msg_filtered_total", 1)
	if !d.ProtoInfo.IsReq() || d.ProtoInfo.ResOpcode == InvalidOpcode {
		return nil
	}
	res, err := ns.msgMgr.CreateMsg(d.ProtoInfo.ResOpcode)
	if err != nil {
		return err
	}
	return ns.SendMessage(d.ServiceID, d.ChannelID, d.ActorID, res)
}
