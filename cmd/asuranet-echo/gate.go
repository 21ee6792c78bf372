package main

import (
	"fmt"
	"sync/atomic"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lcx/asuranet/config"
	"github.com/lcx/asuranet/discovery"
	"github.com/lcx/asuranet/log"
	"github.com/lcx/asuranet/metrics"
	"github.com/lcx/asuranet/net"
)

// Echo protocol opcodes.
const (
	opEchoReq   uint16 = 1
	opEchoRes   uint16 = 2
	opHeartbeat uint16 = 3
)

func newMessageManager() (*net.MessageManager, error) {
	mgr := net.NewMessageManager()
	infos := []*net.MsgProtoInfo{
		{
			Opcode:     opEchoReq,
			New:        func() proto.Message { return &wrapperspb.StringValue{} },
			ResOpcode:  opEchoRes,
			MsgReqType: net.MRTReq,
			IsCS:       true,
		},
		{
			Opcode:     opEchoRes,
			New:        func() proto.Message { return &wrapperspb.BytesValue{} },
			MsgReqType: net.MRTRes,
			IsCS:       true,
		},
		{
			Opcode:     opHeartbeat,
			New:        func() proto.Message { return &wrapperspb.Int64Value{} },
			MsgReqType: net.MRTNtf,
			IsCS:       true,
		},
	}
	for _, pi := range infos {
		if err := mgr.RegisterMsgInfo(pi); err != nil {
			return nil, err
		}
	}
	return mgr, nil
}

// sender is the part of the hub the gate replies through.
type sender interface {
	SendMessage(sid net.ServiceID, cid net.ChannelID, actorID uint64, msg proto.Message) error
}

// echoGate holds the application side callbacks. They all run on the
// goroutine that calls NetServices.UpdateInMainThread.
type echoGate struct {
	out      sender
	sessions atomic.Int64
}

func (g *echoGate) onAccept(sid net.ServiceID, cid net.ChannelID, remoteAddr string) {
	n := g.sessions.Add(1)
	metrics.UpdateGaugeWithGroup("echo", "sessions", metrics.Value(n))
	log.Info().Int32("serviceId", int32(sid)).Uint64("channelId", uint64(cid)).Str("remote", remoteAddr).Msg("session opened")
}

func (g *echoGate) onRead(d *net.ReadDelivery) {
	switch m := d.Message.(type) {
	case *wrapperspb.StringValue:
		res := wrapperspb.Bytes([]byte(m.GetValue()))
		if err := g.out.SendMessage(d.ServiceID, d.ChannelID, d.ActorID, res); err != nil {
			log.Warn().Uint64("channelId", uint64(d.ChannelID)).Err(err).Msg("echo reply failed")
			return
		}
		metrics.IncrCounterWithGroup("echo", "replies_total", 1)
	case *wrapperspb.Int64Value:
		metrics.IncrCounterWithGroup("echo", "heartbeats_total", 1)
	default:
		log.Debug().Uint16("opcode", d.Opcode).Msg("unhandled message")
	}
}

func (g *echoGate) onError(sid net.ServiceID, cid net.ChannelID, code net.ErrorCode) {
	n := g.sessions.Add(-1)
	metrics.UpdateGaugeWithGroup("echo", "sessions", metrics.Value(n))
	if code.IsPeerClose() {
		log.Info().Int32("serviceId", int32(sid)).Uint64("channelId", uint64(cid)).Str("code", code.String()).Msg("session closed")
		return
	}
	log.Warn().Int32("serviceId", int32(sid)).Uint64("channelId", uint64(cid)).Str("code", code.String()).Msg("session failed")
}

// buildService creates the service for one transport from its own config file.
func buildService(cm config.ConfigManager, transport string) (net.Service, discovery.Endpoint, error) {
	ep := discovery.Endpoint{Proto: transport}
	switch transport {
	case transportKCP:
		cfg := &net.KServiceCfg{}
		if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
			return nil, ep, fmt.Errorf("load kservice config: %w", err)
		}
		s, err := net.NewKService(cfg)
		if err != nil {
			return nil, ep, err
		}
		ep.Addr = s.LocalAddr()
		return s, ep, nil
	case transportTCP:
		cfg := &net.TServiceCfg{}
		if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
			return nil, ep, fmt.Errorf("load tservice config: %w", err)
		}
		s, err := net.NewTService(cfg)
		if err != nil {
			return nil, ep, err
		}
		ep.Addr = s.LocalAddr()
		return s, ep, nil
	case transportWS:
		cfg := &net.WServiceCfg{}
		if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
			return nil, ep, fmt.Errorf("load wservice config: %w", err)
		}
		s, err := net.NewWService(cfg)
		if err != nil {
			return nil, ep, err
		}
		ep.Addr = s.LocalAddr()
		ep.Path = cfg.Path
		return s, ep, nil
	}
	return nil, ep, fmt.Errorf("unknown transport %q", transport)
}
