package net

import (
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/lcx/asuranet/log"
	"github.com/lcx/asuranet/metrics"
)

// Notifier receives channel events from a Service. Every method is called on
// the network goroutine.
type Notifier interface {
	// NewAcceptID issues the id of a passively opened channel.
	NewAcceptID() ChannelID
	OnAccept(sid ServiceID, cid ChannelID, remoteAddr string)
	// OnRead delivers one received packet. payload starts with the opcode
	// and is only valid during the call. A non-nil error closes the channel.
	OnRead(sid ServiceID, cid ChannelID, actorID uint64, payload []byte) error
	OnError(sid ServiceID, cid ChannelID, code ErrorCode)
}

// Service owns the channels of one transport. Apart from construction, all
// methods must be called on the network goroutine. Operations on unknown or
// removed channels are silently ignored.
type Service interface {
	ID() ServiceID
	Type() ServiceType
	// Init binds the service to its hub before the first Update.
	Init(id ServiceID, notifier Notifier)
	// LocalAddr is the listen address, or "" for connect-only services.
	LocalAddr() string

	Create(id ChannelID, address string)
	Remove(id ChannelID, code ErrorCode)
	Send(id ChannelID, actorID uint64, payload []byte)
	ChangeAddress(id ChannelID, address string)
	ChannelConn(id ChannelID) (localConn, remoteConn uint32, err error)

	Update()
	IsDisposed() bool
	Dispose()
}

// serviceBase holds what every transport shares.
type serviceBase struct {
	id        ServiceID
	notifier  Notifier
	svcType   ServiceType
	transport string
	clk       clock.Clock
	startTime time.Time
	limiter   *rate.Limiter
	disposed  bool
	channels  int
}

func newServiceBase(transport string, svcType ServiceType, o serviceOptions) serviceBase {
	return serviceBase{
		svcType:   svcType,
		transport: transport,
		clk:       o.clk,
		startTime: o.clk.Now(),
	}
}

func (b *serviceBase) ID() ServiceID {
	return b.id
}

func (b *serviceBase) Type() ServiceType {
	return b.svcType
}

func (b *serviceBase) Init(id ServiceID, notifier Notifier) {
	b.id = id
	b.notifier = notifier
}

func (b *serviceBase) IsDisposed() bool {
	return b.disposed
}

// nowMs is the service time in milliseconds since construction.
func (b *serviceBase) nowMs() int64 {
	return b.clk.Since(b.startTime).Milliseconds()
}

// allowAccept applies the accept rate limit.
func (b *serviceBase) allowAccept() bool {
	if b.limiter == nil || b.limiter.AllowN(b.clk.Now(), 1) {
		return true
	}
	metrics.IncrCounterWithDimGroup("net", "accept_limited_total", 1, map[string]string{"transport": b.transport})
	return false
}

func (b *serviceBase) channelAdded(accepted bool) {
	b.channels++
	if accepted {
		metrics.IncrCounterWithDimGroup("net", "channel_accept_total", 1, map[string]string{"transport": b.transport})
	}
	b.updateChannelGauge()
}

func (b *serviceBase) channelRemoved() {
	b.channels--
	metrics.IncrCounterWithDimGroup("net", "channel_close_total", 1, map[string]string{"transport": b.transport})
	b.updateChannelGauge()
}

func (b *serviceBase) updateChannelGauge() {
	metrics.UpdateGaugeWithDimGroup("net", "current_channels", metrics.Value(b.channels),
		map[string]string{"transport": b.transport, "service_id": strconv.Itoa(int(b.id))})
}

// reportError logs code and forwards it to the hub. The channel must already be removed.
func (b *serviceBase) reportError(id ChannelID, code ErrorCode) {
	metrics.IncrCounterWithDimGroup("net", "channel_error_total", 1,
		map[string]string{"transport": b.transport, "code": code.String()})
	if code.IsPeerClose() {
		log.Info().Str("transport", b.transport).Int32("serviceId", int32(b.id)).
			Uint64("channelId", uint64(id)).Str("code", code.String()).Msg("channel closed by peer")
	} else {
		log.Warn().Str("transport", b.transport).Int32("serviceId", int32(b.id)).
			Uint64("channelId", uint64(id)).Str("code", code.String()).Msg("channel error")
	}
	if b.notifier != nil {
		b.notifier.OnError(b.id, id, code)
	}
}

func (b *serviceBase) countBytes(name string, n int) {
	metrics.IncrCounterWithDimGroup("net", name, metrics.Value(n), map[string]string{"transport": b.transport})
}
