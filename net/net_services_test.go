package net

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// fakeService records what the hub asks of it.
type fakeService struct {
	serviceBase
	name     string
	log      *[]string
	sends    []sendOp
	creates  []string
	removes  []ChannelID
	moves    []string
	updates  int
	conns    map[ChannelID][2]uint32
	disposed bool
}

func newFakeService(name string, log *[]string) *fakeService {
	return &fakeService{
		serviceBase: serviceBase{svcType: ServiceTypeOuter},
		name:        name,
		log:         log,
		conns:       make(map[ChannelID][2]uint32),
	}
}

func (s *fakeService) LocalAddr() string { return "" }

func (s *fakeService) Create(id ChannelID, address string) {
	s.creates = append(s.creates, address)
}

func (s *fakeService) Remove(id ChannelID, code ErrorCode) {
	s.removes = append(s.removes, id)
}

func (s *fakeService) Send(id ChannelID, actorID uint64, payload []byte) {
	s.sends = append(s.sends, sendOp{channelID: id, actorID: actorID, payload: payload})
}

func (s *fakeService) ChangeAddress(id ChannelID, address string) {
	s.moves = append(s.moves, address)
}

func (s *fakeService) ChannelConn(id ChannelID) (uint32, uint32, error) {
	c, ok := s.conns[id]
	if !ok {
		return 0, 0, ErrChannelNotFound
	}
	return c[0], c[1], nil
}

func (s *fakeService) Update() {
	s.updates++
	if s.log != nil {
		*s.log = append(*s.log, s.name)
	}
}

func (s *fakeService) IsDisposed() bool { return s.disposed }
func (s *fakeService) Dispose()         { s.disposed = true }

func newTestHub(t *testing.T, cfg *NetServicesCfg) *NetServices {
	t.Helper()
	ns, err := NewNetServices(newTestMessageManager(t), cfg)
	require.NoError(t, err)
	return ns
}

func TestNetServices_AddAndRemoveService(t *testing.T) {
	ns := newTestHub(t, nil)
	a, b := newFakeService("a", nil), newFakeService("b", nil)

	sa, err := ns.AddService(a)
	require.NoError(t, err)
	sb, err := ns.AddService(b)
	require.NoError(t, err)
	assert.NotEqual(t, sa, sb)

	// nothing happens until the network goroutine runs
	assert.Zero(t, a.ID())
	ns.UpdateInNetThread()
	assert.Equal(t, sa, a.ID())
	assert.Equal(t, Notifier(ns), a.notifier)
	assert.Equal(t, 1, a.updates)

	require.NoError(t, ns.RemoveService(sa))
	ns.UpdateInNetThread()
	assert.True(t, a.disposed)
	assert.Equal(t, 1, a.updates)
	assert.Equal(t, 2, b.updates)

	_, err = ns.AddService(nil)
	assert.Error(t, err)
}

func TestNetServices_RoundRobinUpdate(t *testing.T) {
	ns := newTestHub(t, nil)
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		_, err := ns.AddService(newFakeService(name, &order))
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		ns.UpdateInNetThread()
	}
	assert.Equal(t, []string{"a", "b", "c", "b", "c", "a", "c", "a", "b"}, order)
}

func TestNetServices_OperatorsAppliedInOrder(t *testing.T) {
	ns := newTestHub(t, nil)
	svc := newFakeService("a", nil)
	sid, err := ns.AddService(svc)
	require.NoError(t, err)

	const producers, perProducer = 8, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				payload := testPayload(opNotify, []byte{byte(i), byte(i >> 8)})
				assert.NoError(t, ns.Send(sid, ChannelID(p), uint64(i), payload))
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		ns.UpdateInNetThread()
		select {
		case <-done:
			ns.UpdateInNetThread()
			require.Len(t, svc.sends, producers*perProducer)
			next := make(map[ChannelID]uint64)
			for _, s := range svc.sends {
				require.Equal(t, next[s.channelID], s.actorID, "producer %d out of order", s.channelID)
				next[s.channelID]++
			}
			return
		default:
		}
	}
}

func TestNetServices_ChannelOperators(t *testing.T) {
	ns := newTestHub(t, nil)
	svc := newFakeService("a", nil)
	sid, _ := ns.AddService(svc)

	cid := ns.CreateConnectChannelID()
	assert.False(t, cid.IsAccept())
	assert.True(t, ns.NewAcceptID().IsAccept())

	require.NoError(t, ns.CreateChannel(sid, cid, "127.0.0.1:9000"))
	require.NoError(t, ns.ChangeAddress(sid, cid, "127.0.0.1:9001"))
	require.NoError(t, ns.SendMessage(sid, cid, 5, wrapperspb.Int64(77)))
	require.NoError(t, ns.RemoveChannel(sid, cid, ErrChannelRemoved))
	// unknown service ids are ignored
	require.NoError(t, ns.CreateChannel(sid+100, cid, "127.0.0.1:9000"))
	ns.UpdateInNetThread()

	assert.Equal(t, []string{"127.0.0.1:9000"}, svc.creates)
	assert.Equal(t, []string{"127.0.0.1:9001"}, svc.moves)
	assert.Equal(t, []ChannelID{cid}, svc.removes)
	require.Len(t, svc.sends, 1)
	opcode, msg, err := ns.MessageManager().Unpack(svc.sends[0].payload)
	require.NoError(t, err)
	assert.Equal(t, opNotify, opcode)
	assert.EqualValues(t, 77, msg.(*wrapperspb.Int64Value).GetValue())

	assert.ErrorIs(t, ns.Send(sid, cid, 0, []byte{1}), ErrInvalidPacket)
	assert.ErrorIs(t, ns.SendMessage(sid, cid, 0, wrapperspb.Bool(true)), ErrMsgNotFound)
}

func TestNetServices_GetChannelConn(t *testing.T) {
	ns := newTestHub(t, nil)
	svc := newFakeService("a", nil)
	sid, _ := ns.AddService(svc)
	svc.conns[42] = [2]uint32{5, 0x80000001}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				ns.UpdateInNetThread()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	local, remote, err := ns.GetChannelConn(ctx, sid, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 5, local)
	assert.EqualValues(t, 0x80000001, remote)

	_, _, err = ns.GetChannelConn(ctx, sid, 43)
	assert.ErrorIs(t, err, ErrChannelNotFound)
	_, _, err = ns.GetChannelConn(ctx, sid+1, 42)
	assert.ErrorIs(t, err, ErrServiceNotFound)
	close(stop)

	// nobody drains the queue now
	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, _, err = ns.GetChannelConn(short, sid, 42)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNetServices_Callbacks(t *testing.T) {
	ns := newTestHub(t, nil)
	var accepted []string
	var reads []*ReadDelivery
	var errs []ErrorCode
	ns.RegisterAcceptCallback(1, func(sid ServiceID, cid ChannelID, addr string) {
		accepted = append(accepted, fmt.Sprintf("%d/%d/%s", sid, cid, addr))
	})
	ns.RegisterReadCallback(1, func(d *ReadDelivery) { reads = append(reads, d) })
	ns.RegisterErrorCallback(1, func(sid ServiceID, cid ChannelID, code ErrorCode) { errs = append(errs, code) })

	payload, err := ns.MessageManager().Pack(nil, wrapperspb.String("hi"))
	require.NoError(t, err)

	ns.OnAccept(1, 7, "1.2.3.4:5")
	require.NoError(t, ns.OnRead(1, 7, 99, payload))
	ns.OnError(1, 7, ErrPeerDisconnect)
	// no callbacks for service 2
	ns.OnAccept(2, 8, "x")
	assert.Empty(t, accepted, "callbacks only run on UpdateInMainThread")

	assert.Equal(t, 4, ns.UpdateInMainThread())
	assert.Equal(t, []string{"1/7/1.2.3.4:5"}, accepted)
	require.Len(t, reads, 1)
	assert.Equal(t, opEchoReq, reads[0].Opcode)
	assert.EqualValues(t, 99, reads[0].ActorID)
	assert.True(t, reads[0].ProtoInfo.IsReq())
	assert.True(t, proto.Equal(wrapperspb.String("hi"), reads[0].Message))
	assert.Equal(t, []ErrorCode{ErrPeerDisconnect}, errs)
	assert.Zero(t, ns.UpdateInMainThread())
}

func TestNetServices_OnReadDecodeFailure(t *testing.T) {
	ns := newTestHub(t, nil)
	assert.Error(t, ns.OnRead(1, 1, 0, []byte{0x01}))
	assert.ErrorIs(t, ns.OnRead(1, 1, 0, testPayload(4242, nil)), ErrMsgNotFound)
	// garbage body for a registered opcode
	assert.Error(t, ns.OnRead(1, 1, 0, testPayload(opEchoReq, []byte{0xff, 0xff, 0xff})))
	assert.Zero(t, ns.UpdateInMainThread())
}

func TestNetServices_MsgFilter(t *testing.T) {
	ns := newTestHub(t, &NetServicesCfg{MsgFilter: []string{"google.protobuf.StringValue", "google.protobuf.Int64Value"}})
	svc := newFakeService("a", nil)
	sid, _ := ns.AddService(svc)
	ns.UpdateInNetThread()

	var reads int
	ns.RegisterReadCallback(sid, func(d *ReadDelivery) { reads++ })

	req, _ := ns.MessageManager().Pack(nil, wrapperspb.String("blocked"))
	ntf, _ := ns.MessageManager().Pack(nil, wrapperspb.Int64(1))
	res, _ := ns.MessageManager().Pack(nil, wrapperspb.Bytes(nil))
	require.NoError(t, ns.OnRead(sid, 3, 8, req))
	require.NoError(t, ns.OnRead(sid, 3, 8, ntf))
	require.NoError(t, ns.OnRead(sid, 3, 8, res))
	ns.UpdateInMainThread()
	assert.Equal(t, 1, reads)

	// the filtered request got an empty response
	ns.UpdateInNetThread()
	require.Len(t, svc.sends, 1)
	assert.EqualValues(t, 3, svc.sends[0].channelID)
	assert.EqualValues(t, 8, svc.sends[0].actorID)
	assert.Equal(t, AppendOpcode(nil, opEchoRes), svc.sends[0].payload)

	// reload lifts the filter
	require.NoError(t, ns.OnConfigChanged("netservices", &NetServicesCfg{}, nil))
	require.NoError(t, ns.OnRead(sid, 3, 8, ntf))
	ns.UpdateInMainThread()
	assert.Equal(t, 2, reads)
}

func TestNetServices_RecvLimiterAndFilters(t *testing.T) {
	ns := newTestHub(t, &NetServicesCfg{RecvRateLimit: 1, TokenBurst: 2})
	var reads []uint64
	ns.RegisterReadCallback(1, func(d *ReadDelivery) { reads = append(reads, d.ActorID) })

	var seen []uint64
	ns.AddReadFilter(func(d *ReadDelivery, next ReadHandleFunc) error {
		seen = append(seen, d.ActorID)
		if d.ActorID == 1 {
			return nil
		}
		return next(d)
	})

	payload, _ := ns.MessageManager().Pack(nil, wrapperspb.Int64(1))
	for i := 0; i < 5; i++ {
		require.NoError(t, ns.OnRead(1, 1, uint64(i), payload))
	}
	ns.UpdateInMainThread()
	// burst of two passes the limiter, the custom filter then drops actor 1
	assert.Equal(t, []uint64{0, 1}, seen)
	assert.Equal(t, []uint64{0}, reads)

	require.NoError(t, ns.OnConfigChanged("netservices", &NetServicesCfg{}, nil))
	require.NoError(t, ns.OnRead(1, 1, 9, payload))
	ns.UpdateInMainThread()
	assert.Equal(t, []uint64{0, 9}, reads)
	assert.Error(t, ns.OnConfigChanged("netservices", &NetThreadCfg{}, nil))
	assert.NoError(t, ns.OnConfigChanged("other", nil, nil))
}

func TestNetServices_Close(t *testing.T) {
	ns := newTestHub(t, nil)
	svc := newFakeService("a", nil)
	sid, _ := ns.AddService(svc)
	ns.UpdateInNetThread()

	result := make(chan error, 1)
	go func() {
		_, _, err := ns.GetChannelConn(context.Background(), sid, 1)
		result <- err
	}()
	require.Eventually(t, func() bool { return ns.netQueue.Len() == 1 }, time.Second, time.Millisecond)

	ns.Close()
	ns.Close()
	assert.True(t, svc.disposed)
	assert.ErrorIs(t, <-result, ErrHubClosed)

	_, err := ns.AddService(newFakeService("b", nil))
	assert.ErrorIs(t, err, ErrHubClosed)
	assert.ErrorIs(t, ns.Send(sid, 1, 0, testPayload(opNotify, nil)), ErrHubClosed)
	_, _, err = ns.GetChannelConn(context.Background(), sid, 1)
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestNetServices_CloseDisposesQueuedService(t *testing.T) {
	ns := newTestHub(t, nil)
	svc, err := NewKService(&KServiceCfg{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	addr := svc.LocalAddr()
	fake := newFakeService("queued", nil)
	_, err = ns.AddService(svc)
	require.NoError(t, err)
	_, err = ns.AddService(fake)
	require.NoError(t, err)

	// the net thread never ran, both adds are still queued
	ns.Close()
	assert.True(t, svc.IsDisposed())
	assert.True(t, fake.disposed)
	assert.Empty(t, ns.services)

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err, "socket still bound after close")
	_ = conn.Close()
}

func TestNetServices_CloseAnswersConcurrentQueries(t *testing.T) {
	for round := 0; round < 20; round++ {
		ns := newTestHub(t, nil)
		sid, _ := ns.AddService(newFakeService("a", nil))
		ns.UpdateInNetThread()

		const callers = 16
		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := ns.GetChannelConn(context.Background(), sid, 1)
				errs <- err
			}()
		}
		ns.Close()

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(3 * time.Second):
			require.FailNow(t, "GetChannelConn blocked after close", "round %d", round)
		}
		close(errs)
		for err := range errs {
			assert.ErrorIs(t, err, ErrHubClosed)
		}
	}
}

func TestChannelConnQuery_FirstAnswerWins(t *testing.T) {
	q := &channelConnQuery{done: make(chan channelConnResult, 1)}
	q.answer(channelConnResult{localConn: 7})
	q.answer(channelConnResult{err: ErrHubClosed})
	r := <-q.done
	assert.Equal(t, uint32(7), r.localConn)
	assert.NoError(t, r.err)
}

func TestNetServices_TCPEndToEnd(t *testing.T) {
	ns := newTestHub(t, nil)
	server, err := NewTService(&TServiceCfg{Addr: "127.0.0.1:0", ServiceType: ServiceTypeInner})
	require.NoError(t, err)
	client, err := NewTService(&TServiceCfg{ServiceType: ServiceTypeInner})
	require.NoError(t, err)
	ssid, _ := ns.AddService(server)
	csid, _ := ns.AddService(client)

	var serverReads, clientReads []*ReadDelivery
	var errs []ErrorCode
	ns.RegisterReadCallback(ssid, func(d *ReadDelivery) {
		serverReads = append(serverReads, d)
		// echo back
		res := &wrapperspb.BytesValue{Value: []byte(d.Message.(*wrapperspb.StringValue).GetValue())}
		assert.NoError(t, ns.SendMessage(ssid, d.ChannelID, d.ActorID+1, res))
	})
	ns.RegisterReadCallback(csid, func(d *ReadDelivery) { clientReads = append(clientReads, d) })
	ns.RegisterErrorCallback(ssid, func(sid ServiceID, cid ChannelID, code ErrorCode) { errs = append(errs, code) })

	cid := ns.CreateConnectChannelID()
	require.NoError(t, ns.CreateChannel(csid, cid, server.LocalAddr()))
	require.NoError(t, ns.SendMessage(csid, cid, 10, wrapperspb.String("ping")))

	deadline := time.Now().Add(5 * time.Second)
	for len(clientReads) == 0 && time.Now().Before(deadline) {
		ns.UpdateInNetThread()
		ns.UpdateInMainThread()
		time.Sleep(time.Millisecond)
	}
	require.Len(t, serverReads, 1)
	require.Len(t, clientReads, 1)
	assert.EqualValues(t, 10, serverReads[0].ActorID)
	assert.EqualValues(t, 11, clientReads[0].ActorID)
	assert.Equal(t, opEchoRes, clientReads[0].Opcode)
	assert.Equal(t, []byte("ping"), clientReads[0].Message.(*wrapperspb.BytesValue).GetValue())

	// a packet the registry cannot decode closes the channel
	require.NoError(t, ns.Send(csid, cid, 0, testPayload(4242, nil)))
	deadline = time.Now().Add(5 * time.Second)
	for len(errs) == 0 && time.Now().Before(deadline) {
		ns.UpdateInNetThread()
		ns.UpdateInMainThread()
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, []ErrorCode{ErrPacketParserError}, errs)

	ns.Close()
	assert.True(t, server.IsDisposed())
	assert.True(t, client.IsDisposed())
}

func TestNetServicesCfg_Validate(t *testing.T) {
	cfg := &NetServicesCfg{RecvRateLimit: 100}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.TokenBurst)
	assert.Error(t, (&NetServicesCfg{RecvRateLimit: -1}).Validate())
	assert.Error(t, (&NetServicesCfg{RecvRateLimit: 1, TokenBurst: 11}).Validate())

	_, err := NewNetServices(nil, nil)
	assert.Error(t, err)
}
