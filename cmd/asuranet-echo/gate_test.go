package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lcx/asuranet/config"
	"github.com/lcx/asuranet/net"
)

type sentMsg struct {
	sid     net.ServiceID
	cid     net.ChannelID
	actorID uint64
	msg     proto.Message
}

type fakeSender struct {
	sent []sentMsg
	err  error
}

func (f *fakeSender) SendMessage(sid net.ServiceID, cid net.ChannelID, actorID uint64, msg proto.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMsg{sid, cid, actorID, msg})
	return nil
}

func TestNewMessageManager(t *testing.T) {
	mgr, err := newMessageManager()
	require.NoError(t, err)
	assert.True(t, mgr.IsRequestMsg(opEchoReq))
	assert.Equal(t, opEchoRes, mgr.GetResOpcode(opEchoReq))
	assert.True(t, mgr.IsNtfMsg(opHeartbeat))

	buf, err := mgr.Pack(nil, wrapperspb.String("hi"))
	require.NoError(t, err)
	opcode, msg, err := mgr.Unpack(buf)
	require.NoError(t, err)
	assert.Equal(t, opEchoReq, opcode)
	assert.Equal(t, "hi", msg.(*wrapperspb.StringValue).GetValue())
}

func TestEchoGate_Replies(t *testing.T) {
	out := &fakeSender{}
	g := &echoGate{out: out}

	g.onRead(&net.ReadDelivery{ServiceID: 2, ChannelID: 99, ActorID: 7, Opcode: opEchoReq, Message: wrapperspb.String("ping")})
	require.Len(t, out.sent, 1)
	assert.Equal(t, net.ServiceID(2), out.sent[0].sid)
	assert.Equal(t, net.ChannelID(99), out.sent[0].cid)
	assert.Equal(t, uint64(7), out.sent[0].actorID)
	assert.Equal(t, []byte("ping"), out.sent[0].msg.(*wrapperspb.BytesValue).GetValue())

	// heartbeats are not answered
	g.onRead(&net.ReadDelivery{ServiceID: 2, ChannelID: 99, Opcode: opHeartbeat, Message: wrapperspb.Int64(1)})
	assert.Len(t, out.sent, 1)

	out.err = errors.New("hub closed")
	assert.NotPanics(t, func() {
		g.onRead(&net.ReadDelivery{ServiceID: 2, ChannelID: 99, Opcode: opEchoReq, Message: wrapperspb.String("x")})
	})
}

func TestEchoGate_SessionCount(t *testing.T) {
	g := &echoGate{out: &fakeSender{}}
	g.onAccept(1, 10, "127.0.0.1:1000")
	g.onAccept(1, 11, "127.0.0.1:1001")
	assert.Equal(t, int64(2), g.sessions.Load())
	g.onError(1, 10, net.ErrPeerDisconnect)
	assert.Equal(t, int64(1), g.sessions.Load())
}

func TestEchoCfg_Validate(t *testing.T) {
	cfg := &EchoCfg{Transports: []string{"kcp", "tcp", "ws"}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.MainTickMillSec)
	assert.Equal(t, 3000, cfg.ShutdownTimeoutMillSec)
	assert.Equal(t, "echo", cfg.GetName())

	assert.Error(t, (&EchoCfg{}).Validate())
	assert.Error(t, (&EchoCfg{Transports: []string{"quic"}}).Validate())
	assert.Error(t, (&EchoCfg{Transports: []string{"tcp", "tcp"}}).Validate())
	assert.Error(t, (&EchoCfg{Transports: []string{"tcp"}, MainTickMillSec: -1}).Validate())
	assert.Error(t, (&EchoCfg{Transports: []string{"tcp"}, Codec: "xml"}).Validate())
	assert.NoError(t, (&EchoCfg{Transports: []string{"ws"}, Codec: "json"}).Validate())
}

func TestBuildService_TCP(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tservice.yaml"),
		[]byte("addr: 127.0.0.1:0\nserviceType: outer\n"), 0o600))

	cm := config.NewConfigManager()
	cm.SetBasePath(dir)
	t.Cleanup(func() { _ = cm.Close() })

	svc, ep, err := buildService(cm, transportTCP)
	require.NoError(t, err)
	t.Cleanup(svc.Dispose)
	assert.Equal(t, "tcp", ep.Proto)
	assert.NotEmpty(t, ep.Addr)
	assert.Equal(t, svc.LocalAddr(), ep.Addr)

	_, _, err = buildService(cm, transportKCP)
	assert.Error(t, err, "missing kservice.yaml")
	_, _, err = buildService(cm, "quic")
	assert.Error(t, err)
}

func TestRootCmd_Version(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, Version+"\n", out.String())

	flag := root.PersistentFlags().Lookup("config-dir")
	require.NotNil(t, flag)
	assert.Equal(t, "./config", flag.DefValue)
}
