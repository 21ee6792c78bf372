package net

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type acceptEvent struct {
	sid  ServiceID
	cid  ChannelID
	addr string
}

type readEvent struct {
	sid     ServiceID
	cid     ChannelID
	actorID uint64
	payload []byte
}

type errorEvent struct {
	sid  ServiceID
	cid  ChannelID
	code ErrorCode
}

// fakeNotifier records service events in place of the hub.
type fakeNotifier struct {
	mu      sync.Mutex
	gen     ChannelIDGenerator
	accepts []acceptEvent
	reads   []readEvent
	errs    []errorEvent
	readErr error
}

func (n *fakeNotifier) NewAcceptID() ChannelID {
	return n.gen.NewAcceptID()
}

func (n *fakeNotifier) OnAccept(sid ServiceID, cid ChannelID, addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accepts = append(n.accepts, acceptEvent{sid, cid, addr})
}

func (n *fakeNotifier) OnRead(sid ServiceID, cid ChannelID, actorID uint64, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reads = append(n.reads, readEvent{sid, cid, actorID, append([]byte(nil), payload...)})
	return n.readErr
}

func (n *fakeNotifier) OnError(sid ServiceID, cid ChannelID, code ErrorCode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, errorEvent{sid, cid, code})
}

func (n *fakeNotifier) Accepts() []acceptEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]acceptEvent(nil), n.accepts...)
}

func (n *fakeNotifier) Reads() []readEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]readEvent(nil), n.reads...)
}

func (n *fakeNotifier) Errors() []errorEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]errorEvent(nil), n.errs...)
}

var errFakeDecode = errors.New("fake decode failure")

// pumpUntil drives the services from the test goroutine, which plays the
// network goroutine, until cond holds.
func pumpUntil(t *testing.T, cond func() bool, services ...Service) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range services {
			s.Update()
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.FailNow(t, "condition not reached in time")
}

// pumpFor drives the services for d without expecting anything.
func pumpFor(d time.Duration, services ...Service) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		for _, s := range services {
			s.Update()
		}
		time.Sleep(time.Millisecond)
	}
}

func testPayload(opcode uint16, body []byte) []byte {
	return append(AppendOpcode(nil, opcode), body...)
}
