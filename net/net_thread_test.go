package net

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingService counts Update calls from the network goroutine.
type countingService struct {
	fakeService
	ticks    atomic.Int64
	disposed atomic.Bool
}

func (s *countingService) Update()  { s.ticks.Add(1) }
func (s *countingService) Dispose() { s.disposed.Store(true) }

func TestNetThread_TicksAndStops(t *testing.T) {
	ns := newTestHub(t, nil)
	svc := &countingService{fakeService: *newFakeService("a", nil)}
	_, err := ns.AddService(svc)
	require.NoError(t, err)

	thread, err := NewNetThread(ns, &NetThreadCfg{TickRate: 500})
	require.NoError(t, err)
	require.NoError(t, thread.Start(context.Background()))
	assert.Error(t, thread.Start(context.Background()))

	require.Eventually(t, func() bool { return svc.ticks.Load() >= 10 }, 3*time.Second, 5*time.Millisecond)
	thread.Stop()
	thread.Stop()
	assert.True(t, svc.disposed.Load())

	n := svc.ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, svc.ticks.Load())
	assert.ErrorIs(t, ns.RemoveService(1), ErrHubClosed)
}

func TestNetThread_ContextCancel(t *testing.T) {
	ns := newTestHub(t, nil)
	svc := &countingService{fakeService: *newFakeService("a", nil)}
	_, _ = ns.AddService(svc)

	thread, err := NewNetThread(ns, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, thread.Start(ctx))
	cancel()

	select {
	case <-thread.Done():
	case <-time.After(3 * time.Second):
		require.FailNow(t, "net thread did not stop")
	}
	assert.True(t, svc.disposed.Load())
}

func TestNetThread_TickRate(t *testing.T) {
	ns := newTestHub(t, nil)
	svc := &countingService{fakeService: *newFakeService("a", nil)}
	_, _ = ns.AddService(svc)

	thread, err := NewNetThread(ns, &NetThreadCfg{TickRate: 50})
	require.NoError(t, err)
	require.NoError(t, thread.Start(context.Background()))
	time.Sleep(200 * time.Millisecond)
	thread.Stop()

	// 50 per second over 200ms, with room for scheduling noise
	ticks := svc.ticks.Load()
	assert.GreaterOrEqual(t, ticks, int64(5))
	assert.LessOrEqual(t, ticks, int64(15))
}

func TestNetThread_ReloadAndPanics(t *testing.T) {
	ns := newTestHub(t, nil)
	thread, err := NewNetThread(ns, nil)
	require.NoError(t, err)

	require.NoError(t, thread.OnConfigChanged("netthread", &NetThreadCfg{TickRate: 2000}, nil))
	assert.Error(t, thread.OnConfigChanged("netthread", &NetServicesCfg{}, nil))
	assert.NoError(t, thread.OnConfigChanged("logger", nil, nil))

	// a panicking service does not kill the loop
	_, _ = ns.AddService(&panicService{fakeService: *newFakeService("p", nil)})
	svc := &countingService{fakeService: *newFakeService("a", nil)}
	_, _ = ns.AddService(svc)
	require.NoError(t, thread.Start(context.Background()))
	require.Eventually(t, func() bool { return svc.ticks.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)
	thread.Stop()

	_, err = NewNetThread(nil, nil)
	assert.Error(t, err)
	_, err = NewNetThread(ns, &NetThreadCfg{TickRate: -1})
	assert.Error(t, err)
}

type panicService struct {
	fakeService
}

func (s *panicService) Update() { panic("boom") }
