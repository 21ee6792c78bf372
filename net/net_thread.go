package net

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/ratelimit"

	"github.com/lcx/asuranet/config"
	"github.com/lcx/asuranet/log"
	"github.com/lcx/asuranet/metrics"
)

// NetThread is the network goroutine. Every tick it lets the hub apply
// queued operators and update its services. Ticks are paced by a leaky
// bucket so an idle process does not spin.
type NetThread struct {
	ns  *NetServices
	clk clock.Clock

	// pacer holds a ratelimit.Limiter swapped atomically on reload
	pacer atomic.Pointer[ratelimit.Limiter]

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NetThreadOption configures a NetThread.
type NetThreadOption func(*NetThread)

// WithNetThreadClock replaces the clock used for tick pacing.
func WithNetThreadClock(clk clock.Clock) NetThreadOption {
	return func(t *NetThread) {
		if clk != nil {
			t.clk = clk
		}
	}
}

// NewNetThread creates a stopped thread for ns. cfg may be nil for defaults.
func NewNetThread(ns *NetServices, cfg *NetThreadCfg, opts ...NetThreadOption) (*NetThread, error) {
	if ns == nil {
		return nil, errors.New("net services cannot be nil")
	}
	if cfg == nil {
		cfg = &NetThreadCfg{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid netthread config: %w", err)
	}
	t := &NetThread{ns: ns, clk: clock.New()}
	for _, opt := range opts {
		opt(t)
	}
	t.Reload(cfg.TickRate)
	return t, nil
}

// Reload changes the tick rate at runtime.
func (t *NetThread) Reload(tickRate int) {
	limiter := ratelimit.New(tickRate, ratelimit.WithClock(t.clk), ratelimit.WithoutSlack)
	t.pacer.Store(&limiter)
}

// OnConfigChanged follows reloads of NetThreadCfg.
func (t *NetThread) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "netthread" {
		return nil
	}
	cfg, ok := newConfig.(*NetThreadCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for NetThread")
	}
	t.Reload(cfg.TickRate)
	log.Info().Int("tickRate", cfg.TickRate).Msg("net thread tick rate updated")
	return nil
}

// Start runs the loop on a new goroutine until ctx is done or Stop is called.
func (t *NetThread) Start(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return errors.New("net thread already started")
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.run(ctx)
	return nil
}

// Stop ends the loop and waits until every service has been disposed.
func (t *NetThread) Stop() {
	if !t.running.Load() {
		return
	}
	t.cancel()
	<-t.done
}

// Done is closed once the loop has exited.
func (t *NetThread) Done() <-chan struct{} {
	return t.done
}

func (t *NetThread) run(ctx context.Context) {
	defer close(t.done)
	// services belong to this goroutine, so they are closed here too
	defer t.ns.Close()

	log.Info().Msg("net thread started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("net thread stopped")
			return
		default:
		}
		(*t.pacer.Load()).Take()
		t.tick()
	}
}

func (t *NetThread) tick() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("net thread tick panicked")
			metrics.IncrCounterWithGroup("net", "tick_panic_total", 1)
		}
	}()
	t.ns.UpdateInNetThread()
}
