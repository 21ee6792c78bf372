package net

import (
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/lcx/asuranet/metrics"
)

// RecvLimiter is a token bucket in front of the read callbacks. Packets
// above the rate are dropped rather than delayed, since waiting would stall
// the application goroutine.
//
// The limiter is swapped atomically so Reload can run from a config watcher
// while the application goroutine keeps reading.
type RecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewRecvLimiter creates a limiter allowing limit packets per second with
// the given burst. A limit of 0 lets everything through.
//
// Example usage:
// limiter := NewRecvLimiter(100, 10) // 100 packets per second with a burst of 10
func NewRecvLimiter(limit int, burst int) *RecvLimiter {
	l := &RecvLimiter{}
	l.Reload(limit, burst)
	return l
}

// Allow reports whether one more packet may be delivered now.
func (l *RecvLimiter) Allow() bool {
	limiter := l.limiter.Load()
	return limiter == nil || limiter.Allow()
}

// Reload replaces the rate at runtime.
func (l *RecvLimiter) Reload(limit int, burst int) {
	if limit <= 0 {
		l.limiter.Store(nil)
		return
	}
	if burst <= 0 {
		burst = limit
	}
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

func (l *RecvLimiter) recvLimiterFilter(d *ReadDelivery, f ReadHandleFunc) error {
	if !l.Allow() {
		metrics.IncrCounterWithGroup("net", "recv_limited_total", 1)
		return nil
	}
	return f(d)
}
