package net

import (
	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// ServiceOption configures a Service at construction.
//
// Usage example:
// svc, err := NewKService(cfg, WithClock(clock.NewMock()))
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	clk clock.Clock
}

func newServiceOptions(opts []ServiceOption) serviceOptions {
	o := serviceOptions{clk: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock replaces the wall clock used for handshake timers, accept
// timeouts and rate limits. Tests pass clock.NewMock().
func WithClock(clk clock.Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clk != nil {
			o.clk = clk
		}
	}
}

// newAcceptLimiter returns nil when limit is 0, which means unlimited.
func newAcceptLimiter(limit float64, burst int) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(limit) + 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}
