package main

import (
	"errors"
	"fmt"
)

const (
	transportKCP = "kcp"
	transportTCP = "tcp"
	transportWS  = "ws"
)

// EchoCfg selects what the gate runs.
type EchoCfg struct {
	// Transports lists the services to start, any of kcp, tcp, ws.
	Transports []string `mapstructure:"transports"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string `mapstructure:"metricsAddr"`
	// Codec is proto or json. json suits script clients on WebSocket.
	Codec string `mapstructure:"codec"`
	// MainTickMillSec is the application loop period.
	MainTickMillSec int `mapstructure:"mainTickMillSec"`
	// ShutdownTimeoutMillSec bounds deregistration and the metrics server shutdown.
	ShutdownTimeoutMillSec int `mapstructure:"shutdownTimeoutMillSec"`
}

// GetName returns the configuration name for EchoCfg
func (c *EchoCfg) GetName() string {
	return "echo"
}

// Validate checks the transport list and fills defaults.
func (c *EchoCfg) Validate() error {
	if len(c.Transports) == 0 {
		return errors.New("at least one transport is required")
	}
	seen := make(map[string]bool, len(c.Transports))
	for _, t := range c.Transports {
		switch t {
		case transportKCP, transportTCP, transportWS:
		default:
			return fmt.Errorf("unknown transport %q", t)
		}
		if seen[t] {
			return fmt.Errorf("duplicate transport %q", t)
		}
		seen[t] = true
	}
	if c.Codec != "" && c.Codec != "proto" && c.Codec != "json" {
		return fmt.Errorf("unknown codec %q", c.Codec)
	}
	if c.MainTickMillSec == 0 {
		c.MainTickMillSec = 10
	}
	if c.ShutdownTimeoutMillSec == 0 {
		c.ShutdownTimeoutMillSec = 3000
	}
	if c.MainTickMillSec < 0 || c.ShutdownTimeoutMillSec < 0 {
		return errors.New("durations must be positive")
	}
	return nil
}
