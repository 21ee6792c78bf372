package net

import (
	"errors"
	"fmt"
	"strings"
)

// KServiceCfg configures a reliable UDP service.
type KServiceCfg struct {
	// Addr is the UDP listen address. Leave empty for a connect-only service.
	Addr        string      `mapstructure:"addr"`
	ServiceType ServiceType `mapstructure:"serviceType"`

	Mtu      int `mapstructure:"mtu"`
	SndWnd   int `mapstructure:"sndWnd"`
	RcvWnd   int `mapstructure:"rcvWnd"`
	NoDelay  int `mapstructure:"noDelay"`
	Interval int `mapstructure:"interval"`
	Resend   int `mapstructure:"resend"`
	NC       int `mapstructure:"nc"`

	// MaxWaitSnd is the number of unacknowledged segments after which a
	// channel is considered stuck and closed. 0 picks the service type default.
	MaxWaitSnd int `mapstructure:"maxWaitSnd"`
	// MaxSplitSize caps a reassembled record.
	MaxSplitSize     int `mapstructure:"maxSplitSize"`
	SocketBufferSize int `mapstructure:"socketBufferSize"`
	// AcceptRateLimit is the number of new peers accepted per second, 0 disables the limit.
	AcceptRateLimit float64 `mapstructure:"acceptRateLimit"`
	AcceptBurst     int     `mapstructure:"acceptBurst"`
}

const (
	defaultOuterMaxWaitSnd = 256
	defaultInnerMaxWaitSnd = 4096
	defaultMaxSplitSize    = 8 * 1024 * 1024
)

// GetName returns the configuration name for KServiceCfg
func (c *KServiceCfg) GetName() string {
	return "kservice"
}

// Validate checks ranges and fills defaults.
func (c *KServiceCfg) Validate() error {
	if c.ServiceType == "" {
		c.ServiceType = ServiceTypeOuter
	}
	if !c.ServiceType.valid() {
		return fmt.Errorf("invalid serviceType %q", c.ServiceType)
	}
	if c.Mtu == 0 {
		c.Mtu = 1400
	}
	if c.Mtu < 50 || c.Mtu > 1500 {
		return fmt.Errorf("mtu %d out of range", c.Mtu)
	}
	if c.SndWnd == 0 {
		c.SndWnd = 1024
	}
	if c.RcvWnd == 0 {
		c.RcvWnd = 1024
	}
	if c.Interval == 0 {
		c.Interval = 10
	}
	if c.Interval < 0 || c.SndWnd < 0 || c.RcvWnd < 0 {
		return errors.New("interval and windows must be positive")
	}
	if c.MaxWaitSnd == 0 {
		c.MaxWaitSnd = defaultOuterMaxWaitSnd
		if c.ServiceType == ServiceTypeInner {
			c.MaxWaitSnd = defaultInnerMaxWaitSnd
		}
	}
	if c.MaxSplitSize == 0 {
		c.MaxSplitSize = defaultMaxSplitSize
	}
	if c.MaxSplitSize <= kcpMaxRecordSize {
		return fmt.Errorf("maxSplitSize must be above %d", kcpMaxRecordSize)
	}
	if c.AcceptRateLimit < 0 || c.AcceptBurst < 0 {
		return errors.New("accept limits must not be negative")
	}
	return nil
}

// TServiceCfg configures a framed TCP service.
type TServiceCfg struct {
	Addr               string      `mapstructure:"addr"`
	ServiceType        ServiceType `mapstructure:"serviceType"`
	MaxPacketSize      int         `mapstructure:"maxPacketSize"`
	ReadBufferSize     int         `mapstructure:"readBufferSize"`
	DialTimeoutMillSec int         `mapstructure:"dialTimeoutMillSec"`
	AcceptRateLimit    float64     `mapstructure:"acceptRateLimit"`
	AcceptBurst        int         `mapstructure:"acceptBurst"`
}

// GetName returns the configuration name for TServiceCfg
func (c *TServiceCfg) GetName() string {
	return "tservice"
}

func (c *TServiceCfg) Validate() error {
	if c.ServiceType == "" {
		c.ServiceType = ServiceTypeOuter
	}
	if !c.ServiceType.valid() {
		return fmt.Errorf("invalid serviceType %q", c.ServiceType)
	}
	if c.MaxPacketSize < 0 || c.MaxPacketSize > c.ServiceType.MaxPacketSize() {
		return fmt.Errorf("maxPacketSize %d out of range", c.MaxPacketSize)
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = c.ServiceType.MaxPacketSize()
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = CHUNK_SIZE
	}
	if c.DialTimeoutMillSec <= 0 {
		c.DialTimeoutMillSec = 5000
	}
	if c.AcceptRateLimit < 0 || c.AcceptBurst < 0 {
		return errors.New("accept limits must not be negative")
	}
	return nil
}

// WServiceCfg configures a WebSocket service.
type WServiceCfg struct {
	// Addr is the HTTP listen address. Leave empty for a connect-only service.
	Addr                    string      `mapstructure:"addr"`
	Path                    string      `mapstructure:"path"`
	ServiceType             ServiceType `mapstructure:"serviceType"`
	MaxMessageSize          int         `mapstructure:"maxMessageSize"`
	HandshakeTimeoutMillSec int         `mapstructure:"handshakeTimeoutMillSec"`
	AcceptRateLimit         float64     `mapstructure:"acceptRateLimit"`
	AcceptBurst             int         `mapstructure:"acceptBurst"`
}

// GetName returns the configuration name for WServiceCfg
func (c *WServiceCfg) GetName() string {
	return "wservice"
}

func (c *WServiceCfg) Validate() error {
	if c.ServiceType == "" {
		c.ServiceType = ServiceTypeOuter
	}
	if !c.ServiceType.valid() {
		return fmt.Errorf("invalid serviceType %q", c.ServiceType)
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.MaxMessageSize < 0 {
		return errors.New("maxMessageSize must not be negative")
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = OuterMaxPacketSize
		if c.ServiceType == ServiceTypeInner {
			c.MaxMessageSize = InnerMaxPacketSize
		}
	}
	if c.HandshakeTimeoutMillSec <= 0 {
		c.HandshakeTimeoutMillSec = 5000
	}
	if c.AcceptRateLimit < 0 || c.AcceptBurst < 0 {
		return errors.New("accept limits must not be negative")
	}
	return nil
}

// NetThreadCfg configures the network goroutine.
type NetThreadCfg struct {
	// TickRate is the number of network ticks per second.
	TickRate int `mapstructure:"tickRate"`
}

// GetName returns the configuration name for NetThreadCfg
func (c *NetThreadCfg) GetName() string {
	return "netthread"
}

func (c *NetThreadCfg) Validate() error {
	if c.TickRate == 0 {
		c.TickRate = 1000
	}
	if c.TickRate < 0 || c.TickRate > 10000 {
		return fmt.Errorf("tickRate %d out of range", c.TickRate)
	}
	return nil
}

// NetServicesCfg configures the dispatch hub.
type NetServicesCfg struct {
	// RecvRateLimit caps packets handed to read callbacks per second, 0 disables the limit.
	RecvRateLimit int `mapstructure:"recvRateLimit"`
	TokenBurst    int `mapstructure:"tokenBurst"`
	// MsgFilter lists message full names that are dropped before the read
	// callback. Filtered requests are answered with an empty response.
	MsgFilter []string `mapstructure:"msgFilter"`
}

// GetName returns the configuration name for NetServicesCfg
func (c *NetServicesCfg) GetName() string {
	return "netservices"
}

func (c *NetServicesCfg) Validate() error {
	if c.RecvRateLimit < 0 || c.TokenBurst < 0 {
		return errors.New("recvRateLimit and tokenBurst must not be negative")
	}
	if c.RecvRateLimit > 1000000 {
		return fmt.Errorf("recvRateLimit cannot exceed 1,000,000 messages per second")
	}
	if c.RecvRateLimit > 0 && c.TokenBurst == 0 {
		c.TokenBurst = c.RecvRateLimit
	}
	if c.RecvRateLimit > 0 && c.TokenBurst > c.RecvRateLimit*10 {
		return fmt.Errorf("tokenBurst cannot exceed 10 times recvRateLimit")
	}
	return nil
}
