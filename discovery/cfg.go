package discovery

import (
	"errors"
	"fmt"

	"github.com/lcx/asuranet/utils"
)

// RegistrarCfg configures consul registration of the listening services.
type RegistrarCfg struct {
	// Enable turns registration on. A disabled registrar is a no-op.
	Enable bool `mapstructure:"enable"`
	// Address of the consul agent, host:port.
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	// ServiceName is the consul service name shared by every instance.
	ServiceName string `mapstructure:"serviceName"`
	// EntityID is this process in area.set.func.inst form.
	EntityID string `mapstructure:"entityId"`
	// Host is the advertised address. Empty uses the listen host.
	Host string   `mapstructure:"host"`
	Tags []string `mapstructure:"tags"`

	CheckIntervalSec   int `mapstructure:"checkIntervalSec"`
	CheckTimeoutSec    int `mapstructure:"checkTimeoutSec"`
	DeregisterAfterSec int `mapstructure:"deregisterAfterSec"`
}

// GetName returns the configuration name for RegistrarCfg
func (c *RegistrarCfg) GetName() string {
	return "discovery"
}

// Validate checks the fields needed when registration is enabled.
func (c *RegistrarCfg) Validate() error {
	if c.Address == "" {
		c.Address = "127.0.0.1:8500"
	}
	if c.CheckIntervalSec == 0 {
		c.CheckIntervalSec = 10
	}
	if c.CheckTimeoutSec == 0 {
		c.CheckTimeoutSec = 3
	}
	if c.DeregisterAfterSec == 0 {
		c.DeregisterAfterSec = 60
	}
	if c.CheckIntervalSec < 0 || c.CheckTimeoutSec < 0 || c.DeregisterAfterSec < 0 {
		return errors.New("check durations must be positive")
	}
	if !c.Enable {
		return nil
	}
	if c.ServiceName == "" {
		return errors.New("serviceName is required")
	}
	if _, err := utils.ParseEntityID(c.EntityID); err != nil {
		return fmt.Errorf("invalid entityId: %w", err)
	}
	return nil
}
