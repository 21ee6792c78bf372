// Package discovery publishes the gate's listening services to consul so
// that clients and routers can find them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/consul/api"

	"github.com/lcx/asuranet/log"
	"github.com/lcx/asuranet/metrics"
	"github.com/lcx/asuranet/utils"
)

// Endpoint is one listening transport.
type Endpoint struct {
	// Proto is kcp, tcp or ws. It becomes a tag and part of the service id.
	Proto string
	// Addr is the listen address as reported by the service.
	Addr string
	// Path is the WebSocket upgrade path.
	Path string
}

// Registrar registers endpoints with a consul agent and removes them again
// on shutdown.
type Registrar struct {
	cfg    *RegistrarCfg
	client *api.Client
	entity utils.EntityID

	mu  sync.Mutex
	ids []string
}

// NewRegistrar builds a registrar. A disabled config gives a registrar whose
// calls do nothing.
func NewRegistrar(cfg *RegistrarCfg) (*Registrar, error) {
	if cfg == nil {
		return nil, errors.New("registrar config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery config: %w", err)
	}
	r := &Registrar{cfg: cfg}
	if !cfg.Enable {
		return r, nil
	}

	entity, err := utils.ParseEntityID(cfg.EntityID)
	if err != nil {
		return nil, err
	}
	r.entity = entity

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	apiCfg.Token = cfg.Token
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	r.client = client
	return r, nil
}

// ServiceID is the consul id of the endpoint registered for proto.
func (r *Registrar) ServiceID(proto string) string {
	return r.cfg.ServiceName + "-" + r.entity.String() + "-" + proto
}

func (r *Registrar) registration(ep Endpoint) (*api.AgentServiceRegistration, error) {
	host, portStr, err := net.SplitHostPort(ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", ep.Proto, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s port: %w", ep.Proto, err)
	}
	if r.cfg.Host != "" {
		host = r.cfg.Host
	}

	tags := append([]string{ep.Proto}, r.cfg.Tags...)
	meta := map[string]string{
		"entityId": r.entity.String(),
		"area":     strconv.Itoa(r.entity.Area()),
		"proto":    ep.Proto,
	}
	if ep.Path != "" {
		meta["path"] = ep.Path
	}

	reg := &api.AgentServiceRegistration{
		ID:      r.ServiceID(ep.Proto),
		Name:    r.cfg.ServiceName,
		Tags:    tags,
		Address: host,
		Port:    port,
		Meta:    meta,
	}
	// consul has no check type that speaks the KCP handshake, so only stream transports get a check.
	if ep.Proto != "kcp" {
		reg.Check = &api.AgentServiceCheck{
			TCP:                            net.JoinHostPort(host, portStr),
			Interval:                       strconv.Itoa(r.cfg.CheckIntervalSec) + "s",
			Timeout:                        strconv.Itoa(r.cfg.CheckTimeoutSec) + "s",
			DeregisterCriticalServiceAfter: strconv.Itoa(r.cfg.DeregisterAfterSec) + "s",
		}
	}
	return reg, nil
}

// Register publishes every endpoint. Endpoints registered before a failure
// stay recorded so Deregister can remove them.
func (r *Registrar) Register(ctx context.Context, endpoints ...Endpoint) error {
	if r.client == nil {
		return nil
	}
	for _, ep := range endpoints {
		reg, err := r.registration(ep)
		if err != nil {
			return err
		}
		opts := api.ServiceRegisterOpts{ReplaceExistingChecks: true}
		opts = opts.WithContext(ctx)
		if err := r.client.Agent().ServiceRegisterOpts(reg, opts); err != nil {
			metrics.IncrCounterWithDimGroup("discovery", "register_failed_total", 1, metrics.Dimension{"proto": ep.Proto})
			return fmt.Errorf("register %s: %w", reg.ID, err)
		}
		r.mu.Lock()
		r.ids = append(r.ids, reg.ID)
		r.mu.Unlock()
		log.Info().Str("serviceId", reg.ID).Str("address", reg.Address).Int("port", reg.Port).Msg("service registered")
	}
	return nil
}

// Deregister removes everything Register published. All ids are attempted;
// the first error is returned.
func (r *Registrar) Deregister(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	r.mu.Lock()
	ids := r.ids
	r.ids = nil
	r.mu.Unlock()

	var firstErr error
	q := (&api.QueryOptions{}).WithContext(ctx)
	for _, id := range ids {
		if err := r.client.Agent().ServiceDeregisterOpts(id, q); err != nil {
			log.Warn().Str("serviceId", id).Err(err).Msg("deregister failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("deregister %s: %w", id, err)
			}
			continue
		}
		log.Info().Str("serviceId", id).Msg("service deregistered")
	}
	return firstErr
}
