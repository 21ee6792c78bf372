package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	mu           sync.Mutex
	registered   map[string]*api.AgentServiceRegistration
	deregistered []string
	failRegister atomic.Bool
}

func newFakeAgent(t *testing.T) (*fakeAgent, *httptest.Server) {
	t.Helper()
	a := &fakeAgent{registered: make(map[string]*api.AgentServiceRegistration)}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/agent/service/register", func(w http.ResponseWriter, r *http.Request) {
		if a.failRegister.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var reg api.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.registered[reg.ID] = &reg
		a.mu.Unlock()
	})
	mux.HandleFunc("/v1/agent/service/deregister/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/")
		a.mu.Lock()
		a.deregistered = append(a.deregistered, id)
		a.mu.Unlock()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return a, srv
}

func testCfg(srv *httptest.Server) *RegistrarCfg {
	return &RegistrarCfg{
		Enable:      true,
		Address:     strings.TrimPrefix(srv.URL, "http://"),
		ServiceName: "gate",
		EntityID:    "1.0.3.7",
		Tags:        []string{"echo"},
	}
}

func TestRegistrar_RegisterAndDeregister(t *testing.T) {
	agent, srv := newFakeAgent(t)
	r, err := NewRegistrar(testCfg(srv))
	require.NoError(t, err)

	err = r.Register(context.Background(),
		Endpoint{Proto: "kcp", Addr: "0.0.0.0:7001"},
		Endpoint{Proto: "tcp", Addr: "10.0.0.5:7002"},
		Endpoint{Proto: "ws", Addr: "10.0.0.5:7003", Path: "/ws"},
	)
	require.NoError(t, err)

	agent.mu.Lock()
	require.Len(t, agent.registered, 3)
	kcp := agent.registered["gate-1.0.3.7-kcp"]
	tcp := agent.registered["gate-1.0.3.7-tcp"]
	ws := agent.registered["gate-1.0.3.7-ws"]
	agent.mu.Unlock()

	require.NotNil(t, kcp)
	assert.Equal(t, "gate", kcp.Name)
	assert.Equal(t, 7001, kcp.Port)
	assert.Equal(t, []string{"kcp", "echo"}, kcp.Tags)
	assert.Equal(t, "1.0.3.7", kcp.Meta["entityId"])
	assert.Nil(t, kcp.Check)

	require.NotNil(t, tcp)
	require.NotNil(t, tcp.Check)
	assert.Equal(t, "10.0.0.5:7002", tcp.Check.TCP)
	assert.Equal(t, "10s", tcp.Check.Interval)
	assert.Equal(t, "60s", tcp.Check.DeregisterCriticalServiceAfter)

	require.NotNil(t, ws)
	assert.Equal(t, "/ws", ws.Meta["path"])

	require.NoError(t, r.Deregister(context.Background()))
	agent.mu.Lock()
	assert.ElementsMatch(t, []string{"gate-1.0.3.7-kcp", "gate-1.0.3.7-tcp", "gate-1.0.3.7-ws"}, agent.deregistered)
	agent.mu.Unlock()

	// second call has nothing left to remove
	require.NoError(t, r.Deregister(context.Background()))
	agent.mu.Lock()
	assert.Len(t, agent.deregistered, 3)
	agent.mu.Unlock()
}

func TestRegistrar_AdvertisedHost(t *testing.T) {
	agent, srv := newFakeAgent(t)
	cfg := testCfg(srv)
	cfg.Host = "gate.example.com"
	r, err := NewRegistrar(cfg)
	require.NoError(t, err)

	require.NoError(t, r.Register(context.Background(), Endpoint{Proto: "tcp", Addr: "0.0.0.0:9000"}))
	agent.mu.Lock()
	defer agent.mu.Unlock()
	reg := agent.registered["gate-1.0.3.7-tcp"]
	require.NotNil(t, reg)
	assert.Equal(t, "gate.example.com", reg.Address)
	assert.Equal(t, "gate.example.com:9000", reg.Check.TCP)
}

func TestRegistrar_RegisterFailure(t *testing.T) {
	agent, srv := newFakeAgent(t)
	agent.failRegister.Store(true)
	r, err := NewRegistrar(testCfg(srv))
	require.NoError(t, err)

	err = r.Register(context.Background(), Endpoint{Proto: "tcp", Addr: "127.0.0.1:9000"})
	assert.Error(t, err)

	require.NoError(t, r.Deregister(context.Background()))
	agent.mu.Lock()
	assert.Empty(t, agent.deregistered)
	agent.mu.Unlock()
}

func TestRegistrar_BadEndpoint(t *testing.T) {
	_, srv := newFakeAgent(t)
	r, err := NewRegistrar(testCfg(srv))
	require.NoError(t, err)
	assert.Error(t, r.Register(context.Background(), Endpoint{Proto: "tcp", Addr: "no-port"}))
}

func TestRegistrar_Disabled(t *testing.T) {
	r, err := NewRegistrar(&RegistrarCfg{})
	require.NoError(t, err)
	assert.NoError(t, r.Register(context.Background(), Endpoint{Proto: "tcp", Addr: "bad"}))
	assert.NoError(t, r.Deregister(context.Background()))
}

func TestRegistrarCfg_Validate(t *testing.T) {
	cfg := &RegistrarCfg{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8500", cfg.Address)
	assert.Equal(t, 10, cfg.CheckIntervalSec)
	assert.Equal(t, "discovery", cfg.GetName())

	assert.Error(t, (&RegistrarCfg{Enable: true, EntityID: "1.0.1.1"}).Validate())
	assert.Error(t, (&RegistrarCfg{Enable: true, ServiceName: "gate", EntityID: "x"}).Validate())
	assert.Error(t, (&RegistrarCfg{CheckTimeoutSec: -1}).Validate())
	assert.NoError(t, (&RegistrarCfg{Enable: true, ServiceName: "gate", EntityID: "1.0.1.1"}).Validate())
}
