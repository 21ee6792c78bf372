package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServerCfg struct {
	Name     string `mapstructure:"name"`
	Port     int    `mapstructure:"port"`
	MaxConns int    `mapstructure:"maxConns"`
}

func (c *testServerCfg) GetName() string { return "server" }

func (c *testServerCfg) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

type recordingListener struct {
	mu      sync.Mutex
	count   int32
	lastNew Config
	lastOld Config
}

func (l *recordingListener) OnConfigChanged(configName string, newConfig, oldConfig Config) error {
	atomic.AddInt32(&l.count, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastNew = newConfig
	l.lastOld = oldConfig
	return nil
}

func writeYaml(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newTestManager(t *testing.T) (ConfigManager, string) {
	t.Helper()
	dir := t.TempDir()
	cm := NewConfigManager()
	cm.SetBasePath(dir)
	cm.SetEnvironment("test")
	t.Cleanup(func() { _ = cm.Close() })
	return cm, dir
}

func TestLoadConfig(t *testing.T) {
	cm, dir := newTestManager(t)
	writeYaml(t, dir, "server", "name: gate\nport: 8080\nmaxConns: 10\n")

	cfg := &testServerCfg{}
	require.NoError(t, cm.LoadConfig("server", cfg))
	assert.Equal(t, "gate", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10, cfg.MaxConns)

	got, err := cm.GetConfig("server")
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestLoadConfig_EnvironmentDirectory(t *testing.T) {
	cm, dir := newTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "test"), 0o755))
	writeYaml(t, filepath.Join(dir, "test"), "server", "name: env\nport: 9001\n")

	cfg := &testServerCfg{}
	require.NoError(t, cm.LoadConfig("server", cfg))
	assert.Equal(t, "env", cfg.Name)
}

func TestLoadConfig_Errors(t *testing.T) {
	cm, dir := newTestManager(t)

	err := cm.LoadConfig("missing", &testServerCfg{})
	assert.Error(t, err)

	writeYaml(t, dir, "server", "name: bad\nport: 0\n")
	err = cm.LoadConfig("server", &testServerCfg{})
	assert.ErrorContains(t, err, "port must be between")

	_, err = cm.GetConfig("server")
	assert.Error(t, err)
}

func TestLoadConfig_Validator(t *testing.T) {
	cm, dir := newTestManager(t)
	writeYaml(t, dir, "server", "name: gate\nport: 8080\n")

	cm.RegisterValidator("server", func(c Config) error {
		if c.(*testServerCfg).MaxConns == 0 {
			return errors.New("maxConns required")
		}
		return nil
	})
	err := cm.LoadConfig("server", &testServerCfg{})
	assert.ErrorContains(t, err, "maxConns required")
}

func TestReload_NotifiesListenersAndHooks(t *testing.T) {
	cm, dir := newTestManager(t)
	path := writeYaml(t, dir, "server", "name: gate\nport: 8080\n")

	listener := &recordingListener{}
	cm.AddChangeListener(listener)

	var hookCalls int32
	cm.RegisterHook("server", func(oldVal, newVal Config) error {
		atomic.AddInt32(&hookCalls, 1)
		return nil
	})

	require.NoError(t, cm.LoadConfig("server", &testServerCfg{}))
	require.NoError(t, os.WriteFile(path, []byte("name: gate\nport: 8081\n"), 0o644))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&listener.count) > 0
	}, 3*time.Second, 20*time.Millisecond)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Equal(t, 8081, listener.lastNew.(*testServerCfg).Port)
	assert.Equal(t, 8080, listener.lastOld.(*testServerCfg).Port)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&hookCalls), int32(1))

	got, err := cm.GetConfig("server")
	require.NoError(t, err)
	assert.Equal(t, 8081, got.(*testServerCfg).Port)
}

func TestReload_InvalidKeepsOldConfig(t *testing.T) {
	cm, dir := newTestManager(t)
	path := writeYaml(t, dir, "server", "name: gate\nport: 8080\n")

	require.NoError(t, cm.LoadConfig("server", &testServerCfg{}))
	cm.(*configManager).reloadConfig("unknown")

	require.NoError(t, os.WriteFile(path, []byte("name: gate\nport: -1\n"), 0o644))
	cm.(*configManager).reloadConfig("server")

	got, err := cm.GetConfig("server")
	require.NoError(t, err)
	assert.Equal(t, 8080, got.(*testServerCfg).Port)
}

func TestRemoveChangeListener(t *testing.T) {
	cm, dir := newTestManager(t)
	path := writeYaml(t, dir, "server", "name: gate\nport: 8080\n")
	require.NoError(t, cm.LoadConfig("server", &testServerCfg{}))

	listener := &recordingListener{}
	cm.AddChangeListener(listener)
	cm.RemoveChangeListener(listener)

	require.NoError(t, os.WriteFile(path, []byte("name: gate\nport: 8082\n"), 0o644))
	cm.(*configManager).reloadConfig("server")
	assert.Equal(t, int32(0), atomic.LoadInt32(&listener.count))
}

func TestSingletonInstance(t *testing.T) {
	ResetInstance()
	t.Cleanup(ResetInstance)

	first := GetInstance()
	require.NotNil(t, first)

	var wg sync.WaitGroup
	instances := make([]ConfigManager, 32)
	for i := range instances {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			instances[i] = GetInstance()
		}(i)
	}
	wg.Wait()
	for _, inst := range instances {
		assert.Same(t, first.(*configManager), inst.(*configManager))
	}

	replacement := NewConfigManager()
	SetInstanceForTesting(replacement)
	assert.Same(t, replacement.(*configManager), GetInstance().(*configManager))

	ResetInstance()
	assert.NotSame(t, replacement.(*configManager), GetInstance().(*configManager))
}
