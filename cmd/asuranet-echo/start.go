package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/lcx/asuranet/codec"
	"github.com/lcx/asuranet/config"
	"github.com/lcx/asuranet/discovery"
	"github.com/lcx/asuranet/log"
	"github.com/lcx/asuranet/metrics"
	"github.com/lcx/asuranet/net"
)

func runStart(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cm := config.GetInstance()
	cm.SetBasePath(opts.configDir)
	cm.SetEnvironment(opts.env)
	defer func() { _ = cm.Close() }()

	if err := log.InitializeWithConfigManager(cm); err != nil {
		log.Warn().Err(err).Msg("logger config not loaded, using defaults")
	}

	echoCfg := &EchoCfg{}
	if err := cm.LoadConfig(echoCfg.GetName(), echoCfg); err != nil {
		return fmt.Errorf("load echo config: %w", err)
	}

	c, err := codec.ByName(echoCfg.Codec)
	if err != nil {
		return err
	}
	codec.SetCodec(c)

	msgMgr, err := newMessageManager()
	if err != nil {
		return err
	}
	ns, err := net.NewNetServicesWithConfigManager(msgMgr, cm)
	if err != nil {
		return err
	}
	gate := &echoGate{out: ns}

	var endpoints []discovery.Endpoint
	for _, transport := range echoCfg.Transports {
		svc, ep, err := buildService(cm, transport)
		if err != nil {
			ns.Close()
			return err
		}
		sid, err := ns.AddService(svc)
		if err != nil {
			svc.Dispose()
			ns.Close()
			return err
		}
		ns.RegisterAcceptCallback(sid, gate.onAccept)
		ns.RegisterReadCallback(sid, gate.onRead)
		ns.RegisterErrorCallback(sid, gate.onError)
		endpoints = append(endpoints, ep)
		log.Info().Str("transport", transport).Str("addr", ep.Addr).Int32("serviceId", int32(sid)).Msg("service added")
	}

	threadCfg := &net.NetThreadCfg{}
	if err := cm.LoadConfig(threadCfg.GetName(), threadCfg); err != nil {
		log.Warn().Err(err).Msg("netthread config not loaded, using defaults")
		threadCfg = nil
	}
	thread, err := net.NewNetThread(ns, threadCfg)
	if err != nil {
		ns.Close()
		return err
	}
	cm.AddChangeListener(thread)
	if err := thread.Start(ctx); err != nil {
		ns.Close()
		return err
	}
	defer thread.Stop()

	registrar, err := newRegistrar(cm)
	if err != nil {
		return err
	}
	if err := registrar.Register(ctx, endpoints...); err != nil {
		log.Error().Err(err).Msg("service registration failed")
	}

	var metricsSrv *http.Server
	if echoCfg.MetricsAddr != "" {
		metricsSrv = serveMetrics(echoCfg.MetricsAddr)
	}

	log.Info().Str("version", Version).Strs("transports", echoCfg.Transports).Msg("echo gate started")
	runMainLoop(ctx, ns, thread, time.Duration(echoCfg.MainTickMillSec)*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(echoCfg.ShutdownTimeoutMillSec)*time.Millisecond)
	defer cancel()
	if err := registrar.Deregister(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("service deregistration failed")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info().Msg("echo gate stopped")
	return nil
}

func newRegistrar(cm config.ConfigManager) (*discovery.Registrar, error) {
	cfg := &discovery.RegistrarCfg{}
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		log.Info().Err(err).Msg("discovery config not loaded, registration disabled")
		cfg = &discovery.RegistrarCfg{}
	}
	return discovery.NewRegistrar(cfg)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("addr", addr).Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

// runMainLoop is the application goroutine. It drains the hub until ctx is
// cancelled or the network goroutine exits.
func runMainLoop(ctx context.Context, ns *net.NetServices, thread *net.NetThread, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-thread.Done():
			log.Error().Msg("net thread exited")
			return
		case <-ticker.C:
			ns.UpdateInMainThread()
		}
	}
}
