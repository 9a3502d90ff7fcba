// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	corebroker "github.com/absmach/devlink/broker"
	"github.com/absmach/devlink/broker/middleware"
	"github.com/absmach/devlink/config"
	"github.com/absmach/devlink/registry"
	badgerstore "github.com/absmach/devlink/registry/badger"
	etcdstore "github.com/absmach/devlink/registry/etcd"
	memorystore "github.com/absmach/devlink/registry/memory"
	"github.com/absmach/devlink/server/api"
	"github.com/absmach/devlink/server/health"
	"github.com/absmach/devlink/telemetry"
	"github.com/absmach/devlink/transport"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting devlink node",
		"node_id", cfg.Node.ID,
		"storage", cfg.Storage.Type,
		"directory", cfg.Directory.Type,
		"transport", cfg.Transport.Type,
		"log_level", cfg.Log.Level)

	shutdownTelemetry, err := telemetry.InitProvider(cfg.Telemetry, cfg.Node.ID)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	// The directory backs routing lookups. When etcd is configured it is
	// shared by all nodes and takes precedence over local storage.
	var store registry.ConfigStore
	switch {
	case cfg.Directory.Type == "etcd":
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Directory.Endpoints,
			DialTimeout: cfg.Directory.DialTimeout,
		})
		if err != nil {
			slog.Error("Failed to connect to etcd directory", "error", err)
			os.Exit(1)
		}
		store, err = etcdstore.New(client)
		if err != nil {
			slog.Error("Failed to initialize etcd directory", "error", err)
			os.Exit(1)
		}
		slog.Info("Using etcd device directory", "endpoints", cfg.Directory.Endpoints)
	case cfg.Storage.Type == "badger":
		store, err = badgerstore.New(badgerstore.Config{Dir: cfg.Storage.BadgerDir})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		slog.Info("Using BadgerDB device storage", "dir", cfg.Storage.BadgerDir)
	default:
		store = memorystore.New()
		slog.Info("Using in-memory device storage")
	}
	defer store.Close()

	// Devices with a recorded connection server count as online; senders
	// re-check here when a dispatch reaches zero connections.
	checker := registry.StateCheckerFunc(func(ctx context.Context, deviceID string) (registry.State, error) {
		serverID, ok, err := store.Get(ctx, deviceID, registry.KeyConnectionServerID)
		if err != nil {
			return registry.StateUnknown, err
		}
		if !ok || serverID == "" {
			return registry.StateOffline, nil
		}
		return registry.StateOnline, nil
	})
	reg := registry.New(store, checker)

	var opBroker corebroker.OperationBroker
	var waiters health.WaiterCounter
	switch cfg.Transport.Type {
	case "mqtt":
		bridge, err := transport.NewMQTT(transport.MQTTConfig{
			BrokerURL:  cfg.Transport.BrokerURL,
			ServerID:   cfg.Node.ID,
			ClientID:   cfg.Transport.ClientID,
			QoS:        cfg.Transport.QoS,
			AckTimeout: cfg.Transport.AckTimeout,
			MaxWaiters: cfg.Transport.MaxWaiters,
		}, logger)
		if err != nil {
			slog.Error("Failed to start MQTT bridge", "error", err)
			os.Exit(1)
		}
		defer bridge.Close()
		opBroker, waiters = bridge, bridge
		slog.Info("Using MQTT inter-node bridge", "broker_url", cfg.Transport.BrokerURL)
	default:
		standalone := transport.NewStandalone(
			transport.WithStandaloneLogger(logger),
			transport.WithMaxWaiters(cfg.Transport.MaxWaiters),
		)
		opBroker, waiters = standalone, standalone
		slog.Info("Using standalone in-process transport")
	}

	interceptors := []corebroker.Interceptor{middleware.NewLogging(logger)}
	if cfg.Telemetry.MetricsEnabled {
		metrics, err := middleware.NewMetrics()
		if err != nil {
			slog.Error("Failed to initialize metrics interceptor", "error", err)
			os.Exit(1)
		}
		interceptors = append(interceptors, metrics)
	}
	if cfg.RateLimit.Enabled {
		interceptors = append(interceptors,
			middleware.NewRateLimit(cfg.RateLimit.Rate, cfg.RateLimit.Burst, time.Minute))
		slog.Info("Per-device rate limiting enabled",
			"rate", cfg.RateLimit.Rate, "burst", cfg.RateLimit.Burst)
	}

	hub := corebroker.NewHub(reg, opBroker,
		corebroker.WithDefaultTimeout(cfg.Node.DefaultTimeout),
		corebroker.WithMaxForwardDepth(cfg.Node.MaxForwardDepth),
		corebroker.WithGlobalInterceptor(corebroker.Chain(interceptors...)),
		corebroker.WithLogger(logger),
	)
	runCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	if cfg.Node.APIEnabled {
		apiSrv := api.New(api.Config{
			Address:         cfg.Node.APIAddr,
			ShutdownTimeout: cfg.Node.ShutdownTimeout,
		}, hub, reg, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiSrv.Listen(runCtx); err != nil {
				slog.Error("API server failed", "error", err)
			}
		}()
	}

	if cfg.Node.HealthEnabled {
		healthSrv := health.New(health.Config{
			Address:         cfg.Node.HealthAddr,
			ShutdownTimeout: cfg.Node.ShutdownTimeout,
		}, cfg.Node.ID, waiters, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthSrv.Listen(runCtx); err != nil {
				slog.Error("Health check server failed", "error", err)
			}
		}()
	}

	slog.Info("devlink node ready", "node_id", cfg.Node.ID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())

	stop()
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Node.ShutdownTimeout)
	defer cancel()
	if err := shutdownTelemetry(ctx); err != nil {
		slog.Warn("Telemetry shutdown reported errors", "error", err)
	}
	slog.Info("Shutdown complete")
}
