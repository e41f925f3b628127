package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-proxy/internal/admin"
	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/policy"
	"github.com/iTrooz/offline-proxy/internal/proxy"
)

func main() {
	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.Log.Apply(); err != nil {
		logrus.Fatalf("Invalid log configuration: %v", err)
	}

	ctx := context.Background()

	storage, err := cache.New(ctx, cfg.StorageConfig())
	if err != nil {
		logrus.Fatalf("Failed to open %s cache storage: %v", cfg.Cache.Backend, err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logrus.Errorf("Failed to close cache storage: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := policy.NewMetrics(reg)

	server, err := proxy.New(cfg, storage, metrics)
	if err != nil {
		logrus.Fatalf("Failed to create proxy server: %v", err)
	}

	if _, _, err := server.Deploy(ctx, cfg.Cache.Version); err != nil {
		logrus.Fatalf("Failed to deploy cache version %s: %v", cfg.Cache.Version, err)
	}

	adminServer := admin.New(server, reg)
	go func() {
		if err := adminServer.Start(fmt.Sprintf(":%d", cfg.Server.AdminPort)); err != nil {
			logrus.Errorf("Admin API failed: %v", err)
		}
	}()

	// Handle graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		logrus.Info("Shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(ctx); err != nil {
			logrus.Errorf("Admin API shutdown error: %v", err)
		}
		if err := server.Shutdown(ctx); err != nil {
			logrus.Errorf("Proxy shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
	<-stopped
	logrus.Info("Proxy stopped")
}
