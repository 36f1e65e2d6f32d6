package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/arkwave-io/daq-gateway/internal/burst"
	"github.com/arkwave-io/daq-gateway/internal/config"
	"github.com/arkwave-io/daq-gateway/internal/link"
	"github.com/arkwave-io/daq-gateway/internal/metrics"
	"github.com/arkwave-io/daq-gateway/internal/orchestrator"
)

// Helper implementations moved to dedicated files: version.go, logger.go,
// bus_init.go, metrics_logger.go, mdns.go. internal/config owns flag/env
// parsing; this file only wires the parsed config into the orchestrator.

func main() {
	cfg, showVersion := config.ParseFlags()
	if showVersion {
		fmt.Printf("daq-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	bus := initBus(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.LogMetricsEvery, l, &wg)

	linkCfg, err := linkConfigFromFlags(cfg)
	if err != nil {
		l.Error("link_config_error", "error", err)
		return
	}

	cacheSize := cfg.BurstCacheSize
	if cacheSize <= 0 {
		cacheSize = burst.DefaultCacheSize
	}
	decCfg := orchestrator.DecoderConfig{
		Window:         cfg.DecoderWindow,
		FullScale:      float32(cfg.DecoderFullScale),
		ReferenceVolts: float32(cfg.DecoderReferenceVolts),
	}
	orch := orchestrator.New(linkCfg, bus, cacheSize, decCfg)

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()

	metrics.SetReadinessFunc(func() bool {
		if ctx.Err() != nil {
			return false
		}
		return orch.Status().LinkUp
	})

	metricsPort := 0
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		metricsPort = portOf(cfg.MetricsAddr)
	}

	if cfg.MDNSEnable {
		cleanupMDNS, err := startMDNS(ctx, cfg, metricsPort)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.MDNSName, "port", metricsPort)
			defer cleanupMDNS()
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	wg.Wait()
}

// linkConfigFromFlags translates the parsed bootstrap config into the
// transport-agnostic link.Config selected at runtime.
func linkConfigFromFlags(cfg *config.Config) (link.Config, error) {
	switch cfg.Transport {
	case "serial":
		return link.Config{Serial: &link.SerialConfig{Port: cfg.SerialDevice, Baud: cfg.Baud}}, nil
	case "tcp":
		return link.Config{TCP: &link.TCPConfig{Host: cfg.TCPHost, Port: cfg.TCPPort}}, nil
	default:
		return link.Config{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// portOf extracts the numeric port from a "host:port" or ":port" address,
// returning 0 if it cannot be parsed.
func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
