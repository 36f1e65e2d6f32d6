package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/arkwave-io/daq-gateway/internal/config"
	"github.com/grandcat/zeroconf"
)

// mdnsServiceType is the advertised service type; domain is always "local.".
const mdnsServiceType = "_daq-gateway._tcp"

// startMDNS registers the gateway via mDNS and returns a cleanup function.
// It is a no-op if mDNS is disabled.
func startMDNS(ctx context.Context, cfg *config.Config, port int) (func(), error) {
	if !cfg.MDNSEnable {
		return func() {}, nil
	}
	instance := cfg.MDNSName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("daq-gateway-%s", host)
	}
	meta := []string{
		"transport=" + cfg.Transport,
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
