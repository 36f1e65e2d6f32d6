package main

import (
	"log/slog"

	"github.com/arkwave-io/daq-gateway/internal/config"
	"github.com/arkwave-io/daq-gateway/internal/eventbus"
)

func initBus(cfg *config.Config, l *slog.Logger) *eventbus.Bus {
	b := eventbus.New()
	b.OutBufSize = cfg.EventBusBuffer
	switch cfg.EventBusPolicy {
	case "drop":
		b.Policy = eventbus.PolicyDrop
	case "kick":
		b.Policy = eventbus.PolicyKick
	default:
		l.Warn("unknown_eventbus_policy", "policy", cfg.EventBusPolicy, "used", "drop")
		b.Policy = eventbus.PolicyDrop
	}
	policyStr := map[eventbus.BackpressurePolicy]string{eventbus.PolicyDrop: "drop", eventbus.PolicyKick: "kick"}[b.Policy]
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("eventbus_config", "policy", policyStr, "buffer", b.OutBufSize)
	return b
}
