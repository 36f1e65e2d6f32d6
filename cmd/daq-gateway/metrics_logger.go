package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arkwave-io/daq-gateway/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_decoded", snap.FramesDecoded,
					"crc_errors", snap.CRCErrors,
					"malformed_frames", snap.MalformedFrames,
					"malformed_packets", snap.MalformedPkts,
					"command_retries", snap.CommandRetries,
					"command_timeouts", snap.CommandTimeouts,
					"reconnects", snap.Reconnects,
					"bursts_completed", snap.BurstsCompleted,
					"bursts_evicted", snap.BurstsEvicted,
					"eventbus_dropped", snap.EventBusDropped,
					"eventbus_kicked", snap.EventBusKicked,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
