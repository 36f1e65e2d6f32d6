// Package metrics exposes Prometheus counters/gauges for the acquisition
// gateway: framing health, protocol-engine round trips, link state, burst
// cache occupancy and event-bus fan-out, plus a local mirror of the same
// counters for cheap periodic logging without scraping Prometheus in-process.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/arkwave-io/daq-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_decoded_total",
		Help: "Total V6 frames successfully decoded from the link.",
	})
	FrameCRCErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frame_crc_errors_total",
		Help: "Total frames rejected due to CRC mismatch.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total frame heads rejected during framing re-sync for an out-of-range length.",
	})
	MalformedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_packets_total",
		Help: "Total data packets dropped due to header/size mismatch.",
	})
	CommandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commands_sent_total",
		Help: "Total outbound command frames sent (including retries).",
	})
	CommandRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "command_retries_total",
		Help: "Total outbound command retransmissions.",
	})
	CommandTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "command_timeouts_total",
		Help: "Total outbound commands that exhausted retries without a response.",
	})
	CommandNacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "command_nacks_total",
		Help: "Total NACK responses by error code.",
	}, []string{"error_code"})
	LinkReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_reconnects_total",
		Help: "Total link reopen attempts after a failure.",
	})
	LinkUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "link_up",
		Help: "1 if the device link is currently open, 0 otherwise.",
	})
	BurstsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bursts_completed_total",
		Help: "Total trigger bursts finalized into the cache.",
	})
	BurstsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bursts_evicted_total",
		Help: "Total bursts evicted from the cache due to capacity.",
	})
	BurstsCached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bursts_cached",
		Help: "Current number of bursts held in the cache.",
	})
	EventBusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventbus_subscribers",
		Help: "Current number of active event bus subscribers.",
	})
	EventBusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_dropped_total",
		Help: "Total events dropped due to a slow subscriber (drop policy).",
	})
	EventBusKicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_kicked_total",
		Help: "Total subscribers disconnected due to backpressure (kick policy).",
	})
	EventBusQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventbus_queue_depth_max",
		Help: "Observed max queued events among subscribers in the last broadcast.",
	})
	EventBusQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventbus_queue_depth_avg",
		Help: "Approximate average queued events per subscriber in the last broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrLinkOpen   = "link_open"
	ErrLinkRead   = "link_read"
	ErrLinkWrite  = "link_write"
	ErrDispatch   = "dispatch"
	ErrDecode     = "decode"
	ErrBurstWrite = "burst_write"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap periodic logging without hitting the
// Prometheus registry.
var (
	localFramesDecoded   uint64
	localCRCErrors       uint64
	localMalformedFrames uint64
	localMalformedPkts   uint64
	localCommandRetries  uint64
	localCommandTimeouts uint64
	localReconnects      uint64
	localBurstsCompleted uint64
	localBurstsEvicted   uint64
	localEventBusDropped uint64
	localEventBusKicked  uint64
	localErrors          uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesDecoded   uint64
	CRCErrors       uint64
	MalformedFrames uint64
	MalformedPkts   uint64
	CommandRetries  uint64
	CommandTimeouts uint64
	Reconnects      uint64
	BurstsCompleted uint64
	BurstsEvicted   uint64
	EventBusDropped uint64
	EventBusKicked  uint64
	Errors          uint64
}

// Snap returns a point-in-time copy of the local mirrored counters.
func Snap() Snapshot {
	return Snapshot{
		FramesDecoded:   atomic.LoadUint64(&localFramesDecoded),
		CRCErrors:       atomic.LoadUint64(&localCRCErrors),
		MalformedFrames: atomic.LoadUint64(&localMalformedFrames),
		MalformedPkts:   atomic.LoadUint64(&localMalformedPkts),
		CommandRetries:  atomic.LoadUint64(&localCommandRetries),
		CommandTimeouts: atomic.LoadUint64(&localCommandTimeouts),
		Reconnects:      atomic.LoadUint64(&localReconnects),
		BurstsCompleted: atomic.LoadUint64(&localBurstsCompleted),
		BurstsEvicted:   atomic.LoadUint64(&localBurstsEvicted),
		EventBusDropped: atomic.LoadUint64(&localEventBusDropped),
		EventBusKicked:  atomic.LoadUint64(&localEventBusKicked),
		Errors:          atomic.LoadUint64(&localErrors),
	}
}

func IncFrameDecoded() {
	FramesDecoded.Inc()
	atomic.AddUint64(&localFramesDecoded, 1)
}

func IncCRCError() {
	FrameCRCErrors.Inc()
	atomic.AddUint64(&localCRCErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformedFrames, 1)
}

func IncMalformedPacket() {
	MalformedPackets.Inc()
	atomic.AddUint64(&localMalformedPkts, 1)
}

func IncCommandSent() { CommandsSent.Inc() }

func IncCommandRetry() {
	CommandRetries.Inc()
	atomic.AddUint64(&localCommandRetries, 1)
}

func IncCommandTimeout() {
	CommandTimeouts.Inc()
	atomic.AddUint64(&localCommandTimeouts, 1)
}

func IncCommandNack(errorCode string) { CommandNacks.WithLabelValues(errorCode).Inc() }

func IncReconnect() {
	LinkReconnects.Inc()
	atomic.AddUint64(&localReconnects, 1)
}

func SetLinkUp(up bool) {
	if up {
		LinkUp.Set(1)
		return
	}
	LinkUp.Set(0)
}

func IncBurstCompleted() {
	BurstsCompleted.Inc()
	atomic.AddUint64(&localBurstsCompleted, 1)
}

func IncBurstEvicted() {
	BurstsEvicted.Inc()
	atomic.AddUint64(&localBurstsEvicted, 1)
}

func SetBurstsCached(n int) { BurstsCached.Set(float64(n)) }

func SetEventBusSubscribers(n int) { EventBusSubscribers.Set(float64(n)) }

func IncEventBusDropped() {
	EventBusDropped.Inc()
	atomic.AddUint64(&localEventBusDropped, 1)
}

func IncEventBusKicked() {
	EventBusKicked.Inc()
	atomic.AddUint64(&localEventBusKicked, 1)
}

func SetEventBusQueueDepth(max, avg int) {
	EventBusQueueDepthMax.Set(float64(max))
	EventBusQueueDepthAvg.Set(float64(avg))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrLinkOpen, ErrLinkRead, ErrLinkWrite, ErrDispatch, ErrDecode, ErrBurstWrite} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
