// Package orchestrator implements spec.md §4.7: link lifecycle, the
// initialization sequence, bounded exponential reconnect backoff, and the
// external command surface consumed by the REST collaborator. Adapted from
// cmd/can-server/backend_serial.go's RX-loop-with-backoff and
// cmd/can-server/main.go's wiring of hub/backend/server/metrics/mDNS.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkwave-io/daq-gateway/internal/burst"
	"github.com/arkwave-io/daq-gateway/internal/decoder"
	"github.com/arkwave-io/daq-gateway/internal/eventbus"
	"github.com/arkwave-io/daq-gateway/internal/frame"
	"github.com/arkwave-io/daq-gateway/internal/link"
	"github.com/arkwave-io/daq-gateway/internal/logging"
	"github.com/arkwave-io/daq-gateway/internal/metrics"
	"github.com/arkwave-io/daq-gateway/internal/protocol"
	"github.com/arkwave-io/daq-gateway/internal/transport"
	"github.com/cenkalti/backoff"
)

const (
	readBufSize = 4096
	txQueueSize = 64
	initRetries = 3
	initTimeout = 3 * time.Second
)

// backoffInitial/backoffMax bound the reconnect delay; vars (not consts) so
// tests can shrink them. sleepFn and linkNew are hooks for tests.
var (
	backoffInitial = 1 * time.Second
	backoffMax     = 8 * time.Second
	sleepFn        = time.Sleep
	linkNew        = link.New
)

// Status is the aggregate view returned by Status().
type Status struct {
	Device          protocol.Snapshot
	LinkUp          bool
	PacketsProcessed uint64
	UptimeSeconds   float64
	ClientCount     int
	CachedBursts    int
	LastTrigger     *protocol.TriggerEvent
}

// Orchestrator owns the link driver's lifecycle and wires the frame codec,
// protocol engine, sample decoder, trigger assembler, and event bus
// together into the four cooperative tasks of spec.md §5.
type Orchestrator struct {
	linkCfg link.Config
	bus     *eventbus.Bus

	mu           sync.Mutex
	lnk          link.Link
	tx           *transport.AsyncTx
	engine       *protocol.Engine
	dec          *decoder.Decoder
	assembler    *burst.Assembler
	channelCfg   map[uint8]decoder.ChannelScale
	lastTrigger  *protocol.TriggerEvent
	linkUp       bool

	packetsProcessed atomic.Uint64
	startedAt        time.Time

	logger *slog.Logger
}

// DecoderConfig carries the decoder knobs the bootstrap config layer
// exposes; zero values fall back to the decoder's own defaults.
type DecoderConfig struct {
	Window         int
	FullScale      float32
	ReferenceVolts float32
}

// New constructs an Orchestrator. cacheSize selects the trigger-burst cache
// capacity (use burst.DefaultCacheSize if unsure).
func New(linkCfg link.Config, bus *eventbus.Bus, cacheSize int, decCfg DecoderConfig) *Orchestrator {
	o := &Orchestrator{
		linkCfg:    linkCfg,
		bus:        bus,
		dec:        decoder.New(decCfg.Window, decCfg.FullScale, decCfg.ReferenceVolts),
		channelCfg: make(map[uint8]decoder.ChannelScale),
		logger:     logging.L(),
	}
	o.assembler = burst.New(cacheSize, func(s burst.Summary) {
		o.bus.Publish(eventbus.Event{Kind: eventbus.KindBurstComplete, BurstComplete: s})
	})
	return o
}

// Run drives the link lifecycle until ctx is cancelled: open the link, run
// the init sequence, pump the reader task, and reconnect with bounded
// exponential backoff on failure.
func (o *Orchestrator) Run(ctx context.Context) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     backoffInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         backoffMax,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	everConnected := false

	for {
		if ctx.Err() != nil {
			return
		}
		if err := o.connectOnce(ctx); err != nil {
			metrics.IncError(metrics.ErrLinkOpen)
			wait := b.NextBackOff()
			o.logger.Warn("link_connect_failed", "error", err, "retry_in", wait)
			sleepFn(wait)
			if ctx.Err() != nil {
				return
			}
			continue
		}
		b.Reset()
		if everConnected {
			metrics.IncReconnect()
		}
		everConnected = true
		// readLoop blocks until the link fails or ctx is cancelled.
		o.readLoop(ctx)
		o.teardownLink()
		if ctx.Err() != nil {
			return
		}
	}
}

func (o *Orchestrator) connectOnce(ctx context.Context) error {
	lnk, err := linkNew(o.linkCfg)
	if err != nil {
		return err
	}
	if err := lnk.Open(ctx); err != nil {
		return err
	}

	tx := transport.NewAsyncTx(ctx, txQueueSize, lnk.Write, transport.Hooks{
		OnError: func(err error) { metrics.IncError(metrics.ErrLinkWrite) },
	})

	engine := protocol.NewEngine(tx.Send, protocol.Hooks{
		OnDataPacket:     o.handleDataPacket,
		OnTriggerEvent:   o.handleTriggerEvent,
		OnBufferComplete: o.assembler.OnBufferTransferComplete,
		OnDeviceLog: func(level byte, text string) {
			o.bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceLog, LogLevel: level, LogText: text})
		},
		OnStatusChanged: func(s protocol.Snapshot) {
			o.bus.Publish(eventbus.Event{Kind: eventbus.KindStatusChanged, Status: s})
		},
	})

	o.mu.Lock()
	o.lnk = lnk
	o.tx = tx
	o.engine = engine
	o.linkUp = true
	o.startedAt = time.Now()
	o.mu.Unlock()
	metrics.SetLinkUp(true)

	if err := o.runInitSequence(ctx, engine); err != nil {
		o.teardownLink()
		return err
	}
	return nil
}

// runInitSequence implements spec.md §4.3: PING -> PONG, GET_DEVICE_INFO ->
// DEVICE_INFO_RESPONSE. On success it publishes the device snapshot as a
// KindStatusChanged event; there is no separate DeviceReady event kind.
func (o *Orchestrator) runInitSequence(ctx context.Context, engine *protocol.Engine) error {
	ictx, cancel := context.WithTimeout(ctx, initTimeout*time.Duration(initRetries+1))
	defer cancel()
	if err := engine.Ping(ictx); err != nil {
		return err
	}
	if err := engine.DeviceInfo(ictx); err != nil {
		return err
	}
	o.bus.Publish(eventbus.Event{Kind: eventbus.KindStatusChanged, Status: engine.Snapshot()})
	return nil
}

// readLoop pumps bytes from the link into the frame codec and dispatches
// decoded frames to the protocol engine, until the link errors or ctx ends.
func (o *Orchestrator) readLoop(ctx context.Context) {
	o.mu.Lock()
	lnk := o.lnk
	engine := o.engine
	o.mu.Unlock()

	parser := frame.NewParser()
	buf := make([]byte, readBufSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := lnk.Read(buf)
		if err != nil {
			if !errors.Is(err, link.ErrClosed) {
				metrics.IncError(metrics.ErrLinkRead)
			}
			return
		}
		if n == 0 {
			continue
		}
		parser.Push(buf[:n])
		parser.Drain(func(fr frame.Frame) {
			engine.HandleFrame(fr)
		})
	}
}

func (o *Orchestrator) teardownLink() {
	o.mu.Lock()
	lnk := o.lnk
	tx := o.tx
	engine := o.engine
	o.lnk = nil
	o.tx = nil
	o.linkUp = false
	o.mu.Unlock()

	metrics.SetLinkUp(false)
	if engine != nil {
		engine.MarkDisconnected()
		engine.DropPending()
	}
	if tx != nil {
		tx.Close()
	}
	if lnk != nil {
		_ = lnk.Close()
	}
}

func (o *Orchestrator) handleDataPacket(payload []byte) {
	o.mu.Lock()
	cfg := make(map[uint8]decoder.ChannelScale, len(o.channelCfg))
	for k, v := range o.channelCfg {
		cfg[k] = v
	}
	capture := o.engineCaptureStateLocked()
	o.mu.Unlock()

	batch, err := o.dec.Decode(payload, cfg)
	if err != nil {
		return
	}
	o.packetsProcessed.Add(1)

	if capture == protocol.TriggerStreamingBurst {
		sampleCount := uint16(0)
		if len(batch.Channels) > 0 {
			for _, samples := range batch.Channels {
				sampleCount = uint16(len(samples))
				break
			}
		}
		o.assembler.OnBatch(batch, sampleCount)
		return
	}
	o.bus.Publish(eventbus.Event{Kind: eventbus.KindData, Data: batch})
}

func (o *Orchestrator) engineCaptureStateLocked() protocol.CaptureState {
	if o.engine == nil {
		return protocol.ContinuousIdle
	}
	return o.engine.Snapshot().Capture
}

func (o *Orchestrator) handleTriggerEvent(ev protocol.TriggerEvent) {
	o.mu.Lock()
	o.lastTrigger = &ev
	o.mu.Unlock()
	o.assembler.OnTriggerEvent(ev)
	o.bus.Publish(eventbus.Event{Kind: eventbus.KindTriggerEvent, TriggerEvent: ev})
}

func (o *Orchestrator) engineOrErr() (*protocol.Engine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.engine == nil || !o.linkUp {
		return nil, protocol.ErrLinkDown
	}
	return o.engine, nil
}

// Start issues start() on the current engine.
func (o *Orchestrator) Start(ctx context.Context) error {
	e, err := o.engineOrErr()
	if err != nil {
		return err
	}
	return e.Start(ctx)
}

// Stop issues stop().
func (o *Orchestrator) Stop(ctx context.Context) error {
	e, err := o.engineOrErr()
	if err != nil {
		return err
	}
	return e.Stop(ctx)
}

// Ping issues ping().
func (o *Orchestrator) Ping(ctx context.Context) error {
	e, err := o.engineOrErr()
	if err != nil {
		return err
	}
	return e.Ping(ctx)
}

// DeviceInfo issues device_info().
func (o *Orchestrator) DeviceInfo(ctx context.Context) error {
	e, err := o.engineOrErr()
	if err != nil {
		return err
	}
	return e.DeviceInfo(ctx)
}

// SetModeContinuous issues set_mode_continuous().
func (o *Orchestrator) SetModeContinuous(ctx context.Context) error {
	e, err := o.engineOrErr()
	if err != nil {
		return err
	}
	return e.SetModeContinuous(ctx)
}

// SetModeTrigger issues set_mode_trigger().
func (o *Orchestrator) SetModeTrigger(ctx context.Context) error {
	e, err := o.engineOrErr()
	if err != nil {
		return err
	}
	return e.SetModeTrigger(ctx)
}

// Configure issues configure(channels) and updates the decoder's channel
// scaling table from the accepted configuration.
func (o *Orchestrator) Configure(ctx context.Context, channels []protocol.ChannelConfig) error {
	e, err := o.engineOrErr()
	if err != nil {
		return err
	}
	if err := e.Configure(ctx, channels); err != nil {
		return err
	}
	o.mu.Lock()
	for _, c := range channels {
		o.channelCfg[c.ChannelID] = decoder.ChannelScale{Format: c.Format, SampleRateHz: c.SampleRateHz}
	}
	o.mu.Unlock()
	return nil
}

// RequestTriggerData issues request_trigger_data().
func (o *Orchestrator) RequestTriggerData(ctx context.Context) error {
	e, err := o.engineOrErr()
	if err != nil {
		return err
	}
	return e.RequestTriggerData(ctx)
}

// BurstList, BurstPreview, BurstSave, and BurstDelete proxy to the trigger
// burst cache.
func (o *Orchestrator) BurstList() []burst.Summary { return o.assembler.List() }

func (o *Orchestrator) BurstPreview(id string) (*burst.Burst, error) { return o.assembler.Preview(id) }

func (o *Orchestrator) BurstSave(id string, format burst.SaveFormat) ([]byte, error) {
	return o.assembler.Save(id, format)
}

func (o *Orchestrator) BurstDelete(id string) error { return o.assembler.Delete(id) }

// Status reports the device-state mirror plus aggregate counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	linkUp := o.linkUp
	engine := o.engine
	startedAt := o.startedAt
	lastTrigger := o.lastTrigger
	o.mu.Unlock()

	var snap protocol.Snapshot
	if engine != nil {
		snap = engine.Snapshot()
	}
	var uptime float64
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt).Seconds()
	}
	return Status{
		Device:           snap,
		LinkUp:           linkUp,
		PacketsProcessed: o.packetsProcessed.Load(),
		UptimeSeconds:    uptime,
		ClientCount:      o.bus.Count(),
		CachedBursts:     len(o.assembler.List()),
		LastTrigger:      lastTrigger,
	}
}
