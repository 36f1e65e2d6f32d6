package protocol

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/arkwave-io/daq-gateway/internal/frame"
	"github.com/arkwave-io/daq-gateway/internal/metrics"
)

const (
	requestTimeout = 1 * time.Second
	requestRetries = 3
)

type result struct {
	payload []byte
	err     error
}

type pendingRequest struct {
	expectCmd byte
	onSuccess func(*DeviceState, []byte)
	ch        chan result
}

// Hooks wire the engine's inbound side effects into the rest of the
// pipeline (sample decoder, trigger assembler, event bus) without the
// engine importing any of those packages directly.
type Hooks struct {
	OnDataPacket     func(payload []byte)
	OnTriggerEvent   func(TriggerEvent)
	OnBufferComplete func()
	OnDeviceLog      func(level byte, text string)
	OnStatusChanged  func(Snapshot)
}

// Engine is the protocol engine of spec.md §4.3.
type Engine struct {
	mu      sync.Mutex
	state   DeviceState
	seq     uint8
	pending map[uint8]*pendingRequest

	write func([]byte) error
	hooks Hooks
}

// NewEngine constructs an Engine. write enqueues a fully-built frame onto
// the command writer (spec.md §5's serialized send queue); it must not
// block the caller for long (the orchestrator backs it with
// internal/transport.AsyncTx).
func NewEngine(write func([]byte) error, hooks Hooks) *Engine {
	return &Engine{
		pending: make(map[uint8]*pendingRequest),
		write:   write,
		hooks:   hooks,
	}
}

// Snapshot returns a read-only copy of the device-state mirror.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.snapshot()
}

func (e *Engine) notifyStatusChanged() {
	if e.hooks.OnStatusChanged != nil {
		e.hooks.OnStatusChanged(e.state.snapshot())
	}
}

// HandleFrame dispatches one inbound frame by command ID. It is called from
// the frame-dispatcher task (spec.md §5).
func (e *Engine) HandleFrame(fr frame.Frame) {
	switch fr.CommandID {
	case CmdPong:
		e.handlePong(fr)
	case CmdStatusResponse:
		e.handleStatusResponse(fr)
	case CmdDeviceInfoResponse:
		e.handleDeviceInfoResponse(fr)
	case CmdAck:
		e.resolve(fr.Sequence, fr.Payload, nil, CmdAck)
	case CmdNack:
		e.handleNack(fr)
	case CmdDataPacket:
		if e.hooks.OnDataPacket != nil {
			e.hooks.OnDataPacket(fr.Payload)
		}
	case CmdEventTriggered:
		e.handleEventTriggered(fr)
	case CmdBufferTransferComplete:
		e.handleBufferComplete()
	case CmdLogMessage:
		if e.hooks.OnDeviceLog != nil && len(fr.Payload) >= 1 {
			e.hooks.OnDeviceLog(fr.Payload[0], string(fr.Payload[1:]))
		}
	default:
		metrics.IncError(metrics.ErrDispatch)
	}
}

func (e *Engine) handlePong(fr frame.Frame) {
	e.mu.Lock()
	e.state.DeviceConnected = true
	if len(fr.Payload) >= 8 {
		e.state.DeviceUniqueID = binary.LittleEndian.Uint64(fr.Payload[:8])
	}
	e.mu.Unlock()
	e.notifyStatusChanged()
	e.resolve(fr.Sequence, fr.Payload, nil, CmdPong)
}

// STATUS_RESPONSE payload: mode(1) | stream_status(1) | error_flags(1).
func (e *Engine) handleStatusResponse(fr frame.Frame) {
	if len(fr.Payload) >= 2 {
		e.mu.Lock()
		if fr.Payload[0] == 1 {
			e.state.Mode = ModeTrigger
		} else {
			e.state.Mode = ModeContinuous
		}
		if fr.Payload[1] == 1 {
			e.state.StreamStatus = StreamRunning
		} else {
			e.state.StreamStatus = StreamStopped
		}
		e.mu.Unlock()
		e.notifyStatusChanged()
	}
	e.resolve(fr.Sequence, fr.Payload, nil, CmdStatusResponse)
}

// DEVICE_INFO_RESPONSE payload: channel_count(1) then per channel:
// channel_id(1) | max_sample_rate_hz(4 LE) | supported_formats(1) |
// name_len(1) | name bytes.
func (e *Engine) handleDeviceInfoResponse(fr frame.Frame) {
	specs := parseChannelSpecs(fr.Payload)
	e.mu.Lock()
	e.state.ChannelSpecs = specs
	e.mu.Unlock()
	e.notifyStatusChanged()
	e.resolve(fr.Sequence, fr.Payload, nil, CmdDeviceInfoResponse)
}

func parseChannelSpecs(payload []byte) []ChannelSpec {
	if len(payload) < 1 {
		return nil
	}
	count := int(payload[0])
	specs := make([]ChannelSpec, 0, count)
	off := 1
	for i := 0; i < count; i++ {
		if off+7 > len(payload) {
			break
		}
		chID := payload[off]
		rate := binary.LittleEndian.Uint32(payload[off+1 : off+5])
		formats := payload[off+5]
		nameLen := int(payload[off+6])
		off += 7
		if off+nameLen > len(payload) {
			break
		}
		name := string(payload[off : off+nameLen])
		off += nameLen
		specs = append(specs, ChannelSpec{
			ChannelID:        chID,
			MaxSampleRateHz:  rate,
			SupportedFormats: formats,
			Name:             name,
		})
	}
	return specs
}

func (e *Engine) handleNack(fr frame.Frame) {
	var code, sub byte
	if len(fr.Payload) >= 2 {
		code, sub = fr.Payload[0], fr.Payload[1]
	}
	e.resolve(fr.Sequence, nil, &NackError{ErrorCode: code, SubError: sub}, CmdNack)
}

// EVENT_TRIGGERED payload: timestamp_ms(4 LE) | channel(2 LE) |
// pre_samples(4 LE) | post_samples(4 LE).
func (e *Engine) handleEventTriggered(fr frame.Frame) {
	if len(fr.Payload) < 14 {
		metrics.IncError(metrics.ErrDecode)
		return
	}
	ev := TriggerEvent{
		TimestampMs: binary.LittleEndian.Uint32(fr.Payload[0:4]),
		Channel:     binary.LittleEndian.Uint16(fr.Payload[4:6]),
		PreSamples:  binary.LittleEndian.Uint32(fr.Payload[6:10]),
		PostSamples: binary.LittleEndian.Uint32(fr.Payload[10:14]),
		ReceivedAt:  time.Now(),
	}
	e.mu.Lock()
	if e.state.Capture == TriggerArmed {
		e.state.Capture = TriggerStreamingBurst
	}
	e.mu.Unlock()
	e.notifyStatusChanged()
	if e.hooks.OnTriggerEvent != nil {
		e.hooks.OnTriggerEvent(ev)
	}
}

func (e *Engine) handleBufferComplete() {
	e.mu.Lock()
	if e.state.Capture == TriggerStreamingBurst {
		// Back to armed: ready to latch the next EVENT_TRIGGERED without a
		// fresh START_STREAM/ACK, and request_trigger_data() stays valid
		// against the just-completed event.
		e.state.Capture = TriggerArmed
	}
	e.mu.Unlock()
	e.notifyStatusChanged()
	if e.hooks.OnBufferComplete != nil {
		e.hooks.OnBufferComplete()
	}
}

func (e *Engine) resolve(seq uint8, payload []byte, err error, actualCmd byte) {
	e.mu.Lock()
	req, ok := e.pending[seq]
	if !ok {
		e.mu.Unlock()
		return
	}
	if actualCmd != CmdAck && actualCmd != CmdNack && actualCmd != req.expectCmd {
		e.mu.Unlock()
		return
	}
	delete(e.pending, seq)
	if err == nil && req.onSuccess != nil {
		req.onSuccess(&e.state, payload)
	}
	e.mu.Unlock()
	req.ch <- result{payload: payload, err: err}
}

// sendRequest builds and sends a frame for cmdID, retrying up to
// requestRetries times on a requestTimeout window, and returns the
// resolving payload or ErrDeviceTimeout/NackError/ctx.Err().
func (e *Engine) sendRequest(ctx context.Context, cmdID byte, payload []byte, expectCmd byte, onSuccess func(*DeviceState, []byte)) ([]byte, error) {
	e.mu.Lock()
	seq := e.seq
	e.seq++
	req := &pendingRequest{expectCmd: expectCmd, onSuccess: onSuccess, ch: make(chan result, 1)}
	e.pending[seq] = req
	e.mu.Unlock()

	fbytes, err := frame.BuildAlloc(cmdID, seq, payload)
	if err != nil {
		e.mu.Lock()
		delete(e.pending, seq)
		e.mu.Unlock()
		return nil, err
	}

	defer func() {
		e.mu.Lock()
		delete(e.pending, seq)
		e.mu.Unlock()
	}()

	for attempt := 0; attempt <= requestRetries; attempt++ {
		if attempt > 0 {
			metrics.IncCommandRetry()
		}
		if err := e.write(fbytes); err != nil {
			return nil, ErrLinkDown
		}
		metrics.IncCommandSent()

		select {
		case res := <-req.ch:
			if res.err != nil {
				return res.payload, res.err
			}
			return res.payload, nil
		case <-time.After(requestTimeout):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	metrics.IncCommandTimeout()
	return nil, ErrDeviceTimeout
}

// Ping issues PING and waits for PONG.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.sendRequest(ctx, CmdPing, nil, CmdPong, nil)
	return err
}

// DeviceInfo issues GET_DEVICE_INFO and waits for DEVICE_INFO_RESPONSE.
func (e *Engine) DeviceInfo(ctx context.Context) error {
	_, err := e.sendRequest(ctx, CmdGetDeviceInfo, nil, CmdDeviceInfoResponse, nil)
	return err
}

// Status issues GET_STATUS and waits for STATUS_RESPONSE.
func (e *Engine) Status(ctx context.Context) error {
	_, err := e.sendRequest(ctx, CmdGetStatus, nil, CmdStatusResponse, nil)
	return err
}

// Start issues START_STREAM in the current mode.
func (e *Engine) Start(ctx context.Context) error {
	_, err := e.sendRequest(ctx, CmdStartStream, nil, 0, func(s *DeviceState, _ []byte) {
		s.StreamStatus = StreamRunning
		if s.Mode == ModeContinuous {
			s.Capture = ContinuousRunning
		} else {
			s.Capture = TriggerArmed
		}
	})
	return err
}

// Stop issues STOP_STREAM.
func (e *Engine) Stop(ctx context.Context) error {
	_, err := e.sendRequest(ctx, CmdStopStream, nil, 0, func(s *DeviceState, _ []byte) {
		s.StreamStatus = StreamStopped
		if s.Mode == ModeContinuous {
			s.Capture = ContinuousIdle
		} else {
			s.Capture = TriggerIdle
		}
	})
	return err
}

// SetModeContinuous issues SET_MODE_CONTINUOUS; any armed/burst state is
// cleared.
func (e *Engine) SetModeContinuous(ctx context.Context) error {
	_, err := e.sendRequest(ctx, CmdSetModeContinuous, nil, 0, func(s *DeviceState, _ []byte) {
		s.Mode = ModeContinuous
		s.Capture = ContinuousIdle
	})
	return err
}

// SetModeTrigger issues SET_MODE_TRIGGER; any armed/burst state is cleared.
func (e *Engine) SetModeTrigger(ctx context.Context) error {
	_, err := e.sendRequest(ctx, CmdSetModeTrigger, nil, 0, func(s *DeviceState, _ []byte) {
		s.Mode = ModeTrigger
		s.Capture = TriggerIdle
	})
	return err
}

// Configure issues CONFIGURE_STREAM with the given channel configs.
// Wire payload: count(1) then per entry channel_id(1) | sample_rate_hz(4 LE)
// | format(1).
func (e *Engine) Configure(ctx context.Context, channels []ChannelConfig) error {
	payload := make([]byte, 1+6*len(channels))
	payload[0] = byte(len(channels))
	off := 1
	for _, c := range channels {
		payload[off] = c.ChannelID
		binary.LittleEndian.PutUint32(payload[off+1:off+5], c.SampleRateHz)
		payload[off+5] = c.Format
		off += 6
	}
	_, err := e.sendRequest(ctx, CmdConfigureStream, payload, 0, func(s *DeviceState, _ []byte) {
		merged := make([]ChannelConfig, len(s.ChannelConfigs))
		copy(merged, s.ChannelConfigs)
		for _, c := range channels {
			found := false
			for i := range merged {
				if merged[i].ChannelID == c.ChannelID {
					merged[i] = c
					found = true
					break
				}
			}
			if !found {
				merged = append(merged, c)
			}
		}
		s.ChannelConfigs = merged
	})
	return err
}

// RequestTriggerData issues REQUEST_BUFFERED_DATA. Only permitted in
// TriggerArmed; otherwise returns ErrNotTriggered without sending. Whether an
// EVENT_TRIGGERED has been received since arming is not checked.
func (e *Engine) RequestTriggerData(ctx context.Context) error {
	e.mu.Lock()
	state := e.state.Capture
	e.mu.Unlock()
	if state != TriggerArmed {
		return ErrNotTriggered
	}
	_, err := e.sendRequest(ctx, CmdRequestBufferedData, nil, 0, nil)
	return err
}

// DropPending resolves every outstanding request with ErrLinkDown (spec.md
// §4.3's "Link-level errors drop all pending requests with LinkDown").
func (e *Engine) DropPending() {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[uint8]*pendingRequest)
	e.mu.Unlock()
	for _, req := range pending {
		req.ch <- result{err: ErrLinkDown}
	}
}

// MarkDisconnected clears the connected flag (called by the orchestrator on
// link loss) and broadcasts the state change.
func (e *Engine) MarkDisconnected() {
	e.mu.Lock()
	e.state.DeviceConnected = false
	e.mu.Unlock()
	e.notifyStatusChanged()
}
