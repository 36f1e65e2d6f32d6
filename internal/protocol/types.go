package protocol

import "time"

// Mode is the device's configured capture mode.
type Mode int

const (
	ModeContinuous Mode = iota
	ModeTrigger
)

func (m Mode) String() string {
	if m == ModeTrigger {
		return "trigger"
	}
	return "continuous"
}

// StreamStatus mirrors the device's reported streaming state.
type StreamStatus int

const (
	StreamStopped StreamStatus = iota
	StreamRunning
)

// CaptureState is the capture-mode state machine of spec.md §4.3.
type CaptureState int

const (
	ContinuousIdle CaptureState = iota
	ContinuousRunning
	TriggerIdle
	TriggerArmed
	TriggerStreamingBurst
)

func (s CaptureState) String() string {
	switch s {
	case ContinuousIdle:
		return "continuous_idle"
	case ContinuousRunning:
		return "continuous_running"
	case TriggerIdle:
		return "trigger_idle"
	case TriggerArmed:
		return "trigger_armed"
	case TriggerStreamingBurst:
		return "trigger_streaming_burst"
	default:
		return "unknown"
	}
}

// ChannelSpec is the device's reported per-channel capability, captured once
// from DEVICE_INFO_RESPONSE.
type ChannelSpec struct {
	ChannelID        uint8
	MaxSampleRateHz  uint32
	SupportedFormats byte // bitmask: FormatInt16 | FormatInt32 | FormatFloat32
	Name             string
}

// ChannelConfig is one entry of a configure(channels) request.
type ChannelConfig struct {
	ChannelID    uint8
	SampleRateHz uint32 // 0 disables the channel
	Format       byte
}

// TriggerEvent is the device's EVENT_TRIGGERED payload plus host receipt time.
type TriggerEvent struct {
	TimestampMs uint32
	Channel     uint16
	PreSamples  uint32
	PostSamples uint32
	ReceivedAt  time.Time
}

// DeviceState is the protocol engine's mirror of device-reported state. It
// is written only by the frame dispatcher and read via Snapshot by callers.
type DeviceState struct {
	DeviceConnected bool
	DeviceUniqueID  uint64
	Mode            Mode
	StreamStatus    StreamStatus
	Capture         CaptureState
	ChannelSpecs    []ChannelSpec
	ChannelConfigs  []ChannelConfig
}

// Snapshot is an immutable copy of DeviceState safe to hand to readers
// outside the frame dispatcher.
type Snapshot struct {
	DeviceConnected bool
	DeviceUniqueID  uint64
	Mode            Mode
	StreamStatus    StreamStatus
	Capture         CaptureState
	ChannelSpecs    []ChannelSpec
	ChannelConfigs  []ChannelConfig
}

func (s *DeviceState) snapshot() Snapshot {
	specs := make([]ChannelSpec, len(s.ChannelSpecs))
	copy(specs, s.ChannelSpecs)
	cfgs := make([]ChannelConfig, len(s.ChannelConfigs))
	copy(cfgs, s.ChannelConfigs)
	return Snapshot{
		DeviceConnected: s.DeviceConnected,
		DeviceUniqueID:  s.DeviceUniqueID,
		Mode:            s.Mode,
		StreamStatus:    s.StreamStatus,
		Capture:         s.Capture,
		ChannelSpecs:    specs,
		ChannelConfigs:  cfgs,
	}
}
