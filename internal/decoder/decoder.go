// Package decoder implements the sample decoder of spec.md §4.4: planar
// multi-channel DATA_PACKET demux, raw-to-engineering-unit conversion, a
// centered moving-average filter, and per-channel statistics via
// gonum.org/v1/gonum/stat (the same dependency rjboer-GoSDR's internal/dsp
// package pulls in for signal statistics).
package decoder

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/arkwave-io/daq-gateway/internal/metrics"
	"github.com/arkwave-io/daq-gateway/internal/protocol"
	"gonum.org/v1/gonum/stat"
)

// ErrMalformedPacket is returned when a DATA_PACKET's declared size does not
// match its payload length.
var ErrMalformedPacket = fmt.Errorf("decoder: malformed data packet")

const (
	filterWindow = 5
	// defaultFullScale12Bit is spec.md §4.4's "default 12-bit full scale"
	// fallback, used when a channel's configuration omits an explicit
	// FullScale (formats carrying a wider native range, e.g. 16-bit ADCs,
	// are expected to set FullScale explicitly).
	defaultFullScale12Bit = 4096.0
	defaultReferenceVolts = 3.3
	qualityVarianceFloor  = 1e-6
)

// Quality is the decoder's verdict for one processed batch.
type Quality int

const (
	QualityGood Quality = iota
	QualityWarning
	QualityError
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityWarning:
		return "warning"
	case QualityError:
		return "error"
	default:
		return "unknown"
	}
}

// ChannelStats holds the per-channel summary the decoder computes for every
// processed batch.
type ChannelStats struct {
	ChannelID uint8
	Min       float32
	Max       float32
	Mean      float32
	RMS       float32
}

// ProcessedBatch is the decoder's output, emitted on the event bus or
// forwarded to the trigger burst assembler.
type ProcessedBatch struct {
	TimestampMs     uint32
	ChannelMask     uint16
	Channels        map[uint8][]float32 // engineering units, after filtering
	Stats           []ChannelStats
	Quality         Quality
	PacketCount     uint64
	ProcessingMicros int64
	// DurationMs is the batch's sample span (sample_count * 1000 /
	// sample_rate_hz), derived from the first configured channel carrying a
	// nonzero SampleRateHz. 0 if no configured channel reports a rate.
	DurationMs int64
}

// ChannelScale configures the raw-to-volts conversion for one channel.
type ChannelScale struct {
	Format         byte
	FullScale      float32
	ReferenceVolts float32
	// SampleRateHz is the channel's configured sample rate (spec.md §3's
	// configure() sample_rate_hz), used to derive ProcessedBatch.DurationMs.
	SampleRateHz uint32
}

// Decoder converts DATA_PACKET payloads into ProcessedBatch values using the
// channel configuration reported by the protocol engine.
type Decoder struct {
	packetCount uint64

	window                int
	defaultFullScale      float32
	defaultReferenceVolts float32
}

// New returns a ready-to-use Decoder. window selects the centered
// moving-average window (<=0 uses filterWindow); defaultFullScale and
// defaultReferenceVolts back-fill a channel's ChannelScale when it omits
// those fields (<=0 uses the package defaults).
func New(window int, fullScale, referenceVolts float32) *Decoder {
	if window <= 0 {
		window = filterWindow
	}
	if fullScale <= 0 {
		fullScale = defaultFullScale12Bit
	}
	if referenceVolts <= 0 {
		referenceVolts = defaultReferenceVolts
	}
	return &Decoder{window: window, defaultFullScale: fullScale, defaultReferenceVolts: referenceVolts}
}

// Decode implements spec.md §4.4 steps 1-7. configs supplies each
// configured channel's wire format; channels absent from configs but set in
// the packet's channel_mask are treated as a malformed packet.
func (d *Decoder) Decode(payload []byte, configs map[uint8]ChannelScale) (ProcessedBatch, error) {
	start := time.Now()

	if len(payload) < 8 {
		metrics.IncMalformedPacket()
		return ProcessedBatch{}, ErrMalformedPacket
	}
	timestampMs := binary.LittleEndian.Uint32(payload[0:4])
	channelMask := binary.LittleEndian.Uint16(payload[4:6])
	sampleCount := binary.LittleEndian.Uint16(payload[6:8])

	channelIDs := setBitsLSBFirst(channelMask)

	expected := 0
	for _, ch := range channelIDs {
		scale, ok := configs[ch]
		if !ok {
			metrics.IncMalformedPacket()
			return ProcessedBatch{}, ErrMalformedPacket
		}
		bps := protocol.BytesPerSample(scale.Format)
		if bps == 0 {
			metrics.IncMalformedPacket()
			return ProcessedBatch{}, ErrMalformedPacket
		}
		expected += int(sampleCount) * bps
	}
	if len(payload)-8 != expected {
		metrics.IncMalformedPacket()
		return ProcessedBatch{}, ErrMalformedPacket
	}

	channels := make(map[uint8][]float32, len(channelIDs))
	statsList := make([]ChannelStats, 0, len(channelIDs))
	overallQuality := QualityGood
	var sampleRateHz uint32
	for _, ch := range channelIDs {
		if rate := configs[ch].SampleRateHz; rate > 0 {
			sampleRateHz = rate
			break
		}
	}

	off := 8
	for _, ch := range channelIDs {
		scale := configs[ch]
		bps := protocol.BytesPerSample(scale.Format)
		raw := payload[off : off+int(sampleCount)*bps]
		off += int(sampleCount) * bps

		volts := d.toEngineeringUnits(raw, scale)
		filtered := centeredMovingAverage(volts, d.window)
		channels[ch] = filtered

		cs, q := d.channelStats(ch, filtered, scale.ReferenceVolts)
		statsList = append(statsList, cs)
		if q > overallQuality {
			overallQuality = q
		}
	}

	var durationMs int64
	if sampleRateHz > 0 {
		durationMs = int64(sampleCount) * 1000 / int64(sampleRateHz)
	}

	d.packetCount++
	batch := ProcessedBatch{
		TimestampMs:      timestampMs,
		ChannelMask:      channelMask,
		Channels:         channels,
		Stats:            statsList,
		Quality:          overallQuality,
		PacketCount:      d.packetCount,
		ProcessingMicros: time.Since(start).Microseconds(),
		DurationMs:       durationMs,
	}
	return batch, nil
}

func setBitsLSBFirst(mask uint16) []uint8 {
	ids := make([]uint8, 0, bits.OnesCount16(mask))
	for i := uint8(0); i < 16; i++ {
		if mask&(1<<i) != 0 {
			ids = append(ids, i)
		}
	}
	return ids
}

func (d *Decoder) toEngineeringUnits(raw []byte, scale ChannelScale) []float32 {
	fullScale := scale.FullScale
	if fullScale == 0 {
		fullScale = d.defaultFullScale
	}
	ref := scale.ReferenceVolts
	if ref == 0 {
		ref = d.defaultReferenceVolts
	}
	switch scale.Format {
	case protocol.FormatInt16:
		n := len(raw) / 2
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			v := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
			out[i] = float32(v) / fullScale * ref
		}
		return out
	case protocol.FormatInt32:
		n := len(raw) / 4
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			v := int32(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
			out[i] = float32(v) / fullScale * ref
		}
		return out
	case protocol.FormatFloat32:
		n := len(raw) / 4
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			bits32 := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
			out[i] = math.Float32frombits(bits32)
		}
		return out
	default:
		return nil
	}
}

// centeredMovingAverage applies a window-n centered moving average,
// truncating the window at the boundaries rather than padding (spec.md §4.4
// step 5 and §9's resolution of the moving-average edge-case question). A
// series shorter than the window is returned unchanged.
func centeredMovingAverage(samples []float32, window int) []float32 {
	if len(samples) == 0 || len(samples) < window {
		return samples
	}
	half := window / 2
	out := make([]float32, len(samples))
	for i := range samples {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi >= len(samples) {
			hi = len(samples) - 1
		}
		var sum float32
		for j := lo; j <= hi; j++ {
			sum += samples[j]
		}
		out[i] = sum / float32(hi-lo+1)
	}
	return out
}

func (d *Decoder) channelStats(ch uint8, samples []float32, referenceVolts float32) (ChannelStats, Quality) {
	if len(samples) == 0 {
		return ChannelStats{ChannelID: ch}, QualityError
	}
	ref := referenceVolts
	if ref == 0 {
		ref = d.defaultReferenceVolts
	}
	f64 := make([]float64, len(samples))
	for i, s := range samples {
		f64[i] = float64(s)
	}
	mean, std := stat.MeanStdDev(f64, nil)
	variance := std * std

	minV, maxV := samples[0], samples[0]
	var sumSq float64
	outOfRange := false
	for _, s := range samples {
		if s < minV {
			minV = s
		}
		if s > maxV {
			maxV = s
		}
		sumSq += float64(s) * float64(s)
		if s < 0 || s > ref {
			outOfRange = true
		}
	}
	rms := float32(math.Sqrt(sumSq / float64(len(samples))))

	quality := QualityGood
	if outOfRange || variance < qualityVarianceFloor {
		quality = QualityWarning
	}

	return ChannelStats{
		ChannelID: ch,
		Min:       minV,
		Max:       maxV,
		Mean:      float32(mean),
		RMS:       rms,
	}, quality
}
