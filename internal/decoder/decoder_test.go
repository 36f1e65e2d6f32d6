package decoder

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/arkwave-io/daq-gateway/internal/protocol"
)

func int16Payload(values ...int16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func buildDataPacket(timestampMs uint32, channelMask uint16, sampleCount uint16, channels ...[]byte) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], timestampMs)
	binary.LittleEndian.PutUint16(out[4:6], channelMask)
	binary.LittleEndian.PutUint16(out[6:8], sampleCount)
	for _, ch := range channels {
		out = append(out, ch...)
	}
	return out
}

func approxEqual(a, b, tol float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}

// TestDecodeConfiguredBatch mirrors spec.md's S3 scenario: two INT16
// channels, explicit full_scale=32768, reference 3.3V.
func TestDecodeConfiguredBatch(t *testing.T) {
	payload := buildDataPacket(1000, 0x0003, 2,
		int16Payload(0, 16384),
		int16Payload(-16384, 16384),
	)

	configs := map[uint8]ChannelScale{
		0: {Format: protocol.FormatInt16, FullScale: 32768, ReferenceVolts: 3.3},
		1: {Format: protocol.FormatInt16, FullScale: 32768, ReferenceVolts: 3.3},
	}

	d := New(5, 0, 0)
	batch, err := d.Decode(payload, configs)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if batch.TimestampMs != 1000 {
		t.Fatalf("timestamp = %d, want 1000", batch.TimestampMs)
	}
	ch0 := batch.Channels[0]
	ch1 := batch.Channels[1]
	if len(ch0) != 2 || len(ch1) != 2 {
		t.Fatalf("channel lengths = %d/%d, want 2/2", len(ch0), len(ch1))
	}
	if !approxEqual(ch0[0], 0.0, 0.01) || !approxEqual(ch0[1], 1.65, 0.01) {
		t.Fatalf("ch0 = %v, want ~[0.0, 1.65]", ch0)
	}
	if !approxEqual(ch1[0], -1.65, 0.01) || !approxEqual(ch1[1], 1.65, 0.01) {
		t.Fatalf("ch1 = %v, want ~[-1.65, 1.65]", ch1)
	}
	if batch.Quality != QualityWarning {
		t.Fatalf("quality = %v, want Warning (ch1 goes below 0V)", batch.Quality)
	}
}

func TestDecodeDurationMsFromSampleRate(t *testing.T) {
	payload := buildDataPacket(0, 0x0001, 100, int16Payload(make([]int16, 100)...))
	configs := map[uint8]ChannelScale{0: {Format: protocol.FormatInt16, SampleRateHz: 1000}}
	d := New(5, 0, 0)
	batch, err := d.Decode(payload, configs)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if batch.DurationMs != 100 {
		t.Fatalf("DurationMs = %d, want 100 (100 samples @ 1000 Hz)", batch.DurationMs)
	}
}

func TestDecodeDurationMsZeroWithoutSampleRate(t *testing.T) {
	payload := buildDataPacket(0, 0x0001, 4, int16Payload(1, 2, 3, 4))
	configs := map[uint8]ChannelScale{0: {Format: protocol.FormatInt16}}
	d := New(5, 0, 0)
	batch, err := d.Decode(payload, configs)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if batch.DurationMs != 0 {
		t.Fatalf("DurationMs = %d, want 0 when no channel reports a sample rate", batch.DurationMs)
	}
}

func TestDecodeMalformedPacketTooShort(t *testing.T) {
	d := New(5, 0, 0)
	_, err := d.Decode([]byte{1, 2, 3}, nil)
	if err != ErrMalformedPacket {
		t.Fatalf("err = %v, want ErrMalformedPacket", err)
	}
}

func TestDecodeMalformedPacketUnconfiguredChannel(t *testing.T) {
	payload := buildDataPacket(0, 0x0001, 1, int16Payload(1))
	d := New(5, 0, 0)
	_, err := d.Decode(payload, map[uint8]ChannelScale{})
	if err != ErrMalformedPacket {
		t.Fatalf("err = %v, want ErrMalformedPacket", err)
	}
}

func TestDecodeMalformedPacketSizeMismatch(t *testing.T) {
	payload := buildDataPacket(0, 0x0001, 4, int16Payload(1, 2)) // declares 4 samples, carries 2
	d := New(5, 0, 0)
	configs := map[uint8]ChannelScale{0: {Format: protocol.FormatInt16}}
	_, err := d.Decode(payload, configs)
	if err != ErrMalformedPacket {
		t.Fatalf("err = %v, want ErrMalformedPacket", err)
	}
}

func TestDecodeFloat32Passthrough(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:4], math.Float32bits(1.5))
	binary.LittleEndian.PutUint32(raw[4:8], math.Float32bits(-2.25))
	payload := buildDataPacket(0, 0x0001, 2, raw)

	d := New(5, 0, 0)
	configs := map[uint8]ChannelScale{0: {Format: protocol.FormatFloat32, ReferenceVolts: 5}}
	batch, err := d.Decode(payload, configs)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ch := batch.Channels[0]
	if !approxEqual(ch[0], 1.5, 0.0001) || !approxEqual(ch[1], -2.25, 0.0001) {
		t.Fatalf("float32 passthrough = %v, want [1.5, -2.25]", ch)
	}
}

func TestCenteredMovingAverageTruncatesAtEdges(t *testing.T) {
	in := []float32{1, 2, 3, 4, 5}
	out := centeredMovingAverage(in, 5)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	// Interior sample (index 2) sees the full window; edges see a truncated one.
	if !approxEqual(out[2], 3.0, 0.0001) {
		t.Fatalf("out[2] = %v, want 3.0", out[2])
	}
	if !approxEqual(out[0], 2.0, 0.0001) { // mean of [1,2,3]
		t.Fatalf("out[0] = %v, want 2.0", out[0])
	}
}

func TestCenteredMovingAverageEmpty(t *testing.T) {
	out := centeredMovingAverage(nil, 5)
	if len(out) != 0 {
		t.Fatalf("len = %d, want 0", len(out))
	}
}

func BenchmarkDecode(b *testing.B) {
	samples := make([]int16, 256)
	for i := range samples {
		samples[i] = int16(i)
	}
	raw := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	payload := buildDataPacket(0, 0x0001, uint16(len(samples)), raw)
	configs := map[uint8]ChannelScale{0: {Format: protocol.FormatInt16}}
	d := New(5, 0, 0)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Decode(payload, configs); err != nil {
			b.Fatal(err)
		}
	}
}
