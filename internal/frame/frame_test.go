package frame

import (
	"bytes"
	"testing"
)

func TestCRC16CheckValue(t *testing.T) {
	// Canonical CRC-16/MODBUS check value for ASCII "123456789".
	got := CRC16([]byte("123456789"))
	if got != 0x4B37 {
		t.Fatalf("CRC16 check value = 0x%04X, want 0x4B37", got)
	}
}

func TestCRC16PingFrame(t *testing.T) {
	// cmd=0x01 (PING), seq=0x42, no payload.
	got := CRC16([]byte{0x01, 0x42})
	if got != 0x1180 {
		t.Fatalf("CRC16(0x01,0x42) = 0x%04X, want 0x1180", got)
	}
}

func TestBuildRoundTrip(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	wire, err := BuildAlloc(0x01, 0x42, payload)
	if err != nil {
		t.Fatalf("BuildAlloc: %v", err)
	}
	if wire[0] != head0 || wire[1] != head1 {
		t.Fatalf("bad header bytes: % X", wire[:2])
	}
	if wire[len(wire)-2] != tail0 || wire[len(wire)-1] != tail1 {
		t.Fatalf("bad tail bytes: % X", wire[len(wire)-2:])
	}

	p := NewParser()
	p.Push(wire)
	fr, ok, err := p.Next()
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if !ok {
		t.Fatal("expected a decoded frame")
	}
	if fr.CommandID != 0x01 || fr.Sequence != 0x42 {
		t.Fatalf("got cmd=0x%02X seq=0x%02X", fr.CommandID, fr.Sequence)
	}
	if !bytes.Equal(fr.Payload, payload) {
		t.Fatalf("payload mismatch: got % X want % X", fr.Payload, payload)
	}
}

func TestBuildNoPayload(t *testing.T) {
	wire, err := BuildAlloc(0x01, 0x00, nil)
	if err != nil {
		t.Fatalf("BuildAlloc: %v", err)
	}
	if len(wire) != MinFrameLen {
		t.Fatalf("len = %d, want %d", len(wire), MinFrameLen)
	}
}

func TestBuildPayloadTooLarge(t *testing.T) {
	_, err := BuildAlloc(0x01, 0, make([]byte, MaxPayloadLen+1))
	if err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestBuildBufferTooSmall(t *testing.T) {
	dst := make([]byte, MinFrameLen-1)
	_, err := Build(dst, 0x01, 0, nil)
	if err != ErrBufferTooSmall {
		t.Fatalf("err = %v, want ErrBufferTooSmall", err)
	}
}

func TestParserCRCMismatch(t *testing.T) {
	wire, _ := BuildAlloc(0x01, 0x01, []byte{1, 2, 3})
	wire[len(wire)-3] ^= 0xFF // corrupt one CRC byte

	p := NewParser()
	p.Push(wire)
	_, ok, err := p.Next()
	if ok || err != ErrCRC {
		t.Fatalf("got ok=%v err=%v, want ok=false err=ErrCRC", ok, err)
	}
}

// TestParserResyncAfterGarbageHead mirrors spec.md's scenario S6: a
// corrupted frame head (AA 55 FF FF AA) immediately followed by a valid
// frame must not prevent the valid frame from being recovered.
func TestParserResyncAfterGarbageHead(t *testing.T) {
	garbage := []byte{head0, head1, 0xFF, 0xFF, head0}
	valid, err := BuildAlloc(0x02, 0x07, []byte{0x01})
	if err != nil {
		t.Fatalf("BuildAlloc: %v", err)
	}

	p := NewParser()
	p.Push(garbage)
	p.Push(valid)

	var got []Frame
	p.Drain(func(fr Frame) { got = append(got, fr) })

	if len(got) != 1 {
		t.Fatalf("recovered %d frames, want 1", len(got))
	}
	if got[0].CommandID != 0x02 || got[0].Sequence != 0x07 {
		t.Fatalf("recovered frame mismatch: %+v", got[0])
	}
}

func TestParserPartialFrame(t *testing.T) {
	wire, _ := BuildAlloc(0x01, 0x01, []byte{1, 2, 3, 4})
	p := NewParser()
	p.Push(wire[:len(wire)-2]) // withhold the tail bytes
	_, ok, err := p.Next()
	if ok || err != nil {
		t.Fatalf("expected need-more-data, got ok=%v err=%v", ok, err)
	}
	p.Push(wire[len(wire)-2:])
	fr, ok, err := p.Next()
	if !ok || err != nil {
		t.Fatalf("expected complete frame after remainder pushed, got ok=%v err=%v", ok, err)
	}
	if fr.Sequence != 0x01 {
		t.Fatalf("sequence mismatch: %d", fr.Sequence)
	}
}

func TestParserMultipleFramesInOneChunk(t *testing.T) {
	a, _ := BuildAlloc(0x01, 1, []byte{1})
	b, _ := BuildAlloc(0x02, 2, []byte{2, 3})
	c, _ := BuildAlloc(0x03, 3, nil)

	p := NewParser()
	p.Push(append(append(append([]byte{}, a...), b...), c...))

	var seqs []byte
	p.Drain(func(fr Frame) { seqs = append(seqs, fr.Sequence) })
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("got sequences %v, want [1 2 3]", seqs)
	}
}

func TestParserByteAtATime(t *testing.T) {
	wire, _ := BuildAlloc(0x05, 9, []byte{0xAA, 0xBB})
	p := NewParser()
	var got *Frame
	for _, b := range wire {
		p.Push([]byte{b})
		p.Drain(func(fr Frame) { f := fr; got = &f })
	}
	if got == nil {
		t.Fatal("expected a frame to be recovered from byte-at-a-time delivery")
	}
	if got.CommandID != 0x05 || got.Sequence != 9 {
		t.Fatalf("got %+v", *got)
	}
}

func FuzzParserNeverPanics(f *testing.F) {
	seed, _ := BuildAlloc(0x01, 0x02, []byte{1, 2, 3})
	f.Add(seed)
	f.Add([]byte{head0, head1, 0x00})
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		p := NewParser()
		p.Push(data)
		p.Drain(func(Frame) {})
	})
}

func BenchmarkParserThroughput(b *testing.B) {
	wire, _ := BuildAlloc(0x04, 0, make([]byte, 256))
	p := NewParser()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Push(wire)
		p.Drain(func(Frame) {})
	}
}

func BenchmarkCRC16(b *testing.B) {
	data := make([]byte, 512)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CRC16(data)
	}
}
