package burst

import (
	"strings"
	"testing"
	"time"

	"github.com/arkwave-io/daq-gateway/internal/decoder"
	"github.com/arkwave-io/daq-gateway/internal/protocol"
)

func sampleBatch(timestampMs uint32, n int) decoder.ProcessedBatch {
	ch0 := make([]float32, n)
	ch1 := make([]float32, n)
	for i := range ch0 {
		ch0[i] = float32(i)
		ch1[i] = float32(-i)
	}
	return decoder.ProcessedBatch{
		TimestampMs: timestampMs,
		ChannelMask: 0x0003,
		Channels:    map[uint8][]float32{0: ch0, 1: ch1},
		Quality:     decoder.QualityGood,
		// 1000 Hz sample rate: n samples span n ms.
		DurationMs: int64(n),
	}
}

// TestTriggerBurstAssembly mirrors spec.md's S4 scenario: an EVENT_TRIGGERED
// followed by 3 DATA_PACKETs (2 channels x 100 samples each) and a
// BUFFER_TRANSFER_COMPLETE produce one 600-sample cached burst.
func TestTriggerBurstAssembly(t *testing.T) {
	var completed []Summary
	a := New(DefaultCacheSize, func(s Summary) { completed = append(completed, s) })

	ev := protocol.TriggerEvent{TimestampMs: 2000, Channel: 0, ReceivedAt: time.Now()}
	a.OnTriggerEvent(ev)

	for i := 0; i < 3; i++ {
		batch := sampleBatch(2000+uint32(i*10), 100)
		a.OnBatch(batch, 100)
	}
	a.OnBufferTransferComplete()

	if len(completed) != 1 {
		t.Fatalf("completion callbacks = %d, want 1", len(completed))
	}
	summary := completed[0]
	if summary.TotalSamples != 600 {
		t.Fatalf("total_samples = %d, want 600", summary.TotalSamples)
	}
	if !strings.HasPrefix(summary.BurstID, "trigger_2000_") {
		t.Fatalf("burst_id = %q, want prefix trigger_2000_", summary.BurstID)
	}
	// (last_batch.timestamp_ms + last_batch.duration) - first_batch.timestamp_ms
	// = (2020 + 100) - 2000 = 120.
	if summary.DurationMs != 120 {
		t.Fatalf("duration_ms = %d, want 120", summary.DurationMs)
	}

	list := a.List()
	if len(list) != 1 {
		t.Fatalf("cached bursts = %d, want 1", len(list))
	}

	b, err := a.Preview(summary.BurstID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !b.IsComplete {
		t.Fatal("expected IsComplete=true")
	}
	if len(b.Batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(b.Batches))
	}
}

func TestBatchOutsideOpenBurstIsDiscarded(t *testing.T) {
	a := New(DefaultCacheSize, nil)
	a.OnBatch(sampleBatch(0, 10), 10)
	a.OnBufferTransferComplete()
	if len(a.List()) != 0 {
		t.Fatalf("expected no cached burst without a prior trigger event")
	}
}

func TestFIFOEviction(t *testing.T) {
	a := New(2, nil)
	for i := 0; i < 3; i++ {
		a.OnTriggerEvent(protocol.TriggerEvent{TimestampMs: uint32(i), ReceivedAt: time.Now()})
		a.OnBatch(sampleBatch(uint32(i), 1), 1)
		a.OnBufferTransferComplete()
	}
	list := a.List()
	if len(list) != 2 {
		t.Fatalf("cached bursts = %d, want 2 (cap)", len(list))
	}
	if strings.HasPrefix(list[0].BurstID, "trigger_0_") {
		t.Fatal("oldest burst should have been evicted")
	}
}

func TestSecondTriggerFlushesIncompleteOpenBurst(t *testing.T) {
	a := New(DefaultCacheSize, nil)
	a.OnTriggerEvent(protocol.TriggerEvent{TimestampMs: 1, ReceivedAt: time.Now()})
	a.OnBatch(sampleBatch(1, 5), 5)
	// A second trigger arrives before BUFFER_TRANSFER_COMPLETE: the first
	// burst is abandoned, not cached.
	a.OnTriggerEvent(protocol.TriggerEvent{TimestampMs: 2, ReceivedAt: time.Now()})
	a.OnBufferTransferComplete()

	list := a.List()
	if len(list) != 1 {
		t.Fatalf("cached bursts = %d, want 1", len(list))
	}
	if !strings.HasPrefix(list[0].BurstID, "trigger_2_") {
		t.Fatalf("got %q, want the second trigger's burst", list[0].BurstID)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	a := New(DefaultCacheSize, nil)
	a.OnTriggerEvent(protocol.TriggerEvent{TimestampMs: 5, ReceivedAt: time.Now()})
	a.OnBatch(sampleBatch(5, 2), 2)
	a.OnBufferTransferComplete()

	id := a.List()[0].BurstID
	if err := a.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := a.Preview(id); err != ErrBurstNotFound {
		t.Fatalf("err = %v, want ErrBurstNotFound", err)
	}
	if err := a.Delete(id); err != ErrBurstNotFound {
		t.Fatalf("second Delete err = %v, want ErrBurstNotFound", err)
	}
}
