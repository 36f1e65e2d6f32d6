// Package burst implements the trigger burst assembler of spec.md §4.5: an
// open-burst builder correlating EVENT_TRIGGERED -> DATA_PACKETs ->
// BUFFER_TRANSFER_COMPLETE, and a FIFO-bounded cache of completed bursts.
package burst

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arkwave-io/daq-gateway/internal/decoder"
	"github.com/arkwave-io/daq-gateway/internal/metrics"
	"github.com/arkwave-io/daq-gateway/internal/protocol"
)

// DefaultCacheSize is the FIFO cache's default capacity (spec.md §3).
const DefaultCacheSize = 32

var (
	ErrBurstNotFound      = errors.New("burst: not found")
	ErrUnsupportedFormat  = errors.New("burst: unsupported save format")
)

// SaveFormat selects the encoding burst_save_bytes produces.
type SaveFormat int

const (
	FormatJSON SaveFormat = iota
	FormatCSV
	FormatBinary
)

// Summary is the aggregate view returned by list() and embedded in a
// completed burst.
type Summary struct {
	BurstID      string
	TimestampMs  uint32
	Channel      uint16
	TotalSamples uint64
	DurationMs   int64
	Quality      decoder.Quality
	CanSave      bool
	ChannelStats []decoder.ChannelStats
	AnomalyCount int
}

// Burst holds one trigger event's correlated batches.
type Burst struct {
	ID          string
	Event       protocol.TriggerEvent
	Batches     []decoder.ProcessedBatch
	TotalSamples uint64
	IsComplete  bool
	CreatedAt   time.Time
	Summary     Summary
}

// Assembler maintains at most one open burst plus a FIFO cache of completed
// ones.
type Assembler struct {
	mu    sync.Mutex
	open  *Burst
	cache []*Burst // oldest first
	cap   int

	onBurstComplete func(Summary)
}

// New returns a ready-to-use Assembler with the given cache capacity (use
// DefaultCacheSize if unsure) and an optional completion callback wired to
// the event bus.
func New(capacity int, onBurstComplete func(Summary)) *Assembler {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Assembler{cap: capacity, onBurstComplete: onBurstComplete}
}

// OnTriggerEvent opens a new burst, flushing any previously open (and thus
// incomplete) burst first.
func (a *Assembler) OnTriggerEvent(ev protocol.TriggerEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open != nil {
		a.flushIncompleteLocked()
	}
	a.open = &Burst{
		ID:        fmt.Sprintf("trigger_%d_%d", ev.TimestampMs, ev.ReceivedAt.UnixMilli()),
		Event:     ev,
		CreatedAt: ev.ReceivedAt,
	}
}

// flushIncompleteLocked drops the current open burst without caching it;
// spec.md §4.5 only inserts completed bursts into the cache.
func (a *Assembler) flushIncompleteLocked() {
	a.open = nil
}

// OnBatch appends a decoded batch to the currently open burst and adds
// sampleCount (the per-channel sample count) once for every channel the
// batch carries to the burst's total. It is a no-op if no burst is open (a
// DATA_PACKET arriving outside an open trigger window is discarded per
// spec.md §5's ordering guarantee).
func (a *Assembler) OnBatch(batch decoder.ProcessedBatch, sampleCount uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == nil {
		return
	}
	a.open.Batches = append(a.open.Batches, batch)
	a.open.TotalSamples += uint64(sampleCount) * uint64(len(batch.Channels))
}

// OnBufferTransferComplete finalizes the open burst, computes its summary,
// inserts it into the FIFO cache (evicting the oldest entry if full), and
// invokes the completion callback.
func (a *Assembler) OnBufferTransferComplete() {
	a.mu.Lock()
	b := a.open
	a.open = nil
	if b == nil {
		a.mu.Unlock()
		return
	}
	b.IsComplete = true
	b.Summary = summarize(b)

	if len(a.cache) >= a.cap {
		a.cache = a.cache[1:]
		metrics.IncBurstEvicted()
	}
	a.cache = append(a.cache, b)
	metrics.IncBurstCompleted()
	metrics.SetBurstsCached(len(a.cache))
	a.mu.Unlock()

	if a.onBurstComplete != nil {
		a.onBurstComplete(b.Summary)
	}
}

func summarize(b *Burst) Summary {
	if len(b.Batches) == 0 {
		return Summary{
			BurstID:     b.ID,
			TimestampMs: b.Event.TimestampMs,
			Channel:     b.Event.Channel,
			Quality:     decoder.QualityError,
			CanSave:     true,
		}
	}
	first := b.Batches[0]
	last := b.Batches[len(b.Batches)-1]
	// spec.md §4.5: (last_batch.timestamp_ms + last_batch.duration) -
	// first_batch.timestamp_ms.
	duration := int64(last.TimestampMs) + last.DurationMs - int64(first.TimestampMs)

	worst := decoder.QualityGood
	statsByChannel := map[uint8]*decoder.ChannelStats{}
	anomalies := 0
	for _, batch := range b.Batches {
		if batch.Quality > worst {
			worst = batch.Quality
		}
		if batch.Quality != decoder.QualityGood {
			anomalies++
		}
		for _, cs := range batch.Stats {
			existing, ok := statsByChannel[cs.ChannelID]
			if !ok {
				v := cs
				statsByChannel[cs.ChannelID] = &v
				continue
			}
			if cs.Min < existing.Min {
				existing.Min = cs.Min
			}
			if cs.Max > existing.Max {
				existing.Max = cs.Max
			}
		}
	}
	aggregated := make([]decoder.ChannelStats, 0, len(statsByChannel))
	for _, v := range statsByChannel {
		aggregated = append(aggregated, *v)
	}

	return Summary{
		BurstID:      b.ID,
		TimestampMs:  b.Event.TimestampMs,
		Channel:      b.Event.Channel,
		TotalSamples: b.TotalSamples,
		DurationMs:   duration,
		Quality:      worst,
		CanSave:      true,
		ChannelStats: aggregated,
		AnomalyCount: anomalies,
	}
}

// List returns summaries for every cached burst, newest last.
func (a *Assembler) List() []Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Summary, len(a.cache))
	for i, b := range a.cache {
		out[i] = b.Summary
	}
	return out
}

// Preview returns the full contents of a cached burst.
func (a *Assembler) Preview(id string) (*Burst, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.cache {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, ErrBurstNotFound
}

// Delete removes a cached burst.
func (a *Assembler) Delete(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, b := range a.cache {
		if b.ID == id {
			a.cache = append(a.cache[:i], a.cache[i+1:]...)
			metrics.SetBurstsCached(len(a.cache))
			return nil
		}
	}
	return ErrBurstNotFound
}
