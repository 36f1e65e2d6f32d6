// Package eventbus implements the event bus of spec.md §4.6: a single
// multi-producer, multi-consumer broadcast topic carrying a tagged Event
// union, with per-subscriber masks and lossy (drop-oldest) delivery.
// Adapted from internal/hub/hub.go's Hub/Client broadcast-with-backpressure
// shape, generalized from a single can.Frame type to the tagged Event union
// and from "all clients get everything" to mask-filtered delivery.
package eventbus

import (
	"sync"

	"github.com/arkwave-io/daq-gateway/internal/burst"
	"github.com/arkwave-io/daq-gateway/internal/decoder"
	"github.com/arkwave-io/daq-gateway/internal/logging"
	"github.com/arkwave-io/daq-gateway/internal/metrics"
	"github.com/arkwave-io/daq-gateway/internal/protocol"
)

// Kind tags the variant carried by an Event.
type Kind int

const (
	KindData Kind = iota
	KindTriggerEvent
	KindBurstComplete
	KindDeviceLog
	KindStatusChanged
	KindError
)

// Mask selects which Kinds a subscriber wants delivered.
type Mask uint8

const (
	MaskDataStream Mask = 1 << iota
	MaskTriggerEvents
	MaskTriggerBursts
	MaskContinuousOnly
	MaskTriggerOnly

	MaskAll = MaskDataStream | MaskTriggerEvents | MaskTriggerBursts | MaskContinuousOnly | MaskTriggerOnly
)

// Event is the tagged union broadcast on the bus.
type Event struct {
	Kind          Kind
	Data          decoder.ProcessedBatch
	TriggerEvent  protocol.TriggerEvent
	BurstComplete burst.Summary
	LogLevel      byte
	LogText       string
	Status        protocol.Snapshot
	Err           error
}

// maskFor returns the mask bit an Event must match to be delivered.
func (e Event) maskFor() Mask {
	switch e.Kind {
	case KindData:
		return MaskDataStream
	case KindTriggerEvent:
		return MaskTriggerEvents
	case KindBurstComplete:
		return MaskTriggerBursts
	default:
		return MaskAll // status/log/error are unconditional
	}
}

// BackpressurePolicy selects what happens to a subscriber whose queue is
// full when a new event arrives.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// Subscriber is a registered event-bus client.
type Subscriber struct {
	Out       chan Event
	Closed    chan struct{}
	Mask      Mask
	closeOnce sync.Once
}

// Close signals the subscriber is closed (idempotent).
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.Closed) })
}

// Bus is the broadcast topic.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	OutBufSize  int
	Policy      BackpressurePolicy
}

// New creates a Bus with default settings.
func New() *Bus { return &Bus{subscribers: make(map[*Subscriber]struct{}), OutBufSize: 64} }

// Subscribe registers a new subscriber with the given mask and returns it.
func (b *Bus) Subscribe(mask Mask) *Subscriber {
	s := &Subscriber{
		Out:    make(chan Event, b.OutBufSize),
		Closed: make(chan struct{}),
		Mask:   mask,
	}
	b.mu.Lock()
	prev := len(b.subscribers)
	b.subscribers[s] = struct{}{}
	cur := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventBusSubscribers(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("eventbus_first_subscriber")
	}
	return s
}

// Unsubscribe removes a subscriber; safe to call multiple times.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, existed := b.subscribers[s]
	if existed {
		delete(b.subscribers, s)
	}
	cur := len(b.subscribers)
	b.mu.Unlock()
	select {
	case <-s.Closed:
	default:
		s.Close()
	}
	metrics.SetEventBusSubscribers(cur)
	if existed && cur == 0 {
		logging.L().Info("eventbus_last_subscriber")
	}
}

// Publish delivers an event to every subscriber whose mask matches,
// honoring the configured backpressure policy on a full queue.
func (b *Bus) Publish(ev Event) {
	subs := b.snapshot()
	want := ev.maskFor()

	if len(subs) > 0 {
		max, sum, n := 0, 0, 0
		for _, s := range subs {
			if s.Mask&want == 0 {
				continue
			}
			l := len(s.Out)
			if l > max {
				max = l
			}
			sum += l
			n++
		}
		if n > 0 {
			metrics.SetEventBusQueueDepth(max, sum/n)
		}
	}

	for _, s := range subs {
		if s.Mask&want == 0 {
			continue
		}
		select {
		case s.Out <- ev:
		default:
			if b.Policy == PolicyKick {
				metrics.IncEventBusKicked()
				s.Close()
				continue
			}
			// PolicyDrop is "drop oldest": make room by discarding the
			// subscriber's queued event, then enqueue the new one.
			select {
			case <-s.Out:
				metrics.IncEventBusDropped()
			default:
			}
			select {
			case s.Out <- ev:
			default:
				// Lost a race with another publisher/consumer; the incoming
				// event is the one left behind.
				metrics.IncEventBusDropped()
			}
		}
	}
}

// snapshot returns a slice copy of current subscribers.
func (b *Bus) snapshot() []*Subscriber {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	return subs
}

// Count returns the number of active subscribers.
func (b *Bus) Count() int { b.mu.RLock(); n := len(b.subscribers); b.mu.RUnlock(); return n }
