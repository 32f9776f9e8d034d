// Package eventbus fans agent events out to any number of observers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/observability"
)

// DefaultBufferSize is the per-subscriber channel capacity used when none is given.
const DefaultBufferSize = 64

// Filter narrows a subscription. Zero values match everything.
type Filter struct {
	SessionID string
	Types     []schemas.EventType
}

func (f Filter) matches(ev schemas.AgentEvent) bool {
	if f.SessionID != "" && f.SessionID != ev.SessionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// Bus is a broadcast channel for AgentEvents. Publishing never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
// Subscribers only see events published after they subscribed.
type Bus struct {
	logger  *zap.Logger
	metrics *observability.Metrics

	// mu serializes publishing so every subscriber observes Seq order, and
	// guards subscriber channels against a send after close.
	mu          sync.Mutex
	subscribers map[uint64]*Subscription
	nextSubID   uint64
	seq         uint64
	bufferSize  int
	closed      bool
}

// New initializes a Bus. metrics may be nil.
func New(logger *zap.Logger, metrics *observability.Metrics, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		logger:      logger.Named("event_bus"),
		metrics:     metrics,
		subscribers: make(map[uint64]*Subscription),
		bufferSize:  bufferSize,
	}
}

// Publish stamps the event with an ID, a sequence number and a timestamp
// when missing, delivers it to every matching subscriber and returns the
// stamped event.
func (b *Bus) Publish(ev schemas.AgentEvent) schemas.AgentEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if b.closed {
		return ev
	}
	b.metrics.EventPublished()

	for _, sub := range b.subscribers {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.metrics.EventDropped()
			b.logger.Debug("Subscriber buffer full, dropping event.",
				zap.Uint64("subscriber", sub.id),
				zap.String("session_id", ev.SessionID),
				zap.String("type", string(ev.Type)),
				zap.Uint64("seq", ev.Seq))
		}
	}
	return ev
}

// Subscribe registers a new observer. The caller must Close the subscription.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &Subscription{
		id:     b.nextSubID,
		ch:     make(chan schemas.AgentEvent, b.bufferSize),
		filter: filter,
		bus:    b,
	}
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subscribers[sub.id] = sub
	return sub
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Shutdown closes every subscription. Later publishes are discarded.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		sub.closed = true
		delete(b.subscribers, id)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	delete(b.subscribers, sub.id)
	close(sub.ch)
	sub.closed = true
}

// Subscription is a single observer's view of the bus.
type Subscription struct {
	id      uint64
	ch      chan schemas.AgentEvent
	filter  Filter
	bus     *Bus
	dropped atomic.Uint64
	closed  bool // guarded by bus.mu
}

// Events returns the delivery channel. It is closed by Close or Bus.Shutdown.
func (s *Subscription) Events() <-chan schemas.AgentEvent { return s.ch }

// Dropped reports how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.bus.remove(s) }
