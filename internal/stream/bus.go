package stream

import (
	"sync"

	"straddle-bot-go/internal/metrics"
)

// subscriberBuffer bounds how many ticks a slow consumer may fall behind
// before ticks are dropped for it.
const subscriberBuffer = 256

// Tick is one normalized price update from the streaming connection.
type Tick struct {
	Token     uint32
	LastPrice float64
}

// Bus is a process-wide publish/subscribe channel for price ticks. Delivery is
// per-subscriber bounded: Publish never blocks, a full subscriber loses the
// tick and the drop is counted instead.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Tick
	closed bool
}

// NewBus creates an empty tick bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new consumer and returns its delivery channel. The
// channel is closed when the bus is closed.
func (b *Bus) Subscribe() <-chan Tick {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Tick, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers a tick to every subscriber without blocking. Ordering is
// preserved per subscriber as long as the subscriber keeps up.
func (b *Bus) Publish(t Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- t:
		default:
			metrics.TicksDropped.Inc()
		}
	}
}

// Close closes every subscriber channel. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
