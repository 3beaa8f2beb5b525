// Package eventsink provides the consumers of the coordinator's event stream:
// an in-process fan-out bus, a newline-delimited JSON writer for front-end
// bridges and a logging sink.
//
// Every sink is called from the coordinator's loop goroutine and never
// blocks it: slow consumers lose events instead of stalling transitions.
package eventsink

import (
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"bluetooth-peerlink/internal/peer"
)

var logger = logging.Logger("eventsink")

// DefaultBuffer is the per-subscriber queue length used when Subscribe is
// given a non-positive size.
const DefaultBuffer = 128

// Subscription receives the events published after it was created, in order.
type Subscription struct {
	C <-chan peer.Event

	b       *Bus
	ch      chan peer.Event
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns how many events this subscriber missed because its buffer
// was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel detaches the subscription and closes C. Safe to call repeatedly.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.b.mu.Lock()
		if _, ok := s.b.subs[s]; ok {
			delete(s.b.subs, s)
			close(s.ch)
		}
		s.b.mu.Unlock()
	})
}

// Bus fans every published event out to all current subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus returns a Bus without subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with a queue of size buf. Subscribing to
// a closed Bus returns a subscription whose channel is already closed.
func (b *Bus) Subscribe(buf int) *Subscription {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	ch := make(chan peer.Event, buf)
	s := &Subscription{C: ch, b: b, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish implements coordinator.Sink.
func (b *Bus) Publish(ev peer.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				logger.Warnf("subscriber too slow, %d events dropped", n)
			}
		}
	}
}

// Close closes every subscription channel. Later events are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
