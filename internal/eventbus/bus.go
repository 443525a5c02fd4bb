package eventbus

import (
	"sync"
	"time"
)

// Event is one in-process signal. The runner, scheduler, breaker and credit
// guard publish; the push hub and the app debug logger consume.
//
// Publish never blocks. A subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

func New() Bus {
	return &memBus{}
}

type subscriber struct {
	mu     sync.Mutex // guards send vs close
	ch     chan Event
	closed bool
}

func (s *subscriber) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// memBus keeps subscribers in a copy-on-write slice so Publish only takes
// the read lock long enough to grab the current slice.
type memBus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		s.offer(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	next := make([]*subscriber, len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, s)
	b.mu.Unlock()

	return s.ch, func() { b.remove(s) }
}

func (b *memBus) remove(s *subscriber) {
	b.mu.Lock()
	next := make([]*subscriber, 0, len(b.subs))
	for _, cur := range b.subs {
		if cur != s {
			next = append(next, cur)
		}
	}
	b.subs = next
	b.mu.Unlock()
	s.close()
}
