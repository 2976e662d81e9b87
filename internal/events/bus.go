package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker for operator-facing notifications
// (faults, recoveries, emitted decisions). It never carries audit events to
// the store; that path goes through the persistence queue.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan any)}
}

// Subscribe registers a listener for a topic and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[t] = append(b.subs[t], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[t]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[t] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		})
	}

	return ch, unsub
}

// Publish fans out the payload without blocking; slow subscribers miss messages.
func (b *Bus) Publish(t Topic, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[t] {
		select {
		case ch <- payload:
		default:
		}
	}
}
