package events

import (
	"context"
	"sync"
)

// Broker fans events out to in-process subscribers, such as the SSE
// endpoint. Each subscriber has a bounded buffer; when it is full the event
// is dropped for that subscriber only.
type Broker struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
}

// NewBroker creates a broker with per-subscriber buffers of size buffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{subs: make(map[chan Event]struct{}), buffer: buffer}
}

// Publish delivers evt to every subscriber without blocking.
func (b *Broker) Publish(_ context.Context, evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of events that is closed once ctx is done.
func (b *Broker) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
