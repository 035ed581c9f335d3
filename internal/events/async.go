package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"qrattend/internal/metrics"
)

// ErrDropped is returned by Async.Publish when its buffer is full or it has
// been closed.
var ErrDropped = errors.New("events: publish buffer full, event dropped")

// Async hands events to a single background goroutine that forwards them to
// next. Publish never waits on next; once buf events are pending, new ones
// are dropped.
type Async struct {
	next    Publisher
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

// NewAsync starts the forwarding goroutine. Each forward gets its own
// context bounded by timeout, detached from the publishing request.
func NewAsync(next Publisher, buf int, timeout time.Duration, logger *slog.Logger) *Async {
	if buf <= 0 {
		buf = 256
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:    next,
		timeout: timeout,
		log:     logger,
		ch:      make(chan Event, buf),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for evt := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Publish(ctx, evt)
		cancel()
		if err != nil {
			metrics.PublishErrors.WithLabelValues(evt.Type).Inc()
			a.log.Warn("async event publish failed", "event", evt.Type, "error", err)
		}
	}
}

// Publish queues evt for delivery.
func (a *Async) Publish(_ context.Context, evt Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrDropped
	}
	select {
	case a.ch <- evt:
		return nil
	default:
		return ErrDropped
	}
}

// Close stops accepting events and waits until the pending ones have been
// forwarded or ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
