package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// gated blocks every publish until release is closed.
type gated struct {
	release chan struct{}
	mu      sync.Mutex
	got     []string
}

func (g *gated) Publish(ctx context.Context, evt Event) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	g.got = append(g.got, evt.Type)
	g.mu.Unlock()
	return nil
}

func TestAsyncPublishDoesNotWait(t *testing.T) {
	next := &gated{release: make(chan struct{})}
	a := NewAsync(next, 2, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	start := time.Now()
	var dropped int
	for i := 0; i < 10; i++ {
		if err := a.Publish(context.Background(), SessionClosed()); errors.Is(err, ErrDropped) {
			dropped++
		}
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Fatalf("publish took %s with a stalled downstream", d)
	}
	// one event in flight plus two buffered
	if dropped < 7 {
		t.Fatalf("dropped = %d, want at least 7", dropped)
	}

	close(next.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}
	next.mu.Lock()
	delivered := len(next.got)
	next.mu.Unlock()
	if delivered != 10-dropped {
		t.Fatalf("delivered = %d, want %d", delivered, 10-dropped)
	}
	if err := a.Publish(context.Background(), SessionClosed()); !errors.Is(err, ErrDropped) {
		t.Fatalf("publish after close = %v", err)
	}
}

func TestAsyncForwardTimesOut(t *testing.T) {
	next := &gated{release: make(chan struct{})}
	a := NewAsync(next, 4, 20*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := a.Publish(context.Background(), SessionClosed()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close waited on a stalled downstream: %v", err)
	}
}
