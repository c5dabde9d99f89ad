package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quantumlife/spendcoach/internal/logging"
)

// Sink accepts events without blocking
type Sink interface {
	Emit(e Event)
}

// Discard is a sink that drops everything
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Subscriber handles drained events. Errors are logged and dropped.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc struct {
	ID string
	Fn func(ctx context.Context, e Event) error
}

// Name implements Subscriber
func (s SubscriberFunc) Name() string { return s.ID }

// Handle implements Subscriber
func (s SubscriberFunc) Handle(ctx context.Context, e Event) error { return s.Fn(ctx, e) }

// Bus is a buffered in-memory sink drained by Run. When the buffer is full
// new events are dropped and counted.
type Bus struct {
	ch      chan Event
	dropped atomic.Uint64

	mu          sync.RWMutex
	subscribers []Subscriber

	logger *logging.Logger
	done   chan struct{}
}

// NewBus creates a bus with the given buffer size
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{
		ch:     make(chan Event, buffer),
		logger: logging.WithField("component", "events"),
		done:   make(chan struct{}),
	}
}

// Emit implements Sink
func (b *Bus) Emit(e Event) {
	if e == nil {
		return
	}
	select {
	case b.ch <- e:
	default:
		if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
			b.logger.Warn("event buffer full, dropped %d events", n)
		}
	}
}

// Dropped returns the number of events dropped on a full buffer
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Pending returns the number of buffered events
func (b *Bus) Pending() int {
	return len(b.ch)
}

// Subscribe adds a subscriber. Safe to call while Run is active.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Run drains the bus until ctx is cancelled, then flushes what is left
func (b *Bus) Run(ctx context.Context) error {
	defer close(b.done)
	for {
		select {
		case e := <-b.ch:
			b.dispatch(ctx, e)
		case <-ctx.Done():
			b.flush()
			return nil
		}
	}
}

// Done is closed when Run returns
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Drain dispatches every buffered event synchronously. Used by tools that
// do not run a worker.
func (b *Bus) Drain(ctx context.Context) {
	for {
		select {
		case e := <-b.ch:
			b.dispatch(ctx, e)
		default:
			return
		}
	}
}

func (b *Bus) flush() {
	b.Drain(context.Background())
}

func (b *Bus) dispatch(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := safeHandle(ctx, s, e); err != nil {
			b.logger.WithFields(map[string]interface{}{
				"subscriber": s.Name(),
				"event":      e.Type(),
			}).Debug("subscriber failed: %v", err)
		}
	}
}

func safeHandle(ctx context.Context, s Subscriber, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Handle(ctx, e)
}

// Recorder is a sink that keeps every event in memory, for tests and the
// CLI
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of one type
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}
