// Package bus is the queue between the push channel reader and the
// router's dispatch loop.
package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/tinyland-inc/tinysip/pkg/events"
)

// ErrBusClosed is returned when publishing to a closed EventBus.
var ErrBusClosed = errors.New("event bus closed")

const defaultQueueSize = 100

type EventBus struct {
	inbound chan events.ChannelEvent
	done    chan struct{}
	closed  atomic.Bool
}

// NewEventBus creates a bus buffering up to size events. A non-positive
// size uses the default.
func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &EventBus{
		inbound: make(chan events.ChannelEvent, size),
		done:    make(chan struct{}),
	}
}

// Publish enqueues ev, blocking while the queue is full.
func (b *EventBus) Publish(ctx context.Context, ev events.ChannelEvent) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.inbound <- ev:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns the next event in arrival order. ok is false once the
// bus is closed or ctx is done.
func (b *EventBus) Consume(ctx context.Context) (events.ChannelEvent, bool) {
	select {
	case ev, ok := <-b.inbound:
		return ev, ok
	case <-b.done:
		return events.ChannelEvent{}, false
	case <-ctx.Done():
		return events.ChannelEvent{}, false
	}
}

func (b *EventBus) Len() int { return len(b.inbound) }

func (b *EventBus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
