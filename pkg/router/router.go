// Package router demultiplexes channel events to handlers registered per
// event kind.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tinyland-inc/tinysip/pkg/bus"
	"github.com/tinyland-inc/tinysip/pkg/events"
	"github.com/tinyland-inc/tinysip/pkg/logger"
	"github.com/tinyland-inc/tinysip/pkg/metrics"
)

// Handler processes one event. A returned error is logged and does not stop
// other handlers for the same event.
type Handler func(ctx context.Context, ev events.ChannelEvent) error

// Handle identifies one registration. Unsubscribe removes exactly that
// registration even when the same function is registered twice.
type Handle uint64

type registration struct {
	handle  Handle
	handler Handler
}

type Router struct {
	mu       sync.RWMutex
	next     Handle
	handlers map[events.EventKind][]registration
	kinds    map[Handle]events.EventKind
}

func New() *Router {
	return &Router{
		handlers: make(map[events.EventKind][]registration),
		kinds:    make(map[Handle]events.EventKind),
	}
}

func (r *Router) Subscribe(kind events.EventKind, h Handler) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	handle := r.next
	r.handlers[kind] = append(r.handlers[kind], registration{handle: handle, handler: h})
	r.kinds[handle] = kind
	return handle
}

// Unsubscribe removes the registration. Unknown handles are ignored.
func (r *Router) Unsubscribe(handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind, ok := r.kinds[handle]
	if !ok {
		return
	}
	delete(r.kinds, handle)

	regs := r.handlers[kind]
	kept := make([]registration, 0, len(regs))
	for _, reg := range regs {
		if reg.handle != handle {
			kept = append(kept, reg)
		}
	}
	if len(kept) == 0 {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = kept
}

// Count returns the number of handlers registered for kind.
func (r *Router) Count(kind events.EventKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

// Dispatch runs every handler registered for ev.Kind before returning.
// Handler errors and panics are isolated; the joined failures are returned
// so callers can observe them. Events with no handlers are ignored.
func (r *Router) Dispatch(ctx context.Context, ev events.ChannelEvent) error {
	r.mu.RLock()
	regs := append([]registration(nil), r.handlers[ev.Kind]...)
	r.mu.RUnlock()

	if len(regs) == 0 {
		logger.DebugCF("router", "No handlers for event", map[string]any{
			"kind": string(ev.Kind),
		})
		return nil
	}

	metrics.EventsDispatched.WithLabelValues(string(ev.Kind)).Inc()

	var errs []error
	for _, reg := range regs {
		if err := invoke(ctx, reg.handler, ev); err != nil {
			metrics.HandlerFailures.WithLabelValues(string(ev.Kind)).Inc()
			logger.ErrorCF("router", "Handler failed", map[string]any{
				"kind":   string(ev.Kind),
				"handle": uint64(reg.handle),
				"error":  err.Error(),
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invoke(ctx context.Context, h Handler, ev events.ChannelEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, ev)
}

// Run consumes the bus until it is closed or ctx is done, dispatching each
// event to completion before taking the next.
func (r *Router) Run(ctx context.Context, b *bus.EventBus) {
	logger.InfoC("router", "Dispatch loop started")
	defer logger.InfoC("router", "Dispatch loop stopped")

	for {
		ev, ok := b.Consume(ctx)
		if !ok {
			return
		}
		_ = r.Dispatch(ctx, ev)
	}
}
