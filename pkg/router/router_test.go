package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/tinysip/pkg/bus"
	"github.com/tinyland-inc/tinysip/pkg/events"
)

func event(kind events.EventKind) events.ChannelEvent {
	return events.ChannelEvent{Kind: kind, Timestamp: time.Now()}
}

func TestDispatch_AllHandlersRun(t *testing.T) {
	r := New()
	var calls []string
	r.Subscribe(events.KindMessageReceived, func(context.Context, events.ChannelEvent) error {
		calls = append(calls, "a")
		return nil
	})
	r.Subscribe(events.KindMessageReceived, func(context.Context, events.ChannelEvent) error {
		calls = append(calls, "b")
		return nil
	})
	r.Subscribe(events.KindIncomingCall, func(context.Context, events.ChannelEvent) error {
		calls = append(calls, "other")
		return nil
	})

	require.NoError(t, r.Dispatch(context.Background(), event(events.KindMessageReceived)))
	assert.ElementsMatch(t, []string{"a", "b"}, calls)
}

func TestDispatch_FailureIsolated(t *testing.T) {
	r := New()
	ran := 0
	boom := errors.New("boom")

	r.Subscribe(events.KindPing, func(context.Context, events.ChannelEvent) error { return boom })
	r.Subscribe(events.KindPing, func(context.Context, events.ChannelEvent) error { panic("kaboom") })
	r.Subscribe(events.KindPing, func(context.Context, events.ChannelEvent) error {
		ran++
		return nil
	})

	err := r.Dispatch(context.Background(), event(events.KindPing))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, 1, ran, "healthy handler still runs")
}

func TestDispatch_UnknownKindIgnored(t *testing.T) {
	r := New()
	assert.NoError(t, r.Dispatch(context.Background(), event("SOMETHING_NEW")))
}

func TestUnsubscribe_RemovesOnlyThatHandle(t *testing.T) {
	r := New()
	count := 0
	h := func(context.Context, events.ChannelEvent) error {
		count++
		return nil
	}

	first := r.Subscribe(events.KindPong, h)
	r.Subscribe(events.KindPong, h)
	require.Equal(t, 2, r.Count(events.KindPong))

	r.Unsubscribe(first)
	r.Unsubscribe(first) // second removal is a no-op
	assert.Equal(t, 1, r.Count(events.KindPong))

	require.NoError(t, r.Dispatch(context.Background(), event(events.KindPong)))
	assert.Equal(t, 1, count)
}

func TestRun_DispatchesInArrivalOrder(t *testing.T) {
	r := New()
	b := bus.NewEventBus(10)

	var mu sync.Mutex
	var seen []string
	r.Subscribe(events.KindMessageReceived, func(_ context.Context, ev events.ChannelEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(ev.Data))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx, b)
		close(done)
	}()

	for _, n := range []string{"1", "2", "3", "4"} {
		require.NoError(t, b.Publish(ctx, events.ChannelEvent{Kind: events.KindMessageReceived, Data: []byte(n)}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3", "4"}, seen)
	mu.Unlock()

	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after bus Close")
	}
}
