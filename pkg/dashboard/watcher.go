// Package dashboard keeps a dashboard snapshot current over the best
// transport available: a push socket, then a server-sent event stream,
// then fixed-interval polling.
package dashboard

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/tinyland-inc/tinysip/pkg/logger"
	"github.com/tinyland-inc/tinysip/pkg/metrics"
)

var (
	// ErrUnsupported is returned by a source whose transport the server
	// does not offer. The watcher moves on to the next source.
	ErrUnsupported = errors.New("transport not supported by server")

	ErrNoSource = errors.New("no dashboard source left")
)

// Sink receives the results of a source's delivery attempts.
type Sink interface {
	Deliver(Snapshot)
	Fail(error)
}

// Source produces snapshots until ctx is done. A returned error means the
// source gave up and the next one should be tried.
type Source interface {
	Mode() Mode
	Run(ctx context.Context, sink Sink) error
}

type Watcher struct {
	sources []Source
	poller  *Poller

	mu         sync.RWMutex
	snapshot   Snapshot
	have       bool
	status     Status
	onSnapshot []func(Snapshot)
	onStatus   []func(Status)
	now        func() time.Time
}

type Option func(*Watcher)

// WithPoller enables Refresh and an initial fetch before the first source
// starts.
func WithPoller(p *Poller) Option {
	return func(w *Watcher) { w.poller = p }
}

func NewWatcher(sources []Source, opts ...Option) *Watcher {
	w := &Watcher{sources: sources, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) OnSnapshot(fn func(Snapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onSnapshot = append(w.onSnapshot, fn)
}

func (w *Watcher) OnStatus(fn func(Status)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onStatus = append(w.onStatus, fn)
}

// Snapshot returns the last delivered snapshot.
func (w *Watcher) Snapshot() (Snapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot, w.have
}

func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Deliver replaces the current snapshot.
func (w *Watcher) Deliver(s Snapshot) {
	w.mu.Lock()
	w.snapshot = s
	w.have = true
	w.status.LastUpdated = s.Timestamp
	if w.status.LastUpdated.IsZero() {
		w.status.LastUpdated = w.now()
	}
	w.status.Stale = false
	w.status.LastError = ""
	status := w.status
	snapFns := slices.Clone(w.onSnapshot)
	statusFns := slices.Clone(w.onStatus)
	w.mu.Unlock()

	metrics.SnapshotsDelivered.WithLabelValues(string(status.Mode)).Inc()
	for _, fn := range snapFns {
		fn(s)
	}
	for _, fn := range statusFns {
		fn(status)
	}
}

// Fail marks the view stale. The current snapshot is kept.
func (w *Watcher) Fail(err error) {
	w.mu.Lock()
	w.status.Stale = true
	w.status.LastError = err.Error()
	status := w.status
	statusFns := slices.Clone(w.onStatus)
	w.mu.Unlock()

	metrics.SnapshotFailures.WithLabelValues(string(status.Mode)).Inc()
	logger.WarnCF("dashboard", "Delivery failed, view is stale", map[string]any{
		"mode":  string(status.Mode),
		"error": err.Error(),
	})
	for _, fn := range statusFns {
		fn(status)
	}
}

func (w *Watcher) setMode(m Mode) {
	w.mu.Lock()
	w.status.Mode = m
	status := w.status
	statusFns := slices.Clone(w.onStatus)
	w.mu.Unlock()

	for _, fn := range statusFns {
		fn(status)
	}
}

// Refresh fetches one snapshot immediately.
func (w *Watcher) Refresh(ctx context.Context) error {
	if w.poller == nil {
		return errors.New("refresh needs a poller")
	}
	s, err := w.poller.Fetch(ctx)
	if err != nil {
		w.Fail(err)
		return err
	}
	w.Deliver(s)
	return nil
}

// Run tries each source in order until ctx is done. It returns nil on
// cancellation and ErrNoSource when every source has given up.
func (w *Watcher) Run(ctx context.Context) error {
	if w.poller != nil {
		_ = w.Refresh(ctx)
	}

	for _, src := range w.sources {
		w.setMode(src.Mode())
		logger.InfoCF("dashboard", "Using transport", map[string]any{"mode": string(src.Mode())})

		err := src.Run(ctx, w)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}
		logger.WarnCF("dashboard", "Transport unavailable, falling back", map[string]any{
			"mode":        string(src.Mode()),
			"unsupported": errors.Is(err, ErrUnsupported),
			"error":       err.Error(),
		})
	}

	w.setMode(ModeNone)
	return ErrNoSource
}
