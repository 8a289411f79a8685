package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/tinysip/pkg/events"
	"github.com/tinyland-inc/tinysip/pkg/logger"
)

// PushFrameKind is the frame type carrying a snapshot on the push socket.
const PushFrameKind events.EventKind = "dashboard"

// PushSource receives snapshots over a websocket. A handshake the server
// refuses as not found or upgrade-required means push is not offered;
// a connection that keeps dropping is abandoned after MaxAttempts.
type PushSource struct {
	URL         string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	dialer *websocket.Dialer
}

func NewPushSource(url string, maxAttempts int, baseDelay, maxDelay time.Duration) *PushSource {
	return &PushSource{
		URL:         url,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		dialer:      &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
	}
}

func (p *PushSource) Mode() Mode { return ModePush }

func (p *PushSource) Run(ctx context.Context, sink Sink) error {
	if p.URL == "" {
		return ErrUnsupported
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	retries := backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	retries.Reset()

	for {
		conn, resp, err := p.dialer.DialContext(ctx, p.URL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			retries.Reset()
			err = p.serve(ctx, conn, sink)
			_ = conn.Close()
		} else if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUpgradeRequired) {
			return ErrUnsupported
		}
		if ctx.Err() != nil {
			return nil
		}
		sink.Fail(err)

		delay := retries.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("push gave up: %w", err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (p *PushSource) serve(ctx context.Context, conn *websocket.Conn, sink Sink) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger.InfoCF("dashboard", "Push connected", map[string]any{"url": p.URL})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("push read: %w", err)
		}
		ev, err := events.ParseFrame(raw, time.Now())
		if err != nil {
			logger.WarnCF("dashboard", "Dropping malformed push frame", map[string]any{"error": err.Error()})
			continue
		}
		if ev.Kind != PushFrameKind {
			continue
		}
		var snap Snapshot
		if err := ev.Decode(&snap); err != nil {
			sink.Fail(err)
			continue
		}
		sink.Deliver(snap)
	}
}
