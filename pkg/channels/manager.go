// Package channels owns the push channel: one websocket connection to the
// server with bounded exponential-backoff reconnection.
package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/tinysip/pkg/auth"
	"github.com/tinyland-inc/tinysip/pkg/bus"
	"github.com/tinyland-inc/tinysip/pkg/config"
	"github.com/tinyland-inc/tinysip/pkg/events"
	"github.com/tinyland-inc/tinysip/pkg/logger"
	"github.com/tinyland-inc/tinysip/pkg/metrics"
)

type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
	string(StateReconnecting),
	string(StateFailed),
}

// ErrNotConnected is wrapped in the TransportError returned by Send when
// there is no live connection.
var ErrNotConnected = errors.New("push channel not connected")

// TransportError reports a dropped or failed connection. The manager
// recovers from it by reconnecting.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// Status is delivered to lifecycle observers on every state change.
type Status struct {
	State State
	// Attempt is the reconnect attempt in progress; zero outside RECONNECTING.
	Attempt int
	// Reconnected is set on CONNECTED when the connection replaces one that
	// dropped, so consumers know to reconcile.
	Reconnected bool
	Err         error
}

type StatusListener func(Status)

type Option func(*Manager)

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

type Manager struct {
	url    string
	cfg    config.ChannelConfig
	bus    *bus.EventBus
	dialer *websocket.Dialer

	mu        sync.Mutex
	state     State
	attempts  int
	conn      *websocket.Conn
	cancel    context.CancelFunc
	cred      *auth.Credential
	listeners []StatusListener

	writeMu sync.Mutex
	running atomic.Bool
}

func NewManager(wsURL string, cfg config.ChannelConfig, b *bus.EventBus, opts ...Option) *Manager {
	m := &Manager{
		url:   wsURL,
		cfg:   cfg,
		bus:   b,
		state: StateDisconnected,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout.Std(),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	metrics.SetConnectionState(string(StateDisconnected), allStates)
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed reconnect attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// IsRunning reports whether a connection loop is alive.
func (m *Manager) IsRunning() bool { return m.running.Load() }

// OnStatus registers a lifecycle observer. Observers live until the next
// Disconnect.
func (m *Manager) OnStatus(l StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Connect dials the server and starts the read loop; on a nil return the
// channel is CONNECTED. It is a no-op while a connection is live or being
// established. A TransportError means the first dial failed and
// reconnection is already under way; an *auth.AuthError means the
// credential was refused and the channel is FAILED.
func (m *Manager) Connect(ctx context.Context, cred *auth.Credential) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		state := m.state
		m.mu.Unlock()
		logger.WarnCF("channel", "Connect called while already active", map[string]any{
			"state": string(state),
		})
		return nil
	}

	if err := cred.Check(time.Now()); err != nil {
		m.mu.Unlock()
		aerr := &auth.AuthError{Err: err}
		m.fail(context.Background(), aerr)
		return aerr
	}

	epoch, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.cred = cred
	m.attempts = 0
	m.state = StateConnecting
	listeners := append([]StatusListener(nil), m.listeners...)
	m.mu.Unlock()

	metrics.SetConnectionState(string(StateConnecting), allStates)
	for _, l := range listeners {
		l(Status{State: StateConnecting})
	}

	conn, err := m.dial(ctx)
	if err != nil {
		var aerr *auth.AuthError
		if errors.As(err, &aerr) {
			m.fail(epoch, err)
			cancel()
			return err
		}
		if epoch.Err() != nil {
			return err
		}
		logger.WarnCF("channel", "Initial connect failed, reconnecting", map[string]any{
			"error": err.Error(),
		})
		m.running.Store(true)
		go m.run(epoch, nil)
		return err
	}

	m.running.Store(true)
	if !m.attach(epoch, conn, false) {
		// Disconnect won the race.
		_ = conn.Close()
		m.running.Store(false)
		return nil
	}
	go m.run(epoch, conn)
	return nil
}

// Disconnect closes the connection, cancels any pending reconnect and drops
// every registered observer.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	prev := m.state
	m.state = StateDisconnected
	m.attempts = 0
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = conn.Close()
	}

	metrics.SetConnectionState(string(StateDisconnected), allStates)
	if prev != StateDisconnected {
		logger.InfoC("channel", "Disconnected")
		for _, l := range listeners {
			l(Status{State: StateDisconnected})
		}
	}
}

// Abort closes the connection and moves the channel to FAILED with err,
// for failures found outside the channel such as a credential the request
// API refused. Observers stay registered. It is a no-op unless a
// connection is live or being established.
func (m *Manager) Abort(err error) {
	m.mu.Lock()
	switch m.state {
	case StateDisconnected, StateFailed:
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateFailed
	listeners := append([]StatusListener(nil), m.listeners...)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	logger.ErrorCF("channel", "Push channel aborted", map[string]any{"error": err.Error()})
	metrics.SetConnectionState(string(StateFailed), allStates)
	for _, l := range listeners {
		l(Status{State: StateFailed, Err: err})
	}
}

// Send writes one outbound frame on the live connection.
func (m *Manager) Send(ctx context.Context, kind events.EventKind, data any) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if conn == nil || state != StateConnected {
		return &TransportError{Op: "send", Err: ErrNotConnected}
	}

	frame, err := events.EncodeFrame(kind, data, time.Now())
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", kind, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()

	u, err := url.Parse(m.url)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	q := u.Query()
	q.Set("token", cred.Token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)

	conn, resp, err := m.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &auth.AuthError{Status: resp.StatusCode, Err: err}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	if m.cfg.ReadLimit > 0 {
		conn.SetReadLimit(m.cfg.ReadLimit)
	}
	return conn, nil
}

// run owns one connection epoch: it serves the live connection and, when it
// drops unexpectedly, reconnects until the attempt budget runs out. A
// non-nil conn has already been attached by Connect.
func (m *Manager) run(epoch context.Context, conn *websocket.Conn) {
	defer m.running.Store(false)

	if conn == nil {
		if conn = m.redial(epoch); conn == nil {
			return
		}
	}

	for {
		err := m.serve(epoch, conn)
		_ = conn.Close()
		if epoch.Err() != nil {
			return
		}

		logger.WarnCF("channel", "Connection lost", map[string]any{"error": err.Error()})
		m.transition(epoch, Status{State: StateReconnecting, Err: err})

		if conn = m.redial(epoch); conn == nil {
			return
		}
	}
}

// redial reconnects and attaches the new connection, returning nil when
// the epoch ended or the attempt budget ran out.
func (m *Manager) redial(epoch context.Context) *websocket.Conn {
	conn := m.reconnect(epoch)
	if conn == nil {
		return nil
	}
	if !m.attach(epoch, conn, true) {
		_ = conn.Close()
		return nil
	}
	return conn
}

func (m *Manager) attach(epoch context.Context, conn *websocket.Conn, reconnected bool) bool {
	m.mu.Lock()
	if epoch.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.attempts = 0
	m.mu.Unlock()

	logger.InfoCF("channel", "Connected", map[string]any{"reconnected": reconnected})
	return m.transition(epoch, Status{State: StateConnected, Reconnected: reconnected})
}

func (m *Manager) reconnect(epoch context.Context) *websocket.Conn {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectBaseDelay.Std()
	if m.cfg.ReconnectMaxDelay > 0 {
		b.MaxInterval = m.cfg.ReconnectMaxDelay.Std()
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		m.mu.Lock()
		if epoch.Err() != nil {
			m.mu.Unlock()
			return nil
		}
		m.attempts = attempt
		m.conn = nil
		m.mu.Unlock()

		metrics.ReconnectAttempts.Inc()
		if !m.transition(epoch, Status{State: StateReconnecting, Attempt: attempt, Err: lastErr}) {
			return nil
		}

		delay := b.NextBackOff()
		logger.InfoCF("channel", "Reconnecting", map[string]any{
			"attempt":      attempt,
			"max_attempts": m.cfg.MaxReconnectAttempts,
			"delay":        delay.String(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-epoch.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := m.dial(epoch)
		if err == nil {
			return conn
		}
		lastErr = err

		var aerr *auth.AuthError
		if errors.As(err, &aerr) {
			m.fail(epoch, err)
			return nil
		}
		logger.WarnCF("channel", "Reconnect attempt failed", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
	}

	m.fail(epoch, &TransportError{
		Op:  "reconnect",
		Err: fmt.Errorf("gave up after %d attempts: %w", m.cfg.MaxReconnectAttempts, lastErr),
	})
	return nil
}

func (m *Manager) fail(epoch context.Context, err error) {
	logger.ErrorCF("channel", "Push channel failed", map[string]any{"error": err.Error()})
	m.transition(epoch, Status{State: StateFailed, Err: err})
}

// transition records a state change and notifies observers. Changes from an
// epoch that has been cancelled are discarded.
func (m *Manager) transition(epoch context.Context, st Status) bool {
	m.mu.Lock()
	if epoch.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.state = st.State
	if st.State == StateFailed {
		m.conn = nil
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
	}
	listeners := append([]StatusListener(nil), m.listeners...)
	m.mu.Unlock()

	metrics.SetConnectionState(string(st.State), allStates)
	for _, l := range listeners {
		l(st)
	}
	return true
}

// serve reads frames until the connection fails or the epoch ends.
func (m *Manager) serve(epoch context.Context, conn *websocket.Conn) error {
	interval := m.cfg.PingInterval.Std()
	extend := func() {
		if interval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * interval))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	if interval > 0 {
		go m.keepalive(conn, interval, stop)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}
		extend()

		ev, err := events.ParseFrame(raw, time.Now())
		if err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			logger.WarnCF("channel", "Dropping malformed frame", map[string]any{
				"error": err.Error(),
				"size":  len(raw),
			})
			continue
		}

		switch ev.Kind {
		case events.KindPing:
			if err := m.Send(epoch, events.KindPong, nil); err != nil {
				logger.DebugCF("channel", "PONG reply failed", map[string]any{"error": err.Error()})
			}
			continue
		case events.KindPong:
			continue
		}

		if err := m.bus.Publish(epoch, ev); err != nil {
			if epoch.Err() != nil {
				return epoch.Err()
			}
			metrics.FramesDropped.WithLabelValues("bus_closed").Inc()
			return &TransportError{Op: "publish", Err: err}
		}
	}
}

func (m *Manager) keepalive(conn *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval))
			m.writeMu.Unlock()
			if err != nil {
				logger.DebugCF("channel", "Keepalive ping failed", map[string]any{"error": err.Error()})
				return
			}
		}
	}
}
