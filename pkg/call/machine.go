// Package call models the lifecycle of the client's call from local actions
// and remote signaling events. At most one call is live at a time.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/tinysip/pkg/api"
	"github.com/tinyland-inc/tinysip/pkg/events"
	"github.com/tinyland-inc/tinysip/pkg/logger"
	"github.com/tinyland-inc/tinysip/pkg/metrics"
	"github.com/tinyland-inc/tinysip/pkg/router"
)

var (
	ErrBusy           = errors.New("another call is in progress")
	ErrNoCall         = errors.New("no such live call")
	ErrWrongDirection = errors.New("operation not valid for this call direction")
)

// API is the part of the request API the machine needs.
type API interface {
	StartCall(ctx context.Context, req api.StartCallRequest) (*api.Call, error)
	AnswerCall(ctx context.Context, callID, sdp string) (*api.Call, error)
	RejectCall(ctx context.Context, callID, reason string) error
	HangupCall(ctx context.Context, callID string) (*api.Call, error)
	GetCallStatus(ctx context.Context, callID string) (*api.Call, error)
}

// MediaSink receives signaling payloads for the media layer.
type MediaSink interface {
	RemoteDescription(callID, sdp string)
	RemoteCandidate(callID string, candidate json.RawMessage)
}

// Signaler sends frames on the push channel.
type Signaler interface {
	Send(ctx context.Context, kind events.EventKind, data any) error
}

type Option func(*Machine)

func WithMediaSink(s MediaSink) Option {
	return func(m *Machine) { m.media = s }
}

func WithSignaler(s Signaler) Option {
	return func(m *Machine) { m.signaler = s }
}

// WithRingTimeout cancels outgoing calls still ringing after d. Zero
// disables the timeout.
func WithRingTimeout(d time.Duration) Option {
	return func(m *Machine) { m.ringTimeout = d }
}

func WithSelf(userID string) Option {
	return func(m *Machine) { m.self = userID }
}

func WithClock(fn func() time.Time) Option {
	return func(m *Machine) { m.now = fn }
}

type Machine struct {
	api         API
	media       MediaSink
	signaler    Signaler
	ringTimeout time.Duration

	mu        sync.Mutex
	self      string
	current   *Call
	ringTimer *time.Timer
	history   []Call
	observers []func(Call)

	// provisional is the outgoing call whose server id is not known yet.
	// Remote changes for unknown ids are held until it is.
	provisional *Call
	held        []remoteChange

	inflight sync.WaitGroup
	now      func() time.Time
}

// maxHeld bounds the remote changes kept while a call id is provisional.
const maxHeld = 16

type remoteChange struct {
	callID string
	to     State
	sdp    string
	reason string
}

func NewMachine(a API, opts ...Option) *Machine {
	m := &Machine{
		api: a,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) SetSelf(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.self = userID
}

// OnChange registers fn to receive a copy of the call after every applied
// transition.
func (m *Machine) OnChange(fn func(Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Machine) Register(r *router.Router) []router.Handle {
	return []router.Handle{
		r.Subscribe(events.KindIncomingCall, m.HandleIncomingCall),
		r.Subscribe(events.KindCallStateChanged, m.HandleStateChanged),
		r.Subscribe(events.KindICECandidate, m.HandleICECandidate),
	}
}

// Current returns the live call, if any.
func (m *Machine) Current() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Call{}, false
	}
	return *m.current, true
}

// History returns finished calls, oldest first.
func (m *Machine) History() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.history...)
}

// Wait blocks until background signaling requests have completed.
func (m *Machine) Wait() { m.inflight.Wait() }

func (m *Machine) notify(c Call) {
	m.mu.Lock()
	observers := slices.Clone(m.observers)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(c)
	}
}

// live returns the current call if its id matches. Must hold m.mu.
func (m *Machine) live(callID string) *Call {
	if m.current != nil && m.current.CallID == callID {
		return m.current
	}
	return nil
}

func (m *Machine) finished(callID string) (Call, bool) {
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].CallID == callID {
			return m.history[i], true
		}
	}
	return Call{}, false
}

// apply moves c to state to. Must hold m.mu; the caller checks legality.
func (m *Machine) apply(c *Call, to State, reason string) Call {
	from := c.State
	now := m.now()
	c.State = to

	if to == StateActive && c.AnsweredAt == nil {
		c.AnsweredAt = &now
	}
	if to.Terminal() {
		c.EndedAt = &now
		if c.AnsweredAt != nil {
			c.Duration = now.Sub(*c.AnsweredAt)
		}
		c.EndReason = reason
		m.history = append(m.history, *c)
		if m.current == c {
			m.current = nil
			if m.ringTimer != nil {
				m.ringTimer.Stop()
				m.ringTimer = nil
			}
		}
	}

	metrics.CallTransitions.WithLabelValues(string(to)).Inc()
	logger.InfoCF("call", "Call state changed", map[string]any{
		"call_id": c.CallID,
		"from":    string(from),
		"to":      string(to),
		"reason":  reason,
	})
	return *c
}

// background runs a signaling request that must not block the caller,
// such as a busy reject issued from inside event dispatch.
func (m *Machine) background(op, callID string, fn func(ctx context.Context) error) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.WarnCF("call", "Signaling request failed", map[string]any{
				"op":      op,
				"call_id": callID,
				"error":   err.Error(),
			})
		}
	}()
}

// StartOutgoing creates a ringing outgoing call and submits it. The
// server's call id replaces the provisional one. If the request fails the
// call is FAILED and the error returned.
func (m *Machine) StartOutgoing(ctx context.Context, to string, typ Type, offerSDP string) (Call, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return Call{}, ErrBusy
	}
	c := &Call{
		CallID:    "local-" + uuid.NewString(),
		From:      m.self,
		To:        to,
		Type:      typ,
		State:     StateRinging,
		Direction: DirectionOutgoing,
		CreatedAt: m.now(),
		LocalSDP:  offerSDP,
	}
	m.current = c
	m.provisional = c
	m.held = nil
	if m.ringTimeout > 0 {
		m.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.ringExpired(c) })
	}
	snapshot := *c
	m.mu.Unlock()

	metrics.CallTransitions.WithLabelValues(string(StateRinging)).Inc()
	m.notify(snapshot)

	resp, err := m.api.StartCall(ctx, api.StartCallRequest{To: to, Type: string(typ), SDP: offerSDP})

	m.mu.Lock()
	held := m.held
	m.provisional = nil
	m.held = nil
	if c.State.Terminal() {
		// Cancelled or failed while the request was in flight.
		snapshot = *c
		m.mu.Unlock()
		return snapshot, err
	}
	if err != nil {
		snapshot = m.apply(c, StateFailed, err.Error())
		m.mu.Unlock()
		m.notify(snapshot)
		return snapshot, err
	}
	if resp.CallID != "" {
		c.CallID = resp.CallID
	}
	snapshot = *c
	m.mu.Unlock()

	m.notify(snapshot)

	if len(held) > 0 {
		for _, h := range held {
			if h.callID == snapshot.CallID {
				m.applyRemote(h.callID, h.to, h.sdp, h.reason)
			}
		}
		m.mu.Lock()
		snapshot = *c
		m.mu.Unlock()
	}
	return snapshot, nil
}

func (m *Machine) ringExpired(c *Call) {
	m.mu.Lock()
	if m.current != c || c.State != StateRinging {
		m.mu.Unlock()
		return
	}
	snapshot := m.apply(c, StateCancelled, "no answer")
	m.mu.Unlock()

	m.notify(snapshot)
	if snapshot.Direction == DirectionOutgoing {
		m.background("hangupCall", snapshot.CallID, func(ctx context.Context) error {
			_, err := m.api.HangupCall(ctx, snapshot.CallID)
			return err
		})
	}
}

// HandleIncomingCall creates a ringing incoming call. While another call
// is live the new one is rejected as busy and the live call is untouched.
func (m *Machine) HandleIncomingCall(_ context.Context, ev events.ChannelEvent) error {
	var p events.IncomingCall
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.CallID == "" {
		return &events.ProtocolError{Kind: ev.Kind, Reason: "incoming call without id"}
	}

	m.mu.Lock()
	if m.live(p.CallID) != nil {
		m.mu.Unlock()
		return nil
	}
	if _, done := m.finished(p.CallID); done {
		m.mu.Unlock()
		return nil
	}

	to := p.To
	if to == "" {
		to = m.self
	}
	c := &Call{
		CallID:    p.CallID,
		From:      p.From,
		To:        to,
		Type:      Type(p.Type),
		State:     StateRinging,
		Direction: DirectionIncoming,
		CreatedAt: ev.Timestamp,
		RemoteSDP: p.SDP,
	}

	if m.current != nil {
		busyWith := m.current.CallID
		snapshot := m.apply(c, StateRejected, "busy")
		m.mu.Unlock()

		logger.InfoCF("call", "Rejecting incoming call while busy", map[string]any{
			"call_id":   p.CallID,
			"busy_with": busyWith,
		})
		m.notify(snapshot)
		m.background("rejectCall", p.CallID, func(ctx context.Context) error {
			return m.api.RejectCall(ctx, p.CallID, "busy")
		})
		return nil
	}

	m.current = c
	snapshot := *c
	m.mu.Unlock()

	metrics.CallTransitions.WithLabelValues(string(StateRinging)).Inc()
	logger.InfoCF("call", "Incoming call", map[string]any{"call_id": p.CallID, "from": p.From})
	m.notify(snapshot)
	return nil
}

// local applies a user action to the live call after checking direction
// and reachability.
func (m *Machine) local(callID string, dir Direction, to State, reason string, prep func(*Call)) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.live(callID)
	if c == nil {
		return Call{}, ErrNoCall
	}
	if dir != "" && c.Direction != dir {
		return Call{}, ErrWrongDirection
	}
	if !c.State.CanTransition(to) {
		return Call{}, &StateConflictError{CallID: callID, From: c.State, To: to}
	}
	if prep != nil {
		prep(c)
	}
	return m.apply(c, to, reason), nil
}

// Answer accepts a ringing incoming call. If the answer cannot be
// submitted the call is FAILED.
func (m *Machine) Answer(ctx context.Context, callID, answerSDP string) error {
	snapshot, err := m.local(callID, DirectionIncoming, StateActive, "", func(c *Call) {
		c.LocalSDP = answerSDP
	})
	if err != nil {
		return err
	}
	m.notify(snapshot)

	if _, err := m.api.AnswerCall(ctx, callID, answerSDP); err != nil {
		_ = m.Fail(callID, err.Error())
		return err
	}
	return nil
}

// Reject declines a ringing incoming call.
func (m *Machine) Reject(ctx context.Context, callID string) error {
	snapshot, err := m.local(callID, DirectionIncoming, StateRejected, "declined", nil)
	if err != nil {
		return err
	}
	m.notify(snapshot)
	return m.api.RejectCall(ctx, callID, "declined")
}

// Cancel withdraws a ringing outgoing call.
func (m *Machine) Cancel(ctx context.Context, callID string) error {
	snapshot, err := m.local(callID, DirectionOutgoing, StateCancelled, "cancelled", nil)
	if err != nil {
		return err
	}
	m.notify(snapshot)
	_, err = m.api.HangupCall(ctx, callID)
	return err
}

// Hangup ends a ringing or active call.
func (m *Machine) Hangup(ctx context.Context, callID string) error {
	snapshot, err := m.local(callID, "", StateEnded, "hangup", nil)
	if err != nil {
		return err
	}
	m.notify(snapshot)
	_, err = m.api.HangupCall(ctx, callID)
	return err
}

// Fail moves a live call to FAILED. It is legal from every live state.
func (m *Machine) Fail(callID, reason string) error {
	snapshot, err := m.local(callID, "", StateFailed, reason, nil)
	if err != nil {
		return err
	}
	m.notify(snapshot)
	return nil
}

// HandleTransportLost fails the live call when the push channel is gone
// for good.
func (m *Machine) HandleTransportLost() {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil {
		return
	}
	_ = m.Fail(c.CallID, "transport lost")
}

// HandleStateChanged applies a remote transition. Unreachable transitions
// are logged as conflicts and ignored.
func (m *Machine) HandleStateChanged(_ context.Context, ev events.ChannelEvent) error {
	var p events.CallStateChanged
	if err := ev.Decode(&p); err != nil {
		return err
	}
	m.applyRemote(p.CallID, State(p.NewState), p.SDP, p.Reason)
	return nil
}

func (m *Machine) applyRemote(callID string, to State, sdp, reason string) {
	m.mu.Lock()
	c := m.live(callID)
	if c == nil {
		prev, done := m.finished(callID)
		if !done && m.provisional != nil && m.provisional == m.current && len(m.held) < maxHeld {
			m.held = append(m.held, remoteChange{callID: callID, to: to, sdp: sdp, reason: reason})
			m.mu.Unlock()
			logger.DebugCF("call", "Holding state change until call id is assigned", map[string]any{
				"call_id": callID,
				"state":   string(to),
			})
			return
		}
		m.mu.Unlock()
		if done && prev.State != to {
			m.conflict(&StateConflictError{CallID: callID, From: prev.State, To: to})
		} else if !done {
			logger.DebugCF("call", "State change for unknown call", map[string]any{"call_id": callID})
		}
		return
	}
	if c.State == to {
		m.mu.Unlock()
		return
	}
	if !c.State.CanTransition(to) {
		from := c.State
		m.mu.Unlock()
		m.conflict(&StateConflictError{CallID: callID, From: from, To: to})
		return
	}

	remoteAnswer := to == StateActive && c.Direction == DirectionOutgoing && sdp != ""
	if remoteAnswer {
		c.RemoteSDP = sdp
	}
	if reason == "" {
		reason = "remote"
	}
	snapshot := m.apply(c, to, reason)
	m.mu.Unlock()

	if remoteAnswer && m.media != nil {
		m.media.RemoteDescription(callID, sdp)
	}
	m.notify(snapshot)
}

func (m *Machine) conflict(err *StateConflictError) {
	metrics.StateConflicts.Inc()
	logger.WarnCF("call", "Ignoring unreachable transition", map[string]any{
		"call_id": err.CallID,
		"from":    string(err.From),
		"to":      string(err.To),
	})
}

// HandleICECandidate hands a remote candidate to the media layer. It never
// changes call state.
func (m *Machine) HandleICECandidate(_ context.Context, ev events.ChannelEvent) error {
	var p events.ICECandidate
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if m.media == nil {
		logger.DebugCF("call", "No media sink for candidate", map[string]any{"call_id": p.CallID})
		return nil
	}
	m.media.RemoteCandidate(p.CallID, p.Candidate)
	return nil
}

// SendICECandidate forwards a local candidate to the peer over the push
// channel.
func (m *Machine) SendICECandidate(ctx context.Context, callID string, candidate json.RawMessage) error {
	if m.signaler == nil {
		return errors.New("no signaling channel configured")
	}
	return m.signaler.Send(ctx, events.KindICECandidate, events.ICECandidate{
		CallID:    callID,
		Candidate: candidate,
	})
}

// Reconcile re-reads the live call from the server after a reconnect and
// applies its state through the usual reachability check.
func (m *Machine) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	c := m.current
	var callID string
	if c != nil {
		callID = c.CallID
	}
	m.mu.Unlock()
	if callID == "" {
		return nil
	}

	status, err := m.api.GetCallStatus(ctx, callID)
	if err != nil {
		var rerr *api.RequestError
		if errors.As(err, &rerr) && rerr.Status == http.StatusNotFound {
			_ = m.Fail(callID, "call unknown to server")
			return nil
		}
		return fmt.Errorf("reconciling call %s: %w", callID, err)
	}
	m.applyRemote(callID, State(status.State), status.SDP, "reconciled")
	return nil
}
