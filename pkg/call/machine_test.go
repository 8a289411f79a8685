package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/tinysip/pkg/api"
	"github.com/tinyland-inc/tinysip/pkg/events"
	"github.com/tinyland-inc/tinysip/pkg/router"
)

type fakeAPI struct {
	mu        sync.Mutex
	startErr  error
	answerErr error
	status    *api.Call
	statusErr error
	rejected  map[string]string
	hungUp    []string
	// onStart runs inside StartCall, before the server id is returned.
	onStart func()
}

func newFakeAPI() *fakeAPI { return &fakeAPI{rejected: map[string]string{}} }

func (f *fakeAPI) StartCall(_ context.Context, req api.StartCallRequest) (*api.Call, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.onStart != nil {
		f.onStart()
	}
	return &api.Call{CallID: "srv-1", To: req.To, State: "RINGING"}, nil
}

func (f *fakeAPI) AnswerCall(_ context.Context, callID, _ string) (*api.Call, error) {
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	return &api.Call{CallID: callID, State: "ACTIVE"}, nil
}

func (f *fakeAPI) RejectCall(_ context.Context, callID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[callID] = reason
	return nil
}

func (f *fakeAPI) HangupCall(_ context.Context, callID string) (*api.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungUp = append(f.hungUp, callID)
	return &api.Call{CallID: callID, State: "ENDED"}, nil
}

func (f *fakeAPI) GetCallStatus(context.Context, string) (*api.Call, error) {
	return f.status, f.statusErr
}

type fakeMedia struct {
	mu         sync.Mutex
	sdp        map[string]string
	candidates map[string][]string
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{sdp: map[string]string{}, candidates: map[string][]string{}}
}

func (f *fakeMedia) RemoteDescription(callID, sdp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sdp[callID] = sdp
}

func (f *fakeMedia) RemoteCandidate(callID string, c json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates[callID] = append(f.candidates[callID], string(c))
}

type fakeSignaler struct {
	kind events.EventKind
	data any
}

func (f *fakeSignaler) Send(_ context.Context, kind events.EventKind, data any) error {
	f.kind, f.data = kind, data
	return nil
}

func frame(t *testing.T, kind events.EventKind, data any) events.ChannelEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return events.ChannelEvent{Kind: kind, Timestamp: time.Now(), Data: raw}
}

func incoming(t *testing.T, m *Machine, callID, from string) {
	t.Helper()
	require.NoError(t, m.HandleIncomingCall(context.Background(), frame(t, events.KindIncomingCall,
		events.IncomingCall{CallID: callID, From: from, Type: "AUDIO", SDP: "offer-" + callID})))
}

func remote(t *testing.T, m *Machine, callID string, to State) {
	t.Helper()
	require.NoError(t, m.HandleStateChanged(context.Background(), frame(t, events.KindCallStateChanged,
		events.CallStateChanged{CallID: callID, NewState: string(to)})))
}

func TestTransitionTable(t *testing.T) {
	all := []State{StateRinging, StateActive, StateEnded, StateRejected, StateCancelled, StateFailed}
	legal := map[State][]State{
		StateRinging: {StateActive, StateRejected, StateCancelled, StateEnded, StateFailed},
		StateActive:  {StateEnded, StateFailed},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, l := range legal[from] {
				if l == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
		if got, want := from.Terminal(), len(legal[from]) == 0; got != want {
			t.Errorf("%s.Terminal(): got %v, want %v", from, got, want)
		}
	}
}

func TestRemoteTransitions_UnreachableIgnored(t *testing.T) {
	m := NewMachine(newFakeAPI())
	incoming(t, m, "c1", "bob")

	remote(t, m, "c1", StateActive)
	remote(t, m, "c1", StateRinging)   // backwards
	remote(t, m, "c1", StateRejected)  // not from ACTIVE
	remote(t, m, "c1", StateCancelled) // not from ACTIVE

	c, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, StateActive, c.State)
	require.NotNil(t, c.AnsweredAt)

	remote(t, m, "c1", StateEnded)
	_, ok = m.Current()
	assert.False(t, ok, "terminal calls are no longer live")

	remote(t, m, "c1", StateActive) // stale event after the end
	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StateEnded, hist[0].State)
}

func TestBusyPolicy_RejectsSecondIncoming(t *testing.T) {
	fake := newFakeAPI()
	m := NewMachine(fake)
	ctx := context.Background()

	incoming(t, m, "c1", "bob")
	require.NoError(t, m.Answer(ctx, "c1", "answer-sdp"))

	var seen []Call
	m.OnChange(func(c Call) { seen = append(seen, c) })

	incoming(t, m, "c2", "carol")
	m.Wait()

	require.Len(t, seen, 1)
	assert.Equal(t, "c2", seen[0].CallID)
	assert.Equal(t, StateRejected, seen[0].State)
	assert.Equal(t, "busy", seen[0].EndReason)

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "c1", cur.CallID)
	assert.Equal(t, StateActive, cur.State)

	fake.mu.Lock()
	assert.Equal(t, "busy", fake.rejected["c2"])
	fake.mu.Unlock()
}

func TestOutgoing_AnsweredThenHangup(t *testing.T) {
	fake := newFakeAPI()
	media := newFakeMedia()
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMachine(fake, WithMediaSink(media), WithSelf("alice"),
		WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	c, err := m.StartOutgoing(ctx, "bob", TypeVideo, "offer")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", c.CallID, "server id replaces the provisional one")
	assert.Equal(t, StateRinging, c.State)
	assert.Equal(t, DirectionOutgoing, c.Direction)
	assert.Equal(t, "alice", c.From)

	_, err = m.StartOutgoing(ctx, "carol", TypeAudio, "offer")
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, m.HandleStateChanged(ctx, frame(t, events.KindCallStateChanged,
		events.CallStateChanged{CallID: "srv-1", NewState: "ACTIVE", SDP: "remote-answer"})))
	assert.Equal(t, "remote-answer", media.sdp["srv-1"])

	clock = clock.Add(42 * time.Second)
	require.NoError(t, m.Hangup(ctx, "srv-1"))

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StateEnded, hist[0].State)
	assert.Equal(t, 42*time.Second, hist[0].Duration)
	assert.Equal(t, []string{"srv-1"}, fake.hungUp)
}

func TestOutgoing_EarlyRemoteChangeReplayed(t *testing.T) {
	fake := newFakeAPI()
	m := NewMachine(fake, WithSelf("alice"))
	fake.onStart = func() {
		remote(t, m, "srv-1", StateRejected)
		remote(t, m, "other", StateActive)
	}

	c, err := m.StartOutgoing(context.Background(), "bob", TypeAudio, "offer")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", c.CallID)
	assert.Equal(t, StateRejected, c.State)

	_, live := m.Current()
	assert.False(t, live)
	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StateRejected, hist[0].State)
}

func TestOutgoing_RequestFailureFails(t *testing.T) {
	fake := newFakeAPI()
	fake.startErr = &api.RequestError{Op: "startCall", Status: 404, Code: "USER_NOT_FOUND"}
	m := NewMachine(fake)

	c, err := m.StartOutgoing(context.Background(), "ghost", TypeAudio, "offer")
	var rerr *api.RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, StateFailed, c.State)
	assert.Nil(t, c.AnsweredAt)
	assert.Zero(t, c.Duration)

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestHangup_FromRingingEnds(t *testing.T) {
	fake := newFakeAPI()
	m := NewMachine(fake)
	ctx := context.Background()

	incoming(t, m, "in-1", "carol")
	require.NoError(t, m.Hangup(ctx, "in-1"))

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StateEnded, hist[0].State)
	assert.Equal(t, "hangup", hist[0].EndReason)
	assert.Nil(t, hist[0].AnsweredAt)
	assert.Zero(t, hist[0].Duration)
	assert.Equal(t, []string{"in-1"}, fake.hungUp)
}

func TestLocalActions_DirectionAndState(t *testing.T) {
	fake := newFakeAPI()
	m := NewMachine(fake)
	ctx := context.Background()

	assert.ErrorIs(t, m.Answer(ctx, "nope", ""), ErrNoCall)

	c, err := m.StartOutgoing(ctx, "bob", TypeAudio, "offer")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Answer(ctx, c.CallID, "sdp"), ErrWrongDirection)
	assert.ErrorIs(t, m.Reject(ctx, c.CallID), ErrWrongDirection)
	require.NoError(t, m.Cancel(ctx, c.CallID))
	assert.Equal(t, StateCancelled, m.History()[0].State)

	incoming(t, m, "in-1", "carol")
	require.NoError(t, m.Reject(ctx, "in-1"))
	assert.Equal(t, "declined", fake.rejected["in-1"])

	incoming(t, m, "in-2", "dave")
	require.NoError(t, m.Answer(ctx, "in-2", "sdp"))
	err = m.Cancel(ctx, "in-2")
	assert.ErrorIs(t, err, ErrWrongDirection)

	var conflict *StateConflictError
	assert.False(t, errors.As(m.Hangup(ctx, "in-2"), &conflict))
	assert.ErrorIs(t, m.Hangup(ctx, "in-2"), ErrNoCall, "ended calls are read-only")
}

func TestAnswer_RequestFailureFails(t *testing.T) {
	fake := newFakeAPI()
	fake.answerErr = errors.New("network down")
	m := NewMachine(fake)

	incoming(t, m, "c1", "bob")
	err := m.Answer(context.Background(), "c1", "sdp")
	require.Error(t, err)

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StateFailed, hist[0].State)
	assert.Equal(t, "network down", hist[0].EndReason)
}

func TestRingTimeout_CancelsOutgoing(t *testing.T) {
	fake := newFakeAPI()
	m := NewMachine(fake, WithRingTimeout(10*time.Millisecond))

	c, err := m.StartOutgoing(context.Background(), "bob", TypeAudio, "offer")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, live := m.Current()
		return !live
	}, time.Second, 2*time.Millisecond)
	m.Wait()

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StateCancelled, hist[0].State)
	assert.Equal(t, "no answer", hist[0].EndReason)

	fake.mu.Lock()
	assert.Equal(t, []string{c.CallID}, fake.hungUp)
	fake.mu.Unlock()
}

func TestTransportLost_FailsLiveCall(t *testing.T) {
	m := NewMachine(newFakeAPI())
	m.HandleTransportLost() // no call: no-op

	incoming(t, m, "c1", "bob")
	m.HandleTransportLost()

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, StateFailed, hist[0].State)
}

func TestICECandidates(t *testing.T) {
	media := newFakeMedia()
	sig := &fakeSignaler{}
	m := NewMachine(newFakeAPI(), WithMediaSink(media), WithSignaler(sig))
	ctx := context.Background()

	incoming(t, m, "c1", "bob")
	require.NoError(t, m.HandleICECandidate(ctx, frame(t, events.KindICECandidate,
		events.ICECandidate{CallID: "c1", Candidate: json.RawMessage(`{"candidate":"a"}`)})))

	assert.Equal(t, []string{`{"candidate":"a"}`}, media.candidates["c1"])
	c, _ := m.Current()
	assert.Equal(t, StateRinging, c.State, "candidates are not transitions")

	require.NoError(t, m.SendICECandidate(ctx, "c1", json.RawMessage(`{"candidate":"b"}`)))
	assert.Equal(t, events.KindICECandidate, sig.kind)
	assert.Equal(t, "c1", sig.data.(events.ICECandidate).CallID)
}

func TestReconcile(t *testing.T) {
	fake := newFakeAPI()
	m := NewMachine(fake)
	ctx := context.Background()
	require.NoError(t, m.Reconcile(ctx), "nothing to reconcile")

	incoming(t, m, "c1", "bob")
	fake.status = &api.Call{CallID: "c1", State: "CANCELLED"}
	require.NoError(t, m.Reconcile(ctx))
	assert.Equal(t, StateCancelled, m.History()[0].State)

	incoming(t, m, "c2", "bob")
	fake.status, fake.statusErr = nil, &api.RequestError{Op: "getCallStatus", Status: 404}
	require.NoError(t, m.Reconcile(ctx))
	assert.Equal(t, StateFailed, m.History()[1].State)
}

func TestRegister(t *testing.T) {
	m := NewMachine(newFakeAPI())
	r := router.New()
	handles := m.Register(r)
	require.Len(t, handles, 3)

	require.NoError(t, r.Dispatch(context.Background(), frame(t, events.KindIncomingCall,
		events.IncomingCall{CallID: "c9", From: "eve", Type: "VIDEO"})))
	c, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, TypeVideo, c.Type)
	assert.Equal(t, "eve", c.Peer())
}
