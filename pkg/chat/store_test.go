package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/tinysip/pkg/api"
	"github.com/tinyland-inc/tinysip/pkg/events"
	"github.com/tinyland-inc/tinysip/pkg/router"
)

type fakeAPI struct {
	mu       sync.Mutex
	sendErr  error
	sendGate chan struct{}
	sent     []api.SendMessageRequest
	nextID   int
	sessions []api.Session
	history  map[string]*api.MessageHistory
	getCalls atomic.Int32
	sessGate chan struct{}
}

func (f *fakeAPI) SendMessage(_ context.Context, req api.SendMessageRequest) (*api.Message, error) {
	if f.sendGate != nil {
		<-f.sendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	return &api.Message{
		MessageID:   fmt.Sprintf("m-%d", f.nextID),
		ClientMsgID: req.Metadata.ClientMsgID,
		Content:     req.Content,
		Status:      "SENT",
	}, nil
}

func (f *fakeAPI) GetSessions(context.Context) ([]api.Session, error) {
	f.getCalls.Add(1)
	if f.sessGate != nil {
		<-f.sessGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.Session(nil), f.sessions...), nil
}

func (f *fakeAPI) GetSessionHistory(_ context.Context, id string) (*api.MessageHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.history[id]
	if !ok {
		return nil, &api.RequestError{Op: "getSessionHistory", Status: 404}
	}
	return h, nil
}

func sequentialIDs() Option {
	var n atomic.Int32
	return WithIDGenerator(func() string { return fmt.Sprintf("c-%d", n.Add(1)) })
}

func frame(t *testing.T, kind events.EventKind, data any) events.ChannelEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return events.ChannelEvent{Kind: kind, Timestamp: time.Now(), Data: raw}
}

func TestSend_OptimisticThenSent(t *testing.T) {
	fake := &fakeAPI{sendGate: make(chan struct{})}
	s := NewStore(fake, WithSelf("alice"), sequentialIDs())

	msg := s.Send(context.Background(), "s1", "hi")
	assert.Equal(t, StatusSending, msg.Status)
	assert.Equal(t, "c-1", msg.ClientMsgID)

	tl := s.Timeline("s1")
	require.Len(t, tl, 1, "visible before the request completes")
	assert.Equal(t, StatusSending, tl[0].Status)

	close(fake.sendGate)
	s.Wait()

	tl = s.Timeline("s1")
	require.Len(t, tl, 1)
	assert.Equal(t, StatusSent, tl[0].Status)
	assert.Equal(t, "m-1", tl[0].MessageID)
	assert.Equal(t, "c-1", fake.sent[0].Metadata.ClientMsgID)
}

func TestConfirmationReplay_IsIdempotent(t *testing.T) {
	fake := &fakeAPI{sendGate: make(chan struct{})}
	s := NewStore(fake, WithSelf("alice"), sequentialIDs())
	ctx := context.Background()

	msg := s.Send(ctx, "s1", "hi")
	confirm := frame(t, events.KindMessageReceived, events.MessageReceived{
		MessageID: "m-srv", ClientMsgID: msg.ClientMsgID, SessionID: "s1",
		From: "alice", To: "bob", Content: "hi", Status: "DELIVERED",
	})

	require.NoError(t, s.HandleMessageReceived(ctx, confirm))
	first := s.Timeline("s1")
	require.NoError(t, s.HandleMessageReceived(ctx, confirm))
	require.NoError(t, s.HandleMessageReceived(ctx, confirm))

	tl := s.Timeline("s1")
	require.Len(t, tl, 1)
	assert.Equal(t, first, tl)
	assert.Equal(t, "m-srv", tl[0].MessageID)
	assert.Equal(t, StatusDelivered, tl[0].Status)

	// A late HTTP response must not move DELIVERED back to SENT.
	close(fake.sendGate)
	s.Wait()
	tl = s.Timeline("s1")
	require.Len(t, tl, 1)
	assert.Equal(t, StatusDelivered, tl[0].Status)
	assert.Equal(t, "m-srv", tl[0].MessageID)

	sess, ok := s.Session("s1")
	require.True(t, ok)
	assert.Zero(t, sess.UnreadCount, "own messages are never unread")
}

func TestEchoWithoutClientID_FoldedIntoOptimisticEntry(t *testing.T) {
	fake := &fakeAPI{sendGate: make(chan struct{})}
	s := NewStore(fake, WithSelf("alice"), sequentialIDs())
	ctx := context.Background()

	s.Send(ctx, "s1", "hi")
	require.NoError(t, s.HandleMessageReceived(ctx, frame(t, events.KindMessageReceived, events.MessageReceived{
		MessageID: "m-1", SessionID: "s1", From: "alice", To: "bob", Content: "hi",
	})))
	require.Len(t, s.Timeline("s1"), 2, "not correlatable until the send returns")

	close(fake.sendGate)
	s.Wait()

	tl := s.Timeline("s1")
	require.Len(t, tl, 1)
	assert.Equal(t, "m-1", tl[0].MessageID)
	assert.Equal(t, "c-1", tl[0].ClientMsgID)
}

func TestSend_FailureStaysVisibleAndRetries(t *testing.T) {
	fake := &fakeAPI{sendErr: &api.RequestError{Op: "sendMessage", Status: 500}}
	s := NewStore(fake, sequentialIDs())
	ctx := context.Background()

	msg := s.Send(ctx, "s1", "hello?")
	s.Wait()

	tl := s.Timeline("s1")
	require.Len(t, tl, 1)
	assert.Equal(t, StatusFailed, tl[0].Status)
	assert.Contains(t, tl[0].Error, "sendMessage")

	_, err := s.Retry(ctx, "s1", "nope")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	fake.mu.Lock()
	fake.sendErr = nil
	fake.mu.Unlock()

	retried, err := s.Retry(ctx, "s1", msg.ClientMsgID)
	require.NoError(t, err)
	assert.NotEqual(t, msg.ClientMsgID, retried.ClientMsgID)
	s.Wait()

	tl = s.Timeline("s1")
	require.Len(t, tl, 2)
	assert.Equal(t, StatusFailed, tl[0].Status)
	assert.Equal(t, StatusSent, tl[1].Status)

	_, err = s.Retry(ctx, "s1", retried.ClientMsgID)
	assert.ErrorIs(t, err, ErrNotFailed)
}

func TestUnreadAccounting(t *testing.T) {
	s := NewStore(&fakeAPI{}, WithSelf("alice"))
	ctx := context.Background()
	s.Activate("s1")

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.HandleMessageReceived(ctx, frame(t, events.KindMessageReceived, events.MessageReceived{
			MessageID: fmt.Sprintf("m-%d", i), SessionID: "s2", From: "bob", To: "alice", Content: "ping",
		})))
	}

	sess, ok := s.Session("s2")
	require.True(t, ok)
	assert.Equal(t, 3, sess.UnreadCount)
	assert.Equal(t, "bob", sess.Peer.UserID)
	for _, m := range s.Timeline("s2") {
		assert.Equal(t, DirectionPeer, m.Direction)
		assert.Equal(t, StatusDelivered, m.Status)
	}

	s.Activate("s2")
	sess, _ = s.Session("s2")
	assert.Zero(t, sess.UnreadCount)

	// Messages into the active session do not count.
	require.NoError(t, s.HandleMessageReceived(ctx, frame(t, events.KindMessageReceived, events.MessageReceived{
		MessageID: "m-4", SessionID: "s2", From: "bob", Content: "there?",
	})))
	sess, _ = s.Session("s2")
	assert.Zero(t, sess.UnreadCount)

	// Duplicate delivery does not double count either.
	s.Activate("s1")
	dup := frame(t, events.KindMessageReceived, events.MessageReceived{MessageID: "m-5", SessionID: "s2", From: "bob", Content: "x"})
	require.NoError(t, s.HandleMessageReceived(ctx, dup))
	require.NoError(t, s.HandleMessageReceived(ctx, dup))
	sess, _ = s.Session("s2")
	assert.Equal(t, 1, sess.UnreadCount)
}

func TestStatusUpdated_IsMonotonic(t *testing.T) {
	s := NewStore(&fakeAPI{}, sequentialIDs())
	ctx := context.Background()
	s.Send(ctx, "s1", "hi")
	s.Wait()

	update := func(status string) {
		require.NoError(t, s.HandleMessageStatusUpdated(ctx, frame(t, events.KindMessageStatusUpdated,
			events.MessageStatusUpdated{MessageID: "m-1", Status: status})))
	}

	update("READ")
	update("DELIVERED")
	update("FAILED")
	assert.Equal(t, StatusRead, s.Timeline("s1")[0].Status)

	err := s.HandleMessageStatusUpdated(ctx, frame(t, events.KindMessageStatusUpdated,
		events.MessageStatusUpdated{MessageID: "m-1", Status: "EXPLODED"}))
	var perr *events.ProtocolError
	assert.True(t, errors.As(err, &perr))
}

func TestRefreshSessions_ReplacesButKeepsLocalState(t *testing.T) {
	now := time.Now()
	fake := &fakeAPI{
		sendGate: make(chan struct{}),
		sessions: []api.Session{
			{SessionID: "s1", Peer: api.Peer{UserID: "bob"}, UnreadCount: 4, UpdatedAt: now},
			{SessionID: "s2", Peer: api.Peer{UserID: "carol"}, UnreadCount: 2, UpdatedAt: now.Add(-time.Minute)},
		},
	}
	s := NewStore(fake, WithSelf("alice"), sequentialIDs())
	ctx := context.Background()

	require.NoError(t, s.HandleMessageReceived(ctx, frame(t, events.KindMessageReceived, events.MessageReceived{
		MessageID: "old", SessionID: "stale", From: "dave", Content: "gone soon",
	})))
	s.Send(ctx, "draft", "not yet on the server")
	s.Activate("s1")

	require.NoError(t, s.RefreshSessions(ctx))

	ids := map[string]Session{}
	for _, sess := range s.Sessions() {
		ids[sess.SessionID] = sess
	}
	assert.Contains(t, ids, "s1")
	assert.Contains(t, ids, "s2")
	assert.Contains(t, ids, "draft", "pending-only session survives")
	assert.NotContains(t, ids, "stale", "server list replaces local sessions")
	assert.Zero(t, ids["s1"].UnreadCount, "active session stays read")
	assert.Equal(t, 2, ids["s2"].UnreadCount)
	assert.Empty(t, s.Timeline("stale"))

	close(fake.sendGate)
	s.Wait()
}

func TestRefreshSessions_KeepsFailedSends(t *testing.T) {
	fake := &fakeAPI{sendErr: &api.RequestError{Op: "sendMessage", Status: 500}}
	s := NewStore(fake, WithSelf("alice"), sequentialIDs())
	ctx := context.Background()

	s.Send(ctx, "new-peer", "hi")
	s.Wait()
	require.Len(t, s.Timeline("new-peer"), 1)
	require.Equal(t, StatusFailed, s.Timeline("new-peer")[0].Status)

	require.NoError(t, s.RefreshSessions(ctx))

	tl := s.Timeline("new-peer")
	require.Len(t, tl, 1, "failed send is never dropped by a refresh")
	assert.Equal(t, StatusFailed, tl[0].Status)
	_, ok := s.Session("new-peer")
	assert.True(t, ok)
}

func TestUserStatusChanged_UpdatesPeerPresence(t *testing.T) {
	fake := &fakeAPI{sessions: []api.Session{
		{SessionID: "s1", Peer: api.Peer{UserID: "bob", Status: "OFFLINE"}},
		{SessionID: "s2", Peer: api.Peer{UserID: "carol", Status: "OFFLINE"}},
	}}
	s := NewStore(fake)
	ctx := context.Background()
	require.NoError(t, s.RefreshSessions(ctx))

	var changed []string
	s.OnChange(func(id string) { changed = append(changed, id) })

	ev := frame(t, events.KindUserStatusChanged, events.UserStatusChanged{
		UserID: "bob", OldStatus: "OFFLINE", NewStatus: "ONLINE",
	})
	require.NoError(t, s.HandleUserStatusChanged(ctx, ev))

	bob, _ := s.Session("s1")
	carol, _ := s.Session("s2")
	assert.Equal(t, "ONLINE", bob.Peer.Status)
	assert.Equal(t, "OFFLINE", carol.Peer.Status)
	assert.Equal(t, []string{"s1"}, changed)

	require.NoError(t, s.HandleUserStatusChanged(ctx, ev))
	assert.Equal(t, []string{"s1"}, changed, "repeated status is not a change")

	var perr *events.ProtocolError
	assert.ErrorAs(t, s.HandleUserStatusChanged(ctx, frame(t, events.KindUserStatusChanged,
		events.UserStatusChanged{NewStatus: "ONLINE"})), &perr)
}

func TestRefreshSessions_CollapsesConcurrentCalls(t *testing.T) {
	fake := &fakeAPI{sessGate: make(chan struct{})}
	s := NewStore(fake)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.RefreshSessions(context.Background()))
		}()
	}
	require.Eventually(t, func() bool { return fake.getCalls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fake.sessGate)
	wg.Wait()

	assert.Less(t, fake.getCalls.Load(), int32(5))
}

func TestLoadHistory_MergesAndKeepsPendingTail(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := &fakeAPI{
		sendGate: make(chan struct{}),
		history: map[string]*api.MessageHistory{
			"s1": {
				SessionID: "s1",
				Peer:      api.Peer{UserID: "bob", DisplayName: "Bob"},
				Messages: []api.Message{
					{MessageID: "h1", From: "bob", To: "alice", Content: "first", Timestamp: base},
					{MessageID: "h2", From: "alice", To: "bob", Content: "second", Timestamp: base.Add(time.Second), Status: "DELIVERED"},
				},
			},
		},
	}
	s := NewStore(fake, WithSelf("alice"), sequentialIDs())
	ctx := context.Background()

	require.NoError(t, s.HandleMessageReceived(ctx, frame(t, events.KindMessageReceived, events.MessageReceived{
		MessageID: "h1", SessionID: "s1", From: "bob", Content: "first",
	})))
	s.Send(ctx, "s1", "pending")

	require.NoError(t, s.LoadHistory(ctx, "s1"))

	tl := s.Timeline("s1")
	require.Len(t, tl, 3)
	assert.Equal(t, "h1", tl[0].MessageID)
	assert.Equal(t, DirectionOwn, tl[1].Direction)
	assert.Equal(t, StatusDelivered, tl[1].Status)
	assert.Equal(t, "pending", tl[2].Content)
	assert.Equal(t, StatusSending, tl[2].Status)

	sess, _ := s.Session("s1")
	assert.Equal(t, "Bob", sess.Peer.DisplayName)

	var rerr *api.RequestError
	assert.ErrorAs(t, s.LoadHistory(ctx, "unknown"), &rerr)

	close(fake.sendGate)
	s.Wait()
}

func TestRegister_RoutesEvents(t *testing.T) {
	s := NewStore(&fakeAPI{})
	r := router.New()
	var changed []string
	s.OnChange(func(id string) { changed = append(changed, id) })

	handles := s.Register(r)
	require.Len(t, handles, 3)

	require.NoError(t, r.Dispatch(context.Background(), frame(t, events.KindMessageReceived, events.MessageReceived{
		MessageID: "m1", SessionID: "s9", From: "eve", Content: "yo",
	})))
	assert.Len(t, s.Timeline("s9"), 1)
	assert.Equal(t, []string{"s9"}, changed)

	for _, h := range handles {
		r.Unsubscribe(h)
	}
	assert.Zero(t, r.Count(events.KindMessageReceived))
	assert.Zero(t, r.Count(events.KindUserStatusChanged))
}
