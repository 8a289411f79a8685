// Package chat keeps the session list and per-session message timelines,
// inserting sends optimistically and reconciling them with server
// confirmations.
package chat

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tinyland-inc/tinysip/pkg/api"
	"github.com/tinyland-inc/tinysip/pkg/events"
	"github.com/tinyland-inc/tinysip/pkg/logger"
	"github.com/tinyland-inc/tinysip/pkg/metrics"
	"github.com/tinyland-inc/tinysip/pkg/router"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrNotFailed       = errors.New("message has not failed")
)

// API is the part of the request API the store needs.
type API interface {
	SendMessage(ctx context.Context, req api.SendMessageRequest) (*api.Message, error)
	GetSessions(ctx context.Context) ([]api.Session, error)
	GetSessionHistory(ctx context.Context, sessionID string) (*api.MessageHistory, error)
}

type Option func(*Store)

// WithSelf sets the local user id, used to recognise our own messages when
// the server echoes them without a clientMsgId.
func WithSelf(userID string) Option {
	return func(s *Store) { s.self = userID }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

type Store struct {
	api API

	mu        sync.Mutex
	self      string
	sessions  map[string]*Session
	timelines map[string][]*Message
	active    string
	observers []func(sessionID string)

	refresh  singleflight.Group
	inflight sync.WaitGroup
	newID    func() string
	now      func() time.Time
}

func NewStore(a API, opts ...Option) *Store {
	s := &Store{
		api:       a,
		sessions:  make(map[string]*Session),
		timelines: make(map[string][]*Message),
		newID:     func() string { return ulid.Make().String() },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) SetSelf(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = userID
}

// OnChange registers fn to be called with the session id after every
// mutation of that session or its timeline.
func (s *Store) OnChange(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Register subscribes the store to the event kinds it consumes.
func (s *Store) Register(r *router.Router) []router.Handle {
	return []router.Handle{
		r.Subscribe(events.KindMessageReceived, s.HandleMessageReceived),
		r.Subscribe(events.KindMessageStatusUpdated, s.HandleMessageStatusUpdated),
		r.Subscribe(events.KindUserStatusChanged, s.HandleUserStatusChanged),
	}
}

// Wait blocks until every in-flight send has completed.
func (s *Store) Wait() { s.inflight.Wait() }

func (s *Store) notify(sessionIDs ...string) {
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, id := range sessionIDs {
		for _, fn := range observers {
			fn(id)
		}
	}
}

// ensureSession must be called with s.mu held.
func (s *Store) ensureSession(sessionID, peer string) *Session {
	sess, ok := s.sessions[sessionID]
	if !ok {
		if peer == "" {
			peer = sessionID
		}
		sess = &Session{SessionID: sessionID, Peer: Peer{UserID: peer}, UpdatedAt: s.now()}
		s.sessions[sessionID] = sess
	}
	return sess
}

func (s *Store) touch(sess *Session, msg *Message) {
	sess.LastMessage = msg.Content
	sess.LastMessageAt = msg.Timestamp
	if msg.Timestamp.After(sess.UpdatedAt) {
		sess.UpdatedAt = msg.Timestamp
	}
}

func (s *Store) findByClientID(sessionID, clientMsgID string) *Message {
	if clientMsgID == "" {
		return nil
	}
	for _, m := range s.timelines[sessionID] {
		if m.ClientMsgID == clientMsgID {
			return m
		}
	}
	return nil
}

func (s *Store) findByMessageID(sessionID, messageID string) *Message {
	if messageID == "" {
		return nil
	}
	for _, m := range s.timelines[sessionID] {
		if m.MessageID == messageID {
			return m
		}
	}
	return nil
}

// locate searches every timeline when sessionID is empty.
func (s *Store) locate(sessionID, messageID, clientMsgID string) *Message {
	ids := []string{sessionID}
	if sessionID == "" {
		ids = ids[:0]
		for id := range s.timelines {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		if m := s.findByMessageID(id, messageID); m != nil {
			return m
		}
		if m := s.findByClientID(id, clientMsgID); m != nil {
			return m
		}
	}
	return nil
}

// Send appends a SENDING message to the session's timeline and submits it
// in the background. The returned copy carries the clientMsgId used to
// correlate the server confirmation. The submission outlives ctx
// cancellation.
func (s *Store) Send(ctx context.Context, sessionID, content string) Message {
	s.mu.Lock()
	sess := s.ensureSession(sessionID, "")
	msg := &Message{
		ClientMsgID: s.newID(),
		SessionID:   sessionID,
		From:        s.self,
		To:          sess.Peer.UserID,
		Direction:   DirectionOwn,
		Content:     content,
		Status:      StatusSending,
		Timestamp:   s.now(),
	}
	s.timelines[sessionID] = append(s.timelines[sessionID], msg)
	s.touch(sess, msg)
	out := *msg
	s.mu.Unlock()

	logger.DebugCF("chat", "Optimistic send", map[string]any{
		"session_id":    sessionID,
		"client_msg_id": out.ClientMsgID,
	})
	s.notify(sessionID)

	s.inflight.Add(1)
	go s.submit(context.WithoutCancel(ctx), out)
	return out
}

func (s *Store) submit(ctx context.Context, msg Message) {
	defer s.inflight.Done()

	resp, err := s.api.SendMessage(ctx, api.SendMessageRequest{
		To:       msg.To,
		Type:     string(events.MessageText),
		Content:  msg.Content,
		Metadata: api.MessageMetadata{ClientMsgID: msg.ClientMsgID},
	})

	s.mu.Lock()
	entry := s.findByClientID(msg.SessionID, msg.ClientMsgID)
	if entry == nil {
		s.mu.Unlock()
		return
	}
	if err != nil {
		if advance(entry.Status, StatusFailed) {
			entry.Status = StatusFailed
			entry.Error = err.Error()
		}
		s.mu.Unlock()

		metrics.MessagesSent.WithLabelValues("failed").Inc()
		logger.WarnCF("chat", "Send failed", map[string]any{
			"session_id":    msg.SessionID,
			"client_msg_id": msg.ClientMsgID,
			"error":         err.Error(),
		})
		s.notify(msg.SessionID)
		return
	}

	s.confirm(entry, resp.MessageID, parseStatus(resp.Status, StatusSent))
	s.mu.Unlock()

	metrics.MessagesSent.WithLabelValues("sent").Inc()
	s.notify(msg.SessionID)
}

// confirm records the server id and status on an own entry. A separate
// entry already carrying that id (inserted by an earlier event without a
// clientMsgId) is folded into this one. Must be called with s.mu held.
func (s *Store) confirm(entry *Message, messageID string, status Status) {
	if messageID != "" && entry.MessageID == "" {
		if dup := s.findByMessageID(entry.SessionID, messageID); dup != nil && dup != entry {
			if advance(entry.Status, dup.Status) {
				entry.Status = dup.Status
			}
			s.remove(entry.SessionID, dup)
		}
		entry.MessageID = messageID
	}
	if advance(entry.Status, status) {
		entry.Status = status
		entry.Error = ""
	}
}

func (s *Store) remove(sessionID string, target *Message) {
	tl := s.timelines[sessionID]
	for i, m := range tl {
		if m == target {
			s.timelines[sessionID] = append(tl[:i:i], tl[i+1:]...)
			return
		}
	}
}

// Retry resubmits a FAILED message as a new send with a fresh clientMsgId.
// The failed entry stays in the timeline.
func (s *Store) Retry(ctx context.Context, sessionID, clientMsgID string) (Message, error) {
	s.mu.Lock()
	entry := s.findByClientID(sessionID, clientMsgID)
	if entry == nil {
		s.mu.Unlock()
		return Message{}, ErrMessageNotFound
	}
	if entry.Status != StatusFailed {
		s.mu.Unlock()
		return Message{}, ErrNotFailed
	}
	content := entry.Content
	s.mu.Unlock()

	return s.Send(ctx, sessionID, content), nil
}

// HandleMessageReceived applies a MESSAGE_RECEIVED event. Replaying an
// event that was already applied changes nothing.
func (s *Store) HandleMessageReceived(_ context.Context, ev events.ChannelEvent) error {
	var p events.MessageReceived
	if err := ev.Decode(&p); err != nil {
		return err
	}

	ts := ev.Timestamp
	if parsed, err := time.Parse(time.RFC3339Nano, p.Timestamp); err == nil {
		ts = parsed
	}

	s.mu.Lock()
	own := p.IsOwn || (s.self != "" && p.From == s.self)
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = p.From
		if own {
			sessionID = p.To
		}
	}
	if sessionID == "" {
		s.mu.Unlock()
		return &events.ProtocolError{Kind: ev.Kind, Reason: "message without session"}
	}

	if existing := s.findByMessageID(sessionID, p.MessageID); existing != nil {
		s.mu.Unlock()
		logger.DebugCF("chat", "Duplicate message ignored", map[string]any{"message_id": p.MessageID})
		return nil
	}

	if entry := s.findByClientID(sessionID, p.ClientMsgID); entry != nil && entry.Direction == DirectionOwn {
		s.confirm(entry, p.MessageID, parseStatus(p.Status, StatusSent))
		s.mu.Unlock()
		s.notify(sessionID)
		return nil
	}

	peer := p.From
	if own {
		peer = p.To
	}
	sess := s.ensureSession(sessionID, peer)
	msg := &Message{
		MessageID:   p.MessageID,
		ClientMsgID: p.ClientMsgID,
		SessionID:   sessionID,
		From:        p.From,
		To:          p.To,
		Content:     p.Content,
		Timestamp:   ts,
	}
	if own {
		msg.Direction = DirectionOwn
		msg.Status = parseStatus(p.Status, StatusSent)
	} else {
		msg.Direction = DirectionPeer
		msg.Status = StatusDelivered
		if s.active != sessionID {
			sess.UnreadCount++
		}
	}
	s.timelines[sessionID] = append(s.timelines[sessionID], msg)
	s.touch(sess, msg)
	unread := sess.UnreadCount
	s.mu.Unlock()

	logger.DebugCF("chat", "Message received", map[string]any{
		"session_id": sessionID,
		"message_id": p.MessageID,
		"unread":     unread,
	})
	s.notify(sessionID)
	return nil
}

// HandleMessageStatusUpdated applies delivery/read receipts. Updates that
// would move a message backwards are ignored.
func (s *Store) HandleMessageStatusUpdated(_ context.Context, ev events.ChannelEvent) error {
	var p events.MessageStatusUpdated
	if err := ev.Decode(&p); err != nil {
		return err
	}
	status := parseStatus(p.Status, "")
	if status == "" {
		return &events.ProtocolError{Kind: ev.Kind, Reason: "unknown status " + p.Status}
	}

	s.mu.Lock()
	entry := s.locate(p.SessionID, p.MessageID, p.ClientMsgID)
	if entry == nil {
		s.mu.Unlock()
		logger.DebugCF("chat", "Status update for unknown message", map[string]any{
			"message_id":    p.MessageID,
			"client_msg_id": p.ClientMsgID,
		})
		return nil
	}
	if entry.MessageID == "" && p.MessageID != "" {
		s.confirm(entry, p.MessageID, status)
	} else if advance(entry.Status, status) {
		entry.Status = status
	}
	sessionID := entry.SessionID
	s.mu.Unlock()

	s.notify(sessionID)
	return nil
}

// Activate makes sessionID the active session and clears its unread count.
func (s *Store) Activate(sessionID string) {
	s.mu.Lock()
	s.active = sessionID
	if sess, ok := s.sessions[sessionID]; ok {
		sess.UnreadCount = 0
	}
	s.mu.Unlock()

	s.notify(sessionID)
}

func (s *Store) ActiveSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// RefreshSessions replaces the session set with the server's list.
// Local state the server cannot know about yet survives: the active
// session keeps a zero unread count, and sessions holding a pending or
// failed send are kept. Concurrent calls share one request.
func (s *Store) RefreshSessions(ctx context.Context) error {
	_, err, shared := s.refresh.Do("sessions", func() (any, error) {
		list, err := s.api.GetSessions(ctx)
		if err != nil {
			return nil, err
		}
		return nil, s.replaceSessions(list)
	})
	if shared {
		logger.DebugC("chat", "Session refresh shared with concurrent caller")
	}
	return err
}

func (s *Store) replaceSessions(list []api.Session) error {
	s.mu.Lock()
	next := make(map[string]*Session, len(list))
	for _, in := range list {
		sess := &Session{
			SessionID:   in.SessionID,
			Peer:        Peer{UserID: in.Peer.UserID, DisplayName: in.Peer.DisplayName, Status: in.Peer.Status},
			UnreadCount: in.UnreadCount,
			UpdatedAt:   in.UpdatedAt,
		}
		if in.LastMessage != nil {
			sess.LastMessage = in.LastMessage.Content
			sess.LastMessageAt = in.LastMessage.Timestamp
		}
		if sess.SessionID == s.active {
			sess.UnreadCount = 0
		}
		next[sess.SessionID] = sess
	}

	var changed []string
	for id, old := range s.sessions {
		if _, ok := next[id]; ok {
			continue
		}
		if s.hasUnconfirmed(id) {
			next[id] = old
			continue
		}
		delete(s.timelines, id)
		changed = append(changed, id)
	}
	for id := range next {
		changed = append(changed, id)
	}
	s.sessions = next
	count := len(next)
	s.mu.Unlock()

	logger.InfoCF("chat", "Sessions refreshed", map[string]any{"sessions": count})
	s.notify(changed...)
	return nil
}

func (s *Store) hasUnconfirmed(sessionID string) bool {
	for _, m := range s.timelines[sessionID] {
		if m.Unconfirmed() {
			return true
		}
	}
	return false
}

// LoadHistory merges the server's history into the session's timeline.
// Server order wins; local entries the server does not know about yet are
// kept after it.
func (s *Store) LoadHistory(ctx context.Context, sessionID string) error {
	hist, err := s.api.GetSessionHistory(ctx, sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	sess := s.ensureSession(sessionID, hist.Peer.UserID)
	if hist.Peer.DisplayName != "" {
		sess.Peer.DisplayName = hist.Peer.DisplayName
	}

	local := s.timelines[sessionID]
	used := make(map[*Message]bool, len(local))
	merged := make([]*Message, 0, len(hist.Messages)+len(local))

	for _, in := range hist.Messages {
		own := in.IsOwn || (s.self != "" && in.From == s.self)
		remote := &Message{
			MessageID:   in.MessageID,
			ClientMsgID: in.ClientMsgID,
			SessionID:   sessionID,
			From:        in.From,
			To:          in.To,
			Content:     in.Content,
			Timestamp:   in.Timestamp,
			Direction:   DirectionPeer,
			Status:      parseStatus(in.Status, StatusDelivered),
		}
		if own {
			remote.Direction = DirectionOwn
			remote.Status = parseStatus(in.Status, StatusSent)
		}

		existing := s.findByMessageID(sessionID, in.MessageID)
		if existing == nil {
			existing = s.findByClientID(sessionID, in.ClientMsgID)
		}
		if existing != nil && !used[existing] {
			used[existing] = true
			if advance(remote.Status, existing.Status) {
				remote.Status = existing.Status
			}
			if remote.ClientMsgID == "" {
				remote.ClientMsgID = existing.ClientMsgID
			}
		}
		merged = append(merged, remote)
	}
	for _, m := range local {
		if !used[m] {
			merged = append(merged, m)
		}
	}
	s.timelines[sessionID] = merged
	if n := len(merged); n > 0 {
		s.touch(sess, merged[n-1])
	}
	s.mu.Unlock()

	logger.DebugCF("chat", "History loaded", map[string]any{
		"session_id": sessionID,
		"messages":   len(hist.Messages),
	})
	s.notify(sessionID)
	return nil
}

// HandleUserStatusChanged updates the presence of every session with that
// peer.
func (s *Store) HandleUserStatusChanged(_ context.Context, ev events.ChannelEvent) error {
	var p events.UserStatusChanged
	if err := ev.Decode(&p); err != nil {
		return err
	}
	if p.UserID == "" {
		return &events.ProtocolError{Kind: ev.Kind, Reason: "status change without user"}
	}

	s.mu.Lock()
	var changed []string
	for id, sess := range s.sessions {
		if sess.Peer.UserID == p.UserID && sess.Peer.Status != p.NewStatus {
			sess.Peer.Status = p.NewStatus
			changed = append(changed, id)
		}
	}
	s.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)
	logger.DebugCF("chat", "Peer status changed", map[string]any{
		"user_id": p.UserID,
		"status":  p.NewStatus,
	})
	s.notify(changed...)
	return nil
}

// Sessions returns copies of all sessions, most recently updated first.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func (s *Store) Session(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Timeline returns a copy of the session's messages in display order.
func (s *Store) Timeline(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.timelines[sessionID]
	out := make([]Message, len(tl))
	for i, m := range tl {
		out[i] = *m
	}
	return out
}
