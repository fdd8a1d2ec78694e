// Package engine assembles one authenticated sync session: the connection
// manager, the dispatcher, the store and the trackers, wired together and
// torn down as a unit.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"chatsync/cmd/internal/clock"
	"chatsync/cmd/internal/connection"
	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/presence"
	"chatsync/cmd/internal/readstate"
	"chatsync/cmd/internal/store"
	"chatsync/cmd/internal/syncerr"
	"chatsync/cmd/internal/typing"
	"chatsync/cmd/internal/viewport"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Session is one user's sync engine. Construct it with New; it owns no
// package-level state, so several sessions can run side by side.
type Session struct {
	cfg   Config
	log   *slog.Logger
	clock clock.Clock
	m     *metrics.Metrics

	bus    *events.Dispatcher
	conn   *connection.Manager
	store  *store.Store
	reads  *readstate.Tracker
	typing *typing.Tracker
	beat   *presence.Heartbeat

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	open   string
	view   viewport.Viewport
	subs   []events.Subscription
	closed bool
}

// New builds a disconnected session.
func New(cfg Config, deps Deps) (*Session, error) {
	const op = "engine.New"
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, syncerr.Validation(op, "empty user id")
	}
	if deps.Dialer == nil || deps.API == nil {
		return nil, syncerr.Validation(op, "dialer and api are required")
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("user", cfg.UserID)
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	bus := events.NewDispatcher(log, m)
	conn := connection.New(deps.Dialer, bus,
		connection.WithConfig(cfg.Connection),
		connection.WithClock(clk),
		connection.WithLogger(log),
		connection.WithMetrics(m),
	)
	st := store.New(cfg.UserID, deps.API,
		store.WithClock(clk),
		store.WithLogger(log),
		store.WithMetrics(m),
		store.WithDispatcher(bus),
		store.WithSelfName(cfg.UserName),
	)

	s := &Session{
		cfg:   cfg,
		log:   log,
		clock: clk,
		m:     m,
		bus:   bus,
		conn:  conn,
		store: st,
		reads: readstate.New(cfg.UserID, deps.API, st,
			readstate.WithLogger(log),
			readstate.WithMetrics(m),
			readstate.WithDispatcher(bus),
		),
		typing: typing.New(cfg.UserID, conn,
			typing.WithClock(clk),
			typing.WithLogger(log),
			typing.WithDispatcher(bus),
		),
		beat: presence.New(conn,
			presence.WithClock(clk),
			presence.WithLogger(log),
			presence.WithInterval(cfg.HeartbeatInterval),
		),
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.subscribe()
	return s, nil
}

// Bus returns the dispatcher renderers subscribe to.
func (s *Session) Bus() *events.Dispatcher { return s.bus }

// Start opens the realtime channel. Connection failures are reported as
// state transitions on the bus, not as errors.
func (s *Session) Start(ctx context.Context, credential string) error {
	if err := s.checkOpen("engine.Start"); err != nil {
		return err
	}
	s.log.Info("session.start")
	return s.conn.Connect(ctx, credential)
}

// Close disconnects, stops every timer and drops all subscriptions. The
// session cannot be restarted.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.open = ""
	s.mu.Unlock()

	s.typing.Close(ctx)
	s.conn.Disconnect(ctx)
	s.beat.Stop()
	s.typing.Reset()
	s.reads.Close()
	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
	s.bus.Reset()
	s.store.Reset()
	s.cancel()
	s.log.Info("session.closed")
}

// State returns the connection state.
func (s *Session) State() connection.State { return s.conn.State() }

// Open returns the conversation being displayed.
func (s *Session) Open() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Conversations returns the list ordered by recent activity.
func (s *Session) Conversations() []store.Conversation { return s.store.Conversations() }

// Conversation returns one conversation summary.
func (s *Session) Conversation(id string) (store.Conversation, bool) {
	return s.store.Conversation(id)
}

// Messages returns the ordered sequence of a conversation.
func (s *Session) Messages(conversationID string) []store.Message {
	return s.store.Messages(conversationID)
}

// Unread returns the unread bookkeeping of the open conversation.
func (s *Session) Unread() events.UnreadChanged { return s.reads.State() }

// Typers lists who is typing in the open conversation.
func (s *Session) Typers() []events.Typer { return s.typing.Typers() }

// Viewport returns the last known viewport, advanced to the live edge when
// an own message arrived.
func (s *Session) Viewport() viewport.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// LoadConversations refreshes the conversation list.
func (s *Session) LoadConversations(ctx context.Context) ([]store.Conversation, error) {
	if err := s.checkOpen("engine.LoadConversations"); err != nil {
		return nil, err
	}
	return s.store.LoadConversations(ctx)
}

// OpenConversation switches to conversationID: joins it, resets the
// trackers and loads the newest page of history. limit <= 0 uses the
// configured page size.
func (s *Session) OpenConversation(ctx context.Context, conversationID string, limit int) (store.Page, error) {
	const op = "engine.OpenConversation"
	if err := s.checkOpen(op); err != nil {
		return store.Page{}, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return store.Page{}, syncerr.Validation(op, "empty conversation id")
	}
	if limit <= 0 {
		limit = s.cfg.pageSize()
	}

	s.mu.Lock()
	prev := s.open
	s.open = conversationID
	s.view = viewport.Viewport{}
	s.mu.Unlock()

	s.typing.Open(ctx, conversationID)
	s.reads.Close()
	s.store.SetOpen(conversationID)
	if prev != "" && prev != conversationID {
		s.store.Leave(prev)
		if err := s.conn.Leave(ctx, prev); err != nil {
			s.log.Debug("session.leave.fail", "conv", prev, "err", err)
		}
	}
	s.store.Join(conversationID)
	if err := s.conn.Join(ctx, conversationID); err != nil {
		s.log.Debug("session.join.fail", "conv", conversationID, "err", err)
	}

	page, err := s.store.LoadMessages(ctx, conversationID, limit, 0)
	if err != nil {
		return page, err
	}
	if page.Stale {
		return page, nil
	}
	s.reads.Open(conversationID, s.store.Messages(conversationID))
	s.log.Info("session.open", "conv", conversationID, "loaded", len(page.Inserted), "has_more", page.HasMore)
	return page, nil
}

// LoadOlder fetches the page before the oldest loaded message of the open
// conversation and returns v adjusted so the visible rows stay in place.
// measure reports the rendered height of one message.
func (s *Session) LoadOlder(ctx context.Context, v viewport.Viewport, measure func(store.Message) float64) (viewport.Viewport, store.Page, error) {
	const op = "engine.LoadOlder"
	if err := s.checkOpen(op); err != nil {
		return v, store.Page{}, err
	}
	conv := s.Open()
	if conv == "" {
		return v, store.Page{}, syncerr.Validation(op, "no open conversation")
	}

	page, err := s.store.LoadOlder(ctx, conv, s.cfg.pageSize())
	if err != nil || page.Skipped || page.Stale {
		return v, page, err
	}
	anchored := v.Anchor(viewport.Height(page.Above, measure))

	s.mu.Lock()
	if s.open == conv {
		s.view = anchored
	}
	s.mu.Unlock()
	return anchored, page, nil
}

// SendMessage sends a message to in.ConversationID, or to the open
// conversation when empty. It is rejected while the connection is failed
// or disconnected.
func (s *Session) SendMessage(ctx context.Context, in store.SendInput) (store.Message, error) {
	const op = "engine.SendMessage"
	if err := s.checkOpen(op); err != nil {
		return store.Message{}, err
	}
	switch s.conn.State() {
	case connection.Failed, connection.Disconnected:
		return store.Message{}, syncerr.Transport(op, syncerr.ErrNotConnected)
	}
	if in.ConversationID == "" {
		in.ConversationID = s.Open()
	}

	s.typing.StopLocal(ctx)
	msg, err := s.store.SendMessage(ctx, in)
	if err != nil {
		return msg, err
	}
	s.afterMessage(ctx, msg)
	return msg, nil
}

// EditMessage replaces the content of an own message.
func (s *Session) EditMessage(ctx context.Context, conversationID, messageID, content string) (store.Message, error) {
	if err := s.checkOpen("engine.EditMessage"); err != nil {
		return store.Message{}, err
	}
	return s.store.EditMessage(ctx, conversationID, messageID, content)
}

// DeleteMessage deletes an own message.
func (s *Session) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := s.checkOpen("engine.DeleteMessage"); err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return err
	}
	s.reads.Forget(conversationID, messageID)
	return nil
}

// React adds the local user's emoji reaction.
func (s *Session) React(ctx context.Context, conversationID, messageID, emoji string) error {
	if err := s.checkOpen("engine.React"); err != nil {
		return err
	}
	return s.store.AddReaction(ctx, conversationID, messageID, emoji)
}

// Unreact removes the local user's emoji reaction.
func (s *Session) Unreact(ctx context.Context, conversationID, messageID, emoji string) error {
	if err := s.checkOpen("engine.Unreact"); err != nil {
		return err
	}
	return s.store.RemoveReaction(ctx, conversationID, messageID, emoji)
}

// CreatePrivateConversation opens a direct conversation with userID.
func (s *Session) CreatePrivateConversation(ctx context.Context, userID string) (store.Conversation, error) {
	if err := s.checkOpen("engine.CreatePrivateConversation"); err != nil {
		return store.Conversation{}, err
	}
	return s.store.CreatePrivateConversation(ctx, userID)
}

// CreateGroupConversation creates a named group.
func (s *Session) CreateGroupConversation(ctx context.Context, name string, memberIDs []string) (store.Conversation, error) {
	if err := s.checkOpen("engine.CreateGroupConversation"); err != nil {
		return store.Conversation{}, err
	}
	return s.store.CreateGroupConversation(ctx, name, memberIDs)
}

// GroupMembers lists the members of a group.
func (s *Session) GroupMembers(ctx context.Context, conversationID string) ([]v1.Member, error) {
	if err := s.checkOpen("engine.GroupMembers"); err != nil {
		return nil, err
	}
	return s.store.GroupMembers(ctx, conversationID)
}

// Keystroke reports local typing in the open conversation.
func (s *Session) Keystroke(ctx context.Context) error {
	if err := s.checkOpen("engine.Keystroke"); err != nil {
		return err
	}
	return s.typing.Keystroke(ctx)
}

// UpdateViewport records the scroll position of the open conversation.
func (s *Session) UpdateViewport(ctx context.Context, v viewport.Viewport) error {
	if err := s.checkOpen("engine.UpdateViewport"); err != nil {
		return err
	}
	s.mu.Lock()
	s.view = v
	s.mu.Unlock()
	return s.reads.UpdateViewport(ctx, v)
}

// SetOnline changes the local presence and emits update_status.
func (s *Session) SetOnline(ctx context.Context, online bool) error {
	if err := s.checkOpen("engine.SetOnline"); err != nil {
		return err
	}
	return s.beat.SetOnline(ctx, online)
}

// afterMessage feeds a message of the open conversation to the read tracker.
func (s *Session) afterMessage(ctx context.Context, m store.Message) {
	d, err := s.reads.OnMessage(ctx, m)
	if err != nil {
		s.log.Warn("session.autoread.fail", "conv", m.ConversationID, "msg", m.ID, "err", err)
	}
	if d == readstate.ScrollToBottom {
		s.mu.Lock()
		if s.open == m.ConversationID {
			s.view = s.view.ToBottom()
		}
		s.mu.Unlock()
	}
}

func (s *Session) checkOpen(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncerr.Transport(op, syncerr.ErrClosed)
	}
	return nil
}

func (s *Session) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.baseCtx, callTimeout)
}
