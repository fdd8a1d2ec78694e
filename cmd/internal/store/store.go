// Package store holds the client-side conversation list and the ordered
// message sequence of every loaded conversation. It merges REST snapshots,
// optimistic local writes and live channel events into one consistent view.
package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatsync/cmd/internal/clock"
	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/syncerr"
	v1 "chatsync/shared/contracts/realtime/v1"
)

const (
	tombstoneTTL = 5 * time.Minute
	// matchWindow bounds the heuristic placeholder match when the server
	// does not echo the client message id.
	matchWindow = 30 * time.Second

	defaultPageSize = 50
)

// Backend is the REST collaborator the store reads from and writes through.
type Backend interface {
	FetchConversations(ctx context.Context) ([]v1.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]v1.Message, error)
	SendMessage(ctx context.Context, conversationID string, req v1.SendMessageRequest) (v1.Message, error)
	EditMessage(ctx context.Context, messageID, content string) (v1.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
	CreateConversation(ctx context.Context, req v1.CreateConversationRequest) (v1.Conversation, error)
	FetchMembers(ctx context.Context, conversationID string) ([]v1.Member, error)
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for placeholders and tombstones.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.m = m
		}
	}
}

// WithDispatcher publishes MessagesChanged and ConversationsChanged on d.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(s *Store) { s.bus = d }
}

// WithSelfName sets the display name used on optimistic placeholders.
func WithSelfName(name string) Option {
	return func(s *Store) { s.selfName = name }
}

// Store is safe for concurrent use. Its lock is never held across REST
// calls or while publishing.
type Store struct {
	self     string
	selfName string
	api      Backend
	bus      *events.Dispatcher
	clock    clock.Clock
	log      *slog.Logger
	m        *metrics.Metrics

	mu      sync.Mutex
	convs   map[string]*Conversation
	threads map[string]*thread
	joined  map[string]struct{}
	open    string
	openGen uint64
}

// New constructs an empty store for the user self.
func New(self string, api Backend, opts ...Option) *Store {
	s := &Store{
		self:    self,
		api:     api,
		clock:   clock.New(),
		log:     slog.Default(),
		convs:   make(map[string]*Conversation),
		threads: make(map[string]*thread),
		joined:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.m == nil {
		s.m = metrics.New(nil)
	}
	return s
}

// Self returns the id of the local user.
func (s *Store) Self() string { return s.self }

// Join marks conversationID as live: channel events for it are applied to
// its message sequence from now on.
func (s *Store) Join(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[conversationID] = struct{}{}
	s.threadLocked(conversationID)
}

// Leave stops applying message events to conversationID. Its summary keeps
// tracking the latest message.
func (s *Store) Leave(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, conversationID)
}

// Joined reports whether conversationID receives live message events.
func (s *Store) Joined(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[conversationID]
	return ok
}

// SetOpen records the conversation being displayed. Every call starts a new
// generation; history fetches begun under an older generation are dropped.
func (s *Store) SetOpen(conversationID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = conversationID
	s.openGen++
	return s.openGen
}

// Open returns the conversation being displayed.
func (s *Store) Open() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Messages returns a copy of the ordered sequence of conversationID.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(t.msgs))
	for _, m := range t.msgs {
		out = append(out, m.clone())
	}
	return out
}

// Message looks up one message.
func (s *Store) Message(conversationID, messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return Message{}, false
	}
	m, ok := t.byID[messageID]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Cursor returns the pagination state of conversationID.
func (s *Store) Cursor(conversationID string) Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[conversationID]; ok {
		return t.cursor
	}
	return Cursor{}
}

// Conversation looks up one conversation.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Conversations returns the list ordered by most recent activity.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].activity(), out[j].activity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetReadState moves the given messages to state and returns the ids that
// actually changed. Unknown ids and own messages are skipped. The unread
// badge of the conversation follows the transitions.
func (s *Store) SetReadState(conversationID string, messageIDs []string, state ReadState) []string {
	s.mu.Lock()
	t, ok := s.threads[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	var changed []string
	delta := 0
	for _, id := range messageIDs {
		m, ok := t.byID[id]
		if !ok || m.Pending || m.SenderID == s.self || m.Read == state {
			continue
		}
		switch {
		case m.Read == Unread:
			delta--
		case state == Unread:
			delta++
		}
		m.Read = state
		changed = append(changed, id)
	}
	convChanged := false
	if c, ok := s.convs[conversationID]; ok && delta != 0 {
		c.UnreadCount = max(0, c.UnreadCount+delta)
		convChanged = true
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.publish(events.MessagesChanged{ConversationID: conversationID, Reason: "read_state"})
	}
	if convChanged {
		s.publish(events.ConversationsChanged{ConversationID: conversationID})
	}
	return changed
}

// Reset drops all state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.convs = make(map[string]*Conversation)
	s.threads = make(map[string]*thread)
	s.joined = make(map[string]struct{})
	s.open = ""
	s.openGen++
	s.mu.Unlock()
}

func (s *Store) threadLocked(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = newThread()
		s.threads[conversationID] = t
	}
	return t
}

// summarizeLocked advances the conversation summary to m when m is newer.
// It reports whether the summary changed.
func (s *Store) summarizeLocked(m *Message) bool {
	c, ok := s.convs[m.ConversationID]
	if !ok {
		c = &Conversation{ID: m.ConversationID, UpdatedAt: m.CreatedAt}
		s.convs[m.ConversationID] = c
	}
	if c.Last != nil {
		if c.Last.MessageID == m.ID {
			if c.Last.Content == m.Content {
				return false
			}
			c.Last.Content = m.Content
			return true
		}
		if m.CreatedAt.Before(c.Last.At) {
			return false
		}
	}
	c.Last = &LastMessage{
		MessageID: m.ID,
		Content:   m.Content,
		SenderID:  m.SenderID,
		At:        m.CreatedAt,
	}
	return true
}

// resummarizeLocked recomputes the summary after the message it pointed at
// went away. Without a loaded predecessor the summary is kept as is.
func (s *Store) resummarizeLocked(conversationID, removedID string) bool {
	c, ok := s.convs[conversationID]
	if !ok || c.Last == nil || c.Last.MessageID != removedID {
		return false
	}
	t, ok := s.threads[conversationID]
	if !ok {
		return false
	}
	prev := t.last()
	if prev == nil {
		return false
	}
	c.Last = &LastMessage{
		MessageID: prev.ID,
		Content:   prev.Content,
		SenderID:  prev.SenderID,
		At:        prev.CreatedAt,
	}
	return true
}

func (s *Store) publish(evs ...events.Event) {
	if s.bus == nil {
		return
	}
	for _, ev := range evs {
		s.bus.Publish(ev)
	}
}

func readErr(op string, err error) error {
	if syncerr.IsTransport(err) || syncerr.IsValidation(err) {
		return err
	}
	return syncerr.Transport(op, err)
}

func writeErr(op string, err error) error {
	if syncerr.IsWrite(err) || syncerr.IsValidation(err) {
		return err
	}
	return syncerr.Write(op, err)
}
