package realtimetest

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"chatsync/cmd/internal/ids"
	v1 "chatsync/shared/contracts/realtime/v1"
)

const (
	memMaxMessagesPerConversation = 10_000
	defaultHistoryLimit           = 50
	maxHistoryLimit               = 200
)

var (
	errNotFound  = errors.New("not found")
	errForbidden = errors.New("forbidden")
	errInvalid   = errors.New("invalid input")
)

// User is an account the server accepts. Token is its bearer credential.
type User struct {
	ID    string
	Name  string
	Token string
}

type memConv struct {
	id        string
	name      string
	isGroup   bool
	members   []string
	joinedAt  map[string]time.Time
	updatedAt time.Time

	seq    int64
	dedupe map[string]*v1.Message // client_msg_id -> stored message
	msgs   []*v1.Message          // ordered by seq
}

func (c *memConv) member(userID string) bool {
	return slices.Contains(c.members, userID)
}

func (c *memConv) index(messageID string) int {
	for i, m := range c.msgs {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

// memStore keeps the server side state of every conversation in memory.
type memStore struct {
	now func() time.Time

	mu       sync.Mutex
	users    map[string]User
	convs    map[string]*memConv
	messages map[string]string // message id -> conversation id
}

func newMemStore(now func() time.Time, users []User) *memStore {
	s := &memStore{
		now:      now,
		users:    make(map[string]User, len(users)),
		convs:    make(map[string]*memConv),
		messages: make(map[string]string),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memStore) user(id string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *memStore) name(userID string) string {
	if u, ok := s.users[userID]; ok && u.Name != "" {
		return u.Name
	}
	return userID
}

func (s *memStore) newID() string {
	id, err := ids.NewULID(s.now())
	if err != nil {
		panic(err)
	}
	return id
}

// createConversation opens a private or group conversation. A private
// conversation between the same two users is returned as is.
func (s *memStore) createConversation(self string, req v1.CreateConversationRequest) (*memConv, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Type {
	case v1.ConversationPrivate:
		peer := strings.TrimSpace(req.UserID)
		if peer == "" || peer == self {
			return nil, false, errInvalid
		}
		if _, ok := s.users[peer]; !ok {
			return nil, false, errNotFound
		}
		for _, c := range s.convs {
			if !c.isGroup && c.member(self) && c.member(peer) {
				return c, false, nil
			}
		}
		return s.insertConvLocked("", false, []string{self, peer}), true, nil

	case v1.ConversationGroup:
		name := strings.TrimSpace(req.Name)
		if name == "" {
			return nil, false, errInvalid
		}
		members := []string{self}
		for _, id := range req.MemberIDs {
			if _, ok := s.users[id]; !ok {
				return nil, false, errNotFound
			}
			if !slices.Contains(members, id) {
				members = append(members, id)
			}
		}
		return s.insertConvLocked(name, true, members), true, nil
	}
	return nil, false, errInvalid
}

// seedConversation creates a conversation with a fixed id.
func (s *memStore) seedConversation(id, name string, isGroup bool, members []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.insertConvLocked(name, isGroup, members)
	if id != "" {
		delete(s.convs, c.id)
		c.id = id
		s.convs[id] = c
	}
}

func (s *memStore) insertConvLocked(name string, isGroup bool, members []string) *memConv {
	now := s.now()
	c := &memConv{
		id:        s.newID(),
		name:      name,
		isGroup:   isGroup,
		members:   append([]string(nil), members...),
		joinedAt:  make(map[string]time.Time, len(members)),
		updatedAt: now,
		dedupe:    make(map[string]*v1.Message),
		msgs:      make([]*v1.Message, 0, 64),
	}
	for _, id := range members {
		c.joinedAt[id] = now
	}
	s.convs[c.id] = c
	return c
}

// conversationFor renders c as seen by viewer.
func (s *memStore) conversationFor(c *memConv, viewer string, online func(string) bool) v1.Conversation {
	out := v1.Conversation{
		ID:          c.id,
		Name:        c.name,
		IsGroup:     c.isGroup,
		MemberCount: len(c.members),
		UpdatedAt:   c.updatedAt,
	}
	if !c.isGroup {
		for _, id := range c.members {
			if id != viewer {
				out.PeerID = id
				out.PeerName = s.name(id)
				out.Name = out.PeerName
				out.Online = online != nil && online(id)
			}
		}
	}
	if n := len(c.msgs); n > 0 {
		last := c.msgs[n-1]
		out.LastMessage = &v1.LastMessage{Content: last.Content, SenderID: last.SenderID, At: last.CreatedAt}
	}
	for _, m := range c.msgs {
		if m.SenderID != viewer && !slices.Contains(m.ReadBy, viewer) {
			out.UnreadCount++
		}
	}
	return out
}

func (s *memStore) conversations(viewer string, online func(string) bool) []v1.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]v1.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if c.member(viewer) {
			out = append(out, s.conversationFor(c, viewer, online))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// conversationIDs lists the conversations userID belongs to.
func (s *memStore) conversationIDs(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, c := range s.convs {
		if c.member(userID) {
			out = append(out, id)
		}
	}
	return out
}

// members returns the member ids of conversationID if viewer belongs to it.
func (s *memStore) members(conversationID, viewer string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.convLocked(conversationID, viewer)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.members...), nil
}

func (s *memStore) memberList(conversationID, viewer string) ([]v1.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.convLocked(conversationID, viewer)
	if err != nil {
		return nil, err
	}
	out := make([]v1.Member, 0, len(c.members))
	for i, id := range c.members {
		role := "member"
		if i == 0 && c.isGroup {
			role = "admin"
		}
		out = append(out, v1.Member{UserID: id, Name: s.name(id), Role: role, JoinedAt: c.joinedAt[id]})
	}
	return out, nil
}

func (s *memStore) convLocked(conversationID, viewer string) (*memConv, error) {
	c := s.convs[conversationID]
	if c == nil {
		return nil, errNotFound
	}
	if viewer != "" && !c.member(viewer) {
		return nil, errForbidden
	}
	return c, nil
}

// appendMessage stores a message with idempotency by client_msg_id and
// monotonic sequence allocation.
func (s *memStore) appendMessage(conversationID, sender string, req v1.SendMessageRequest) (v1.Message, []string, bool, error) {
	if strings.TrimSpace(req.Content) == "" && req.Attachment == nil {
		return v1.Message{}, nil, false, errInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked(conversationID, sender)
	if err != nil {
		return v1.Message{}, nil, false, err
	}
	members := append([]string(nil), c.members...)

	if req.ClientMsgID != "" {
		if existing, ok := c.dedupe[req.ClientMsgID]; ok {
			return cloneMessage(existing), members, true, nil
		}
	}
	if req.ReplyToID != "" && c.index(req.ReplyToID) < 0 {
		return v1.Message{}, nil, false, errNotFound
	}

	now := s.now()
	c.seq++
	m := &v1.Message{
		ID:             s.newID(),
		ConversationID: c.id,
		SenderID:       sender,
		SenderName:     s.name(sender),
		Content:        req.Content,
		Attachment:     req.Attachment,
		ReplyToID:      req.ReplyToID,
		ClientMsgID:    req.ClientMsgID,
		Seq:            c.seq,
		CreatedAt:      now,
	}
	if req.ClientMsgID != "" {
		c.dedupe[req.ClientMsgID] = m
	}
	c.msgs = append(c.msgs, m)
	c.updatedAt = now
	s.messages[m.ID] = c.id

	if len(c.msgs) > memMaxMessagesPerConversation {
		for _, old := range c.msgs[:len(c.msgs)-memMaxMessagesPerConversation] {
			delete(s.messages, old.ID)
		}
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return cloneMessage(m), members, false, nil
}

// history returns one page counted from the newest message, oldest first.
func (s *memStore) history(conversationID, viewer string, limit, offset int) ([]v1.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked(conversationID, viewer)
	if err != nil {
		return nil, err
	}

	end := len(c.msgs) - offset
	if end <= 0 {
		return []v1.Message{}, nil
	}
	start := max(end-limit, 0)

	out := make([]v1.Message, 0, end-start)
	for _, m := range c.msgs[start:end] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

// lookupLocked resolves a message the viewer can see.
func (s *memStore) lookupLocked(messageID, viewer string) (*memConv, int, error) {
	convID, ok := s.messages[messageID]
	if !ok {
		return nil, -1, errNotFound
	}
	c, err := s.convLocked(convID, viewer)
	if err != nil {
		return nil, -1, err
	}
	i := c.index(messageID)
	if i < 0 {
		return nil, -1, errNotFound
	}
	return c, i, nil
}

func (s *memStore) editMessage(messageID, editor, content string) (v1.Message, []string, error) {
	if strings.TrimSpace(content) == "" {
		return v1.Message{}, nil, errInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, i, err := s.lookupLocked(messageID, editor)
	if err != nil {
		return v1.Message{}, nil, err
	}
	m := c.msgs[i]
	if m.SenderID != editor {
		return v1.Message{}, nil, errForbidden
	}
	now := s.now()
	m.Content = content
	m.EditedAt = &now
	return cloneMessage(m), append([]string(nil), c.members...), nil
}

func (s *memStore) deleteMessage(messageID, actor string) (string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, i, err := s.lookupLocked(messageID, actor)
	if err != nil {
		return "", nil, err
	}
	m := c.msgs[i]
	if m.SenderID != actor {
		return "", nil, errForbidden
	}
	c.msgs = slices.Delete(c.msgs, i, i+1)
	if m.ClientMsgID != "" {
		delete(c.dedupe, m.ClientMsgID)
	}
	delete(s.messages, messageID)
	return c.id, append([]string(nil), c.members...), nil
}

// react adds or removes userID from the reactors of emoji. changed is false
// when the reaction was already in the requested state.
func (s *memStore) react(messageID, userID, emoji string, add bool) (string, []string, bool, error) {
	if strings.TrimSpace(emoji) == "" {
		return "", nil, false, errInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, i, err := s.lookupLocked(messageID, userID)
	if err != nil {
		return "", nil, false, err
	}
	m := c.msgs[i]
	users := m.Reactions[emoji]
	has := slices.Contains(users, userID)
	switch {
	case add && !has:
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[emoji] = append(users, userID)
	case !add && has:
		users = slices.DeleteFunc(slices.Clone(users), func(u string) bool { return u == userID })
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
	default:
		return c.id, nil, false, nil
	}
	return c.id, append([]string(nil), c.members...), true, nil
}

// markRead records userID as a reader of the given messages and returns the
// ids that changed.
func (s *memStore) markRead(conversationID, userID string, messageIDs []string) ([]string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked(conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	var changed []string
	for _, id := range messageIDs {
		i := c.index(id)
		if i < 0 {
			continue
		}
		m := c.msgs[i]
		if m.SenderID == userID || slices.Contains(m.ReadBy, userID) {
			continue
		}
		m.ReadBy = append(m.ReadBy, userID)
		changed = append(changed, id)
	}
	return changed, append([]string(nil), c.members...), nil
}

// addMember adds userID to a group and returns the member ids after the change.
func (s *memStore) addMember(conversationID, actor, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked(conversationID, actor)
	if err != nil {
		return nil, err
	}
	if !c.isGroup {
		return nil, errInvalid
	}
	if _, ok := s.users[userID]; !ok {
		return nil, errNotFound
	}
	if !c.member(userID) {
		c.members = append(c.members, userID)
		c.joinedAt[userID] = s.now()
		c.updatedAt = s.now()
	}
	return append([]string(nil), c.members...), nil
}

// removeMember drops userID from a group and returns the member ids before
// the change so the removed user is notified too.
func (s *memStore) removeMember(conversationID, actor, userID string) ([]string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked(conversationID, actor)
	if err != nil {
		return nil, 0, err
	}
	if !c.isGroup {
		return nil, 0, errInvalid
	}
	before := append([]string(nil), c.members...)
	if !c.member(userID) {
		return nil, 0, errNotFound
	}
	c.members = slices.DeleteFunc(c.members, func(id string) bool { return id == userID })
	delete(c.joinedAt, userID)
	c.updatedAt = s.now()
	return before, len(c.members), nil
}

func (s *memStore) renameGroup(conversationID, actor, name string) ([]string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.convLocked(conversationID, actor)
	if err != nil {
		return nil, err
	}
	if !c.isGroup {
		return nil, errInvalid
	}
	c.name = name
	c.updatedAt = s.now()
	return append([]string(nil), c.members...), nil
}

func (s *memStore) conversation(conversationID, viewer string, online func(string) bool) (v1.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.convLocked(conversationID, viewer)
	if err != nil {
		return v1.Conversation{}, err
	}
	return s.conversationFor(c, viewer, online), nil
}

func cloneMessage(m *v1.Message) v1.Message {
	out := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			out.Reactions[k] = append([]string(nil), v...)
		}
	}
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return out
}
