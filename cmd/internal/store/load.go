package store

import (
	"context"
	"sort"
	"strings"

	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/syncerr"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// LoadConversations replaces the list from REST. Entries already touched
// by live updates are merged field by field, newest write winning.
// Conversations missing from the response are kept.
func (s *Store) LoadConversations(ctx context.Context) ([]Conversation, error) {
	list, err := s.api.FetchConversations(ctx)
	if err != nil {
		s.log.Warn("store.conversations.fetch.fail", "err", err)
		return nil, readErr("store.LoadConversations", err)
	}

	s.mu.Lock()
	for _, wc := range list {
		if wc.ID == "" {
			continue
		}
		s.mergeConversationLocked(conversationFromWire(wc))
	}
	s.mu.Unlock()

	s.publish(events.ConversationsChanged{})
	return s.Conversations(), nil
}

// mergeConversationLocked folds in into the list. Metadata and presence
// each keep the newest write; the summary keeps the newest message.
func (s *Store) mergeConversationLocked(in *Conversation) bool {
	cur, ok := s.convs[in.ID]
	if !ok {
		s.convs[in.ID] = in
		return true
	}

	changed := false
	if !in.metaAt.Before(cur.metaAt) {
		cur.Name = in.Name
		cur.IsGroup = in.IsGroup
		cur.MemberCount = in.MemberCount
		cur.PeerID = in.PeerID
		cur.PeerName = in.PeerName
		cur.metaAt = in.metaAt
		changed = true
	}
	if !in.presenceAt.Before(cur.presenceAt) {
		if cur.Online != in.Online {
			changed = true
		}
		cur.Online = in.Online
		cur.presenceAt = in.presenceAt
	}
	if in.Last != nil && (cur.Last == nil || !in.Last.At.Before(cur.Last.At)) {
		if cur.Last != nil && cur.Last.MessageID != "" && in.Last.MessageID == "" && in.Last.At.Equal(cur.Last.At) {
			in.Last.MessageID = cur.Last.MessageID
		}
		cur.Last = in.Last
		cur.UnreadCount = in.UnreadCount
		changed = true
	}
	if in.UpdatedAt.After(cur.UpdatedAt) {
		cur.UpdatedAt = in.UpdatedAt
		changed = true
	}
	return changed
}

// LoadMessages fetches one history page of conversationID and merges it
// into the sequence. A call while a fetch for the same conversation is in
// flight returns a Skipped page. A result that arrives after the open
// conversation changed is dropped and reported Stale.
func (s *Store) LoadMessages(ctx context.Context, conversationID string, limit, offset int) (Page, error) {
	const op = "store.LoadMessages"
	if conversationID == "" {
		return Page{}, syncerr.Validation(op, "empty conversation id")
	}
	if limit <= 0 || offset < 0 {
		return Page{}, syncerr.Validation(op, "limit must be positive and offset non-negative")
	}

	s.mu.Lock()
	t := s.threadLocked(conversationID)
	if t.loading {
		s.mu.Unlock()
		return Page{ConversationID: conversationID, Skipped: true}, nil
	}
	t.loading = true
	gen := s.openGen
	s.mu.Unlock()

	wire, err := s.api.FetchMessages(ctx, conversationID, limit, offset)

	s.mu.Lock()
	t.loading = false
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("store.messages.fetch.fail", "conv", conversationID, "offset", offset, "err", err)
		return Page{}, readErr(op, err)
	}
	if gen != s.openGen || s.threads[conversationID] != t {
		s.mu.Unlock()
		s.log.Debug("store.messages.stale", "conv", conversationID, "offset", offset)
		return Page{ConversationID: conversationID, Stale: true}, nil
	}

	page := Page{ConversationID: conversationID, HasMore: len(wire) == limit}
	prevFirst := t.first()
	now := s.clock.Now()

	for _, w := range wire {
		if w.ID == "" || t.tombstoned(w.ID, now, tombstoneTTL) {
			continue
		}
		m := fromWire(w, s.self)
		m.ConversationID = conversationID
		if m.SenderID == s.self {
			if ph := t.placeholderFor(m, matchWindow); ph != nil {
				t.remove(ph.ID)
			}
		}
		if !t.insert(m) {
			continue
		}
		page.Inserted = append(page.Inserted, m.clone())
	}
	sort.Slice(page.Inserted, func(i, j int) bool { return before(&page.Inserted[i], &page.Inserted[j]) })
	if prevFirst != nil {
		for i := range page.Inserted {
			if before(&page.Inserted[i], prevFirst) {
				page.Above = append(page.Above, page.Inserted[i])
			}
		}
	}

	t.cursor = Cursor{
		Offset:  offset + len(wire),
		Limit:   limit,
		HasMore: page.HasMore,
		Loaded:  true,
	}

	summary := false
	if last := t.last(); last != nil {
		summary = s.summarizeLocked(last)
	}
	s.mu.Unlock()

	if len(page.Inserted) > 0 {
		s.publish(events.MessagesChanged{ConversationID: conversationID, Reason: "history"})
	}
	if summary {
		s.publish(events.ConversationsChanged{ConversationID: conversationID})
	}
	return page, nil
}

// LoadOlder fetches the page preceding the oldest loaded message. The
// offset is the number of confirmed messages held, so live arrivals shift
// it the same way they shift the server's newest-first paging. When the
// history is exhausted the page is Skipped.
func (s *Store) LoadOlder(ctx context.Context, conversationID string, limit int) (Page, error) {
	s.mu.Lock()
	t := s.threadLocked(conversationID)
	if t.cursor.Loaded && !t.cursor.HasMore {
		s.mu.Unlock()
		return Page{ConversationID: conversationID, Skipped: true}, nil
	}
	if limit <= 0 {
		limit = t.cursor.Limit
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	offset := t.confirmed()
	s.mu.Unlock()

	return s.LoadMessages(ctx, conversationID, limit, offset)
}

// GroupMembers reads the member list of a group through to REST.
func (s *Store) GroupMembers(ctx context.Context, conversationID string) ([]v1.Member, error) {
	if conversationID == "" {
		return nil, syncerr.Validation("store.GroupMembers", "empty conversation id")
	}
	members, err := s.api.FetchMembers(ctx, conversationID)
	if err != nil {
		return nil, readErr("store.GroupMembers", err)
	}
	return members, nil
}

// CreatePrivateConversation opens (or returns the existing) direct
// conversation with userID.
func (s *Store) CreatePrivateConversation(ctx context.Context, userID string) (Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return Conversation{}, syncerr.Validation("store.CreatePrivateConversation", "empty user id")
	}
	return s.createConversation(ctx, "store.CreatePrivateConversation", v1.CreateConversationRequest{
		Type:   v1.ConversationPrivate,
		UserID: userID,
	})
}

// CreateGroupConversation creates a named group with the given members.
func (s *Store) CreateGroupConversation(ctx context.Context, name string, memberIDs []string) (Conversation, error) {
	const op = "store.CreateGroupConversation"
	if strings.TrimSpace(name) == "" {
		return Conversation{}, syncerr.Validation(op, "empty group name")
	}
	if len(memberIDs) == 0 {
		return Conversation{}, syncerr.Validation(op, "no members")
	}
	return s.createConversation(ctx, op, v1.CreateConversationRequest{
		Type:      v1.ConversationGroup,
		Name:      strings.TrimSpace(name),
		MemberIDs: append([]string(nil), memberIDs...),
	})
}

func (s *Store) createConversation(ctx context.Context, op string, req v1.CreateConversationRequest) (Conversation, error) {
	wc, err := s.api.CreateConversation(ctx, req)
	if err != nil {
		s.m.WriteFailures.WithLabelValues("create_conversation").Inc()
		return Conversation{}, writeErr(op, err)
	}
	if wc.ID == "" {
		return Conversation{}, syncerr.Write(op, syncerr.Protocol(op, "response without id"))
	}

	s.mu.Lock()
	s.mergeConversationLocked(conversationFromWire(wc))
	out := s.convs[wc.ID].clone()
	s.mu.Unlock()

	s.publish(events.ConversationsChanged{ConversationID: wc.ID})
	return out, nil
}
