package store

import (
	"context"
	"slices"
	"strings"

	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/syncerr"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// SendMessage inserts a pending placeholder, writes the message through
// REST and replaces the placeholder with the server copy exactly once.
// On failure the placeholder is removed, the summary restored and a write
// error returned. There is no automatic retry.
func (s *Store) SendMessage(ctx context.Context, in SendInput) (Message, error) {
	const op = "store.SendMessage"
	if in.ConversationID == "" {
		return Message{}, syncerr.Validation(op, "empty conversation id")
	}
	if strings.TrimSpace(in.Content) == "" && in.Attachment == nil {
		return Message{}, syncerr.Validation(op, "empty message")
	}

	now := s.clock.Now()
	cmid, err := ids.NewClientMsgID(now)
	if err != nil {
		return Message{}, syncerr.Write(op, err)
	}
	ph := &Message{
		ID:             ids.NewTempID(cmid),
		ConversationID: in.ConversationID,
		SenderID:       s.self,
		SenderName:     s.selfName,
		Content:        in.Content,
		Attachment:     in.Attachment,
		ReplyToID:      in.ReplyToID,
		ClientMsgID:    cmid,
		CreatedAt:      now,
		Read:           ReadAcked,
		Pending:        true,
	}

	s.mu.Lock()
	t := s.threadLocked(in.ConversationID)
	t.insert(ph)
	var prevSummary *LastMessage
	if c, ok := s.convs[in.ConversationID]; ok && c.Last != nil {
		l := *c.Last
		prevSummary = &l
	}
	s.summarizeLocked(ph)
	s.mu.Unlock()

	s.publish(
		events.MessagesChanged{ConversationID: in.ConversationID, Reason: "send"},
		events.ConversationsChanged{ConversationID: in.ConversationID},
	)

	res, err := s.api.SendMessage(ctx, in.ConversationID, v1.SendMessageRequest{
		Content:     in.Content,
		Attachment:  in.Attachment,
		ReplyToID:   in.ReplyToID,
		ClientMsgID: cmid,
	})
	if err != nil {
		s.mu.Lock()
		t.remove(ph.ID)
		if c, ok := s.convs[in.ConversationID]; ok && c.Last != nil && c.Last.MessageID == ph.ID {
			c.Last = prevSummary
		}
		s.mu.Unlock()

		s.m.WriteFailures.WithLabelValues("send_message").Inc()
		s.log.Warn("store.send.fail", "conv", in.ConversationID, "client_msg_id", cmid, "err", err)
		s.publish(
			events.MessagesChanged{ConversationID: in.ConversationID, Reason: "send_failed"},
			events.ConversationsChanged{ConversationID: in.ConversationID},
		)
		return Message{}, writeErr(op, err)
	}

	confirmed := fromWire(res, s.self)
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = in.ConversationID
	}
	if confirmed.ClientMsgID == "" {
		confirmed.ClientMsgID = cmid
	}

	s.mu.Lock()
	out := s.reconcileLocked(t, ph.ID, confirmed)
	s.mu.Unlock()

	s.publish(
		events.MessagesChanged{ConversationID: in.ConversationID, Reason: "send_confirmed"},
		events.ConversationsChanged{ConversationID: in.ConversationID},
	)
	return out, nil
}

// reconcileLocked swaps the placeholder tmpID for the confirmed message.
// When the live echo already inserted the canonical id, that copy wins.
func (s *Store) reconcileLocked(t *thread, tmpID string, m *Message) Message {
	t.remove(tmpID)
	if cur, ok := t.byID[m.ID]; ok {
		s.fixSummaryLocked(m.ConversationID, tmpID, cur)
		return cur.clone()
	}
	if t.tombstoned(m.ID, s.clock.Now(), tombstoneTTL) {
		s.resummarizeLocked(m.ConversationID, tmpID)
		return m.clone()
	}
	t.insert(m)
	s.fixSummaryLocked(m.ConversationID, tmpID, m)
	return m.clone()
}

// fixSummaryLocked repoints a summary that still names the placeholder.
func (s *Store) fixSummaryLocked(conversationID, tmpID string, m *Message) {
	if c, ok := s.convs[conversationID]; ok && c.Last != nil && c.Last.MessageID == tmpID {
		c.Last = nil
	}
	s.summarizeLocked(m)
}

// EditMessage replaces the content of an own message optimistically and
// rolls back when the write is rejected.
func (s *Store) EditMessage(ctx context.Context, conversationID, messageID, content string) (Message, error) {
	const op = "store.EditMessage"
	if strings.TrimSpace(content) == "" {
		return Message{}, syncerr.Validation(op, "empty content")
	}

	s.mu.Lock()
	m, err := s.ownLocked(op, conversationID, messageID)
	if err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	prev := m.clone()
	m.Content = content
	m.Edited = true
	m.EditedAt = s.clock.Now()
	s.summarizeLocked(m)
	s.mu.Unlock()
	s.publish(events.MessagesChanged{ConversationID: conversationID, Reason: "edit"})

	res, err := s.api.EditMessage(ctx, messageID, content)

	s.mu.Lock()
	var out Message
	if cur := s.lookupLocked(conversationID, messageID); cur != nil {
		switch {
		case err != nil && cur.Content == content:
			cur.Content = prev.Content
			cur.Edited = prev.Edited
			cur.EditedAt = prev.EditedAt
			s.summarizeLocked(cur)
		case err == nil:
			cur.Content = res.Content
			cur.Edited = true
			if res.EditedAt != nil {
				cur.EditedAt = *res.EditedAt
			}
			s.summarizeLocked(cur)
		}
		out = cur.clone()
	}
	s.mu.Unlock()

	s.publish(
		events.MessagesChanged{ConversationID: conversationID, Reason: "edit"},
		events.ConversationsChanged{ConversationID: conversationID},
	)
	if err != nil {
		s.m.WriteFailures.WithLabelValues("edit_message").Inc()
		s.log.Warn("store.edit.fail", "conv", conversationID, "msg", messageID, "err", err)
		return Message{}, writeErr(op, err)
	}
	return out, nil
}

// DeleteMessage removes a message optimistically and restores it when the
// write is rejected.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	const op = "store.DeleteMessage"

	s.mu.Lock()
	m, err := s.ownLocked(op, conversationID, messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	t := s.threads[conversationID]
	t.remove(messageID)
	t.tombstone(messageID, s.clock.Now(), tombstoneTTL)
	var prevSummary *LastMessage
	if c, ok := s.convs[conversationID]; ok && c.Last != nil {
		l := *c.Last
		prevSummary = &l
	}
	s.resummarizeLocked(conversationID, messageID)
	s.mu.Unlock()
	s.publish(
		events.MessagesChanged{ConversationID: conversationID, Reason: "delete"},
		events.ConversationsChanged{ConversationID: conversationID},
	)

	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		s.mu.Lock()
		delete(t.tombstones, messageID)
		t.insert(m)
		if c, ok := s.convs[conversationID]; ok && prevSummary != nil && prevSummary.MessageID == messageID {
			c.Last = prevSummary
		}
		s.mu.Unlock()

		s.m.WriteFailures.WithLabelValues("delete_message").Inc()
		s.log.Warn("store.delete.fail", "conv", conversationID, "msg", messageID, "err", err)
		s.publish(
			events.MessagesChanged{ConversationID: conversationID, Reason: "delete_failed"},
			events.ConversationsChanged{ConversationID: conversationID},
		)
		return writeErr(op, err)
	}
	return nil
}

// AddReaction adds the local user's emoji reaction optimistically.
// Reacting twice with the same emoji is a no-op.
func (s *Store) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return s.react(ctx, "store.AddReaction", conversationID, messageID, emoji, true)
}

// RemoveReaction withdraws the local user's emoji reaction optimistically.
func (s *Store) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return s.react(ctx, "store.RemoveReaction", conversationID, messageID, emoji, false)
}

func (s *Store) react(ctx context.Context, op, conversationID, messageID, emoji string, add bool) error {
	if strings.TrimSpace(emoji) == "" {
		return syncerr.Validation(op, "empty emoji")
	}

	s.mu.Lock()
	m, err := s.confirmedLocked(op, conversationID, messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var changed bool
	if add {
		changed = addReactor(m, emoji, s.self)
	} else {
		changed = removeReactor(m, emoji, s.self)
	}
	s.mu.Unlock()
	if !changed {
		return nil
	}
	s.publish(events.MessagesChanged{ConversationID: conversationID, Reason: "reaction"})

	if add {
		err = s.api.AddReaction(ctx, messageID, emoji)
	} else {
		err = s.api.RemoveReaction(ctx, messageID, emoji)
	}
	if err == nil {
		return nil
	}

	s.mu.Lock()
	if cur := s.lookupLocked(conversationID, messageID); cur != nil {
		if add {
			removeReactor(cur, emoji, s.self)
		} else {
			addReactor(cur, emoji, s.self)
		}
	}
	s.mu.Unlock()

	s.m.WriteFailures.WithLabelValues("reaction").Inc()
	s.log.Warn("store.reaction.fail", "conv", conversationID, "msg", messageID, "emoji", emoji, "add", add, "err", err)
	s.publish(events.MessagesChanged{ConversationID: conversationID, Reason: "reaction_failed"})
	return writeErr(op, err)
}

// confirmedLocked resolves a message a durable write may target.
func (s *Store) confirmedLocked(op, conversationID, messageID string) (*Message, error) {
	t, ok := s.threads[conversationID]
	if !ok {
		return nil, syncerr.Validation(op, "conversation not loaded")
	}
	m, ok := t.byID[messageID]
	if !ok {
		return nil, syncerr.Validation(op, "unknown message")
	}
	if m.Pending {
		return nil, syncerr.Validation(op, "message not yet confirmed")
	}
	return m, nil
}

func (s *Store) ownLocked(op, conversationID, messageID string) (*Message, error) {
	m, err := s.confirmedLocked(op, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != s.self {
		return nil, syncerr.Validation(op, "not an own message")
	}
	return m, nil
}

func addReactor(m *Message, emoji, userID string) bool {
	if slices.Contains(m.Reactions[emoji], userID) {
		return false
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	return true
}

func removeReactor(m *Message, emoji, userID string) bool {
	users := m.Reactions[emoji]
	i := slices.Index(users, userID)
	if i < 0 {
		return false
	}
	users = slices.Delete(slices.Clone(users), i, i+1)
	if len(users) == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = users
	}
	return true
}
