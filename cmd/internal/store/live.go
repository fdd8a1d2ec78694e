package store

import (
	"slices"

	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/syncerr"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Applied describes the effect of one live message event.
type Applied struct {
	Message Message
	// Inserted: the message entered the sequence of a joined conversation.
	Inserted bool
	// Replaced holds the placeholder id the message superseded, if any.
	Replaced string
}

// ApplyMessage folds a new_message or message_sent event in. The summary
// follows every message; the sequence only changes for joined
// conversations. Duplicates and tombstoned ids are ignored.
func (s *Store) ApplyMessage(w v1.Message) Applied {
	if w.ID == "" || w.ConversationID == "" {
		s.protocol("store.ApplyMessage", "message without id")
		return Applied{}
	}
	m := fromWire(w, s.self)

	s.mu.Lock()
	now := s.clock.Now()
	t, hasThread := s.threads[m.ConversationID]
	if hasThread && t.tombstoned(m.ID, now, tombstoneTTL) {
		s.mu.Unlock()
		return Applied{}
	}

	known := hasThread && t.byID[m.ID] != nil
	c, hasConv := s.convs[m.ConversationID]
	if hasConv && c.Last != nil && c.Last.MessageID == m.ID {
		known = true
	}
	summary := s.summarizeLocked(m)
	if !known && summary && m.SenderID != s.self && m.Read == Unread {
		s.convs[m.ConversationID].UnreadCount++
	}

	res := Applied{Message: m.clone()}
	_, joined := s.joined[m.ConversationID]
	if joined && hasThread {
		if m.SenderID == s.self {
			if ph := t.placeholderFor(m, matchWindow); ph != nil {
				t.remove(ph.ID)
				res.Replaced = ph.ID
			}
		}
		if t.insert(m) {
			res.Inserted = true
		} else {
			res.Message = t.byID[m.ID].clone()
		}
	}
	s.mu.Unlock()

	if res.Inserted || res.Replaced != "" {
		s.publish(events.MessagesChanged{ConversationID: m.ConversationID, Reason: "live"})
	}
	if summary {
		s.publish(events.ConversationsChanged{ConversationID: m.ConversationID})
	}
	return res
}

// ApplyDeleted removes a message and remembers its id so late duplicates
// stay out. Deleting an unknown or already deleted id is a no-op. It
// reports whether a message was removed.
func (s *Store) ApplyDeleted(p v1.MessageDeletedPayload) bool {
	s.mu.Lock()
	t, ok := s.threads[p.ConversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	t.tombstone(p.MessageID, s.clock.Now(), tombstoneTTL)
	m := t.remove(p.MessageID)
	if m == nil {
		s.mu.Unlock()
		return false
	}
	summary := s.resummarizeLocked(p.ConversationID, p.MessageID)
	if c, ok := s.convs[p.ConversationID]; ok && m.Read == Unread && m.SenderID != s.self && c.UnreadCount > 0 {
		c.UnreadCount--
		summary = true
	}
	s.mu.Unlock()

	s.publish(events.MessagesChanged{ConversationID: p.ConversationID, Reason: "deleted"})
	if summary {
		s.publish(events.ConversationsChanged{ConversationID: p.ConversationID})
	}
	return true
}

// ApplyEdited replaces the content of a known message. Unknown ids are
// logged and ignored.
func (s *Store) ApplyEdited(p v1.MessageEditedPayload) bool {
	s.mu.Lock()
	m := s.lookupLocked(p.ConversationID, p.MessageID)
	if m == nil {
		s.mu.Unlock()
		s.protocol("store.ApplyEdited", "unknown message "+p.MessageID)
		return false
	}
	m.Content = p.Content
	m.Edited = true
	if !p.EditedAt.IsZero() {
		m.EditedAt = p.EditedAt
	} else {
		m.EditedAt = s.clock.Now()
	}
	summary := s.summarizeLocked(m)
	s.mu.Unlock()

	s.publish(events.MessagesChanged{ConversationID: p.ConversationID, Reason: "edited"})
	if summary {
		s.publish(events.ConversationsChanged{ConversationID: p.ConversationID})
	}
	return true
}

// ApplyReaction adds or removes one user's reaction. Unknown messages and
// repeated transitions are no-ops.
func (s *Store) ApplyReaction(p v1.MessageReactionPayload) bool {
	s.mu.Lock()
	m := s.lookupLocked(p.ConversationID, p.MessageID)
	if m == nil {
		s.mu.Unlock()
		s.protocol("store.ApplyReaction", "unknown message "+p.MessageID)
		return false
	}
	var changed bool
	switch p.Action {
	case v1.ReactionAdded:
		changed = addReactor(m, p.Emoji, p.UserID)
	case v1.ReactionRemoved:
		changed = removeReactor(m, p.Emoji, p.UserID)
	}
	s.mu.Unlock()

	if changed {
		s.publish(events.MessagesChanged{ConversationID: p.ConversationID, Reason: "reaction"})
	}
	return changed
}

// UpsertConversation folds in a new_conversation, new_group or
// conversation_updated event, newest write winning per field.
func (s *Store) UpsertConversation(c v1.Conversation) bool {
	if c.ID == "" {
		s.protocol("store.UpsertConversation", "conversation without id")
		return false
	}
	s.mu.Lock()
	changed := s.mergeConversationLocked(conversationFromWire(c))
	s.mu.Unlock()
	if changed {
		s.publish(events.ConversationsChanged{ConversationID: c.ID})
	}
	return changed
}

// ApplyMemberAdded updates the member count of a group.
func (s *Store) ApplyMemberAdded(p v1.MemberPayload) bool {
	return s.applyMember("store.ApplyMemberAdded", p, 1)
}

// ApplyMemberRemoved updates the member count of a group. When the local
// user is the one removed, the conversation leaves the list.
func (s *Store) ApplyMemberRemoved(p v1.MemberPayload) bool {
	if p.UserID != "" && p.UserID == s.self {
		s.mu.Lock()
		_, ok := s.convs[p.ConversationID]
		delete(s.convs, p.ConversationID)
		delete(s.threads, p.ConversationID)
		delete(s.joined, p.ConversationID)
		s.mu.Unlock()
		if ok {
			s.publish(events.ConversationsChanged{ConversationID: p.ConversationID})
		}
		return ok
	}
	return s.applyMember("store.ApplyMemberRemoved", p, -1)
}

func (s *Store) applyMember(op string, p v1.MemberPayload, delta int) bool {
	s.mu.Lock()
	c, ok := s.convs[p.ConversationID]
	if !ok {
		s.mu.Unlock()
		s.protocol(op, "unknown conversation "+p.ConversationID)
		return false
	}
	at := p.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	if at.Before(c.metaAt) {
		s.mu.Unlock()
		return false
	}
	if p.MemberCount > 0 {
		c.MemberCount = p.MemberCount
	} else {
		c.MemberCount = max(0, c.MemberCount+delta)
	}
	c.metaAt = at
	s.mu.Unlock()

	s.publish(events.ConversationsChanged{ConversationID: p.ConversationID})
	return true
}

// ApplyGroupName renames a group unless a newer write already landed.
func (s *Store) ApplyGroupName(p v1.GroupNamePayload) bool {
	s.mu.Lock()
	c, ok := s.convs[p.ConversationID]
	if !ok {
		s.mu.Unlock()
		s.protocol("store.ApplyGroupName", "unknown conversation "+p.ConversationID)
		return false
	}
	at := p.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	if at.Before(c.metaAt) {
		s.mu.Unlock()
		return false
	}
	c.Name = p.Name
	c.metaAt = at
	s.mu.Unlock()

	s.publish(events.ConversationsChanged{ConversationID: p.ConversationID})
	return true
}

// ApplyUserStatus sets the online flag of every direct conversation with
// the user.
func (s *Store) ApplyUserStatus(p v1.UserStatusPayload) []string {
	at := p.At
	if at.IsZero() {
		at = s.clock.Now()
	}

	s.mu.Lock()
	var touched []string
	for id, c := range s.convs {
		if c.IsGroup || c.PeerID != p.UserID || at.Before(c.presenceAt) {
			continue
		}
		c.presenceAt = at
		if c.Online != p.Online {
			c.Online = p.Online
			touched = append(touched, id)
		}
	}
	s.mu.Unlock()

	slices.Sort(touched)
	for _, id := range touched {
		s.publish(events.ConversationsChanged{ConversationID: id})
	}
	return touched
}

// ApplyMessagesRead records a read receipt. Receipts for the local user
// acknowledge local reads; others extend ReadBy.
func (s *Store) ApplyMessagesRead(p v1.MessagesReadPayload) {
	if p.UserID == s.self {
		s.SetReadState(p.ConversationID, p.MessageIDs, ReadAcked)
		return
	}

	s.mu.Lock()
	changed := false
	if t, ok := s.threads[p.ConversationID]; ok {
		for _, id := range p.MessageIDs {
			m, ok := t.byID[id]
			if !ok || slices.Contains(m.ReadBy, p.UserID) {
				continue
			}
			m.ReadBy = append(m.ReadBy, p.UserID)
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.publish(events.MessagesChanged{ConversationID: p.ConversationID, Reason: "read_receipt"})
	}
}

// ApplyMessageError drops the placeholder the server refused. It returns
// the removed placeholder id.
func (s *Store) ApplyMessageError(p v1.ErrorPayload) string {
	s.log.Warn("store.message.rejected", "conv", p.ConversationID, "code", p.Code, "msg", p.Message, "client_msg_id", p.ClientMsgID)
	if p.ClientMsgID == "" {
		return ""
	}

	s.mu.Lock()
	var removed string
	for convID, t := range s.threads {
		if p.ConversationID != "" && convID != p.ConversationID {
			continue
		}
		for _, m := range t.msgs {
			if m.Pending && m.ClientMsgID == p.ClientMsgID {
				removed = m.ID
				break
			}
		}
		if removed != "" {
			t.remove(removed)
			s.resummarizeLocked(convID, removed)
			p.ConversationID = convID
			break
		}
	}
	s.mu.Unlock()

	if removed != "" {
		s.publish(
			events.MessagesChanged{ConversationID: p.ConversationID, Reason: "rejected"},
			events.ConversationsChanged{ConversationID: p.ConversationID},
		)
	}
	return removed
}

func (s *Store) lookupLocked(conversationID, messageID string) *Message {
	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	return t.byID[messageID]
}

func (s *Store) protocol(op, msg string) {
	err := syncerr.Protocol(op, msg)
	s.m.InboundDropped.WithLabelValues("unknown_ref").Inc()
	s.log.Debug("store.event.ignored", "err", err)
}
