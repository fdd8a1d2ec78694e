package engine

import (
	"chatsync/cmd/internal/connection"
	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/store"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// subscribe routes every channel event to the store first and the trackers
// second, so trackers always see the merged message.
func (s *Session) subscribe() {
	subs := []events.Subscription{
		events.On(s.bus, s.onState),

		events.On(s.bus, func(e events.NewMessage) error {
			s.onMessage(e.Message.ConversationID, s.store.ApplyMessage(e.Message))
			return nil
		}),
		events.On(s.bus, func(e events.MessageSent) error {
			s.onMessage(e.Message.ConversationID, s.store.ApplyMessage(e.Message))
			return nil
		}),
		events.On(s.bus, func(e events.MessageDeleted) error {
			if s.store.ApplyDeleted(e.MessageDeletedPayload) {
				s.reads.Forget(e.ConversationID, e.MessageID)
			}
			return nil
		}),
		events.On(s.bus, func(e events.MessageEdited) error {
			s.store.ApplyEdited(e.MessageEditedPayload)
			return nil
		}),
		events.On(s.bus, func(e events.MessageReaction) error {
			s.store.ApplyReaction(e.MessageReactionPayload)
			return nil
		}),

		events.On(s.bus, func(e events.NewConversation) error {
			s.store.UpsertConversation(e.Conversation)
			return nil
		}),
		events.On(s.bus, func(e events.ConversationUpdated) error {
			s.store.UpsertConversation(e.Conversation)
			return nil
		}),
		events.On(s.bus, func(e events.NewGroup) error {
			s.store.UpsertConversation(e.Conversation)
			return nil
		}),
		events.On(s.bus, func(e events.MemberAdded) error {
			s.store.ApplyMemberAdded(e.MemberPayload)
			return nil
		}),
		events.On(s.bus, s.onMemberRemoved),
		events.On(s.bus, func(e events.GroupNameUpdated) error {
			s.store.ApplyGroupName(e.GroupNamePayload)
			return nil
		}),

		events.On(s.bus, func(e events.UserTyping) error {
			s.typing.RemoteStart(e.TypingPayload)
			return nil
		}),
		events.On(s.bus, func(e events.UserStoppedTyping) error {
			s.typing.RemoteStop(e.TypingPayload)
			return nil
		}),
		events.On(s.bus, func(e events.UserStatusChanged) error {
			s.store.ApplyUserStatus(e.UserStatusPayload)
			return nil
		}),
		events.On(s.bus, func(e events.MessagesRead) error {
			s.store.ApplyMessagesRead(e.MessagesReadPayload)
			if e.UserID == s.cfg.UserID {
				s.reads.Acknowledged(e.ConversationID, e.MessageIDs)
			}
			return nil
		}),
		events.On(s.bus, func(e events.MessageError) error {
			s.store.ApplyMessageError(e.ErrorPayload)
			return nil
		}),
		events.On(s.bus, func(e events.ReactionError) error {
			s.log.Warn("session.reaction.rejected", "conv", e.ConversationID, "msg", e.MessageID, "code", e.Code, "reason", e.Message)
			return nil
		}),
	}

	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
}

func (s *Session) onState(e connection.StateChanged) error {
	s.log.Info("session.state", "from", e.From.String(), "to", e.To.String(), "attempt", e.Attempt)
	switch e.To {
	case connection.Connected:
		s.beat.Start()
	default:
		s.beat.Stop()
		s.typing.Reset()
	}
	return nil
}

func (s *Session) onMessage(conversationID string, res store.Applied) {
	if !res.Inserted || conversationID != s.Open() {
		return
	}
	// The typer's message ends their burst.
	s.typing.RemoteStop(v1.TypingPayload{ConversationID: conversationID, UserID: res.Message.SenderID})

	ctx, cancel := s.callContext()
	defer cancel()
	s.afterMessage(ctx, res.Message)
}

func (s *Session) onMemberRemoved(e events.MemberRemoved) error {
	s.store.ApplyMemberRemoved(e.MemberPayload)
	if e.UserID != s.cfg.UserID {
		return nil
	}

	s.mu.Lock()
	wasOpen := s.open == e.ConversationID
	if wasOpen {
		s.open = ""
	}
	s.mu.Unlock()

	ctx, cancel := s.callContext()
	defer cancel()
	if err := s.conn.Leave(ctx, e.ConversationID); err != nil {
		s.log.Debug("session.leave.fail", "conv", e.ConversationID, "err", err)
	}
	if wasOpen {
		s.typing.Close(ctx)
		s.reads.Close()
	}
	return nil
}
