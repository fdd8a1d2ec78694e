package connection

import (
	"fmt"
	"strings"

	"chatsync/cmd/internal/events"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Normalize turns a validated inbound envelope into its typed event.
func Normalize(env v1.Envelope) (events.Event, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if !v1.IsInbound(env.Type) {
		return nil, fmt.Errorf("outbound type on inbound channel: %q", env.Type)
	}

	switch env.Type {
	case v1.TypeNewMessage, v1.TypeMessageSent:
		var p v1.MessagePayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := requireIDs(p.Message.ID, p.Message.ConversationID); err != nil {
			return nil, err
		}
		if env.Type == v1.TypeNewMessage {
			return events.NewMessage{Message: p.Message}, nil
		}
		return events.MessageSent{Message: p.Message}, nil

	case v1.TypeMessageDeleted:
		var p v1.MessageDeletedPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := requireIDs(p.MessageID, p.ConversationID); err != nil {
			return nil, err
		}
		return events.MessageDeleted{MessageDeletedPayload: p}, nil

	case v1.TypeMessageEdited:
		var p v1.MessageEditedPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := requireIDs(p.MessageID, p.ConversationID); err != nil {
			return nil, err
		}
		return events.MessageEdited{MessageEditedPayload: p}, nil

	case v1.TypeMessageReaction:
		var p v1.MessageReactionPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := requireIDs(p.MessageID, p.ConversationID); err != nil {
			return nil, err
		}
		if p.Action != v1.ReactionAdded && p.Action != v1.ReactionRemoved {
			return nil, fmt.Errorf("unknown reaction action: %q", p.Action)
		}
		if strings.TrimSpace(p.Emoji) == "" || strings.TrimSpace(p.UserID) == "" {
			return nil, fmt.Errorf("reaction missing emoji or user")
		}
		return events.MessageReaction{MessageReactionPayload: p}, nil

	case v1.TypeNewConversation, v1.TypeConversationUpdated, v1.TypeNewGroup:
		var p v1.ConversationPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := requireIDs(p.Conversation.ID, p.Conversation.ID); err != nil {
			return nil, err
		}
		switch env.Type {
		case v1.TypeNewConversation:
			return events.NewConversation{Conversation: p.Conversation}, nil
		case v1.TypeNewGroup:
			return events.NewGroup{Conversation: p.Conversation}, nil
		default:
			return events.ConversationUpdated{Conversation: p.Conversation}, nil
		}

	case v1.TypeMemberAdded, v1.TypeMemberRemoved:
		var p v1.MemberPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := requireIDs(p.UserID, p.ConversationID); err != nil {
			return nil, err
		}
		if env.Type == v1.TypeMemberAdded {
			return events.MemberAdded{MemberPayload: p}, nil
		}
		return events.MemberRemoved{MemberPayload: p}, nil

	case v1.TypeGroupNameUpdated:
		var p v1.GroupNamePayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := requireIDs(p.ConversationID, p.ConversationID); err != nil {
			return nil, err
		}
		return events.GroupNameUpdated{GroupNamePayload: p}, nil

	case v1.TypeUserTyping, v1.TypeUserStoppedTyping:
		var p v1.TypingPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := requireIDs(p.UserID, p.ConversationID); err != nil {
			return nil, err
		}
		if env.Type == v1.TypeUserTyping {
			return events.UserTyping{TypingPayload: p}, nil
		}
		return events.UserStoppedTyping{TypingPayload: p}, nil

	case v1.TypeUserStatusChanged:
		var p v1.UserStatusPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := requireIDs(p.UserID, p.UserID); err != nil {
			return nil, err
		}
		return events.UserStatusChanged{UserStatusPayload: p}, nil

	case v1.TypeMessagesRead:
		var p v1.MessagesReadPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if err := requireIDs(p.UserID, p.ConversationID); err != nil {
			return nil, err
		}
		return events.MessagesRead{MessagesReadPayload: p}, nil

	case v1.TypeMessageError, v1.TypeReactionError:
		var p v1.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		if env.Type == v1.TypeMessageError {
			return events.MessageError{ErrorPayload: p}, nil
		}
		return events.ReactionError{ErrorPayload: p}, nil
	}

	return nil, fmt.Errorf("unhandled type: %q", env.Type)
}

func requireIDs(id, convID string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("missing id")
	}
	if strings.TrimSpace(convID) == "" {
		return fmt.Errorf("missing conversation id")
	}
	return nil
}
