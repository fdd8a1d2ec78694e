package events

// Kind is the closed set of event kinds carried by the dispatcher.
type Kind uint8

const (
	kindInvalid Kind = iota

	// Connection lifecycle (published by the connection manager).
	KindConnectionState
	KindReconnectScheduled

	// Server -> client channel events.
	KindNewMessage
	KindMessageSent
	KindMessageDeleted
	KindMessageEdited
	KindMessageReaction
	KindNewConversation
	KindConversationUpdated
	KindNewGroup
	KindMemberAdded
	KindMemberRemoved
	KindGroupNameUpdated
	KindUserTyping
	KindUserStoppedTyping
	KindUserStatusChanged
	KindMessagesRead
	KindMessageError
	KindReactionError

	// Derived state changes for renderers.
	KindMessagesChanged
	KindConversationsChanged
	KindUnreadChanged
	KindTypingChanged

	kindEnd
)

var kindNames = [...]string{
	kindInvalid:              "invalid",
	KindConnectionState:      "connection_state",
	KindReconnectScheduled:   "reconnect_scheduled",
	KindNewMessage:           "new_message",
	KindMessageSent:          "message_sent",
	KindMessageDeleted:       "message_deleted",
	KindMessageEdited:        "message_edited",
	KindMessageReaction:      "message_reaction",
	KindNewConversation:      "new_conversation",
	KindConversationUpdated:  "conversation_updated",
	KindNewGroup:             "new_group",
	KindMemberAdded:          "member_added",
	KindMemberRemoved:        "member_removed",
	KindGroupNameUpdated:     "group_name_updated",
	KindUserTyping:           "user_typing",
	KindUserStoppedTyping:    "user_stopped_typing",
	KindUserStatusChanged:    "user_status_changed",
	KindMessagesRead:         "messages_read",
	KindMessageError:         "message_error",
	KindReactionError:        "reaction_error",
	KindMessagesChanged:      "messages_changed",
	KindConversationsChanged: "conversations_changed",
	KindUnreadChanged:        "unread_changed",
	KindTypingChanged:        "typing_changed",
}

func (k Kind) String() string {
	if !k.Valid() {
		return "invalid"
	}
	return kindNames[k]
}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	return k > kindInvalid && k < kindEnd
}

// Kinds returns every valid kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, int(kindEnd)-1)
	for k := kindInvalid + 1; k < kindEnd; k++ {
		out = append(out, k)
	}
	return out
}
