package v1

import "time"

// ---- Shared shapes ----

// Attachment references media uploaded through the external media service.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// LastMessage is the summary shown in conversation lists.
type LastMessage struct {
	Content  string    `json:"content"`
	SenderID string    `json:"sender_id"`
	At       time.Time `json:"at"`
}

// Message is the canonical message shape used by both channel events and REST.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	SenderID       string              `json:"sender_id"`
	SenderName     string              `json:"sender_name,omitempty"`
	Content        string              `json:"content"`
	Attachment     *Attachment         `json:"attachment,omitempty"`
	ReplyToID      string              `json:"reply_to_id,omitempty"`
	ClientMsgID    string              `json:"client_msg_id,omitempty"`
	Seq            int64               `json:"seq,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	EditedAt       *time.Time          `json:"edited_at,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
	ReadBy         []string            `json:"read_by,omitempty"`
}

// Conversation is the canonical conversation shape.
type Conversation struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	IsGroup     bool         `json:"is_group"`
	MemberCount int          `json:"member_count,omitempty"`
	PeerID      string       `json:"peer_id,omitempty"`
	PeerName    string       `json:"peer_name,omitempty"`
	Online      bool         `json:"online,omitempty"`
	LastMessage *LastMessage `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Member is one participant of a group conversation.
type Member struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Role     string    `json:"role,omitempty"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
}

// ---- Server -> client payloads ----

// MessagePayload carries new_message and message_sent.
type MessagePayload struct {
	Message Message `json:"message"`
}

// MessageDeletedPayload carries message_deleted.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// MessageEditedPayload carries message_edited.
type MessageEditedPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

// MessageReactionPayload carries message_reaction.
type MessageReactionPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Emoji          string `json:"emoji"`
	UserID         string `json:"user_id"`
	Action         string `json:"action"`
}

// ConversationPayload carries new_conversation, conversation_updated and new_group.
type ConversationPayload struct {
	Conversation Conversation `json:"conversation"`
}

// MemberPayload carries member_added and member_removed.
type MemberPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name,omitempty"`
	MemberCount    int       `json:"member_count"`
	At             time.Time `json:"at"`
}

// GroupNamePayload carries group_name_updated.
type GroupNamePayload struct {
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	At             time.Time `json:"at"`
}

// TypingPayload carries user_typing and user_stopped_typing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
}

// UserStatusPayload carries user_status_changed.
type UserStatusPayload struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// MessagesReadPayload carries messages_read.
type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	MessageIDs     []string  `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

// ErrorPayload carries message_error and reaction_error.
type ErrorPayload struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

// ---- Client -> server payloads ----

// ConversationRefPayload carries join_conversation, leave_conversation,
// typing_start and typing_stop.
type ConversationRefPayload struct {
	ConversationID string `json:"conversation_id"`
}

// JoinUserConversationsPayload asks the server to subscribe the channel to
// every conversation of the authenticated user.
type JoinUserConversationsPayload struct{}

// UpdateStatusPayload carries update_status.
type UpdateStatusPayload struct {
	Status string `json:"status"`
}

// HeartbeatPayload carries heartbeat.
type HeartbeatPayload struct {
	At time.Time `json:"at"`
}
