package v1

// REST request/response bodies exchanged with the conversation API.

// SendMessageRequest is the body of POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content     string      `json:"content"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	ReplyToID   string      `json:"reply_to_id,omitempty"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
}

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Type      string   `json:"type"`
	UserID    string   `json:"user_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	MemberIDs []string `json:"member_ids,omitempty"`
}

// Conversation kinds accepted by CreateConversationRequest.
const (
	ConversationPrivate = "private"
	ConversationGroup   = "group"
)

// MarkReadRequest is the body of POST /api/conversations/{id}/read.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// EditMessageRequest is the body of PATCH /api/messages/{id}.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ReactionRequest is the body of POST /api/messages/{id}/reactions.
type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// ConversationList is the response of GET /api/conversations.
type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
}

// MessagePage is the response of GET /api/conversations/{id}/messages.
// Messages are ordered oldest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
}

// MemberList is the response of GET /api/conversations/{id}/members.
type MemberList struct {
	Members []Member `json:"members"`
}

// APIError is the error body returned by the conversation API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
