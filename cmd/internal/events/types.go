package events

import (
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Event is implemented by every payload the dispatcher carries.
// Each Kind has exactly one payload type.
type Event interface {
	Kind() Kind
}

// ---- Channel events ----

type NewMessage struct{ v1.Message }

type MessageSent struct{ v1.Message }

type MessageDeleted struct{ v1.MessageDeletedPayload }

type MessageEdited struct{ v1.MessageEditedPayload }

type MessageReaction struct{ v1.MessageReactionPayload }

type NewConversation struct{ v1.Conversation }

type ConversationUpdated struct{ v1.Conversation }

type NewGroup struct{ v1.Conversation }

type MemberAdded struct{ v1.MemberPayload }

type MemberRemoved struct{ v1.MemberPayload }

type GroupNameUpdated struct{ v1.GroupNamePayload }

type UserTyping struct{ v1.TypingPayload }

type UserStoppedTyping struct{ v1.TypingPayload }

type UserStatusChanged struct{ v1.UserStatusPayload }

type MessagesRead struct{ v1.MessagesReadPayload }

type MessageError struct{ v1.ErrorPayload }

type ReactionError struct{ v1.ErrorPayload }

func (NewMessage) Kind() Kind          { return KindNewMessage }
func (MessageSent) Kind() Kind         { return KindMessageSent }
func (MessageDeleted) Kind() Kind      { return KindMessageDeleted }
func (MessageEdited) Kind() Kind       { return KindMessageEdited }
func (MessageReaction) Kind() Kind     { return KindMessageReaction }
func (NewConversation) Kind() Kind     { return KindNewConversation }
func (ConversationUpdated) Kind() Kind { return KindConversationUpdated }
func (NewGroup) Kind() Kind            { return KindNewGroup }
func (MemberAdded) Kind() Kind         { return KindMemberAdded }
func (MemberRemoved) Kind() Kind       { return KindMemberRemoved }
func (GroupNameUpdated) Kind() Kind    { return KindGroupNameUpdated }
func (UserTyping) Kind() Kind          { return KindUserTyping }
func (UserStoppedTyping) Kind() Kind   { return KindUserStoppedTyping }
func (UserStatusChanged) Kind() Kind   { return KindUserStatusChanged }
func (MessagesRead) Kind() Kind        { return KindMessagesRead }
func (MessageError) Kind() Kind        { return KindMessageError }
func (ReactionError) Kind() Kind       { return KindReactionError }

// ---- Derived events ----

// MessagesChanged reports that the ordered sequence of a conversation changed.
type MessagesChanged struct {
	ConversationID string
	Reason         string
}

// ConversationsChanged reports that the conversation list changed. An empty
// ConversationID means the whole list was reloaded.
type ConversationsChanged struct {
	ConversationID string
}

// UnreadChanged reports the unread bookkeeping of the open conversation.
type UnreadChanged struct {
	ConversationID string
	Unread         int
	NewCount       int
	Alert          bool
}

// Typer is one remote participant currently typing.
type Typer struct {
	UserID string
	Name   string
}

// TypingChanged lists the remote typers of the open conversation.
type TypingChanged struct {
	ConversationID string
	Users          []Typer
}

func (MessagesChanged) Kind() Kind      { return KindMessagesChanged }
func (ConversationsChanged) Kind() Kind { return KindConversationsChanged }
func (UnreadChanged) Kind() Kind        { return KindUnreadChanged }
func (TypingChanged) Kind() Kind        { return KindTypingChanged }
