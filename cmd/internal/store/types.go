package store

import (
	"slices"
	"time"

	v1 "chatsync/shared/contracts/realtime/v1"
)

// ReadState tracks whether the local user has read a message.
type ReadState uint8

const (
	Unread ReadState = iota
	// ReadLocal: marked read locally, server acknowledgment pending.
	ReadLocal
	// ReadAcked: the server has recorded the read.
	ReadAcked
)

func (s ReadState) String() string {
	switch s {
	case ReadLocal:
		return "read_local"
	case ReadAcked:
		return "read_acked"
	default:
		return "unread"
	}
}

// Message is the client-side view of one message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	Attachment     *v1.Attachment
	ReplyToID      string
	ClientMsgID    string
	Seq            int64
	CreatedAt      time.Time

	Edited   bool
	EditedAt time.Time

	// Reactions maps an emoji to the ids of the users who reacted with it.
	Reactions map[string][]string
	ReadBy    []string
	Read      ReadState

	// Pending marks an optimistic placeholder awaiting the server copy.
	Pending bool
}

// ReactedBy reports whether userID reacted with emoji.
func (m Message) ReactedBy(emoji, userID string) bool {
	return slices.Contains(m.Reactions[emoji], userID)
}

func (m *Message) clone() Message {
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = append([]string(nil), v...)
		}
	}
	c.ReadBy = append([]string(nil), m.ReadBy...)
	return c
}

// LastMessage is the conversation list summary.
type LastMessage struct {
	MessageID string
	Content   string
	SenderID  string
	At        time.Time
}

// Conversation is the client-side view of one conversation.
type Conversation struct {
	ID          string
	Name        string
	IsGroup     bool
	MemberCount int
	PeerID      string
	PeerName    string
	Online      bool
	Last        *LastMessage
	UnreadCount int
	UpdatedAt   time.Time

	// Per-field last-write timestamps for merging REST snapshots with live updates.
	metaAt     time.Time
	presenceAt time.Time
}

func (c *Conversation) clone() Conversation {
	out := *c
	if c.Last != nil {
		l := *c.Last
		out.Last = &l
	}
	return out
}

// activity is the sort key of the conversation list.
func (c *Conversation) activity() time.Time {
	if c.Last != nil && c.Last.At.After(c.UpdatedAt) {
		return c.Last.At
	}
	return c.UpdatedAt
}

// Cursor is the pagination state of one conversation.
type Cursor struct {
	Offset  int
	Limit   int
	HasMore bool
	Loaded  bool
}

// Page is the outcome of one history fetch.
type Page struct {
	ConversationID string
	// Inserted holds every message the fetch added, oldest first.
	Inserted []Message
	// Above holds the inserted messages that sort before the previously
	// first message; their rendered height is the viewport anchor delta.
	Above   []Message
	HasMore bool
	// Skipped: a fetch for this conversation was already in flight, or
	// the history is exhausted.
	Skipped bool
	// Stale: the open conversation changed while fetching; nothing merged.
	Stale bool
}

// SendInput describes a message to send.
type SendInput struct {
	ConversationID string
	Content        string
	Attachment     *v1.Attachment
	ReplyToID      string
}

func fromWire(p v1.Message, self string) *Message {
	m := &Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		Content:        p.Content,
		Attachment:     p.Attachment,
		ReplyToID:      p.ReplyToID,
		ClientMsgID:    p.ClientMsgID,
		Seq:            p.Seq,
		CreatedAt:      p.CreatedAt,
		ReadBy:         append([]string(nil), p.ReadBy...),
	}
	if p.EditedAt != nil {
		m.Edited = true
		m.EditedAt = *p.EditedAt
	}
	if len(p.Reactions) > 0 {
		m.Reactions = make(map[string][]string, len(p.Reactions))
		for emoji, users := range p.Reactions {
			if len(users) > 0 {
				m.Reactions[emoji] = append([]string(nil), users...)
			}
		}
	}
	if p.SenderID == self || slices.Contains(p.ReadBy, self) {
		m.Read = ReadAcked
	}
	return m
}

func conversationFromWire(c v1.Conversation) *Conversation {
	out := &Conversation{
		ID:          c.ID,
		Name:        c.Name,
		IsGroup:     c.IsGroup,
		MemberCount: c.MemberCount,
		PeerID:      c.PeerID,
		PeerName:    c.PeerName,
		Online:      c.Online,
		UnreadCount: c.UnreadCount,
		UpdatedAt:   c.UpdatedAt,
		metaAt:      c.UpdatedAt,
		presenceAt:  c.UpdatedAt,
	}
	if c.LastMessage != nil {
		out.Last = &LastMessage{
			Content:  c.LastMessage.Content,
			SenderID: c.LastMessage.SenderID,
			At:       c.LastMessage.At,
		}
	}
	return out
}
