package store

import (
	"sort"
	"time"
)

// thread is the ordered message sequence of one conversation.
type thread struct {
	msgs []*Message
	byID map[string]*Message

	cursor  Cursor
	loading bool

	// tombstones remembers deleted ids so late duplicates are ignored.
	tombstones map[string]time.Time
}

func newThread() *thread {
	return &thread{
		byID:       make(map[string]*Message),
		tombstones: make(map[string]time.Time),
	}
}

// before is the sequence order: confirmed messages by server creation order
// (created_at, seq, id), then pending placeholders by local creation time.
func before(a, b *Message) bool {
	if a.Pending != b.Pending {
		return !a.Pending
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// insert adds m at its ordered position. Duplicate ids are rejected.
func (t *thread) insert(m *Message) bool {
	if _, ok := t.byID[m.ID]; ok {
		return false
	}
	i := sort.Search(len(t.msgs), func(i int) bool { return before(m, t.msgs[i]) })
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
	t.byID[m.ID] = m
	return true
}

func (t *thread) remove(id string) *Message {
	m, ok := t.byID[id]
	if !ok {
		return nil
	}
	delete(t.byID, id)
	for i, cur := range t.msgs {
		if cur == m {
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			break
		}
	}
	return m
}

// first returns the oldest confirmed message.
func (t *thread) first() *Message {
	if len(t.msgs) == 0 || t.msgs[0].Pending {
		return nil
	}
	return t.msgs[0]
}

// last returns the newest confirmed message.
func (t *thread) last() *Message {
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if !t.msgs[i].Pending {
			return t.msgs[i]
		}
	}
	return nil
}

func (t *thread) confirmed() int {
	n := 0
	for _, m := range t.msgs {
		if !m.Pending {
			n++
		}
	}
	return n
}

func (t *thread) tombstone(id string, now time.Time, ttl time.Duration) {
	t.tombstones[id] = now
	cut := now.Add(-ttl)
	for k, at := range t.tombstones {
		if at.Before(cut) {
			delete(t.tombstones, k)
		}
	}
}

func (t *thread) tombstoned(id string, now time.Time, ttl time.Duration) bool {
	at, ok := t.tombstones[id]
	if !ok {
		return false
	}
	if now.Sub(at) > ttl {
		delete(t.tombstones, id)
		return false
	}
	return true
}

// placeholderFor finds the pending placeholder a confirmed own message
// replaces: by client message id when the server echoed one, otherwise by
// sender, content and creation time within window. A message already held
// under its server id replaces nothing.
func (t *thread) placeholderFor(m *Message, window time.Duration) *Message {
	if t.byID[m.ID] != nil {
		return nil
	}
	var best *Message
	for _, cur := range t.msgs {
		if !cur.Pending {
			continue
		}
		if m.ClientMsgID != "" && cur.ClientMsgID == m.ClientMsgID {
			return cur
		}
		if m.ClientMsgID != "" && cur.ClientMsgID != "" {
			continue
		}
		if best != nil || cur.SenderID != m.SenderID || cur.Content != m.Content {
			continue
		}
		d := m.CreatedAt.Sub(cur.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			best = cur
		}
	}
	return best
}
