package realtimetest

import (
	"context"
	"log/slog"
	"sync"

	v1 "chatsync/shared/contracts/realtime/v1"
)

const defaultSendQueue = 256

// client is one connected websocket session.
// send is never closed by the server so concurrent broadcasters cannot panic.
type client struct {
	sessionID string
	userID    string
	send      chan v1.Envelope

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(userID, sessionID string, queue int, cancel context.CancelFunc) *client {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	return &client{
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan v1.Envelope, queue),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// close signals the client goroutines to stop (idempotent).
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// deliver queues env without blocking; it drops under backpressure.
func (c *client) deliver(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// hub tracks connected sessions and the conversation rooms they joined.
// Rooms only scope typing signals; durable events go to every session of
// every member.
type hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*client
	rooms    map[string]map[string]*client
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:      log,
		sessions: make(map[string]*client),
		rooms:    make(map[string]map[string]*client),
	}
}

// register adds c and reports whether it is the user's first session.
func (h *hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	first := !h.onlineLocked(c.userID)
	h.sessions[c.sessionID] = c
	return first
}

// unregister removes c from every room and reports whether it was the
// user's last session.
func (h *hub) unregister(c *client) bool {
	h.mu.Lock()
	delete(h.sessions, c.sessionID)
	for id, room := range h.rooms {
		delete(room, c.sessionID)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
	last := !h.onlineLocked(c.userID)
	h.mu.Unlock()

	c.close()
	return last
}

func (h *hub) onlineLocked(userID string) bool {
	for _, c := range h.sessions {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (h *hub) online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked(userID)
}

func (h *hub) join(convID string, c *client) {
	h.mu.Lock()
	room := h.rooms[convID]
	if room == nil {
		room = make(map[string]*client)
		h.rooms[convID] = room
	}
	room[c.sessionID] = c
	h.mu.Unlock()

	h.log.Debug("hub.room.join", "conversation_id", convID, "session_id", c.sessionID)
}

func (h *hub) leave(convID string, c *client) {
	h.mu.Lock()
	if room := h.rooms[convID]; room != nil {
		delete(room, c.sessionID)
		if len(room) == 0 {
			delete(h.rooms, convID)
		}
	}
	h.mu.Unlock()

	h.log.Debug("hub.room.leave", "conversation_id", convID, "session_id", c.sessionID)
}

// room fans env out to the sessions that joined convID, except skip.
func (h *hub) room(convID string, env v1.Envelope, skip string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.rooms[convID] {
		if id != skip {
			c.deliver(env)
		}
	}
}

// users fans env out to every session of the given users.
func (h *hub) users(userIDs []string, env v1.Envelope) {
	want := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		want[id] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions {
		if _, ok := want[c.userID]; ok {
			c.deliver(env)
		}
	}
}

// everyone fans env out to all sessions except those of skipUser.
func (h *hub) everyone(env v1.Envelope, skipUser string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions {
		if c.userID != skipUser {
			c.deliver(env)
		}
	}
}

// drop closes every session of userID, or of everyone when userID is empty.
func (h *hub) drop(userID string) int {
	h.mu.RLock()
	var victims []*client
	for _, c := range h.sessions {
		if userID == "" || c.userID == userID {
			victims = append(victims, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range victims {
		c.close()
	}
	return len(victims)
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *hub) roomSize(convID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[convID])
}
