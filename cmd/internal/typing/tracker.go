// Package typing tracks who is typing in the open conversation and paces
// the local typing_start / typing_stop signals.
package typing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatsync/cmd/internal/clock"
	"chatsync/cmd/internal/events"
	v1 "chatsync/shared/contracts/realtime/v1"
)

const (
	// Window is the idle time after which a typing burst ends, locally and remotely.
	Window = 3 * time.Second

	signalTimeout = 3 * time.Second
)

// Emitter sends fire-and-forget channel signals.
type Emitter interface {
	Emit(ctx context.Context, typ, conversationID string, payload any) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source of the idle timers.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithDispatcher publishes TypingChanged on d.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(t *Tracker) { t.bus = d }
}

type remoteTyper struct {
	name  string
	gen   uint64
	timer clock.Timer
}

// Tracker is safe for concurrent use.
type Tracker struct {
	self  string
	em    Emitter
	clock clock.Clock
	bus   *events.Dispatcher
	log   *slog.Logger

	mu         sync.Mutex
	conv       string
	gen        uint64
	localOn    bool
	localConv  string
	localTimer clock.Timer
	remote     map[string]*remoteTyper
}

// New constructs a Tracker for the user self.
func New(self string, em Emitter, opts ...Option) *Tracker {
	t := &Tracker{
		self:   self,
		em:     em,
		clock:  clock.New(),
		log:    slog.Default(),
		remote: make(map[string]*remoteTyper),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open switches to conversationID. Local typing in the previous
// conversation is stopped and remote typers are discarded.
func (t *Tracker) Open(ctx context.Context, conversationID string) {
	t.StopLocal(ctx)

	t.mu.Lock()
	prev := t.conv
	had := len(t.remote) > 0
	t.clearRemoteLocked()
	t.conv = conversationID
	t.mu.Unlock()

	if had && prev != "" {
		t.publish(events.TypingChanged{ConversationID: prev})
	}
}

// Close stops local typing and forgets every typer.
func (t *Tracker) Close(ctx context.Context) {
	t.Open(ctx, "")
}

// Reset stops every timer without signalling. Used after the channel is gone.
func (t *Tracker) Reset() {
	t.mu.Lock()
	prev := t.conv
	had := len(t.remote) > 0
	t.gen++
	if t.localTimer != nil {
		t.localTimer.Stop()
		t.localTimer = nil
	}
	t.localOn = false
	t.localConv = ""
	t.clearRemoteLocked()
	t.mu.Unlock()

	if had && prev != "" {
		t.publish(events.TypingChanged{ConversationID: prev})
	}
}

// Keystroke reports local input activity. The first keystroke of a burst
// emits typing_start; each keystroke restarts the idle window, and the
// window expiring emits typing_stop.
func (t *Tracker) Keystroke(ctx context.Context) error {
	t.mu.Lock()
	conv := t.conv
	if conv == "" {
		t.mu.Unlock()
		return nil
	}
	start := !t.localOn
	t.localOn = true
	t.localConv = conv
	t.gen++
	gen := t.gen
	if t.localTimer != nil {
		t.localTimer.Stop()
	}
	t.localTimer = t.clock.AfterFunc(Window, func() { t.expireLocal(gen) })
	t.mu.Unlock()

	if !start {
		return nil
	}
	return t.emit(ctx, v1.TypeTypingStart, conv)
}

// StopLocal ends the local burst at once, for example when the message is sent.
func (t *Tracker) StopLocal(ctx context.Context) {
	t.mu.Lock()
	if !t.localOn {
		t.mu.Unlock()
		return
	}
	conv := t.localConv
	t.localOn = false
	t.localConv = ""
	t.gen++
	if t.localTimer != nil {
		t.localTimer.Stop()
		t.localTimer = nil
	}
	t.mu.Unlock()

	_ = t.emit(ctx, v1.TypeTypingStop, conv)
}

func (t *Tracker) expireLocal(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.localOn {
		t.mu.Unlock()
		return
	}
	conv := t.localConv
	t.localOn = false
	t.localConv = ""
	t.localTimer = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	_ = t.emit(ctx, v1.TypeTypingStop, conv)
}

// RemoteStart records a remote typer of the open conversation. Repeated
// starts refresh the expiry; self and other conversations are ignored.
func (t *Tracker) RemoteStart(p v1.TypingPayload) {
	if p.UserID == "" || p.UserID == t.self {
		return
	}

	t.mu.Lock()
	if p.ConversationID != t.conv || t.conv == "" {
		t.mu.Unlock()
		return
	}
	r, ok := t.remote[p.UserID]
	if !ok {
		r = &remoteTyper{}
		t.remote[p.UserID] = r
	}
	changed := !ok || (p.UserName != "" && r.name != p.UserName)
	if p.UserName != "" {
		r.name = p.UserName
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen, user := r.gen, p.UserID
	r.timer = t.clock.AfterFunc(Window, func() { t.expireRemote(user, gen) })
	ev := t.snapshotLocked()
	t.mu.Unlock()

	if changed {
		t.publish(ev)
	}
}

// RemoteStop removes a remote typer.
func (t *Tracker) RemoteStop(p v1.TypingPayload) {
	t.mu.Lock()
	if p.ConversationID != t.conv {
		t.mu.Unlock()
		return
	}
	r, ok := t.remote[p.UserID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(t.remote, p.UserID)
	ev := t.snapshotLocked()
	t.mu.Unlock()

	t.publish(ev)
}

func (t *Tracker) expireRemote(userID string, gen uint64) {
	t.mu.Lock()
	r, ok := t.remote[userID]
	if !ok || r.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.remote, userID)
	ev := t.snapshotLocked()
	t.mu.Unlock()

	t.publish(ev)
}

// Typers lists the remote typers of the open conversation.
func (t *Tracker) Typers() []events.Typer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked().Users
}

// Typing reports whether a local burst is active.
func (t *Tracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localOn
}

func (t *Tracker) clearRemoteLocked() {
	for id, r := range t.remote {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(t.remote, id)
	}
}

func (t *Tracker) snapshotLocked() events.TypingChanged {
	users := make([]events.Typer, 0, len(t.remote))
	for id, r := range t.remote {
		users = append(users, events.Typer{UserID: id, Name: r.name})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return events.TypingChanged{ConversationID: t.conv, Users: users}
}

func (t *Tracker) emit(ctx context.Context, typ, conv string) error {
	err := t.em.Emit(ctx, typ, conv, v1.ConversationRefPayload{ConversationID: conv})
	if err != nil {
		t.log.Debug("typing.signal.fail", "type", typ, "conv", conv, "err", err)
	}
	return err
}

func (t *Tracker) publish(ev events.TypingChanged) {
	if t.bus != nil {
		t.bus.Publish(ev)
	}
}
