// Package readstate decides when messages of the open conversation count
// as seen and batches the mark-read calls to the server.
package readstate

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/store"
	"chatsync/cmd/internal/syncerr"
	"chatsync/cmd/internal/viewport"
)

// Marker notifies the server that messages were read.
type Marker interface {
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// Recorder keeps the per-message read state.
type Recorder interface {
	SetReadState(conversationID string, messageIDs []string, state store.ReadState) []string
}

// Decision is what the tracker did with an arriving message.
type Decision uint8

const (
	// Ignored: not a read candidate or not the open conversation.
	Ignored Decision = iota
	// AutoRead: the viewport was at the live edge; the message was marked read.
	AutoRead
	// Counted: the message joined the unread counter and raised the alert.
	Counted
	// ScrollToBottom: an own message; the view advances to the live edge.
	ScrollToBottom
)

func (d Decision) String() string {
	switch d {
	case AutoRead:
		return "auto_read"
	case Counted:
		return "counted"
	case ScrollToBottom:
		return "scroll_to_bottom"
	default:
		return "ignored"
	}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		if m != nil {
			t.m = m
		}
	}
}

// WithDispatcher publishes UnreadChanged on d.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(t *Tracker) { t.bus = d }
}

// WithThreshold overrides the near-bottom distance.
func WithThreshold(px float64) Option {
	return func(t *Tracker) {
		if px >= 0 {
			t.threshold = px
		}
	}
}

// Tracker holds the unread bookkeeping of one open conversation.
type Tracker struct {
	self      string
	marker    Marker
	rec       Recorder
	bus       *events.Dispatcher
	log       *slog.Logger
	m         *metrics.Metrics
	threshold float64

	mu       sync.Mutex
	conv     string
	gen      uint64
	unread   []string
	newCount int
	alert    bool
	view     viewport.Viewport
	hasView  bool
	away     bool
}

// New constructs a Tracker for the user self.
func New(self string, marker Marker, rec Recorder, opts ...Option) *Tracker {
	t := &Tracker{
		self:      self,
		marker:    marker,
		rec:       rec,
		log:       slog.Default(),
		threshold: viewport.NearBottomThreshold,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.m == nil {
		t.m = metrics.New(nil)
	}
	return t
}

// Open switches to conversationID. Qualifying messages already present are
// recorded as unread; the server is not notified.
func (t *Tracker) Open(conversationID string, msgs []store.Message) {
	t.mu.Lock()
	t.resetLocked()
	t.conv = conversationID
	for _, m := range msgs {
		if t.candidate(m) {
			t.unread = append(t.unread, m.ID)
		}
	}
	ev := t.snapshotLocked()
	t.mu.Unlock()

	t.publish(ev)
}

// Close drops the bookkeeping of the open conversation.
func (t *Tracker) Close() {
	t.mu.Lock()
	conv := t.conv
	t.resetLocked()
	t.mu.Unlock()

	if conv != "" {
		t.publish(events.UnreadChanged{ConversationID: conv})
	}
}

// Unread returns the unread ids of the open conversation, oldest first.
func (t *Tracker) Unread() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.unread)
}

// State returns the current counters.
func (t *Tracker) State() events.UnreadChanged {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// OnMessage classifies a message that just entered the open conversation.
func (t *Tracker) OnMessage(ctx context.Context, m store.Message) (Decision, error) {
	t.mu.Lock()
	if t.conv == "" || m.ConversationID != t.conv {
		t.mu.Unlock()
		return Ignored, nil
	}
	if m.SenderID == t.self {
		if t.hasView {
			t.view = t.view.ToBottom()
		}
		t.away = false
		t.mu.Unlock()
		return ScrollToBottom, nil
	}
	if !t.candidate(m) || slices.Contains(t.unread, m.ID) {
		t.mu.Unlock()
		return Ignored, nil
	}

	atEdge := !t.hasView || (t.view.NearBottom(t.threshold) && !t.away)
	if !atEdge {
		t.unread = append(t.unread, m.ID)
		t.newCount++
		t.alert = true
		ev := t.snapshotLocked()
		t.mu.Unlock()
		t.publish(ev)
		return Counted, nil
	}
	conv, gen := t.conv, t.gen
	t.mu.Unlock()

	if err := t.mark(ctx, conv, gen, []string{m.ID}); err != nil {
		return Counted, err
	}
	return AutoRead, nil
}

// UpdateViewport records the scroll position. Scrolling up marks the reader
// as moving away, even inside the near-bottom threshold; scrolling down or
// reaching the end clears it. Near the live edge and not moving away, every
// unread message is marked read in one batched call and the alert clears.
func (t *Tracker) UpdateViewport(ctx context.Context, v viewport.Viewport) error {
	t.mu.Lock()
	if t.hasView {
		switch {
		case v.ScrollTop < t.view.ScrollTop:
			t.away = true
		case v.ScrollTop > t.view.ScrollTop:
			t.away = false
		}
	}
	if v.DistanceFromBottom() == 0 {
		t.away = false
	}
	t.view = v
	t.hasView = true
	if t.conv == "" || t.away || !v.NearBottom(t.threshold) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.MarkAllRead(ctx)
}

// MarkAllRead marks every unread message of the open conversation read.
// With nothing unread it only clears the counter and the alert.
func (t *Tracker) MarkAllRead(ctx context.Context) error {
	t.mu.Lock()
	if t.conv == "" {
		t.mu.Unlock()
		return nil
	}
	batch := slices.Clone(t.unread)
	conv, gen := t.conv, t.gen
	if len(batch) == 0 {
		changed := t.newCount != 0 || t.alert
		t.newCount, t.alert = 0, false
		ev := t.snapshotLocked()
		t.mu.Unlock()
		if changed {
			t.publish(ev)
		}
		return nil
	}
	t.mu.Unlock()

	return t.mark(ctx, conv, gen, batch)
}

// Forget drops a deleted message from the unread set.
func (t *Tracker) Forget(conversationID, messageID string) {
	t.Acknowledged(conversationID, []string{messageID})
}

// Acknowledged removes messages the server already records as read, for
// example reads made on another device.
func (t *Tracker) Acknowledged(conversationID string, messageIDs []string) {
	t.mu.Lock()
	if conversationID != t.conv {
		t.mu.Unlock()
		return
	}
	before := len(t.unread)
	t.unread = slices.DeleteFunc(t.unread, func(id string) bool { return slices.Contains(messageIDs, id) })
	if len(t.unread) == before {
		t.mu.Unlock()
		return
	}
	t.newCount = min(t.newCount, len(t.unread))
	if len(t.unread) == 0 {
		t.alert = false
	}
	ev := t.snapshotLocked()
	t.mu.Unlock()
	t.publish(ev)
}

// mark moves ids to read locally, notifies the server and rolls back on
// failure. Ids leave the unread set before the call so a concurrent
// viewport update never sends them twice.
func (t *Tracker) mark(ctx context.Context, conv string, gen uint64, ids []string) error {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return nil
	}
	t.unread = slices.DeleteFunc(t.unread, func(id string) bool { return slices.Contains(ids, id) })
	t.newCount, t.alert = 0, false
	ev := t.snapshotLocked()
	t.mu.Unlock()

	t.rec.SetReadState(conv, ids, store.ReadLocal)
	t.publish(ev)

	if err := t.marker.MarkRead(ctx, conv, ids); err != nil {
		t.rec.SetReadState(conv, ids, store.Unread)
		t.m.WriteFailures.WithLabelValues("mark_read").Inc()
		t.log.Warn("readstate.mark.fail", "conv", conv, "count", len(ids), "err", err)

		t.mu.Lock()
		if gen == t.gen {
			for _, id := range ids {
				if !slices.Contains(t.unread, id) {
					t.unread = append(t.unread, id)
				}
			}
		}
		ev := t.snapshotLocked()
		t.mu.Unlock()
		t.publish(ev)
		return syncerr.Write("readstate.MarkRead", err)
	}

	t.rec.SetReadState(conv, ids, store.ReadAcked)
	t.log.Debug("readstate.mark.ok", "conv", conv, "count", len(ids))
	return nil
}

func (t *Tracker) candidate(m store.Message) bool {
	return !m.Pending && m.SenderID != t.self && m.Read == store.Unread
}

func (t *Tracker) resetLocked() {
	t.gen++
	t.conv = ""
	t.unread = nil
	t.newCount = 0
	t.alert = false
	t.view = viewport.Viewport{}
	t.hasView = false
	t.away = false
}

func (t *Tracker) snapshotLocked() events.UnreadChanged {
	t.m.UnreadMessages.Set(float64(len(t.unread)))
	return events.UnreadChanged{
		ConversationID: t.conv,
		Unread:         len(t.unread),
		NewCount:       t.newCount,
		Alert:          t.alert,
	}
}

func (t *Tracker) publish(ev events.UnreadChanged) {
	if t.bus != nil {
		t.bus.Publish(ev)
	}
}
