// Package presence keeps the server informed that the client is alive.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatsync/cmd/internal/clock"
	v1 "chatsync/shared/contracts/realtime/v1"
)

// Interval is the default heartbeat period.
const Interval = 30 * time.Second

// Emitter sends fire-and-forget channel signals.
type Emitter interface {
	Emit(ctx context.Context, typ, conversationID string, payload any) error
}

// Option configures a Heartbeat.
type Option func(*Heartbeat)

// WithClock sets the time source of the interval timer.
func WithClock(c clock.Clock) Option {
	return func(h *Heartbeat) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Heartbeat) {
		if log != nil {
			h.log = log
		}
	}
}

// WithInterval overrides the heartbeat period.
func WithInterval(d time.Duration) Option {
	return func(h *Heartbeat) {
		if d > 0 {
			h.interval = d
		}
	}
}

// Heartbeat emits a liveness signal on a fixed interval while the channel
// is connected and the user is online.
type Heartbeat struct {
	em       Emitter
	clock    clock.Clock
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	running bool
	online  bool
	gen     uint64
	timer   clock.Timer
}

// New constructs a stopped heartbeat for a user who is online.
func New(em Emitter, opts ...Option) *Heartbeat {
	h := &Heartbeat{
		em:       em,
		clock:    clock.New(),
		log:      slog.Default(),
		interval: Interval,
		online:   true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start arms the interval. Called when the channel becomes connected.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
	h.armLocked()
}

// Stop disarms the interval. Called when the channel is lost or closed.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	h.disarmLocked()
}

// Online reports the local presence flag.
func (h *Heartbeat) Online() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online
}

// SetOnline emits update_status and pauses or resumes the interval.
func (h *Heartbeat) SetOnline(ctx context.Context, online bool) error {
	h.mu.Lock()
	h.online = online
	if online {
		h.armLocked()
	} else {
		h.disarmLocked()
	}
	h.mu.Unlock()

	status := v1.StatusOffline
	if online {
		status = v1.StatusOnline
	}
	if err := h.em.Emit(ctx, v1.TypeUpdateStatus, "", v1.UpdateStatusPayload{Status: status}); err != nil {
		h.log.Debug("presence.status.fail", "status", status, "err", err)
		return err
	}
	return nil
}

func (h *Heartbeat) armLocked() {
	h.disarmLocked()
	if !h.running || !h.online {
		return
	}
	gen := h.gen
	h.timer = h.clock.AfterFunc(h.interval, func() { h.beat(gen) })
}

func (h *Heartbeat) disarmLocked() {
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Heartbeat) beat(gen uint64) {
	h.mu.Lock()
	if gen != h.gen || !h.running || !h.online {
		h.mu.Unlock()
		return
	}
	h.armLocked()
	now := h.clock.Now()
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()
	if err := h.em.Emit(ctx, v1.TypeHeartbeat, "", v1.HeartbeatPayload{At: now}); err != nil {
		h.log.Debug("presence.heartbeat.fail", "err", err)
	}
}
