// Package connection owns the lifecycle of the realtime channel: dialing,
// bounded reconnects, re-subscription, outbound signals and the inbound read
// loop that feeds the dispatcher.
package connection

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"chatsync/cmd/internal/clock"
	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/realtime"
	"chatsync/cmd/internal/syncerr"
	v1 "chatsync/shared/contracts/realtime/v1"

	"golang.org/x/time/rate"
)

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides the reconnect and outbound settings.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg.withDefaults() }
}

// WithClock sets the time source used for backoff timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics sets the collectors.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.m = mt
		}
	}
}

// Manager is the connection state machine of one session.
type Manager struct {
	cfg     Config
	dialer  realtime.Dialer
	bus     *events.Dispatcher
	clock   clock.Clock
	log     *slog.Logger
	m       *metrics.Metrics
	limiter *rate.Limiter

	mu         sync.Mutex
	state      State
	credential string
	ch         realtime.Channel
	stopRead   context.CancelFunc
	epoch      uint64
	failures   int
	retry      clock.Timer
	joined     []string
	joinedSet  map[string]struct{}
}

// New constructs a disconnected Manager.
func New(dialer realtime.Dialer, bus *events.Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		cfg:       DefaultConfig(),
		dialer:    dialer,
		bus:       bus,
		clock:     clock.New(),
		log:       slog.Default(),
		joinedSet: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.m == nil {
		m.m = metrics.New(nil)
	}
	m.limiter = rate.NewLimiter(m.cfg.OutboundRate, m.cfg.OutboundBurst)
	m.m.SetConnectionState(m.state.String(), StateNames())
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Joined returns the conversations re-joined on every connection.
func (m *Manager) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.joined...)
}

// Connect opens the channel with credential. A previous channel is torn
// down first. The first dial runs on the caller's goroutine; failures are
// reported through state transitions, not the returned error.
func (m *Manager) Connect(ctx context.Context, credential string) error {
	if strings.TrimSpace(credential) == "" {
		return syncerr.Validation("conn.Connect", "empty credential")
	}

	var evs []events.Event

	m.mu.Lock()
	old, stop := m.detachLocked()
	if ev, ok := m.setStateLocked(Disconnected, nil); ok {
		evs = append(evs, ev)
	}
	m.epoch++
	epoch := m.epoch
	m.credential = credential
	m.failures = 0
	if ev, ok := m.setStateLocked(Connecting, nil); ok {
		evs = append(evs, ev)
	}
	m.mu.Unlock()

	if old != nil {
		stop()
		_ = old.Close("reconnect")
	}
	m.publish(evs...)

	m.log.Info("conn.connect.start")
	m.dial(ctx, epoch)
	return nil
}

// Disconnect sends a best-effort offline signal, closes the channel and
// cancels any scheduled retry. It is safe to call in any state.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	ch, stop := m.detachLocked()
	m.epoch++
	m.failures = 0
	ev, changed := m.setStateLocked(Disconnected, nil)
	m.mu.Unlock()

	if ch != nil {
		if err := m.sendOn(ctx, ch, v1.TypeUpdateStatus, "", v1.UpdateStatusPayload{Status: v1.StatusOffline}); err != nil {
			m.log.Debug("conn.offline.fail", "err", err)
		}
		stop()
		_ = ch.Close("disconnect")
	}
	if changed {
		m.log.Info("conn.disconnect")
		m.publish(ev)
	}
}

// Join remembers convID and joins it now when connected. Joins requested
// while not connected are sent on the next connection.
func (m *Manager) Join(ctx context.Context, convID string) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return syncerr.Validation("conn.Join", "empty conversation id")
	}

	m.mu.Lock()
	if _, ok := m.joinedSet[convID]; !ok {
		m.joinedSet[convID] = struct{}{}
		m.joined = append(m.joined, convID)
	}
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.Emit(ctx, v1.TypeJoinConversation, convID, v1.ConversationRefPayload{ConversationID: convID})
}

// Leave forgets convID and leaves it when connected.
func (m *Manager) Leave(ctx context.Context, convID string) error {
	m.mu.Lock()
	if _, ok := m.joinedSet[convID]; ok {
		delete(m.joinedSet, convID)
		for i, id := range m.joined {
			if id == convID {
				m.joined = append(m.joined[:i], m.joined[i+1:]...)
				break
			}
		}
	}
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.Emit(ctx, v1.TypeLeaveConversation, convID, v1.ConversationRefPayload{ConversationID: convID})
}

// Emit sends a client -> server signal. It fails with a transport error
// when the channel is not connected.
func (m *Manager) Emit(ctx context.Context, typ, convID string, payload any) error {
	if !v1.IsOutbound(typ) {
		return syncerr.Validation("conn.Emit", "unknown signal "+typ)
	}

	m.mu.Lock()
	ch := m.ch
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected || ch == nil {
		m.m.OutboundSignals.WithLabelValues(typ, "not_connected").Inc()
		return syncerr.Transport("conn.Emit", syncerr.ErrNotConnected)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		m.m.OutboundSignals.WithLabelValues(typ, "rate_limited").Inc()
		return syncerr.Transport("conn.Emit", err)
	}

	if err := m.sendOn(ctx, ch, typ, convID, payload); err != nil {
		m.m.OutboundSignals.WithLabelValues(typ, "fail").Inc()
		m.log.Info("conn.emit.fail", "type", typ, "err", err)
		return syncerr.Transport("conn.Emit", err)
	}
	m.m.OutboundSignals.WithLabelValues(typ, "ok").Inc()
	return nil
}

func (m *Manager) sendOn(ctx context.Context, ch realtime.Channel, typ, convID string, payload any) error {
	now := m.clock.Now()
	id, err := ids.NewEnvelopeID(now)
	if err != nil {
		return err
	}
	env, err := v1.NewEnvelope(typ, id, convID, payload, now)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SignalTimeout)
	defer cancel()
	return ch.Send(sctx, env)
}

func (m *Manager) dial(ctx context.Context, epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	cred := m.credential
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	ch, err := m.dialer.Dial(dctx, cred)
	cancel()

	if err != nil {
		m.dialFailed(epoch, err)
		return
	}
	m.dialSucceeded(epoch, ch)
}

func (m *Manager) dialFailed(epoch uint64, cause error) {
	m.m.DialAttempts.WithLabelValues("fail").Inc()

	var evs []events.Event

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.failures++
	failures := m.failures

	if m.state == Connecting {
		if ev, ok := m.setStateLocked(Reconnecting, cause); ok {
			evs = append(evs, ev)
		}
	}

	if failures >= m.cfg.MaxAttempts {
		if ev, ok := m.setStateLocked(Failed, cause); ok {
			evs = append(evs, ev)
		}
		m.mu.Unlock()

		m.log.Warn("conn.reconnect.give_up", "attempts", failures, "err", cause)
		m.publish(evs...)
		return
	}

	delay := m.cfg.Backoff(failures + 1)
	m.retry = m.clock.AfterFunc(delay, func() { m.dial(context.Background(), epoch) })
	evs = append(evs, ReconnectScheduled{Attempt: failures + 1, Delay: delay, Cause: cause})
	m.mu.Unlock()

	m.log.Info("conn.dial.fail", "attempt", failures, "retry_in", delay, "err", cause)
	m.publish(evs...)
}

func (m *Manager) dialSucceeded(epoch uint64, ch realtime.Channel) {
	m.m.DialAttempts.WithLabelValues("ok").Inc()

	m.mu.Lock()
	if epoch != m.epoch || (m.state != Connecting && m.state != Reconnecting) {
		m.mu.Unlock()
		_ = ch.Close("stale")
		return
	}
	m.ch = ch
	m.failures = 0
	joined := append([]string(nil), m.joined...)
	m.mu.Unlock()

	m.resubscribe(ch, joined)

	m.mu.Lock()
	if m.ch != ch {
		m.mu.Unlock()
		return
	}
	readCtx, stop := context.WithCancel(context.Background())
	m.stopRead = stop
	ev, ok := m.setStateLocked(Connected, nil)
	m.mu.Unlock()

	m.log.Info("conn.connected", "rejoined", len(joined))
	if ok {
		m.publish(ev)
	}
	go m.readLoop(readCtx, ch)
}

// resubscribe restores server-side subscriptions and presence on a fresh
// channel before the connection is announced.
func (m *Manager) resubscribe(ch realtime.Channel, joined []string) {
	ctx := context.Background()

	if err := m.sendOn(ctx, ch, v1.TypeJoinUserConversations, "", v1.JoinUserConversationsPayload{}); err != nil {
		m.log.Info("conn.rejoin.fail", "scope", "user", "err", err)
	}
	for _, id := range joined {
		if err := m.sendOn(ctx, ch, v1.TypeJoinConversation, id, v1.ConversationRefPayload{ConversationID: id}); err != nil {
			m.log.Info("conn.rejoin.fail", "conversation_id", id, "err", err)
		}
	}
	if err := m.sendOn(ctx, ch, v1.TypeUpdateStatus, "", v1.UpdateStatusPayload{Status: v1.StatusOnline}); err != nil {
		m.log.Info("conn.online.fail", "err", err)
	}
}

func (m *Manager) readLoop(ctx context.Context, ch realtime.Channel) {
	for {
		env, err := ch.Receive(ctx)
		if err != nil {
			if realtime.ClassifyReadErr(err) == realtime.ReadErrBadFrame {
				m.m.InboundDropped.WithLabelValues("bad_frame").Inc()
				m.log.Warn("conn.inbound.drop", "reason", "bad_frame", "err", err)
				continue
			}
			m.onLoss(ch, err)
			return
		}

		ev, err := Normalize(env)
		if err != nil {
			m.m.InboundDropped.WithLabelValues("invalid").Inc()
			m.log.Warn("conn.inbound.drop", "type", env.Type, "err", syncerr.Protocol("conn.Normalize", err.Error()))
			continue
		}
		m.publish(ev)
	}
}

func (m *Manager) onLoss(ch realtime.Channel, cause error) {
	var evs []events.Event

	m.mu.Lock()
	if m.ch != ch {
		m.mu.Unlock()
		return
	}
	m.ch = nil
	if m.stopRead != nil {
		m.stopRead()
		m.stopRead = nil
	}
	m.failures = 0
	if ev, ok := m.setStateLocked(Reconnecting, cause); ok {
		evs = append(evs, ev)
	}
	epoch := m.epoch
	delay := m.cfg.Backoff(1)
	m.retry = m.clock.AfterFunc(delay, func() { m.dial(context.Background(), epoch) })
	evs = append(evs, ReconnectScheduled{Attempt: 1, Delay: delay, Cause: cause})
	m.mu.Unlock()

	_ = ch.Close("lost")
	m.log.Warn("conn.lost", "kind", realtime.ClassifyReadErr(cause).String(), "retry_in", delay, "err", cause)
	m.publish(evs...)
}

// detachLocked cancels the pending retry and releases the current channel.
// The caller closes the returned channel after unlocking, calling stop
// once any final writes are done.
func (m *Manager) detachLocked() (realtime.Channel, context.CancelFunc) {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	ch := m.ch
	m.ch = nil
	stop := m.stopRead
	m.stopRead = nil
	if stop == nil {
		stop = func() {}
	}
	return ch, stop
}

func (m *Manager) setStateLocked(to State, cause error) (StateChanged, bool) {
	from := m.state
	if from == to {
		return StateChanged{}, false
	}
	if !CanTransition(from, to) {
		m.log.Warn("conn.state.illegal", "from", from.String(), "to", to.String())
		return StateChanged{}, false
	}
	m.state = to
	m.m.SetConnectionState(to.String(), StateNames())
	return StateChanged{From: from, To: to, Attempt: m.failures, Cause: cause}, true
}

func (m *Manager) publish(evs ...events.Event) {
	if m.bus == nil {
		return
	}
	for _, ev := range evs {
		m.bus.Publish(ev)
	}
}
