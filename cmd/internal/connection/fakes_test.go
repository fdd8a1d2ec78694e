package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"chatsync/cmd/internal/clock"
	"chatsync/cmd/internal/events"
	"chatsync/cmd/internal/realtime"
	v1 "chatsync/shared/contracts/realtime/v1"
)

var errDial = errors.New("dial refused")

type fakeChannel struct {
	mu   sync.Mutex
	sent []v1.Envelope

	in     chan v1.Envelope
	errCh  chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan v1.Envelope, 16),
		errCh:  make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) Send(_ context.Context, env v1.Envelope) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) Receive(ctx context.Context) (v1.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case err := <-c.errCh:
		return v1.Envelope{}, err
	case <-c.closed:
		return v1.Envelope{}, net.ErrClosed
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (c *fakeChannel) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) fail(err error) { c.errCh <- err }

func (c *fakeChannel) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, e := range c.sent {
		out = append(out, e.Type)
	}
	return out
}

func (c *fakeChannel) sentEnvelopes() []v1.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]v1.Envelope(nil), c.sent...)
}

type fakeDialer struct {
	mu       sync.Mutex
	failNext int
	failAll  bool
	dials    int
	channels []*fakeChannel
}

func (d *fakeDialer) Dial(_ context.Context, credential string) (realtime.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if credential == "" {
		return nil, errors.New("missing credential")
	}
	if d.failAll {
		return nil, errDial
	}
	if d.failNext > 0 {
		d.failNext--
		return nil, errDial
	}
	ch := newFakeChannel()
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[i]
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = v
}

// recorder collects connection events across goroutines.
type recorder struct {
	mu        sync.Mutex
	states    []State
	scheduled []ReconnectScheduled
	stateCh   chan State
}

func newRecorder(bus *events.Dispatcher) *recorder {
	r := &recorder{stateCh: make(chan State, 64)}
	events.On(bus, func(e StateChanged) error {
		r.mu.Lock()
		r.states = append(r.states, e.To)
		r.mu.Unlock()
		r.stateCh <- e.To
		return nil
	})
	events.On(bus, func(e ReconnectScheduled) error {
		r.mu.Lock()
		r.scheduled = append(r.scheduled, e)
		r.mu.Unlock()
		return nil
	})
	return r
}

func (r *recorder) waitFor(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.stateCh:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func (r *recorder) snapshot() ([]State, []ReconnectScheduled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]ReconnectScheduled(nil), r.scheduled...)
}

type harness struct {
	mgr    *Manager
	dialer *fakeDialer
	clock  *clock.Fake
	bus    *events.Dispatcher
	rec    *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewDispatcher(log, nil)
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := &fakeDialer{}

	m := New(d, bus,
		WithClock(clk),
		WithLogger(log),
		WithConfig(Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}),
	)
	return &harness{mgr: m, dialer: d, clock: clk, bus: bus, rec: newRecorder(bus)}
}
