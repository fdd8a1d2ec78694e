// Package events is the typed publish/subscribe hub between the connection
// manager, the store and the trackers.
//
// Handlers for a kind run synchronously, in subscription order, on the
// publishing goroutine. A handler that returns an error or panics is logged
// and skipped; the remaining handlers still run.
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"chatsync/cmd/internal/metrics"
)

// Handler receives one event.
type Handler func(Event) error

// Subscription identifies one registered handler.
type Subscription struct {
	kind Kind
	id   uint64
}

// Kind returns the event kind the subscription listens to.
func (s Subscription) Kind() Kind { return s.kind }

type subscriber struct {
	id uint64
	h  Handler
}

// Dispatcher fans events out to subscribers.
type Dispatcher struct {
	log *slog.Logger
	m   *metrics.Metrics

	mu     sync.RWMutex
	nextID uint64
	subs   map[Kind][]subscriber
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Dispatcher{
		log:  log,
		m:    m,
		subs: make(map[Kind][]subscriber),
	}
}

// Subscribe registers h for kind. Subscribing to an invalid kind returns
// a zero Subscription and registers nothing.
func (d *Dispatcher) Subscribe(kind Kind, h Handler) Subscription {
	if !kind.Valid() || h == nil {
		d.log.Warn("events.subscribe.invalid", "kind", kind.String())
		return Subscription{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.subs[kind] = append(d.subs[kind], subscriber{id: d.nextID, h: h})
	return Subscription{kind: kind, id: d.nextID}
}

// Unsubscribe removes a handler. It reports whether anything was removed.
func (d *Dispatcher) Unsubscribe(s Subscription) bool {
	if s.id == 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.subs[s.kind]
	for i, sub := range list {
		if sub.id != s.id {
			continue
		}
		next := make([]subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		d.subs[s.kind] = next
		return true
	}
	return false
}

// Reset drops every subscription.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = make(map[Kind][]subscriber)
}

// Publish invokes the current subscribers of ev's kind.
func (d *Dispatcher) Publish(ev Event) {
	if ev == nil {
		return
	}
	kind := ev.Kind()
	if !kind.Valid() {
		d.log.Warn("events.publish.invalid", "kind", kind.String())
		return
	}

	d.mu.RLock()
	list := d.subs[kind]
	d.mu.RUnlock()

	d.m.EventsPublished.WithLabelValues(kind.String()).Inc()

	for _, sub := range list {
		if err := d.call(sub.h, ev); err != nil {
			d.m.HandlerFailures.WithLabelValues(kind.String()).Inc()
			d.log.Error("events.handler.fail", "kind", kind.String(), "sub", sub.id, "err", err)
		}
	}
}

func (d *Dispatcher) call(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ev)
}

// On subscribes a handler typed to one event payload.
func On[E Event](d *Dispatcher, h func(E) error) Subscription {
	var zero E
	return d.Subscribe(zero.Kind(), func(ev Event) error {
		e, ok := ev.(E)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", ev, zero.Kind())
		}
		return h(e)
	})
}
