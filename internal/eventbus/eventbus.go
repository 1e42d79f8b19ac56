// Package eventbus is an in-process publish/subscribe channel keyed by event
// name. Delivery is synchronous, in subscription order, and isolated per
// handler: a panicking handler is recovered and reported, and the remaining
// handlers still run.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
)

// Handler receives the event name and its payload.
type Handler func(name string, payload any)

// PanicReporter is told about every recovered handler panic.
type PanicReporter interface {
	HandlerPanicked(name string)
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
	once    bool
	fired   atomic.Bool
	removed atomic.Bool
}

// Bus is safe for concurrent Subscribe, Unsubscribe and Publish calls.
// Handlers may subscribe, unsubscribe and publish from inside a delivery.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*subscription

	log      logging.Logger
	reporter PanicReporter
}

// Option customises a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithPanicReporter attaches a counter for recovered handler panics.
func WithPanicReporter(r PanicReporter) Option {
	return func(b *Bus) {
		b.reporter = r
	}
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[string][]*subscription),
		log:  logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers h for name and returns a function that removes it.
// The returned function is idempotent.
func (b *Bus) Subscribe(name string, h Handler) func() {
	s := b.add(name, h, false)
	return func() { b.remove(s) }
}

// SubscribeOnce registers h for a single delivery of name. It is removed
// before it runs, so it fires at most once even under concurrent publishes.
func (b *Bus) SubscribeOnce(name string, h Handler) func() {
	s := b.add(name, h, true)
	return func() { b.remove(s) }
}

// SubscribeMany registers h for every listed name. The returned function
// removes all of them at once.
func (b *Bus) SubscribeMany(names []string, h Handler) func() {
	subs := make([]*subscription, 0, len(names))
	for _, name := range names {
		subs = append(subs, b.add(name, h, false))
	}
	return func() {
		for _, s := range subs {
			b.remove(s)
		}
	}
}

// Publish delivers payload to every handler currently registered for name.
// A handler removed by an earlier handler of the same publish is skipped.
// Publishing with no subscribers is a no-op.
func (b *Bus) Publish(name string, payload any) {
	b.mu.RLock()
	current := b.subs[name]
	targets := make([]*subscription, len(current))
	copy(targets, current)
	b.mu.RUnlock()

	for _, s := range targets {
		if s.removed.Load() {
			continue
		}
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			b.remove(s)
		}
		b.deliver(s, name, payload)
	}
}

// Subscribers returns how many handlers are registered for name.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Bus) add(name string, h Handler, once bool) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscription{id: b.nextID, name: name, handler: h, once: once}
	b.subs[name] = append(b.subs[name], s)
	return s
}

func (b *Bus) remove(s *subscription) {
	s.removed.Store(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.name]
	for i, existing := range list {
		if existing.id != s.id {
			continue
		}
		// Copy instead of shifting in place: in-flight publishes hold the
		// old backing array.
		next := make([]*subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, s.name)
		} else {
			b.subs[s.name] = next
		}
		return
	}
}

func (b *Bus) deliver(s *subscription, name string, payload any) {
	if s.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn(context.Background(), "event handler panicked",
				logging.String("event", name),
				logging.String("panic", fmt.Sprint(r)),
			)
			if b.reporter != nil {
				b.reporter.HandlerPanicked(name)
			}
		}
	}()
	s.handler(name, payload)
}
