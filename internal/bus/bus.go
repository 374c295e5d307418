// Package bus provides the in-process notification primitives shared by the
// check-in subsystem. Subscribers are always invoked outside the lock, in
// registration order, on the publisher's goroutine.
package bus

import (
	"sync"
	"time"

	"github.com/hyperengineering/rollcall/internal/types"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

type listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs = append(l.subs, subscriber[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, s := range l.subs {
				if s.id == id {
					l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (l *listeners[T]) snapshot() []subscriber[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]subscriber[T](nil), l.subs...)
}

// Bus is a fire-and-forget broadcast. Late subscribers see nothing that was
// published before they joined.
type Bus[T any] struct {
	l listeners[T]
}

// NewBus creates an empty Bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	return b.l.add(fn)
}

// Publish delivers payload to every current subscriber.
func (b *Bus[T]) Publish(payload T) {
	for _, s := range b.l.snapshot() {
		s.fn(payload)
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.l.mu.Lock()
	defer b.l.mu.Unlock()
	return len(b.l.subs)
}

// Value holds a single current value. Subscribers get the current value
// immediately on Subscribe and every later Set, in order and exactly once
// each. A subscriber must not call Set on the Value it observes.
type Value[T comparable] struct {
	mu  sync.Mutex
	cur T
	l   listeners[T]
	// deliver is taken before mu is released and held while subscribers
	// run, so notifications leave in the order values were stored.
	deliver sync.Mutex
}

// NewValue creates a Value holding initial.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{cur: initial}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores x and notifies subscribers when it differs from the current
// value. Reports whether the value changed.
func (v *Value[T]) Set(x T) bool {
	v.mu.Lock()
	if v.cur == x {
		v.mu.Unlock()
		return false
	}
	v.cur = x
	subs := v.l.snapshot()
	v.deliver.Lock()
	v.mu.Unlock()
	defer v.deliver.Unlock()

	for _, s := range subs {
		s.fn(x)
	}
	return true
}

// Subscribe registers fn, replays the current value to it, and returns a
// function that removes it. Registration and the replayed value are taken
// together, so fn never sees a value twice or out of order.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.mu.Lock()
	cur := v.cur
	unsub := v.l.add(fn)
	v.deliver.Lock()
	v.mu.Unlock()
	defer v.deliver.Unlock()

	fn(cur)
	return unsub
}

// Registry owns the buses shared between the client and its components.
type Registry struct {
	Refresh     *Bus[types.RefreshEvent]
	AutoRefresh *Value[time.Duration]
	Online      *Value[bool]
}

// NewRegistry creates a Registry. Online starts false until the first probe.
func NewRegistry() *Registry {
	return &Registry{
		Refresh:     NewBus[types.RefreshEvent](),
		AutoRefresh: NewValue[time.Duration](0),
		Online:      NewValue(false),
	}
}
