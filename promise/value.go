// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package promise provides observable values shared between call components.
package promise

import (
	"sync"
)

// Signal is a stream of values. Subscribers receive the current value (if
// any) followed by every later value. The returned func cancels the
// subscription.
type Signal[T any] interface {
	Subscribe(fn func(T)) (cancel func())
}

// Value holds the latest value of a stream and fans it out to subscribers.
//
// Subscriber callbacks run on the goroutine calling Set and are delivered in
// order. Callbacks must not call Set or Subscribe on the same Value.
type Value[T any] struct {
	// deliverMu serializes delivery so subscribers never observe values out of order
	deliverMu sync.Mutex

	mu     sync.Mutex
	value  T
	has    bool
	equal  func(a, b T) bool
	subs   map[uint64]func(T)
	nextID uint64
}

// NewValue creates a value stream with no initial value.
func NewValue[T any]() *Value[T] {
	return &Value[T]{
		subs: make(map[uint64]func(T)),
	}
}

// NewValueOf creates a value stream starting with initial.
func NewValueOf[T any](initial T) *Value[T] {
	v := NewValue[T]()
	v.value = initial
	v.has = true
	return v
}

// IgnoreRepeated makes Set drop values equal to the current one.
// Must be called before the value is shared.
func (v *Value[T]) IgnoreRepeated(equal func(a, b T) bool) *Value[T] {
	v.equal = equal
	return v
}

// Set stores val and delivers it to subscribers.
// It returns false when val was dropped as a repeat.
func (v *Value[T]) Set(val T) bool {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()

	v.mu.Lock()
	if v.has && v.equal != nil && v.equal(v.value, val) {
		v.mu.Unlock()
		return false
	}
	v.value = val
	v.has = true
	subs := make([]func(T), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()

	for _, fn := range subs {
		fn(val)
	}
	return true
}

// Get returns the current value and whether one was set.
func (v *Value[T]) Get() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value, v.has
}

// Subscribe implements Signal.
func (v *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = fn
	val, has := v.value, v.has
	v.mu.Unlock()

	if has {
		fn(val)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
		})
	}
}

// Subscribers returns number of active subscriptions
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

// Single returns a signal that emits val to every subscriber.
func Single[T any](val T) Signal[T] {
	return NewValueOf(val)
}
