// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

// Package dispatch runs work serialized on a single goroutine.
package dispatch

import (
	"sync"
	"time"
)

// Queue executes submitted funcs one at a time in submission order on its own
// goroutine. State touched only from queue funcs needs no locking.
type Queue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func NewQueue() *Queue {
	q := &Queue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// Async schedules f. It never blocks, so it is safe to call from queue funcs.
// Funcs submitted after Close are dropped.
func (q *Queue) Async(f func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, f)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Sync schedules f and waits until it ran. Calling it from a queue func deadlocks.
func (q *Queue) Sync(f func()) {
	ch := make(chan struct{})
	q.Async(func() {
		f()
		close(ch)
	})
	select {
	case <-ch:
	case <-q.stopped:
	}
}

// Close stops the queue after the currently running func.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.tasks = nil
	close(q.done)
}

// Done is closed when the queue goroutine exits
func (q *Queue) Done() <-chan struct{} {
	return q.stopped
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if q.closed || len(q.tasks) == 0 {
				q.mu.Unlock()
				break
			}
			task := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()

			task()
		}
	}
}

// After runs f on the queue once d elapsed.
func (q *Queue) After(d time.Duration, f func()) *Timer {
	t := &Timer{}
	t.t = time.AfterFunc(d, func() {
		q.Async(func() {
			if t.cancelled || t.fired {
				return
			}
			t.fired = true
			f()
		})
	})
	return t
}

// Timer is a one shot delayed action delivered on a Queue.
// Its methods must be called from funcs running on that queue.
type Timer struct {
	t         *time.Timer
	cancelled bool
	fired     bool
}

// Cancel prevents the action from running. It reports whether the action was
// still pending.
func (t *Timer) Cancel() bool {
	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	t.t.Stop()
	return true
}

func (t *Timer) Fired() bool {
	return t.fired
}
