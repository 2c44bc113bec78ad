package session

import (
	"log/slog"
	"sync"
)

// eventQueue runs submitted functions one at a time, in submission order,
// on a single goroutine. push never blocks, so producers may hold their
// own locks while submitting.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

func newEventQueue() *eventQueue {
	q := &eventQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// push queues f. It reports false once the queue is closed.
func (q *eventQueue) push(f func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, f)
	q.cond.Signal()
	return true
}

// close stops accepting work and waits until everything already queued
// has run. It must not be called from a queued function.
func (q *eventQueue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	<-q.done
}

func (q *eventQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		f := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.call(f)
	}
}

// call runs f, keeping a panicking callback from stopping delivery.
func (q *eventQueue) call(f func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[SESSION] event callback panicked", "panic", r)
		}
	}()
	f()
}
