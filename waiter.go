package connpool

import (
	"container/list"
	"time"
)

// grant is what a Waiter receives: either a ready connection or, when conn
// is nil, a reserved creation slot it must fill through the factory.
type grant struct {
	conn *PooledConn
}

// waiter is a blocked checkout request
type waiter struct {
	// ch receives exactly one grant, or is closed on shutdown
	ch chan grant

	// elem is the queue position; nil once the waiter left the queue.
	// Guarded by Pool.mu.
	elem *list.Element

	// enqueued is when the request started waiting
	enqueued time.Time
}

// waitQueue is a FIFO of waiters with O(1) removal from any position
type waitQueue struct {
	l *list.List
}

func newWaitQueue() *waitQueue {
	return &waitQueue{l: list.New()}
}

// Len returns the number of queued waiters
func (q *waitQueue) Len() int {
	return q.l.Len()
}

// push appends a new waiter at the tail
func (q *waitQueue) push(now time.Time) *waiter {
	w := &waiter{
		ch:       make(chan grant, 1),
		enqueued: now,
	}
	w.elem = q.l.PushBack(w)
	return w
}

// pop removes and returns the longest-waiting waiter, or nil
func (q *waitQueue) pop() *waiter {
	front := q.l.Front()
	if front == nil {
		return nil
	}
	w := q.l.Remove(front).(*waiter)
	w.elem = nil
	return w
}

// remove takes w out of the queue. It reports false if w had already left.
func (q *waitQueue) remove(w *waiter) bool {
	if w.elem == nil {
		return false
	}
	q.l.Remove(w.elem)
	w.elem = nil
	return true
}
