package net

import "sync/atomic"

type mpscNode[T any] struct {
	next atomic.Pointer[mpscNode[T]]
	val  T
}

// MPSCQueue is an unbounded lock-free queue with any number of producers and
// exactly one consumer. Push never blocks. Pop must only be called from the
// consuming goroutine.
type MPSCQueue[T any] struct {
	head atomic.Pointer[mpscNode[T]] // producers swap here
	tail *mpscNode[T]                // consumer only
	size atomic.Int64
}

func NewMPSCQueue[T any]() *MPSCQueue[T] {
	q := &MPSCQueue[T]{}
	stub := &mpscNode[T]{}
	q.head.Store(stub)
	q.tail = stub
	return q
}

// Push appends v. Safe for concurrent use.
func (q *MPSCQueue[T]) Push(v T) {
	n := &mpscNode[T]{val: v}
	prev := q.head.Swap(n)
	prev.next.Store(n)
	q.size.Add(1)
}

// Pop removes the oldest element. A push that is still linking its node is
// not visible yet and shows up on a later Pop.
func (q *MPSCQueue[T]) Pop() (T, bool) {
	var zero T
	next := q.tail.next.Load()
	if next == nil {
		return zero, false
	}
	q.tail = next
	v := next.val
	next.val = zero
	q.size.Add(-1)
	return v, true
}

// Len is a snapshot and may be stale by the time it is read.
func (q *MPSCQueue[T]) Len() int {
	return int(q.size.Load())
}
