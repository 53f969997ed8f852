// Copyright 2025 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/field-eng-lockfree/hazard"
	"github.com/cockroachdb/field-eng-lockfree/internal/invariants"
	"github.com/cockroachdb/field-eng-lockfree/spin"
)

// lfNode is a link in the Michael-Scott chain. item and next are each
// written once while the node is live: item before the node is
// published, next by the CAS that links a successor.
type lfNode[T any] struct {
	item  *T
	next  atomic.Pointer[lfNode[T]]
	freed atomic.Bool
}

// checkLive panics if a reclaimed node was reached through a hazard
// pointer. Compiled out unless the race build tag is set.
func (n *lfNode[T]) checkLive() {
	if invariants.Enabled && n.freed.Load() {
		panic("queue: reclamation invariant violation: freed node reached via hazard pointer")
	}
}

// LockFree is a linearizable MPMC FIFO queue built as a singly linked
// list with atomic head and tail references, after Michael and Scott
// (PODC 1996). The head node is a sentinel and never carries a live
// item. Removed nodes are recycled through a [hazard.Registry], so no
// node is reused while another thread can still read it.
//
// Both operations are lock-free. A LockFree queue is internally
// synchronized and must not be copied.
type LockFree[T any] struct {
	head atomic.Pointer[lfNode[T]]
	_    [120]byte
	tail atomic.Pointer[lfNode[T]]
	_    [120]byte

	maxThreads int
	backoff    spin.Strategy
	hp         *hazard.Registry[lfNode[T]]
	pool       *sync.Pool
}

// NewLockFree constructs a queue usable by up to maxThreads threads.
func NewLockFree[T any](maxThreads int) (*LockFree[T], error) {
	if maxThreads < 1 {
		return nil, ErrInvalidArg
	}
	q := &LockFree[T]{
		maxThreads: maxThreads,
		backoff:    spin.Yield(),
	}
	q.pool = &sync.Pool{New: func() any { return new(lfNode[T]) }}
	hp, err := hazard.New[lfNode[T]](maxThreads, q.freeNode)
	if err != nil {
		return nil, err
	}
	q.hp = hp
	sentinel := q.newNode(nil)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q, nil
}

// SetBackoff replaces the pacing strategy used by retry loops. The
// default yields the processor after every failed round. This method
// should be called prior to any use of the queue.
func (q *LockFree[T]) SetBackoff(s spin.Strategy) {
	q.backoff = s
}

// Registry exposes the queue's hazard-pointer registry, mainly so
// that diagnostics can be attached via [hazard.Registry.SetLogger].
func (q *LockFree[T]) Registry() *hazard.Registry[lfNode[T]] {
	return q.hp
}

// Enqueue appends item to the queue. It returns [ErrNilItem] if item
// is nil and panics if tid is outside [0, maxThreads).
//
// Lock-free: a failed round means another thread linked its node.
func (q *LockFree[T]) Enqueue(item *T, tid int) error {
	checkTid(tid, q.maxThreads)
	if item == nil {
		return ErrNilItem
	}
	n := q.newNode(item)
	for attempt := 0; ; attempt++ {
		ltail := q.hp.ProtectPtr(hpSlotHeadTail, q.tail.Load(), tid)
		if ltail == q.tail.Load() {
			ltail.checkLive()
			if lnext := ltail.next.Load(); lnext == nil {
				// ltail looks like the last node; link the new node and
				// then swing the tail over to it. A failed tail CAS means
				// another thread already helped.
				if ltail.next.CompareAndSwap(nil, n) {
					q.tail.CompareAndSwap(ltail, n)
					q.hp.Clear(tid)
					return nil
				}
			} else {
				// The tail is lagging; help advance it before retrying.
				q.tail.CompareAndSwap(ltail, lnext)
			}
		}
		q.backoff.Pause(attempt)
	}
}

// Dequeue removes and returns the oldest item, or nil if the queue is
// empty. It panics if tid is outside [0, maxThreads).
//
// Lock-free. The linearization point is the successful CAS of head;
// emptiness linearizes at the head == tail comparison.
func (q *LockFree[T]) Dequeue(tid int) *T {
	checkTid(tid, q.maxThreads)
	for attempt := 0; ; attempt++ {
		node := q.hp.Protect(hpSlotHeadTail, &q.head, tid)
		if node == q.tail.Load() {
			q.hp.Clear(tid)
			return nil
		}
		node.checkLive()
		lnext := q.hp.Protect(hpSlotNext, &node.next, tid)
		if q.head.CompareAndSwap(node, lnext) {
			lnext.checkLive()
			// lnext is the new sentinel. Its item must be read before the
			// hazard on it is released: another thread may dequeue past it
			// and retire it immediately after.
			item := lnext.item
			q.hp.Clear(tid)
			q.hp.Retire(node, tid)
			return item
		}
		q.backoff.Pause(attempt)
	}
}

// Close drains any remaining items, frees the sentinel, and releases
// every node still held on retirement lists. The queue must not be
// used afterwards, and no operation may be in flight when Close is
// called.
func (q *LockFree[T]) Close() {
	for q.Dequeue(0) != nil {
	}
	q.hp.Clear(0)
	q.freeNode(q.head.Load())
	q.hp.Drain()
}

// newNode takes a node from the pool and readies it for publishing.
func (q *LockFree[T]) newNode(item *T) *lfNode[T] {
	n := q.pool.Get().(*lfNode[T])
	n.item = item
	n.next.Store(nil)
	n.freed.Store(false)
	return n
}

// freeNode poisons a reclaimed node and recycles it. Installed as the
// registry's free callback, so it runs only once no hazard slot
// references n.
func (q *LockFree[T]) freeNode(n *lfNode[T]) {
	n.item = nil
	n.freed.Store(true)
	q.pool.Put(n)
}
