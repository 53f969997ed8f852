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

// deqNone marks a node whose dequeuer has not been assigned yet.
const deqNone int32 = -1

// turnNode is a link in the turn queue's chain. Beyond the item and
// next link it records which thread enqueued it and, once dequeued,
// which thread's request it satisfied. deqTid is written at most once
// via CAS.
type turnNode[T any] struct {
	item   *T
	enqTid int
	deqTid atomic.Int32
	next   atomic.Pointer[turnNode[T]]
	freed  atomic.Bool
}

// checkLive panics if a reclaimed node was reached through a hazard
// pointer. Compiled out unless the race build tag is set.
func (n *turnNode[T]) checkLive() {
	if invariants.Enabled && n.freed.Load() {
		panic("queue: reclamation invariant violation: freed node reached via hazard pointer")
	}
}

// cell is a single-writer, multi-reader announcement slot, padded so
// that neighbouring threads' slots do not share cache lines.
type cell[T any] struct {
	p atomic.Pointer[turnNode[T]]
	_ [120]byte
}

// Turn is a linearizable MPMC FIFO queue in which both operations are
// wait-free bounded: every call completes within O(maxThreads) rounds
// no matter how the other threads are scheduled, following Correia
// and Ramalhete's turn queue.
//
// The bound comes from publish-and-help. An enqueuer publishes its
// node in an announcement slot; any thread that observes the
// announcement may link the node, advance the tail and clear the
// slot on the announcer's behalf. A dequeuer publishes a request by
// equating its self and response tokens; whichever thread removes the
// next node consults the write-once deqTid tag to decide whose
// request it satisfies and stores the node in that thread's response
// slot. The caller may therefore find its operation already done by a
// helper, signalled purely through its own slots.
//
// Memory is reclaimed through a [hazard.Registry] with three slots:
// head or tail, the successor node, and the assisted thread's
// response node.
//
// A Turn queue is internally synchronized and must not be copied.
type Turn[T any] struct {
	head atomic.Pointer[turnNode[T]]
	_    [120]byte
	tail atomic.Pointer[turnNode[T]]
	_    [120]byte

	// enqueuers[i] is non-nil while thread i has an enqueue in flight.
	enqueuers []cell[T]
	// deqself[i] == deqhelp[i] while thread i has a dequeue in flight;
	// fulfilment replaces deqhelp[i].
	deqself []cell[T]
	deqhelp []cell[T]

	maxThreads int
	backoff    spin.Strategy
	hp         *hazard.Registry[turnNode[T]]
	pool       *sync.Pool
	sentinel   *turnNode[T]
}

// NewTurn constructs a queue usable by up to maxThreads threads.
func NewTurn[T any](maxThreads int) (*Turn[T], error) {
	if maxThreads < 1 {
		return nil, ErrInvalidArg
	}
	q := &Turn[T]{
		enqueuers:  make([]cell[T], maxThreads),
		deqself:    make([]cell[T], maxThreads),
		deqhelp:    make([]cell[T], maxThreads),
		maxThreads: maxThreads,
		backoff:    spin.Yield(),
	}
	q.pool = &sync.Pool{New: func() any { return new(turnNode[T]) }}
	hp, err := hazard.New[turnNode[T]](maxThreads, q.freeNode)
	if err != nil {
		return nil, err
	}
	q.hp = hp
	q.sentinel = q.newNode(nil, 0)
	q.head.Store(q.sentinel)
	q.tail.Store(q.sentinel)
	for i := 0; i < maxThreads; i++ {
		// Distinct placeholders so that no thread starts with a pending
		// request (deqself[i] != deqhelp[i]).
		q.deqself[i].p.Store(q.newNode(nil, 0))
		q.deqhelp[i].p.Store(q.newNode(nil, 0))
	}
	return q, nil
}

// SetBackoff replaces the pacing strategy invoked after helping
// rounds that observed a stale tail or head. The default yields the
// processor. This method should be called prior to any use of the
// queue.
func (q *Turn[T]) SetBackoff(s spin.Strategy) {
	q.backoff = s
}

// Registry exposes the queue's hazard-pointer registry, mainly so
// that diagnostics can be attached via [hazard.Registry.SetLogger].
func (q *Turn[T]) Registry() *hazard.Registry[turnNode[T]] {
	return q.hp
}

// Enqueue appends item to the queue. It returns [ErrNilItem] if item
// is nil and panics if tid is outside [0, maxThreads).
//
// The uncontended steps are: publish the node in enqueuers[tid], CAS
// it into tail.next, advance the tail, clear the announcement. Every
// round helps whichever announced enqueue is due at the current tail,
// so after maxThreads rounds the caller's node has been linked by
// someone. Wait-free bounded.
func (q *Turn[T]) Enqueue(item *T, tid int) error {
	checkTid(tid, q.maxThreads)
	if item == nil {
		return ErrNilItem
	}
	myNode := q.newNode(item, tid)
	q.enqueuers[tid].p.Store(myNode)
	for i := 0; i < q.maxThreads; i++ {
		if q.enqueuers[tid].p.Load() == nil {
			// A helper performed every step, including clearing the
			// announcement.
			q.hp.Clear(tid)
			return nil
		}
		ltail := q.hp.ProtectPtr(hpSlotHeadTail, q.tail.Load(), tid)
		if ltail != q.tail.Load() {
			// The tail advanced under us. It can do so at most maxThreads
			// times before our announcement has been honoured.
			q.backoff.Pause(i)
			continue
		}
		ltail.checkLive()
		if q.enqueuers[ltail.enqTid].p.Load() == ltail {
			// The tail node's announcement is still up; clear it on the
			// announcer's behalf.
			q.enqueuers[ltail.enqTid].p.CompareAndSwap(ltail, nil)
		}
		for j := 1; j <= q.maxThreads; j++ {
			// Link the next announced node, scanning from the slot after
			// the tail node's enqueuer so every announcer gets a turn.
			nodeToHelp := q.enqueuers[(j+ltail.enqTid)%q.maxThreads].p.Load()
			if nodeToHelp == nil {
				continue
			}
			ltail.next.CompareAndSwap(nil, nodeToHelp)
			break
		}
		if lnext := ltail.next.Load(); lnext != nil {
			q.tail.CompareAndSwap(ltail, lnext)
		}
	}
	// The loop guarantees the node was linked; clear the announcement
	// in case no helper got to it.
	q.enqueuers[tid].p.Store(nil)
	q.hp.Clear(tid)
	return nil
}

// Dequeue removes and returns the oldest item, or nil if the queue is
// empty. It panics if tid is outside [0, maxThreads).
//
// The uncontended steps are: publish the request, CAS the head
// successor's deqTid to tid, store the successor in deqhelp[tid],
// advance the head. The caller's request may instead be satisfied by
// any other thread, observable as deqhelp[tid] changing. Wait-free
// bounded.
func (q *Turn[T]) Dequeue(tid int) *T {
	checkTid(tid, q.maxThreads)
	prReq := q.deqself[tid].p.Load() // request fulfilled last time
	myReq := q.deqhelp[tid].p.Load()
	q.deqself[tid].p.Store(myReq) // publish the request
	for i := 0; i < q.maxThreads; i++ {
		if q.deqhelp[tid].p.Load() != myReq {
			// A helper satisfied the request.
			break
		}
		lhead := q.hp.ProtectPtr(hpSlotHeadTail, q.head.Load(), tid)
		if lhead != q.head.Load() {
			q.backoff.Pause(i)
			continue
		}
		if lhead == q.tail.Load() {
			// Looks empty. Withdraw the request, then re-examine the head
			// in case a racing dequeuer already assigned the next node to
			// us; only a confirmed-still-pending request may return nil.
			q.deqself[tid].p.Store(prReq)
			q.giveUp(myReq, tid)
			if q.deqhelp[tid].p.Load() != myReq {
				q.deqself[tid].p.Store(myReq)
				break
			}
			q.hp.Clear(tid)
			return nil
		}
		lhead.checkLive()
		lnext := q.hp.ProtectPtr(hpSlotNext, lhead.next.Load(), tid)
		if lhead != q.head.Load() {
			q.backoff.Pause(i)
			continue
		}
		if q.searchNext(lhead, lnext) != deqNone {
			q.casDeqAndHead(lhead, lnext, tid)
		}
	}
	myNode := q.deqhelp[tid].p.Load()
	myNode.checkLive()
	// Advance the head past our node if its dequeuer did not get to it.
	lhead := q.hp.ProtectPtr(hpSlotHeadTail, q.head.Load(), tid)
	if lhead == q.head.Load() && myNode == lhead.next.Load() {
		q.head.CompareAndSwap(lhead, myNode)
	}
	q.hp.Clear(tid)
	q.hp.Retire(prReq, tid)
	return myNode.item
}

// Close drains any remaining items, frees the sentinel and all
// per-thread token nodes, and releases every node still held on
// retirement lists. The queue must not be used afterwards, and no
// operation may be in flight when Close is called.
func (q *Turn[T]) Close() {
	for q.Dequeue(0) != nil {
	}
	// The original sentinel is never retired through the registry: it
	// is nobody's response token.
	q.freeNode(q.sentinel)
	for i := 0; i < q.maxThreads; i++ {
		self := q.deqself[i].p.Load()
		help := q.deqhelp[i].p.Load()
		q.freeNode(self)
		if help != self {
			q.freeNode(help)
		}
	}
	q.hp.Drain()
}

// searchNext picks the thread whose dequeue request the node lnext
// will satisfy. The scan starts one past the tag of the current head
// so that waiting threads are served round-robin, and the choice is
// sealed with a write-once CAS on lnext.deqTid. Returns the winning
// tid, or deqNone if no request is pending.
//
// Called only from Dequeue/giveUp with lhead and lnext protected.
func (q *Turn[T]) searchNext(lhead, lnext *turnNode[T]) int32 {
	turn := lhead.deqTid.Load()
	for idx := turn + 1; idx < turn+int32(q.maxThreads)+1; idx++ {
		idDeq := int(idx) % q.maxThreads
		if q.deqself[idDeq].p.Load() != q.deqhelp[idDeq].p.Load() {
			continue // no pending request
		}
		if lnext.deqTid.Load() == deqNone {
			lnext.deqTid.CompareAndSwap(deqNone, int32(idDeq))
		}
		break
	}
	return lnext.deqTid.Load()
}

// casDeqAndHead fulfils the request of lnext's assigned dequeuer and
// advances the head past lhead. When fulfilling another thread's
// request the response node must be protected with the third hazard
// slot: without it the node could be retired, freed and re-enqueued
// between the load and the CAS.
//
// Called only from Dequeue/giveUp with lhead and lnext protected.
func (q *Turn[T]) casDeqAndHead(lhead, lnext *turnNode[T], tid int) {
	ldeqTid := int(lnext.deqTid.Load())
	if ldeqTid == tid {
		q.deqhelp[ldeqTid].p.Store(lnext)
	} else {
		ldeqhelp := q.hp.ProtectPtr(hpSlotHelp, q.deqhelp[ldeqTid].p.Load(), tid)
		if ldeqhelp != lnext && lhead == q.head.Load() {
			q.deqhelp[ldeqTid].p.CompareAndSwap(ldeqhelp, lnext)
		}
	}
	q.head.CompareAndSwap(lhead, lnext)
}

// giveUp distinguishes a transient race from true emptiness before
// Dequeue returns nil. If our own request is still pending and the
// queue has a successor after all, complete one dequeue step so the
// request (ours or an earlier one) is honoured.
//
// Called only from Dequeue.
func (q *Turn[T]) giveUp(myReq *turnNode[T], tid int) {
	lhead := q.head.Load()
	if q.deqhelp[tid].p.Load() != myReq || lhead == q.tail.Load() {
		return
	}
	q.hp.ProtectPtr(hpSlotHeadTail, lhead, tid)
	if lhead != q.head.Load() {
		return
	}
	lnext := q.hp.ProtectPtr(hpSlotNext, lhead.next.Load(), tid)
	if lhead != q.head.Load() {
		return
	}
	if q.searchNext(lhead, lnext) == deqNone {
		lnext.deqTid.CompareAndSwap(deqNone, int32(tid))
	}
	q.casDeqAndHead(lhead, lnext, tid)
}

// newNode takes a node from the pool and readies it for publishing.
func (q *Turn[T]) newNode(item *T, enqTid int) *turnNode[T] {
	n := q.pool.Get().(*turnNode[T])
	n.item = item
	n.enqTid = enqTid
	n.deqTid.Store(deqNone)
	n.next.Store(nil)
	n.freed.Store(false)
	return n
}

// freeNode poisons a reclaimed node and recycles it. Installed as the
// registry's free callback, so it runs only once no hazard slot
// references n.
func (q *Turn[T]) freeNode(n *turnNode[T]) {
	n.item = nil
	n.freed.Store(true)
	q.pool.Put(n)
}
