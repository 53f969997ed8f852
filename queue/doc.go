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

/*
Package queue contains linearizable multi-producer multi-consumer FIFO
queues that never block and reclaim their own memory through hazard
pointers.

Two implementations are provided:

  - [LockFree] is the Michael-Scott linked queue. Both operations are
    lock-free: some thread always completes in a bounded number of
    steps, but an individual thread can be starved under contention.
  - [Turn] adds a cooperative helping protocol so that every operation
    completes within O(maxThreads) rounds regardless of what other
    threads do, at the price of more bookkeeping per operation.

Both share the same contract. Callers supply a dense, unique thread
index in [0, maxThreads) on every call; assigning those indexes is the
caller's responsibility. Items are non-nil pointers. A Dequeue on an
empty queue returns nil, which is a normal result rather than an
error.

	q, err := queue.NewLockFree[string](4)
	if err != nil { ... }
	defer q.Close()

	v := "hello"
	_ = q.Enqueue(&v, 0) // thread 0
	got := q.Dequeue(1)  // thread 1; got == &v

Queues are internally synchronized and must not be copied. Close is
not concurrent-safe: it is the final call, made once all threads have
finished.
*/
package queue
