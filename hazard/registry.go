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

// Package hazard provides a hazard-pointer registry for safe memory
// reclamation in non-blocking data structures.
//
// A data structure that unlinks nodes concurrently cannot recycle a
// node the moment it is removed: another thread may still be reading
// it. Instead, each thread publishes the node it is about to read in
// one of its hazard slots. A removed node is handed to
// [Registry.Retire], and is only passed to the registry's free
// callback once a scan of every thread's slots finds no reference to
// it.
//
// Threads are identified by a dense index in [0, maxThreads) supplied
// by the caller on every operation. Slots are single-writer: only the
// owning thread stores to them, while the reclamation scan may read
// them from any thread.
package hazard

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrInvalidArg is raised if an invalid argument is passed to a
// registry constructor.
var ErrInvalidArg = errors.New("invalid argument")

// MaxSlots is the number of hazard slots available to each thread.
// This is named 'K' in the hazard-pointer paper; the queues in this
// module use at most three.
const MaxSlots = 4

// slotRow holds one thread's hazard slots, padded so that rows do not
// share cache lines.
type slotRow[T any] struct {
	slots [MaxSlots]atomic.Pointer[T]
	_     [128 - MaxSlots*8]byte
}

// retireRow holds one thread's retirement list. The list is only ever
// appended to and compacted by its owning thread.
type retireRow[T any] struct {
	nodes []*T
	_     [128 - 24]byte
}

// A Registry tracks hazard slots and retirement lists for up to
// maxThreads cooperating threads, and frees retired nodes once no
// slot references them.
//
// Protect, ProtectPtr, Clear and Retire are safe for concurrent use
// provided each thread passes its own unique tid. Drain is not; it is
// a teardown operation.
type Registry[T any] struct {
	maxThreads int
	threshold  int
	free       func(*T)
	log        zerolog.Logger

	hp      []slotRow[T]
	retired []retireRow[T]
}

// New constructs a Registry for maxThreads threads. Every node
// reclaimed by the registry is passed to free exactly once.
//
// The scan threshold defaults to 2 x maxThreads x [MaxSlots], the
// 'R' recommended by the hazard-pointer paper.
func New[T any](maxThreads int, free func(*T)) (*Registry[T], error) {
	if maxThreads < 1 {
		return nil, fmt.Errorf("%w: maxThreads must be positive", ErrInvalidArg)
	}
	if free == nil {
		return nil, fmt.Errorf("%w: free callback must not be nil", ErrInvalidArg)
	}
	return &Registry[T]{
		maxThreads: maxThreads,
		threshold:  2 * maxThreads * MaxSlots,
		free:       free,
		log:        zerolog.Nop(),
		hp:         make([]slotRow[T], maxThreads),
		retired:    make([]retireRow[T], maxThreads),
	}, nil
}

// SetThreshold overrides the retirement-list length at which a
// reclamation scan is triggered. A threshold of 1 scans on every
// Retire. This method should be called prior to any other use of the
// Registry.
func (r *Registry[T]) SetThreshold(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: threshold must be positive", ErrInvalidArg)
	}
	r.threshold = n
	return nil
}

// SetLogger installs a logger for reclamation diagnostics. Scan and
// Drain outcomes are reported at debug level. This method should be
// called prior to any other use of the Registry.
func (r *Registry[T]) SetLogger(log zerolog.Logger) {
	r.log = log
}

// Protect publishes the node currently referenced by src in the
// caller's hazard slot and returns it. The source is re-read after
// every store, so the returned node was still reachable through src
// at some point after it became protected; it cannot be freed until
// the slot is overwritten or cleared.
//
// Wait-free bounded by the number of times src changes during the
// call.
func (r *Registry[T]) Protect(slot int, src *atomic.Pointer[T], tid int) *T {
	r.checkTid(tid)
	cell := &r.hp[tid].slots[slot]
	var published *T
	for {
		cur := src.Load()
		if cur == published {
			return cur
		}
		cell.Store(cur)
		published = cur
	}
}

// ProtectPtr publishes ptr in the caller's hazard slot and returns
// it. Unlike Protect, there is no re-read: the caller must validate
// afterwards that ptr is still reachable from the structure before
// dereferencing it.
func (r *Registry[T]) ProtectPtr(slot int, ptr *T, tid int) *T {
	r.checkTid(tid)
	r.hp[tid].slots[slot].Store(ptr)
	return ptr
}

// Clear releases all of the caller's hazard slots. Wait-free bounded
// by [MaxSlots].
func (r *Registry[T]) Clear(tid int) {
	r.checkTid(tid)
	row := &r.hp[tid]
	for i := 0; i < MaxSlots; i++ {
		row.slots[i].Store(nil)
	}
}

// Retire appends ptr to the caller's retirement list. Once the list
// reaches the scan threshold, every thread's slots are scanned and
// each retired node referenced by none of them is freed.
//
// Wait-free bounded by maxThreads x [MaxSlots] per retired node.
func (r *Registry[T]) Retire(ptr *T, tid int) {
	r.checkTid(tid)
	row := &r.retired[tid]
	row.nodes = append(row.nodes, ptr)
	if len(row.nodes) < r.threshold {
		return
	}
	r.scan(tid)
}

// Drain unconditionally frees every node on every retirement list.
// The caller must guarantee that no thread is still executing an
// operation against the registry or the structure it protects.
func (r *Registry[T]) Drain() {
	freed := 0
	for tid := range r.retired {
		row := &r.retired[tid]
		for _, obj := range row.nodes {
			r.free(obj)
			freed++
		}
		row.nodes = nil
	}
	if freed > 0 {
		r.log.Debug().Int("freed", freed).Msg("hazard registry drained")
	}
}

// scan frees the caller's retired nodes that no slot references,
// compacting the survivors in place.
func (r *Registry[T]) scan(tid int) {
	row := &r.retired[tid]
	kept := row.nodes[:0]
	freed := 0
	for _, obj := range row.nodes {
		if r.isProtected(obj) {
			kept = append(kept, obj)
			continue
		}
		r.free(obj)
		freed++
	}
	// Unpin the freed tail of the backing array.
	for i := len(kept); i < len(row.nodes); i++ {
		row.nodes[i] = nil
	}
	row.nodes = kept
	if freed > 0 {
		r.log.Debug().
			Int("tid", tid).
			Int("freed", freed).
			Int("pending", len(kept)).
			Msg("hazard scan")
	}
}

// isProtected reports whether any thread's slots reference obj.
func (r *Registry[T]) isProtected(obj *T) bool {
	for tid := range r.hp {
		row := &r.hp[tid]
		for i := 0; i < MaxSlots; i++ {
			if row.slots[i].Load() == obj {
				return true
			}
		}
	}
	return false
}

func (r *Registry[T]) checkTid(tid int) {
	if tid < 0 || tid >= r.maxThreads {
		panic(fmt.Sprintf("hazard: tid %d out of range [0, %d)", tid, r.maxThreads))
	}
}
