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
	"errors"
	"fmt"
)

var (
	// ErrInvalidArg is raised if an invalid argument is passed to a
	// queue constructor.
	ErrInvalidArg = errors.New("invalid argument")
	// ErrNilItem is raised by Enqueue when the item is nil. Nil is
	// reserved as the empty-queue result of Dequeue.
	ErrNilItem = errors.New("item must not be nil")
)

// Hazard slot assignments shared by both queues. Head and tail are
// never protected at the same time, so they share a slot.
const (
	hpSlotHeadTail = 0
	hpSlotNext     = 1
	hpSlotHelp     = 2
)

// checkTid validates a caller-supplied thread index. An out-of-range
// index is a configuration error in the caller; there is no way to
// continue safely, so this panics rather than returning an error.
func checkTid(tid, maxThreads int) {
	if tid < 0 || tid >= maxThreads {
		panic(fmt.Sprintf("queue: tid %d out of range [0, %d)", tid, maxThreads))
	}
}
