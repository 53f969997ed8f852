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

// Package spin provides pacing strategies for the retry loops of
// non-blocking algorithms. A strategy decides what a thread does
// after a failed round of a compare-and-swap loop: nothing, yield the
// processor, or sleep with a growing delay.
package spin

import (
	"errors"
	"runtime"
	"time"
)

// ErrInvalidArg is raised if an invalid argument is passed to a
// strategy constructor.
var ErrInvalidArg = errors.New("invalid argument")

// A Strategy paces a single operation's retry loop. Pause is called
// after each unsuccessful round; attempt counts from zero within one
// operation. Implementations must be safe for concurrent use, so any
// state must be derived from the attempt counter alone.
type Strategy interface {
	Pause(attempt int)
}

type yield struct{}

// Yield returns a strategy that yields the processor on every pause.
// This keeps spinning threads fair when there are more threads than
// processors.
func Yield() Strategy { return yield{} }

func (yield) Pause(int) { runtime.Gosched() }

type none struct{}

// None returns a strategy that never pauses. Intended as a baseline
// for benchmarks; under oversubscription prefer [Yield].
func None() Strategy { return none{} }

func (none) Pause(int) {}

type exp struct {
	spins int
	base  time.Duration
	max   time.Duration
}

var _ Strategy = &exp{}

// NewExp builds a strategy that yields for the first spins attempts
// and then sleeps with exponentially growing delays, starting at base
// and capped at max. Valid max must be within a millisecond and one
// second; a non-blocking operation has no business sleeping longer.
func NewExp(spins int, base time.Duration, max time.Duration) (Strategy, error) {
	if spins < 0 {
		return nil, ErrInvalidArg
	}
	if base <= 0 || base > max {
		return nil, ErrInvalidArg
	}
	if max < time.Millisecond || max > time.Second {
		return nil, ErrInvalidArg
	}
	return &exp{spins: spins, base: base, max: max}, nil
}

// Pause implements Strategy.
func (e *exp) Pause(attempt int) {
	if attempt < e.spins {
		runtime.Gosched()
		return
	}
	d := e.base << uint(attempt-e.spins)
	if d <= 0 || d > e.max {
		d = e.max
	}
	time.Sleep(d)
}
