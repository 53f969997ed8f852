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
	"fmt"
	"runtime"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// payload is what the stress tests move through the queues: producer
// identity plus a per-producer sequence number.
type payload struct {
	producer int
	seq      int
}

// fifo is the contract shared by both queue implementations.
type fifo interface {
	Enqueue(*payload, int) error
	Dequeue(int) *payload
	Close()
}

// eachImpl runs the test body against both queue implementations.
func eachImpl(t *testing.T, maxThreads int, body func(t *testing.T, q fifo)) {
	t.Run("LockFree", func(t *testing.T) {
		q, err := NewLockFree[payload](maxThreads)
		require.NoError(t, err)
		defer q.Close()
		body(t, q)
	})
	t.Run("Turn", func(t *testing.T) {
		q, err := NewTurn[payload](maxThreads)
		require.NoError(t, err)
		defer q.Close()
		body(t, q)
	})
}

func TestConstructorValidation(t *testing.T) {
	r := require.New(t)
	_, err := NewLockFree[payload](0)
	r.ErrorIs(err, ErrInvalidArg)
	_, err = NewTurn[payload](-3)
	r.ErrorIs(err, ErrInvalidArg)
}

func TestRoundTrip(t *testing.T) {
	eachImpl(t, 2, func(t *testing.T, q fifo) {
		r := require.New(t)
		x := &payload{producer: 0, seq: 42}
		r.NoError(q.Enqueue(x, 0))
		r.Same(x, q.Dequeue(1))
		r.Nil(q.Dequeue(1))
	})
}

func TestEmptyDeterminism(t *testing.T) {
	eachImpl(t, 4, func(t *testing.T, q fifo) {
		r := require.New(t)
		for tid := 0; tid < 4; tid++ {
			r.Nil(q.Dequeue(tid))
		}
		// Emptiness is stable after a full cycle, too.
		r.NoError(q.Enqueue(&payload{seq: 1}, 0))
		r.NotNil(q.Dequeue(1))
		for tid := 0; tid < 4; tid++ {
			r.Nil(q.Dequeue(tid))
		}
	})
}

func TestNilItemRejected(t *testing.T) {
	eachImpl(t, 1, func(t *testing.T, q fifo) {
		require.ErrorIs(t, q.Enqueue(nil, 0), ErrNilItem)
	})
}

func TestTidOutOfRangePanics(t *testing.T) {
	eachImpl(t, 2, func(t *testing.T, q fifo) {
		r := require.New(t)
		r.PanicsWithValue("queue: tid 2 out of range [0, 2)", func() {
			_ = q.Enqueue(&payload{}, 2)
		})
		r.Panics(func() { q.Dequeue(-1) })
	})
}

func TestFIFOOrderSingleThread(t *testing.T) {
	const n = 250
	eachImpl(t, 1, func(t *testing.T, q fifo) {
		r := require.New(t)
		want := make([]int, 0, n)
		for i := 0; i < n; i++ {
			r.NoError(q.Enqueue(&payload{seq: i}, 0))
			want = append(want, i)
		}
		got := make([]int, 0, n)
		for {
			p := q.Dequeue(0)
			if p == nil {
				break
			}
			got = append(got, p.seq)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("dequeue order mismatch (-want +got):\n%s", diff)
		}
	})
}

// The scenario from the contract: thread A enqueues 1, 2, 3 while
// thread B concurrently issues three dequeues. Whatever B managed to
// observe plus whatever remains must be exactly {1, 2, 3}, each item
// seen once.
func TestConcurrentScenario(t *testing.T) {
	eachImpl(t, 4, func(t *testing.T, q fifo) {
		r := require.New(t)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() { // thread A, tid 0
			defer wg.Done()
			for i := 1; i <= 3; i++ {
				if err := q.Enqueue(&payload{seq: i}, 0); err != nil {
					t.Error(err)
					return
				}
			}
		}()

		var dequeued []int
		go func() { // thread B, tid 1
			defer wg.Done()
			for i := 0; i < 3; i++ {
				if p := q.Dequeue(1); p != nil {
					dequeued = append(dequeued, p.seq)
				}
			}
		}()
		wg.Wait()

		all := append([]int(nil), dequeued...)
		for {
			p := q.Dequeue(2)
			if p == nil {
				break
			}
			all = append(all, p.seq)
		}
		sort.Ints(all)
		r.Equal([]int{1, 2, 3}, all)
	})
}

// Multiple producers, one consumer: the consumer must observe each
// producer's items in the order that producer enqueued them, and see
// every item exactly once.
func TestPerProducerOrder(t *testing.T) {
	const producers = 3
	const perProducer = 2000
	const maxThreads = producers + 1
	const consumerTid = producers

	eachImpl(t, maxThreads, func(t *testing.T, q fifo) {
		r := require.New(t)
		g := &errgroup.Group{}
		for p := 0; p < producers; p++ {
			p := p
			g.Go(func() error {
				for i := 0; i < perProducer; i++ {
					if err := q.Enqueue(&payload{producer: p, seq: i}, p); err != nil {
						return err
					}
				}
				return nil
			})
		}

		seen := make([][]int, producers)
		g.Go(func() error {
			for got := 0; got < producers*perProducer; {
				p := q.Dequeue(consumerTid)
				if p == nil {
					runtime.Gosched()
					continue
				}
				seen[p.producer] = append(seen[p.producer], p.seq)
				got++
			}
			return nil
		})
		r.NoError(g.Wait())

		for p := 0; p < producers; p++ {
			want := make([]int, perProducer)
			for i := range want {
				want[i] = i
			}
			if diff := cmp.Diff(want, seen[p]); diff != "" {
				t.Errorf("producer %d order violated (-want +got):\n%s", p, diff)
			}
		}
	})
}

// Full MPMC stress: several producers and consumers running at once.
// Every item must be dequeued exactly once; the sum of dequeued and
// remaining items must equal the total enqueued.
func TestMPMCStress(t *testing.T) {
	const producers = 4
	const consumers = 4
	const perProducer = 5000
	const maxThreads = producers + consumers

	eachImpl(t, maxThreads, func(t *testing.T, q fifo) {
		r := require.New(t)
		g := &errgroup.Group{}
		for p := 0; p < producers; p++ {
			p := p
			g.Go(func() error {
				for i := 0; i < perProducer; i++ {
					if err := q.Enqueue(&payload{producer: p, seq: i}, p); err != nil {
						return err
					}
				}
				return nil
			})
		}

		var mu sync.Mutex
		counts := make(map[payload]int)
		var total int
		g.Go(func() error {
			// Consumers pull until the expected total is reached across
			// all of them.
			cg := &errgroup.Group{}
			for c := 0; c < consumers; c++ {
				tid := producers + c
				cg.Go(func() error {
					for {
						mu.Lock()
						done := total == producers*perProducer
						mu.Unlock()
						if done {
							return nil
						}
						p := q.Dequeue(tid)
						if p == nil {
							runtime.Gosched()
							continue
						}
						mu.Lock()
						counts[*p]++
						if counts[*p] > 1 {
							mu.Unlock()
							return fmt.Errorf("item %+v dequeued twice", *p)
						}
						total++
						mu.Unlock()
					}
				})
			}
			return cg.Wait()
		})
		r.NoError(g.Wait())

		r.Len(counts, producers*perProducer)
		r.Nil(q.Dequeue(0))
	})
}

// Closing a queue with items still inside must drain and reclaim them
// without tripping any reclamation invariant.
func TestCloseDrainsRemaining(t *testing.T) {
	r := require.New(t)

	lf, err := NewLockFree[payload](2)
	r.NoError(err)
	for i := 0; i < 100; i++ {
		r.NoError(lf.Enqueue(&payload{seq: i}, 0))
	}
	r.NotNil(lf.Dequeue(1)) // leave a retired node behind as well
	lf.Close()

	tq, err := NewTurn[payload](2)
	r.NoError(err)
	for i := 0; i < 100; i++ {
		r.NoError(tq.Enqueue(&payload{seq: i}, 0))
	}
	r.NotNil(tq.Dequeue(1))
	tq.Close()
}

func BenchmarkEnqueueDequeue(b *testing.B) {
	run := func(b *testing.B, q fifo) {
		x := &payload{seq: 1}
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if err := q.Enqueue(x, 0); err != nil {
				b.Fatal(err)
			}
			if q.Dequeue(0) == nil {
				b.Fatal("unexpected empty queue")
			}
		}
	}
	b.Run("LockFree", func(b *testing.B) {
		q, err := NewLockFree[payload](1)
		if err != nil {
			b.Fatal(err)
		}
		defer q.Close()
		run(b, q)
	})
	b.Run("Turn", func(b *testing.B) {
		q, err := NewTurn[payload](1)
		if err != nil {
			b.Fatal(err)
		}
		defer q.Close()
		run(b, q)
	})
}
