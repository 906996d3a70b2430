//go:build property

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestSchedulerProperties validates the scheduler's core invariants across
// randomized workloads.
func TestSchedulerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234) // For reproducible results
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	// Property: observed concurrency never exceeds the configured limit.
	properties.Property("concurrency never exceeds the limit", prop.ForAll(
		func(limit, taskCount int) bool {
			s := New(Options{Concurrency: limit})

			var live, maxLive int64
			_, err := s.Register("work", func(ctx context.Context, task Task) error {
				n := atomic.AddInt64(&live, 1)
				for {
					prev := atomic.LoadInt64(&maxLive)
					if n <= prev || atomic.CompareAndSwapInt64(&maxLive, prev, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&live, -1)
				return nil
			})
			if err != nil {
				return false
			}

			tasks := make([]Task, taskCount)
			for i := range tasks {
				tasks[i] = Task{ID: "work", Payload: i}
			}
			batch, err := s.Submit(tasks...)
			if err != nil {
				return false
			}
			if err := batch.Wait(context.Background()); err != nil {
				return false
			}

			return atomic.LoadInt64(&maxLive) <= int64(limit)
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 40),
	))

	// Property: for any interleaving of tiers at submission, every urgent
	// task dequeues before any still-pending normal task.
	properties.Property("urgent tasks dequeue before pending normal tasks", prop.ForAll(
		func(tiers []bool) bool {
			if len(tiers) == 0 {
				return true
			}

			s := New(Options{
				Concurrency: 1,
				Prioritize: func(task Task) int {
					if task.Payload.(bool) {
						return 1
					}
					return 0
				},
			})

			var order []bool
			release := make(chan struct{})
			_, err := s.Register("work", func(ctx context.Context, task Task) error {
				order = append(order, task.Payload.(bool))
				<-release
				return nil
			})
			if err != nil {
				return false
			}

			// Occupy the single slot so every generated task queues and
			// the dequeue order is decided purely by the tiers.
			gate, err := s.Submit(Task{ID: "work", Payload: false})
			if err != nil {
				return false
			}

			tasks := make([]Task, len(tiers))
			for i, urgent := range tiers {
				tasks[i] = Task{ID: "work", Payload: urgent}
			}
			batch, err := s.Submit(tasks...)
			if err != nil {
				return false
			}

			close(release)
			if err := gate.Wait(context.Background()); err != nil {
				return false
			}
			if err := batch.Wait(context.Background()); err != nil {
				return false
			}

			// Skip the gate task, then expect all urgent before all normal.
			queuedOrder := order[1:]
			seenNormal := false
			for _, urgent := range queuedOrder {
				if !urgent {
					seenNormal = true
				} else if seenNormal {
					return false
				}
			}
			return len(queuedOrder) == len(tiers)
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
