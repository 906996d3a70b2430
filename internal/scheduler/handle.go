package scheduler

import (
	"context"
	"sync"
)

// Handle is a settle-once completion handle. It resolves or fails exactly
// one time; settling twice is a programming error and panics rather than
// being silently ignored.
type Handle struct {
	mu        sync.Mutex
	settled   bool
	err       error
	done      chan struct{}
	callbacks []func(error)
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// settle resolves the handle with err (nil for success).
func (h *Handle) settle(err error) {
	h.mu.Lock()
	if h.settled {
		h.mu.Unlock()
		panic("scheduler: completion handle settled twice")
	}
	h.settled = true
	h.err = err
	callbacks := h.callbacks
	h.callbacks = nil
	close(h.done)
	h.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// onSettle registers a callback invoked once the handle settles. A callback
// added after settlement runs immediately.
func (h *Handle) onSettle(cb func(error)) {
	h.mu.Lock()
	if h.settled {
		err := h.err
		h.mu.Unlock()
		cb(err)
		return
	}
	h.callbacks = append(h.callbacks, cb)
	h.mu.Unlock()
}

// Done returns a channel closed when the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the settlement error. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the handle settles or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskResult pairs a task with its settlement outcome.
type TaskResult struct {
	Task Task
	Err  error
}

// Batch is the aggregate completion handle for one submission. It settles
// successfully once every covered task has settled, regardless of per-task
// outcomes; per-task errors are reported through Results.
type Batch struct {
	handle *Handle

	mu      sync.Mutex
	results []TaskResult
	missing int
}

func newBatch(tasks []*pendingTask) *Batch {
	b := &Batch{
		handle:  newHandle(),
		results: make([]TaskResult, 0, len(tasks)),
		missing: len(tasks),
	}
	if len(tasks) == 0 {
		b.handle.settle(nil)
		return b
	}
	for _, pt := range tasks {
		task := pt.task
		pt.handle.onSettle(func(err error) {
			b.record(task, err)
		})
	}
	return b
}

func (b *Batch) record(task Task, err error) {
	b.mu.Lock()
	b.results = append(b.results, TaskResult{Task: task, Err: err})
	b.missing--
	settled := b.missing == 0
	b.mu.Unlock()

	if settled {
		b.handle.settle(nil)
	}
}

// Done returns a channel closed when every covered task has settled.
func (b *Batch) Done() <-chan struct{} {
	return b.handle.Done()
}

// Wait blocks until every covered task has settled or ctx is cancelled.
func (b *Batch) Wait(ctx context.Context) error {
	return b.handle.Wait(ctx)
}

// Results returns the per-task outcomes recorded so far, in settlement
// order. After Wait returns it covers every task in the batch.
func (b *Batch) Results() []TaskResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TaskResult, len(b.results))
	copy(out, b.results)
	return out
}

// Failed returns the results whose tasks settled with an error.
func (b *Batch) Failed() []TaskResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []TaskResult
	for _, r := range b.results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
