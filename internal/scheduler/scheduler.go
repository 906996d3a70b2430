// Package scheduler provides a generic bounded-concurrency task executor
// with priority tiers and named-handler dispatch.
//
// The scheduler moves through a small lifecycle: Standstill (handlers may be
// registered), Running (tasks execute), Quiescing (draining after Halt) and
// Failed (fatal internal error, everything blocked). Tasks are placed into
// one of three FIFO tiers by a prioritizer; urgent tasks are always eligible
// before normal ones, and deferred tasks stay parked until RunDeferred. At
// most Concurrency tasks execute at once.
//
// The original single-threaded design mutated state between suspension
// points; this port runs handlers on goroutines, so one mutex guards the
// state/queue/counter triple.
package scheduler

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/loomworks/loom/internal/logging"
)

// State is the scheduler lifecycle state.
type State int

const (
	StateStandstill State = iota
	StateRunning
	StateQuiescing
	StateFailed
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case StateStandstill:
		return "standstill"
	case StateRunning:
		return "running"
	case StateQuiescing:
		return "quiescing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one ephemeral unit of work: an id selecting the handler list plus
// an opaque payload.
type Task struct {
	ID      string
	Payload interface{}
}

// Handler executes one task. Multiple handlers registered for the same id
// run sequentially in registration order; the first failure aborts the rest.
type Handler func(ctx context.Context, task Task) error

// Prioritize classifies a task into a tier: >0 urgent, 0 normal, <0 deferred.
type Prioritize func(task Task) int

// Options configures a scheduler.
type Options struct {
	// Concurrency is the maximum number of tasks executing at once.
	// Values below 1 are raised to 1.
	Concurrency int
	// Prioritize classifies submissions. Nil means everything is normal.
	Prioritize Prioritize
	// Logger receives lifecycle and dispatch diagnostics.
	Logger logging.Logger
}

// ErrHalted settles tasks that were still queued when a drain completed.
var ErrHalted = fmt.Errorf("scheduler: halted before dispatch")

type registration struct {
	handler Handler
	fn      uintptr
}

type pendingTask struct {
	task   Task
	handle *Handle
}

// Scheduler is a bounded-concurrency task executor.
type Scheduler struct {
	mu         sync.Mutex
	state      State
	limit      int
	prioritize Prioritize
	handlers   map[string][]*registration

	urgent   []*pendingTask
	normal   []*pendingTask
	deferred []*pendingTask

	inflight    int
	idleWaiters []chan struct{}
	drain       *Handle

	logger logging.Logger
	ctx    context.Context
}

// New creates a scheduler in the Standstill state.
func New(opts Options) *Scheduler {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		state:      StateStandstill,
		limit:      opts.Concurrency,
		prioritize: opts.Prioritize,
		handlers:   make(map[string][]*registration),
		logger:     logger.WithComponent("scheduler"),
		ctx:        context.Background(),
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Register adds a handler for the task id. Registration is only valid while
// the scheduler is at standstill. Multiple distinct handlers per id fan out;
// registering the same handler instance twice for one id fails. The returned
// unregister function is idempotent: the second call is a no-op returning
// false.
func (s *Scheduler) Register(id string, handler Handler) (func() bool, error) {
	if id == "" {
		return nil, fmt.Errorf("scheduler: task id must be non-empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("scheduler: handler for %q must be non-nil", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStandstill {
		return nil, fmt.Errorf("scheduler: cannot register %q while %s", id, s.state)
	}

	fn := reflect.ValueOf(handler).Pointer()
	for _, reg := range s.handlers[id] {
		if reg.fn == fn {
			return nil, fmt.Errorf("scheduler: handler already registered for %q", id)
		}
	}

	reg := &registration{handler: handler, fn: fn}
	s.handlers[id] = append(s.handlers[id], reg)

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		regs := s.handlers[id]
		for i, r := range regs {
			if r == reg {
				s.handlers[id] = append(regs[:i], regs[i+1:]...)
				return true
			}
		}
		return false
	}, nil
}

// Submit enqueues tasks and returns the aggregate completion handle for the
// submission. Submission moves a standstill scheduler to running; it is
// rejected while quiescing or failed.
func (s *Scheduler) Submit(tasks ...Task) (*Batch, error) {
	s.mu.Lock()

	switch s.state {
	case StateQuiescing:
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: submit rejected while quiescing")
	case StateFailed:
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: submit rejected, scheduler failed")
	case StateStandstill:
		s.state = StateRunning
	}

	pendings := make([]*pendingTask, 0, len(tasks))
	for _, task := range tasks {
		pt := &pendingTask{task: task, handle: newHandle()}
		pendings = append(pendings, pt)

		tier := 0
		if s.prioritize != nil {
			tier = s.prioritize(task)
		}
		switch {
		case tier > 0:
			s.urgent = append(s.urgent, pt)
		case tier < 0:
			s.deferred = append(s.deferred, pt)
		default:
			s.normal = append(s.normal, pt)
		}
	}

	batch := newBatch(pendings)
	s.pumpLocked()
	s.mu.Unlock()
	return batch, nil
}

// RunDeferred promotes every deferred task into the normal tier and returns
// the aggregate handle for just that batch.
func (s *Scheduler) RunDeferred() (*Batch, error) {
	s.mu.Lock()

	switch s.state {
	case StateQuiescing:
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: run-deferred rejected while quiescing")
	case StateFailed:
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: run-deferred rejected, scheduler failed")
	}

	promoted := s.deferred
	s.deferred = nil
	s.normal = append(s.normal, promoted...)
	if len(promoted) > 0 && s.state == StateStandstill {
		s.state = StateRunning
	}

	batch := newBatch(promoted)
	s.pumpLocked()
	s.mu.Unlock()
	return batch, nil
}

// Halt stops admission and drains: in-flight tasks run to completion, tasks
// still queued settle with ErrHalted. The returned handle settles when the
// in-flight count reaches zero, after which the scheduler re-arms to
// standstill.
func (s *Scheduler) Halt() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		s.state = StateQuiescing
		s.drain = newHandle()
		if s.inflight == 0 {
			s.completeDrainLocked()
		}
		return s.drain, nil
	case StateQuiescing:
		return s.drain, nil
	default:
		return nil, fmt.Errorf("scheduler: halt invalid while %s", s.state)
	}
}

// WaitIdle blocks until the urgent and normal queues are empty and no task
// is in flight. Deferred tasks are intentionally parked and do not count
// against idleness.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.idleLocked() {
		s.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	s.idleWaiters = append(s.idleWaiters, waiter)
	s.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepths reports the queued task counts per tier plus in-flight work.
func (s *Scheduler) QueueDepths() (urgent, normal, deferred, inflight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urgent), len(s.normal), len(s.deferred), s.inflight
}

func (s *Scheduler) idleLocked() bool {
	return len(s.urgent) == 0 && len(s.normal) == 0 && s.inflight == 0
}

func (s *Scheduler) notifyIdleLocked() {
	if !s.idleLocked() {
		return
	}
	for _, waiter := range s.idleWaiters {
		close(waiter)
	}
	s.idleWaiters = nil
}

// failLocked poisons the scheduler after a fatal internal error. Every task
// still queued in any tier settles with cause so no Batch.Wait hangs, a
// pending drain handle settles too, and idle waiters are released once the
// in-flight count reaches zero.
func (s *Scheduler) failLocked(cause error) {
	s.state = StateFailed

	leftover := append(append(s.urgent, s.normal...), s.deferred...)
	s.urgent = nil
	s.normal = nil
	s.deferred = nil

	drain := s.drain
	s.drain = nil
	s.notifyIdleLocked()

	for _, pt := range leftover {
		pt.handle.settle(cause)
	}
	if drain != nil {
		drain.settle(cause)
	}
}

// completeDrainLocked finishes a quiesce: queued tasks settle with
// ErrHalted, the drained signal fires, and the scheduler re-arms to
// standstill so the next pass can submit again.
func (s *Scheduler) completeDrainLocked() {
	leftover := append(s.urgent, s.normal...)
	s.urgent = nil
	s.normal = nil
	s.state = StateStandstill

	drain := s.drain
	s.drain = nil
	s.notifyIdleLocked()

	// Settle outside queue bookkeeping but still under the lock is fine:
	// handle callbacks must not call back into the scheduler.
	for _, pt := range leftover {
		pt.handle.settle(ErrHalted)
	}
	if drain != nil {
		drain.settle(nil)
	}
}

// pumpLocked is the scheduling loop, invoked after every submission and
// every completion. Urgent strictly precedes normal; FIFO within a tier; a
// dispatched task is never preempted.
func (s *Scheduler) pumpLocked() {
	for s.state == StateRunning && s.inflight < s.limit {
		var pt *pendingTask
		switch {
		case len(s.urgent) > 0:
			pt = s.urgent[0]
			s.urgent = s.urgent[1:]
		case len(s.normal) > 0:
			pt = s.normal[0]
			s.normal = s.normal[1:]
		default:
			return
		}

		s.inflight++
		go s.run(pt)
	}
}

// run executes one task: the ordered handler list for its id runs
// sequentially, the first failure aborting the rest. The in-flight count is
// decremented and the loop re-invoked regardless of outcome.
func (s *Scheduler) run(pt *pendingTask) {
	s.mu.Lock()
	regs := make([]*registration, len(s.handlers[pt.task.ID]))
	copy(regs, s.handlers[pt.task.ID])
	ctx := s.ctx
	s.mu.Unlock()

	var taskErr error
	if len(regs) == 0 {
		taskErr = fmt.Errorf("scheduler: no handler for id %q", pt.task.ID)
	} else {
		taskErr = s.invoke(ctx, regs, pt.task)
	}

	pt.handle.settle(taskErr)

	s.mu.Lock()
	s.inflight--
	if s.state == StateQuiescing && s.inflight == 0 {
		s.completeDrainLocked()
		s.mu.Unlock()
		return
	}
	s.notifyIdleLocked()
	if s.state != StateStandstill && s.state != StateFailed {
		s.pumpLocked()
	}
	s.mu.Unlock()
}

// invoke runs the handler chain for one task. A handler panic is a fatal
// internal error: the task fails, the scheduler moves to Failed, and every
// still-queued task settles with the panic error instead of hanging.
func (s *Scheduler) invoke(ctx context.Context, regs []*registration, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: handler panic for %q: %v", task.ID, r)
			s.mu.Lock()
			s.failLocked(err)
			s.mu.Unlock()
			s.logger.Error(ctx, err, "handler panicked", "task_id", task.ID)
		}
	}()

	for _, reg := range regs {
		if err := reg.handler(ctx, task); err != nil {
			return err
		}
	}
	return nil
}
