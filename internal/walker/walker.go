// Package walker provides concurrent, cycle-safe filesystem traversal for
// content discovery.
//
// A walk emits directory, file and symlink notifications to subscribers and
// settles a completion handle exactly once. Termination is detected with a
// single pending-entry counter: before any directory's children are
// dispatched the counter is raised by the child count, and every finished
// entry lowers it by one. Raising the counter before recursing is what keeps
// an asynchronous schedule hook from observing a premature zero.
package walker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// Event identifies the kind of notification emitted during a walk.
type Event string

const (
	EventDirectory Event = "directory"
	EventFile      Event = "file"
	EventSymlink   Event = "symlink"
)

// Notification carries one walk event to subscribers.
type Notification struct {
	// Event is the notification kind.
	Event Event
	// Path is the physical path of the entry (symlink targets resolved).
	Path string
	// VirtualPath is the entry's location inside the walked tree, which
	// differs from Path when the entry was reached through a symlink.
	VirtualPath string
	// Target is the link destination for symlink notifications.
	Target string
	// Info is the stat result for directory and file notifications.
	Info fs.FileInfo
}

// Handler receives walk notifications. Handlers run synchronously on the
// goroutine that produced the event.
type Handler func(Notification)

// Options configures a walk. All fields are optional.
type Options struct {
	// IgnoreMissingRoot tolerates fs.ErrNotExist per entry instead of
	// aborting the walk.
	IgnoreMissingRoot bool
	// IsExcluded skips matching paths without descending into them.
	IsExcluded func(path string) bool
	// OnFile is invoked for every discovered regular file.
	OnFile func(path, virtualPath string, info fs.FileInfo)
	// Schedule is the throttling injection point for per-entry work.
	// The default runs the function inline.
	Schedule func(fn func())

	// Filesystem primitives, injectable for testing.
	Stat     func(path string) (fs.FileInfo, error)
	ReadDir  func(path string) ([]fs.DirEntry, error)
	Readlink func(path string) (string, error)
}

// Metrics is a snapshot of walk counters.
type Metrics struct {
	ListCalls          int64
	EntriesRead        int64
	StatCalls          int64
	SymlinkResolutions int64
	FilesFound         int64
}

// Walk is an in-progress or finished traversal.
type Walk struct {
	opts Options
	root string

	mu          sync.Mutex
	subscribers map[Event][]*subscription
	nextSubID   int
	visited     map[string]struct{} // canonical directories already walked

	pending atomic.Int64
	aborted atomic.Bool

	settleOnce sync.Once
	done       chan struct{}
	err        error

	listCalls          atomic.Int64
	entriesRead        atomic.Int64
	statCalls          atomic.Int64
	symlinkResolutions atomic.Int64
	filesFound         atomic.Int64
}

type subscription struct {
	id      int
	handler Handler
}

// ErrAborted is returned by Wait when the walk was cancelled without a
// caller-supplied reason.
var ErrAborted = errors.New("walk aborted")

// New prepares a walk rooted at root without starting it, so callers can
// subscribe before the first notification fires.
func New(root string, opts Options) *Walk {
	if opts.Schedule == nil {
		opts.Schedule = func(fn func()) { fn() }
	}
	if opts.Stat == nil {
		opts.Stat = os.Lstat
	}
	if opts.ReadDir == nil {
		opts.ReadDir = os.ReadDir
	}
	if opts.Readlink == nil {
		opts.Readlink = os.Readlink
	}

	return &Walk{
		opts:        opts,
		root:        root,
		subscribers: make(map[Event][]*subscription),
		visited:     make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the traversal. It may be called at most once.
func (w *Walk) Start() {
	// The root is the first pending entry; everything else hangs off it.
	w.pending.Add(1)
	w.opts.Schedule(func() {
		w.processEntry(w.root, "", nil)
	})
}

// Subscribe registers a handler for the given event and returns an
// idempotent unsubscribe function. Dispatch uses a snapshot of the
// subscriber list, so unsubscribing during delivery takes effect on the
// next notification.
func (w *Walk) Subscribe(event Event, handler Handler) func() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextSubID++
	sub := &subscription{id: w.nextSubID, handler: handler}
	w.subscribers[event] = append(w.subscribers[event], sub)

	id := sub.id
	return func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		subs := w.subscribers[event]
		for i, s := range subs {
			if s.id == id {
				w.subscribers[event] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
		return false
	}
}

// Abort cancels the walk. Already-issued filesystem calls are not
// interrupted; their results are discarded once the flag is observed.
func (w *Walk) Abort(reason error) {
	if reason == nil {
		reason = ErrAborted
	}
	if w.aborted.CompareAndSwap(false, true) {
		w.settle(reason)
	}
}

// Wait blocks until the walk settles or ctx is cancelled.
func (w *Walk) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the walk settles.
func (w *Walk) Done() <-chan struct{} {
	return w.done
}

// Err returns the settled error. Only meaningful after Done is closed.
func (w *Walk) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Metrics returns a snapshot of the walk counters.
func (w *Walk) Metrics() Metrics {
	return Metrics{
		ListCalls:          w.listCalls.Load(),
		EntriesRead:        w.entriesRead.Load(),
		StatCalls:          w.statCalls.Load(),
		SymlinkResolutions: w.symlinkResolutions.Load(),
		FilesFound:         w.filesFound.Load(),
	}
}

// settle resolves the completion handle exactly once.
func (w *Walk) settle(err error) {
	w.settleOnce.Do(func() {
		w.err = err
		close(w.done)
	})
}

// finish marks one pending entry as fully processed.
func (w *Walk) finish() {
	if w.pending.Add(-1) == 0 {
		w.settle(nil)
	}
}

// fail aborts the entire walk with err.
func (w *Walk) fail(err error) {
	w.aborted.Store(true)
	w.settle(err)
}

func (w *Walk) emit(event Event, n Notification) {
	w.mu.Lock()
	subs := make([]*subscription, len(w.subscribers[event]))
	copy(subs, w.subscribers[event])
	w.mu.Unlock()

	for _, sub := range subs {
		sub.handler(n)
	}
}

// markVisited records a canonical directory path, reporting whether it had
// been walked before. Symlink cycles back to an ancestor land here.
func (w *Walk) markVisited(canonical string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, seen := w.visited[canonical]; seen {
		return false
	}
	w.visited[canonical] = struct{}{}
	return true
}

// tolerable reports whether err may be swallowed for a single entry.
func (w *Walk) tolerable(err error) bool {
	return w.opts.IgnoreMissingRoot && errors.Is(err, fs.ErrNotExist)
}

// processEntry handles one pending entry and always balances the counter:
// every return path either calls finish or fails the whole walk.
func (w *Walk) processEntry(path, virtualPath string, info fs.FileInfo) {
	if w.aborted.Load() {
		w.finish()
		return
	}

	if w.opts.IsExcluded != nil && w.opts.IsExcluded(path) {
		w.finish()
		return
	}

	if info == nil {
		var err error
		w.statCalls.Add(1)
		info, err = w.opts.Stat(path)
		if w.aborted.Load() {
			w.finish()
			return
		}
		if err != nil {
			if w.tolerable(err) {
				w.finish()
				return
			}
			w.fail(fmt.Errorf("stat %s: %w", path, err))
			return
		}
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		w.processSymlink(path, virtualPath)
		return
	}

	if info.IsDir() {
		w.processDirectory(path, virtualPath)
		return
	}

	w.filesFound.Add(1)
	w.emit(EventFile, Notification{Event: EventFile, Path: path, VirtualPath: virtualPath, Info: info})
	if w.opts.OnFile != nil {
		w.opts.OnFile(path, virtualPath, info)
	}
	w.finish()
}

// processSymlink resolves link hops until a non-link target is found or the
// chain cycles. Each hop emits one symlink notification. A cyclic chain
// terminates silently: the subtree was either walked already or never
// existed.
func (w *Walk) processSymlink(path, virtualPath string) {
	seen := map[string]struct{}{}
	current := path

	for {
		canonical := filepath.Clean(current)
		if _, cycled := seen[canonical]; cycled {
			w.finish()
			return
		}
		seen[canonical] = struct{}{}

		w.symlinkResolutions.Add(1)
		target, err := w.opts.Readlink(current)
		if w.aborted.Load() {
			w.finish()
			return
		}
		if err != nil {
			if w.tolerable(err) {
				w.finish()
				return
			}
			w.fail(fmt.Errorf("readlink %s: %w", current, err))
			return
		}

		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(current), target)
		}

		w.emit(EventSymlink, Notification{
			Event:       EventSymlink,
			Path:        current,
			VirtualPath: virtualPath,
			Target:      target,
		})

		w.statCalls.Add(1)
		info, err := w.opts.Stat(target)
		if w.aborted.Load() {
			w.finish()
			return
		}
		if err != nil {
			if w.tolerable(err) {
				w.finish()
				return
			}
			w.fail(fmt.Errorf("stat %s: %w", target, err))
			return
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			current = target
			continue
		}

		if info.IsDir() {
			w.processDirectory(target, virtualPath)
			return
		}

		w.filesFound.Add(1)
		w.emit(EventFile, Notification{Event: EventFile, Path: target, VirtualPath: virtualPath, Info: info})
		if w.opts.OnFile != nil {
			w.opts.OnFile(target, virtualPath, info)
		}
		w.finish()
		return
	}
}

// processDirectory lists a directory and dispatches its children. The
// pending counter is raised by the child count before any child runs.
func (w *Walk) processDirectory(path, virtualPath string) {
	canonical := filepath.Clean(path)
	if !w.markVisited(canonical) {
		// Reached again through a symlink; the subtree was walked once
		// and must not produce duplicate notifications.
		w.finish()
		return
	}

	w.listCalls.Add(1)
	entries, err := w.opts.ReadDir(path)
	if w.aborted.Load() {
		w.finish()
		return
	}
	if err != nil {
		if w.tolerable(err) {
			w.finish()
			return
		}
		w.fail(fmt.Errorf("list %s: %w", path, err))
		return
	}

	w.entriesRead.Add(int64(len(entries)))
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	w.emit(EventDirectory, Notification{Event: EventDirectory, Path: path, VirtualPath: virtualPath})

	// Count every child before dispatching the first one. Decrementing
	// for this directory afterwards can then never zero the counter while
	// a child is outstanding.
	w.pending.Add(int64(len(entries)))

	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		childVirtual := entry.Name()
		if virtualPath != "" {
			childVirtual = filepath.Join(virtualPath, entry.Name())
		}
		w.opts.Schedule(func() {
			w.processEntry(childPath, childVirtual, nil)
		})
	}

	w.finish()
}
