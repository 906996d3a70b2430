// Package watcher provides the change-notification source for rebuilds: an
// fsnotify-backed recursive watcher with debouncing, so a burst of writes
// produces one coalesced batch after a quiet period.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loomworks/loom/internal/logging"
)

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// FileFilter determines if a path should be watched
type FileFilter func(path string) bool

// ChangeHandler handles a debounced batch of file change events
type ChangeHandler func(events []ChangeEvent) error

// FileWatcher watches the content and component roots for changes and
// delivers debounced batches to registered handlers.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *debouncer
	filters   []FileFilter
	handlers  []ChangeHandler
	logger    logging.Logger
	mutex     sync.RWMutex
}

// debouncer coalesces rapid changes: a two-state machine (idle / armed)
// driven by a cancellable timer that resets on every event. Intake appends
// to the pending list under the mutex, so a burst of N notifications always
// yields batches totalling N events, never fewer.
type debouncer struct {
	delay   time.Duration
	output  chan []ChangeEvent
	timer   *time.Timer
	armed   bool
	pending []ChangeEvent
	mutex   sync.Mutex
}

// NewFileWatcher creates a new file watcher with the given quiet period.
func NewFileWatcher(debounceDelay time.Duration, logger logging.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logging.Discard()
	}

	return &FileWatcher{
		watcher: w,
		debouncer: &debouncer{
			delay:   debounceDelay,
			output:  make(chan []ChangeEvent, 10),
			pending: make([]ChangeEvent, 0),
		},
		filters:  make([]FileFilter, 0),
		handlers: make([]ChangeHandler, 0),
		logger:   logger.WithComponent("watcher"),
	}, nil
}

// AddFilter adds a file filter. A path must pass every filter to be reported.
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// AddHandler adds a change handler
func (fw *FileWatcher) AddHandler(handler ChangeHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// AddRecursive adds a root directory and all subdirectories to the watch set.
func (fw *FileWatcher) AddRecursive(root string) error {
	cleanRoot := filepath.Clean(root)
	return filepath.Walk(cleanRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := fw.watcher.Add(path); err != nil {
				return fmt.Errorf("watching %s: %w", path, err)
			}
		}
		return nil
	})
}

// Start starts the watch and dispatch loops.
func (fw *FileWatcher) Start(ctx context.Context) {
	go fw.processEvents(ctx)
	go fw.watchLoop(ctx)
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	fw.debouncer.mutex.Lock()
	if fw.debouncer.timer != nil {
		fw.debouncer.timer.Stop()
	}
	fw.debouncer.mutex.Unlock()
	return fw.watcher.Close()
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, err, "watch error, continuing")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	fw.mutex.RLock()
	filters := fw.filters
	fw.mutex.RUnlock()

	for _, filter := range filters {
		if !filter(event.Name) {
			return
		}
	}

	var modTime time.Time
	var size int64
	if info, err := os.Stat(event.Name); err == nil {
		modTime = info.ModTime()
		size = info.Size()

		// New directories need to join the watch set so files created
		// inside them keep producing events.
		if info.IsDir() && event.Op&fsnotify.Create != 0 {
			if err := fw.AddRecursive(event.Name); err != nil {
				fw.logger.Warn(context.Background(), err, "failed to watch new directory", "path", event.Name)
			}
		}
	}

	var eventType EventType
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = EventTypeCreated
	case event.Op&fsnotify.Write != 0:
		eventType = EventTypeModified
	case event.Op&fsnotify.Remove != 0:
		eventType = EventTypeDeleted
	case event.Op&fsnotify.Rename != 0:
		eventType = EventTypeRenamed
	default:
		eventType = EventTypeModified
	}

	fw.debouncer.addEvent(ChangeEvent{
		Type:    eventType,
		Path:    event.Name,
		ModTime: modTime,
		Size:    size,
	})
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-fw.debouncer.output:
			fw.mutex.RLock()
			handlers := make([]ChangeHandler, len(fw.handlers))
			copy(handlers, fw.handlers)
			fw.mutex.RUnlock()

			for _, handler := range handlers {
				if err := handler(events); err != nil {
					fw.logger.Warn(ctx, err, "change handler error, continuing")
				}
			}
		}
	}
}

// addEvent appends the event and re-arms the quiet-period timer. The
// machine has two states: idle (no pending events) and armed (timer
// counting down); any event while armed restarts the countdown.
func (d *debouncer) addEvent(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending = append(d.pending, event)

	if d.armed {
		d.timer.Stop()
	}
	d.armed = true
	d.timer = time.AfterFunc(d.delay, d.flush)
}

func (d *debouncer) flush() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.armed = false
	if len(d.pending) == 0 {
		return
	}

	events := make([]ChangeEvent, len(d.pending))
	copy(events, d.pending)

	select {
	case d.output <- events:
		d.pending = d.pending[:0]
	default:
		// The consumer is behind. Keep the batch pending and retry after
		// another quiet period; no change may ever be dropped.
		d.armed = true
		d.timer = time.AfterFunc(d.delay, d.flush)
	}
}

// Common file filters

// NoHiddenFilter skips dotfiles and anything inside a dot directory.
func NoHiddenFilter(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return !strings.Contains(path, string(filepath.Separator)+".")
}

// NoTempFilter skips editor temp and backup files.
func NoTempFilter(path string) bool {
	base := filepath.Base(path)
	return !strings.HasSuffix(base, "~") &&
		!strings.HasSuffix(base, ".swp") &&
		!strings.HasSuffix(base, ".tmp")
}

// UnderRootFilter keeps only paths below one of the given roots.
func UnderRootFilter(roots ...string) FileFilter {
	cleaned := make([]string, len(roots))
	for i, root := range roots {
		cleaned[i] = filepath.Clean(root) + string(filepath.Separator)
	}
	return func(path string) bool {
		for _, root := range cleaned {
			if strings.HasPrefix(filepath.Clean(path)+string(filepath.Separator), root) ||
				strings.HasPrefix(filepath.Clean(path), root) {
				return true
			}
		}
		return false
	}
}
