package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loomworks/loom/internal/inventory"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/watcher"
)

// AfterBuild receives the outcome of one rebuild cycle together with the
// change batch that triggered it.
type AfterBuild func(err error, changes []watcher.ChangeEvent)

// Coordinator re-runs the build when watched roots change. Change batches
// arrive already debounced from the watcher; the coordinator fires a rebuild
// unless one is already in flight, applying content-root changes to the
// inventory just before the build starts. Rebuilds never overlap: a trigger
// during a build is dropped, the inventory is never mutated while stage
// goroutines run, and the debounce gate, not a queue, coalesces bursts.
type Coordinator struct {
	pipeline   *Pipeline
	inv        *inventory.Inventory
	fw         *watcher.FileWatcher
	logger     logging.Logger
	afterBuild AfterBuild

	contentRoot string

	mu       sync.Mutex
	building bool
	changes  []watcher.ChangeEvent

	stopOnce sync.Once
	stopped  bool
}

// CoordinatorOptions configures a rebuild coordinator.
type CoordinatorOptions struct {
	Pipeline    *Pipeline
	Inventory   *inventory.Inventory
	Watcher     *watcher.FileWatcher
	ContentRoot string
	AfterBuild  AfterBuild
	Logger      logging.Logger
}

// NewCoordinator wires the coordinator to an already-configured watcher.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Coordinator{
		pipeline:    opts.Pipeline,
		inv:         opts.Inventory,
		fw:          opts.Watcher,
		logger:      logger.WithComponent("rebuild"),
		afterBuild:  opts.AfterBuild,
		contentRoot: filepath.Clean(opts.ContentRoot),
	}
	c.fw.AddHandler(c.handleBatch)
	return c
}

// Stop tears down the change subscription. It is idempotent.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		if err := c.fw.Stop(); err != nil {
			c.logger.Warn(context.Background(), err, "stopping watcher")
		}
	})
}

// handleBatch is the watcher's change handler: record the batch and attempt
// a rebuild. Inventory mutation is left to trigger, which only runs between
// builds.
func (c *Coordinator) handleBatch(events []watcher.ChangeEvent) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.changes = append(c.changes, events...)
	c.mu.Unlock()

	c.trigger()
	return nil
}

func (c *Coordinator) underContentRoot(path string) bool {
	rel, err := filepath.Rel(c.contentRoot, filepath.Clean(path))
	return err == nil && !strings.HasPrefix(rel, "..")
}

// applyChange keeps the inventory in step with the filesystem before the
// rebuild runs. It must only be called while no build is in flight.
func (c *Coordinator) applyChange(event watcher.ChangeEvent) {
	ctx := context.Background()
	switch event.Type {
	case watcher.EventTypeCreated:
		if info, err := os.Stat(event.Path); err == nil && info.IsDir() {
			// A new directory carries no buildable content; the files
			// inside it arrive as their own create events.
			return
		}
		if _, err := c.inv.Add(event.Path, nil); err != nil {
			// Create events for known paths degrade to updates.
			c.invalidate(event.Path)
		}
	case watcher.EventTypeDeleted, watcher.EventTypeRenamed:
		if err := c.inv.Remove(event.Path); err != nil {
			c.logger.Debug(ctx, "remove skipped", "path", event.Path, "reason", err.Error())
		}
	case watcher.EventTypeModified:
		c.invalidate(event.Path)
	}
}

// invalidate clears a file's stage data so the next build re-reads it.
func (c *Coordinator) invalidate(path string) {
	file, err := c.inv.ByPath(path)
	if err != nil {
		return
	}
	for key := range file.Data {
		delete(file.Data, key)
	}
}

// trigger starts a rebuild unless one is already running.
func (c *Coordinator) trigger() {
	c.mu.Lock()
	if c.building || c.stopped {
		// Dropped, not queued: the pending changes stay accumulated and
		// ride along with the next debounced trigger.
		c.mu.Unlock()
		return
	}
	c.building = true
	batch := c.changes
	c.changes = nil
	c.mu.Unlock()

	// The building guard taken above means no stage goroutine is touching
	// file data right now, so inventory mutation is safe here and only here.
	for _, event := range batch {
		if c.underContentRoot(event.Path) {
			c.applyChange(event)
		}
	}

	go c.runBuild(batch)
}

func (c *Coordinator) runBuild(batch []watcher.ChangeEvent) {
	ctx := context.Background()
	c.logger.Info(ctx, "rebuilding", "changes", len(batch))

	err := c.pipeline.BuildAll(ctx)
	if err != nil {
		c.logger.Error(ctx, err, "rebuild failed")
	}

	c.mu.Lock()
	c.building = false
	c.mu.Unlock()

	if c.afterBuild != nil {
		c.afterBuild(err, batch)
	}
}
