// Package builder maps inventory entries onto scheduler tasks in two
// ordered phases separated by a drain barrier, and drives debounced,
// serialized rebuilds when the content tree changes.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/inventory"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/types"
)

// Context is the shared state transform stages operate on.
type Context struct {
	Inventory   *inventory.Inventory
	ContentRoot string
	BuildRoot   string
	Logger      logging.Logger
	Errors      *errors.ErrorCollector
}

// relativePath returns the file's path relative to the content root.
func (bc *Context) relativePath(file *inventory.FileNode) (string, error) {
	rel, err := filepath.Rel(bc.ContentRoot, file.Path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is not under the content root %s", file.Path, bc.ContentRoot)
	}
	return rel, nil
}

// writeArtifact places content in the build root, honoring a versioned name
// when one was recorded for the file.
func (bc *Context) writeArtifact(file *inventory.FileNode, content []byte) error {
	rel, err := bc.relativePath(file)
	if err != nil {
		return err
	}
	if versioned, ok := bc.Inventory.Versioned(rel); ok {
		rel = versioned
	}

	target := filepath.Join(bc.BuildRoot, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := os.WriteFile(target, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

// Pipeline submits per-file build tasks to the scheduler and enforces the
// phase barrier: no second-phase task starts before every first-phase task
// has settled, because page assembly reads state (keyword indexes, computed
// data) that first-phase stages produce globally.
type Pipeline struct {
	scheduler *scheduler.Scheduler
	bc        *Context
	logger    logging.Logger
	metrics   *PassMetrics
}

// Task ids used for named-handler dispatch, one per phase.
const (
	TaskBuild        = "build"
	TaskContentBuild = "content-build"
)

// NewPipeline creates a pipeline and registers its phase handlers. The
// scheduler must still be at standstill.
func NewPipeline(sched *scheduler.Scheduler, bc *Context, logger logging.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	p := &Pipeline{
		scheduler: sched,
		bc:        bc,
		logger:    logger.WithComponent("builder"),
		metrics:   &PassMetrics{},
	}

	if _, err := sched.Register(TaskBuild, p.handleTask(BuildersFor)); err != nil {
		return nil, err
	}
	if _, err := sched.Register(TaskContentBuild, p.handleTask(ContentBuildersFor)); err != nil {
		return nil, err
	}
	return p, nil
}

// Metrics returns a snapshot of the pipeline counters.
func (p *Pipeline) Metrics() PassMetricsSnapshot {
	return p.metrics.Snapshot()
}

// handleTask runs the stage sequence the table selects for the file's kind.
func (p *Pipeline) handleTask(table func(types.Kind) []Stage) scheduler.Handler {
	return func(ctx context.Context, task scheduler.Task) error {
		file, ok := task.Payload.(*inventory.FileNode)
		if !ok {
			return fmt.Errorf("builder: task payload is not a file node")
		}

		start := time.Now()
		for _, stage := range table(file.Kind) {
			if err := stage.Run(p.bc, file); err != nil {
				p.bc.Errors.AddStageFailure(file.Path, stage.Name, err)
				p.metrics.recordFailure(time.Since(start))
				return fmt.Errorf("%s: %s: %w", file.Path, stage.Name, err)
			}
		}
		p.metrics.recordSuccess(time.Since(start))
		return nil
	}
}

// BuildAll runs the two build phases. Per-file failures are logged and
// counted, never propagated: a broken stylesheet must not stop the pass.
// The error return covers orchestration problems only (rejected submission,
// cancelled context).
func (p *Pipeline) BuildAll(ctx context.Context) error {
	start := time.Now()

	// Phase 1: computed data first, then plain assets.
	phase1 := append(
		p.bc.Inventory.ByPhase(types.PhaseData),
		p.bc.Inventory.ByPhase(types.PhaseAsset)...,
	)
	if err := p.submitPhase(ctx, TaskBuild, phase1); err != nil {
		return err
	}
	if err := p.flushDeferred(ctx, TaskBuild); err != nil {
		return err
	}
	if err := p.scheduler.WaitIdle(ctx); err != nil {
		return err
	}

	// Phase 2: page assembly. The idle barrier above guarantees every
	// first-phase task has settled before the first page task starts.
	phase2 := p.bc.Inventory.ByPhase(types.PhasePage)
	if err := p.submitPhase(ctx, TaskContentBuild, phase2); err != nil {
		return err
	}
	if err := p.flushDeferred(ctx, TaskContentBuild); err != nil {
		return err
	}
	if err := p.scheduler.WaitIdle(ctx); err != nil {
		return err
	}

	snapshot := p.metrics.Snapshot()
	p.logger.Info(ctx, "build pass complete",
		"files", len(phase1)+len(phase2),
		"succeeded", snapshot.Succeeded,
		"failed", snapshot.Failed,
		"errors", p.bc.Errors.Count(),
		"duration", time.Since(start).String(),
	)
	return nil
}

// submitPhase submits one task per file. Submission is fire-and-forget:
// per-file failures surface through the error collector and the batch
// results, which are logged once the batch settles.
func (p *Pipeline) submitPhase(ctx context.Context, taskID string, files []*inventory.FileNode) error {
	if len(files) == 0 {
		return nil
	}

	tasks := make([]scheduler.Task, 0, len(files))
	for _, file := range files {
		tasks = append(tasks, scheduler.Task{ID: taskID, Payload: file})
	}

	batch, err := p.scheduler.Submit(tasks...)
	if err != nil {
		return fmt.Errorf("builder: submitting %s tasks: %w", taskID, err)
	}

	go p.logFailures(ctx, batch, taskID)
	return nil
}

// flushDeferred promotes tasks the prioritizer parked as deferred. Without
// the promotion the phase barrier would pass with those files still queued,
// so a deferred stylesheet would silently never be built.
func (p *Pipeline) flushDeferred(ctx context.Context, taskID string) error {
	batch, err := p.scheduler.RunDeferred()
	if err != nil {
		return fmt.Errorf("builder: promoting deferred %s tasks: %w", taskID, err)
	}

	go p.logFailures(ctx, batch, taskID)
	return nil
}

func (p *Pipeline) logFailures(ctx context.Context, batch *scheduler.Batch, taskID string) {
	<-batch.Done()
	for _, result := range batch.Failed() {
		file, _ := result.Task.Payload.(*inventory.FileNode)
		path := ""
		if file != nil {
			path = file.Path
		}
		p.logger.Error(ctx, result.Err, "file build failed", "path", path, "task", taskID)
	}
}
