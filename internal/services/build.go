// Package services composes the walker, inventory, scheduler and builder
// into the operations the CLI exposes: one-shot builds and watch sessions.
package services

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/loomworks/loom/internal/builder"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/inventory"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/walker"
)

// BuildService runs one-shot build passes.
type BuildService struct {
	config *config.Config
	logger logging.Logger
}

// NewBuildService creates a build service.
func NewBuildService(cfg *config.Config, logger logging.Logger) *BuildService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &BuildService{config: cfg, logger: logger}
}

// BuildResult summarizes one build pass.
type BuildResult struct {
	Duration  time.Duration
	Files     int
	Succeeded int64
	Failed    int64
	Errors    []errors.BuildError
}

// session bundles the per-run state shared between a one-shot build and a
// watch loop.
type session struct {
	inventory *inventory.Inventory
	scheduler *scheduler.Scheduler
	pipeline  *builder.Pipeline
	collector *errors.ErrorCollector

	contentRoot    string
	componentsRoot string
	buildRoot      string

	excluded func(string) bool
}

// newSession resolves the configured roots and wires the build machinery.
func (s *BuildService) newSession() (*session, error) {
	contentRoot, err := filepath.Abs(s.config.Roots.Content)
	if err != nil {
		return nil, fmt.Errorf("resolving content root: %w", err)
	}
	componentsRoot, err := filepath.Abs(s.config.Roots.Components)
	if err != nil {
		return nil, fmt.Errorf("resolving components root: %w", err)
	}
	buildRoot, err := filepath.Abs(s.config.Roots.Build)
	if err != nil {
		return nil, fmt.Errorf("resolving build root: %w", err)
	}

	// Matchers resolve against the same absolute roots the walker emits.
	resolved := *s.config
	resolved.Roots.Content = contentRoot
	resolved.Roots.Components = componentsRoot
	resolved.Roots.Build = buildRoot

	inv, err := inventory.New(contentRoot, resolved.AssetMatcher())
	if err != nil {
		return nil, err
	}

	priority := resolved.PriorityFor()
	sched := scheduler.New(scheduler.Options{
		Concurrency: s.config.Build.Concurrency,
		Prioritize: func(task scheduler.Task) int {
			file, ok := task.Payload.(*inventory.FileNode)
			if !ok {
				return 0
			}
			return priority(file.Path)
		},
		Logger: s.logger,
	})

	collector := errors.NewErrorCollector()
	bc := &builder.Context{
		Inventory:   inv,
		ContentRoot: contentRoot,
		BuildRoot:   buildRoot,
		Logger:      s.logger,
		Errors:      collector,
	}

	pipeline, err := builder.NewPipeline(sched, bc, s.logger)
	if err != nil {
		return nil, err
	}

	return &session{
		inventory:      inv,
		scheduler:      sched,
		pipeline:       pipeline,
		collector:      collector,
		contentRoot:    contentRoot,
		componentsRoot: componentsRoot,
		buildRoot:      buildRoot,
		excluded:       resolved.ExcludeMatcher(),
	}, nil
}

// populate walks the content root and fills the inventory.
func (s *BuildService) populate(ctx context.Context, sess *session) error {
	walk := walker.New(sess.contentRoot, walker.Options{
		IgnoreMissingRoot: s.config.Build.IgnoreMissingRoot,
		IsExcluded:        sess.excluded,
		OnFile: func(path, virtualPath string, info fs.FileInfo) {
			// Virtual paths are root-relative; the inventory wants them
			// anchored under its root.
			abs := filepath.Join(sess.contentRoot, virtualPath)
			if _, err := sess.inventory.Add(abs, nil); err != nil {
				s.logger.Warn(ctx, err, "skipping file", "path", abs)
			}
		},
	})

	walk.Start()
	if err := walk.Wait(ctx); err != nil {
		return fmt.Errorf("walking %s: %w", sess.contentRoot, err)
	}

	metrics := walk.Metrics()
	s.logger.Debug(ctx, "walk complete",
		"files", sess.inventory.Count(),
		"entries", metrics.EntriesRead,
		"symlinks", metrics.SymlinkResolutions,
	)
	return nil
}

// Build walks the content root and runs one full build pass. Per-file
// failures are reported in the result, not as an error.
func (s *BuildService) Build(ctx context.Context) (*BuildResult, error) {
	start := time.Now()

	sess, err := s.newSession()
	if err != nil {
		return nil, err
	}

	if err := s.populate(ctx, sess); err != nil {
		return nil, err
	}

	if err := sess.pipeline.BuildAll(ctx); err != nil {
		return nil, err
	}

	snapshot := sess.pipeline.Metrics()
	return &BuildResult{
		Duration:  time.Since(start),
		Files:     sess.inventory.Count(),
		Succeeded: snapshot.Succeeded,
		Failed:    snapshot.Failed,
		Errors:    sess.collector.Errors(),
	}, nil
}
