package services

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/builder"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/notify"
	"github.com/loomworks/loom/internal/watcher"
)

// WatchService runs an initial build, then rebuilds on filesystem changes
// until the context is cancelled. When a reload port is configured it also
// pushes reload signals to connected browsers after each successful rebuild.
type WatchService struct {
	build  *BuildService
	config *config.Config
	logger logging.Logger
}

// NewWatchService creates a watch service.
func NewWatchService(cfg *config.Config, logger logging.Logger) *WatchService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &WatchService{
		build:  NewBuildService(cfg, logger),
		config: cfg,
		logger: logger.WithComponent("watch"),
	}
}

// Run blocks until ctx is cancelled.
func (s *WatchService) Run(ctx context.Context) error {
	sess, err := s.build.newSession()
	if err != nil {
		return err
	}

	if err := s.build.populate(ctx, sess); err != nil {
		return err
	}
	if err := sess.pipeline.BuildAll(ctx); err != nil {
		return err
	}
	snapshot := sess.pipeline.Metrics()
	s.logger.Info(ctx, "initial build complete",
		"files", sess.inventory.Count(),
		"failed", snapshot.Failed,
	)

	var hub *notify.Hub
	var server *notify.Server
	if s.config.Watch.ReloadPort > 0 {
		hub = notify.NewHub(s.logger)
		server = notify.NewServer(hub, s.config.Watch.ReloadPort, s.logger)
		go func() {
			if err := server.Start(); err != nil {
				s.logger.Error(ctx, err, "reload notifier stopped")
			}
		}()
	}

	fw, err := watcher.NewFileWatcher(s.config.Watch.Debounce, s.logger)
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	fw.AddFilter(watcher.NoHiddenFilter)
	fw.AddFilter(watcher.NoTempFilter)
	fw.AddFilter(watcher.UnderRootFilter(sess.contentRoot, sess.componentsRoot))

	for _, root := range []string{sess.contentRoot, sess.componentsRoot} {
		if err := fw.AddRecursive(root); err != nil {
			s.logger.Warn(ctx, err, "not watching root", "root", root)
		}
	}

	coordinator := builder.NewCoordinator(builder.CoordinatorOptions{
		Pipeline:    sess.pipeline,
		Inventory:   sess.inventory,
		Watcher:     fw,
		ContentRoot: sess.contentRoot,
		Logger:      s.logger,
		AfterBuild: func(err error, changes []watcher.ChangeEvent) {
			if err != nil || hub == nil {
				return
			}
			hub.Reload(len(changes))
		},
	})
	defer coordinator.Stop()

	fw.Start(ctx)
	s.logger.Info(ctx, "watching for changes",
		"content", sess.contentRoot,
		"components", sess.componentsRoot,
	)

	<-ctx.Done()

	if server != nil {
		shutdownCtx := context.Background()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(shutdownCtx, err, "shutting down reload notifier")
		}
	}
	return nil
}
