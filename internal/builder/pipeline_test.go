package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/errors"
	"github.com/loomworks/loom/internal/inventory"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/scheduler"
)

type pipelineFixture struct {
	pipeline  *Pipeline
	scheduler *scheduler.Scheduler
	inventory *inventory.Inventory
	collector *errors.ErrorCollector
	content   string
	build     string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	content := t.TempDir()
	build := t.TempDir()

	inv, err := inventory.New(content, nil)
	require.NoError(t, err)

	collector := errors.NewErrorCollector()
	sched := scheduler.New(scheduler.Options{Concurrency: 4, Logger: logging.Discard()})

	bc := &Context{
		Inventory:   inv,
		ContentRoot: content,
		BuildRoot:   build,
		Logger:      logging.Discard(),
		Errors:      collector,
	}

	p, err := NewPipeline(sched, bc, logging.Discard())
	require.NoError(t, err)

	return &pipelineFixture{
		pipeline:  p,
		scheduler: sched,
		inventory: inv,
		collector: collector,
		content:   content,
		build:     build,
	}
}

// addFile writes the file under the content root and registers it in the
// inventory.
func (f *pipelineFixture) addFile(t *testing.T, rel, body string) {
	t.Helper()
	path := filepath.Join(f.content, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	_, err := f.inventory.Add(path, nil)
	require.NoError(t, err)
}

func TestBuildAllPhaseBarrier(t *testing.T) {
	f := newPipelineFixture(t)

	f.addFile(t, "a.css", "body { color: red; }")
	f.addFile(t, "b.css", "p { margin: 0; }")
	f.addFile(t, "notes.md", "plain markdown body\n")
	f.addFile(t, "index.html", "<html><body>one</body></html>")
	f.addFile(t, "about.html", "<html><body>two</body></html>")

	// Observers ride the fan-out for each phase's task id and record how
	// many first-phase tasks had finished when each page task started.
	var phase1Done int64
	var mu sync.Mutex
	var seenAtPageStart []int64

	_, err := f.scheduler.Register(TaskBuild, func(ctx context.Context, task scheduler.Task) error {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&phase1Done, 1)
		return nil
	})
	require.NoError(t, err)

	_, err = f.scheduler.Register(TaskContentBuild, func(ctx context.Context, task scheduler.Task) error {
		mu.Lock()
		seenAtPageStart = append(seenAtPageStart, atomic.LoadInt64(&phase1Done))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.pipeline.BuildAll(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seenAtPageStart, 2)
	for _, seen := range seenAtPageStart {
		assert.Equal(t, int64(3), seen, "page task started before all first-phase tasks settled")
	}
}

func TestBuildAllVersionsStylesBeforePages(t *testing.T) {
	f := newPipelineFixture(t)

	f.addFile(t, "style.css", "body { color: red; }")
	f.addFile(t, "index.html", `<html><head><link rel="stylesheet" href="style.css"></head><body></body></html>`)

	require.NoError(t, f.pipeline.BuildAll(context.Background()))

	versioned, ok := f.inventory.Versioned("style.css")
	require.True(t, ok, "stylesheet was not versioned")
	assert.NotEqual(t, "style.css", versioned)

	_, err := os.Stat(filepath.Join(f.build, versioned))
	require.NoError(t, err, "versioned stylesheet missing from build root")

	page, err := os.ReadFile(filepath.Join(f.build, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(page), versioned)
	assert.NotContains(t, string(page), `href="style.css"`)
}

func TestBuildAllCollectsPerFileFailures(t *testing.T) {
	f := newPipelineFixture(t)

	f.addFile(t, "broken.md", "---\n{unclosed\n---\nbody\n")
	f.addFile(t, "readme.txt", "hello\n")

	require.NoError(t, f.pipeline.BuildAll(context.Background()),
		"a per-file failure must not fail the pass")

	assert.True(t, f.collector.HasErrors())
	assert.Equal(t, 1, f.collector.Count())

	copied, err := os.ReadFile(filepath.Join(f.build, "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(copied))

	snapshot := f.pipeline.Metrics()
	assert.Equal(t, int64(1), snapshot.Failed)
	assert.Equal(t, int64(1), snapshot.Succeeded)
}

func TestBuildAllEmptyInventory(t *testing.T) {
	f := newPipelineFixture(t)

	require.NoError(t, f.pipeline.BuildAll(context.Background()))

	snapshot := f.pipeline.Metrics()
	assert.Equal(t, int64(0), snapshot.TotalBuilds)
	assert.False(t, f.collector.HasErrors())
}

func TestBuildAllWritesMarkdownBody(t *testing.T) {
	f := newPipelineFixture(t)

	f.addFile(t, "post.md", "---\ntitle: First Post\nkeywords: [go, build]\n---\n# Heading\n")

	require.NoError(t, f.pipeline.BuildAll(context.Background()))

	out, err := os.ReadFile(filepath.Join(f.build, "post.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Heading\n", string(out))
	assert.False(t, strings.Contains(string(out), "title:"))

	entry, ok := f.inventory.Keyword("go")
	require.True(t, ok)
	assert.Len(t, entry.Files, 1)
}

func TestBuildAllRunsDeferredFiles(t *testing.T) {
	content := t.TempDir()
	build := t.TempDir()

	inv, err := inventory.New(content, nil)
	require.NoError(t, err)

	collector := errors.NewErrorCollector()
	sched := scheduler.New(scheduler.Options{
		Concurrency: 2,
		Logger:      logging.Discard(),
		Prioritize: func(task scheduler.Task) int {
			file, ok := task.Payload.(*inventory.FileNode)
			if ok && strings.Contains(file.Path, "slow") {
				return -1
			}
			return 0
		},
	})

	bc := &Context{
		Inventory:   inv,
		ContentRoot: content,
		BuildRoot:   build,
		Logger:      logging.Discard(),
		Errors:      collector,
	}
	p, err := NewPipeline(sched, bc, logging.Discard())
	require.NoError(t, err)

	for rel, body := range map[string]string{
		"fast.css":   "p { margin: 0; }",
		"slow.css":   "body { color: red; }",
		"index.html": `<html><head><link rel="stylesheet" href="slow.css"></head><body></body></html>`,
	} {
		path := filepath.Join(content, rel)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		_, err := inv.Add(path, nil)
		require.NoError(t, err)
	}

	require.NoError(t, p.BuildAll(context.Background()))

	// The deferred stylesheet built within its phase: it was versioned
	// before the page phase annotated references to it.
	versioned, ok := inv.Versioned("slow.css")
	require.True(t, ok, "deferred stylesheet was never built")
	_, err = os.Stat(filepath.Join(build, versioned))
	require.NoError(t, err)

	page, err := os.ReadFile(filepath.Join(build, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(page), versioned)

	_, _, deferred, inflight := sched.QueueDepths()
	assert.Zero(t, deferred, "no task may stay parked after a pass")
	assert.Zero(t, inflight)
	assert.Equal(t, int64(3), p.Metrics().Succeeded)
}

func TestPipelineRequiresStandstillScheduler(t *testing.T) {
	f := newPipelineFixture(t)

	f.addFile(t, "readme.txt", "hi")
	require.NoError(t, f.pipeline.BuildAll(context.Background()))

	// Registration after the first dispatch must be rejected.
	bc := &Context{
		Inventory:   f.inventory,
		ContentRoot: f.content,
		BuildRoot:   f.build,
		Logger:      logging.Discard(),
		Errors:      f.collector,
	}
	_, err := NewPipeline(f.scheduler, bc, logging.Discard())
	assert.Error(t, err)
}
