package walker

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTree creates a small static tree and returns its root:
//
//	root/
//	  a.txt
//	  sub/
//	    b.txt
//	    c.css
//	  empty/
func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "c.css"), []byte("c"), 0644))
	return root
}

func TestWalkEmitsEachEntryExactlyOnce(t *testing.T) {
	root := buildTree(t)

	w := New(root, Options{})

	var mu sync.Mutex
	fileCounts := make(map[string]int)
	dirCounts := make(map[string]int)

	w.Subscribe(EventFile, func(n Notification) {
		mu.Lock()
		fileCounts[n.Path]++
		mu.Unlock()
	})
	w.Subscribe(EventDirectory, func(n Notification) {
		mu.Lock()
		dirCounts[n.Path]++
		mu.Unlock()
	})

	w.Start()
	require.NoError(t, w.Wait(context.Background()))

	assert.Len(t, fileCounts, 3)
	assert.Len(t, dirCounts, 3) // root, sub, empty
	for path, count := range fileCounts {
		assert.Equal(t, 1, count, "file %s notified more than once", path)
	}
	for path, count := range dirCounts {
		assert.Equal(t, 1, count, "directory %s notified more than once", path)
	}

	m := w.Metrics()
	assert.Equal(t, int64(3), m.FilesFound)
	assert.Equal(t, int64(3), m.ListCalls)
	assert.Equal(t, int64(5), m.EntriesRead) // a.txt, sub, empty, b.txt, c.css
}

func TestWalkCompletionSettlesOnce(t *testing.T) {
	root := buildTree(t)

	w := New(root, Options{})
	w.Start()
	require.NoError(t, w.Wait(context.Background()))

	// Subsequent waits observe the same settled result.
	require.NoError(t, w.Wait(context.Background()))
	assert.NoError(t, w.Err())
}

func TestWalkAsyncSchedule(t *testing.T) {
	root := buildTree(t)

	w := New(root, Options{
		Schedule: func(fn func()) { go fn() },
	})

	var files sync.Map
	w.Subscribe(EventFile, func(n Notification) {
		if _, dup := files.LoadOrStore(n.Path, true); dup {
			t.Errorf("duplicate file notification for %s", n.Path)
		}
	})

	w.Start()
	require.NoError(t, w.Wait(context.Background()))
	assert.Equal(t, int64(3), w.Metrics().FilesFound)
}

func TestWalkSortedChildOrder(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"zeta.txt", "alpha.txt", "mid.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0644))
	}

	var order []string
	w := New(root, Options{
		OnFile: func(path, virtualPath string, info fs.FileInfo) {
			order = append(order, filepath.Base(path))
		},
	})
	w.Start()
	require.NoError(t, w.Wait(context.Background()))

	assert.Equal(t, []string{"alpha.txt", "mid.txt", "zeta.txt"}, order)
}

func TestWalkSymlinkCycleTerminates(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.MkdirAll(sub, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "file.txt"), []byte("x"), 0644))
	// Link back to the ancestor directory.
	require.NoError(t, os.Symlink(root, filepath.Join(sub, "loop")))

	w := New(root, Options{})

	var mu sync.Mutex
	fileCounts := make(map[string]int)
	symlinks := 0
	w.Subscribe(EventFile, func(n Notification) {
		mu.Lock()
		fileCounts[n.Path]++
		mu.Unlock()
	})
	w.Subscribe(EventSymlink, func(n Notification) {
		mu.Lock()
		symlinks++
		mu.Unlock()
	})

	w.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx), "cyclic symlink must not prevent termination")

	assert.Len(t, fileCounts, 1)
	assert.Equal(t, 1, fileCounts[filepath.Join(sub, "file.txt")])
	assert.Equal(t, 1, symlinks)
}

func TestWalkSymlinkToFile(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0644))
	require.NoError(t, os.Symlink(target, filepath.Join(root, "alias.txt")))

	var virtuals []string
	w := New(root, Options{
		OnFile: func(path, virtualPath string, info fs.FileInfo) {
			virtuals = append(virtuals, virtualPath)
		},
	})
	w.Start()
	require.NoError(t, w.Wait(context.Background()))

	// Both the real file and the resolved alias are reported, each under
	// its own virtual location.
	assert.ElementsMatch(t, []string{"alias.txt", "real.txt"}, virtuals)
	assert.Equal(t, int64(1), w.Metrics().SymlinkResolutions)
}

func TestWalkMissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent")

	w := New(missing, Options{IgnoreMissingRoot: true})
	w.Start()
	assert.NoError(t, w.Wait(context.Background()))

	w2 := New(missing, Options{})
	w2.Start()
	assert.Error(t, w2.Wait(context.Background()))
}

func TestWalkListErrorAbortsWalk(t *testing.T) {
	root := buildTree(t)

	listErr := fmt.Errorf("transient device error")
	w := New(root, Options{
		ReadDir: func(path string) ([]fs.DirEntry, error) {
			if filepath.Base(path) == "sub" {
				return nil, listErr
			}
			return os.ReadDir(path)
		},
	})
	w.Start()

	err := w.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, listErr)
}

func TestWalkExcluded(t *testing.T) {
	root := buildTree(t)

	w := New(root, Options{
		IsExcluded: func(path string) bool {
			return filepath.Base(path) == "sub"
		},
	})

	var files []string
	w.Subscribe(EventFile, func(n Notification) {
		files = append(files, filepath.Base(n.Path))
	})
	w.Start()
	require.NoError(t, w.Wait(context.Background()))

	assert.Equal(t, []string{"a.txt"}, files)
}

func TestWalkAbort(t *testing.T) {
	root := buildTree(t)

	reason := fmt.Errorf("operator cancelled")
	w := New(root, Options{
		Schedule: func(fn func()) { go fn() },
	})
	w.Abort(reason)
	w.Start()

	err := w.Wait(context.Background())
	assert.ErrorIs(t, err, reason)
}

func TestWalkUnsubscribeIdempotent(t *testing.T) {
	root := buildTree(t)

	w := New(root, Options{})
	unsubscribe := w.Subscribe(EventFile, func(Notification) {})

	assert.True(t, unsubscribe())
	assert.False(t, unsubscribe(), "second unsubscribe must be a no-op")

	w.Start()
	require.NoError(t, w.Wait(context.Background()))
}

func TestWalkStatMetric(t *testing.T) {
	root := buildTree(t)

	w := New(root, Options{})
	w.Start()
	require.NoError(t, w.Wait(context.Background()))

	// One lstat for the root plus one per listed entry.
	assert.Equal(t, int64(6), w.Metrics().StatCalls)
}
