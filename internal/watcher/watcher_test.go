package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDirty(t *testing.T, w *Watcher, kb string) []string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if dirty := w.Dirty(kb); len(dirty) > 0 {
			return dirty
		}
		select {
		case <-deadline:
			t.Fatal("no dirty files recorded")
			return nil
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWatcherRecordsChanges(t *testing.T) {
	root := t.TempDir()
	w, err := New()
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.WatchKB("samples", root))

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))

	dirty := waitDirty(t, w, "samples")
	assert.Contains(t, dirty, "a.txt")

	// Marks persist across reads until the file is reported clean.
	assert.Contains(t, w.Dirty("samples"), "a.txt")

	w.MarkClean("samples", "a.txt")
	assert.Empty(t, w.Dirty("samples"))
}

func TestMarkCleanLeavesOtherFiles(t *testing.T) {
	root := t.TempDir()
	w, err := New()
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.WatchKB("samples", root))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("x"), 0o644))

	deadline := time.After(3 * time.Second)
	for len(w.Dirty("samples")) < 2 {
		select {
		case <-deadline:
			t.Fatal("both files should be marked dirty")
		case <-time.After(20 * time.Millisecond):
		}
	}

	w.MarkClean("samples", "a.txt")
	dirty := w.Dirty("samples")
	assert.NotContains(t, dirty, "a.txt")
	assert.Contains(t, dirty, "b.txt")
}

func TestWatcherSkipsTempFiles(t *testing.T) {
	root := t.TempDir()
	w, err := New()
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.WatchKB("samples", root))

	require.NoError(t, os.WriteFile(filepath.Join(root, "tmp-upload"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.txt"), []byte("x"), 0o644))

	dirty := waitDirty(t, w, "samples")
	assert.Contains(t, dirty, "real.txt")
	assert.NotContains(t, dirty, "tmp-upload")
}

func TestForgetKB(t *testing.T) {
	root := t.TempDir()
	w, err := New()
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.WatchKB("samples", root))
	w.ForgetKB("samples")

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, w.Dirty("samples"))
}
