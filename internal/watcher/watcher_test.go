package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	mu     sync.Mutex
	open   map[string]bool
	synced []string
}

func (f *fakeSyncer) SyncAfterEdit(_ context.Context, filePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, filePath)
	return nil
}

func (f *fakeSyncer) IsOpen(filePath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[filePath]
}

func TestAddTreeSkipsIgnoredDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0o755))

	w, err := New(nil)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.AddTree(dir))

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.watched[filepath.Join(dir, "src")])
	assert.False(t, w.watched[filepath.Join(dir, ".git")])
	assert.False(t, w.watched[filepath.Join(dir, ".git", "objects")])
	assert.False(t, w.watched[filepath.Join(dir, "node_modules", "pkg")])
}

func TestHandleResyncsOnlyOpenFiles(t *testing.T) {
	dir := t.TempDir()
	open := filepath.Join(dir, "open.go")
	closed := filepath.Join(dir, "closed.go")
	require.NoError(t, os.WriteFile(open, []byte("package a\n"), 0o644))
	require.NoError(t, os.WriteFile(closed, []byte("package a\n"), 0o644))

	w, err := New(nil)
	require.NoError(t, err)
	defer w.Close()

	syncer := &fakeSyncer{open: map[string]bool{open: true}}
	w.handle(context.Background(), fsnotify.Event{Name: open, Op: fsnotify.Write}, syncer)
	w.handle(context.Background(), fsnotify.Event{Name: closed, Op: fsnotify.Write}, syncer)
	w.handle(context.Background(), fsnotify.Event{Name: open, Op: fsnotify.Chmod}, syncer)

	assert.Equal(t, []string{open}, syncer.synced)
}

func TestHandleWatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()
	w, err := New(nil)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.AddTree(dir))

	sub := filepath.Join(dir, "newpkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	w.handle(context.Background(), fsnotify.Event{Name: sub, Op: fsnotify.Create}, &fakeSyncer{})

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.watched[sub])
}
