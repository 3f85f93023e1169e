package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebridge-dev/codebridge/internal/protocol"
)

type fakeNotifier struct {
	mu       sync.Mutex
	calls    []string
	versions []int32
}

func (f *fakeNotifier) Notify(_ context.Context, method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	if p, ok := params.(protocol.DidChangeTextDocumentParams); ok {
		f.versions = append(f.versions, p.TextDocument.Version)
	}
	return nil
}

func (f *fakeNotifier) changeVersions() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.versions...)
}

func (f *fakeNotifier) methodCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "example.go")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEnsureOpenSendsDidOpenOnce(t *testing.T) {
	path := writeTemp(t, "package main\n")
	n := &fakeNotifier{}
	m := New(n)
	ctx := context.Background()

	require.NoError(t, m.EnsureOpen(ctx, path))
	require.NoError(t, m.EnsureOpen(ctx, path))

	assert.Equal(t, 1, n.methodCount("textDocument/didOpen"))
	assert.True(t, m.IsOpen(path))
}

func TestSyncAfterEditIncrementsVersion(t *testing.T) {
	path := writeTemp(t, "package main\n")
	n := &fakeNotifier{}
	m := New(n)
	ctx := context.Background()

	require.NoError(t, m.EnsureOpen(ctx, path))
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, m.SyncAfterEdit(ctx, path))

	assert.Equal(t, 1, n.methodCount("textDocument/didChange"))
	assert.Equal(t, []int32{2}, n.changeVersions())
}

func TestSyncAfterEditOpensIfNotTracked(t *testing.T) {
	path := writeTemp(t, "package main\n")
	n := &fakeNotifier{}
	m := New(n)
	ctx := context.Background()

	require.NoError(t, m.SyncAfterEdit(ctx, path))
	assert.True(t, m.IsOpen(path))
	assert.Equal(t, 1, n.methodCount("textDocument/didOpen"))
}

func TestNudgeSendsPairedChangesWithIncreasingVersions(t *testing.T) {
	path := writeTemp(t, "package main\n")
	n := &fakeNotifier{}
	m := New(n)
	ctx := context.Background()

	require.NoError(t, m.Nudge(ctx, path))

	assert.Equal(t, 1, n.methodCount("textDocument/didOpen"))
	assert.Equal(t, 2, n.methodCount("textDocument/didChange"))

	versions := n.changeVersions()
	require.Len(t, versions, 2)
	assert.Less(t, versions[0], versions[1])
}

func TestVersionsNeverRepeatAcrossSyncsAndNudges(t *testing.T) {
	path := writeTemp(t, "package main\n")
	n := &fakeNotifier{}
	m := New(n)
	ctx := context.Background()

	require.NoError(t, m.EnsureOpen(ctx, path))
	require.NoError(t, m.SyncAfterEdit(ctx, path))
	require.NoError(t, m.Nudge(ctx, path))
	require.NoError(t, m.SyncAfterEdit(ctx, path))

	versions := n.changeVersions()
	require.Len(t, versions, 4)
	for i := 1; i < len(versions); i++ {
		assert.Less(t, versions[i-1], versions[i])
	}
}

func TestCloseStopsTracking(t *testing.T) {
	path := writeTemp(t, "package main\n")
	n := &fakeNotifier{}
	m := New(n)
	ctx := context.Background()

	require.NoError(t, m.EnsureOpen(ctx, path))
	require.NoError(t, m.Close(ctx, path))
	assert.False(t, m.IsOpen(path))
	assert.Equal(t, 1, n.methodCount("textDocument/didClose"))

	// closing again is a no-op, not a second didClose
	require.NoError(t, m.Close(ctx, path))
	assert.Equal(t, 1, n.methodCount("textDocument/didClose"))
}

func TestCloseAll(t *testing.T) {
	a := writeTemp(t, "package a\n")
	b := writeTemp(t, "package b\n")
	n := &fakeNotifier{}
	m := New(n)
	ctx := context.Background()

	require.NoError(t, m.EnsureOpen(ctx, a))
	require.NoError(t, m.EnsureOpen(ctx, b))
	require.NoError(t, m.CloseAll(ctx))

	assert.False(t, m.IsOpen(a))
	assert.False(t, m.IsOpen(b))
	assert.Equal(t, 2, n.methodCount("textDocument/didClose"))
}
