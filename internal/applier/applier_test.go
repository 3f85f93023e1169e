package applier

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebridge-dev/codebridge/internal/protocol"
	"github.com/codebridge-dev/codebridge/internal/uri"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func rng(sl, sc, el, ec uint32) protocol.Range {
	return protocol.Range{Start: protocol.Position{Line: sl, Character: sc}, End: protocol.Position{Line: el, Character: ec}}
}

func TestApplySingleLineRename(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "a.ts", "const oldName = 42;\n")

	edit := protocol.WorkspaceEdit{Changes: map[protocol.DocumentUri][]protocol.TextEdit{
		uri.FromPath(path): {{Range: rng(0, 6, 0, 13), NewText: "newName"}},
	}}

	res, err := Apply(context.Background(), edit, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{path}, res.FilesModified)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "const newName = 42;\n", string(got))
}

func TestApplyMultiLineReplacement(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "b.txt", "line1\nline2\nline3")

	edit := protocol.WorkspaceEdit{Changes: map[protocol.DocumentUri][]protocol.TextEdit{
		uri.FromPath(path): {{Range: rng(0, 3, 2, 5), NewText: "XXX"}},
	}}

	res, err := Apply(context.Background(), edit, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Success)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "linXXX", string(got))
}

func TestApplyRejectsInvertedRange(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "c.go", "const x = 1;")
	original, _ := os.ReadFile(path)

	edit := protocol.WorkspaceEdit{Changes: map[protocol.DocumentUri][]protocol.TextEdit{
		uri.FromPath(path): {{Range: rng(0, 10, 0, 5), NewText: "y"}},
	}}

	res, err := Apply(context.Background(), edit, DefaultOptions())
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.ErrorContains(t, err, "Invalid range")
	assert.ErrorContains(t, err, "(0:10)")
	assert.ErrorContains(t, err, "(0:5)")

	after, _ := os.ReadFile(path)
	assert.Equal(t, original, after)
}

func TestApplyRollsBackOnSecondFileFailure(t *testing.T) {
	dir := t.TempDir()
	f1 := writeTemp(t, dir, "f1.go", "package f1\n")
	f2 := writeTemp(t, dir, "f2.go", "package f2\n")
	f1Orig, _ := os.ReadFile(f1)
	f2Orig, _ := os.ReadFile(f2)

	edit := protocol.WorkspaceEdit{Changes: map[protocol.DocumentUri][]protocol.TextEdit{
		uri.FromPath(f1): {{Range: rng(0, 0, 0, 7), NewText: "package"}},
		uri.FromPath(f2): {{Range: rng(5, 0, 5, 0), NewText: "bad"}}, // out of bounds
	}}

	res, err := Apply(context.Background(), edit, DefaultOptions())
	require.Error(t, err)
	assert.ErrorContains(t, err, f2)

	after1, _ := os.ReadFile(f1)
	after2, _ := os.ReadFile(f2)
	assert.Equal(t, f1Orig, after1)
	assert.Equal(t, f2Orig, after2)
	_ = res
}

func TestApplyPreservesSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on windows")
	}
	dir := t.TempDir()
	target := writeTemp(t, dir, "target.ts", "const oldName = 42;")
	link := filepath.Join(dir, "link.ts")
	require.NoError(t, os.Symlink("target.ts", link))

	edit := protocol.WorkspaceEdit{Changes: map[protocol.DocumentUri][]protocol.TextEdit{
		uri.FromPath(link): {{Range: rng(0, 6, 0, 13), NewText: "newName"}},
	}}

	res, err := Apply(context.Background(), edit, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Success)

	lst, err := os.Lstat(link)
	require.NoError(t, err)
	assert.True(t, lst.Mode()&os.ModeSymlink != 0)

	dest, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "target.ts", dest)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "const newName = 42;", string(got))
}

func TestApplyPreservesCRLF(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "crlf.txt", "one\r\ntwo\r\nthree")

	edit := protocol.WorkspaceEdit{Changes: map[protocol.DocumentUri][]protocol.TextEdit{
		uri.FromPath(path): {{Range: rng(1, 0, 1, 3), NewText: "TWO"}},
	}}

	res, err := Apply(context.Background(), edit, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Success)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\r\nTWO\r\nthree", string(got))
}

func TestApplyInsertionAtEqualStartEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "insert.txt", "ab")

	edit := protocol.WorkspaceEdit{Changes: map[protocol.DocumentUri][]protocol.TextEdit{
		uri.FromPath(path): {{Range: rng(0, 1, 0, 1), NewText: "X"}},
	}}

	res, err := Apply(context.Background(), edit, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Success)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "aXb", string(got))
}

func TestApplyRejectsAppendAtLineCount(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "append.txt", "only line")

	edit := protocol.WorkspaceEdit{Changes: map[protocol.DocumentUri][]protocol.TextEdit{
		uri.FromPath(path): {{Range: rng(1, 0, 1, 0), NewText: "new"}},
	}}

	res, err := Apply(context.Background(), edit, DefaultOptions())
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
}

func TestApplyWritesBackupFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "bak.txt", "hello")

	edit := protocol.WorkspaceEdit{Changes: map[protocol.DocumentUri][]protocol.TextEdit{
		uri.FromPath(path): {{Range: rng(0, 0, 0, 5), NewText: "world"}},
	}}

	res, err := Apply(context.Background(), edit, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.BackupFiles, 1)

	backup, err := os.ReadFile(res.BackupFiles[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(backup))
}
