// Package applier implements the Workspace Edit Applier: it takes a
// WorkspaceEdit naming one or more files, validates every edit against the
// file it targets, and commits all of them to disk with all-or-nothing
// semantics. A symbolic link named in the edit is never replaced; the write
// lands on its resolved target so the link keeps pointing where it did
// before.
//
// The backup/rollback shape here (collect an in-memory snapshot of every
// file touched before mutating it, restore every snapshot on the first
// failure) mirrors the apply-then-rollback pattern of a Kubernetes
// server-side-apply client: plan every change up front, apply, and on any
// failure walk the plan backward undoing what already landed.
package applier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/codebridge-dev/codebridge/internal/bridgeerr"
	"github.com/codebridge-dev/codebridge/internal/protocol"
	"github.com/codebridge-dev/codebridge/internal/uri"
)

// Resyncer is the subset of *session.Manager the Applier calls after a
// successful write, so the language server's view of a file never drifts
// from what just landed on disk. Nil means skip resync.
type Resyncer interface {
	SyncAfterEdit(ctx context.Context, filePath string) error
}

// Options controls one Apply call. The zero value is not valid; use
// DefaultOptions and override from there.
type Options struct {
	// Validate rejects out-of-bounds or inverted ranges instead of
	// applying them. Defaults to true.
	Validate bool
	// CreateBackups writes a sibling "<path>.bak" for every file touched,
	// in addition to the in-memory rollback this package always performs.
	// Defaults to true.
	CreateBackups bool
	// Resync, if set, is called with the requested path (not the resolved
	// symlink target) after each file is written successfully.
	Resync Resyncer
}

// DefaultOptions returns the documented defaults: validate ranges, write
// .bak siblings, no LSP resync.
func DefaultOptions() Options {
	return Options{Validate: true, CreateBackups: true}
}

// Result is returned on both success and failure. On failure, FilesModified
// and BackupFiles are always empty: nothing is left in a partially-applied
// state.
type Result struct {
	Success       bool
	FilesModified []string
	BackupFiles   []string
}

var tmpCounter atomic.Uint64

// backup is the in-memory snapshot taken before a file's first mutation in
// one Apply call.
type backup struct {
	requestedPath string
	targetPath    string
	originalBytes []byte
	mode          os.FileMode
	bakPath       string // "" if no .bak was written for this file
}

// Apply validates and commits edit to disk. It never partially applies: on
// any failure every file already written in this call is restored to its
// pre-Apply bytes before Apply returns.
func Apply(ctx context.Context, edit protocol.WorkspaceEdit, opts Options) (*Result, error) {
	paths, err := preflight(edit)
	if err != nil {
		return &Result{Success: false}, err
	}

	order := make([]string, 0, len(paths))
	for requestedPath := range paths {
		order = append(order, requestedPath)
	}
	sort.Strings(order)

	var backups []backup
	var filesModified []string

	fail := func(err error) (*Result, error) {
		rollback(backups)
		return &Result{Success: false}, err
	}

	for _, requestedPath := range order {
		target := paths[requestedPath]
		edits := edit.Changes[uri.FromPath(requestedPath)]

		info, statErr := os.Stat(target)
		if statErr != nil {
			return fail(bridgeerr.New(bridgeerr.KindIO, "applier", "stat "+target, statErr))
		}
		originalBytes, readErr := os.ReadFile(target)
		if readErr != nil {
			return fail(bridgeerr.New(bridgeerr.KindIO, "applier", "read "+target, readErr))
		}

		bk := backup{requestedPath: requestedPath, targetPath: target, originalBytes: originalBytes, mode: info.Mode()}
		if opts.CreateBackups {
			bakPath := target + ".bak"
			if err := os.WriteFile(bakPath, originalBytes, info.Mode()); err != nil {
				return fail(bridgeerr.New(bridgeerr.KindIO, "applier", "write backup for "+target, err))
			}
			bk.bakPath = bakPath
		}
		backups = append(backups, bk)

		newBytes, applyErr := applyEditsToContent(requestedPath, originalBytes, edits, opts.Validate)
		if applyErr != nil {
			return fail(applyErr)
		}

		if err := atomicWrite(target, newBytes, info.Mode()); err != nil {
			return fail(bridgeerr.New(bridgeerr.KindIO, "applier", "write "+target, err))
		}
		filesModified = append(filesModified, requestedPath)

		if opts.Resync != nil {
			if err := opts.Resync.SyncAfterEdit(ctx, requestedPath); err != nil {
				logrus.WithError(err).WithField("path", requestedPath).Warn("applier: resync after edit failed")
			}
		}
	}

	backupFiles := make([]string, 0, len(backups))
	for _, bk := range backups {
		if bk.bakPath != "" {
			backupFiles = append(backupFiles, bk.bakPath)
		}
	}
	return &Result{Success: true, FilesModified: filesModified, BackupFiles: backupFiles}, nil
}

// preflight resolves every URI in edit to a filesystem path and, for
// symlinks, to the regular file the link resolves to. It rejects anything
// that isn't ultimately a readable regular file before any file is touched.
func preflight(edit protocol.WorkspaceEdit) (map[string]string, error) {
	targets := make(map[string]string, len(edit.Changes))
	for docURI := range edit.Changes {
		requestedPath, err := uri.ToPath(docURI)
		if err != nil {
			return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "applier", "decode uri "+string(docURI), err)
		}

		lst, err := os.Lstat(requestedPath)
		if err != nil {
			return nil, bridgeerr.New(bridgeerr.KindIO, "applier", "stat "+requestedPath, err)
		}

		target := requestedPath
		if lst.Mode()&os.ModeSymlink != 0 {
			resolved, err := resolveSymlink(requestedPath)
			if err != nil {
				return nil, bridgeerr.New(bridgeerr.KindIO, "applier", "resolve symlink "+requestedPath, err)
			}
			info, err := os.Stat(resolved)
			if err != nil {
				return nil, bridgeerr.New(bridgeerr.KindIO, "applier", "stat symlink target "+resolved, err)
			}
			if !info.Mode().IsRegular() {
				return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "applier", requestedPath+" resolves to a non-regular file", nil)
			}
			target = resolved
		} else if !lst.Mode().IsRegular() {
			return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "applier", requestedPath+" is not a regular file", nil)
		}

		f, err := os.Open(target)
		if err != nil {
			return nil, bridgeerr.New(bridgeerr.KindIO, "applier", "open "+target+" for read", err)
		}
		f.Close()

		targets[requestedPath] = target
	}
	return targets, nil
}

// resolveSymlink follows exactly one level of symlink (the supported case is
// a symlink to a regular file, not a chain), resolving a relative link
// target against the link's own directory.
func resolveSymlink(linkPath string) (string, error) {
	dest, err := os.Readlink(linkPath)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(dest) {
		return dest, nil
	}
	return filepath.Join(filepath.Dir(linkPath), dest), nil
}

// rollback restores every backup's original bytes to its target path, most
// recently touched first. Individual failures are logged, not returned:
// every backup gets its restore attempt regardless of earlier ones failing.
// Any on-disk ".bak" file created during the aborted apply is also removed.
func rollback(backups []backup) {
	for i := len(backups) - 1; i >= 0; i-- {
		bk := backups[i]
		if err := atomicWrite(bk.targetPath, bk.originalBytes, bk.mode); err != nil {
			logrus.WithError(err).WithField("path", bk.targetPath).Error("applier: rollback failed to restore file")
		}
		if bk.bakPath != "" {
			if err := os.Remove(bk.bakPath); err != nil && !os.IsNotExist(err) {
				logrus.WithError(err).WithField("path", bk.bakPath).Warn("applier: failed to remove backup file during rollback")
			}
		}
	}
}

// atomicWrite writes data to a temp file in target's directory and renames
// it over target, so the directory entry for target is replaced atomically
// and never briefly points at an empty or partial file. The temp file is
// colocated deliberately: a system temp directory can live on a different
// filesystem, and rename across a mount point fails.
func atomicWrite(target string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(target)
	tmpName := fmt.Sprintf(".codebridge-%d-%d-%s.tmp", os.Getpid(), tmpCounter.Add(1), uuid.NewString())
	tmpPath := filepath.Join(dir, tmpName)

	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// applyEditsToContent applies edits (in descending start-position order) to
// original, detecting and preserving the file's line-ending style, and
// returns the resulting bytes.
func applyEditsToContent(path string, original []byte, edits []protocol.TextEdit, validate bool) ([]byte, error) {
	text := string(original)
	ending := "\n"
	if strings.Contains(text, "\r\n") {
		ending = "\r\n"
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	sorted := make([]protocol.TextEdit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Range.Start, sorted[j].Range.Start
		if a.Line != b.Line {
			return a.Line > b.Line
		}
		return a.Character > b.Character
	})

	for _, edit := range sorted {
		var err error
		lines, err = applyOneEdit(path, lines, edit, validate)
		if err != nil {
			return nil, err
		}
	}

	return []byte(strings.Join(lines, ending)), nil
}

func applyOneEdit(path string, lines []string, edit protocol.TextEdit, validate bool) ([]string, error) {
	start, end := edit.Range.Start, edit.Range.End
	lineCount := uint32(len(lines))

	// Clamp out-of-range lines even with validation disabled: "don't
	// validate" means accept a caller's sloppy range, not crash the process.
	if !validate {
		if lineCount == 0 {
			lines = []string{""}
			lineCount = 1
		}
		if start.Line >= lineCount {
			start.Line = lineCount - 1
		}
		if end.Line >= lineCount {
			end.Line = lineCount - 1
		}
		if end.Line < start.Line {
			end.Line = start.Line
		}
	}

	if validate {
		if end.Line < start.Line || (end.Line == start.Line && end.Character < start.Character) {
			return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "applier",
				fmt.Sprintf("Invalid range in %s: start (%d:%d) is after end (%d:%d)", path, start.Line, start.Character, end.Line, end.Character), nil)
		}
		if start.Line >= lineCount || end.Line >= lineCount {
			return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "applier",
				fmt.Sprintf("Invalid range in %s: line %d is out of bounds for a %d-line file", path, end.Line, lineCount), nil)
		}
		startUnits := utf16.Encode([]rune(lines[start.Line]))
		if start.Character > uint32(len(startUnits)) {
			return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "applier",
				fmt.Sprintf("Invalid range in %s: start character %d exceeds line %d length", path, start.Character, start.Line), nil)
		}
		endUnits := utf16.Encode([]rune(lines[end.Line]))
		if end.Character > uint32(len(endUnits)) {
			return nil, bridgeerr.New(bridgeerr.KindInvalidParams, "applier",
				fmt.Sprintf("Invalid range in %s: end character %d exceeds line %d length", path, end.Character, end.Line), nil)
		}
	}

	startUnits := utf16.Encode([]rune(lines[start.Line]))
	endUnits := utf16.Encode([]rune(lines[end.Line]))
	if int(start.Character) > len(startUnits) {
		start.Character = uint32(len(startUnits))
	}
	if int(end.Character) > len(endUnits) {
		end.Character = uint32(len(endUnits))
	}

	prefix := utf16.Decode(startUnits[:start.Character])
	suffix := utf16.Decode(endUnits[end.Character:])
	merged := string(prefix) + edit.NewText + string(suffix)

	replacement := strings.Split(merged, "\n")
	out := make([]string, 0, len(lines)-int(end.Line-start.Line)-1+len(replacement))
	out = append(out, lines[:start.Line]...)
	out = append(out, replacement...)
	out = append(out, lines[end.Line+1:]...)
	return out, nil
}
