// Package watcher detects filesystem changes made to open documents by
// something other than the Workspace Edit Applier — a formatter invoked
// outside this process, a build step, a second editor — and resyncs them
// into the Document Session Manager so the language server's view never
// silently goes stale. The Applier already resyncs after its own writes;
// this package covers everything else.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Syncer is the subset of *session.Manager this package needs.
type Syncer interface {
	SyncAfterEdit(ctx context.Context, filePath string) error
	IsOpen(filePath string) bool
}

// ignoredDirs are never descended into: version control metadata and the
// module cache generate a storm of writes a language server has no reason
// to hear about.
var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, ".hg": true, ".svn": true,
}

// Watcher watches a workspace directory tree and resyncs any tracked open
// document whose file changes underneath it.
type Watcher struct {
	fsw *fsnotify.Watcher
	log *logrus.Entry

	mu      sync.Mutex
	watched map[string]bool
}

// New creates a Watcher with no directories registered yet.
func New(log *logrus.Entry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Watcher{fsw: fsw, log: log, watched: make(map[string]bool)}, nil
}

// AddTree recursively registers root and every subdirectory under it
// (skipping ignoredDirs) with the underlying fsnotify watcher. It is safe to
// call more than once; already-watched directories are skipped.
func (w *Watcher) AddTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		w.mu.Lock()
		already := w.watched[path]
		w.watched[path] = true
		w.mu.Unlock()
		if already {
			return nil
		}
		return w.fsw.Add(path)
	})
}

// Run drains fsnotify events until ctx is cancelled. For every Write or
// Create event on a path the Syncer already has open, it calls
// SyncAfterEdit. New directories are registered as they appear so a
// directory created after Run started is still watched.
func (w *Watcher) Run(ctx context.Context, syncer Syncer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev, syncer)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watcher: fsnotify error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event, syncer Syncer) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.AddTree(ev.Name); err != nil {
				w.log.WithError(err).WithField("path", ev.Name).Warn("watcher: failed to watch new directory")
			}
			return
		}
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if !syncer.IsOpen(ev.Name) {
		return
	}
	if err := syncer.SyncAfterEdit(ctx, ev.Name); err != nil {
		w.log.WithError(err).WithField("path", ev.Name).Warn("watcher: resync after external change failed")
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
