package wsrshare

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher invokes a callback whenever a single file is written, created or
// replaced. The containing directory is watched rather than the file itself, so
// editors that save by rename are handled.
type FileWatcher struct {
	ShutdownHelper
	path     string
	watcher  *fsnotify.Watcher
	onChange func(path string)
}

// NewFileWatcher creates a FileWatcher for path. onChange is called from the
// watcher's goroutine.
func NewFileWatcher(logger Logger, path string, onChange func(path string)) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}
	w := &FileWatcher{
		path:     abs,
		watcher:  watcher,
		onChange: onChange,
	}
	w.InitShutdownHelper(logger.Fork("watch(%s)", filepath.Base(abs)), w)
	return w, nil
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (w *FileWatcher) HandleOnceShutdown(completionErr error) error {
	err := w.watcher.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Run delivers change notifications until ctx is done or the watcher fails, then
// shuts the watcher down and returns its completion status. Context cancellation
// is a normal exit.
func (w *FileWatcher) Run(ctx context.Context) error {
	err := w.DoOnceActivate(func() error { return nil }, true)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return w.Shutdown(nil)
		case <-w.ShutdownStartedChan():
			return w.WaitShutdown()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return w.Shutdown(nil)
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.DLogf("%s", ev)
			w.onChange(w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return w.Shutdown(nil)
			}
			return w.Shutdown(w.Errorf("watch failed: %s", err))
		}
	}
}
