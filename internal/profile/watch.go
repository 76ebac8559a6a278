package profile

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/chaz8081/trumoto/internal/log"
)

// Watch reloads the catalog whenever its file changes on disk and calls
// onChange after each successful reload. It blocks until ctx is done.
//
// The parent directory is watched rather than the file because the
// catalog, like most editors, replaces the file by rename.
func (c *Catalog) Watch(ctx context.Context, logger log.Logger, onChange func(*Catalog)) error {
	if logger == nil {
		logger = log.Std().WithName("profile")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("profile: creating watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(c.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("profile: watching %s: %w", dir, err)
	}
	name := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := c.Reload(); err != nil {
				logger.Warn("profile reload failed", "path", c.path, "error", err)
				continue
			}
			logger.Debug("profiles reloaded", "path", c.path)
			if onChange != nil {
				onChange(c)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("profile watcher error", "error", err)
		}
	}
}
