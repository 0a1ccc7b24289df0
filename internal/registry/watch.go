package registry

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/moltbunker/escrowd/internal/logging"
)

// Watch reloads the registry whenever its file is written or replaced, until
// ctx is done. A file that fails to parse is logged and the previous state is
// kept. onReload, if set, is called after every successful reload.
func (r *Registry) Watch(ctx context.Context, onReload func()) error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic replacements (write tmp + rename) are seen.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(r.path), err)
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				logging.Warn("registry reload failed, keeping previous state",
					logging.Component("registry"),
					"path", r.path,
					logging.Err(err))
				continue
			}
			if onReload != nil {
				onReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("registry watcher error", logging.Component("registry"), logging.Err(err))
		}
	}
}
