package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yairfalse/cureiam/telemetry"
)

const reloadDebounce = 500 * time.Millisecond

// reloader watches the loaded config files and reloads the store when one
// changes. Parent directories are watched so editors that replace files by
// rename are noticed.
type reloader struct {
	watcher *fsnotify.Watcher
	store   *configStore
	files   []string
	logger  *telemetry.Logger
}

func newReloader(store *configStore, files []string) (*reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	var dirs, cleaned []string
	for _, f := range files {
		f = filepath.Clean(f)
		cleaned = append(cleaned, f)
		if dir := filepath.Dir(f); !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}

	return &reloader{
		watcher: watcher,
		store:   store,
		files:   cleaned,
		logger:  telemetry.NewLogger("config-watcher"),
	}, nil
}

// Run reloads on change until ctx is cancelled
func (r *reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if !r.relevant(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				_ = r.store.Reload()
			})

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (r *reloader) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	return slices.Contains(r.files, filepath.Clean(event.Name))
}
