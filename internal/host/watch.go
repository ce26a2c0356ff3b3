package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nugget/mcpdesk/internal/events"
)

// debounceTimeout collapses the burst of events an editor save or a
// bundle unpack produces into one reload.
const debounceTimeout = 500 * time.Millisecond

// Watch calls onChange after the servers file or the bundle directory
// changes, once per burst of changes. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, onChange func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			r.logger.Warn("failed to close file watcher", "error", err)
		}
	}()

	serversFile := filepath.Clean(r.opts.ServersFile)
	bundleDir := filepath.Clean(r.opts.BundleDir)

	// Editors replace files by rename, so watch the directory and filter.
	if r.opts.ServersFile != "" {
		if err := watcher.Add(filepath.Dir(serversFile)); err != nil {
			return fmt.Errorf("watch %s: %w", serversFile, err)
		}
	}
	if r.opts.BundleDir != "" {
		r.addBundleDirs(watcher, bundleDir)
	}

	relevant := func(name string) bool {
		name = filepath.Clean(name)
		if r.opts.ServersFile != "" && name == serversFile {
			return true
		}
		return r.opts.BundleDir != "" && (name == bundleDir || isWithin(bundleDir, name))
	}

	timer := time.NewTimer(debounceTimeout)
	timer.Stop()
	defer timer.Stop()
	var changed string

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) && filepath.Dir(filepath.Clean(event.Name)) == bundleDir {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						r.logger.Warn("failed to watch bundle", "path", event.Name, "error", err)
					}
				}
			}
			r.logger.Debug("config change", "path", event.Name, "op", event.Op.String())
			changed = event.Name
			timer.Reset(debounceTimeout)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", "error", err)

		case <-timer.C:
			r.logger.Info("MCP configuration changed", "path", changed)
			r.opts.Bus.Emit(events.SourceHost, events.KindReload, map[string]any{"path": changed})
			if onChange != nil {
				onChange(changed)
			}
		}
	}
}

// addBundleDirs watches the bundle directory and each bundle in it. A
// missing directory is not an error; there is nothing to watch yet.
func (r *Registry) addBundleDirs(watcher *fsnotify.Watcher, dir string) {
	if err := watcher.Add(dir); err != nil {
		r.logger.Debug("bundle directory not watched", "path", dir, "error", err)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := watcher.Add(filepath.Join(dir, e.Name())); err != nil {
			r.logger.Warn("failed to watch bundle", "path", e.Name(), "error", err)
		}
	}
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !filepath.IsAbs(rel) && !startsWithParent(rel)
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
