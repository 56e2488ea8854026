package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/felixgeelhaar/cadence/internal/domain/install"
	"github.com/felixgeelhaar/cadence/internal/ports"
)

// sideloadDebounce is how long a dropped file must sit unchanged before the
// watcher imports it. Copies into the directory arrive as a burst of write
// events; importing mid-copy would read a truncated archive.
const sideloadDebounce = 2 * time.Second

// sideloadWatcher watches a drop directory for package archives and imports
// them through the service. Imported files are consumed; rejected ones stay
// in place so the user can inspect them.
type sideloadWatcher struct {
	dir      string
	service  *Service
	logger   ports.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func newSideloadWatcher(dir string, service *Service, logger ports.Logger) *sideloadWatcher {
	return &sideloadWatcher{
		dir:      dir,
		service:  service,
		logger:   logger.With(ports.F("component", "sideload")),
		debounce: sideloadDebounce,
		timers:   make(map[string]*time.Timer),
	}
}

// Start creates the drop directory, begins watching it, and sweeps up any
// archives dropped while the subsystem was not running.
func (w *sideloadWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go w.run()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isPackageFile(entry.Name()) {
			continue
		}
		w.schedule(filepath.Join(w.dir, entry.Name()))
	}

	w.logger.Info(context.Background(), "sideload watcher started", ports.F("dir", w.dir))
	return nil
}

// Stop halts the watcher and cancels pending imports. Safe to call when
// Start never ran.
func (w *sideloadWatcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	if w.watcher != nil {
		w.watcher.Close()
	}
}

func (w *sideloadWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(context.Background(), "sideload watcher error", ports.Err(err))
		}
	}
}

func (w *sideloadWatcher) handleEvent(event fsnotify.Event) {
	// Chmod fires when files are merely opened or browsed.
	if event.Op == fsnotify.Chmod {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if !isPackageFile(event.Name) {
		return
	}
	if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
		return
	}
	w.schedule(event.Name)
}

// schedule arms the per-file debounce timer, resetting it when the file is
// still being written.
func (w *sideloadWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		w.importFile(path)
	})
}

func (w *sideloadWatcher) importFile(path string) {
	ctx := context.Background()

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn(ctx, "sideload file unreadable",
			ports.F("path", path),
			ports.Err(err))
		return
	}

	id, opID, err := w.service.ImportPackage(ctx, data)
	if err != nil {
		w.logger.Warn(ctx, "sideload import rejected",
			ports.F("path", path),
			ports.Err(err))
		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn(ctx, "could not remove imported sideload file",
			ports.F("path", path),
			ports.Err(err))
	}
	w.logger.Info(ctx, "sideloaded package imported",
		ports.F("id", id),
		ports.F("operation", opID))
}

func isPackageFile(path string) bool {
	return strings.HasSuffix(path, install.ArtifactExt)
}
