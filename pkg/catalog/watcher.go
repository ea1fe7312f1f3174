package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay debounces bursts of file events into one reload.
const DefaultReloadDelay = 500 * time.Millisecond

// ReloadFunc receives the freshly loaded catalog and its report.
type ReloadFunc func(*Catalog, *Report)

// Watcher reloads the catalog when operation files change.
type Watcher struct {
	loader  *Loader
	root    string
	delay   time.Duration
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the capabilities directory root.
func NewWatcher(loader *Loader, root string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader: loader,
		root:   root,
		delay:  DefaultReloadDelay,
		logger: logger.With().Str("component", "catalog-watcher").Logger(),
	}
}

// Start watches root and every directory below it until ctx is done.
// Directories created later are added as they appear.
func (w *Watcher) Start(ctx context.Context, reload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.watcher = watcher

	if err := w.addTree(w.root); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}

	go w.processEvents(ctx, reload)
	w.logger.Info().Str("root", w.root).Msg("Watching operation catalog")
	return nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context, reload ReloadFunc) {
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		_ = w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Operation file changed")
			w.schedule(reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return strings.HasSuffix(event.Name, ".yaml")
}

func (w *Watcher) schedule(reload ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		cat, report, err := w.loader.LoadDir(w.root)
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to reload operation catalog")
			return
		}
		reload(cat, report)
	})
}
