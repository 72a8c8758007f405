package workspace

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"switchyard/pkg/logx"
)

// reloadDebounce collapses the burst of events editors emit on save.
const reloadDebounce = 100 * time.Millisecond

// CatalogWatcher reloads a Catalog whenever its YAML file changes. A file
// that fails to parse leaves the catalog untouched.
type CatalogWatcher struct {
	watcher  *fsnotify.Watcher
	catalog  *Catalog
	path     string
	onReload func(*Catalog, error)
	logger   *logx.Logger
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// WatchCatalog starts watching path and applying changes to c. onReload,
// if set, is called after every reload attempt.
func WatchCatalog(c *Catalog, path string, onReload func(*Catalog, error)) (*CatalogWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory; editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	w := &CatalogWatcher{
		watcher:  watcher,
		catalog:  c,
		path:     path,
		onReload: onReload,
		logger:   logx.NewLogger("catalog-watch"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *CatalogWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
	<-w.done
}

func (w *CatalogWatcher) watchLoop() {
	defer close(w.done)

	target := filepath.Base(w.path)
	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-w.stopCh:
			debounce.Stop()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Catalog watcher error: %v", err)
		}
	}
}

func (w *CatalogWatcher) reload() {
	fresh, err := LoadCatalog(w.path)
	if err != nil {
		w.logger.Warn("Keeping previous catalog: %v", err)
	} else {
		w.catalog.Replace(fresh)
		w.logger.Info("Reloaded catalog %s (%d workspaces)", w.path, fresh.Len())
	}
	if w.onReload != nil {
		w.onReload(w.catalog, err)
	}
}
