package indexer

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
)

const watchDebounce = 250 * time.Millisecond

// Watch observes the sessions root and debounces filesystem changes into
// TriggerSync. Returns a stop function.
func (idx *Indexer) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := addWatchTree(watcher, idx.root); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		for {
			select {
			case <-done:
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				// New directories join the watch tree.
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = addWatchTree(watcher, event.Name)
						continue
					}
				}

				if event.Op&fsnotify.Remove == 0 && !strings.HasSuffix(event.Name, ".jsonl") {
					continue
				}

				L_trace("indexer: fs event", "op", event.Op.String(), "path", event.Name)
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(watchDebounce, idx.TriggerSync)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				L_warn("indexer: watch error", "error", err)
			}
		}
	}()

	L_info("indexer: watching", "root", idx.root)
	return func() { close(done) }, nil
}

func addWatchTree(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
}
