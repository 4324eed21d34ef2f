package indexer

import (
	"time"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
)

// Start begins the background indexer goroutine, syncing every interval
// and whenever TriggerSync fires.
func (idx *Indexer) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	L_info("indexer: starting", "root", idx.root, "interval", interval.String())

	idx.wg.Add(1)
	go idx.loop(interval)
}

// Stop stops the indexer gracefully.
func (idx *Indexer) Stop() {
	L_info("indexer: stopping")
	close(idx.stopChan)
	idx.wg.Wait()
	L_debug("indexer: stopped")
}

// TriggerSync requests a sync (non-blocking).
func (idx *Indexer) TriggerSync() {
	select {
	case idx.syncChan <- struct{}{}:
		L_trace("indexer: sync triggered")
	default:
		// Already a sync pending
	}
}

// IsSyncing returns true if a run is in progress.
func (idx *Indexer) IsSyncing() bool {
	return idx.syncing.Load()
}

// LastRun returns the completion time and summary of the most recent run.
func (idx *Indexer) LastRun() (time.Time, Summary) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lastRun, idx.lastSummary
}

// loop is the main indexer goroutine.
func (idx *Indexer) loop(interval time.Duration) {
	defer idx.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial sync shortly after startup
	time.AfterFunc(time.Second, func() {
		idx.TriggerSync()
	})

	for {
		select {
		case <-idx.stopChan:
			L_debug("indexer: received stop signal")
			return

		case <-ticker.C:
			idx.runSync()

		case <-idx.syncChan:
			idx.runSync()
		}
	}
}

// runSync performs one guarded index run.
func (idx *Indexer) runSync() {
	if !idx.syncing.CompareAndSwap(false, true) {
		L_trace("indexer: sync already in progress")
		return
	}
	defer idx.syncing.Store(false)

	if _, err := idx.Reindex(); err != nil {
		L_error("indexer: sync failed", "error", err)
	}
}
