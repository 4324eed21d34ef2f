// Package indexer converges the sessions root and the persisted index:
// walk, diff, reparse, metadata fills and removals, plus the background
// sync loop.
package indexer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
	"github.com/rarestg/codex-conversation-manager/internal/parser"
	"github.com/rarestg/codex-conversation-manager/internal/store"
)

// ErrRootMissing reports that the configured sessions root does not exist.
var ErrRootMissing = errors.New("sessions root does not exist")

// Summary holds the counts of one index run.
type Summary struct {
	Scanned         int `json:"scanned"`
	Updated         int `json:"updated"`
	Removed         int `json:"removed"`
	MessageCount    int `json:"messageCount"`
	Skipped         int `json:"skipped"`
	MetadataChecked int `json:"metadataChecked"`
}

// Indexer orchestrates index runs against one store and one sessions root.
type Indexer struct {
	store *store.Store
	root  string

	syncing  atomic.Bool
	stopChan chan struct{}
	syncChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex

	// Stats
	lastRun     time.Time
	lastSummary Summary
}

// New creates an indexer over the given store and sessions root.
func New(st *store.Store, root string) *Indexer {
	return &Indexer{
		store:    st,
		root:     root,
		stopChan: make(chan struct{}),
		syncChan: make(chan struct{}, 1),
	}
}

// Root returns the sessions root this indexer walks.
func (idx *Indexer) Root() string {
	return idx.root
}

// walkEntry is one .jsonl file observed during the walk.
type walkEntry struct {
	absPath string
	relPath string // forward slashes; the session path
	size    int64
	mtimeMS int64
}

// Reindex walks the root, diffs against the store, and converges the index.
// An error on a single file aborts that file's write but not the walk.
func (idx *Indexer) Reindex() (*Summary, error) {
	start := time.Now()

	if info, err := os.Stat(idx.root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootMissing, idx.root)
	}

	entries, err := idx.walk()
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", idx.root, err)
	}

	states, err := idx.store.FileStates()
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	seen := make(map[string]bool, len(entries))

	for _, entry := range entries {
		summary.Scanned++
		seen[entry.relPath] = true

		state, known := states[entry.relPath]
		unchanged := known && state.Size == entry.size && state.MtimeMS == entry.mtimeMS

		switch {
		case unchanged && state.HasSession && state.SessionIDChecked:
			summary.Skipped++

		case unchanged && state.HasSession:
			if err := idx.fillSessionID(entry); err != nil {
				L_error("indexer: metadata fill failed", "file", entry.relPath, "error", err)
				continue
			}
			summary.MetadataChecked++

		default:
			count, err := idx.reparse(entry)
			if err != nil {
				L_error("indexer: reparse failed", "file", entry.relPath, "error", err)
				continue
			}
			summary.Updated++
			summary.MessageCount += count
		}
	}

	// Files present in the store but absent from the walk are removed.
	for path := range states {
		if seen[path] {
			continue
		}
		if err := idx.store.RemoveSession(path); err != nil {
			L_error("indexer: removal failed", "file", path, "error", err)
			continue
		}
		summary.Removed++
	}

	idx.mu.Lock()
	idx.lastRun = time.Now()
	idx.lastSummary = *summary
	idx.mu.Unlock()

	L_elapsed(start, "indexer: run completed",
		"scanned", summary.Scanned,
		"updated", summary.Updated,
		"removed", summary.Removed,
		"skipped", summary.Skipped,
		"metadataChecked", summary.MetadataChecked,
		"messages", summary.MessageCount,
	)
	return summary, nil
}

// ResetAndReindex drops the whole index and rebuilds it from the root.
func (idx *Indexer) ResetAndReindex() (*Summary, error) {
	if info, err := os.Stat(idx.root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootMissing, idx.root)
	}
	if err := idx.store.Reset(); err != nil {
		return nil, err
	}
	return idx.Reindex()
}

// walk enumerates the root depth-first, one entry per regular .jsonl file.
func (idx *Indexer) walk() ([]walkEntry, error) {
	var entries []walkEntry
	err := filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			L_warn("indexer: walk error", "path", path, "error", err)
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			L_warn("indexer: stat failed", "path", path, "error", err)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(idx.root, path)
		if err != nil {
			return nil
		}
		entries = append(entries, walkEntry{
			absPath: path,
			relPath: filepath.ToSlash(rel),
			size:    info.Size(),
			mtimeMS: info.ModTime().UnixMilli(),
		})
		return nil
	})
	return entries, err
}

// reparse runs the parser on one file and atomically replaces its session,
// messages and file row. Returns the number of messages written.
func (idx *Indexer) reparse(entry walkEntry) (int, error) {
	data, err := os.ReadFile(entry.absPath)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", entry.absPath, err)
	}

	result := parser.Parse(bytes.NewReader(data), entry.relPath)
	if result.MalformedLines > 0 {
		L_debug("indexer: parse warnings", "file", entry.relPath, "malformedLines", result.MalformedLines)
	}

	sess := sessionFromResult(entry, result)
	messages := make([]store.MessageRow, len(result.Messages))
	for i, m := range result.Messages {
		messages[i] = store.MessageRow{
			TurnID:    m.TurnID,
			Role:      string(m.Role),
			Timestamp: formatTime(m.Timestamp),
			Content:   m.Content,
		}
	}

	file := &store.FileRecord{
		Path:        entry.relPath,
		Size:        entry.size,
		MtimeMS:     entry.mtimeMS,
		ContentHash: fmt.Sprintf("%016x", xxhash.Sum64(data)),
		IndexedAt:   formatTime(time.Now()),
	}

	if err := idx.store.ReplaceSession(sess, messages, file); err != nil {
		return 0, err
	}
	return len(messages), nil
}

func sessionFromResult(entry walkEntry, result *parser.Result) *store.Session {
	// The file-derived timestamp backfills a session_meta timestamp the
	// file never carried.
	ts := result.Info.Timestamp
	if ts.IsZero() {
		if fts, ok := parser.FilenameTimestamp(entry.relPath); ok {
			ts = fts
		}
	}

	sess := &store.Session{
		Path:             entry.relPath,
		SessionID:        result.Info.SessionID,
		SessionIDChecked: true,
		CWD:              result.Info.CWD,
		GitRepo:          result.Info.GitRepo,
		GitBranch:        result.Info.GitBranch,
		GitCommit:        result.Info.GitCommit,
		Timestamp:        formatTime(ts),
		FirstUserMessage: result.Info.FirstUserMessage,
		StartedAt:        formatTime(result.Metrics.StartedAt),
		EndedAt:          formatTime(result.Metrics.EndedAt),
		TurnCount:        result.Metrics.TurnCount,
		MessageCount:     result.Metrics.MessageCount,
		ThoughtCount:     result.Metrics.ThoughtCount,
		ToolCallCount:    result.Metrics.ToolCallCount,
		MetaCount:        result.Metrics.MetaCount,
		TokenCountCount:  result.Metrics.TokenCountCount,
	}
	if result.Metrics.HasActiveDuration {
		v := result.Metrics.ActiveDurationMS
		sess.ActiveDurationMS = &v
	}
	return sess
}

// fillSessionID performs the metadata-only branch: the filename is tried
// first, then only session_meta/turn_context lines are read until one
// yields an id. Messages are not rewritten.
func (idx *Indexer) fillSessionID(entry walkEntry) error {
	id := parser.ExtractFilenameID(entry.relPath)
	if id == "" {
		var err error
		id, err = scanEmbeddedID(entry.absPath)
		if err != nil {
			return err
		}
	}
	L_debug("indexer: metadata fill", "file", entry.relPath, "sessionId", id)
	return idx.store.MarkSessionIDChecked(entry.relPath, id)
}

// scanEmbeddedID reads a file's session_meta and turn_context lines until
// one yields a session id.
func scanEmbeddedID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	type metaLine struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record metaLine
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		if record.Type != "session_meta" && record.Type != "turn_context" {
			continue
		}
		if id := parser.ExtractEmbeddedID(record.Payload); id != "" {
			return id, nil
		}
	}
	return "", scanner.Err()
}

// formatTime renders a timestamp as fixed-width UTC ISO text so that the
// stored column orders lexically. Zero times map to "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
