// Package service exposes the core operations consumed by the transport
// and the CLI: tree, raw session bytes, reindex, search, resolution,
// match localization and workspace listing.
package service

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rarestg/codex-conversation-manager/internal/indexer"
	"github.com/rarestg/codex-conversation-manager/internal/search"
	"github.com/rarestg/codex-conversation-manager/internal/store"
	"github.com/rarestg/codex-conversation-manager/internal/tree"
)

// Service composes the core components behind the §6 operation surface.
type Service struct {
	store    *store.Store
	indexer  *indexer.Indexer
	searcher *search.Searcher
	root     string
}

// New creates the operation surface over the given components.
func New(st *store.Store, idx *indexer.Indexer, searcher *search.Searcher) *Service {
	return &Service{
		store:    st,
		indexer:  idx,
		searcher: searcher,
		root:     idx.Root(),
	}
}

// SessionTree returns the year/month/day browse tree, optionally filtered
// by workspace.
func (s *Service) SessionTree(workspace string) ([]tree.Year, error) {
	sessions, err := s.store.ListSessions(workspace)
	if err != nil {
		return nil, AsError(err)
	}
	return tree.Build(sessions), nil
}

// SessionRaw returns the raw bytes of one session file after path
// validation.
func (s *Service) SessionRaw(rel string) ([]byte, error) {
	abs, serr := s.safeSessionPath(rel)
	if serr != nil {
		return nil, serr
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, newError(KindNotFound, "session not found: %s", rel)
		case errors.Is(err, os.ErrPermission):
			return nil, newError(KindForbidden, "session not readable: %s", rel)
		default:
			return nil, AsError(err)
		}
	}
	return data, nil
}

// safeSessionPath validates a root-relative session path and resolves it
// under the sessions root. Traversal, absolute paths and NUL are rejected.
func (s *Service) safeSessionPath(rel string) (string, *Error) {
	if rel == "" {
		return "", newError(KindInvalidPath, "empty path")
	}
	if strings.ContainsRune(rel, 0) {
		return "", newError(KindInvalidPath, "path contains NUL")
	}
	native := filepath.FromSlash(rel)
	if filepath.IsAbs(native) || strings.HasPrefix(rel, "/") {
		return "", newError(KindInvalidPath, "absolute path not allowed")
	}
	for _, segment := range strings.Split(rel, "/") {
		if segment == ".." {
			return "", newError(KindInvalidPath, "path traversal not allowed")
		}
	}

	root := filepath.Clean(s.root)
	resolved := filepath.Clean(filepath.Join(root, native))
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", newError(KindInvalidPath, "path escapes sessions root")
	}
	return resolved, nil
}

// Reindex walks the root and converges the index.
func (s *Service) Reindex() (*indexer.Summary, error) {
	summary, err := s.indexer.Reindex()
	if err != nil {
		if errors.Is(err, indexer.ErrRootMissing) {
			return nil, newError(KindRootMissing, "sessions root does not exist: %s", s.root)
		}
		return nil, AsError(err)
	}
	return summary, nil
}

// ResetAndReindex drops the index and rebuilds it.
func (s *Service) ResetAndReindex() (*indexer.Summary, error) {
	summary, err := s.indexer.ResetAndReindex()
	if err != nil {
		if errors.Is(err, indexer.ErrRootMissing) {
			return nil, newError(KindRootMissing, "sessions root does not exist: %s", s.root)
		}
		return nil, AsError(err)
	}
	return summary, nil
}

// Search runs ranked cross-session search with workspace grouping.
func (s *Service) Search(opts search.Options) (*search.Result, error) {
	result, err := s.searcher.Search(opts)
	if err != nil {
		return nil, AsError(err)
	}
	return result, nil
}

// ResolveResult carries a resolved session id.
type ResolveResult struct {
	ID string `json:"id"`
}

// ResolveSession maps a free-form reference to a session id. A miss is a
// soft nil, not an error.
func (s *Service) ResolveSession(input, workspace string) (*ResolveResult, error) {
	id, ok, err := s.searcher.Resolve(input, workspace)
	if err != nil {
		return nil, AsError(err)
	}
	if !ok {
		return nil, nil
	}
	return &ResolveResult{ID: id}, nil
}

// SessionMatches returns the matching turn ids within one session.
func (s *Service) SessionMatches(session, query, requestID string) (*search.SessionMatches, error) {
	matches, err := s.searcher.Matches(session, query, requestID)
	if err != nil {
		return nil, AsError(err)
	}
	return matches, nil
}

// Workspaces lists workspace summaries. sort is "last_seen" or
// "session_count".
func (s *Service) Workspaces(sort string) ([]store.Workspace, error) {
	workspaces, err := s.store.ListWorkspaces(sort)
	if err != nil {
		return nil, AsError(err)
	}
	return workspaces, nil
}
