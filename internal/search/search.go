// Package search is the query facade over the store's full-text index:
// normalization, ranked cross-session search with workspace grouping,
// session-id resolution and intra-session match localization.
package search

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
	"github.com/rarestg/codex-conversation-manager/internal/store"
)

// Result sort modes.
const (
	SortRelevance = "relevance"
	SortMatches   = "matches"
	SortRecent    = "recent"
)

// Group sort modes.
const (
	GroupSortLastSeen = "last_seen"
	GroupSortMatches  = "matches"
)

// UnknownWorkspaceLabel is the synthetic bin for sessions without a cwd.
const UnknownWorkspaceLabel = "Unknown workspace"

const defaultLimit = 50

// Searcher runs read-only queries against the store.
type Searcher struct {
	store *store.Store
}

// New creates a searcher over the given store.
func New(st *store.Store) *Searcher {
	return &Searcher{store: st}
}

// Options are the cross-session search inputs.
type Options struct {
	Query      string
	Workspace  string
	Limit      int
	ResultSort string
	GroupSort  string
	RequestID  string
}

// Hit is one matching session with its match aggregates.
type Hit struct {
	Path              string `json:"path"`
	SessionID         string `json:"sessionId,omitempty"`
	CWD               string `json:"cwd,omitempty"`
	Timestamp         string `json:"timestamp,omitempty"`
	FirstUserMessage  string `json:"firstUserMessage,omitempty"`
	StartedAt         string `json:"startedAt,omitempty"`
	EndedAt           string `json:"endedAt,omitempty"`
	TurnCount         int    `json:"turnCount"`
	MessageCount      int    `json:"messageCount"`
	MatchMessageCount int    `json:"matchMessageCount"`
	MatchTurnCount    int    `json:"matchTurnCount"`
	FirstMatchTurnID  int    `json:"firstMatchTurnId"`
	Snippet           string `json:"snippet"`

	rowID     int64
	bestScore float64
}

// Group bins hits by workspace.
type Group struct {
	CWD          string `json:"cwd"`
	Label        string `json:"label"`
	Sessions     []Hit  `json:"sessions"`
	MatchCount   int    `json:"matchCount"`
	SessionCount int    `json:"sessionCount"`
	LastSeen     string `json:"lastSeen,omitempty"`
}

// Result is the cross-session search output.
type Result struct {
	Groups    []Group  `json:"groups"`
	Tokens    []string `json:"tokens"`
	Truncated bool     `json:"truncated,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
}

// Search runs the ranked cross-session query and groups the rows by
// workspace. An unsearchable query returns empty groups without touching
// the store.
func (s *Searcher) Search(opts Options) (*Result, error) {
	normalized := Normalize(opts.Query)
	result := &Result{
		Groups:    []Group{},
		Tokens:    normalized.Tokens,
		Truncated: normalized.Truncated,
		RequestID: opts.RequestID,
	}
	if normalized.Query == "" {
		return result, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	queryStart := time.Now()
	hits, err := s.queryHits(normalized.Query, opts.Workspace, limit, opts.ResultSort)
	if err != nil {
		return nil, err
	}
	queryElapsed := time.Since(queryStart)

	groupStart := time.Now()
	groups, err := s.groupHits(hits, opts.GroupSort)
	if err != nil {
		return nil, err
	}
	result.Groups = groups

	L_debug("search: completed",
		"tokens", len(normalized.Tokens),
		"hits", len(hits),
		"groups", len(groups),
		"queryMs", queryElapsed.Milliseconds(),
		"groupMs", time.Since(groupStart).Milliseconds(),
	)
	return result, nil
}

// queryHits executes the two-stage ranking query: per-message FTS matches,
// per-session row numbering by ascending bm25, then per-session aggregation
// joined back to sessions.
func (s *Searcher) queryHits(ftsQuery, workspace string, limit int, resultSort string) ([]Hit, error) {
	workspaceFilter := ""
	args := []interface{}{ftsQuery}
	if workspace != "" {
		workspaceFilter = "AND s.cwd = ?"
		args = append(args, workspace)
	}
	args = append(args, limit)

	var orderBy string
	switch resultSort {
	case SortMatches:
		orderBy = `a.match_message_count DESC, a.match_turn_count DESC, s.timestamp DESC, s.id ASC`
	case SortRecent:
		orderBy = `s.timestamp DESC, a.best_score ASC, s.id ASC`
	default: // relevance
		orderBy = `a.best_score ASC, s.timestamp DESC, s.id ASC`
	}

	//nolint:gosec // G201: interpolations are internal literals, values parameterized
	query := fmt.Sprintf(`
		WITH matches AS (
			SELECT m.session_path AS session_path,
			       m.turn_id AS turn_id,
			       bm25(messages_fts) AS score,
			       snippet(messages_fts, 0, '[[', ']]', '…', 18) AS snip
			FROM messages_fts
			JOIN messages m ON m.id = messages_fts.rowid
			JOIN sessions s ON s.path = m.session_path
			WHERE messages_fts MATCH ?
			  AND m.turn_id > 0
			  %s
		),
		ranked AS (
			SELECT session_path, turn_id, score, snip,
			       ROW_NUMBER() OVER (
			           PARTITION BY session_path ORDER BY score ASC
			       ) AS rn
			FROM matches
		),
		aggregated AS (
			SELECT session_path,
			       COUNT(*) AS match_message_count,
			       COUNT(DISTINCT turn_id) AS match_turn_count,
			       COALESCE(
			           MIN(CASE WHEN rn = 1 AND turn_id > 0 THEN turn_id END),
			           MIN(CASE WHEN turn_id > 0 THEN turn_id END)
			       ) AS first_match_turn_id,
			       MIN(CASE WHEN rn = 1 THEN snip END) AS snip,
			       MIN(score) AS best_score
			FROM ranked
			GROUP BY session_path
		)
		SELECT s.id, s.path, s.session_id, s.cwd, s.timestamp,
		       s.first_user_message, s.started_at, s.ended_at,
		       s.turn_count, s.message_count,
		       a.match_message_count, a.match_turn_count,
		       a.first_match_turn_id, a.snip, a.best_score
		FROM aggregated a
		JOIN sessions s ON s.path = a.session_path
		ORDER BY %s
		LIMIT ?
	`, workspaceFilter, orderBy)

	rows, err := s.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var sessionID, cwd, timestamp, firstUser, startedAt, endedAt, snip sql.NullString
		var firstMatchTurn sql.NullInt64
		if err := rows.Scan(
			&h.rowID, &h.Path, &sessionID, &cwd, &timestamp,
			&firstUser, &startedAt, &endedAt,
			&h.TurnCount, &h.MessageCount,
			&h.MatchMessageCount, &h.MatchTurnCount,
			&firstMatchTurn, &snip, &h.bestScore,
		); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		h.SessionID = sessionID.String
		h.CWD = cwd.String
		h.Timestamp = timestamp.String
		h.FirstUserMessage = firstUser.String
		h.StartedAt = startedAt.String
		h.EndedAt = endedAt.String
		h.FirstMatchTurnID = int(firstMatchTurn.Int64)
		h.Snippet = snip.String
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// groupHits bins result rows by cwd, attaches workspace summaries for the
// workspaces present in the result set only, and orders the groups.
func (s *Searcher) groupHits(hits []Hit, groupSort string) ([]Group, error) {
	groups := []Group{}
	if len(hits) == 0 {
		return groups, nil
	}

	index := make(map[string]int)
	var cwds []string
	for _, h := range hits {
		i, ok := index[h.CWD]
		if !ok {
			i = len(groups)
			index[h.CWD] = i
			label := h.CWD
			if label == "" {
				label = UnknownWorkspaceLabel
			}
			groups = append(groups, Group{CWD: h.CWD, Label: label})
			if h.CWD != "" {
				cwds = append(cwds, h.CWD)
			}
		}
		groups[i].Sessions = append(groups[i].Sessions, h)
		groups[i].MatchCount += h.MatchMessageCount
		if h.Timestamp > groups[i].LastSeen {
			groups[i].LastSeen = h.Timestamp
		}
	}

	summaries, err := s.store.WorkspaceSummaries(cwds)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if summary, ok := summaries[groups[i].CWD]; ok {
			groups[i].SessionCount = summary.SessionCount
			// The stored last_seen is lifted over the group's own sessions.
			if summary.LastSeen > groups[i].LastSeen {
				groups[i].LastSeen = summary.LastSeen
			}
		} else {
			groups[i].SessionCount = len(groups[i].Sessions)
		}
	}

	switch groupSort {
	case GroupSortMatches:
		sort.SliceStable(groups, func(i, j int) bool {
			a, b := groups[i], groups[j]
			if a.MatchCount != b.MatchCount {
				return a.MatchCount > b.MatchCount
			}
			if a.LastSeen != b.LastSeen {
				return a.LastSeen > b.LastSeen
			}
			return a.CWD < b.CWD
		})
	default: // last_seen
		sort.SliceStable(groups, func(i, j int) bool {
			a, b := groups[i], groups[j]
			if a.LastSeen != b.LastSeen {
				return a.LastSeen > b.LastSeen
			}
			if a.SessionCount != b.SessionCount {
				return a.SessionCount > b.SessionCount
			}
			return a.CWD < b.CWD
		})
	}

	return groups, nil
}
