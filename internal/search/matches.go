package search

import (
	"fmt"
	"time"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
)

// SessionMatches is the intra-session match localization output.
type SessionMatches struct {
	Session   string   `json:"session"`
	Tokens    []string `json:"tokens"`
	TurnIDs   []int    `json:"turnIds"`
	RequestID string   `json:"requestId,omitempty"`
}

// Matches returns the distinct matching turn ids for one session, ascending.
// It excludes preamble (turn_id 0) with the same predicate as cross-session
// search, so the list stays aligned with the snippets shown there.
func (s *Searcher) Matches(sessionPath, rawQuery, requestID string) (*SessionMatches, error) {
	normalized := Normalize(rawQuery)
	result := &SessionMatches{
		Session:   sessionPath,
		Tokens:    normalized.Tokens,
		TurnIDs:   []int{},
		RequestID: requestID,
	}
	if normalized.Query == "" {
		return result, nil
	}

	start := time.Now()
	rows, err := s.store.DB().Query(`
		SELECT DISTINCT turn_id
		FROM messages_fts
		WHERE messages_fts MATCH ?
		  AND session_path = ?
		  AND turn_id > 0
		ORDER BY turn_id ASC
	`, normalized.Query, sessionPath)
	if err != nil {
		return nil, fmt.Errorf("session matches query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var turnID int
		if err := rows.Scan(&turnID); err != nil {
			return nil, fmt.Errorf("scan turn id: %w", err)
		}
		result.TurnIDs = append(result.TurnIDs, turnID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	L_trace("search: session matches",
		"session", sessionPath,
		"turns", len(result.TurnIDs),
		"elapsedMs", time.Since(start).Milliseconds(),
	)
	return result, nil
}
