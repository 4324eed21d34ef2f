package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// Resolve maps a free-form reference (a session id, a full session path, or
// a path substring) to a canonical session id, or to the session path when
// the matched session has no id. Returns ok=false when no session matches;
// that is a soft null, not an error.
func (s *Searcher) Resolve(input, workspace string) (string, bool, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false, nil
	}

	pattern := "%" + escapeLike(input) + "%"

	workspaceFilter := ""
	args := []interface{}{input, input, pattern}
	if workspace != "" {
		workspaceFilter = "AND cwd = ?"
		args = append(args, workspace)
	}
	args = append(args, input, input)

	//nolint:gosec // G201: filter is an internal literal, values parameterized
	query := fmt.Sprintf(`
		SELECT COALESCE(NULLIF(session_id, ''), path)
		FROM sessions
		WHERE (session_id = ? OR path = ? OR path LIKE ? ESCAPE '\')
		  %s
		ORDER BY CASE
		             WHEN session_id = ? THEN 0
		             WHEN path = ? THEN 1
		             ELSE 2
		         END,
		         LENGTH(path) ASC,
		         path ASC
		LIMIT 1
	`, workspaceFilter)

	var id string
	err := s.store.DB().QueryRow(query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve session: %w", err)
	}
	return id, true, nil
}

// escapeLike escapes LIKE metacharacters in user input with backslash.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
