package store

import (
	"database/sql"
	"fmt"
	"strings"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
)

// Session is one row of the sessions table.
type Session struct {
	ID               int64
	Path             string
	SessionID        string
	SessionIDChecked bool
	CWD              string
	GitRepo          string
	GitBranch        string
	GitCommit        string
	Timestamp        string
	FirstUserMessage string
	StartedAt        string
	EndedAt          string
	TurnCount        int
	MessageCount     int
	ThoughtCount     int
	ToolCallCount    int
	MetaCount        int
	TokenCountCount  int
	ActiveDurationMS *int64
}

// FileRecord is one row of the files table. Used solely for change
// detection; never exposed through the transport.
type FileRecord struct {
	Path        string
	Size        int64
	MtimeMS     int64
	ContentHash string
	IndexedAt   string
}

// MessageRow is one message to persist for a session.
type MessageRow struct {
	TurnID    int
	Role      string
	Timestamp string
	Content   string
}

// FileState is the pre-pass diff view of one indexed file.
type FileState struct {
	Size             int64
	MtimeMS          int64
	HasSession       bool
	SessionIDChecked bool
}

// Workspace summarizes the sessions sharing one cwd.
type Workspace struct {
	CWD          string `json:"cwd"`
	SessionCount int    `json:"sessionCount"`
	LastSeen     string `json:"lastSeen"`
}

// FileStates materializes the current files rows along with whether a
// matching session exists and whether its id extraction has been attempted.
func (s *Store) FileStates() (map[string]FileState, error) {
	rows, err := s.db.Query(`
		SELECT f.path, f.size, f.mtime,
		       s.path IS NOT NULL,
		       COALESCE(s.session_id_checked, 0)
		FROM files f
		LEFT JOIN sessions s ON s.path = f.path
	`)
	if err != nil {
		return nil, fmt.Errorf("query file states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]FileState)
	for rows.Next() {
		var path string
		var st FileState
		if err := rows.Scan(&path, &st.Size, &st.MtimeMS, &st.HasSession, &st.SessionIDChecked); err != nil {
			return nil, fmt.Errorf("scan file state: %w", err)
		}
		states[path] = st
	}
	return states, rows.Err()
}

// ReplaceSession atomically rewrites one session: delete the old messages,
// upsert the session row, insert the new messages in order, upsert the file
// row. A failure in any step aborts the transaction.
func (s *Store) ReplaceSession(sess *Session, messages []MessageRow, file *FileRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_path = ?`, sess.Path); err != nil {
		return fmt.Errorf("delete messages for %s: %w", sess.Path, err)
	}

	if err := upsertSession(tx, sess); err != nil {
		return err
	}

	insert, err := tx.Prepare(`
		INSERT INTO messages (session_path, turn_id, role, timestamp, content)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer insert.Close()

	for _, m := range messages {
		if _, err := insert.Exec(sess.Path, m.TurnID, m.Role, nullable(m.Timestamp), m.Content); err != nil {
			return fmt.Errorf("insert message for %s: %w", sess.Path, err)
		}
	}

	if err := upsertFile(tx, file); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", sess.Path, err)
	}
	return nil
}

func upsertSession(tx *sql.Tx, sess *Session) error {
	_, err := tx.Exec(`
		INSERT INTO sessions (
			path, session_id, session_id_checked, cwd,
			git_repo, git_branch, git_commit,
			timestamp, first_user_message, started_at, ended_at,
			turn_count, message_count, thought_count, tool_call_count,
			meta_count, token_count_count, active_duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			session_id = excluded.session_id,
			session_id_checked = excluded.session_id_checked,
			cwd = excluded.cwd,
			git_repo = excluded.git_repo,
			git_branch = excluded.git_branch,
			git_commit = excluded.git_commit,
			timestamp = excluded.timestamp,
			first_user_message = excluded.first_user_message,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			turn_count = excluded.turn_count,
			message_count = excluded.message_count,
			thought_count = excluded.thought_count,
			tool_call_count = excluded.tool_call_count,
			meta_count = excluded.meta_count,
			token_count_count = excluded.token_count_count,
			active_duration_ms = excluded.active_duration_ms
	`,
		sess.Path, nullable(sess.SessionID), sess.SessionIDChecked, nullable(sess.CWD),
		nullable(sess.GitRepo), nullable(sess.GitBranch), nullable(sess.GitCommit),
		nullable(sess.Timestamp), nullable(sess.FirstUserMessage),
		nullable(sess.StartedAt), nullable(sess.EndedAt),
		sess.TurnCount, sess.MessageCount, sess.ThoughtCount, sess.ToolCallCount,
		sess.MetaCount, sess.TokenCountCount, sess.ActiveDurationMS,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.Path, err)
	}
	return nil
}

func upsertFile(tx *sql.Tx, file *FileRecord) error {
	_, err := tx.Exec(`
		INSERT INTO files (path, size, mtime, content_hash, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			mtime = excluded.mtime,
			content_hash = excluded.content_hash,
			indexed_at = excluded.indexed_at
	`, file.Path, file.Size, file.MtimeMS, nullable(file.ContentHash), file.IndexedAt)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", file.Path, err)
	}
	return nil
}

// RemoveSession deletes one session's messages, session row and file row in
// a single transaction.
func (s *Store) RemoveSession(path string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_path = ?`, path); err != nil {
		return fmt.Errorf("delete messages for %s: %w", path, err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete session %s: %w", path, err)
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete file %s: %w", path, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit removal of %s: %w", path, err)
	}
	return nil
}

// MarkSessionIDChecked records the metadata-only fill: sets the session id
// when one was found and flags the session as checked. No message rewrite.
func (s *Store) MarkSessionIDChecked(path, sessionID string) error {
	var err error
	if sessionID != "" {
		_, err = s.db.Exec(
			`UPDATE sessions SET session_id = ?, session_id_checked = 1 WHERE path = ?`,
			sessionID, path,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE sessions SET session_id_checked = 1 WHERE path = ?`,
			path,
		)
	}
	if err != nil {
		return fmt.Errorf("mark session id checked %s: %w", path, err)
	}
	return nil
}

const sessionSelectColumns = `
	id, path, session_id, session_id_checked, cwd,
	git_repo, git_branch, git_commit,
	timestamp, first_user_message, started_at, ended_at,
	turn_count, message_count, thought_count, tool_call_count,
	meta_count, token_count_count, active_duration_ms
`

// ListSessions returns session summaries, optionally filtered by workspace,
// newest first.
func (s *Store) ListSessions(cwd string) ([]Session, error) {
	query := `SELECT` + sessionSelectColumns + `FROM sessions`
	var args []interface{}
	if cwd != "" {
		query += ` WHERE cwd = ?`
		args = append(args, cwd)
	}
	query += ` ORDER BY timestamp DESC, path DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession returns one session by path, or nil when absent.
func (s *Store) GetSession(path string) (*Session, error) {
	rows, err := s.db.Query(`SELECT`+sessionSelectColumns+`FROM sessions WHERE path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", path, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	sess, err := scanSession(rows)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanSession(rows *sql.Rows) (Session, error) {
	var sess Session
	var sessionID, cwd, gitRepo, gitBranch, gitCommit sql.NullString
	var timestamp, firstUser, startedAt, endedAt sql.NullString
	var activeDuration sql.NullInt64

	err := rows.Scan(
		&sess.ID, &sess.Path, &sessionID, &sess.SessionIDChecked, &cwd,
		&gitRepo, &gitBranch, &gitCommit,
		&timestamp, &firstUser, &startedAt, &endedAt,
		&sess.TurnCount, &sess.MessageCount, &sess.ThoughtCount, &sess.ToolCallCount,
		&sess.MetaCount, &sess.TokenCountCount, &activeDuration,
	)
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}

	sess.SessionID = sessionID.String
	sess.CWD = cwd.String
	sess.GitRepo = gitRepo.String
	sess.GitBranch = gitBranch.String
	sess.GitCommit = gitCommit.String
	sess.Timestamp = timestamp.String
	sess.FirstUserMessage = firstUser.String
	sess.StartedAt = startedAt.String
	sess.EndedAt = endedAt.String
	if activeDuration.Valid {
		v := activeDuration.Int64
		sess.ActiveDurationMS = &v
	}
	return sess, nil
}

// ListWorkspaces aggregates sessions per workspace. sort is "last_seen" or
// "session_count".
func (s *Store) ListWorkspaces(sort string) ([]Workspace, error) {
	order := `last_seen DESC, session_count DESC, cwd ASC`
	if sort == "session_count" {
		order = `session_count DESC, last_seen DESC, cwd ASC`
	}

	//nolint:gosec // G201: order is one of two internal literals
	query := fmt.Sprintf(`
		SELECT COALESCE(cwd, '') AS cwd,
		       COUNT(*) AS session_count,
		       COALESCE(MAX(timestamp), '') AS last_seen
		FROM sessions
		GROUP BY COALESCE(cwd, '')
		ORDER BY %s
	`, order)

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.CWD, &w.SessionCount, &w.LastSeen); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

// WorkspaceSummaries aggregates only the named workspaces, keyed by cwd.
// The search grouper uses this to avoid a full-corpus scan.
func (s *Store) WorkspaceSummaries(cwds []string) (map[string]Workspace, error) {
	summaries := make(map[string]Workspace)
	if len(cwds) == 0 {
		return summaries, nil
	}

	placeholders := make([]string, len(cwds))
	args := make([]interface{}, len(cwds))
	for i, c := range cwds {
		placeholders[i] = "?"
		args[i] = c
	}

	//nolint:gosec // G201: placeholders only, values parameterized
	query := fmt.Sprintf(`
		SELECT COALESCE(cwd, '') AS cwd,
		       COUNT(*) AS session_count,
		       COALESCE(MAX(timestamp), '') AS last_seen
		FROM sessions
		WHERE COALESCE(cwd, '') IN (%s)
		GROUP BY COALESCE(cwd, '')
	`, strings.Join(placeholders, ","))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workspace summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.CWD, &w.SessionCount, &w.LastSeen); err != nil {
			return nil, fmt.Errorf("scan workspace summary: %w", err)
		}
		summaries[w.CWD] = w
	}
	return summaries, rows.Err()
}

// Counts returns row counts for diagnostics.
func (s *Store) Counts() (sessions, messages int, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sessions); err != nil {
		return 0, 0, fmt.Errorf("count sessions: %w", err)
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&messages); err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	L_trace("store: counts", "sessions", sessions, "messages", messages)
	return sessions, messages, nil
}

// nullable converts "" to NULL for optional text columns.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
