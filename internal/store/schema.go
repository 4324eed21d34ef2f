package store

import (
	"database/sql"
	"fmt"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
)

const schemaVersion = 2

// sessionColumns is the declared column set of the sessions table. The
// bootstrap additively applies any column missing from an existing database;
// no destructive migration is ever performed implicitly.
var sessionColumns = []struct {
	name string
	ddl  string
}{
	{"session_id", "session_id TEXT"},
	{"session_id_checked", "session_id_checked INTEGER NOT NULL DEFAULT 0"},
	{"cwd", "cwd TEXT"},
	{"git_repo", "git_repo TEXT"},
	{"git_branch", "git_branch TEXT"},
	{"git_commit", "git_commit TEXT"},
	{"timestamp", "timestamp TEXT"},
	{"first_user_message", "first_user_message TEXT"},
	{"started_at", "started_at TEXT"},
	{"ended_at", "ended_at TEXT"},
	{"turn_count", "turn_count INTEGER NOT NULL DEFAULT 0"},
	{"message_count", "message_count INTEGER NOT NULL DEFAULT 0"},
	{"thought_count", "thought_count INTEGER NOT NULL DEFAULT 0"},
	{"tool_call_count", "tool_call_count INTEGER NOT NULL DEFAULT 0"},
	{"meta_count", "meta_count INTEGER NOT NULL DEFAULT 0"},
	{"token_count_count", "token_count_count INTEGER NOT NULL DEFAULT 0"},
	{"active_duration_ms", "active_duration_ms INTEGER"},
}

// initSchema applies the idempotent schema bootstrap: create tables if
// missing, recreate the FTS triggers, then additively fill any sessions
// columns an older database lacks.
func initSchema(db *sql.DB) error {
	L_debug("store: initializing schema")

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			session_id TEXT,
			session_id_checked INTEGER NOT NULL DEFAULT 0,
			cwd TEXT,
			git_repo TEXT,
			git_branch TEXT,
			git_commit TEXT,
			timestamp TEXT,
			first_user_message TEXT,
			started_at TEXT,
			ended_at TEXT,
			turn_count INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			thought_count INTEGER NOT NULL DEFAULT 0,
			tool_call_count INTEGER NOT NULL DEFAULT 0,
			meta_count INTEGER NOT NULL DEFAULT 0,
			token_count_count INTEGER NOT NULL DEFAULT 0,
			active_duration_ms INTEGER
		)
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			mtime INTEGER NOT NULL,
			content_hash TEXT,
			indexed_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create files table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_path TEXT NOT NULL REFERENCES sessions(path) ON DELETE CASCADE,
			turn_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			timestamp TEXT,
			content TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}

	ftsExisted, err := tableExists(db, "messages_fts")
	if err != nil {
		return err
	}

	// FTS5 shadow of messages, indexed on content only. The Porter stemmer
	// backs ranked search; the remaining columns ride along for filtering
	// and snippet emission.
	if _, err := db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
			content,
			session_path UNINDEXED,
			turn_id UNINDEXED,
			role UNINDEXED,
			content='messages',
			content_rowid='id',
			tokenize='porter unicode61'
		)
	`); err != nil {
		return fmt.Errorf("create messages_fts table: %w", err)
	}

	// Drop and recreate triggers so trigger bodies stay synchronized with
	// the schema.
	for _, name := range []string{"messages_ai", "messages_ad", "messages_au"} {
		if _, err := db.Exec("DROP TRIGGER IF EXISTS " + name); err != nil {
			return fmt.Errorf("drop trigger %s: %w", name, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TRIGGER messages_ai AFTER INSERT ON messages BEGIN
			INSERT INTO messages_fts(rowid, content, session_path, turn_id, role)
			VALUES (NEW.id, NEW.content, NEW.session_path, NEW.turn_id, NEW.role);
		END
	`); err != nil {
		return fmt.Errorf("create insert trigger: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TRIGGER messages_ad AFTER DELETE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content, session_path, turn_id, role)
			VALUES ('delete', OLD.id, OLD.content, OLD.session_path, OLD.turn_id, OLD.role);
		END
	`); err != nil {
		return fmt.Errorf("create delete trigger: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TRIGGER messages_au AFTER UPDATE ON messages BEGIN
			INSERT INTO messages_fts(messages_fts, rowid, content, session_path, turn_id, role)
			VALUES ('delete', OLD.id, OLD.content, OLD.session_path, OLD.turn_id, OLD.role);
			INSERT INTO messages_fts(rowid, content, session_path, turn_id, role)
			VALUES (NEW.id, NEW.content, NEW.session_path, NEW.turn_id, NEW.role);
		END
	`); err != nil {
		return fmt.Errorf("create update trigger: %w", err)
	}

	// A shadow created after messages already holds rows must be rebuilt
	// from the content table.
	if !ftsExisted {
		var messageCount int
		if err := db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&messageCount); err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		if messageCount > 0 {
			if _, err := db.Exec(`INSERT INTO messages_fts(messages_fts) VALUES('rebuild')`); err != nil {
				return fmt.Errorf("rebuild messages_fts: %w", err)
			}
			L_info("store: rebuilt full-text shadow", "messages", messageCount)
		}
	}

	if err := applyMissingSessionColumns(db); err != nil {
		return err
	}

	for _, ddl := range []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_path)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_turn ON messages(session_path, turn_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_timestamp ON sessions(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_cwd ON sessions(cwd)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_session_id ON sessions(session_id)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := db.Exec(`
		INSERT INTO schema_version (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version
	`, schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	L_debug("store: schema ready", "version", schemaVersion)
	return nil
}

// applyMissingSessionColumns additively adds any declared sessions column
// missing from an existing database.
func applyMissingSessionColumns(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(sessions)`)
	if err != nil {
		return fmt.Errorf("read sessions columns: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan column info: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate columns: %w", err)
	}

	for _, col := range sessionColumns {
		if existing[col.name] {
			continue
		}
		if _, err := db.Exec("ALTER TABLE sessions ADD COLUMN " + col.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
		L_info("store: added missing column", "column", col.name)
	}
	return nil
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?`,
		name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return count > 0, nil
}

// dropAll removes every application object. Used by Reset only; never called
// implicitly.
func dropAll(db *sql.DB) error {
	for _, ddl := range []string{
		`DROP TRIGGER IF EXISTS messages_ai`,
		`DROP TRIGGER IF EXISTS messages_ad`,
		`DROP TRIGGER IF EXISTS messages_au`,
		`DROP TABLE IF EXISTS messages_fts`,
		`DROP TABLE IF EXISTS messages`,
		`DROP TABLE IF EXISTS files`,
		`DROP TABLE IF EXISTS sessions`,
		`DROP TABLE IF EXISTS schema_version`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return nil
}
