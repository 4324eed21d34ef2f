package parser

import (
	"encoding/json"
	"time"
)

// Role classifies a parsed message within a conversation.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleThought    Role = "thought"
	RoleToolCall   Role = "tool_call"
	RoleToolOutput Role = "tool_output"
	RoleMeta       Role = "meta"
)

// Message is one structured event emitted by the parser.
// TurnID is 0 for preamble events, 1..n for conversational turns.
type Message struct {
	TurnID    int
	Role      Role
	Timestamp time.Time // zero when the event carried no parseable timestamp
	Content   string
}

// Metrics holds per-session derived metrics.
type Metrics struct {
	StartedAt time.Time // zero when no event had a parseable timestamp
	EndedAt   time.Time

	TurnCount       int
	MessageCount    int
	ThoughtCount    int
	ToolCallCount   int
	MetaCount       int
	TokenCountCount int

	ActiveDurationMS  int64
	HasActiveDuration bool
}

// Session id extraction ranks. Higher wins; the filename is authoritative.
const (
	idRankNone        = 0
	idRankTurnContext = 1
	idRankSessionMeta = 2
	idRankFilename    = 3
)

// SessionInfo is the session-level metadata extracted from one file.
type SessionInfo struct {
	SessionID string // best-available canonical id, may be empty
	idRank    int

	CWD       string
	GitRepo   string
	GitBranch string
	GitCommit string

	Timestamp        time.Time // session_meta timestamp, zero if absent
	FirstUserMessage string
}

// Result is the parser output for one file.
type Result struct {
	Messages       []Message
	Info           SessionInfo
	Metrics        Metrics
	MalformedLines int
}

// rawRecord represents a single JSONL line in a Codex session file.
type rawRecord struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// gitInfo holds repository metadata carried by session_meta.
type gitInfo struct {
	RepositoryURL string `json:"repository_url"`
	Branch        string `json:"branch"`
	CommitHash    string `json:"commit_hash"`
}

// sessionMetaPayload holds metadata about a session.
type sessionMetaPayload struct {
	Timestamp string   `json:"timestamp"`
	CWD       string   `json:"cwd"`
	Git       *gitInfo `json:"git"`
}

// eventMsgPayload represents an event_msg payload; Type discriminates.
type eventMsgPayload struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`
}

// responseItemBase holds the response item type.
type responseItemBase struct {
	Type string `json:"type"`
}

// toolCallPayload represents a tool call request.
type toolCallPayload struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	CallID    string          `json:"call_id"`
}

// toolOutputPayload represents a tool call response.
type toolOutputPayload struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	Output json.RawMessage `json:"output,omitempty"`
}
