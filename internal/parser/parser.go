// Package parser turns a single Codex JSONL session file into an ordered
// message stream with turn assignment, session metadata and metrics.
package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
)

const (
	maxLoggedMalformedLines = 3
	previewMaxChars         = 1000
	previewMaxLines         = 50
	maxLineSize             = 10 * 1024 * 1024
)

// scannerBufPool recycles buffers for bufio.Scanner to reduce allocations.
var scannerBufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 1024*1024)
	},
}

// ParseFile parses the session file at path. The returned Result is never
// nil; an unreadable file yields an error and an empty result.
func ParseFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Result{}, err
	}
	defer f.Close()
	return Parse(f, path), nil
}

// Parse consumes one file's byte stream as newline-delimited JSON records.
// It never fails: malformed lines are counted and skipped, and an empty or
// wholly malformed stream produces an empty result.
func Parse(r io.Reader, name string) *Result {
	p := &parseState{name: name}

	scanner := bufio.NewScanner(r)
	buf := scannerBufPool.Get().([]byte)
	defer scannerBufPool.Put(buf)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		p.processLine(line)
	}
	if err := scanner.Err(); err != nil {
		L_warn("parser: read aborted", "file", name, "error", err)
	}

	return p.finish()
}

// parseState accumulates per-file parse state.
type parseState struct {
	name string

	messages  []Message
	malformed int

	currentTurn int
	turnCount   int

	// Active-duration tracking for the open turn
	turnUserTS       time.Time
	turnLastActivity time.Time
	activeDurationMS int64
	hasActive        bool

	startedAt time.Time
	endedAt   time.Time

	thoughtCount    int
	toolCallCount   int
	metaCount       int
	tokenCountCount int

	info       SessionInfo
	filenameID string
}

func (p *parseState) processLine(line []byte) {
	var record rawRecord
	if err := json.Unmarshal(line, &record); err != nil {
		p.malformed++
		if p.malformed <= maxLoggedMalformedLines {
			L_warn("parser: malformed line", "file", p.name, "line", string(line))
		}
		return
	}

	ts := parseISOTimestamp(record.Timestamp)
	p.observeTimestamp(ts)

	switch record.Type {
	case "session_meta":
		p.handleSessionMeta(record.Payload, ts)

	case "turn_context":
		p.handleTurnContext(record.Payload, ts)

	case "event_msg":
		p.handleEventMsg(record.Payload, ts)

	case "response_item":
		var base responseItemBase
		if err := json.Unmarshal(record.Payload, &base); err != nil {
			return
		}
		p.handleResponseItem(base.Type, record.Payload, ts)

	case "function_call", "custom_tool_call", "web_search_call",
		"function_call_output", "custom_tool_call_output":
		// Bare entry without the response_item wrapper.
		p.handleResponseItem(record.Type, line, ts)
	}
}

func (p *parseState) handleSessionMeta(payload json.RawMessage, ts time.Time) {
	p.metaCount++

	var meta sessionMetaPayload
	if err := json.Unmarshal(payload, &meta); err == nil {
		// The first occurrence provides canonical values; later occurrences
		// (branch-ancestry appends) only fill fields the first left blank.
		if p.info.CWD == "" {
			p.info.CWD = meta.CWD
		}
		if meta.Git != nil {
			if p.info.GitRepo == "" {
				p.info.GitRepo = meta.Git.RepositoryURL
			}
			if p.info.GitBranch == "" {
				p.info.GitBranch = meta.Git.Branch
			}
			if p.info.GitCommit == "" {
				p.info.GitCommit = meta.Git.CommitHash
			}
		}
		if p.info.Timestamp.IsZero() {
			if mts := parseISOTimestamp(meta.Timestamp); !mts.IsZero() {
				p.info.Timestamp = mts
			}
		}
	}

	p.recordEmbeddedID(payload, idRankSessionMeta)
	p.emit(RoleMeta, ts, compactJSON(payload))
}

func (p *parseState) handleTurnContext(payload json.RawMessage, ts time.Time) {
	p.metaCount++
	p.recordEmbeddedID(payload, idRankTurnContext)
	p.emit(RoleMeta, ts, compactJSON(payload))
}

func (p *parseState) handleEventMsg(payload json.RawMessage, ts time.Time) {
	var event eventMsgPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return
	}

	body := event.Message
	if body == "" {
		body = event.Text
	}

	switch event.Type {
	case "user_message":
		p.closeTurn()
		p.currentTurn++
		p.turnCount++
		p.turnUserTS = ts
		p.turnLastActivity = time.Time{}
		if p.info.FirstUserMessage == "" {
			p.info.FirstUserMessage = buildPreview(body)
		}
		p.emit(RoleUser, ts, body)

	case "agent_message":
		p.markActivity(ts)
		p.emit(RoleAssistant, ts, body)

	case "agent_reasoning":
		p.thoughtCount++
		p.markActivity(ts)
		p.emit(RoleThought, ts, body)

	case "token_count":
		p.tokenCountCount++

	case "turn_aborted":
		// Silently skipped.
	}
}

func (p *parseState) handleResponseItem(itemType string, payload json.RawMessage, ts time.Time) {
	switch itemType {
	case "function_call", "custom_tool_call", "web_search_call":
		var call toolCallPayload
		if err := json.Unmarshal(payload, &call); err != nil {
			return
		}
		p.toolCallCount++
		p.markActivity(ts)
		p.emit(RoleToolCall, ts, toolCallContent(call))

	case "function_call_output", "custom_tool_call_output":
		var output toolOutputPayload
		if err := json.Unmarshal(payload, &output); err != nil {
			return
		}
		p.markActivity(ts)
		p.emit(RoleToolOutput, ts, rawToString(output.Output))
	}
}

// emit appends a message in file order under the current turn.
func (p *parseState) emit(role Role, ts time.Time, content string) {
	p.messages = append(p.messages, Message{
		TurnID:    p.currentTurn,
		Role:      role,
		Timestamp: ts,
		Content:   content,
	})
}

// markActivity records assistant-side activity for the open turn.
func (p *parseState) markActivity(ts time.Time) {
	if p.currentTurn == 0 || ts.IsZero() {
		return
	}
	if ts.After(p.turnLastActivity) {
		p.turnLastActivity = ts
	}
}

// closeTurn folds the open turn into the active-duration sum. Turns lacking
// either a user timestamp or any assistant activity contribute zero.
func (p *parseState) closeTurn() {
	if p.currentTurn == 0 {
		return
	}
	if p.turnUserTS.IsZero() || p.turnLastActivity.IsZero() {
		return
	}
	d := p.turnLastActivity.Sub(p.turnUserTS)
	if d < 0 {
		return
	}
	p.activeDurationMS += d.Milliseconds()
	p.hasActive = true
}

func (p *parseState) observeTimestamp(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if p.startedAt.IsZero() || ts.Before(p.startedAt) {
		p.startedAt = ts
	}
	if p.endedAt.IsZero() || ts.After(p.endedAt) {
		p.endedAt = ts
	}
}

// recordEmbeddedID probes the payload for a session id and retains the
// highest-rank extraction seen.
func (p *parseState) recordEmbeddedID(payload json.RawMessage, rank int) {
	if p.info.idRank >= rank {
		return
	}
	if id := ExtractEmbeddedID(payload); id != "" {
		p.info.SessionID = id
		p.info.idRank = rank
	}
}

func (p *parseState) finish() *Result {
	p.closeTurn()

	// The filename-derived id is authoritative; content-embedded ids are a
	// fallback. A mismatch is logged but never overrides the filename value.
	if p.filenameID == "" {
		p.filenameID = ExtractFilenameID(p.name)
	}
	if p.filenameID != "" {
		if p.info.SessionID != "" && !strings.EqualFold(p.info.SessionID, p.filenameID) {
			L_warn("parser: session id mismatch",
				"file", p.name,
				"filenameId", p.filenameID,
				"embeddedId", p.info.SessionID,
			)
		}
		p.info.SessionID = p.filenameID
		p.info.idRank = idRankFilename
	}

	metrics := Metrics{
		StartedAt:         p.startedAt,
		EndedAt:           p.endedAt,
		TurnCount:         p.turnCount,
		MessageCount:      len(p.messages),
		ThoughtCount:      p.thoughtCount,
		ToolCallCount:     p.toolCallCount,
		MetaCount:         p.metaCount,
		TokenCountCount:   p.tokenCountCount,
		ActiveDurationMS:  p.activeDurationMS,
		HasActiveDuration: p.hasActive,
	}

	return &Result{
		Messages:       p.messages,
		Info:           p.info,
		Metrics:        metrics,
		MalformedLines: p.malformed,
	}
}

// buildPreview trims the first user message and truncates it to the
// preview limits (1000 chars, 50 lines).
func buildPreview(body string) string {
	s := strings.TrimSpace(body)
	if s == "" {
		return ""
	}

	lines := strings.Split(s, "\n")
	if len(lines) > previewMaxLines {
		s = strings.Join(lines[:previewMaxLines], "\n")
	}

	runes := []rune(s)
	if len(runes) > previewMaxChars {
		s = string(runes[:previewMaxChars])
	}
	return s
}

// toolCallContent builds the searchable text for a tool call.
func toolCallContent(call toolCallPayload) string {
	input := rawToString(call.Arguments)
	if input == "" {
		input = rawToString(call.Input)
	}
	if call.Name == "" {
		return input
	}
	if input == "" {
		return call.Name
	}
	return call.Name + " " + input
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// isoTimestampLayouts are tried in order for event timestamps.
var isoTimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseISOTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range isoTimestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
