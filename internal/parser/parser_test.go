package parser

import (
	"strings"
	"testing"
)

func parseLines(t *testing.T, name string, lines ...string) *Result {
	t.Helper()
	return Parse(strings.NewReader(strings.Join(lines, "\n")), name)
}

func TestTurnGroupingAndPreamble(t *testing.T) {
	result := parseLines(t, "s.jsonl",
		`{"type":"session_meta","payload":{"cwd":"/r","session_id":"SID"}}`,
		`{"type":"event_msg","payload":{"type":"user_message","message":"hello world"}}`,
		`{"type":"event_msg","payload":{"type":"agent_message","message":"hi"}}`,
	)

	if len(result.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result.Messages))
	}
	if result.Messages[0].Role != RoleMeta || result.Messages[0].TurnID != 0 {
		t.Errorf("expected preamble meta message, got role=%s turn=%d",
			result.Messages[0].Role, result.Messages[0].TurnID)
	}
	if result.Messages[1].Role != RoleUser || result.Messages[1].TurnID != 1 {
		t.Errorf("expected user message in turn 1, got role=%s turn=%d",
			result.Messages[1].Role, result.Messages[1].TurnID)
	}
	if result.Messages[2].Role != RoleAssistant || result.Messages[2].TurnID != 1 {
		t.Errorf("expected assistant message in turn 1, got role=%s turn=%d",
			result.Messages[2].Role, result.Messages[2].TurnID)
	}
	if result.Metrics.TurnCount != 1 {
		t.Errorf("expected turn_count 1, got %d", result.Metrics.TurnCount)
	}
	if result.Info.FirstUserMessage != "hello world" {
		t.Errorf("expected first user message %q, got %q", "hello world", result.Info.FirstUserMessage)
	}
	if result.Info.CWD != "/r" {
		t.Errorf("expected cwd /r, got %q", result.Info.CWD)
	}
	if result.Info.SessionID != "SID" {
		t.Errorf("expected embedded session id SID, got %q", result.Info.SessionID)
	}
}

func TestTurnIDsAreContiguous(t *testing.T) {
	result := parseLines(t, "s.jsonl",
		`{"type":"event_msg","payload":{"type":"agent_message","message":"early"}}`,
		`{"type":"event_msg","payload":{"type":"user_message","message":"one"}}`,
		`{"type":"event_msg","payload":{"type":"agent_reasoning","text":"think"}}`,
		`{"type":"event_msg","payload":{"type":"user_message","message":"two"}}`,
		`{"type":"event_msg","payload":{"type":"agent_message","message":"reply"}}`,
		`{"type":"event_msg","payload":{"type":"user_message","message":"three"}}`,
	)

	if result.Metrics.TurnCount != 3 {
		t.Fatalf("expected 3 turns, got %d", result.Metrics.TurnCount)
	}
	if result.Messages[0].TurnID != 0 {
		t.Errorf("pre-user message should be preamble, got turn %d", result.Messages[0].TurnID)
	}

	want := []int{0, 1, 1, 2, 2, 3}
	for i, m := range result.Messages {
		if m.TurnID != want[i] {
			t.Errorf("message %d: expected turn %d, got %d", i, want[i], m.TurnID)
		}
	}
}

func TestMessageOrderMatchesFileOrder(t *testing.T) {
	result := parseLines(t, "s.jsonl",
		`{"type":"event_msg","payload":{"type":"user_message","message":"a"}}`,
		`{"type":"event_msg","payload":{"type":"agent_message","message":"b"}}`,
		`{"type":"event_msg","payload":{"type":"agent_reasoning","text":"c"}}`,
		`{"type":"event_msg","payload":{"type":"agent_message","message":"d"}}`,
	)

	want := []string{"a", "b", "c", "d"}
	if len(result.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(result.Messages))
	}
	for i, m := range result.Messages {
		if m.Content != want[i] {
			t.Errorf("message %d: expected content %q, got %q", i, want[i], m.Content)
		}
	}
}

func TestActiveDuration(t *testing.T) {
	result := parseLines(t, "s.jsonl",
		`{"timestamp":"2025-01-01T00:00:00Z","type":"event_msg","payload":{"type":"user_message","message":"q1"}}`,
		`{"timestamp":"2025-01-01T00:00:02Z","type":"event_msg","payload":{"type":"agent_reasoning","text":"hmm"}}`,
		`{"timestamp":"2025-01-01T00:00:05Z","type":"event_msg","payload":{"type":"agent_message","message":"a1"}}`,
		`{"timestamp":"2025-01-01T00:00:10Z","type":"event_msg","payload":{"type":"user_message","message":"q2"}}`,
		`{"timestamp":"2025-01-01T00:00:13Z","type":"event_msg","payload":{"type":"agent_message","message":"a2"}}`,
	)

	if !result.Metrics.HasActiveDuration {
		t.Fatal("expected active duration to be present")
	}
	if result.Metrics.ActiveDurationMS != 8000 {
		t.Errorf("expected active duration 8000ms, got %d", result.Metrics.ActiveDurationMS)
	}
}

func TestActiveDurationAbsentWithoutActivity(t *testing.T) {
	result := parseLines(t, "s.jsonl",
		`{"timestamp":"2025-01-01T00:00:00Z","type":"event_msg","payload":{"type":"user_message","message":"q"}}`,
	)
	if result.Metrics.HasActiveDuration {
		t.Error("turn without assistant activity should not contribute an active duration")
	}
}

func TestMalformedLines(t *testing.T) {
	result := parseLines(t, "s.jsonl",
		`{"type":"event_msg","payload":{"type":"user_message","message":"ok"}}`,
		`{not json`,
		`{"type":"event_msg","payload":{"type":"agent_message","message":"fine"}}`,
	)

	if result.MalformedLines != 1 {
		t.Errorf("expected 1 malformed line, got %d", result.MalformedLines)
	}
	if len(result.Messages) != 2 {
		t.Errorf("expected 2 messages from valid lines, got %d", len(result.Messages))
	}
}

func TestEmptyAndBlankInput(t *testing.T) {
	result := Parse(strings.NewReader(""), "empty.jsonl")
	if len(result.Messages) != 0 || result.MalformedLines != 0 {
		t.Errorf("empty input should yield an empty result, got %d messages %d malformed",
			len(result.Messages), result.MalformedLines)
	}

	result = Parse(strings.NewReader("\n\n  \n"), "blank.jsonl")
	if len(result.Messages) != 0 || result.MalformedLines != 0 {
		t.Errorf("blank lines should be discarded silently, got %d messages %d malformed",
			len(result.Messages), result.MalformedLines)
	}
}

func TestTokenCountAndTurnAborted(t *testing.T) {
	result := parseLines(t, "s.jsonl",
		`{"type":"event_msg","payload":{"type":"user_message","message":"q"}}`,
		`{"type":"event_msg","payload":{"type":"token_count","info":{}}}`,
		`{"type":"event_msg","payload":{"type":"turn_aborted"}}`,
	)

	if result.Metrics.TokenCountCount != 1 {
		t.Errorf("expected token_count_count 1, got %d", result.Metrics.TokenCountCount)
	}
	// token_count and turn_aborted are not materialized as messages
	if len(result.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(result.Messages))
	}
}

func TestToolCallsJoinCurrentTurn(t *testing.T) {
	result := parseLines(t, "s.jsonl",
		`{"type":"event_msg","payload":{"type":"user_message","message":"run it"}}`,
		`{"type":"response_item","payload":{"type":"function_call","name":"shell","arguments":"{\"cmd\":\"ls\"}","call_id":"c1"}}`,
		`{"type":"response_item","payload":{"type":"function_call_output","call_id":"c1","output":"file.txt"}}`,
		`{"type":"custom_tool_call","name":"apply_patch","input":"patch body","call_id":"c2"}`,
	)

	if result.Metrics.ToolCallCount != 2 {
		t.Errorf("expected 2 tool calls, got %d", result.Metrics.ToolCallCount)
	}
	roles := []Role{RoleUser, RoleToolCall, RoleToolOutput, RoleToolCall}
	for i, m := range result.Messages {
		if m.Role != roles[i] {
			t.Errorf("message %d: expected role %s, got %s", i, roles[i], m.Role)
		}
		if m.TurnID != 1 {
			t.Errorf("message %d: tool entries belong to the current turn, got %d", i, m.TurnID)
		}
	}
	if got := result.Messages[2].Content; got != "file.txt" {
		t.Errorf("expected tool output content %q, got %q", "file.txt", got)
	}
}

func TestSessionMetaFirstOccurrenceWins(t *testing.T) {
	result := parseLines(t, "s.jsonl",
		`{"type":"session_meta","payload":{"cwd":"/new","git":{"branch":"main"}}}`,
		`{"type":"session_meta","payload":{"cwd":"/old","git":{"branch":"old","repository_url":"git@host:repo"}}}`,
	)

	if result.Info.CWD != "/new" {
		t.Errorf("older metadata must not overwrite newer: cwd = %q", result.Info.CWD)
	}
	if result.Info.GitBranch != "main" {
		t.Errorf("older metadata must not overwrite newer: branch = %q", result.Info.GitBranch)
	}
	if result.Info.GitRepo != "git@host:repo" {
		t.Errorf("later occurrences fill blank fields: repo = %q", result.Info.GitRepo)
	}
	if result.Metrics.MetaCount != 2 {
		t.Errorf("expected meta_count 2, got %d", result.Metrics.MetaCount)
	}
}

func TestFilenameIDOverridesEmbedded(t *testing.T) {
	result := parseLines(t, "2025-07-01T12-00-00-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee.jsonl",
		`{"type":"session_meta","payload":{"session_id":"SOMETHING_ELSE"}}`,
	)

	if result.Info.SessionID != "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee" {
		t.Errorf("filename uuid must win, got %q", result.Info.SessionID)
	}
}

func TestSessionIDRanking(t *testing.T) {
	// turn_context (rank 1) first, then session_meta (rank 2) must win.
	result := parseLines(t, "noid.jsonl",
		`{"type":"turn_context","payload":{"session_id":"from-turn-context"}}`,
		`{"type":"session_meta","payload":{"session_id":"from-session-meta"}}`,
	)
	if result.Info.SessionID != "from-session-meta" {
		t.Errorf("session_meta outranks turn_context, got %q", result.Info.SessionID)
	}

	// A later turn_context must not displace an earlier session_meta.
	result = parseLines(t, "noid.jsonl",
		`{"type":"session_meta","payload":{"session_id":"from-session-meta"}}`,
		`{"type":"turn_context","payload":{"session_id":"from-turn-context"}}`,
	)
	if result.Info.SessionID != "from-session-meta" {
		t.Errorf("lower rank must not override, got %q", result.Info.SessionID)
	}
}

func TestPreviewTruncation(t *testing.T) {
	long := strings.Repeat("x", 1500)
	result := parseLines(t, "s.jsonl",
		`{"type":"event_msg","payload":{"type":"user_message","message":"`+long+`"}}`,
	)
	if len(result.Info.FirstUserMessage) != 1000 {
		t.Errorf("preview should truncate to 1000 chars, got %d", len(result.Info.FirstUserMessage))
	}

	manyLines := strings.Repeat("line\\n", 80) + "end"
	result = parseLines(t, "s.jsonl",
		`{"type":"event_msg","payload":{"type":"user_message","message":"`+manyLines+`"}}`,
	)
	if got := strings.Count(result.Info.FirstUserMessage, "\n"); got > 49 {
		t.Errorf("preview should keep at most 50 lines, got %d newlines", got)
	}
}

func TestTimestampBounds(t *testing.T) {
	result := parseLines(t, "s.jsonl",
		`{"timestamp":"2025-03-02T10:00:00Z","type":"event_msg","payload":{"type":"user_message","message":"q"}}`,
		`{"timestamp":"not-a-time","type":"event_msg","payload":{"type":"agent_message","message":"a"}}`,
		`{"timestamp":"2025-03-02T09:00:00Z","type":"session_meta","payload":{}}`,
		`{"timestamp":"2025-03-02T11:30:00Z","type":"event_msg","payload":{"type":"agent_message","message":"b"}}`,
	)

	if got := result.Metrics.StartedAt.UTC().Format("15:04:05"); got != "09:00:00" {
		t.Errorf("started_at should be the minimum parseable timestamp, got %s", got)
	}
	if got := result.Metrics.EndedAt.UTC().Format("15:04:05"); got != "11:30:00" {
		t.Errorf("ended_at should be the maximum parseable timestamp, got %s", got)
	}
}
