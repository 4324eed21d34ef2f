package search

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rarestg/codex-conversation-manager/internal/store"
)

func setupSearcher(t *testing.T) (*Searcher, *store.Store, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "ccm_search_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	st, err := store.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open store: %v", err)
	}

	cleanup := func() {
		st.Close()
		os.RemoveAll(dir)
	}
	return New(st), st, cleanup
}

func seedSession(t *testing.T, st *store.Store, path, cwd, timestamp string, messages []store.MessageRow) {
	t.Helper()
	sess := &store.Session{
		Path:             path,
		SessionIDChecked: true,
		CWD:              cwd,
		Timestamp:        timestamp,
		TurnCount:        3,
		MessageCount:     len(messages),
	}
	file := &store.FileRecord{
		Path:      path,
		Size:      1,
		MtimeMS:   1,
		IndexedAt: timestamp,
	}
	if err := st.ReplaceSession(sess, messages, file); err != nil {
		t.Fatalf("seed %s failed: %v", path, err)
	}
}

func TestEmptyQueryReturnsNoGroupsWithoutStoreCall(t *testing.T) {
	searcher, _, cleanup := setupSearcher(t)
	defer cleanup()

	result, err := searcher.Search(Options{Query: "   "})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(result.Groups) != 0 {
		t.Errorf("expected no groups, got %d", len(result.Groups))
	}
	if len(result.Tokens) != 0 {
		t.Errorf("expected no tokens, got %v", result.Tokens)
	}
}

func TestPreambleMatchesAreExcluded(t *testing.T) {
	searcher, st, cleanup := setupSearcher(t)
	defer cleanup()

	seedSession(t, st, "a.jsonl", "/w", "2025-01-01T00:00:00.000Z", []store.MessageRow{
		{TurnID: 0, Role: "meta", Content: "needle in the preamble"},
	})

	result, err := searcher.Search(Options{Query: "needle"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(result.Groups) != 0 {
		t.Errorf("preamble-only matches must yield zero groups, got %d", len(result.Groups))
	}
}

func TestRelevanceTieBreaksBySessionRowID(t *testing.T) {
	searcher, st, cleanup := setupSearcher(t)
	defer cleanup()

	// Identical timestamps and identical content give identical bm25 scores.
	ts := "2025-01-01T00:00:00.000Z"
	seedSession(t, st, "first.jsonl", "/w", ts, []store.MessageRow{
		{TurnID: 1, Role: "user", Content: "needle alpha"},
	})
	seedSession(t, st, "second.jsonl", "/w", ts, []store.MessageRow{
		{TurnID: 1, Role: "user", Content: "needle alpha"},
	})

	result, err := searcher.Search(Options{Query: "needle", ResultSort: SortRelevance})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	sessions := flattenSessions(result)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(sessions))
	}
	if sessions[0].Path != "first.jsonl" || sessions[1].Path != "second.jsonl" {
		t.Errorf("tied rows must order by ascending session row id, got %s then %s",
			sessions[0].Path, sessions[1].Path)
	}
}

func TestUnknownWorkspaceGroup(t *testing.T) {
	searcher, st, cleanup := setupSearcher(t)
	defer cleanup()

	seedSession(t, st, "a.jsonl", "", "2025-01-01T00:00:00.000Z", []store.MessageRow{
		{TurnID: 1, Role: "user", Content: "needle here"},
	})

	result, err := searcher.Search(Options{Query: "needle"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(result.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(result.Groups))
	}
	if result.Groups[0].Label != UnknownWorkspaceLabel {
		t.Errorf("empty cwd belongs to the synthetic bin, got %q", result.Groups[0].Label)
	}
}

func TestResultSortOrders(t *testing.T) {
	searcher, st, cleanup := setupSearcher(t)
	defer cleanup()

	// X: 5 matching messages across 3 turns, older timestamp.
	seedSession(t, st, "x.jsonl", "/w", "2025-01-01T00:00:00.000Z", []store.MessageRow{
		{TurnID: 1, Role: "user", Content: "foo one"},
		{TurnID: 1, Role: "assistant", Content: "foo two"},
		{TurnID: 2, Role: "user", Content: "foo three"},
		{TurnID: 2, Role: "assistant", Content: "foo four"},
		{TurnID: 3, Role: "user", Content: "foo five"},
	})
	// Y: 2 matching messages across 2 turns, newer timestamp.
	seedSession(t, st, "y.jsonl", "/w", "2025-06-01T00:00:00.000Z", []store.MessageRow{
		{TurnID: 1, Role: "user", Content: "foo alpha"},
		{TurnID: 2, Role: "user", Content: "foo beta"},
	})

	result, err := searcher.Search(Options{Query: "foo", ResultSort: SortMatches})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	sessions := flattenSessions(result)
	if sessions[0].Path != "x.jsonl" {
		t.Errorf("matches sort: expected x.jsonl first, got %s", sessions[0].Path)
	}
	if sessions[0].MatchMessageCount != 5 || sessions[0].MatchTurnCount != 3 {
		t.Errorf("expected 5 matches over 3 turns, got %d/%d",
			sessions[0].MatchMessageCount, sessions[0].MatchTurnCount)
	}

	result, err = searcher.Search(Options{Query: "foo", ResultSort: SortRecent})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	sessions = flattenSessions(result)
	if sessions[0].Path != "y.jsonl" {
		t.Errorf("recent sort: expected y.jsonl first, got %s", sessions[0].Path)
	}
}

func TestSnippetCarriesHighlightDelimiters(t *testing.T) {
	searcher, st, cleanup := setupSearcher(t)
	defer cleanup()

	seedSession(t, st, "a.jsonl", "/w", "2025-01-01T00:00:00.000Z", []store.MessageRow{
		{TurnID: 1, Role: "user", Content: "please find the needle in this haystack"},
	})

	result, err := searcher.Search(Options{Query: "needle"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	sessions := flattenSessions(result)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(sessions))
	}
	snippet := sessions[0].Snippet
	if !contains(snippet, "[[needle]]") {
		t.Errorf("snippet must wrap matches in [[ ]], got %q", snippet)
	}
}

func TestWorkspaceFilter(t *testing.T) {
	searcher, st, cleanup := setupSearcher(t)
	defer cleanup()

	seedSession(t, st, "a.jsonl", "/w/one", "2025-01-01T00:00:00.000Z", []store.MessageRow{
		{TurnID: 1, Role: "user", Content: "needle one"},
	})
	seedSession(t, st, "b.jsonl", "/w/two", "2025-01-01T00:00:00.000Z", []store.MessageRow{
		{TurnID: 1, Role: "user", Content: "needle two"},
	})

	result, err := searcher.Search(Options{Query: "needle", Workspace: "/w/one"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	sessions := flattenSessions(result)
	if len(sessions) != 1 || sessions[0].Path != "a.jsonl" {
		t.Errorf("workspace filter should keep only /w/one, got %+v", sessions)
	}
}

func TestSessionMatchesDistinctAscending(t *testing.T) {
	searcher, st, cleanup := setupSearcher(t)
	defer cleanup()

	seedSession(t, st, "a.jsonl", "/w", "2025-01-01T00:00:00.000Z", []store.MessageRow{
		{TurnID: 1, Role: "user", Content: "needle"},
		{TurnID: 3, Role: "assistant", Content: "needle"},
		{TurnID: 5, Role: "tool_call", Content: "needle"},
		{TurnID: 5, Role: "tool_output", Content: "needle"},
		{TurnID: 7, Role: "user", Content: "needle"},
		{TurnID: 0, Role: "meta", Content: "needle in preamble"},
	})

	matches, err := searcher.Matches("a.jsonl", "needle", "req-1")
	if err != nil {
		t.Fatalf("Matches failed: %v", err)
	}
	want := []int{1, 3, 5, 7}
	if len(matches.TurnIDs) != len(want) {
		t.Fatalf("expected %v, got %v", want, matches.TurnIDs)
	}
	for i, turn := range matches.TurnIDs {
		if turn != want[i] {
			t.Errorf("turn %d: expected %d, got %d", i, want[i], turn)
		}
	}
	if matches.RequestID != "req-1" {
		t.Errorf("request id should be echoed, got %q", matches.RequestID)
	}
}

func TestFirstMatchAlignsWithSessionMatches(t *testing.T) {
	searcher, st, cleanup := setupSearcher(t)
	defer cleanup()

	// The turn-3 message is the strongest match so it carries rank 1.
	seedSession(t, st, "s.jsonl", "/w", "2025-01-01T00:00:00.000Z", []store.MessageRow{
		{TurnID: 1, Role: "user", Content: "nothing relevant"},
		{TurnID: 3, Role: "user", Content: "foo foo foo"},
		{TurnID: 5, Role: "assistant", Content: "foo mentioned once among many other words here"},
	})

	result, err := searcher.Search(Options{Query: "foo"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	sessions := flattenSessions(result)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(sessions))
	}

	matches, err := searcher.Matches("s.jsonl", "foo", "")
	if err != nil {
		t.Fatalf("Matches failed: %v", err)
	}
	if len(matches.TurnIDs) == 0 {
		t.Fatal("expected matching turns")
	}
	if matches.TurnIDs[0] != 3 {
		t.Errorf("expected first matching turn 3, got %d", matches.TurnIDs[0])
	}
	if sessions[0].FirstMatchTurnID != matches.TurnIDs[0] {
		t.Errorf("cross-session first_match_turn_id (%d) must align with session matches (%d)",
			sessions[0].FirstMatchTurnID, matches.TurnIDs[0])
	}
}

func TestResolveSession(t *testing.T) {
	searcher, st, cleanup := setupSearcher(t)
	defer cleanup()

	sess := &store.Session{
		Path:             "2025/07/01/rollout-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee.jsonl",
		SessionID:        "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		SessionIDChecked: true,
		CWD:              "/w",
		Timestamp:        "2025-07-01T00:00:00.000Z",
	}
	if err := st.ReplaceSession(sess, nil, &store.FileRecord{
		Path: sess.Path, Size: 1, MtimeMS: 1, IndexedAt: sess.Timestamp,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Exact session id
	id, ok, err := searcher.Resolve("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", "")
	if err != nil || !ok {
		t.Fatalf("resolve by id failed: ok=%v err=%v", ok, err)
	}
	if id != "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee" {
		t.Errorf("unexpected id %q", id)
	}

	// Exact path
	if _, ok, _ := searcher.Resolve(sess.Path, ""); !ok {
		t.Error("resolve by exact path should match")
	}

	// Path substring
	if _, ok, _ := searcher.Resolve("rollout-aaaaaaaa", ""); !ok {
		t.Error("resolve by path substring should match")
	}

	// LIKE metacharacters in the input must be treated literally.
	if _, ok, _ := searcher.Resolve("rollout_aaaaaaaa", ""); ok {
		t.Error("underscore must not act as a LIKE wildcard")
	}

	// Workspace restriction
	if _, ok, _ := searcher.Resolve("rollout-aaaaaaaa", "/other"); ok {
		t.Error("workspace filter should exclude the session")
	}

	// Miss is a soft null.
	if _, ok, _ := searcher.Resolve("does-not-exist", ""); ok {
		t.Error("expected no match")
	}
}

func TestResolvePrefersExactAndShorterMatches(t *testing.T) {
	searcher, st, cleanup := setupSearcher(t)
	defer cleanup()

	long := &store.Session{Path: "2025/07/01/deep/nested/abc.jsonl", SessionID: "sess_long", SessionIDChecked: true}
	short := &store.Session{Path: "2025/07/01/abc.jsonl", SessionID: "sess_short", SessionIDChecked: true}
	for _, sess := range []*store.Session{long, short} {
		if err := st.ReplaceSession(sess, nil, &store.FileRecord{
			Path: sess.Path, Size: 1, MtimeMS: 1, IndexedAt: "2025-07-01T00:00:00.000Z",
		}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	id, ok, err := searcher.Resolve("abc.jsonl", "")
	if err != nil || !ok {
		t.Fatalf("resolve failed: ok=%v err=%v", ok, err)
	}
	if id != "sess_short" {
		t.Errorf("substring ties should resolve to the shortest path, got %q", id)
	}
}

func flattenSessions(result *Result) []Hit {
	var hits []Hit
	for _, group := range result.Groups {
		hits = append(hits, group.Sessions...)
	}
	return hits
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
