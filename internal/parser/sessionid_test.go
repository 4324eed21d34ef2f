package parser

import (
	"encoding/json"
	"testing"
	"time"
)

func TestExtractFilenameID(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{
			name: "uuid with timestamp prefix",
			path: "2025/07/01/2025-07-01T12-00-00-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee.jsonl",
			want: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		},
		{
			name: "uppercase uuid normalized",
			path: "AAAAAAAA-BBBB-CCCC-DDDD-EEEEEEEEEEEE.jsonl",
			want: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		},
		{
			name: "prefixed token",
			path: "rollout-sess_Abc123.jsonl",
			want: "sess_Abc123",
		},
		{
			name: "no id",
			path: "notes.jsonl",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractFilenameID(tt.path); got != tt.want {
				t.Errorf("ExtractFilenameID(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestExtractEmbeddedID(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{
			name:    "top-level session_id",
			payload: `{"session_id":"abc"}`,
			want:    "abc",
		},
		{
			name:    "camelCase",
			payload: `{"sessionId":"abc"}`,
			want:    "abc",
		},
		{
			name:    "nested in session container",
			payload: `{"session":{"id":"abc"}}`,
			want:    "abc",
		},
		{
			name:    "nested in metadata container",
			payload: `{"metadata":{"conversation_id":"abc"}}`,
			want:    "abc",
		},
		{
			name:    "uuid substring wins over surrounding text",
			payload: `{"id":"rollout-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee-final"}`,
			want:    "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		},
		{
			name:    "prefixed token extracted",
			payload: `{"id":"ref sess_XYZ99 trailing"}`,
			want:    "sess_XYZ99",
		},
		{
			name:    "unknown shape yields nothing",
			payload: `{"other":{"things":1}}`,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractEmbeddedID(json.RawMessage(tt.payload)); got != tt.want {
				t.Errorf("ExtractEmbeddedID(%s) = %q, want %q", tt.payload, got, tt.want)
			}
		})
	}
}

func TestFilenameTimestamp(t *testing.T) {
	ts, ok := FilenameTimestamp("2025-07-01T12-00-00-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee.jsonl")
	if !ok {
		t.Fatal("expected timestamp from dashed filename")
	}
	want := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("expected %s, got %s", want, ts)
	}

	ts, ok = FilenameTimestamp("log-2024-12-31T23:59:58.jsonl")
	if !ok {
		t.Fatal("expected timestamp from colon filename")
	}
	if ts.Hour() != 23 || ts.Second() != 58 {
		t.Errorf("unexpected parsed time %s", ts)
	}

	if _, ok := FilenameTimestamp("nodate.jsonl"); ok {
		t.Error("expected no timestamp for undated filename")
	}
}
