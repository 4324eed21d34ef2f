package parser

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

	prefixedIDRe = regexp.MustCompile(`(?:sess|session)_[A-Za-z0-9]+`)

	filenameTimeRe = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})T(\d{2})[-:](\d{2})[-:](\d{2})`)
)

// idKeys are the property names probed for a session id, in priority order.
var idKeys = []string{
	"session_id", "sessionId",
	"conversation_id", "conversationId",
	"resume_session_id", "resumeSessionId",
	"id",
}

// idContainers are the nested objects probed one level down.
var idContainers = []string{
	"session", "session_info", "sessionInfo", "metadata", "context", "payload",
}

// ExtractEmbeddedID searches a payload object (depth 2) for the first known
// id key, on the object itself or inside one of the known containers.
// Unknown shapes yield no value.
func ExtractEmbeddedID(payload json.RawMessage) string {
	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return ""
	}

	if id := probeIDKeys(obj); id != "" {
		return id
	}
	for _, container := range idContainers {
		sub, ok := obj[container].(map[string]interface{})
		if !ok {
			continue
		}
		if id := probeIDKeys(sub); id != "" {
			return id
		}
	}
	return ""
}

func probeIDKeys(obj map[string]interface{}) string {
	for _, key := range idKeys {
		if v, ok := obj[key].(string); ok {
			if id := normalizeIDValue(v); id != "" {
				return id
			}
		}
	}
	return ""
}

// normalizeIDValue reduces a raw id value to its canonical form: a UUID
// substring wins, then a sess_/session_-prefixed token, then the trimmed
// string.
func normalizeIDValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if m := uuidRe.FindString(v); m != "" {
		if u, err := uuid.Parse(m); err == nil {
			return u.String()
		}
	}
	if m := prefixedIDRe.FindString(v); m != "" {
		return m
	}
	return v
}

// ExtractFilenameID derives a session id from the last path component,
// minus the .jsonl suffix: a canonical UUID substring first, then a
// prefixed token. Returns "" when neither is present.
func ExtractFilenameID(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	if m := uuidRe.FindString(base); m != "" {
		if u, err := uuid.Parse(m); err == nil {
			return u.String()
		}
	}
	if m := prefixedIDRe.FindString(base); m != "" {
		return m
	}
	return ""
}

// FilenameTimestamp extracts a YYYY-MM-DDThh-mm-ss (or hh:mm:ss) timestamp
// from a filename. Used to backfill the session timestamp when session_meta
// carries none.
func FilenameTimestamp(path string) (time.Time, bool) {
	base := filepath.Base(path)
	m := filenameTimeRe.FindStringSubmatch(base)
	if m == nil {
		return time.Time{}, false
	}
	normalized := m[1] + "-" + m[2] + "-" + m[3] + "T" + m[4] + ":" + m[5] + ":" + m[6]
	ts, err := time.Parse("2006-01-02T15:04:05", normalized)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
