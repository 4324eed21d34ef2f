// Package tree shapes session rows into the year/month/day browse tree.
package tree

import (
	"sort"
	"strings"

	"github.com/rarestg/codex-conversation-manager/internal/store"
)

// Leaf is one session file in the browse tree.
type Leaf struct {
	Name             string `json:"name"`
	Path             string `json:"path"`
	SessionID        string `json:"sessionId,omitempty"`
	CWD              string `json:"cwd,omitempty"`
	Timestamp        string `json:"timestamp,omitempty"`
	FirstUserMessage string `json:"firstUserMessage,omitempty"`
	StartedAt        string `json:"startedAt,omitempty"`
	EndedAt          string `json:"endedAt,omitempty"`
	TurnCount        int    `json:"turnCount"`
	MessageCount     int    `json:"messageCount"`
	ActiveDurationMS *int64 `json:"activeDurationMs,omitempty"`
}

// Day groups the sessions of one day.
type Day struct {
	Day      string `json:"day"`
	Sessions []Leaf `json:"sessions"`
}

// Month groups the days of one month.
type Month struct {
	Month string `json:"month"`
	Days  []Day  `json:"days"`
}

// Year groups the months of one year.
type Year struct {
	Year   string  `json:"year"`
	Months []Month `json:"months"`
}

// Build nests sessions by the first three segments of their path
// (year/month/day). Within a day, sessions order by start time descending,
// ties broken by filename descending; years, months and days order
// descending as well.
func Build(sessions []store.Session) []Year {
	type dayKey struct{ year, month, day string }
	buckets := make(map[dayKey][]Leaf)

	for _, sess := range sessions {
		segments := strings.Split(sess.Path, "/")
		key := dayKey{segment(segments, 0), segment(segments, 1), segment(segments, 2)}
		buckets[key] = append(buckets[key], leafFromSession(sess))
	}

	years := make(map[string]map[string]map[string][]Leaf)
	for key, leaves := range buckets {
		if years[key.year] == nil {
			years[key.year] = make(map[string]map[string][]Leaf)
		}
		if years[key.year][key.month] == nil {
			years[key.year][key.month] = make(map[string][]Leaf)
		}
		years[key.year][key.month][key.day] = leaves
	}

	var result []Year
	for _, yearName := range sortedKeysDesc(years) {
		year := Year{Year: yearName}
		months := years[yearName]
		for _, monthName := range sortedKeysDesc(months) {
			month := Month{Month: monthName}
			days := months[monthName]
			for _, dayName := range sortedKeysDesc(days) {
				leaves := days[dayName]
				sort.SliceStable(leaves, func(i, j int) bool {
					if leaves[i].StartedAt != leaves[j].StartedAt {
						return leaves[i].StartedAt > leaves[j].StartedAt
					}
					return leaves[i].Name > leaves[j].Name
				})
				month.Days = append(month.Days, Day{Day: dayName, Sessions: leaves})
			}
			year.Months = append(year.Months, month)
		}
		result = append(result, year)
	}
	return result
}

func leafFromSession(sess store.Session) Leaf {
	name := sess.Path
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return Leaf{
		Name:             name,
		Path:             sess.Path,
		SessionID:        sess.SessionID,
		CWD:              sess.CWD,
		Timestamp:        sess.Timestamp,
		FirstUserMessage: sess.FirstUserMessage,
		StartedAt:        sess.StartedAt,
		EndedAt:          sess.EndedAt,
		TurnCount:        sess.TurnCount,
		MessageCount:     sess.MessageCount,
		ActiveDurationMS: sess.ActiveDurationMS,
	}
}

func segment(segments []string, i int) string {
	if i < len(segments)-1 {
		return segments[i]
	}
	return ""
}

func sortedKeysDesc[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys
}
