package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextFilterMatches(t *testing.T) {
	tests := []struct {
		name          string
		matchType     MatchType
		pattern       string
		caseSensitive bool
		text          string
		want          bool
	}{
		{"contains folds case", MatchContains, "SYNC", false, "sync failed", true},
		{"contains case sensitive", MatchContains, "SYNC", true, "sync failed", false},
		{"regex", MatchRegex, `^plugin \w+ loaded$`, false, "Plugin dataview loaded", true},
		{"regex no match", MatchRegex, `^\d+$`, false, "12a", false},
		{"exact folds case", MatchExact, "Ready", false, "ready", true},
		{"exact case sensitive", MatchExact, "Ready", true, "ready", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewTextFilter(tt.matchType, tt.pattern, tt.caseSensitive)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Matches(tt.text))
		})
	}
}

func TestTextFilterRejectsBadInput(t *testing.T) {
	_, err := NewTextFilter(MatchRegex, "(", false)
	assert.Error(t, err)

	_, err = NewTextFilter("fuzzy", "x", false)
	assert.Error(t, err)
}

func TestNormalizeLevel(t *testing.T) {
	assert.Equal(t, "warn", NormalizeLevel("Warning"))
	assert.Equal(t, "error", NormalizeLevel(" ERROR "))
	assert.Equal(t, "", NormalizeLevel(""))
}

func TestLogSelect(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	log := New(10)
	log.Append(Record{Level: "log", Text: "vault opened", Timestamp: base})
	log.Append(Record{Level: "warn", Text: "sync slow", Timestamp: base.Add(time.Minute)})
	log.Append(Record{Level: "error", Text: "sync failed", Timestamp: base.Add(2 * time.Minute)})
	log.Append(Record{Level: "log", Text: "sync done", Timestamp: base.Add(3 * time.Minute)})

	syncText, err := NewTextFilter(MatchContains, "sync", false)
	require.NoError(t, err)

	texts := func(records []Record) []string {
		out := []string{}
		for _, r := range records {
			out = append(out, r.Text)
		}
		return out
	}

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"everything", Query{}, []string{"vault opened", "sync slow", "sync failed", "sync done"}},
		{"since", Query{Since: base.Add(2 * time.Minute)}, []string{"sync failed", "sync done"}},
		{"warning level", Query{Level: "warning"}, []string{"sync slow"}},
		{"text", Query{Text: syncText}, []string{"sync slow", "sync failed", "sync done"}},
		{"limit keeps newest", Query{Text: syncText, Limit: 2}, []string{"sync failed", "sync done"}},
		{"combined", Query{Level: "log", Text: syncText}, []string{"sync done"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, texts(log.Select(tt.query)))
		})
	}
}
