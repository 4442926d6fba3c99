package eventlog

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type MatchType string

const (
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
	MatchExact    MatchType = "exact"
)

// TextFilter matches record text.
type TextFilter struct {
	Type          MatchType
	Pattern       string
	CaseSensitive bool
	regex         *regexp.Regexp
}

func NewTextFilter(matchType MatchType, pattern string, caseSensitive bool) (*TextFilter, error) {
	f := &TextFilter{
		Type:          matchType,
		Pattern:       pattern,
		CaseSensitive: caseSensitive,
	}

	switch matchType {
	case MatchContains, MatchExact:
	case MatchRegex:
		flags := ""
		if !caseSensitive {
			flags = "(?i)"
		}
		regex, err := regexp.Compile(flags + pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		f.regex = regex
	default:
		return nil, fmt.Errorf("unknown match type %q", matchType)
	}

	return f, nil
}

func (f *TextFilter) Matches(text string) bool {
	switch f.Type {
	case MatchContains:
		if f.CaseSensitive {
			return strings.Contains(text, f.Pattern)
		}
		return strings.Contains(strings.ToLower(text), strings.ToLower(f.Pattern))

	case MatchRegex:
		return f.regex.MatchString(text)

	case MatchExact:
		if f.CaseSensitive {
			return text == f.Pattern
		}
		return strings.EqualFold(text, f.Pattern)

	default:
		return false
	}
}

// Query selects records. Zero fields do not filter.
type Query struct {
	Since time.Time
	Level string
	Text  *TextFilter
	// Limit keeps only the newest Limit matches.
	Limit int
}

// NormalizeLevel lower-cases level and folds "warning" into "warn", the
// spelling records are stored with.
func NormalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return "warn"
	}
	return level
}

// Match reports whether rec passes every filter except Limit.
func (q Query) Match(rec Record) bool {
	if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
		return false
	}
	if q.Level != "" && rec.Level != NormalizeLevel(q.Level) {
		return false
	}
	if q.Text != nil && !q.Text.Matches(rec.Text) {
		return false
	}
	return true
}

// Select returns the matching records from the log, oldest first.
func (l *Log) Select(q Query) []Record {
	records := l.ring.Filter(q.Match)
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[len(records)-q.Limit:]
	}
	return records
}
