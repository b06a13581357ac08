// Package filter selects messages for download from their listed headers.
// Bodies are never consulted.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dhcgn/imap-export/model"
)

// Field restricts a text query to one header.
type Field string

const (
	FieldAll     Field = "all"
	FieldSubject Field = "subject"
	FieldFrom    Field = "from"
)

// ParseField accepts the field names case-insensitively; empty means all.
func ParseField(s string) (Field, error) {
	switch Field(strings.ToLower(strings.TrimSpace(s))) {
	case "", FieldAll:
		return FieldAll, nil
	case FieldSubject:
		return FieldSubject, nil
	case FieldFrom:
		return FieldFrom, nil
	}
	return "", fmt.Errorf("unknown search field %q", s)
}

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	ExcludeHeader []string
	// Query is a case-insensitive substring matched against Field.
	Query string
	Field Field
	Since time.Time
	// Before is exclusive.
	Before time.Time
}

// Filter holds compiled regex patterns for filtering messages.
type Filter struct {
	includeMode   bool
	excludeMode   bool
	includeHeader []*regexp.Regexp
	excludeHeader []*regexp.Regexp
	query         string
	field         Field
	since         time.Time
	before        time.Time
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0
	excludeActive := len(excludeHeader) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	field := opts.Field
	if field == "" {
		field = FieldAll
	}
	if !opts.Since.IsZero() && !opts.Before.IsZero() && !opts.Before.After(opts.Since) {
		return nil, fmt.Errorf("before must be later than since")
	}

	return &Filter{
		includeMode:   includeActive,
		excludeMode:   excludeActive,
		includeHeader: includeHeader,
		excludeHeader: excludeHeader,
		query:         strings.ToLower(strings.TrimSpace(opts.Query)),
		field:         field,
		since:         opts.Since,
		before:        opts.Before,
	}, nil
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(s model.Summary) bool {
	if f.query != "" && !f.matchQuery(s) {
		return false
	}
	if !f.since.IsZero() && (s.Date.IsZero() || s.Date.Before(f.since)) {
		return false
	}
	if !f.before.IsZero() && (s.Date.IsZero() || !s.Date.Before(f.before)) {
		return false
	}

	headerText := string(s.Header)
	if f.includeMode {
		return matchAny(f.includeHeader, headerText)
	}
	if f.excludeMode && matchAny(f.excludeHeader, headerText) {
		return false
	}
	return true
}

// Select returns the UIDs of the summaries that pass, in input order.
func (f *Filter) Select(summaries []model.Summary) []model.UID {
	uids := make([]model.UID, 0, len(summaries))
	for _, s := range summaries {
		if f.Allows(s) {
			uids = append(uids, s.UID)
		}
	}
	return uids
}

// Active reports whether any criterion is set.
func (f *Filter) Active() bool {
	return f.includeMode || f.excludeMode || f.query != "" || !f.since.IsZero() || !f.before.IsZero()
}

func (f *Filter) matchQuery(s model.Summary) bool {
	subject := strings.Contains(strings.ToLower(s.Subject), f.query)
	from := strings.Contains(strings.ToLower(s.From), f.query)
	switch f.field {
	case FieldSubject:
		return subject
	case FieldFrom:
		return from
	}
	return subject || from
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
