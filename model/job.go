package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultConcurrency is the worker count used when a job does not set one.
const DefaultConcurrency = 4

// ExportKind names an output format.
type ExportKind string

const (
	KindEML  ExportKind = "eml"
	KindMbox ExportKind = "mbox"
	KindJSON ExportKind = "json"
	KindCSV  ExportKind = "csv"
)

// ParseExportKind accepts the kind names case-insensitively.
func ParseExportKind(s string) (ExportKind, error) {
	switch ExportKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindEML:
		return KindEML, nil
	case KindMbox:
		return KindMbox, nil
	case KindJSON:
		return KindJSON, nil
	case KindCSV:
		return KindCSV, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// Source fetches messages over an authenticated session. Implementations
// return *Error values classified as connection, not_found or protocol.
type Source interface {
	Fetch(ctx context.Context, folder string, uid UID) (*FetchedMessage, error)
}

// Job describes one download request. It is not modified once started.
type Job struct {
	ID              string
	Account         string
	Folder          string
	Delimiter       rune
	UIDs            []UID
	Kinds           []ExportKind
	TargetDir       string
	Concurrency     int
	PreserveFolders bool
	SkipExisting    bool
	Source          Source
}

// Lineage splits the folder path on the server's hierarchy delimiter.
func (j *Job) Lineage() []string {
	return Lineage(j.Folder, j.Delimiter)
}

// Has reports whether kind was requested.
func (j *Job) Has(kind ExportKind) bool {
	for _, k := range j.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Validate checks the job and fills in the default concurrency.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Account) == "" {
		return errors.New("job account is empty")
	}
	if strings.TrimSpace(j.Folder) == "" {
		return errors.New("job folder is empty")
	}
	if strings.TrimSpace(j.TargetDir) == "" {
		return errors.New("job target directory is empty")
	}
	if j.Source == nil {
		return errors.New("job has no message source")
	}
	if len(j.UIDs) == 0 {
		return errors.New("job has no message identifiers")
	}
	seen := make(map[UID]struct{}, len(j.UIDs))
	for _, uid := range j.UIDs {
		if _, dup := seen[uid]; dup {
			return fmt.Errorf("duplicate message identifier %s", uid)
		}
		seen[uid] = struct{}{}
	}
	if len(j.Kinds) == 0 {
		return errors.New("job has no export formats")
	}
	kinds := make(map[ExportKind]struct{}, len(j.Kinds))
	for _, k := range j.Kinds {
		if _, err := ParseExportKind(string(k)); err != nil {
			return err
		}
		if _, dup := kinds[k]; dup {
			return fmt.Errorf("duplicate export format %q", k)
		}
		kinds[k] = struct{}{}
	}
	if j.Concurrency <= 0 {
		j.Concurrency = DefaultConcurrency
	}
	return nil
}

// Lineage splits a folder path into its hierarchy segments. Empty segments
// are dropped; a zero delimiter yields the path as a single segment.
func Lineage(folder string, delim rune) []string {
	if delim == 0 {
		return []string{folder}
	}
	parts := strings.Split(folder, string(delim))
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{folder}
	}
	return out
}

// JobState is the orchestrator state machine.
type JobState string

const (
	StateIdle      JobState = "idle"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateCancelled JobState = "cancelled"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}
