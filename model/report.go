package model

import (
	"fmt"
	"sort"
	"time"
)

// OutcomeKind is the per-identifier result tag.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeFailed  OutcomeKind = "failed"
)

// SkipReason explains a skipped outcome.
type SkipReason string

const (
	SkipExists    SkipReason = "exists"
	SkipCancelled SkipReason = "cancelled"
	SkipAborted   SkipReason = "aborted"
)

// Outcome is the result for one identifier of a job.
type Outcome struct {
	UID      UID
	Kind     OutcomeKind
	Reason   SkipReason
	ErrKind  ErrorKind
	Err      string
	Paths    []string
	Partial  bool
	Bytes    int64
	Attempts int
}

func Success(uid UID, paths []string, bytes int64, attempts int) Outcome {
	return Outcome{UID: uid, Kind: OutcomeSuccess, Paths: paths, Bytes: bytes, Attempts: attempts}
}

func Skipped(uid UID, reason SkipReason) Outcome {
	return Outcome{UID: uid, Kind: OutcomeSkipped, Reason: reason}
}

func Failed(uid UID, err error, attempts int) Outcome {
	o := Outcome{UID: uid, Kind: OutcomeFailed, ErrKind: KindOf(err), Attempts: attempts}
	if err != nil {
		o.Err = err.Error()
	}
	return o
}

// Counts tallies outcomes by kind.
type Counts struct {
	Success   int
	Skipped   int
	Exists    int
	Cancelled int
	Aborted   int
	Failed    int
	Partial   int
}

// Concluded is the number of recorded outcomes.
func (c Counts) Concluded() int {
	return c.Success + c.Skipped + c.Failed
}

// BatchReport collects one outcome per job identifier. Only the orchestrator
// records into it; it is read-only after Finalize.
type BatchReport struct {
	JobID          string
	Account        string
	Folder         string
	State          JobState
	Total          int
	Outcomes       []Outcome
	Bytes          int64
	Started        time.Time
	Duration       time.Duration
	Err            error
	FinalizeErrors []error

	expected map[UID]bool
	counts   Counts
	final    bool
}

// NewBatchReport creates an empty report for job.
func NewBatchReport(job *Job) *BatchReport {
	expected := make(map[UID]bool, len(job.UIDs))
	for _, uid := range job.UIDs {
		expected[uid] = false
	}
	return &BatchReport{
		JobID:    job.ID,
		Account:  job.Account,
		Folder:   job.Folder,
		State:    StateIdle,
		Total:    len(job.UIDs),
		Outcomes: make([]Outcome, 0, len(job.UIDs)),
		Started:  time.Now(),
		expected: expected,
	}
}

// Record appends o. A second outcome for the same identifier, an identifier
// outside the job, or a record after Finalize is rejected.
func (r *BatchReport) Record(o Outcome) error {
	if r.final {
		return fmt.Errorf("report finalized: outcome for %s rejected", o.UID)
	}
	done, ok := r.expected[o.UID]
	if !ok {
		return fmt.Errorf("identifier %s is not part of job %s", o.UID, r.JobID)
	}
	if done {
		return fmt.Errorf("outcome for %s already recorded", o.UID)
	}
	r.expected[o.UID] = true
	r.Outcomes = append(r.Outcomes, o)
	r.Bytes += o.Bytes

	switch o.Kind {
	case OutcomeSuccess:
		r.counts.Success++
	case OutcomeSkipped:
		r.counts.Skipped++
		switch o.Reason {
		case SkipExists:
			r.counts.Exists++
		case SkipCancelled:
			r.counts.Cancelled++
		case SkipAborted:
			r.counts.Aborted++
		}
	case OutcomeFailed:
		r.counts.Failed++
		if o.Partial {
			r.counts.Partial++
		}
	}
	return nil
}

// Missing returns identifiers without an outcome, sorted.
func (r *BatchReport) Missing() []UID {
	var out []UID
	for uid, done := range r.expected {
		if !done {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Finalize seals the report with its terminal state.
func (r *BatchReport) Finalize(state JobState) {
	r.State = state
	r.Duration = time.Since(r.Started)
	r.final = true
}

func (r *BatchReport) Counts() Counts {
	return r.counts
}

// Outcome returns the recorded outcome for uid.
func (r *BatchReport) Outcome(uid UID) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.UID == uid {
			return o, true
		}
	}
	return Outcome{}, false
}

// Failures lists failed outcomes sorted by identifier.
func (r *BatchReport) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Kind == OutcomeFailed {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func (r *BatchReport) LogAttrs() []any {
	c := r.counts
	attrs := []any{
		"job", r.JobID,
		"state", r.State,
		"total", r.Total,
		"success", c.Success,
		"skippedExisting", c.Exists,
		"cancelled", c.Cancelled,
		"aborted", c.Aborted,
		"failed", c.Failed,
		"partial", c.Partial,
		"bytes", r.Bytes,
		"duration", r.Duration,
	}
	if r.Err != nil {
		attrs = append(attrs, "err", r.Err.Error())
	}
	if len(r.FinalizeErrors) > 0 {
		attrs = append(attrs, "finalizeErrors", len(r.FinalizeErrors))
	}
	return attrs
}
