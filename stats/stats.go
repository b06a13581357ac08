package stats

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dhcgn/imap-export/model"
)

// Progress is the cumulative state of a job after one item concluded.
type Progress struct {
	JobID     string
	Completed int
	Total     int
	Bytes     int64
	Counts    model.Counts
}

// Sink receives progress from a running job. Implementations must return
// quickly; wrap slow sinks in an AsyncSink.
type Sink interface {
	OnProgress(p Progress)
	OnItemResult(o model.Outcome)
}

// Nop discards everything.
type Nop struct{}

func (Nop) OnProgress(Progress)        {}
func (Nop) OnItemResult(model.Outcome) {}

// Multi fans out to every sink in order.
type Multi []Sink

func (m Multi) OnProgress(p Progress) {
	for _, s := range m {
		s.OnProgress(p)
	}
}

func (m Multi) OnItemResult(o model.Outcome) {
	for _, s := range m {
		s.OnItemResult(o)
	}
}

type Summary struct {
	Success   int
	Exists    int
	Cancelled int
	Aborted   int
	Failed    int
	Partial   int
	Bytes     int64
	LastError string
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"success", s.Success,
		"exists", s.Exists,
		"cancelled", s.Cancelled,
		"aborted", s.Aborted,
		"failed", s.Failed,
		"partial", s.Partial,
		"bytes", s.Bytes,
	}
	if s.LastError != "" {
		attrs = append(attrs, "lastError", s.LastError)
	}
	return attrs
}

// Collector tallies item results as they arrive.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) OnProgress(Progress) {}

func (c *Collector) OnItemResult(o model.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch o.Kind {
	case model.OutcomeSuccess:
		c.summary.Success++
		c.summary.Bytes += o.Bytes
	case model.OutcomeSkipped:
		switch o.Reason {
		case model.SkipExists:
			c.summary.Exists++
		case model.SkipCancelled:
			c.summary.Cancelled++
		case model.SkipAborted:
			c.summary.Aborted++
		}
	case model.OutcomeFailed:
		c.summary.Failed++
		if o.Partial {
			c.summary.Partial++
		}
		if o.Err != "" {
			c.summary.LastError = o.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Reporter logs failed items as they happen and a summary when the job ends.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(logger *slog.Logger) *Reporter {
	return &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
}

func (r *Reporter) OnProgress(p Progress) {
	if r.logger != nil {
		r.logger.Debug("progress", "job", p.JobID, "completed", p.Completed, "total", p.Total, "bytes", p.Bytes)
	}
}

func (r *Reporter) OnItemResult(o model.Outcome) {
	r.collector.OnItemResult(o)
	if r.logger == nil {
		return
	}
	switch o.Kind {
	case model.OutcomeFailed:
		r.logger.Warn("message failed", "uid", o.UID, "kind", o.ErrKind, "attempts", o.Attempts, "partial", o.Partial, "err", o.Err)
	case model.OutcomeSkipped:
		r.logger.Debug("message skipped", "uid", o.UID, "reason", o.Reason)
	default:
		r.logger.Debug("message exported", "uid", o.UID, "paths", o.Paths, "bytes", o.Bytes)
	}
}

// Log writes the summary line.
func (r *Reporter) Log() {
	if r.logger == nil {
		return
	}
	attrs := append(r.collector.Snapshot().LogAttrs(), "duration", time.Since(r.started))
	r.logger.Info("stats summary", attrs...)
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Printf("%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
