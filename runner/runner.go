package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/imap-export/export"
	"github.com/dhcgn/imap-export/metrics"
	"github.com/dhcgn/imap-export/model"
	"github.com/dhcgn/imap-export/stats"
)

const (
	DefaultAttempts     = 3
	DefaultBackoff      = 250 * time.Millisecond
	DefaultFetchTimeout = 60 * time.Second
	DefaultCancelGrace  = 5 * time.Second
)

// WriterFactory builds the writers for a job's export kinds.
type WriterFactory func(kinds []model.ExportKind, logger *slog.Logger) ([]export.Writer, error)

type Options struct {
	Logger    *slog.Logger
	Sink      stats.Sink
	Metrics   *metrics.Metrics
	Scheduler *Scheduler
	Writers   WriterFactory

	// Attempts bounds fetches per message, first try included.
	Attempts int
	// Backoff is multiplied by the attempt number between retries.
	Backoff      time.Duration
	FetchTimeout time.Duration
	// CancelGrace is how long an in-flight fetch may continue after the job
	// is cancelled. Zero cuts it off immediately.
	CancelGrace time.Duration
	// WaitForAccount queues a job behind a running one for the same account
	// instead of rejecting it.
	WaitForAccount bool
}

// Runner executes download jobs.
type Runner struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Sink == nil {
		opts.Sink = stats.Nop{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewScheduler()
	}
	if opts.Writers == nil {
		opts.Writers = export.ForKinds
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.CancelGrace < 0 {
		opts.CancelGrace = 0
	}
	return &Runner{opts: opts, logger: opts.Logger}
}

// abortError is the cancel cause of a job stopped by a fatal error.
type abortError struct {
	err error
}

func (e *abortError) Error() string { return "job aborted: " + e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Handle controls a started job.
type Handle struct {
	ID string

	cancel context.CancelCauseFunc
	done   chan struct{}

	mu     sync.Mutex
	state  model.JobState
	report *model.BatchReport
	err    error
}

// Cancel requests cooperative cancellation. It does not wait.
func (h *Handle) Cancel() {
	h.cancel(context.Canceled)
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) State() model.JobState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s model.JobState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Wait blocks until the job has finished and every worker has returned.
// The error is non-nil when the job ended Failed.
func (h *Handle) Wait() (*model.BatchReport, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report, h.err
}

// Start validates job and runs it in the background. The job is copied; the
// caller's value is never modified.
func (r *Runner) Start(ctx context.Context, job *model.Job) (*Handle, error) {
	if job == nil {
		return nil, errors.New("job is nil")
	}
	j := *job
	j.UIDs = append([]model.UID(nil), job.UIDs...)
	j.Kinds = append([]model.ExportKind(nil), job.Kinds...)
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}

	writers, err := r.opts.Writers(j.Kinds, r.logger)
	if err != nil {
		return nil, err
	}

	var release func()
	if !r.opts.WaitForAccount {
		release, err = r.opts.Scheduler.Acquire(ctx, j.Account, false)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", j.Account, err)
		}
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		ID:     j.ID,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  model.StateIdle,
	}

	go func() {
		defer close(h.done)
		defer cancel(nil)

		if release == nil {
			rel, err := r.opts.Scheduler.Acquire(jobCtx, j.Account, true)
			if err != nil {
				report := model.NewBatchReport(&j)
				r.drain(report, j.UIDs, model.SkipCancelled)
				report.Err = fmt.Errorf("waiting for account %s: %w", j.Account, err)
				report.Finalize(model.StateCancelled)
				r.opts.Metrics.Job(model.StateCancelled)
				h.mu.Lock()
				h.state, h.report = model.StateCancelled, report
				h.mu.Unlock()
				return
			}
			release = rel
		}
		defer release()

		report := r.execute(jobCtx, cancel, &j, writers, h)
		h.mu.Lock()
		h.report = report
		h.state = report.State
		if report.State == model.StateFailed {
			h.err = report.Err
		}
		h.mu.Unlock()
	}()

	return h, nil
}

// Run starts job and waits for it.
func (r *Runner) Run(ctx context.Context, job *model.Job) (*model.BatchReport, error) {
	h, err := r.Start(ctx, job)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

func (r *Runner) execute(ctx context.Context, cancel context.CancelCauseFunc, job *model.Job, writers []export.Writer, h *Handle) *model.BatchReport {
	logger := r.logger.With("job", job.ID, "account", job.Account, "folder", job.Folder)
	report := model.NewBatchReport(job)

	sink := stats.NewAsyncSink(r.opts.Sink, 0)
	defer sink.Close()

	for _, w := range writers {
		if err := w.Prepare(job); err != nil {
			r.opts.Metrics.WriterError(w.Kind())
			logger.Error("writer setup failed", "writer", w.Kind(), "err", err)
			cancel(&abortError{err: err})
			r.drain(report, job.UIDs, model.SkipAborted)
			report.Err = fmt.Errorf("prepare %s: %w", w.Kind(), err)
			r.finalize(report, writers, logger)
			report.Finalize(model.StateFailed)
			r.opts.Metrics.Job(model.StateFailed)
			logger.Error("job failed", report.LogAttrs()...)
			return report
		}
	}

	h.setState(model.StateRunning)
	logger.Info("job started", "messages", len(job.UIDs), "formats", job.Kinds, "concurrency", job.Concurrency)

	results := make(chan model.Outcome)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for o := range results {
			if err := report.Record(o); err != nil {
				logger.Error("outcome rejected", "uid", o.UID, "err", err)
				continue
			}
			r.opts.Metrics.Outcome(o)
			sink.OnItemResult(o)
			c := report.Counts()
			sink.OnProgress(stats.Progress{
				JobID:     job.ID,
				Completed: c.Concluded(),
				Total:     report.Total,
				Bytes:     report.Bytes,
				Counts:    c,
			})
		}
	}()

	queue := make(chan model.UID)
	dispatched := 0
	var g errgroup.Group
	for i := 0; i < job.Concurrency && i < len(job.UIDs); i++ {
		g.Go(func() error {
			for uid := range queue {
				results <- r.process(ctx, cancel, job, writers, uid, logger)
			}
			return nil
		})
	}

feed:
	for _, uid := range job.UIDs {
		select {
		case <-ctx.Done():
			break feed
		case queue <- uid:
			dispatched++
		}
	}
	close(queue)
	_ = g.Wait()

	reason := drainReason(ctx)
	for _, uid := range job.UIDs[dispatched:] {
		results <- model.Skipped(uid, reason)
	}
	close(results)
	<-collected

	r.finalize(report, writers, logger)

	state := model.StateCompleted
	var abort *abortError
	switch {
	case errors.As(context.Cause(ctx), &abort):
		state = model.StateFailed
		report.Err = abort.err
	case len(report.FinalizeErrors) > 0:
		state = model.StateFailed
		report.Err = fmt.Errorf("finalize: %w", errors.Join(report.FinalizeErrors...))
	case ctx.Err() != nil && report.Counts().Cancelled > 0:
		state = model.StateCancelled
	}
	report.Finalize(state)
	r.opts.Metrics.Job(state)

	switch state {
	case model.StateFailed:
		logger.Error("job failed", report.LogAttrs()...)
	case model.StateCancelled:
		logger.Warn("job cancelled", report.LogAttrs()...)
	default:
		logger.Info("job completed", report.LogAttrs()...)
	}
	return report
}

// process produces the single outcome for uid.
func (r *Runner) process(ctx context.Context, cancel context.CancelCauseFunc, job *model.Job, writers []export.Writer, uid model.UID, logger *slog.Logger) model.Outcome {
	if ctx.Err() != nil {
		return model.Skipped(uid, drainReason(ctx))
	}
	if job.SkipExisting && allPresent(writers, job.Folder, uid) {
		return model.Skipped(uid, model.SkipExists)
	}

	msg, attempts, err := r.fetch(ctx, job, uid, logger)
	if err != nil {
		switch {
		case model.KindOf(err) == model.ErrorKindCancelled:
			return model.Skipped(uid, drainReason(ctx))
		case model.IsFatal(err):
			logger.Error("fatal fetch error, aborting job", "uid", uid, "err", err)
			cancel(&abortError{err: err})
		default:
			logger.Warn("fetch failed", "uid", uid, "attempts", attempts, "err", err)
		}
		return model.Failed(uid, err, attempts)
	}

	return r.route(msg, writers, attempts, logger)
}

// allPresent reports whether every writer already holds uid.
func allPresent(writers []export.Writer, folder string, uid model.UID) bool {
	for _, w := range writers {
		if !w.Exists(folder, uid) {
			return false
		}
	}
	return len(writers) > 0
}

// fetch retries transient errors with linear backoff. A cancelled job stops
// retrying and reports ErrorKindCancelled.
func (r *Runner) fetch(ctx context.Context, job *model.Job, uid model.UID, logger *slog.Logger) (*model.FetchedMessage, int, error) {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, attempt - 1, model.NewError(model.ErrorKindCancelled, "fetch", context.Cause(ctx))
		}

		fctx, done := r.fetchContext(ctx)
		started := time.Now()
		msg, err := job.Source.Fetch(fctx, job.Folder, uid)
		cut := errors.Is(fctx.Err(), context.Canceled)
		done()

		if err == nil {
			r.opts.Metrics.ObserveFetch("ok", time.Since(started))
			return msg, attempt, nil
		}
		r.opts.Metrics.ObserveFetch(string(model.KindOf(err)), time.Since(started))

		if cut || (ctx.Err() != nil && model.IsTransient(err)) {
			return nil, attempt, model.NewError(model.ErrorKindCancelled, "fetch", err)
		}
		if !model.IsTransient(err) || attempt >= r.opts.Attempts {
			return nil, attempt, err
		}

		r.opts.Metrics.Retry()
		wait := r.opts.Backoff * time.Duration(attempt)
		logger.Debug("retrying fetch", "uid", uid, "attempt", attempt, "wait", wait, "err", err)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, attempt, model.NewError(model.ErrorKindCancelled, "fetch", err)
		}
	}
}

// fetchContext bounds one fetch by FetchTimeout. It is detached from job
// cancellation except that, once the job is cancelled, the fetch is cut off
// after CancelGrace.
func (r *Runner) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FetchTimeout)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stop := context.AfterFunc(ctx, func() {
		if r.opts.CancelGrace == 0 {
			cancel()
			return
		}
		mu.Lock()
		timer = time.AfterFunc(r.opts.CancelGrace, cancel)
		mu.Unlock()
	})

	return fctx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

// route hands msg to every writer. The outcome is Success only if all of
// them succeed; artifacts already written for a failed item stay in place
// and the outcome is marked Partial.
func (r *Runner) route(msg *model.FetchedMessage, writers []export.Writer, attempts int, logger *slog.Logger) model.Outcome {
	var (
		paths []string
		errs  []error
	)
	for _, w := range writers {
		path, err := w.Write(msg)
		if err != nil {
			r.opts.Metrics.WriterError(w.Kind())
			logger.Warn("write failed", "uid", msg.UID, "writer", w.Kind(), "err", err)
			var me *model.Error
			if !errors.As(err, &me) {
				err = model.NewError(model.ErrorKindWrite, string(w.Kind()), err)
			}
			errs = append(errs, err)
			continue
		}
		paths = append(paths, path)
	}

	if len(errs) > 0 {
		o := model.Failed(msg.UID, errors.Join(errs...), attempts)
		o.Paths = paths
		o.Partial = len(paths) > 0
		o.Bytes = int64(len(msg.Raw))
		return o
	}
	return model.Success(msg.UID, paths, int64(len(msg.Raw)), attempts)
}

func (r *Runner) finalize(report *model.BatchReport, writers []export.Writer, logger *slog.Logger) {
	for _, w := range writers {
		if err := w.Finalize(); err != nil {
			r.opts.Metrics.WriterError(w.Kind())
			logger.Error("finalize failed", "writer", w.Kind(), "err", err)
			report.FinalizeErrors = append(report.FinalizeErrors, fmt.Errorf("%s: %w", w.Kind(), err))
		}
	}
}

// drain records reason for every uid still missing from report.
func (r *Runner) drain(report *model.BatchReport, uids []model.UID, reason model.SkipReason) {
	for _, uid := range uids {
		if err := report.Record(model.Skipped(uid, reason)); err != nil {
			r.logger.Debug("drain skipped uid", "uid", uid, "err", err)
		}
	}
}

// drainReason tells aborted work apart from cancelled work.
func drainReason(ctx context.Context) model.SkipReason {
	var abort *abortError
	if errors.As(context.Cause(ctx), &abort) {
		return model.SkipAborted
	}
	return model.SkipCancelled
}
