package runner

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/imap-export/export"
	"github.com/dhcgn/imap-export/mbox"
	"github.com/dhcgn/imap-export/metrics"
	"github.com/dhcgn/imap-export/model"
	"github.com/dhcgn/imap-export/stats"
)

type fetchFunc func(ctx context.Context, uid model.UID, call int) (*model.FetchedMessage, error)

type fakeSource struct {
	mu    sync.Mutex
	calls map[model.UID]int
	fn    fetchFunc
}

func newSource(fn fetchFunc) *fakeSource {
	if fn == nil {
		fn = func(_ context.Context, uid model.UID, _ int) (*model.FetchedMessage, error) {
			return message("INBOX", uid), nil
		}
	}
	return &fakeSource{calls: make(map[model.UID]int), fn: fn}
}

func (s *fakeSource) Fetch(ctx context.Context, folder string, uid model.UID) (*model.FetchedMessage, error) {
	s.mu.Lock()
	s.calls[uid]++
	call := s.calls[uid]
	s.mu.Unlock()
	msg, err := s.fn(ctx, uid, call)
	if msg != nil {
		msg.Folder = folder
	}
	return msg, err
}

func (s *fakeSource) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *fakeSource) callsFor(uid model.UID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[uid]
}

func message(folder string, uid model.UID) *model.FetchedMessage {
	subject := fmt.Sprintf("Subject %d", uid)
	raw := fmt.Sprintf("From: alice@example.org\r\nSubject: %s\r\nMessage-ID: <%d@example.org>\r\n\r\nbody %d\r\n", subject, uid, uid)
	return &model.FetchedMessage{
		UID:    uid,
		Folder: folder,
		Header: model.Header{
			Subject:   subject,
			From:      "alice@example.org",
			Date:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			MessageID: fmt.Sprintf("<%d@example.org>", uid),
		},
		Raw: []byte(raw),
	}
}

func newJob(t *testing.T, src model.Source, kinds ...model.ExportKind) *model.Job {
	t.Helper()
	return &model.Job{
		Account:         "alice@example.org",
		Folder:          "INBOX",
		Delimiter:       '/',
		UIDs:            []model.UID{101, 102, 103},
		Kinds:           kinds,
		TargetDir:       t.TempDir(),
		Concurrency:     2,
		PreserveFolders: true,
		Source:          src,
	}
}

func quickRunner(opts Options) *Runner {
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	return New(opts)
}

func assertOneOutcomeEach(t *testing.T, job *model.Job, report *model.BatchReport) {
	t.Helper()
	require.Len(t, report.Outcomes, len(job.UIDs))
	assert.Empty(t, report.Missing())
	for _, uid := range job.UIDs {
		_, ok := report.Outcome(uid)
		assert.True(t, ok, "uid %s has no outcome", uid)
	}
}

func TestRun_ThreeMessagesToEMLAndCSV(t *testing.T) {
	src := newSource(nil)
	job := newJob(t, src, model.KindEML, model.KindCSV)

	report, err := quickRunner(Options{}).Run(context.Background(), job)
	require.NoError(t, err)

	assertOneOutcomeEach(t, job, report)
	assert.Equal(t, model.StateCompleted, report.State)
	assert.Equal(t, 3, report.Counts().Success)
	assert.NotEmpty(t, report.JobID)

	for _, uid := range job.UIDs {
		path := filepath.Join(job.TargetDir, "INBOX", fmt.Sprintf("%d_Subject %d.eml", uid, uid))
		assert.FileExists(t, path)
		o, _ := report.Outcome(uid)
		assert.Contains(t, o.Paths, path)
		assert.Equal(t, 1, o.Attempts)
	}

	file, err := os.Open(filepath.Join(job.TargetDir, export.CSVFileName))
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, export.CSVHeader, rows[0])
	got := map[string]bool{}
	for _, row := range rows[1:] {
		got[row[0]] = true
	}
	assert.Equal(t, map[string]bool{"101": true, "102": true, "103": true}, got)
}

func TestRun_RerunWithSkipExistingFetchesNothing(t *testing.T) {
	kinds := []model.ExportKind{model.KindEML, model.KindMbox, model.KindJSON, model.KindCSV}

	first := newSource(nil)
	job := newJob(t, first, kinds...)
	job.SkipExisting = true
	report, err := quickRunner(Options{}).Run(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, 3, report.Counts().Success)

	second := newSource(nil)
	job.Source = second
	report, err = quickRunner(Options{}).Run(context.Background(), job)
	require.NoError(t, err)

	assertOneOutcomeEach(t, job, report)
	assert.Equal(t, 3, report.Counts().Exists)
	assert.Zero(t, second.total(), "no network fetches on rerun")
	assert.Equal(t, model.StateCompleted, report.State)

	count, err := mbox.CountMessages(filepath.Join(job.TargetDir, "INBOX.mbox"))
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRun_SkipExistingFetchesWhenOneWriterLacksArtifact(t *testing.T) {
	first := newSource(nil)
	job := newJob(t, first, model.KindEML)
	job.SkipExisting = true
	_, err := quickRunner(Options{}).Run(context.Background(), job)
	require.NoError(t, err)

	second := newSource(nil)
	job.Source = second
	job.Kinds = []model.ExportKind{model.KindEML, model.KindMbox}
	report, err := quickRunner(Options{}).Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Counts().Success)
	assert.Equal(t, 3, second.total())
}

func TestRun_CancelAfterFirstItem(t *testing.T) {
	started := make(chan struct{})
	src := newSource(func(ctx context.Context, uid model.UID, _ int) (*model.FetchedMessage, error) {
		if uid == 101 {
			return message("INBOX", uid), nil
		}
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	job := newJob(t, src, model.KindEML)
	job.Concurrency = 1

	h, err := quickRunner(Options{CancelGrace: 0}).Start(context.Background(), job)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("second fetch never started")
	}
	h.Cancel()

	report, err := h.Wait()
	require.NoError(t, err)
	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Wait")
	}

	assertOneOutcomeEach(t, job, report)
	c := report.Counts()
	assert.Equal(t, 1, c.Success)
	assert.Equal(t, 2, c.Cancelled)
	assert.Equal(t, model.StateCancelled, report.State)
	assert.Equal(t, model.StateCancelled, h.State())
	assert.Zero(t, src.callsFor(103))
}

func TestRun_InFlightFetchesBoundedByConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	src := newSource(func(_ context.Context, uid model.UID, _ int) (*model.FetchedMessage, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return message("INBOX", uid), nil
	})
	job := newJob(t, src, model.KindEML)
	job.UIDs = []model.UID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	job.Concurrency = 3

	report, err := quickRunner(Options{}).Run(context.Background(), job)
	require.NoError(t, err)
	assertOneOutcomeEach(t, job, report)
	assert.Equal(t, 10, report.Counts().Success)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(3), peak.Load(), "workers should overlap")
}

func TestRun_LeavesNoGoroutinesBehind(t *testing.T) {
	settled := func(before int) func() bool {
		return func() bool { return runtime.NumGoroutine() <= before }
	}

	t.Run("completed", func(t *testing.T) {
		before := runtime.NumGoroutine()
		job := newJob(t, newSource(nil), model.KindEML, model.KindCSV)
		job.UIDs = []model.UID{1, 2, 3, 4, 5, 6, 7, 8}
		job.Concurrency = 4

		report, err := quickRunner(Options{}).Run(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, model.StateCompleted, report.State)
		assert.Eventually(t, settled(before), 2*time.Second, 10*time.Millisecond,
			"goroutines: before %d, now %d", before, runtime.NumGoroutine())
	})

	t.Run("cancelled", func(t *testing.T) {
		before := runtime.NumGoroutine()
		started := make(chan struct{}, 8)
		src := newSource(func(ctx context.Context, uid model.UID, _ int) (*model.FetchedMessage, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		})
		job := newJob(t, src, model.KindEML)
		job.UIDs = []model.UID{1, 2, 3, 4, 5, 6, 7, 8}
		job.Concurrency = 4

		h, err := quickRunner(Options{CancelGrace: 0}).Start(context.Background(), job)
		require.NoError(t, err)
		<-started
		h.Cancel()

		report, err := h.Wait()
		require.NoError(t, err)
		assert.Equal(t, model.StateCancelled, report.State)
		assertOneOutcomeEach(t, job, report)
		assert.Eventually(t, settled(before), 2*time.Second, 10*time.Millisecond,
			"goroutines: before %d, now %d", before, runtime.NumGoroutine())
	})
}

func TestRun_CancelGraceLetsInFlightFetchFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	src := newSource(func(ctx context.Context, uid model.UID, _ int) (*model.FetchedMessage, error) {
		if uid != 101 {
			return message("INBOX", uid), nil
		}
		close(started)
		select {
		case <-release:
			return message("INBOX", uid), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	job := newJob(t, src, model.KindEML)
	job.Concurrency = 1

	h, err := quickRunner(Options{CancelGrace: time.Minute}).Start(context.Background(), job)
	require.NoError(t, err)
	<-started
	h.Cancel()
	close(release)

	report, err := h.Wait()
	require.NoError(t, err)
	assertOneOutcomeEach(t, job, report)
	o, _ := report.Outcome(101)
	assert.Equal(t, model.OutcomeSuccess, o.Kind)
	assert.Equal(t, 2, report.Counts().Cancelled)
}

type stubWriter struct {
	kind        model.ExportKind
	writeErr    error
	finalizeErr error

	mu        sync.Mutex
	finalized int
}

func (w *stubWriter) Kind() model.ExportKind        { return w.kind }
func (w *stubWriter) Prepare(*model.Job) error      { return nil }
func (w *stubWriter) Exists(string, model.UID) bool { return false }
func (w *stubWriter) Write(*model.FetchedMessage) (string, error) {
	return "stub", w.writeErr
}
func (w *stubWriter) Finalize() error {
	w.mu.Lock()
	w.finalized++
	w.mu.Unlock()
	return w.finalizeErr
}

func TestRun_PartialFormatFailure(t *testing.T) {
	failing := &stubWriter{kind: model.KindCSV, writeErr: errors.New("disk full")}
	factory := func(kinds []model.ExportKind, logger *slog.Logger) ([]export.Writer, error) {
		return []export.Writer{export.NewEML(logger), failing}, nil
	}
	src := newSource(nil)
	job := newJob(t, src, model.KindEML, model.KindCSV)
	job.UIDs = []model.UID{101}

	report, err := quickRunner(Options{Writers: factory}).Run(context.Background(), job)
	require.NoError(t, err)

	o, ok := report.Outcome(101)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeFailed, o.Kind)
	assert.Equal(t, model.ErrorKindWrite, o.ErrKind)
	assert.True(t, o.Partial)
	assert.Contains(t, o.Err, "disk full")
	require.Len(t, o.Paths, 1)
	assert.FileExists(t, o.Paths[0])
	assert.Equal(t, 1, report.Counts().Partial)
	raw := int64(len(message("INBOX", 101).Raw))
	assert.Equal(t, raw, o.Bytes, "downloaded bytes count for failed writes")
	assert.Equal(t, raw, report.Bytes)
	assert.Equal(t, model.StateCompleted, report.State, "item failures do not fail the job")
	assert.Equal(t, 1, failing.finalized)
}

func TestRun_FinalizeFailureFailsJob(t *testing.T) {
	failing := &stubWriter{kind: model.KindJSON, finalizeErr: errors.New("cannot flush")}
	factory := func([]model.ExportKind, *slog.Logger) ([]export.Writer, error) {
		return []export.Writer{failing}, nil
	}
	job := newJob(t, newSource(nil), model.KindJSON)

	report, err := quickRunner(Options{Writers: factory}).Run(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, model.StateFailed, report.State)
	assert.Equal(t, 3, report.Counts().Success)
	require.Len(t, report.FinalizeErrors, 1)
	assert.Contains(t, err.Error(), "cannot flush")
}

func TestRun_RetriesTransientErrors(t *testing.T) {
	src := newSource(func(_ context.Context, uid model.UID, call int) (*model.FetchedMessage, error) {
		if call < 3 {
			return nil, model.NewError(model.ErrorKindConnection, "fetch", errors.New("connection reset"))
		}
		return message("INBOX", uid), nil
	})
	job := newJob(t, src, model.KindEML)
	job.UIDs = []model.UID{101}
	m := metrics.New()

	report, err := quickRunner(Options{Metrics: m}).Run(context.Background(), job)
	require.NoError(t, err)

	o, _ := report.Outcome(101)
	assert.Equal(t, model.OutcomeSuccess, o.Kind)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, 3, src.callsFor(101))

	expected := `
# HELP imapexport_fetch_retries_total Fetch attempts repeated after a transient error.
# TYPE imapexport_fetch_retries_total counter
imapexport_fetch_retries_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "imapexport_fetch_retries_total"))
}

func TestRun_GivesUpAfterThreeAttempts(t *testing.T) {
	src := newSource(func(context.Context, model.UID, int) (*model.FetchedMessage, error) {
		return nil, model.NewError(model.ErrorKindConnection, "fetch", errors.New("timeout"))
	})
	job := newJob(t, src, model.KindEML)
	job.UIDs = []model.UID{101}

	report, err := quickRunner(Options{}).Run(context.Background(), job)
	require.NoError(t, err)

	o, _ := report.Outcome(101)
	assert.Equal(t, model.OutcomeFailed, o.Kind)
	assert.Equal(t, model.ErrorKindConnection, o.ErrKind)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, 3, src.callsFor(101))
	require.Len(t, report.Failures(), 1)
}

func TestRun_NotFoundIsNotRetried(t *testing.T) {
	src := newSource(func(_ context.Context, uid model.UID, _ int) (*model.FetchedMessage, error) {
		if uid == 102 {
			return nil, model.NewError(model.ErrorKindNotFound, "fetch", errors.New("uid 102 not in INBOX"))
		}
		return message("INBOX", uid), nil
	})
	job := newJob(t, src, model.KindEML)

	report, err := quickRunner(Options{}).Run(context.Background(), job)
	require.NoError(t, err)

	assertOneOutcomeEach(t, job, report)
	o, _ := report.Outcome(102)
	assert.Equal(t, model.OutcomeFailed, o.Kind)
	assert.Equal(t, model.ErrorKindNotFound, o.ErrKind)
	assert.Equal(t, 1, src.callsFor(102))
	assert.Equal(t, 2, report.Counts().Success)
	assert.Equal(t, model.StateCompleted, report.State)
}

func TestRun_FatalErrorAbortsRemaining(t *testing.T) {
	src := newSource(func(_ context.Context, uid model.UID, _ int) (*model.FetchedMessage, error) {
		return nil, model.NewError(model.ErrorKindProtocol, "select", errors.New("mailbox INBOX does not exist"))
	})
	job := newJob(t, src, model.KindEML)
	job.Concurrency = 1

	report, err := quickRunner(Options{}).Run(context.Background(), job)
	require.Error(t, err)

	assertOneOutcomeEach(t, job, report)
	assert.Equal(t, model.StateFailed, report.State)
	o, _ := report.Outcome(101)
	assert.Equal(t, model.OutcomeFailed, o.Kind)
	assert.Equal(t, model.ErrorKindProtocol, o.ErrKind)
	assert.Equal(t, 2, report.Counts().Aborted)
	assert.Equal(t, 1, src.total())
}

func TestRun_PrepareFailureAbortsEverything(t *testing.T) {
	job := newJob(t, newSource(nil), model.KindJSON)
	job.SkipExisting = true
	require.NoError(t, os.WriteFile(filepath.Join(job.TargetDir, export.JSONFileName), []byte("{broken"), 0o644))

	report, err := quickRunner(Options{}).Run(context.Background(), job)
	require.Error(t, err)
	assertOneOutcomeEach(t, job, report)
	assert.Equal(t, model.StateFailed, report.State)
	assert.Equal(t, 3, report.Counts().Aborted)
}

func TestStart_RejectsBusyAccount(t *testing.T) {
	release := make(chan struct{})
	blocking := newSource(func(ctx context.Context, uid model.UID, _ int) (*model.FetchedMessage, error) {
		<-release
		return message("INBOX", uid), nil
	})
	r := quickRunner(Options{})

	h, err := r.Start(context.Background(), newJob(t, blocking, model.KindEML))
	require.NoError(t, err)

	_, err = r.Start(context.Background(), newJob(t, newSource(nil), model.KindEML))
	assert.ErrorIs(t, err, ErrAccountBusy)

	other := newJob(t, newSource(nil), model.KindEML)
	other.Account = "bob@example.org"
	report, err := r.Run(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Counts().Success)

	close(release)
	_, err = h.Wait()
	require.NoError(t, err)

	_, err = r.Run(context.Background(), newJob(t, newSource(nil), model.KindEML))
	assert.NoError(t, err, "account is free again")
}

func TestStart_QueuesBehindBusyAccount(t *testing.T) {
	release := make(chan struct{})
	blocking := newSource(func(ctx context.Context, uid model.UID, _ int) (*model.FetchedMessage, error) {
		<-release
		return message("INBOX", uid), nil
	})
	r := quickRunner(Options{WaitForAccount: true})

	first, err := r.Start(context.Background(), newJob(t, blocking, model.KindEML))
	require.NoError(t, err)
	second, err := r.Start(context.Background(), newJob(t, newSource(nil), model.KindEML))
	require.NoError(t, err)

	select {
	case <-second.Done():
		t.Fatal("second job ran while the account was busy")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, model.StateIdle, second.State())

	close(release)
	_, err = first.Wait()
	require.NoError(t, err)
	report, err := second.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, report.Counts().Success)
}

func TestStart_InvalidJob(t *testing.T) {
	job := newJob(t, newSource(nil), model.KindEML)
	job.UIDs = []model.UID{1, 1}
	_, err := quickRunner(Options{}).Start(context.Background(), job)
	assert.Error(t, err)

	_, err = quickRunner(Options{}).Start(context.Background(), nil)
	assert.Error(t, err)
}

func TestStart_DoesNotModifyCallerJob(t *testing.T) {
	job := newJob(t, newSource(nil), model.KindEML)
	job.Concurrency = 0

	h, err := quickRunner(Options{}).Start(context.Background(), job)
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)

	assert.Empty(t, job.ID)
	assert.Zero(t, job.Concurrency)
	assert.NotEmpty(t, h.ID)
}

type sinkRecorder struct {
	mu       sync.Mutex
	results  []model.Outcome
	progress []stats.Progress
}

func (s *sinkRecorder) OnProgress(p stats.Progress) {
	s.mu.Lock()
	s.progress = append(s.progress, p)
	s.mu.Unlock()
}

func (s *sinkRecorder) OnItemResult(o model.Outcome) {
	s.mu.Lock()
	s.results = append(s.results, o)
	s.mu.Unlock()
}

func TestRun_ReportsProgressToSink(t *testing.T) {
	sink := &sinkRecorder{}
	job := newJob(t, newSource(nil), model.KindEML)

	_, err := quickRunner(Options{Sink: sink}).Run(context.Background(), job)
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.results, 3)
	require.NotEmpty(t, sink.progress)
	last := sink.progress[len(sink.progress)-1]
	assert.Equal(t, 3, last.Completed)
	assert.Equal(t, 3, last.Total)
	assert.Positive(t, last.Bytes)
}

func TestScheduler_WaitHonoursContext(t *testing.T) {
	s := NewScheduler()
	release, err := s.Acquire(context.Background(), "a", false)
	require.NoError(t, err)
	assert.True(t, s.Busy("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "a", true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.False(t, s.Busy("a"))
}
