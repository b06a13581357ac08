package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-export/model"
	"github.com/dhcgn/imap-export/stats"
)

// Bar renders job progress on the terminal. It implements stats.Sink.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
	started time.Time
	last    stats.Progress
}

// New creates a progress bar for total messages. A disabled bar swallows
// every call.
func New(total int, enabled bool) *Bar {
	bar := &Bar{
		total:   total,
		enabled: enabled && total > 0,
		started: time.Now(),
	}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Downloading messages").
			Start()
		bar.pb = pb

		pterm.Info.Printf("Messages selected: %d\n", total)
		pterm.Println()
	}

	return bar
}

func (b *Bar) OnProgress(p stats.Progress) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = p
	// progress may be coalesced, so jump rather than increment
	if delta := p.Completed - b.pb.Current; delta > 0 {
		b.pb.Add(delta)
	}
	b.pb.UpdateTitle(fmt.Sprintf("Downloading (%s)", formatBytes(p.Bytes)))
}

func (b *Bar) OnItemResult(o model.Outcome) {
	if !b.enabled || b.pb == nil {
		return
	}
	if o.Kind != model.OutcomeFailed {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if o.Partial {
		pterm.Warning.Printf("UID %s partially exported: %s\n", o.UID, o.Err)
		return
	}
	pterm.Error.Printf("UID %s failed: %s\n", o.UID, o.Err)
}

// Stop finalizes the progress bar and prints the report summary.
func (b *Bar) Stop(report *model.BatchReport) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()

	if report == nil {
		return
	}
	c := report.Counts()
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", report.Duration.Round(time.Millisecond))
	pterm.Info.Printf("Exported: %d\n", c.Success)
	pterm.Info.Printf("Already present: %d\n", c.Exists)
	pterm.Info.Printf("Transferred: %s\n", formatBytes(report.Bytes))
	if c.Cancelled > 0 {
		pterm.Warning.Printf("Cancelled: %d\n", c.Cancelled)
	}
	if c.Aborted > 0 {
		pterm.Warning.Printf("Aborted: %d\n", c.Aborted)
	}
	if c.Failed > 0 {
		pterm.Error.Printf("Failed: %d (partial: %d)\n", c.Failed, c.Partial)
	}
	switch report.State {
	case model.StateCompleted:
		pterm.Success.Println("Download complete!")
	case model.StateCancelled:
		pterm.Warning.Println("Download cancelled")
	default:
		pterm.Error.Printf("Download failed: %v\n", report.Err)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
