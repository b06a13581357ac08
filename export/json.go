package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dhcgn/imap-export/model"
)

// Record is one entry of the batch JSON file.
type Record struct {
	UID       model.UID `json:"uid"`
	Folder    string    `json:"folder"`
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	To        []string  `json:"to,omitempty"`
	Date      string    `json:"date,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Size      int64     `json:"size"`
	RawSize   int       `json:"raw_size"`
	Body      string    `json:"body"`
}

type recordKey struct {
	folder string
	uid    model.UID
}

// JSON accumulates one record per message and writes a single array, sorted
// by folder and UID, at Finalize.
type JSON struct {
	logger *slog.Logger
	path   string
	// fresh replaces any earlier file, even with no records.
	fresh bool

	mu      sync.Mutex
	records map[recordKey]Record
}

func NewJSON(logger *slog.Logger) *JSON {
	return &JSON{
		logger:  logger.With("writer", model.KindJSON),
		records: make(map[recordKey]Record),
	}
}

func (w *JSON) Kind() model.ExportKind { return model.KindJSON }

// Prepare loads records left by an earlier run when skip-existing is set so
// they are carried into the new file.
func (w *JSON) Prepare(job *model.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.path != "" {
		return nil
	}
	w.path = filepath.Join(job.TargetDir, JSONFileName)
	w.fresh = !job.SkipExisting
	if w.fresh {
		return nil
	}

	data, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return writeError("read json", err)
	}
	var prior []Record
	if err := json.Unmarshal(data, &prior); err != nil {
		return writeError("decode json", fmt.Errorf("%s: %w", w.path, err))
	}
	for _, r := range prior {
		w.records[recordKey{r.Folder, r.UID}] = r
	}
	w.logger.Debug("prior records loaded", "path", w.path, "records", len(prior))
	return nil
}

func (w *JSON) Exists(folder string, uid model.UID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.records[recordKey{folder, uid}]
	return ok
}

func (w *JSON) Write(msg *model.FetchedMessage) (string, error) {
	rec := Record{
		UID:       msg.UID,
		Folder:    msg.Folder,
		Subject:   msg.Header.Subject,
		From:      msg.Header.From,
		To:        msg.Header.To,
		Date:      formatDate(msg.Header.Date),
		MessageID: msg.Header.MessageID,
		Size:      messageSize(msg),
		RawSize:   len(msg.Raw),
		Body:      ExtractText(msg.Raw),
	}

	w.mu.Lock()
	w.records[recordKey{msg.Folder, msg.UID}] = rec
	w.mu.Unlock()
	return w.path, nil
}

func (w *JSON) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.path == "" || (len(w.records) == 0 && !w.fresh) {
		return nil
	}
	records := make([]Record, 0, len(w.records))
	for _, r := range w.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Folder != records[j].Folder {
			return records[i].Folder < records[j].Folder
		}
		return records[i].UID < records[j].UID
	})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return writeError("encode json", err)
	}
	if err := writeFileAtomic(w.path, buf.Bytes(), 0o644); err != nil {
		return writeError("write json", err)
	}
	w.logger.Debug("batch file written", "path", w.path, "records", len(records))
	return nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func messageSize(msg *model.FetchedMessage) int64 {
	if msg.Size > 0 {
		return msg.Size
	}
	return int64(len(msg.Raw))
}
