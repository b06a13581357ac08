package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/dhcgn/imap-export/model"
)

// CSVHeader is the column row of the batch CSV file.
var CSVHeader = []string{"UID", "Subject", "From", "Date", "Folder", "Size"}

// CSV accumulates one row per message. Prepare writes the header row; the
// table is rewritten, sorted by folder and UID, at Finalize.
type CSV struct {
	logger *slog.Logger
	path   string

	mu   sync.Mutex
	rows map[recordKey][]string
}

func NewCSV(logger *slog.Logger) *CSV {
	return &CSV{
		logger: logger.With("writer", model.KindCSV),
		rows:   make(map[recordKey][]string),
	}
}

func (w *CSV) Kind() model.ExportKind { return model.KindCSV }

func (w *CSV) Prepare(job *model.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.path != "" {
		return nil
	}
	w.path = filepath.Join(job.TargetDir, CSVFileName)
	if !job.SkipExisting {
		return w.flushLocked()
	}

	file, err := os.Open(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return w.flushLocked()
	}
	if err != nil {
		return writeError("read csv", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return writeError("decode csv", fmt.Errorf("%s: %w", w.path, err))
	}
	for i, row := range rows {
		if i == 0 || len(row) != len(CSVHeader) {
			continue
		}
		uid, err := model.ParseUID(row[0])
		if err != nil {
			continue
		}
		w.rows[recordKey{row[4], uid}] = row
	}
	w.logger.Debug("prior rows loaded", "path", w.path, "rows", len(w.rows))
	return nil
}

func (w *CSV) Exists(folder string, uid model.UID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.rows[recordKey{folder, uid}]
	return ok
}

func (w *CSV) Write(msg *model.FetchedMessage) (string, error) {
	row := []string{
		msg.UID.String(),
		msg.Header.Subject,
		msg.Header.From,
		formatDate(msg.Header.Date),
		msg.Folder,
		strconv.FormatInt(messageSize(msg), 10),
	}

	w.mu.Lock()
	w.rows[recordKey{msg.Folder, msg.UID}] = row
	w.mu.Unlock()
	return w.path, nil
}

func (w *CSV) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.path == "" {
		return nil
	}
	return w.flushLocked()
}

func (w *CSV) flushLocked() error {
	keys := make([]recordKey, 0, len(w.rows))
	for k := range w.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].folder != keys[j].folder {
			return keys[i].folder < keys[j].folder
		}
		return keys[i].uid < keys[j].uid
	})

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write(CSVHeader)
	for _, k := range keys {
		_ = cw.Write(w.rows[k])
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return writeError("encode csv", err)
	}
	if err := writeFileAtomic(w.path, buf.Bytes(), 0o644); err != nil {
		return writeError("write csv", err)
	}
	w.logger.Debug("batch file written", "path", w.path, "rows", len(keys))
	return nil
}
