package export

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dhcgn/imap-export/mbox"
	"github.com/dhcgn/imap-export/model"
	"github.com/dhcgn/imap-export/naming"
	"github.com/dhcgn/imap-export/state"
)

// folderArchive is one mbox file and its index. mu is held only for the
// append itself.
type folderArchive struct {
	mu      sync.Mutex
	archive *mbox.Archive
	index   *state.Index
}

// Archive appends messages to one mbox file per folder. Appends to the same
// folder are serialized so message boundaries never interleave.
type Archive struct {
	logger *slog.Logger

	root     string
	delim    rune
	truncate bool

	mu      sync.Mutex
	folders map[string]*folderArchive
}

func NewArchive(logger *slog.Logger) *Archive {
	return &Archive{
		logger:  logger.With("writer", model.KindMbox),
		folders: make(map[string]*folderArchive),
	}
}

func (w *Archive) Kind() model.ExportKind { return model.KindMbox }

func (w *Archive) Prepare(job *model.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.root != "" {
		return nil
	}
	w.root = job.TargetDir
	w.delim = job.Delimiter
	w.truncate = !job.SkipExisting

	_, err := w.openLocked(job.Folder)
	return err
}

// Path returns the archive path for folder.
func (w *Archive) Path(folder string) string {
	return filepath.Join(w.root, naming.ArchiveName(model.Lineage(folder, w.delim)))
}

func (w *Archive) open(folder string) (*folderArchive, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openLocked(folder)
}

func (w *Archive) openLocked(folder string) (*folderArchive, error) {
	if fa, ok := w.folders[folder]; ok {
		return fa, nil
	}

	path := w.Path(folder)
	archive, err := mbox.OpenArchive(path, w.truncate)
	if err != nil {
		return nil, writeError("open archive", err)
	}
	index, err := state.OpenIndex(path, folder, archive.Size(), w.truncate)
	if err != nil {
		_ = archive.Close()
		return nil, writeError("open archive index", err)
	}

	snap := index.Snapshot()
	if snap.Foreign > 0 {
		w.logger.Warn("archive index holds entries of another folder", "path", path, "folder", folder, "foreign", snap.Foreign)
	}
	w.logger.Debug("archive opened", "path", path, "size", archive.Size(), "indexed", snap.Entries)
	fa := &folderArchive{archive: archive, index: index}
	w.folders[folder] = fa
	return fa, nil
}

func (w *Archive) Exists(folder string, uid model.UID) bool {
	fa, err := w.open(folder)
	if err != nil {
		w.logger.Warn("existence check failed", "folder", folder, "uid", uid, "err", err)
		return false
	}
	return fa.index.Has(uid)
}

func (w *Archive) Write(msg *model.FetchedMessage) (string, error) {
	fa, err := w.open(msg.Folder)
	if err != nil {
		return w.Path(msg.Folder), err
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	path := fa.archive.Path()
	if fa.index.Has(msg.UID) {
		return path, nil
	}

	date := msg.Header.Date
	if date.IsZero() {
		date = time.Now()
	}
	offset, n, err := fa.archive.Append(msg.Header.From, date, msg.Raw)
	if err != nil {
		return path, writeError("append archive", fmt.Errorf("uid %s: %w", msg.UID, err))
	}
	if err := fa.index.Mark(state.Entry{
		UID:       msg.UID,
		Offset:    offset,
		Size:      n,
		MessageID: msg.Header.MessageID,
		Written:   time.Now().UTC(),
	}); err != nil {
		return path, writeError("index archive", err)
	}
	return path, nil
}

func (w *Archive) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for folder, fa := range w.folders {
		fa.mu.Lock()
		if err := closeAll(fa.archive, fa.index); err != nil {
			errs = append(errs, fmt.Errorf("folder %s: %w", folder, err))
		}
		fa.mu.Unlock()
		delete(w.folders, folder)
	}
	if len(errs) > 0 {
		return writeError("finalize archive", errors.Join(errs...))
	}
	return nil
}
