package export

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dhcgn/imap-export/model"
	"github.com/dhcgn/imap-export/naming"
)

// EML writes each message verbatim to its own file. After Prepare it holds no
// mutable state, so Write is safe from any number of workers.
type EML struct {
	logger   *slog.Logger
	root     string
	delim    rune
	resolver naming.Resolver
}

func NewEML(logger *slog.Logger) *EML {
	return &EML{logger: logger.With("writer", model.KindEML)}
}

func (w *EML) Kind() model.ExportKind { return model.KindEML }

func (w *EML) Prepare(job *model.Job) error {
	w.root = job.TargetDir
	w.delim = job.Delimiter
	w.resolver = naming.Resolver{PreserveFolders: job.PreserveFolders}
	return nil
}

func (w *EML) Exists(folder string, uid model.UID) bool {
	pattern := filepath.Join(naming.EscapeGlob(w.root), w.resolver.MessageGlob(model.Lineage(folder, w.delim), uid))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		w.logger.Warn("existence check failed", "uid", uid, "err", err)
		return false
	}
	for _, m := range matches {
		if nonEmptyFile(m) {
			return true
		}
	}
	return false
}

func (w *EML) Write(msg *model.FetchedMessage) (string, error) {
	rel := w.resolver.MessagePath(model.Lineage(msg.Folder, w.delim), msg.UID, msg.Header.Subject)
	path := filepath.Join(w.root, rel)
	if err := writeFileAtomic(path, msg.Raw, 0o644); err != nil {
		return path, writeError("write eml", fmt.Errorf("uid %s: %w", msg.UID, err))
	}
	w.logger.Debug("message written", "uid", msg.UID, "path", path, "bytes", len(msg.Raw))
	return path, nil
}

func (w *EML) Finalize() error { return nil }
