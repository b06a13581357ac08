// Package export implements the output formats a download job can produce.
//
// Every writer follows the same lifecycle: Prepare once per job, Exists and
// Write from any number of workers, Finalize exactly once at the end. Writers
// never mutate the FetchedMessage they are handed.
package export

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dhcgn/imap-export/model"
)

// Writer is one export format.
type Writer interface {
	Kind() model.ExportKind
	// Prepare sets the writer up for job. It is idempotent.
	Prepare(job *model.Job) error
	// Exists reports whether the artifact for uid is already present and
	// non-empty.
	Exists(folder string, uid model.UID) bool
	// Write exports msg and returns the path of the artifact it touched.
	Write(msg *model.FetchedMessage) (string, error)
	// Finalize flushes and closes the writer.
	Finalize() error
}

const (
	JSONFileName = "emails.json"
	CSVFileName  = "emails.csv"
)

// ForKinds builds one writer per requested kind, in the given order.
func ForKinds(kinds []model.ExportKind, logger *slog.Logger) ([]Writer, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	writers := make([]Writer, 0, len(kinds))
	for _, kind := range kinds {
		switch kind {
		case model.KindEML:
			writers = append(writers, NewEML(logger))
		case model.KindMbox:
			writers = append(writers, NewArchive(logger))
		case model.KindJSON:
			writers = append(writers, NewJSON(logger))
		case model.KindCSV:
			writers = append(writers, NewCSV(logger))
		default:
			return nil, fmt.Errorf("unsupported export format %q", kind)
		}
	}
	return writers, nil
}

func writeError(op string, err error) error {
	return model.NewError(model.ErrorKindWrite, op, err)
}

// writeFileAtomic writes data to a temp file beside path and renames it into
// place, so readers never observe a partial artifact.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

func closeAll(closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
