package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/imap-export/model"
)

// Entry locates one message inside an archive.
type Entry struct {
	UID       model.UID `json:"uid"`
	Folder    string    `json:"folder,omitempty"`
	Offset    int64     `json:"offset"`
	Size      int64     `json:"size"`
	MessageID string    `json:"message_id,omitempty"`
	Written   time.Time `json:"written"`
}

// End is the offset just past the entry.
func (e Entry) End() int64 {
	return e.Offset + e.Size
}

// Snapshot summarises an index.
type Snapshot struct {
	Entries int
	// Foreign counts loaded entries that belong to another folder.
	Foreign int
	End     int64
}

// Index records which UIDs an archive already holds so skip-existing checks
// never have to parse the archive. It persists as JSONL next to the archive.
type Index struct {
	folder  string
	mu      sync.RWMutex
	entries map[model.UID]Entry
	end     int64
	foreign int

	path    string
	writeMu sync.Mutex
	file    *os.File
	writer  *bufio.Writer
}

// IndexPath is the sidecar path for an archive: ".<name>.idx" beside it.
func IndexPath(archivePath string) string {
	dir, name := filepath.Split(archivePath)
	return filepath.Join(dir, "."+name+".idx")
}

// OpenIndex loads the sidecar index of the archive of folder whose current
// length is archiveSize. An index that claims more bytes than the archive
// holds is stale and discarded, as is any index when reset is set. Entries
// recorded for another folder never answer Has.
func OpenIndex(archivePath, folder string, archiveSize int64, reset bool) (*Index, error) {
	if strings.TrimSpace(archivePath) == "" {
		return nil, fmt.Errorf("archive path is empty")
	}

	idx := &Index{
		folder:  folder,
		entries: make(map[model.UID]Entry),
		path:    IndexPath(archivePath),
	}

	rewrite := false
	if !reset {
		torn, err := idx.load()
		if err != nil {
			return nil, err
		}
		if idx.end > archiveSize {
			idx.entries = make(map[model.UID]Entry)
			idx.end = 0
			reset = true
		}
		rewrite = torn
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if reset || rewrite {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(idx.path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open index file for append: %w", err)
	}
	idx.file = file
	idx.writer = bufio.NewWriterSize(file, 16*1024)

	if rewrite {
		for _, e := range idx.entries {
			if err := idx.writeRecord(e); err != nil {
				_ = file.Close()
				return nil, err
			}
		}
	}

	return idx, nil
}

// load reads the index file. torn reports a partial trailing record left by
// an interrupted run; everything before it is kept.
func (x *Index) load() (torn bool, err error) {
	file, err := os.Open(x.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(text, &e); err != nil {
			torn = true
			break
		}
		if e.End() > x.end {
			x.end = e.End()
		}
		if e.Folder != "" && e.Folder != x.folder {
			x.foreign++
			continue
		}
		x.entries[e.UID] = e
	}

	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("read index file: %w", err)
	}

	return torn, nil
}

// Has reports whether uid is recorded.
func (x *Index) Has(uid model.UID) bool {
	x.mu.RLock()
	_, ok := x.entries[uid]
	x.mu.RUnlock()
	return ok
}

// Get returns the entry for uid.
func (x *Index) Get(uid model.UID) (Entry, bool) {
	x.mu.RLock()
	e, ok := x.entries[uid]
	x.mu.RUnlock()
	return e, ok
}

// Mark records an appended message. Marking a known UID is a no-op.
func (x *Index) Mark(e Entry) error {
	if e.Folder == "" {
		e.Folder = x.folder
	}
	x.mu.Lock()
	if _, exists := x.entries[e.UID]; exists {
		x.mu.Unlock()
		return nil
	}
	x.entries[e.UID] = e
	if e.End() > x.end {
		x.end = e.End()
	}
	x.mu.Unlock()

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	return x.writeRecord(e)
}

func (x *Index) writeRecord(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode index record: %w", err)
	}
	if _, err := x.writer.Write(data); err != nil {
		return fmt.Errorf("write index record: %w", err)
	}
	if err := x.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

func (x *Index) Snapshot() Snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Snapshot{Entries: len(x.entries), Foreign: x.foreign, End: x.end}
}

// Flush writes any buffered data to the underlying file.
func (x *Index) Flush() error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	if err := x.writer.Flush(); err != nil {
		return fmt.Errorf("flush index file: %w", err)
	}
	if err := x.file.Sync(); err != nil {
		return fmt.Errorf("sync index file: %w", err)
	}
	return nil
}

// Close flushes and closes the index file.
func (x *Index) Close() error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	var firstErr error
	if err := x.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush index file: %w", err)
	}
	if err := x.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync index file: %w", err)
	}
	if err := x.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close index file: %w", err)
	}

	return firstErr
}
