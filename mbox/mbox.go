package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
)

// Archive appends whole messages to an mbox file. It is not safe for
// concurrent use; callers serialize Append per archive.
type Archive struct {
	path string
	file *os.File
	size int64
}

// OpenArchive opens path for appending, creating it and its parent
// directory if needed. With truncate set, existing content is discarded.
func OpenArchive(path string, truncate bool) (*Archive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat mbox: %w", err)
	}
	return &Archive{path: path, file: file, size: info.Size()}, nil
}

func (a *Archive) Path() string {
	return a.path
}

// Size is the archive length in bytes after the last successful append.
func (a *Archive) Size() int64 {
	return a.size
}

// Append writes raw as one mbox message and returns its offset and length.
// A failed append is truncated away so the archive never holds half a message.
func (a *Archive) Append(from string, date time.Time, raw []byte) (offset, n int64, err error) {
	offset = a.size
	cw := &countingWriter{w: a.file}
	mw := mboxlib.NewWriter(cw)

	defer func() {
		if err != nil {
			if terr := a.file.Truncate(offset); terr != nil {
				err = errors.Join(err, fmt.Errorf("truncate after failed append: %w", terr))
			}
		}
	}()

	body, err := mw.CreateMessage(envelopeSender(from), date)
	if err != nil {
		return offset, 0, fmt.Errorf("mbox create message: %w", err)
	}
	if _, err := body.Write(normalizeNewlines(raw)); err != nil {
		return offset, 0, fmt.Errorf("mbox write: %w", err)
	}
	if err := mw.Close(); err != nil {
		return offset, 0, fmt.Errorf("mbox close message: %w", err)
	}

	a.size += cw.n
	return offset, cw.n, nil
}

func (a *Archive) Close() error {
	var firstErr error
	if err := a.file.Sync(); err != nil {
		firstErr = fmt.Errorf("sync mbox: %w", err)
	}
	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mbox: %w", err)
	}
	return firstErr
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// envelopeSender reduces a From header to the bare address used on the
// mbox separator line.
func envelopeSender(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil && addr.Address != "" {
		return addr.Address
	}
	from = strings.Join(strings.Fields(from), "")
	if from == "" {
		return "MAILER-DAEMON"
	}
	return from
}

func normalizeNewlines(raw []byte) []byte {
	if !bytes.Contains(raw, []byte("\r\n")) {
		return raw
	}
	return bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
}

// MboxMessage represents a single message read back from an archive.
type MboxMessage struct {
	Headers mail.Header
	Body    []byte
}

// Read opens an mbox file and iterates through its messages,
// calling the provided callback for each message.
func Read(path string, callback func(m *MboxMessage) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		msg, err := mail.ReadMessage(msgReader)
		if err != nil {
			// try to continue
			continue
		}

		body, err := io.ReadAll(msg.Body)
		if err != nil {
			continue
		}

		if err := callback(&MboxMessage{Headers: msg.Header, Body: body}); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, fmt.Errorf("message %d read: %w", count, err)
		}
		count++
	}
}
