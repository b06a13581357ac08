package model

import (
	"strconv"
	"time"
)

// UID is the server-assigned identifier of a message, unique within one folder.
type UID uint32

func (u UID) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

// ParseUID parses the decimal form of a UID.
func ParseUID(s string) (UID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return UID(v), nil
}

// Header is the subset of message headers the exporters need.
type Header struct {
	Subject   string
	From      string
	To        []string
	Date      time.Time
	MessageID string
}

// FetchedMessage is one message retrieved from the server. Writers share it
// read-only once the worker has handed it off.
type FetchedMessage struct {
	UID    UID
	Folder string
	Header Header
	Size   int64
	Raw    []byte
}

// Summary is a listing row for a message whose body has not been fetched.
type Summary struct {
	UID     UID
	Folder  string
	Subject string
	From    string
	Date    time.Time
	Size    int64
	Header  []byte
}

// Folder is a server-side mailbox with its hierarchy delimiter.
type Folder struct {
	Name      string
	Delimiter rune
	Attrs     []string
}
