package imap

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/imap-export/model"
)

// ParseHeader decodes the header block at the start of raw. Fields that fail
// to decode are left empty; the first such error is returned alongside the
// partial result.
func ParseHeader(raw []byte) (model.Header, error) {
	var out model.Header
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return out, fmt.Errorf("read header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil && !message.IsUnknownCharset(err) {
			firstErr = err
		}
	}

	subject, err := h.Subject()
	keep(err)
	out.Subject = subject

	from, err := h.AddressList("From")
	keep(err)
	if len(from) > 0 {
		out.From = formatAddress(from[0])
	} else {
		text, err := h.Text("From")
		keep(err)
		out.From = text
	}

	to, err := h.AddressList("To")
	keep(err)
	for _, a := range to {
		out.To = append(out.To, formatAddress(a))
	}

	if h.Has("Date") {
		date, err := h.Date()
		keep(err)
		out.Date = date
	}

	id, err := h.MessageID()
	keep(err)
	if id != "" {
		out.MessageID = "<" + id + ">"
	}

	return out, firstErr
}

func formatAddress(a *mail.Address) string {
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", name, a.Address)
}
