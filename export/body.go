package export

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// BodySeparator joins the text parts of a multipart message.
const BodySeparator = "\n---\n"

// ExtractText returns the decoded text/plain and text/html parts of raw in
// message order, joined by BodySeparator. Attachments are skipped. A message
// that cannot be parsed as MIME is returned as-is.
func ExtractText(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return string(raw)
	}
	defer mr.Close()

	var parts []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			continue
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "" && contentType != "text/plain" && contentType != "text/html" {
			continue
		}
		body, err := io.ReadAll(part.Body)
		if err != nil || len(body) == 0 {
			continue
		}
		parts = append(parts, strings.ToValidUTF8(string(body), ""))
	}
	return strings.Join(parts, BodySeparator)
}
