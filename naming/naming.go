// Package naming derives filesystem-safe, deterministic paths for exported
// messages and archives.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dhcgn/imap-export/model"
)

const (
	// MaxSubjectRunes bounds the subject part of a file name.
	MaxSubjectRunes = 50
	// MaxSegmentRunes bounds a single folder segment.
	MaxSegmentRunes = 80
	// Placeholder replaces subjects that sanitize to nothing.
	Placeholder = "no_subject"

	EMLExt  = ".eml"
	MboxExt = ".mbox"

	// FlatSeparator sits between the folder prefix and the UID of a flat
	// file name. Encoded prefixes never contain it.
	FlatSeparator = "__"
)

// emptySegment stands for an empty folder name. A lone '%' is never produced
// by escaping.
const emptySegment = "%"

// Resolver maps (lineage, uid, subject) to a relative path.
type Resolver struct {
	PreserveFolders bool
}

// MessagePath returns the relative path of the single-file export for a
// message. With PreserveFolders the lineage becomes directories; otherwise
// the lineage is folded into a file name prefix, separated from the UID by
// FlatSeparator, so that messages from different folders never collide in
// the flat directory.
func (r Resolver) MessagePath(lineage []string, uid model.UID, subject string) string {
	name := uid.String() + "_" + SanitizeSubject(subject) + EMLExt
	if r.PreserveFolders {
		return filepath.Join(append(FolderDirs(lineage), name)...)
	}
	return FlatPrefix(lineage) + FlatSeparator + name
}

// MessageGlob returns a glob matching any single-file export of uid
// regardless of subject. Folder names are escaped so glob metacharacters in
// them match literally.
func (r Resolver) MessageGlob(lineage []string, uid model.UID) string {
	name := uid.String() + "_*" + EMLExt
	if r.PreserveFolders {
		dirs := FolderDirs(lineage)
		for i, d := range dirs {
			dirs[i] = EscapeGlob(d)
		}
		return filepath.Join(append(dirs, name)...)
	}
	return EscapeGlob(FlatPrefix(lineage)) + FlatSeparator + name
}

// FolderDirs encodes each lineage segment into a directory name.
func FolderDirs(lineage []string) []string {
	dirs := make([]string, 0, len(lineage))
	for _, seg := range lineage {
		dirs = append(dirs, EncodeSegment(seg, ""))
	}
	if len(dirs) == 0 {
		dirs = append(dirs, emptySegment)
	}
	return dirs
}

// FlatPrefix joins the encoded lineage with underscores. Underscores inside
// a segment are escaped, so the prefix never contains FlatSeparator and
// distinct lineages give distinct prefixes.
func FlatPrefix(lineage []string) string {
	if len(lineage) == 0 {
		return emptySegment
	}
	segs := make([]string, 0, len(lineage))
	for _, seg := range lineage {
		segs = append(segs, EncodeSegment(seg, "_"))
	}
	return strings.Join(segs, "_")
}

// ArchiveName is the file name of the folder archive.
func ArchiveName(lineage []string) string {
	return FlatPrefix(lineage) + MboxExt
}

// EncodeSegment makes a folder name safe as a path segment without losing
// information: '%', the runes in extra, characters invalid on common
// filesystems, a leading dot, a trailing dot or space and the first letter
// of a reserved device name are written as %XX. Different segments always
// encode differently.
func EncodeSegment(seg, extra string) string {
	if seg == "" {
		return emptySegment
	}
	var b strings.Builder
	b.Grow(len(seg))
	for i := 0; i < len(seg); {
		r, size := utf8.DecodeRuneInString(seg[i:])
		switch {
		case r == utf8.RuneError && size <= 1,
			r == '%',
			strings.ContainsRune(extra, r),
			strings.ContainsRune(`<>:"/\|?*`, r),
			unicode.IsControl(r),
			!unicode.IsPrint(r) && r != ' ':
			for _, c := range []byte(seg[i : i+size]) {
				fmt.Fprintf(&b, "%%%02X", c)
			}
		default:
			b.WriteString(seg[i : i+size])
		}
		i += size
	}

	out := b.String()
	if strings.HasPrefix(out, ".") {
		out = "%2E" + out[1:]
	}
	switch {
	case strings.HasSuffix(out, "."):
		out = out[:len(out)-1] + "%2E"
	case strings.HasSuffix(out, " "):
		out = out[:len(out)-1] + "%20"
	}
	if isReservedName(out) {
		out = fmt.Sprintf("%%%02X", out[0]) + out[1:]
	}
	return out
}

// SanitizeSubject strips characters that are invalid in path segments,
// collapses whitespace and truncates to MaxSubjectRunes.
func SanitizeSubject(subject string) string {
	s := clean(subject, MaxSubjectRunes)
	if s == "" {
		return Placeholder
	}
	return s
}

// SanitizeSegment cleans one folder name for use as a directory.
func SanitizeSegment(seg string) string {
	s := clean(seg, MaxSegmentRunes)
	switch {
	case s == "":
		return "_"
	case isReservedName(s):
		return "_" + s
	}
	return s
}

func clean(s string, limit int) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case r == utf8.RuneError:
			continue
		case unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		case unicode.IsControl(r), !unicode.IsPrint(r):
			continue
		case strings.ContainsRune(`<>:"/\|?*`, r):
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}

	out := truncateRunes(b.String(), limit)
	// trailing dots and spaces are dropped by some filesystems; leading dots hide files
	out = strings.Trim(out, " .")
	return out
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

func isReservedName(s string) bool {
	base := strings.ToUpper(s)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	switch base {
	case "CON", "PRN", "AUX", "NUL":
		return true
	}
	if len(base) == 4 && (strings.HasPrefix(base, "COM") || strings.HasPrefix(base, "LPT")) {
		return base[3] >= '1' && base[3] <= '9'
	}
	return false
}

// EscapeGlob quotes glob metacharacters in s.
func EscapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[\`, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
