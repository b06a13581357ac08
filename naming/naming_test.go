package naming

import (
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/imap-export/model"
)

const invalidChars = "<>:\"/\\|?*"

func TestSanitizeSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"plain", "Hello World", "Hello World"},
		{"empty", "", Placeholder},
		{"only invalid", `<>:"/\|?*`, Placeholder},
		{"control chars", "a\x00b\x1fc\x7f", "abc"},
		{"path separators", "re: a/b\\c", "re abc"},
		{"collapses whitespace", "  lots \t\n of   space  ", "lots of space"},
		{"dots only", "...", Placeholder},
		{"trailing dot", "Invoice.", "Invoice"},
		{"unicode kept", "Grüße – 日本", "Grüße – 日本"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeSubject(tt.subject))
		})
	}
}

func TestSanitizeSubject_Truncates(t *testing.T) {
	long := strings.Repeat("ä", 500)
	got := SanitizeSubject(long)
	assert.Equal(t, MaxSubjectRunes, utf8.RuneCountInString(got))
	assert.True(t, utf8.ValidString(got))
}

func TestMessagePath_PreserveFolders(t *testing.T) {
	r := Resolver{PreserveFolders: true}
	got := r.MessagePath([]string{"INBOX", "Projects"}, 101, "Status report")
	assert.Equal(t, filepath.Join("INBOX", "Projects", "101_Status report.eml"), got)
}

func TestMessagePath_FlatPrefixesFolder(t *testing.T) {
	r := Resolver{PreserveFolders: false}
	a := r.MessagePath([]string{"INBOX"}, 7, "Same")
	b := r.MessagePath([]string{"Archive", "2023"}, 7, "Same")
	assert.Equal(t, "INBOX__7_Same.eml", a)
	assert.Equal(t, "Archive_2023__7_Same.eml", b)
	assert.NotEqual(t, a, b)
}

func TestMessagePath_DelimiterAndUnderscoreFolders(t *testing.T) {
	for _, preserve := range []bool{true, false} {
		r := Resolver{PreserveFolders: preserve}
		nested := r.MessagePath(model.Lineage("A/B", '/'), 7, "Hi")
		flat := r.MessagePath(model.Lineage("A_B", '/'), 7, "Hi")
		assert.NotEqual(t, nested, flat, "preserve=%v", preserve)
	}

	r := Resolver{}
	assert.Equal(t, "A_B__7_Hi.eml", r.MessagePath([]string{"A", "B"}, 7, "Hi"))
	assert.Equal(t, "A%5FB__7_Hi.eml", r.MessagePath([]string{"A_B"}, 7, "Hi"))
}

func TestMessageGlob_DoesNotMatchOtherFolder(t *testing.T) {
	for _, preserve := range []bool{true, false} {
		r := Resolver{PreserveFolders: preserve}
		glob := r.MessageGlob([]string{"INBOX"}, 1)

		others := []string{
			r.MessagePath([]string{"INBOX_1"}, 5, "x"),
			r.MessagePath([]string{"INBOX", "1"}, 5, "x"),
			r.MessagePath([]string{"INBOX_1_"}, 5, "x"),
		}
		for _, p := range others {
			ok, err := filepath.Match(glob, p)
			require.NoError(t, err)
			assert.False(t, ok, "%s must not match %s", glob, p)
		}

		ok, err := filepath.Match(glob, r.MessagePath([]string{"INBOX"}, 1, "x"))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestEncodeSegment(t *testing.T) {
	tests := []struct {
		seg  string
		want string
	}{
		{"INBOX", "INBOX"},
		{"A_B", "A%5FB"},
		{"50%", "50%25"},
		{"a/b", "a%2Fb"},
		{"..", "%2E%2E"},
		{".hidden", "%2Ehidden"},
		{"trail ", "trail%20"},
		{"CON", "%43ON"},
		{"", "%"},
		{"Grüße", "Grüße"},
	}
	for _, tt := range tests {
		t.Run(tt.seg, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeSegment(tt.seg, "_"))
		})
	}

	seen := map[string]string{}
	for _, seg := range []string{"a_b", "a%5Fb", "a b", "a%20b", "", "%", "\x00", "con", "%63on", ".", "%2E"} {
		enc := EncodeSegment(seg, "_")
		if prev, ok := seen[enc]; ok {
			t.Fatalf("%q and %q both encode to %q", prev, seg, enc)
		}
		seen[enc] = seg
	}
}

func TestMessagePath_NeverInvalid(t *testing.T) {
	subjects := []string{
		"",
		invalidChars,
		strings.Repeat("x", 4096),
		"\x00\x01\x02",
		"   ",
		"CON",
		string([]byte{0xff, 0xfe, 0xfd}),
	}
	lineages := [][]string{{"INBOX"}, {"..", "CON", "a/b"}, {}}

	for _, preserve := range []bool{true, false} {
		r := Resolver{PreserveFolders: preserve}
		for _, lin := range lineages {
			for _, s := range subjects {
				p := r.MessagePath(lin, 42, s)
				require.NotEmpty(t, p)
				assert.Equal(t, p, r.MessagePath(lin, 42, s), "path must be stable")

				for _, seg := range strings.Split(p, string(filepath.Separator)) {
					require.NotEmpty(t, seg)
					assert.NotEqual(t, "..", seg)
					assert.False(t, strings.ContainsAny(seg, invalidChars), "segment %q", seg)
					for _, c := range seg {
						assert.False(t, c < 0x20, "control char in %q", seg)
					}
				}
			}
		}
	}
}

func TestSanitizeSegment_Reserved(t *testing.T) {
	assert.Equal(t, "_CON", SanitizeSegment("CON"))
	assert.Equal(t, "_lpt1", SanitizeSegment("lpt1"))
	assert.Equal(t, "LPT", SanitizeSegment("LPT"))
	assert.Equal(t, "_", SanitizeSegment(".."))
}

func TestMessageGlob_MatchesMessagePath(t *testing.T) {
	for _, preserve := range []bool{true, false} {
		r := Resolver{PreserveFolders: preserve}
		lineage := []string{"Work [old]", "Q1"}
		path := r.MessagePath(lineage, 101, "anything at all")

		ok, err := filepath.Match(r.MessageGlob(lineage, 101), path)
		require.NoError(t, err)
		assert.True(t, ok, "glob should match %s", path)

		ok, err = filepath.Match(r.MessageGlob(lineage, 10), path)
		require.NoError(t, err)
		assert.False(t, ok, "uid 10 must not match uid 101")
	}
}

func TestArchiveName(t *testing.T) {
	assert.Equal(t, "INBOX.mbox", ArchiveName([]string{"INBOX"}))
	assert.Equal(t, "INBOX_Sent.mbox", ArchiveName(model.Lineage("INBOX/Sent", '/')))
	assert.Equal(t, "INBOX_Sent.mbox", ArchiveName(model.Lineage("INBOX.Sent", '.')))
	assert.Equal(t, "Archive%5F2024.mbox", ArchiveName(model.Lineage("Archive_2024", '/')))
	assert.NotEqual(t,
		ArchiveName(model.Lineage("Archive/2024", '/')),
		ArchiveName(model.Lineage("Archive_2024", '/')))
}
