package state

import (
	"path/filepath"
	"testing"

	"github.com/dhcgn/imap-export/model"
)

// BenchmarkIndex_Mark benchmarks the index write performance
func BenchmarkIndex_Mark(b *testing.B) {
	archive := filepath.Join(b.TempDir(), "INBOX.mbox")

	idx, err := OpenIndex(archive, "INBOX", 0, false)
	if err != nil {
		b.Fatal(err)
	}
	defer idx.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := idx.Mark(Entry{UID: model.UID(i + 1), Offset: int64(i) * 100, Size: 100}); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	if err := idx.Close(); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkIndex_Has benchmarks lookup performance
func BenchmarkIndex_Has(b *testing.B) {
	archive := filepath.Join(b.TempDir(), "INBOX.mbox")

	idx, err := OpenIndex(archive, "INBOX", 0, false)
	if err != nil {
		b.Fatal(err)
	}
	defer idx.Close()

	for i := 0; i < 1000; i++ {
		if err := idx.Mark(Entry{UID: model.UID(i + 1), Offset: int64(i) * 100, Size: 100}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = idx.Has(model.UID(i%1000 + 1))
	}
}

// BenchmarkIndex_Load benchmarks loading a populated index
func BenchmarkIndex_Load(b *testing.B) {
	archive := filepath.Join(b.TempDir(), "INBOX.mbox")

	idx, err := OpenIndex(archive, "INBOX", 0, false)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 10000; i++ {
		if err := idx.Mark(Entry{UID: model.UID(i + 1), Offset: int64(i) * 100, Size: 100}); err != nil {
			b.Fatal(err)
		}
	}
	if err := idx.Close(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx, err := OpenIndex(archive, "INBOX", 10000*100, false)
		if err != nil {
			b.Fatal(err)
		}
		idx.Close()
	}
}
