package walog

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const testPageSize = 32

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log0")
	l, err := Open(path, testPageSize, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func page(fill byte) []byte {
	buf := make([]byte, testPageSize)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func TestCommitTruncatesLog(t *testing.T) {
	l := openTestLog(t)

	if err := l.Append(1, 0, page(0xAA), false); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(1, 32, page(0xBB), true); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if l.LastCommittedLSN() != 1 {
		t.Fatalf("LastCommittedLSN = %d, want 1", l.LastCommittedLSN())
	}

	applied, err := l.Recover(func(e Entry) error { return nil })
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if applied {
		t.Fatal("recover should find nothing to apply after a committed truncate")
	}
}

func TestRecoverReplaysCompleteGroup(t *testing.T) {
	l := openTestLog(t)

	if err := l.Append(7, 0, page(0x11), false); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(7, 32, page(0x22), true); err != nil {
		t.Fatal(err)
	}

	var replayed []Entry
	applied, err := l.Recover(func(e Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !applied {
		t.Fatal("expected a complete group to be applied")
	}
	if len(replayed) != 2 {
		t.Fatalf("replayed %d entries, want 2", len(replayed))
	}
	if replayed[0].Offset != 0 || replayed[1].Offset != 32 {
		t.Fatalf("unexpected offsets: %+v", replayed)
	}
}

func TestRecoverDiscardsIncompleteGroup(t *testing.T) {
	l := openTestLog(t)

	if err := l.Append(9, 0, page(0x33), false); err != nil {
		t.Fatal(err)
	}
	// no complete=true entry written: simulates a crash mid-changeset

	applied, err := l.Recover(func(e Entry) error {
		t.Fatal("apply should not be called for an incomplete group")
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if applied {
		t.Fatal("incomplete group should not be reported as applied")
	}
}
