package dupstore

import (
	"testing"

	"github.com/duskdb/kvengine/blob"
)

func newTestStore() *Store {
	return New(blob.NewMemoryManager())
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore()

	addr, err := s.Create(Entry{RID: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	count, err := s.Count(addr)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	e, err := s.Get(addr, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.RID != 1 {
		t.Fatalf("RID = %d, want 1", e.RID)
	}
}

func TestInsertFirstAndLast(t *testing.T) {
	s := newTestStore()
	addr, err := s.Create(Entry{RID: 2})
	if err != nil {
		t.Fatal(err)
	}

	addr, _, err = s.Insert(addr, Entry{RID: 1}, PositionFirst, 0)
	if err != nil {
		t.Fatalf("Insert first: %v", err)
	}
	addr, idx, err := s.Insert(addr, Entry{RID: 3}, PositionLast, 0)
	if err != nil {
		t.Fatalf("Insert last: %v", err)
	}
	if idx != 2 {
		t.Fatalf("last insert landed at %d, want 2", idx)
	}

	for i, want := range []uint64{1, 2, 3} {
		e, err := s.Get(addr, i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if e.RID != want {
			t.Fatalf("entry %d RID = %d, want %d", i, e.RID, want)
		}
	}
}

func TestInsertBeforeAndAfter(t *testing.T) {
	s := newTestStore()
	addr, err := s.Create(Entry{RID: 10})
	if err != nil {
		t.Fatal(err)
	}

	addr, _, err = s.Insert(addr, Entry{RID: 20}, PositionAfter, 0)
	if err != nil {
		t.Fatal(err)
	}
	addr, idx, err := s.Insert(addr, Entry{RID: 5}, PositionBefore, 0)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 {
		t.Fatalf("before-insert landed at %d, want 0", idx)
	}

	want := []uint64{5, 10, 20}
	for i, w := range want {
		e, err := s.Get(addr, i)
		if err != nil {
			t.Fatal(err)
		}
		if e.RID != w {
			t.Fatalf("entry %d RID = %d, want %d", i, e.RID, w)
		}
	}
}

func TestEraseDownToEmptyFreesTable(t *testing.T) {
	s := newTestStore()
	addr, err := s.Create(Entry{RID: 1})
	if err != nil {
		t.Fatal(err)
	}
	addr, _, err = s.Insert(addr, Entry{RID: 2}, PositionLast, 0)
	if err != nil {
		t.Fatal(err)
	}

	addr, empty, err := s.Erase(addr, 0)
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if empty {
		t.Fatal("table should still have one entry")
	}
	count, err := s.Count(addr)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	_, empty, err = s.Erase(addr, 0)
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if !empty {
		t.Fatal("erasing the last entry should report the table as empty")
	}
}

func TestEraseUnknownIndex(t *testing.T) {
	s := newTestStore()
	addr, err := s.Create(Entry{RID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Erase(addr, 5); err == nil {
		t.Fatal("expected an out-of-range erase to fail")
	}
}
