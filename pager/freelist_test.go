package pager

import "testing"

func TestAllocFirstFitLowestAddress(t *testing.T) {
	f := NewFreelist(16)
	f.Free(100, 16)
	f.Free(200, 16)

	addr, ok := f.Alloc(16, false, 16)
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	if addr != 100 {
		t.Fatalf("addr = %d, want 100 (lowest address first-fit)", addr)
	}
}

func TestAllocLeavesRemainder(t *testing.T) {
	f := NewFreelist(16)
	f.Free(0, 48)

	addr, ok := f.Alloc(16, false, 16)
	if !ok || addr != 0 {
		t.Fatalf("addr = %d ok=%v, want 0 true", addr, ok)
	}

	// remainder of 32 bytes should still be allocatable
	addr2, ok := f.Alloc(32, false, 16)
	if !ok || addr2 != 16 {
		t.Fatalf("addr2 = %d ok=%v, want 16 true", addr2, ok)
	}
}

func TestFreeCoalescesAdjacentExtents(t *testing.T) {
	f := NewFreelist(16)
	f.Free(0, 16)
	f.Free(16, 16)

	if len(f.Extents()) != 1 {
		t.Fatalf("expected adjacent extents to coalesce into one, got %d", len(f.Extents()))
	}

	addr, ok := f.Alloc(32, false, 16)
	if !ok || addr != 0 {
		t.Fatalf("addr = %d ok=%v, want 0 true after coalescing", addr, ok)
	}
}

func TestAllocRespectsAlignment(t *testing.T) {
	f := NewFreelist(16)
	f.Free(8, 64) // not aligned to 16

	if _, ok := f.Alloc(16, true, 16); ok {
		t.Fatal("expected an unaligned extent to be rejected for an aligned request")
	}
}

func TestEncodeDecodeRoundtrips(t *testing.T) {
	f := NewFreelist(16)
	f.Free(0, 16)
	f.Free(64, 32)

	buf := make([]byte, 256)
	if !f.Encode(buf) {
		t.Fatal("Encode should fit in 256 bytes")
	}

	f2 := NewFreelist(16)
	f2.Decode(buf)

	if len(f2.Extents()) != len(f.Extents()) {
		t.Fatalf("decoded %d extents, want %d", len(f2.Extents()), len(f.Extents()))
	}
}

func TestAllocEmptyFreelistFails(t *testing.T) {
	f := NewFreelist(16)
	if _, ok := f.Alloc(16, false, 16); ok {
		t.Fatal("expected allocation from an empty freelist to fail")
	}
}
