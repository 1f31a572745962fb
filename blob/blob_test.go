package blob

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"

	"github.com/duskdb/kvengine/device"
	"github.com/duskdb/kvengine/pager"
)

const testPageSize = 64

func newDiskManager(t *testing.T) Manager {
	t.Helper()
	dev := device.New(device.Config{InMemory: true, PageSize: testPageSize})
	if err := dev.Create(); err != nil {
		t.Fatal(err)
	}
	pm := pager.New(dev, pager.Config{PageSize: testPageSize, CacheUnlimited: true, BlobAlignment: 16}, zerolog.Nop())
	return NewDiskManager(pm, dev, testPageSize, 16)
}

func TestDiskManagerAllocateAndRead(t *testing.T) {
	m := newDiskManager(t)

	addr, err := m.Allocate([]byte("hello world"), nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	got, err := m.Read(addr)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestDiskManagerOverwriteInPlace(t *testing.T) {
	m := newDiskManager(t)

	addr, err := m.Allocate([]byte("0123456789abcdef"), nil)
	if err != nil {
		t.Fatal(err)
	}

	newAddr, err := m.Overwrite(addr, []byte("short"), nil)
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if newAddr != addr {
		t.Fatalf("expected in-place overwrite to keep the same address, got %d vs %d", newAddr, addr)
	}

	got, err := m.Read(newAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("short")) {
		t.Fatalf("got %q, want %q", got, "short")
	}
}

func TestDiskManagerOverwriteRelocates(t *testing.T) {
	m := newDiskManager(t)

	addr, err := m.Allocate([]byte("tiny"), nil)
	if err != nil {
		t.Fatal(err)
	}

	big := bytes.Repeat([]byte("x"), 500)
	newAddr, err := m.Overwrite(addr, big, nil)
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}

	got, err := m.Read(newAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, big) {
		t.Fatal("relocated blob did not round-trip")
	}
}

func TestDiskManagerFreeThenReallocate(t *testing.T) {
	m := newDiskManager(t)

	addr, err := m.Allocate([]byte("payload"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Free(addr); err != nil {
		t.Fatalf("Free: %v", err)
	}

	addr2, err := m.Allocate([]byte("payload2"), nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Read(addr2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("payload2")) {
		t.Fatalf("got %q", got)
	}
}

func TestMemoryManagerAllocateReadOverwrite(t *testing.T) {
	m := NewMemoryManager()

	addr, err := m.Allocate([]byte("abc"), nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Read(addr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("got %q", got)
	}

	if newAddr, err := m.Overwrite(addr, []byte("ab"), nil); err != nil || newAddr != addr {
		t.Fatalf("in-place shrink overwrite failed: addr=%d err=%v", newAddr, err)
	}
	got, err = m.Read(addr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("ab")) {
		t.Fatalf("got %q, want ab", got)
	}

	newAddr, err := m.Overwrite(addr, bytes.Repeat([]byte("z"), 100), nil)
	if err != nil {
		t.Fatal(err)
	}
	if newAddr == addr {
		t.Fatal("expected growth past the original allocation to relocate")
	}
}

func TestDiskManagerPartialAllocateZeroFillsUntouchedRegion(t *testing.T) {
	m := newDiskManager(t)

	addr, err := m.Allocate([]byte("mid"), &Partial{Offset: 4, TotalSize: 10})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	got, err := m.Read(addr)
	if err != nil {
		t.Fatal(err)
	}
	want := append(append(make([]byte, 4), []byte("mid")...), 0, 0, 0)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDiskManagerPartialOverwritePreservesUntouchedBytes(t *testing.T) {
	m := newDiskManager(t)

	addr, err := m.Allocate([]byte("0123456789"), nil)
	if err != nil {
		t.Fatal(err)
	}

	newAddr, err := m.Overwrite(addr, []byte("XY"), &Partial{Offset: 3, TotalSize: 10})
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	got, err := m.Read(newAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("012XY56789")) {
		t.Fatalf("got %q, want %q", got, "012XY56789")
	}
}

func TestMemoryManagerFreeIsNoOp(t *testing.T) {
	m := NewMemoryManager()
	addr, err := m.Allocate([]byte("keep me"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Free(addr); err != nil {
		t.Fatalf("Free: %v", err)
	}
	got, err := m.Read(addr)
	if err != nil {
		t.Fatalf("arena should still be readable after Free: %v", err)
	}
	if !bytes.Equal(got, []byte("keep me")) {
		t.Fatalf("got %q", got)
	}
}
