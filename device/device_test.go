package device

import (
	"path/filepath"
	"testing"
)

func TestFileDeviceAllocWriteRead(t *testing.T) {
	dir := t.TempDir()
	dev := New(Config{Path: filepath.Join(dir, "data.db"), PageSize: 64})
	if err := dev.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer dev.Close()

	addr, err := dev.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if addr != 0 {
		t.Fatalf("first page address = %d, want 0", addr)
	}

	buf := make([]byte, 64)
	buf[0] = 0x42
	if err := dev.WritePage(addr, buf); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	out := make([]byte, 64)
	if err := dev.ReadPage(addr, out); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if out[0] != 0x42 {
		t.Fatalf("read back %x, want 0x42", out[0])
	}
}

func TestFileDeviceReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.db")

	dev := New(Config{Path: path, PageSize: 64})
	if err := dev.Create(); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.AllocPage(); err != nil {
		t.Fatal(err)
	}
	dev.Close()

	ro := New(Config{Path: path, PageSize: 64, ReadOnly: true})
	if err := ro.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ro.Close()

	if err := ro.WritePage(0, make([]byte, 64)); err == nil {
		t.Fatal("expected write to a read-only device to fail")
	}
	if !ro.ReadOnly() {
		t.Fatal("ReadOnly() should report true")
	}
}

func TestMemoryDeviceGrowsOnAlloc(t *testing.T) {
	dev := New(Config{PageSize: 32, InMemory: true})
	if err := dev.Create(); err != nil {
		t.Fatal(err)
	}

	a1, err := dev.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	a2, err := dev.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if a2 != a1+32 {
		t.Fatalf("second page address = %d, want %d", a2, a1+32)
	}

	if _, err := dev.Filesize(); err == nil {
		t.Fatal("memory device should not support Filesize")
	}
}
