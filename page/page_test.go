package page

import "testing"

func TestNewPageDefaults(t *testing.T) {
	p := New(4096, 256, TypeBtreeRoot)
	if p.Address() != 4096 {
		t.Fatalf("address = %d, want 4096", p.Address())
	}
	if p.Size() != 256 {
		t.Fatalf("size = %d, want 256", p.Size())
	}
	if !p.Dirty() {
		t.Fatal("new page should start dirty")
	}
	if p.Type() != TypeBtreeRoot {
		t.Fatalf("type = %v, want TypeBtreeRoot", p.Type())
	}
	if len(p.Payload()) != 256-HeaderSize {
		t.Fatalf("payload len = %d, want %d", len(p.Payload()), 256-HeaderSize)
	}
}

func TestSetTypeRoundtrips(t *testing.T) {
	p := New(0, 128, TypeUnknown)
	p.SetType(TypeBlob)
	if p.Type() != TypeBlob {
		t.Fatalf("got %v, want TypeBlob", p.Type())
	}
}

func TestReservedWordsRoundtrip(t *testing.T) {
	p := New(0, 128, TypeFreelist)
	p.SetReserved0(42)
	p.SetReserved1(7)
	if p.Reserved0() != 42 || p.Reserved1() != 7 {
		t.Fatalf("reserved words did not roundtrip: %d %d", p.Reserved0(), p.Reserved1())
	}
}

func TestNoHeaderPageHasNoTypeTag(t *testing.T) {
	p := NewNoHeader(0, 64)
	if p.Type() != TypeBlob {
		t.Fatalf("no-header page should report TypeBlob, got %v", p.Type())
	}
	if len(p.Payload()) != 64 {
		t.Fatalf("no-header payload should be the whole buffer, got %d", len(p.Payload()))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p := New(0, 64, TypeBtreeIndex)
	p.Payload()[0] = 0xAB

	clone := p.Clone()
	clone.Payload()[0] = 0xCD

	if p.Payload()[0] != 0xAB {
		t.Fatal("mutating a clone's payload affected the original")
	}
}

func TestRefCounting(t *testing.T) {
	p := New(0, 64, TypeBtreeIndex)
	p.AddRef()
	p.AddRef()
	p.Release()
	if p.Refs() != 1 {
		t.Fatalf("refs = %d, want 1", p.Refs())
	}
}

func TestLoadWrapsExistingBuffer(t *testing.T) {
	buf := make([]byte, 64)
	p := New(0, 64, TypeHeader)
	copy(buf, p.Data())

	loaded := Load(0, buf)
	if loaded.Type() != TypeHeader {
		t.Fatalf("loaded type = %v, want TypeHeader", loaded.Type())
	}
	if loaded.Dirty() {
		t.Fatal("a loaded page should not start dirty")
	}
}
