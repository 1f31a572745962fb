package pager

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/duskdb/kvengine/device"
	"github.com/duskdb/kvengine/page"
)

const testPageSize = 64

func newTestPM(t *testing.T, cfg Config) (*PageManager, device.Device) {
	t.Helper()
	cfg.PageSize = testPageSize
	dev := device.New(device.Config{InMemory: true, PageSize: testPageSize})
	if err := dev.Create(); err != nil {
		t.Fatal(err)
	}
	return New(dev, cfg, zerolog.Nop()), dev
}

func TestAllocAndFetchRoundtrips(t *testing.T) {
	pm, _ := newTestPM(t, Config{CacheUnlimited: true})

	p, err := pm.AllocPage(page.TypeBtreeIndex)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	copy(p.Payload(), []byte("hello"))
	pm.MarkDirty(p)

	if err := pm.CommitChangeset(pm.NextLSN()); err != nil {
		t.Fatalf("CommitChangeset: %v", err)
	}

	fetched, err := pm.FetchPage(p.Address(), false)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if string(fetched.Payload()[:5]) != "hello" {
		t.Fatalf("payload = %q, want hello", fetched.Payload()[:5])
	}
}

func TestCacheOnlyFetchMisses(t *testing.T) {
	pm, _ := newTestPM(t, Config{CacheUnlimited: true})
	p, err := pm.AllocPage(page.TypeBlob)
	if err != nil {
		t.Fatal(err)
	}
	pm.MarkDirty(p)
	if err := pm.CommitChangeset(pm.NextLSN()); err != nil {
		t.Fatal(err)
	}

	// A cache-only fetch against an address never touched by this pager
	// must return (nil, nil).
	got, err := pm.FetchPage(p.Address()+1000, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("expected cache-only fetch of an unknown address to return nil")
	}
}

func TestEvictionSkipsReferencedAndChangesetPages(t *testing.T) {
	pm, _ := newTestPM(t, Config{CacheSizePages: 1, CacheStrict: true})

	p1, err := pm.AllocPage(page.TypeBtreeIndex)
	if err != nil {
		t.Fatal(err)
	}
	p1.AddRef()

	if _, err := pm.AllocPage(page.TypeBtreeIndex); err == nil {
		t.Fatal("expected ErrCacheFull since the only cached page is pinned and in the active changeset")
	}
	p1.Release()
}

func TestFreelistReusesFreedPage(t *testing.T) {
	pm, _ := newTestPM(t, Config{CacheUnlimited: true})

	p, err := pm.AllocPage(page.TypeBtreeIndex)
	if err != nil {
		t.Fatal(err)
	}
	addr := p.Address()
	if err := pm.FreePage(p); err != nil {
		t.Fatal(err)
	}

	p2, err := pm.AllocPage(page.TypeBtreeIndex)
	if err != nil {
		t.Fatal(err)
	}
	if p2.Address() != addr {
		t.Fatalf("expected AllocPage to reuse freed address %d, got %d", addr, p2.Address())
	}
}
