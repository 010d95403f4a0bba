package index

import (
	"context"
	"testing"
)

func mustNew(t *testing.T, buckets int) *Index {
	t.Helper()
	ix, err := New(Config{InitialBuckets: buckets})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return ix
}

func TestInsertFindFinalize(t *testing.T) {
	ix := mustNew(t, 16)

	const hash = 0xABCD1234
	if _, _, found := ix.FindTag(hash); found {
		t.Fatalf("expected no entry before insert")
	}

	ok, full := ix.TryInsert(hash, 100)
	if !ok || full {
		t.Fatalf("insert failed: ok=%v full=%v", ok, full)
	}

	addr, tentative, found := ix.FindTag(hash)
	if !found || !tentative || addr != 100 {
		t.Fatalf("unexpected lookup after insert: addr=%d tentative=%v found=%v", addr, tentative, found)
	}

	if !ix.Finalize(hash, 100) {
		t.Fatalf("finalize failed")
	}
	_, tentative, found = ix.FindTag(hash)
	if !found || tentative {
		t.Fatalf("expected finalized, non-tentative entry")
	}
}

func TestAbortRemovesTentativeSlot(t *testing.T) {
	ix := mustNew(t, 16)

	ix.TryInsert(42, 200)
	if !ix.Abort(42, 200) {
		t.Fatalf("abort failed")
	}
	if _, _, found := ix.FindTag(42); found {
		t.Fatalf("expected slot removed after abort")
	}
}

func TestTryUpdateAdvancesChainHead(t *testing.T) {
	ix := mustNew(t, 16)

	ix.TryInsert(7, 10)
	ix.Finalize(7, 10)

	if !ix.TryUpdate(7, 10, 20) {
		t.Fatalf("update failed")
	}
	addr, _, found := ix.FindTag(7)
	if !found || addr != 20 {
		t.Fatalf("expected head at 20, got addr=%d found=%v", addr, found)
	}

	if ix.TryUpdate(7, 10, 30) {
		t.Fatalf("update against stale head should fail")
	}
}

// TestOverflowChaining verifies that more distinct collision classes than
// fit in one bucket's seven slots spill into an overflow bucket and
// remain independently addressable.
func TestOverflowChaining(t *testing.T) {
	ix := mustNew(t, 1) // single bucket forces every hash to collide on index 0

	for i := uint64(0); i < 10; i++ {
		hash := i << 1 // distinct tags, same (only) bucket index
		ok, full := ix.TryInsert(hash, Address(1000+i))
		if !ok {
			t.Fatalf("insert %d: ok=%v full=%v", i, ok, full)
		}
		ix.Finalize(hash, Address(1000+i))
	}

	for i := uint64(0); i < 10; i++ {
		hash := i << 1
		addr, _, found := ix.FindTag(hash)
		if !found || addr != Address(1000+i) {
			t.Fatalf("entry %d: addr=%d found=%v", i, addr, found)
		}
	}
}

func TestResizeRedistributesEntries(t *testing.T) {
	ix := mustNew(t, 2)

	hashToAddr := map[uint64]Address{}
	for i := uint64(0); i < 20; i++ {
		hash := i * 0x9E3779B97F4A7C15
		addr := Address(1 + i)
		ok, _ := ix.TryInsert(hash, addr)
		if !ok {
			t.Fatalf("insert %d failed", i)
		}
		ix.Finalize(hash, addr)
		hashToAddr[hash] = addr
	}

	resolver := func(addr Address) (uint64, bool) {
		for h, a := range hashToAddr {
			if a == addr {
				return h, true
			}
		}
		return 0, false
	}

	if err := ix.Resize(context.Background(), resolver); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if ix.NumBuckets() != 4 {
		t.Fatalf("expected table to double to 4 buckets, got %d", ix.NumBuckets())
	}

	for hash, addr := range hashToAddr {
		got, _, found := ix.FindTag(hash)
		if !found || got != addr {
			t.Fatalf("hash %x: expected addr=%d after resize, got %d found=%v", hash, addr, got, found)
		}
	}
}
