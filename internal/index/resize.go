package index

import "context"

// Resize doubles the table's bucket count, splitting each old bucket's
// occupied slots into the two new buckets its collision classes now map
// to (decided by recomputing each entry's full hash via resolver, since a
// 15-bit tag alone cannot tell which side of a split a record belongs on
// once the index uses one more low bit for bucket selection). It is a
// no-op if another resize is already in flight.
//
// Grounded on internal/genring.Ring.Rotate, which evicts the oldest
// generation and hands it back to the caller for ghost bookkeeping; here
// the "evicted" object is the old table, and the ghost bookkeeping is the
// overflow-bucket free list reclaimed once every pinned operation that
// might still be walking the old table has unpinned.
func (ix *Index) Resize(ctx context.Context, resolver HashResolver) error {
	if !ix.resizing.CompareAndSwap(false, true) {
		return nil
	}
	defer ix.resizing.Store(false)

	old := ix.cur.Load()
	nt := newTable(len(old.buckets) * 2)

	var reclaimed []uint64
	for i := range old.buckets {
		reclaimed = append(reclaimed, ix.splitBucket(&old.buckets[i], nt, resolver)...)
	}

	ix.cur.Store(nt)

	reclaim := func() {
		if len(reclaimed) == 0 {
			return
		}
		ix.overflowMu.Lock()
		ix.overflowFree = append(ix.overflowFree, reclaimed...)
		ix.overflowMu.Unlock()
	}
	if ix.epochMgr != nil {
		h := ix.epochMgr.Register()
		ix.epochMgr.Defer(h, reclaim)
	} else {
		reclaim()
	}
	return nil
}

// splitBucket walks a bucket's full overflow chain, reinserts every live
// slot into nt, and returns the pool indices of the overflow buckets that
// were chained off b. They are no longer reachable from nt; allocOverflow
// clears a bucket before handing it out again.
func (ix *Index) splitBucket(b *Bucket, nt *table, resolver HashResolver) []uint64 {
	var freed []uint64

	ix.walkChain(b, func(cur *Bucket) bool {
		for i := 0; i < slotsPerBucket; i++ {
			s := cur.load(i)
			if s.empty() || s.tentative() {
				continue
			}
			hash, ok := resolver(s.address())
			if !ok {
				// The record was reclaimed out from under us (e.g. it
				// fell below begin_address); drop the stale slot.
				continue
			}
			dst, tag := nt.locate(hash)
			ix.reinsert(dst, tag, s.address())
		}
		return true
	})

	overflowIdx := b.overflow.Load()
	for overflowIdx != 0 {
		ob := ix.overflowAt(overflowIdx)
		freed = append(freed, overflowIdx)
		overflowIdx = ob.overflow.Load()
	}
	b.overflow.Store(0)
	return freed
}

// reinsert installs addr into nt's bucket chain during a resize, when no
// concurrent writer can yet observe nt, so a simple first-empty-slot scan
// without CAS racing is sufficient.
func (ix *Index) reinsert(b *Bucket, tag uint16, addr Address) {
	newSlot := packSlot(tag, addr, false)
	for {
		for i := 0; i < slotsPerBucket; i++ {
			if b.load(i).empty() {
				b.slots[i].Store(uint64(newSlot))
				return
			}
		}
		next := b.overflow.Load()
		if next == 0 {
			ov := ix.allocOverflow()
			b.overflow.Store(ix.overflowIndexOf(ov))
			b = ov
			continue
		}
		b = ix.overflowAt(next)
	}
}
