package index

// ForEach calls visit once for every finalized collision-class head
// address currently in the table, in bucket order. It takes a consistent
// snapshot of the table pointer but not of individual slots, so a
// concurrent Upsert landing mid-iteration may or may not be observed,
// the same best-effort guarantee a live map iteration gives in Go.
func (ix *Index) ForEach(visit func(addr Address)) {
	t := ix.cur.Load()
	for i := range t.buckets {
		ix.walkChain(&t.buckets[i], func(b *Bucket) bool {
			for j := 0; j < slotsPerBucket; j++ {
				s := b.load(j)
				if s.empty() || s.tentative() {
					continue
				}
				visit(s.address())
			}
			return true
		})
	}
}
