// Package index implements the resizable, lock-free hash index (§4.3): a
// table of cacheline-sized buckets, each holding up to seven tagged
// address slots plus a pointer to an overflow bucket chain. A slot names
// the newest log address for one "collision class" (bucket, tag); records
// that land in the same class are threaded together through their own
// header's back-pointer, so the index itself never needs to know how to
// compare keys — that belongs to internal/ops, which walks the chain and
// dereferences each address to check the actual key.
//
// The bucket/slot shape is grounded on arena-cache's shard map
// (pkg/cache.go, pkg/shard.go): a fixed-width map from hash to pointer
// guarded by a single swappable structure, generalized here from a Go map
// under a RWMutex to an explicit cacheline-sized bucket array mutated with
// CAS so readers never block on a writer.
package index

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/Voskan/faststore/internal/epoch"
	"github.com/Voskan/faststore/internal/record"
	"go.uber.org/zap"
)

// Address is re-exported from internal/record for convenience.
type Address = record.Address

const (
	slotsPerBucket = 7

	addressBits = 48
	addressMask = uint64(1)<<addressBits - 1
	tagBits     = 15
	tagMask     = uint64(1)<<tagBits - 1
	tagShift    = addressBits
	tentativeBit = uint64(1) << 63
)

// slot packs {tentative:1 | tag:15 | address:48} into a single word so a
// bucket's seven slots plus its overflow pointer fit in one cacheline (64
// bytes on the common case of 8-byte atomics).
type slot uint64

func packSlot(tag uint16, addr Address, tentative bool) slot {
	v := (uint64(tag) & tagMask) << tagShift
	v |= uint64(addr) & addressMask
	if tentative {
		v |= tentativeBit
	}
	return slot(v)
}

func (s slot) empty() bool        { return s == 0 }
func (s slot) tag() uint16        { return uint16((uint64(s) >> tagShift) & tagMask) }
func (s slot) address() Address   { return Address(uint64(s) & addressMask) }
func (s slot) tentative() bool    { return uint64(s)&tentativeBit != 0 }

// Bucket is one cacheline of the table: seven address slots and an index
// into the shared overflow pool (0 means "no overflow bucket").
type Bucket struct {
	slots    [slotsPerBucket]atomic.Uint64
	overflow atomic.Uint64
}

func (b *Bucket) load(i int) slot  { return slot(b.slots[i].Load()) }
func (b *Bucket) cas(i int, old, new slot) bool {
	return b.slots[i].CompareAndSwap(uint64(old), uint64(new))
}

type table struct {
	buckets []Bucket
	mask    uint64
	shift   uint // log2(len(buckets)), used to pull the tag out of the hash
}

func newTable(numBuckets int) *table {
	return &table{
		buckets: make([]Bucket, numBuckets),
		mask:    uint64(numBuckets - 1),
		shift:   uint(bits.TrailingZeros(uint(numBuckets))),
	}
}

func (t *table) locate(hash uint64) (*Bucket, uint16) {
	idx := hash & t.mask
	tag := uint16((hash >> t.shift) & tagMask)
	return &t.buckets[idx], tag
}

// HashResolver recovers the full 64-bit hash of whatever key is stored at
// addr, used during resize to redistribute a slot without the index
// needing to understand key types itself.
type HashResolver func(addr Address) (hash uint64, ok bool)

// Index is the resizable lock-free hash table.
type Index struct {
	cur atomic.Pointer[table]

	overflowMu   sync.Mutex
	overflowPool []*Bucket
	overflowFree []uint64 // free-listed pool indices, reclaimed post-resize

	epochMgr *epoch.Manager
	resizing atomic.Bool
	log      *zap.Logger
}

// Config bundles Index construction parameters.
type Config struct {
	InitialBuckets int
	EpochManager   *epoch.Manager
	Logger         *zap.Logger
}

// New constructs an index with the given initial bucket count, which must
// be a power of two.
func New(cfg Config) (*Index, error) {
	if cfg.InitialBuckets <= 0 || cfg.InitialBuckets&(cfg.InitialBuckets-1) != 0 {
		return nil, fmt.Errorf("index: initial bucket count must be a power of two, got %d", cfg.InitialBuckets)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ix := &Index{
		epochMgr: cfg.EpochManager,
		log:      log,
		// overflowPool[0] is never allocated to: 0 means "no overflow".
		overflowPool: make([]*Bucket, 1, 8),
	}
	ix.cur.Store(newTable(cfg.InitialBuckets))
	return ix, nil
}

// NumBuckets reports the current primary table size, used by callers that
// decide when to trigger a resize based on load factor.
func (ix *Index) NumBuckets() int {
	return len(ix.cur.Load().buckets)
}

func (ix *Index) allocOverflow() *Bucket {
	ix.overflowMu.Lock()
	defer ix.overflowMu.Unlock()

	if n := len(ix.overflowFree); n > 0 {
		idx := ix.overflowFree[n-1]
		ix.overflowFree = ix.overflowFree[:n-1]
		b := ix.overflowPool[idx]
		for i := range b.slots {
			b.slots[i].Store(0)
		}
		b.overflow.Store(0)
		return b
	}
	b := &Bucket{}
	ix.overflowPool = append(ix.overflowPool, b)
	return b
}

func (ix *Index) overflowAt(i uint64) *Bucket {
	ix.overflowMu.Lock()
	defer ix.overflowMu.Unlock()
	return ix.overflowPool[i]
}

func (ix *Index) overflowIndexOf(b *Bucket) uint64 {
	ix.overflowMu.Lock()
	defer ix.overflowMu.Unlock()
	for i, p := range ix.overflowPool {
		if p == b {
			return uint64(i)
		}
	}
	return 0
}

// walkChain calls visit for the primary bucket and every overflow bucket
// chained off it, stopping early if visit returns false.
func (ix *Index) walkChain(b *Bucket, visit func(*Bucket) bool) {
	for b != nil {
		if !visit(b) {
			return
		}
		next := b.overflow.Load()
		if next == 0 {
			return
		}
		b = ix.overflowAt(next)
	}
}

// FindTag returns the newest address chained under hash's collision
// class, including the tentative bit so the caller can decide whether to
// treat an in-flight insert as visible yet.
func (ix *Index) FindTag(hash uint64) (addr Address, tentative bool, found bool) {
	t := ix.cur.Load()
	b, tag := t.locate(hash)

	ix.walkChain(b, func(cur *Bucket) bool {
		for i := 0; i < slotsPerBucket; i++ {
			s := cur.load(i)
			if s.empty() {
				continue
			}
			if s.tag() == tag {
				addr, tentative, found = s.address(), s.tentative(), true
				return false
			}
		}
		return true
	})
	return addr, tentative, found
}

// TryInsert installs a brand-new tentative slot for hash's collision
// class. Used when FindTag reported nothing for the tag. Returns false if
// a concurrent inserter won the race or the bucket chain is full (caller
// should re-run FindTag, and on a full chain ask for a resize).
func (ix *Index) TryInsert(hash uint64, addr Address) (ok bool, full bool) {
	t := ix.cur.Load()
	b, tag := t.locate(hash)

	newSlot := packSlot(tag, addr, true)
	installed := false
	sawEmpty := false

	ix.walkChain(b, func(cur *Bucket) bool {
		for i := 0; i < slotsPerBucket; i++ {
			if cur.load(i).empty() {
				sawEmpty = true
				if cur.cas(i, 0, newSlot) {
					installed = true
					return false
				}
			}
		}
		if cur.overflow.Load() == 0 {
			return false // end of chain; handled after the walk
		}
		return true
	})
	if installed {
		return true, false
	}

	last := b
	ix.walkChain(b, func(cur *Bucket) bool { last = cur; return true })
	if last.overflow.Load() == 0 {
		ov := ix.allocOverflow()
		idx := ix.overflowIndexOf(ov)
		if !last.overflow.CompareAndSwap(0, idx) {
			// Someone else linked an overflow bucket first; retry against
			// the now-longer chain.
			return false, false
		}
		if ov.cas(0, 0, newSlot) {
			return true, false
		}
	}
	_ = sawEmpty
	return false, true
}

// Finalize clears the tentative bit on the slot holding addr, publishing
// it to readers once the caller has durably written the record.
func (ix *Index) Finalize(hash uint64, addr Address) bool {
	return ix.mutateSlot(hash, addr, func(s slot) (slot, bool) {
		if !s.tentative() {
			return s, false
		}
		return packSlot(s.tag(), s.address(), false), true
	})
}

// Abort removes a tentative slot that its inserter decided not to keep
// (e.g. it lost a concurrent duplicate-key race in the ops layer).
func (ix *Index) Abort(hash uint64, addr Address) bool {
	return ix.mutateSlot(hash, addr, func(s slot) (slot, bool) {
		if !s.tentative() {
			return s, false
		}
		return 0, true
	})
}

// TryUpdate atomically advances a collision class's head address from
// oldAddr to newAddr, the RCU step after prepending a fresh record whose
// header back-pointer is oldAddr. Returns false on a lost CAS race; the
// caller should re-read the chain head via FindTag and retry.
func (ix *Index) TryUpdate(hash uint64, oldAddr, newAddr Address) bool {
	t := ix.cur.Load()
	b, tag := t.locate(hash)

	done := false
	ix.walkChain(b, func(cur *Bucket) bool {
		for i := 0; i < slotsPerBucket; i++ {
			s := cur.load(i)
			if s.empty() || s.tag() != tag || s.address() != oldAddr {
				continue
			}
			if cur.cas(i, s, packSlot(tag, newAddr, s.tentative())) {
				done = true
			}
			return false
		}
		return true
	})
	return done
}

func (ix *Index) mutateSlot(hash uint64, addr Address, mutate func(slot) (slot, bool)) bool {
	t := ix.cur.Load()
	b, tag := t.locate(hash)

	done := false
	ix.walkChain(b, func(cur *Bucket) bool {
		for i := 0; i < slotsPerBucket; i++ {
			s := cur.load(i)
			if s.empty() || s.tag() != tag || s.address() != addr {
				continue
			}
			next, apply := mutate(s)
			if !apply {
				return false
			}
			done = cur.cas(i, s, next)
			return false
		}
		return true
	})
	return done
}
