package ops

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/Voskan/faststore/internal/epoch"
	"github.com/Voskan/faststore/internal/hlog"
	"github.com/Voskan/faststore/internal/index"
	"github.com/Voskan/faststore/internal/record"
	"go.uber.org/zap"
)

// Address is re-exported for callers that only import internal/ops.
type Address = record.Address

// Core owns one hybrid log, one hash index, and the epoch manager that
// protects both. It is generic over key and value types the same way
// arena-cache's Cache[K,V] is, except the backing store is a log plus a
// hash index rather than a sharded map.
type Core[K comparable, V any] struct {
	alloc    *hlog.Allocator
	idx      *index.Index
	epochMgr *epoch.Manager

	keyCodec record.Codec[K]
	valCodec record.Codec[V]
	hashFunc func(K) uint64
	keyBytes func(K) []byte // optional, enables ScanPrefix

	log *zap.Logger

	resizeLoadFactor float64

	// diskFetch deduplicates concurrent FetchFromDisk calls landing on the
	// same address: several readers racing down the same hash-collision
	// chain behind a cold index entry would otherwise all issue the same
	// device read. Keyed by the address formatted as a string, since
	// singleflight.Group keys are strings.
	diskFetch singleflight.Group
}

// Config bundles Core construction parameters.
type Config[K comparable, V any] struct {
	Allocator    *hlog.Allocator
	Index        *index.Index
	EpochManager *epoch.Manager

	KeyCodec record.Codec[K]
	ValCodec record.Codec[V]
	HashFunc func(K) uint64
	KeyBytes func(K) []byte

	Logger *zap.Logger

	// ResizeLoadFactor is stored on the Core but not consulted: an index
	// resize happens only when TryInsert reports a full collision chain,
	// whatever this value is.
	ResizeLoadFactor float64
}

// New constructs a Core from its dependencies.
func New[K comparable, V any](cfg Config[K, V]) (*Core[K, V], error) {
	if cfg.Allocator == nil || cfg.Index == nil || cfg.EpochManager == nil {
		return nil, fmt.Errorf("ops: allocator, index, and epoch manager are required")
	}
	if cfg.KeyCodec == nil || cfg.ValCodec == nil || cfg.HashFunc == nil {
		return nil, fmt.Errorf("ops: key codec, value codec, and hash function are required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Core[K, V]{
		alloc:            cfg.Allocator,
		idx:              cfg.Index,
		epochMgr:         cfg.EpochManager,
		keyCodec:         cfg.KeyCodec,
		valCodec:         cfg.ValCodec,
		hashFunc:         cfg.HashFunc,
		keyBytes:         cfg.KeyBytes,
		log:              log,
		resizeLoadFactor: cfg.ResizeLoadFactor,
	}, nil
}

// Session wraps a single epoch handle registered once with the Core's
// epoch manager. Callers should keep one Session per worker goroutine and
// reuse it across many operations instead of registering a fresh handle
// per call, the same way a database driver reuses one connection per
// worker rather than dialing per query.
type Session[K comparable, V any] struct {
	core   *Core[K, V]
	handle *epoch.Handle
}

// NewSession registers a new epoch handle and returns a Session bound to
// it. The Session is not safe for concurrent use by multiple goroutines;
// create one per goroutine.
func (c *Core[K, V]) NewSession() *Session[K, V] {
	return &Session[K, V]{core: c, handle: c.epochMgr.Register()}
}

// resolvedRecord is the decoded form of whatever record a chain walk
// landed on, plus the address it was read from.
type resolvedRecord[K comparable, V any] struct {
	addr Address
	dec  record.Decoded[K, V]
}

// findInChain walks the hash-collision chain starting at head, comparing
// decoded keys until it finds key, falls off the chain (record.Invalid),
// or walks below begin_address (the record was reclaimed by a checkpoint
// or GC pass, so the chain is truncated there).
func (c *Core[K, V]) findInChain(ctx context.Context, key K, head Address) (resolvedRecord[K, V], Status, error) {
	cur := head
	begin := c.alloc.BeginAddress()
	for cur != record.Invalid && cur >= begin {
		buf, err := c.readAt(ctx, cur)
		if err != nil {
			return resolvedRecord[K, V]{}, StatusError, err
		}
		dec, err := record.Decode[K, V](buf, c.keyCodec, c.valCodec)
		if err != nil {
			return resolvedRecord[K, V]{}, StatusError, fmt.Errorf("ops: decode at %d: %w", cur, err)
		}
		if dec.Key == key {
			return resolvedRecord[K, V]{addr: cur, dec: dec}, StatusOk, nil
		}
		cur = dec.Header.Previous()
	}
	return resolvedRecord[K, V]{}, StatusNotFound, nil
}

// readAt resolves addr through the allocator, transparently paging in
// from the device when addr lies in the disk region. Concurrent page-ins
// for the same address are collapsed into a single device read via
// diskFetch, generalizing pkg/loader.go's singleflight-wrapped loader from
// a per-key cache fill to a per-address log page fetch.
func (c *Core[K, V]) readAt(ctx context.Context, addr Address) ([]byte, error) {
	buf, pending := c.alloc.Get(addr)
	if !pending {
		return buf, nil
	}
	v, err, _ := c.diskFetch.Do(strconv.FormatUint(uint64(addr), 16), func() (any, error) {
		return c.alloc.FetchFromDisk(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// reserveWithRetry calls Allocator.Reserve, and on back-pressure nudges
// the region watermarks forward before retrying a bounded number of
// times. Because this implementation never performs an in-place mutable-
// region update (see DESIGN.md), read_only_address and head_address only
// need to move far enough to free one ring slot, so advancing them all
// the way to the current tail on each retry is safe and simple.
func (c *Core[K, V]) reserveWithRetry(ctx context.Context, n int) (Address, []byte, error) {
	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		addr, buf, err := c.alloc.Reserve(n)
		if err == nil {
			return addr, buf, nil
		}
		if err != hlog.ErrPagePending {
			return 0, nil, err
		}
		c.advanceRegions(ctx)
	}
	return 0, nil, fmt.Errorf("ops: %w: exhausted retries reserving %d bytes", hlog.ErrPagePending, n)
}

func (c *Core[K, V]) advanceRegions(ctx context.Context) {
	tail := c.alloc.TailAddress()
	if err := c.alloc.ShiftReadOnlyAddress(ctx, tail); err != nil {
		c.log.Warn("ops: shift read-only failed", zap.Error(err))
		return
	}
	if err := c.alloc.ShiftHeadAddress(c.alloc.ReadOnlyAddress()); err != nil && err != hlog.ErrPagePending {
		c.log.Warn("ops: shift head failed", zap.Error(err))
	}
}

// resolver builds a HashResolver for internal/index.Resize by decoding
// whatever record lives at a given address and re-hashing its key.
func (c *Core[K, V]) resolver(ctx context.Context) index.HashResolver {
	return func(addr Address) (uint64, bool) {
		buf, err := c.readAt(ctx, addr)
		if err != nil {
			return 0, false
		}
		dec, err := record.Decode[K, V](buf, c.keyCodec, c.valCodec)
		if err != nil {
			return 0, false
		}
		return c.hashFunc(dec.Key), true
	}
}

func (c *Core[K, V]) triggerResize(ctx context.Context) error {
	return c.idx.Resize(ctx, c.resolver(ctx))
}

// appendRecord encodes and writes a new record at the tail, returning its
// address. flags should not include FlagValid; it is added automatically.
func (c *Core[K, V]) appendRecord(ctx context.Context, flags uint8, key K, value V, prev Address) (Address, error) {
	kb := c.keyCodec.Encode(key)
	vb := c.valCodec.Encode(value)
	n := record.Size(len(kb), len(vb))

	// The version byte is the prior chain link's version plus one (wrapping
	// mod 256), so Header.Version() is a monotone per-collision-class
	// sequence rather than a constant. prev's header is cheap to read: Peek
	// only decodes the fixed-size header, never the key or value bytes.
	var version uint8
	if prev != Address(record.Invalid) {
		if pbuf, err := c.readAt(ctx, prev); err == nil {
			if phdr, _, _, err := record.Peek(pbuf); err == nil {
				version = phdr.Version() + 1
			}
		}
	}

	addr, buf, err := c.reserveWithRetry(ctx, n)
	if err != nil {
		return 0, err
	}
	hdr := record.NewHeader(flags|record.FlagValid, version, prev)
	encoded := record.Encode(hdr, key, value, c.keyCodec, c.valCodec)
	copy(buf, encoded)
	return addr, nil
}

// Rebuild reconstructs the hash index by scanning the log forward from
// begin_address to tail_address, setting each collision class's head to
// the newest address seen. It does not need to re-derive the hash chain
// itself: every record's own back-pointer was computed against whatever
// the index head was at write time, so once the index head is correctly
// set to the newest record, walking from there via findInChain already
// reaches every earlier record for that key. Used by the checkpoint
// subsystem after internal/hlog.Resume reopens a log from a manifest.
//
// A checkpoint's flush can race with writers still appending to the
// page holding tail_address (internal/hlog.FlushAll does not quiesce
// them), so the bytes at the very end of the scan may belong to a record
// that was only partially written when the page was captured. An
// unreadable or unwritten header on the page holding tail_address, or a
// record whose encoded size runs past the end of the buffer, is treated
// as that unreliable tail and scanning stops there rather than failing
// the whole recovery, the same tolerance a write-ahead log gives a torn
// final entry after a crash. An unwritten header on an earlier page is
// the zeroed residue Reserve leaves when it rolls to the next page, and
// the scan skips to that next page's start.
func (c *Core[K, V]) Rebuild(ctx context.Context) error {
	addr := c.alloc.BeginAddress()
	tail := c.alloc.TailAddress()

	for addr < tail {
		buf, err := c.readAt(ctx, addr)
		if err != nil {
			return fmt.Errorf("ops: rebuild: read at %d: %w", addr, err)
		}
		hdr, klen, vlen, err := record.Peek(buf)
		if err != nil || !hdr.IsValid() {
			// Reserve leaves the end of a page zeroed when it rolls the
			// tail to the next page; skip that residue unless this is
			// already the page holding tail_address.
			ps := uint64(c.alloc.PageSize())
			if next := Address((uint64(addr)/ps + 1) * ps); next < tail {
				addr = next
				continue
			}
			c.log.Warn("ops: rebuild: stopping at unreadable tail record", zap.Uint64("address", uint64(addr)))
			break
		}
		size := record.Size(int(klen), int(vlen))
		if size > len(buf) {
			c.log.Warn("ops: rebuild: stopping at truncated tail record", zap.Uint64("address", uint64(addr)))
			break
		}
		dec, err := record.Decode[K, V](buf[:size], c.keyCodec, c.valCodec)
		if err != nil {
			return fmt.Errorf("ops: rebuild: decode at %d: %w", addr, err)
		}

		hash := c.hashFunc(dec.Key)
		head, _, found := c.idx.FindTag(hash)
		if !found {
			ok, full := c.idx.TryInsert(hash, addr)
			if full {
				if err := c.triggerResize(ctx); err != nil {
					return fmt.Errorf("ops: rebuild: resize: %w", err)
				}
				ok, _ = c.idx.TryInsert(hash, addr)
			}
			if ok {
				c.idx.Finalize(hash, addr)
			}
		} else {
			c.idx.TryUpdate(hash, head, addr)
		}

		addr += Address(size)
	}
	return nil
}

// Stats reports the supplemented store-level statistics surfaced by
// original_source's RsKv::stats(), re-expressed in Go naming.
type Stats struct {
	IndexEntries       int
	LogTailAddress     Address
	MutableRegionSize  uint64
	ReadOnlyRegionSize uint64
	DiskRegionSize     uint64
}

// Stats returns a point-in-time snapshot of the log's region sizes and
// the number of live collision classes in the index. It does not pin the
// epoch, since it only reads already-atomic watermarks and a consistent
// count is not required for a diagnostic snapshot.
func (c *Core[K, V]) Stats() Stats {
	var n int
	c.idx.ForEach(func(Address) { n++ })

	begin, head := c.alloc.BeginAddress(), c.alloc.HeadAddress()
	ro, tail := c.alloc.ReadOnlyAddress(), c.alloc.TailAddress()
	return Stats{
		IndexEntries:       n,
		LogTailAddress:     tail,
		MutableRegionSize:  uint64(tail - ro),
		ReadOnlyRegionSize: uint64(ro - head),
		DiskRegionSize:     uint64(head - begin),
	}
}
