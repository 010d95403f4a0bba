// Package hlog implements the hybrid log allocator and region manager:
// reservation of tail space, page-to-device flushing, and the four
// monotone watermarks (begin/head/read-only/tail) that partition the
// logical address space into disk, read-only, and mutable regions (§3,
// §4.2).
//
// The page lifecycle is grounded on internal/genring.Ring from arena-cache:
// a `generation` there owns an arena and rotates out once its byte budget
// is exceeded, handing the caller the evicted generation so CLOCK-Pro can
// keep ghost metadata for it. Here a `page` plays the same role — it owns
// a contiguous byte slice and rotates out once the tail would overwrite
// it — except eviction is gated on the page having been flushed to a
// device and fallen below head_address, per §4.2's back-pressure rule,
// and pages are addressed by a stable logical index rather than an
// incrementing generation id so the hash index's back-pointers keep
// working across rotations.
package hlog

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/Voskan/faststore/internal/device"
	"github.com/Voskan/faststore/internal/epoch"
	"github.com/Voskan/faststore/internal/record"
	"github.com/Voskan/faststore/internal/unsafehelpers"
	"go.uber.org/zap"
)

// Address is the hybrid log's logical addressing type, re-exported from
// internal/record so callers of this package never need to import both.
type Address = record.Address

// sentinelLogicalIndex marks a slot in the page ring that holds no page.
const sentinelLogicalIndex = ^uint64(0)

// originOffset reserves the first few bytes of address space so that
// address 0 remains record.Invalid and is never handed out by Reserve.
const originOffset = 64

// ErrPagePending indicates the requested page is mid-flush or its slot is
// still occupied by data that has not yet fallen below head_address; the
// caller should treat this as the spec's Pending status and retry.
var ErrPagePending = fmt.Errorf("hlog: page not yet available, retry")

// ErrRecordTooLarge is returned by Reserve when n exceeds what a single
// page can ever hold.
var ErrRecordTooLarge = fmt.Errorf("hlog: record exceeds page size")

// page is one in-memory page of the hybrid log's circular page ring.
type page struct {
	index   uint64 // logical page number resident here, or sentinelLogicalIndex
	data    []byte
	flushed atomic.Bool
}

// Allocator owns the hybrid log's in-memory pages, the backing Device, and
// the four monotone watermarks.
type Allocator struct {
	pageSize int
	pageBits uint
	numPages int

	slots []atomic.Pointer[page]

	beginAddress    atomic.Uint64
	headAddress     atomic.Uint64
	readOnlyAddress atomic.Uint64
	tailAddress     atomic.Uint64

	dev      device.Device
	epochMgr *epoch.Manager
	log      *zap.Logger

	mu sync.Mutex // serializes page roll-over and watermark shifts
}

// Config bundles the allocator's construction parameters.
type Config struct {
	PageSizeBytes int
	NumPages      int
	Device        device.Device
	EpochManager  *epoch.Manager
	Logger        *zap.Logger
}

// New constructs an allocator with a single freshly-installed page at
// logical index 0 and all four watermarks positioned at originOffset.
func New(cfg Config) (*Allocator, error) {
	if cfg.PageSizeBytes <= 0 || !unsafehelpers.IsPowerOfTwo(uintptr(cfg.PageSizeBytes)) {
		return nil, fmt.Errorf("hlog: page size must be a power of two, got %d", cfg.PageSizeBytes)
	}
	if cfg.NumPages < 2 {
		return nil, fmt.Errorf("hlog: need at least 2 in-memory pages, got %d", cfg.NumPages)
	}
	if cfg.Device == nil {
		return nil, fmt.Errorf("hlog: device is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	a := &Allocator{
		pageSize: cfg.PageSizeBytes,
		pageBits: uint(bits.TrailingZeros(uint(cfg.PageSizeBytes))),
		numPages: cfg.NumPages,
		slots:    make([]atomic.Pointer[page], cfg.NumPages),
		dev:      cfg.Device,
		epochMgr: cfg.EpochManager,
		log:      log,
	}
	for i := range a.slots {
		a.slots[i].Store(&page{index: sentinelLogicalIndex})
	}

	a.beginAddress.Store(originOffset)
	a.headAddress.Store(originOffset)
	a.readOnlyAddress.Store(originOffset)
	a.tailAddress.Store(originOffset)

	first := &page{index: 0, data: make([]byte, cfg.PageSizeBytes)}
	a.slots[0].Store(first)
	return a, nil
}

// Watermarks is a snapshot of the four region boundaries, persisted by
// internal/checkpoint and used to Resume an allocator after a restart.
type Watermarks struct {
	Begin, Head, ReadOnly, Tail Address
}

// Watermarks returns the allocator's current region boundaries.
func (a *Allocator) Watermarks() Watermarks {
	return Watermarks{
		Begin:    a.BeginAddress(),
		Head:     a.HeadAddress(),
		ReadOnly: a.ReadOnlyAddress(),
		Tail:     a.TailAddress(),
	}
}

// Resume constructs an allocator positioned at a previously checkpointed
// set of watermarks instead of a fresh log. The page containing w.Tail is
// reloaded from the device if a flushed copy exists there, or started
// empty otherwise; records appended after that page's last flush and
// before the crash are not recoverable, the same durability boundary any
// write-ahead log gives you. Every other historical address remains
// reachable through FetchFromDisk, which does not depend on the page
// ring being pre-populated.
func Resume(ctx context.Context, cfg Config, w Watermarks) (*Allocator, error) {
	if cfg.PageSizeBytes <= 0 || !unsafehelpers.IsPowerOfTwo(uintptr(cfg.PageSizeBytes)) {
		return nil, fmt.Errorf("hlog: page size must be a power of two, got %d", cfg.PageSizeBytes)
	}
	if cfg.NumPages < 2 {
		return nil, fmt.Errorf("hlog: need at least 2 in-memory pages, got %d", cfg.NumPages)
	}
	if cfg.Device == nil {
		return nil, fmt.Errorf("hlog: device is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	a := &Allocator{
		pageSize: cfg.PageSizeBytes,
		pageBits: uint(bits.TrailingZeros(uint(cfg.PageSizeBytes))),
		numPages: cfg.NumPages,
		slots:    make([]atomic.Pointer[page], cfg.NumPages),
		dev:      cfg.Device,
		epochMgr: cfg.EpochManager,
		log:      log,
	}
	for i := range a.slots {
		a.slots[i].Store(&page{index: sentinelLogicalIndex})
	}

	a.beginAddress.Store(uint64(w.Begin))
	a.headAddress.Store(uint64(w.Head))
	a.readOnlyAddress.Store(uint64(w.ReadOnly))
	a.tailAddress.Store(uint64(w.Tail))

	tailPage := a.pageIndex(w.Tail)
	data := make([]byte, cfg.PageSizeBytes)
	onDisk, err := cfg.Device.ReadPage(ctx, tailPage)
	switch {
	case err == nil:
		copy(data, onDisk)
	case err == device.ErrNoSuchPage:
		// Never flushed before the crash; start this page empty.
	default:
		return nil, fmt.Errorf("hlog: resume: read tail page %d: %w", tailPage, err)
	}
	fresh := &page{index: tailPage, data: data}
	fresh.flushed.Store(true)
	a.slots[a.slotOf(tailPage)].Store(fresh)
	return a, nil
}

func (a *Allocator) pageIndex(addr Address) uint64    { return uint64(addr) >> a.pageBits }
func (a *Allocator) slotOf(logicalPage uint64) int    { return int(logicalPage % uint64(a.numPages)) }
func (a *Allocator) offsetOf(addr Address) int        { return int(uint64(addr) & uint64(a.pageSize-1)) }
func (a *Allocator) pageStart(logicalPage uint64) Address {
	return Address(logicalPage << a.pageBits)
}

// PageSize returns the configured page size in bytes.
func (a *Allocator) PageSize() int { return a.pageSize }

// BeginAddress, HeadAddress, ReadOnlyAddress, and TailAddress return the
// current watermarks (§3).
func (a *Allocator) BeginAddress() Address    { return Address(a.beginAddress.Load()) }
func (a *Allocator) HeadAddress() Address     { return Address(a.headAddress.Load()) }
func (a *Allocator) ReadOnlyAddress() Address { return Address(a.readOnlyAddress.Load()) }
func (a *Allocator) TailAddress() Address     { return Address(a.tailAddress.Load()) }

// IsMutable, IsReadOnly, and IsDisk classify an address against the three
// regions of §3's table.
func (a *Allocator) IsMutable(addr Address) bool {
	return addr >= a.ReadOnlyAddress() && addr < a.TailAddress()
}
func (a *Allocator) IsReadOnly(addr Address) bool {
	return addr >= a.HeadAddress() && addr < a.ReadOnlyAddress()
}
func (a *Allocator) IsDisk(addr Address) bool { return addr < a.HeadAddress() }

// Reserve atomically advances tail_address by n bytes (aligned to record
// granularity by the caller) and returns the address and a byte slice the
// caller may write the record into. If the reservation would cross a page
// boundary, it instead rolls the tail to the next page and retries; if the
// next page's slot cannot yet be reused (back-pressure, §4.2), it returns
// ErrPagePending.
func (a *Allocator) Reserve(n int) (Address, []byte, error) {
	if n <= 0 {
		return 0, nil, fmt.Errorf("hlog: reserve size must be positive")
	}
	if n > a.pageSize {
		return 0, nil, ErrRecordTooLarge
	}

	for {
		old := a.tailAddress.Load()
		pageOfOld := a.pageIndex(Address(old))
		end := old + uint64(n)
		pageOfEnd := a.pageIndex(Address(end - 1))

		if pageOfEnd != pageOfOld {
			nextStart := uint64(a.pageStart(pageOfOld + 1))
			if !a.tailAddress.CompareAndSwap(old, nextStart) {
				continue
			}
			if err := a.rollToPage(pageOfOld + 1); err != nil {
				return 0, nil, err
			}
			continue
		}

		p := a.slots[a.slotOf(pageOfOld)].Load()
		if p.index != pageOfOld {
			// The tail's page is not installed yet: a concurrent roll has
			// not finished, or an earlier roll was refused for
			// back-pressure. Install it (or report ErrPagePending) before
			// claiming any bytes, then retry.
			if err := a.rollToPage(pageOfOld); err != nil {
				return 0, nil, err
			}
			continue
		}
		if !a.tailAddress.CompareAndSwap(old, end) {
			continue
		}
		off := a.offsetOf(Address(old))
		return Address(old), p.data[off : off+n], nil
	}
}

// rollToPage installs a fresh page at logical index idx, reusing the ring
// slot idx%numPages once the page currently occupying it has been flushed
// and has fallen entirely below head_address.
func (a *Allocator) rollToPage(idx uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	slotIdx := a.slotOf(idx)
	cur := a.slots[slotIdx].Load()
	if cur.index == idx {
		return nil // already installed by a racing reserver
	}
	if cur.index != sentinelLogicalIndex {
		if !cur.flushed.Load() {
			return ErrPagePending
		}
		if a.pageStart(cur.index+1) > a.HeadAddress() {
			return ErrPagePending
		}
	}

	fresh := &page{index: idx, data: make([]byte, a.pageSize)}
	a.slots[slotIdx].Store(fresh)
	return nil
}

// Get returns the in-memory bytes starting at addr, or pending=true if
// addr lies in the disk region and must be fetched via FetchFromDisk.
func (a *Allocator) Get(addr Address) (buf []byte, pending bool) {
	if a.IsDisk(addr) {
		return nil, true
	}
	pageIdx := a.pageIndex(addr)
	p := a.slots[a.slotOf(pageIdx)].Load()
	if p.index != pageIdx {
		// The page rolled out from under us between the region check and
		// the load; treat it the same as a disk miss so the caller pages
		// it in explicitly.
		return nil, true
	}
	off := a.offsetOf(addr)
	return p.data[off:], false
}

// FetchFromDisk reads the page containing addr from the device and
// returns the bytes starting at addr's offset within it. It does not
// install anything back into the in-memory page ring: per §4.4, a record
// read off disk is handed to the caller directly, and any subsequent
// mutation goes through the normal RCU-to-tail path rather than resurrecting
// the old page.
func (a *Allocator) FetchFromDisk(ctx context.Context, addr Address) ([]byte, error) {
	pageIdx := a.pageIndex(addr)
	pageBytes, err := a.dev.ReadPage(ctx, pageIdx)
	if err != nil {
		return nil, fmt.Errorf("hlog: fetch page %d: %w", pageIdx, err)
	}
	off := a.offsetOf(addr)
	if off > len(pageBytes) {
		return nil, fmt.Errorf("hlog: corrupt page %d: offset %d beyond %d bytes", pageIdx, off, len(pageBytes))
	}
	return pageBytes[off:], nil
}

// ShiftReadOnlyAddress monotonically advances read_only_address and
// schedules an asynchronous flush of every page that just became
// read-only, so that head_address can advance quickly once clients stop
// needing the pages in memory.
func (a *Allocator) ShiftReadOnlyAddress(ctx context.Context, newVal Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.ReadOnlyAddress()
	if newVal <= old {
		return nil
	}
	a.readOnlyAddress.Store(uint64(newVal))

	first := a.pageIndex(old)
	last := a.pageIndex(newVal - 1)
	for p := first; p <= last; p++ {
		a.scheduleFlush(ctx, p)
	}
	return nil
}

func (a *Allocator) scheduleFlush(ctx context.Context, pageIdx uint64) {
	p := a.slots[a.slotOf(pageIdx)].Load()
	if p.index != pageIdx || p.flushed.Load() {
		return
	}
	go func() {
		if err := a.dev.WritePage(ctx, pageIdx, p.data); err != nil {
			a.log.Error("hlog: flush failed", zap.Uint64("page", pageIdx), zap.Error(err))
			return
		}
		p.flushed.Store(true)
	}()
}

// FlushAll flushes every resident page up to and including the page
// currently holding tail_address, even if that page is only partially
// filled, and returns the tail address at the moment of the flush. Used
// by internal/checkpoint to produce a recoverable snapshot: pairing this
// tail value with the watermarks in the same checkpoint record is what
// lets Resume safely reload the tail page from the device.
func (a *Allocator) FlushAll(ctx context.Context) (Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tail := a.TailAddress()
	first := a.pageIndex(a.BeginAddress())
	last := a.pageIndex(tail)
	for p := first; p <= last; p++ {
		slot := a.slots[a.slotOf(p)].Load()
		if slot.index != p {
			continue
		}
		if err := a.dev.WritePage(ctx, p, slot.data); err != nil {
			return 0, fmt.Errorf("hlog: flush all page %d: %w", p, err)
		}
		slot.flushed.Store(true)
	}
	if err := a.dev.Sync(ctx); err != nil {
		return 0, fmt.Errorf("hlog: flush all sync: %w", err)
	}
	return tail, nil
}

// Flush synchronously writes every resident page holding an address below
// upTo to the device and calls Sync. The checkpoint subsystem uses
// FlushAll instead, which also covers the page holding tail_address.
func (a *Allocator) Flush(ctx context.Context, upTo Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	first := a.pageIndex(a.BeginAddress())
	if upTo <= a.BeginAddress() {
		return a.dev.Sync(ctx)
	}
	last := a.pageIndex(upTo - 1)
	for p := first; p <= last; p++ {
		slot := a.slots[a.slotOf(p)].Load()
		if slot.index != p {
			continue
		}
		if err := a.dev.WritePage(ctx, p, slot.data); err != nil {
			return fmt.Errorf("hlog: flush page %d: %w", p, err)
		}
		slot.flushed.Store(true)
	}
	return a.dev.Sync(ctx)
}

// ShiftHeadAddress monotonically advances head_address, but only if every
// resident page being retired has completed flush; otherwise it leaves
// head_address unchanged and returns ErrPagePending so the caller can
// retry (internal/ops does so from its reservation back-pressure path),
// per §7's propagation policy for disk I/O faults.
func (a *Allocator) ShiftHeadAddress(newVal Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.HeadAddress()
	if newVal <= old {
		return nil
	}
	if newVal > a.ReadOnlyAddress() {
		return fmt.Errorf("hlog: head_address may not pass read_only_address")
	}

	first := a.pageIndex(old)
	last := a.pageIndex(newVal - 1)
	for p := first; p <= last; p++ {
		slot := a.slots[a.slotOf(p)].Load()
		if slot.index != p {
			continue
		}
		if !slot.flushed.Load() {
			return ErrPagePending
		}
	}
	a.headAddress.Store(uint64(newVal))
	return nil
}

// ShiftBeginAddress monotonically advances begin_address and truncates the
// device of any page now entirely before it, used after a successful
// checkpoint that makes older incremental state unnecessary for recovery.
func (a *Allocator) ShiftBeginAddress(ctx context.Context, newVal Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.beginAddress.Load()
	if uint64(newVal) <= old {
		return nil
	}
	if newVal > a.HeadAddress() {
		return fmt.Errorf("hlog: begin_address may not pass head_address")
	}
	a.beginAddress.Store(uint64(newVal))
	return a.dev.Truncate(ctx, a.pageIndex(newVal))
}
