package hlog

import (
	"context"
	"testing"
	"time"

	"github.com/Voskan/faststore/internal/device"
)

func newTestAllocator(t *testing.T, pageSize, numPages int) (*Allocator, device.Device) {
	t.Helper()
	dev := device.NewMemDevice()
	a, err := New(Config{PageSizeBytes: pageSize, NumPages: numPages, Device: dev})
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	return a, dev
}

func TestReserveWithinPageWritesAndReads(t *testing.T) {
	a, _ := newTestAllocator(t, 256, 2)

	addr, buf, err := a.Reserve(32)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if addr != originOffset {
		t.Fatalf("expected first reservation at origin offset %d, got %d", originOffset, addr)
	}
	copy(buf, []byte("thirty-two-bytes-of-payload!!!!!"))

	got, pending := a.Get(addr)
	if pending {
		t.Fatalf("expected in-memory hit, got pending")
	}
	if string(got[:32]) != "thirty-two-bytes-of-payload!!!!!" {
		t.Fatalf("unexpected bytes: %q", got[:32])
	}
}

func TestReserveRollsToNextPageOnBoundaryCross(t *testing.T) {
	a, _ := newTestAllocator(t, 256, 2)

	addr1, _, err := a.Reserve(100)
	if err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	if a.pageIndex(addr1) != 0 {
		t.Fatalf("expected first reservation on page 0, got page %d", a.pageIndex(addr1))
	}

	addr2, _, err := a.Reserve(100)
	if err != nil {
		t.Fatalf("reserve 2: %v", err)
	}
	if a.pageIndex(addr2) != 1 {
		t.Fatalf("expected second reservation rolled onto page 1, got page %d", a.pageIndex(addr2))
	}
	if addr2 != a.pageStart(1) {
		t.Fatalf("expected roll to land exactly at page 1's start, got %d", addr2)
	}
}

func TestReserveBackPressureUntilOldestPageFlushedAndHeadAdvances(t *testing.T) {
	a, _ := newTestAllocator(t, 256, 2)
	ctx := context.Background()

	if _, _, err := a.Reserve(100); err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	if _, _, err := a.Reserve(100); err != nil {
		t.Fatalf("reserve 2: %v", err)
	}
	if _, _, err := a.Reserve(100); err != nil {
		t.Fatalf("reserve 3: %v", err)
	}
	// This reservation rolls toward logical page 2, which maps back onto
	// page 0's ring slot; page 0 is still resident and unflushed, so it
	// must be rejected.
	if _, _, err := a.Reserve(100); err != ErrPagePending {
		t.Fatalf("expected ErrPagePending, got %v", err)
	}

	if err := a.Flush(ctx, Address(256)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := a.ShiftReadOnlyAddress(ctx, Address(256)); err != nil {
		t.Fatalf("shift read-only: %v", err)
	}
	if err := a.ShiftHeadAddress(Address(256)); err != nil {
		t.Fatalf("shift head: %v", err)
	}

	addr, _, err := a.Reserve(64)
	if err != nil {
		t.Fatalf("reserve after back-pressure relief: %v", err)
	}
	if a.pageIndex(addr) != 2 {
		t.Fatalf("expected reuse to land on logical page 2, got %d", a.pageIndex(addr))
	}
}

func TestShiftReadOnlyAddressFlushesAsynchronously(t *testing.T) {
	a, dev := newTestAllocator(t, 256, 2)
	ctx := context.Background()

	addr, buf, err := a.Reserve(32)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	copy(buf, []byte("flush-me-please-flush-me-please"))

	if err := a.ShiftReadOnlyAddress(ctx, addr+32); err != nil {
		t.Fatalf("shift read-only: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := dev.ReadPage(ctx, 0); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("page 0 was never flushed to the device")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFetchFromDiskAfterHeadAdvances(t *testing.T) {
	a, _ := newTestAllocator(t, 256, 2)
	ctx := context.Background()

	addr, buf, err := a.Reserve(32)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	copy(buf, []byte("this-record-will-live-on-disk!!!"))

	if err := a.Flush(ctx, Address(256)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := a.ShiftReadOnlyAddress(ctx, Address(256)); err != nil {
		t.Fatalf("shift read-only: %v", err)
	}
	if err := a.ShiftHeadAddress(Address(256)); err != nil {
		t.Fatalf("shift head: %v", err)
	}

	if !a.IsDisk(addr) {
		t.Fatalf("expected address %d to be in the disk region after head advanced", addr)
	}
	if _, pending := a.Get(addr); !pending {
		t.Fatalf("expected Get to report pending for a disk-region address")
	}

	got, err := a.FetchFromDisk(ctx, addr)
	if err != nil {
		t.Fatalf("fetch from disk: %v", err)
	}
	if string(got[:32]) != "this-record-will-live-on-disk!!!" {
		t.Fatalf("unexpected bytes from disk: %q", got[:32])
	}
}

func TestRegionClassification(t *testing.T) {
	a, _ := newTestAllocator(t, 256, 2)

	addr, _, err := a.Reserve(32)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !a.IsMutable(addr) {
		t.Fatalf("freshly reserved address should be mutable")
	}

	ctx := context.Background()
	if err := a.ShiftReadOnlyAddress(ctx, addr+32); err != nil {
		t.Fatalf("shift read-only: %v", err)
	}
	if !a.IsReadOnly(addr) {
		t.Fatalf("address below read_only_address and above head should be read-only")
	}
}
