// Package device defines the backing-store abstraction the hybrid log uses
// to page data to and from durable storage (§6), plus three concrete
// implementations: MemDevice, an in-memory device used by tests;
// FileDevice, a dependency-free reference backed by one
// file per page, and BadgerDevice, which stores each page as a value in an
// embedded Badger database — generalizing the L1/L2 split demonstrated in
// arena-cache's examples/disk_eject/main.go, where evicted cache entries
// were persisted into Badger and re-read on the next miss.
//
// The spec's device contract is expressed in terms of futures; Go's
// idiomatic rendering is a context-aware, synchronous call that the
// allocator itself backgrounds with a goroutine when it wants overlap with
// other work (see internal/hlog's flush path). This keeps the interface a
// single, easily-mocked surface instead of forcing every implementation to
// invent its own future type.
package device

import "context"

// Device is the set of operations the hybrid log allocator requires of any
// backing store (§6). pageIndex is the allocator's own page numbering, not
// a byte offset.
type Device interface {
	// WritePage durably stores data under pageIndex, replacing any prior
	// contents.
	WritePage(ctx context.Context, pageIndex uint64, data []byte) error

	// ReadPage returns the bytes last written for pageIndex. Implementations
	// return ErrNoSuchPage if the page was never written or has since been
	// truncated away.
	ReadPage(ctx context.Context, pageIndex uint64) ([]byte, error)

	// Sync forces any buffered writes to become durable.
	Sync(ctx context.Context) error

	// Truncate discards all pages strictly below beforePage. Used when
	// begin_address advances past data no client can observe anymore.
	Truncate(ctx context.Context, beforePage uint64) error

	// Close releases resources held by the device.
	Close() error
}

// ErrNoSuchPage is returned by ReadPage for a page index that was never
// written, or that has been truncated away.
var ErrNoSuchPage = errNoSuchPage{}

type errNoSuchPage struct{}

func (errNoSuchPage) Error() string { return "device: no such page" }
