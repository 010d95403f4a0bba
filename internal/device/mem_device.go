package device

import (
	"context"
	"sync"
)

// MemDevice is an in-memory Device used by tests across this module that
// need a backing store without touching the filesystem or Badger.
type MemDevice struct {
	mu    sync.Mutex
	pages map[uint64][]byte
}

// NewMemDevice returns an empty in-memory device.
func NewMemDevice() *MemDevice {
	return &MemDevice{pages: make(map[uint64][]byte)}
}

func (d *MemDevice) WritePage(_ context.Context, pageIndex uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	d.mu.Lock()
	d.pages[pageIndex] = cp
	d.mu.Unlock()
	return nil
}

func (d *MemDevice) ReadPage(_ context.Context, pageIndex uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.pages[pageIndex]
	if !ok {
		return nil, ErrNoSuchPage
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (d *MemDevice) Sync(context.Context) error { return nil }

func (d *MemDevice) Truncate(_ context.Context, beforePage uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for idx := range d.pages {
		if idx < beforePage {
			delete(d.pages, idx)
		}
	}
	return nil
}

func (d *MemDevice) Close() error { return nil }
