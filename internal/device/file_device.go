package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileDevice is the dependency-free reference Device: one file per page,
// named "page-{N}" inside a directory, matching §6's persisted layout.
// It is the device pkg/faststore.Open falls back to when no Device is
// supplied via WithDevice.
type FileDevice struct {
	dir string

	mu sync.Mutex
}

// NewFileDevice creates (if needed) dir and returns a FileDevice rooted
// there.
func NewFileDevice(dir string) (*FileDevice, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("device: create storage dir: %w", err)
	}
	return &FileDevice{dir: dir}, nil
}

func (d *FileDevice) pagePath(pageIndex uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("page-%d", pageIndex))
}

func (d *FileDevice) WritePage(_ context.Context, pageIndex uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tmp := d.pagePath(pageIndex) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("device: write page %d: %w", pageIndex, err)
	}
	if err := os.Rename(tmp, d.pagePath(pageIndex)); err != nil {
		return fmt.Errorf("device: publish page %d: %w", pageIndex, err)
	}
	return nil
}

func (d *FileDevice) ReadPage(_ context.Context, pageIndex uint64) ([]byte, error) {
	b, err := os.ReadFile(d.pagePath(pageIndex))
	if os.IsNotExist(err) {
		return nil, ErrNoSuchPage
	}
	if err != nil {
		return nil, fmt.Errorf("device: read page %d: %w", pageIndex, err)
	}
	return b, nil
}

func (d *FileDevice) Sync(context.Context) error {
	// Individual pages are published via rename, which is already durable
	// once the rename syscall returns on any POSIX filesystem this device
	// targets; nothing further to flush here.
	return nil
}

func (d *FileDevice) Truncate(_ context.Context, beforePage uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("device: truncate: list dir: %w", err)
	}
	for _, e := range entries {
		var idx uint64
		if _, err := fmt.Sscanf(e.Name(), "page-%d", &idx); err != nil {
			continue
		}
		if idx < beforePage {
			if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil {
				return fmt.Errorf("device: truncate page %d: %w", idx, err)
			}
		}
	}
	return nil
}

func (d *FileDevice) Close() error { return nil }
