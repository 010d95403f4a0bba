// Package checkpoint implements the store's checkpoint and recovery
// protocol: flush every resident log page (including the partially
// filled tail page) to the device, persist a manifest recording the
// watermarks at that instant, and atomically publish it. Recovery reloads
// the manifest and resumes the hybrid log from it; the hash index is not
// itself persisted — it is rebuilt by replaying the recovered log, the
// same way internal/ops's chain walks already tolerate records it has
// never seen before being pointed to by a stale index.
//
// A checkpoint does not quiesce writers: internal/hlog.Allocator.FlushAll
// can race with an append still landing in the page holding tail_address.
// internal/ops.Core.Rebuild tolerates the resulting torn trailing record
// on replay, so the manifest only needs to be a fuzzy, self-consistent
// snapshot rather than a frozen one.
//
// Grounded on arena-cache's examples/disk_eject/main.go, which treats
// Badger as the durable source of truth behind an in-memory structure;
// here the manifest plays that same "durable record of where we left
// off" role, written through the same Device the log itself uses rather
// than a side-channel file.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Voskan/faststore/internal/device"
	"github.com/Voskan/faststore/internal/epoch"
	"github.com/Voskan/faststore/internal/hlog"
	"go.uber.org/zap"
)

// ManifestPageIndex is the reserved device page the manifest is stored
// at. It is chosen far outside any realistic hybrid-log page range so it
// can never collide with an actual log page.
const ManifestPageIndex = ^uint64(0)

// Manifest is the durable record of a checkpoint: the log's watermarks
// and a sequence number counting the checkpoints taken by the Manager
// that wrote it. The count restarts at 1 for each new Manager, and
// LoadManifest does not check it.
type Manifest struct {
	Sequence uint64          `json:"sequence"`
	Watermarks hlog.Watermarks `json:"watermarks"`
}

// Manager coordinates checkpointing for one store instance.
type Manager struct {
	alloc    *hlog.Allocator
	dev      device.Device
	epochMgr *epoch.Manager
	log      *zap.Logger

	sequence uint64
}

// Config bundles Manager construction parameters.
type Config struct {
	Allocator    *hlog.Allocator
	Device       device.Device
	EpochManager *epoch.Manager
	Logger       *zap.Logger
}

// NewManager constructs a checkpoint Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Allocator == nil || cfg.Device == nil || cfg.EpochManager == nil {
		return nil, fmt.Errorf("checkpoint: allocator, device, and epoch manager are required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{alloc: cfg.Allocator, dev: cfg.Device, epochMgr: cfg.EpochManager, log: log}, nil
}

// Checkpoint performs a full checkpoint: flush every resident page
// (including a partially filled tail page, see Allocator.FlushAll) and
// publish the resulting manifest. It returns the manifest written.
//
// It registers and pins a participant for the duration of the flush so
// that a concurrent internal/index.Resize cannot have its deferred
// overflow-bucket reclamation drained mid-checkpoint: epoch.Manager.Bump treats
// every pinned participant as a floor on the safe epoch, so our pin keeps
// that reclamation pending until after we unpin, even though the
// checkpoint itself never touches the index.
func (m *Manager) Checkpoint(ctx context.Context) (Manifest, error) {
	h := m.epochMgr.Register()
	g := m.epochMgr.Pin(h)
	tail, err := m.alloc.FlushAll(ctx)
	g.Unpin()
	if err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: flush: %w", err)
	}

	// FlushAll samples tail_address itself before flushing, so using its
	// returned value here (rather than re-reading Watermarks().Tail) keeps
	// the manifest consistent with exactly what was flushed even if a
	// writer advanced the tail again right after FlushAll returned.
	w := m.alloc.Watermarks()
	w.Tail = tail

	m.sequence++
	manifest := Manifest{Sequence: m.sequence, Watermarks: w}

	buf, err := json.Marshal(manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: marshal manifest: %w", err)
	}
	if err := m.dev.WritePage(ctx, ManifestPageIndex, buf); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: write manifest: %w", err)
	}
	if err := m.dev.Sync(ctx); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: sync manifest: %w", err)
	}

	m.log.Info("checkpoint complete",
		zap.Uint64("sequence", manifest.Sequence),
		zap.Uint64("tail", uint64(w.Tail)),
	)
	return manifest, nil
}

// LoadManifest reads back the most recently published manifest, or
// ErrNoManifest if the store has never been checkpointed.
func LoadManifest(ctx context.Context, dev device.Device) (Manifest, error) {
	buf, err := dev.ReadPage(ctx, ManifestPageIndex)
	if err == device.ErrNoSuchPage {
		return Manifest{}, ErrNoManifest
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(buf, &m); err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: unmarshal manifest: %w", err)
	}
	return m, nil
}

// ErrNoManifest is returned by LoadManifest when the device has never
// held a published checkpoint, meaning the caller should open a fresh
// store rather than recover one.
var ErrNoManifest = fmt.Errorf("checkpoint: no manifest found")
