package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Voskan/faststore/internal/checkpoint"
	"github.com/Voskan/faststore/internal/device"
	"github.com/Voskan/faststore/internal/epoch"
	"github.com/Voskan/faststore/internal/hlog"
)

// snapshot is the JSON/text payload this tool reports. It only needs the
// allocator's watermarks and the manifest's sequence number, both of
// which are available without instantiating a typed internal/ops.Core —
// an inspector has no way to know a caller's K/V types, so it never
// decodes record bodies.
type snapshot struct {
	Dir             string `json:"dir"`
	HasManifest     bool   `json:"has_manifest"`
	Sequence        uint64 `json:"sequence,omitempty"`
	BeginAddress    uint64 `json:"begin_address"`
	HeadAddress     uint64 `json:"head_address"`
	ReadOnlyAddress uint64 `json:"read_only_address"`
	TailAddress     uint64 `json:"tail_address"`
	MutableBytes    uint64 `json:"mutable_region_bytes"`
	ReadOnlyBytes   uint64 `json:"read_only_region_bytes"`
	DiskBytes       uint64 `json:"disk_region_bytes"`
	PagesInReadOnly uint64 `json:"pages_in_read_only_region"`
}

func takeSnapshot(ctx context.Context, opts *options) (snapshot, error) {
	dev, err := device.NewFileDevice(opts.dir)
	if err != nil {
		return snapshot{}, fmt.Errorf("open device: %w", err)
	}
	defer dev.Close()

	manifest, err := checkpoint.LoadManifest(ctx, dev)
	hasManifest := true
	if errors.Is(err, checkpoint.ErrNoManifest) {
		hasManifest = false
	} else if err != nil {
		return snapshot{}, fmt.Errorf("load manifest: %w", err)
	}

	if opts.checkpoint {
		manifest, err = runCheckpoint(ctx, opts, dev, manifest, hasManifest)
		if err != nil {
			return snapshot{}, fmt.Errorf("checkpoint: %w", err)
		}
		hasManifest = true
	}

	w := manifest.Watermarks
	snap := snapshot{
		Dir:             opts.dir,
		HasManifest:     hasManifest,
		Sequence:        manifest.Sequence,
		BeginAddress:    uint64(w.Begin),
		HeadAddress:     uint64(w.Head),
		ReadOnlyAddress: uint64(w.ReadOnly),
		TailAddress:     uint64(w.Tail),
		MutableBytes:    uint64(w.Tail) - uint64(w.ReadOnly),
		ReadOnlyBytes:   uint64(w.ReadOnly) - uint64(w.Head),
		DiskBytes:       uint64(w.Head) - uint64(w.Begin),
	}
	if opts.pageBytes > 0 {
		snap.PagesInReadOnly = snap.ReadOnlyBytes / uint64(opts.pageBytes)
	}
	return snap, nil
}

// runCheckpoint resumes a throwaway allocator from the existing manifest
// (or starts a fresh one, if the directory is new) purely to flush and
// republish a manifest; it never needs a typed ops.Core because
// checkpoint.Manager only touches the allocator and the device.
func runCheckpoint(ctx context.Context, opts *options, dev device.Device, manifest checkpoint.Manifest, hasManifest bool) (checkpoint.Manifest, error) {
	em := epoch.NewManager(zap.NewNop())
	cfg := hlog.Config{
		PageSizeBytes: opts.pageBytes,
		NumPages:      4,
		Device:        dev,
		EpochManager:  em,
		Logger:        zap.NewNop(),
	}
	var (
		alloc *hlog.Allocator
		err   error
	)
	if hasManifest {
		alloc, err = hlog.Resume(ctx, cfg, manifest.Watermarks)
	} else {
		alloc, err = hlog.New(cfg)
	}
	if err != nil {
		return checkpoint.Manifest{}, fmt.Errorf("allocator: %w", err)
	}

	mgr, err := checkpoint.NewManager(checkpoint.Config{
		Allocator:    alloc,
		Device:       dev,
		EpochManager: em,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		return checkpoint.Manifest{}, fmt.Errorf("manager: %w", err)
	}
	return mgr.Checkpoint(ctx)
}
