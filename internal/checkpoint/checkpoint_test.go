package checkpoint

import (
	"context"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/Voskan/faststore/internal/device"
	"github.com/Voskan/faststore/internal/epoch"
	"github.com/Voskan/faststore/internal/hlog"
	"github.com/Voskan/faststore/internal/index"
	"github.com/Voskan/faststore/internal/ops"
	"github.com/Voskan/faststore/internal/record"
)

func buildCore(t *testing.T, dev device.Device, em *epoch.Manager, alloc *hlog.Allocator) *ops.Core[string, string] {
	t.Helper()
	idx, err := index.New(index.Config{InitialBuckets: 4, EpochManager: em})
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	c, err := ops.New(ops.Config[string, string]{
		Allocator:    alloc,
		Index:        idx,
		EpochManager: em,
		KeyCodec:     record.StringCodec{},
		ValCodec:     record.StringCodec{},
		HashFunc:     func(k string) uint64 { return xxhash.Sum64String(k) },
	})
	if err != nil {
		t.Fatalf("ops.New: %v", err)
	}
	return c
}

func TestCheckpointAndRecover(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemDevice()
	em := epoch.NewManager(nil)

	alloc, err := hlog.New(hlog.Config{PageSizeBytes: 4096, NumPages: 4, Device: dev, EpochManager: em})
	if err != nil {
		t.Fatalf("hlog.New: %v", err)
	}
	core := buildCore(t, dev, em, alloc)
	sess := core.NewSession()

	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"a", "1-updated"}} {
		if status, err := sess.Upsert(ctx, kv[0], kv[1]); err != nil || status != ops.StatusOk {
			t.Fatalf("upsert %v: status=%v err=%v", kv, status, err)
		}
	}

	mgr, err := NewManager(Config{Allocator: alloc, Device: dev, EpochManager: em})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manifest, err := mgr.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if manifest.Sequence != 1 {
		t.Fatalf("expected first checkpoint to be sequence 1, got %d", manifest.Sequence)
	}

	loaded, err := LoadManifest(ctx, dev)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if loaded.Watermarks.Tail != manifest.Watermarks.Tail {
		t.Fatalf("loaded manifest tail %d != written tail %d", loaded.Watermarks.Tail, manifest.Watermarks.Tail)
	}

	// Simulate a restart: a fresh allocator, index, and core resumed from
	// the manifest alone, replaying the log to rebuild the index.
	em2 := epoch.NewManager(nil)
	resumedAlloc, err := hlog.Resume(ctx, hlog.Config{PageSizeBytes: 4096, NumPages: 4, Device: dev, EpochManager: em2}, loaded.Watermarks)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumedCore := buildCore(t, dev, em2, resumedAlloc)
	if err := resumedCore.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	resumedSess := resumedCore.NewSession()
	val, status, err := resumedSess.Read(ctx, "a")
	if err != nil || status != ops.StatusOk || val != "1-updated" {
		t.Fatalf("read 'a' after recovery: val=%q status=%v err=%v", val, status, err)
	}
	val, status, err = resumedSess.Read(ctx, "b")
	if err != nil || status != ops.StatusOk || val != "2" {
		t.Fatalf("read 'b' after recovery: val=%q status=%v err=%v", val, status, err)
	}
}

func TestLoadManifestWithoutCheckpointReturnsErrNoManifest(t *testing.T) {
	dev := device.NewMemDevice()
	if _, err := LoadManifest(context.Background(), dev); err != ErrNoManifest {
		t.Fatalf("expected ErrNoManifest, got %v", err)
	}
}
