package faststore

import (
	"context"
	"testing"
	"time"

	"github.com/Voskan/faststore/internal/checkpoint"
	"github.com/Voskan/faststore/internal/device"
	"github.com/Voskan/faststore/internal/ops"
)

func TestOpenUpsertReadDelete(t *testing.T) {
	ctx := context.Background()
	s, err := Open[string, string]("unused",
		WithDevice[string, string](device.NewMemDevice()),
		WithPageSize[string, string](4096),
		WithNumPages[string, string](4),
		WithInitialBuckets[string, string](4),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if status, err := s.Upsert(ctx, "k1", "v1"); err != nil || status != ops.StatusOk {
		t.Fatalf("upsert: status=%v err=%v", status, err)
	}
	val, status, err := s.Read(ctx, "k1")
	if err != nil || status != ops.StatusOk || val != "v1" {
		t.Fatalf("read: val=%q status=%v err=%v", val, status, err)
	}

	found, err := s.ContainsKey(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("containskey: found=%v err=%v", found, err)
	}

	if status, err := s.Delete(ctx, "k1"); err != nil || status != ops.StatusOk {
		t.Fatalf("delete: status=%v err=%v", status, err)
	}
	if _, status, err := s.Read(ctx, "k1"); err != nil || status != ops.StatusNotFound {
		t.Fatalf("read after delete: status=%v err=%v", status, err)
	}
}

func TestCheckpointThenReopenRecovers(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemDevice()

	s, err := Open[string, string]("unused",
		WithDevice[string, string](dev),
		WithPageSize[string, string](4096),
		WithNumPages[string, string](4),
		WithInitialBuckets[string, string](4),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Upsert(ctx, "k1", "v1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open[string, string]("unused",
		WithDevice[string, string](dev),
		WithPageSize[string, string](4096),
		WithNumPages[string, string](4),
		WithInitialBuckets[string, string](4),
	)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	val, status, err := reopened.Read(ctx, "k1")
	if err != nil || status != ops.StatusOk || val != "v1" {
		t.Fatalf("read after reopen: val=%q status=%v err=%v", val, status, err)
	}
}

func TestBackgroundCheckpointLoop(t *testing.T) {
	ctx := context.Background()
	dev := device.NewMemDevice()

	s, err := Open[string, string]("unused",
		WithDevice[string, string](dev),
		WithPageSize[string, string](4096),
		WithNumPages[string, string](4),
		WithInitialBuckets[string, string](4),
		WithCheckpointInterval[string, string](2*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.Upsert(ctx, "k1", "v1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := checkpoint.LoadManifest(ctx, dev); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("background checkpoint loop never published a manifest")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewTieredMigratesOnRMW(t *testing.T) {
	ctx := context.Background()
	hotDev := device.NewMemDevice()
	coldDev := device.NewMemDevice()

	tiered, err := NewTiered[string, string](
		"hot", []Option[string, string]{WithDevice[string, string](hotDev), WithPageSize[string, string](4096), WithNumPages[string, string](4), WithInitialBuckets[string, string](4)},
		"cold", []Option[string, string]{WithDevice[string, string](coldDev), WithPageSize[string, string](4096), WithNumPages[string, string](4), WithInitialBuckets[string, string](4)},
	)
	if err != nil {
		t.Fatalf("new tiered: %v", err)
	}
	t.Cleanup(func() { tiered.Close() })

	if _, err := tiered.cold.Upsert(ctx, "k1", "cold-v"); err != nil {
		t.Fatalf("seed cold: %v", err)
	}

	update := func(old string, exists bool) (string, error) {
		if !exists {
			return "new", nil
		}
		return old + "+rmw", nil
	}
	if status, err := tiered.RMW(ctx, "k1", update); err != nil || status != ops.StatusOk {
		t.Fatalf("rmw: status=%v err=%v", status, err)
	}

	found, err := tiered.hot.ContainsKey(ctx, "k1")
	if err != nil || !found {
		t.Fatalf("expected key migrated to hot, found=%v err=%v", found, err)
	}
}
