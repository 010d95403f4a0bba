package faststore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Voskan/faststore/internal/checkpoint"
	"github.com/Voskan/faststore/internal/device"
	"github.com/Voskan/faststore/internal/epoch"
	"github.com/Voskan/faststore/internal/hlog"
	"github.com/Voskan/faststore/internal/index"
	"github.com/Voskan/faststore/internal/ops"
)

// Store is the public façade over one hybrid log, one hash index, and
// the checkpoint manager that snapshots both. It is the type most
// callers construct directly; NewTiered composes two Stores into a
// hot/cold pair instead.
type Store[K comparable, V any] struct {
	core *ops.Core[K, V]
	dev  device.Device
	em   *epoch.Manager

	ckpt *checkpoint.Manager

	sessions sync.Pool

	metrics metricsSink

	cancel  context.CancelFunc
	group   *errgroup.Group
	closeMu sync.Mutex
	closed  bool
}

// Open opens (or creates) a store rooted at dir — or at the Device
// supplied via WithDevice — and resumes it from its most recent
// checkpoint if one exists.
func Open[K comparable, V any](dir string, opts ...Option[K, V]) (*Store[K, V], error) {
	cfg := defaultConfig[K, V]()
	cfg.dir = dir
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	if cfg.keyCodec == nil {
		kc, ok := defaultKeyCodec[K]()
		if !ok {
			return nil, errMissingKeyCodec
		}
		cfg.keyCodec = kc
	}
	if cfg.valCodec == nil {
		vc, ok := defaultValueCodec[V]()
		if !ok {
			return nil, errMissingValCodec
		}
		cfg.valCodec = vc
	}
	if cfg.hashFunc == nil {
		hf, ok := defaultKeyHash[K]()
		if !ok {
			return nil, errMissingKeyHash
		}
		cfg.hashFunc = hf
	}
	if cfg.keyBytes == nil {
		if kb, ok := defaultKeyBytes[K](); ok {
			cfg.keyBytes = kb
		}
	}

	dev := cfg.dev
	if dev == nil {
		fd, err := device.NewFileDevice(dir)
		if err != nil {
			return nil, fmt.Errorf("faststore: open device: %w", err)
		}
		dev = fd
	}

	em := epoch.NewManager(cfg.logger)

	ctx := context.Background()
	watermarks, hasManifest, err := loadWatermarksIfAny(ctx, dev)
	if err != nil {
		return nil, err
	}

	var alloc *hlog.Allocator
	hlogCfg := hlog.Config{
		PageSizeBytes: cfg.pageSizeBytes,
		NumPages:      cfg.numPages,
		Device:        dev,
		EpochManager:  em,
		Logger:        cfg.logger,
	}
	if hasManifest {
		alloc, err = hlog.Resume(ctx, hlogCfg, watermarks)
	} else {
		alloc, err = hlog.New(hlogCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("faststore: allocator: %w", err)
	}

	idx, err := index.New(index.Config{
		InitialBuckets: cfg.initialBuckets,
		EpochManager:   em,
		Logger:         cfg.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("faststore: index: %w", err)
	}

	core, err := ops.New(ops.Config[K, V]{
		Allocator:        alloc,
		Index:            idx,
		EpochManager:     em,
		KeyCodec:         cfg.keyCodec,
		ValCodec:         cfg.valCodec,
		HashFunc:         cfg.hashFunc,
		KeyBytes:         cfg.keyBytes,
		Logger:           cfg.logger,
		ResizeLoadFactor: cfg.resizeLoadFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("faststore: core: %w", err)
	}

	if hasManifest {
		if err := core.Rebuild(ctx); err != nil {
			return nil, fmt.Errorf("faststore: rebuild: %w", err)
		}
	}

	ckptMgr, err := checkpoint.NewManager(checkpoint.Config{
		Allocator:    alloc,
		Device:       dev,
		EpochManager: em,
		Logger:       cfg.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("faststore: checkpoint manager: %w", err)
	}

	s := &Store[K, V]{
		core:    core,
		dev:     dev,
		em:      em,
		ckpt:    ckptMgr,
		metrics: newMetricsSink(cfg.registry),
	}
	s.sessions.New = func() any { return s.core.NewSession() }

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gCtx := errgroup.WithContext(runCtx)
	s.group = g
	if cfg.checkpointInterval > 0 {
		g.Go(func() error { return s.checkpointLoop(gCtx, cfg.checkpointInterval) })
	}

	return s, nil
}

func loadWatermarksIfAny(ctx context.Context, dev device.Device) (hlog.Watermarks, bool, error) {
	manifest, err := checkpoint.LoadManifest(ctx, dev)
	if errors.Is(err, checkpoint.ErrNoManifest) {
		return hlog.Watermarks{}, false, nil
	}
	if err != nil {
		return hlog.Watermarks{}, false, fmt.Errorf("faststore: load manifest: %w", err)
	}
	return manifest.Watermarks, true, nil
}

// checkpointLoop runs Checkpoint on a ticker until the context is
// cancelled by Close, the errgroup.Group pattern pkg/loader.go's async
// path uses for goroutine lifecycle generalized to a longer-lived
// background task instead of a one-shot load.
func (s *Store[K, V]) checkpointLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Checkpoint(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Store[K, V]) acquire() *ops.Session[K, V] { return s.sessions.Get().(*ops.Session[K, V]) }
func (s *Store[K, V]) release(sess *ops.Session[K, V]) { s.sessions.Put(sess) }

// Upsert inserts or overwrites key's value.
func (s *Store[K, V]) Upsert(ctx context.Context, key K, value V) (ops.Status, error) {
	sess := s.acquire()
	defer s.release(sess)
	status, err := sess.Upsert(ctx, key, value)
	if err == nil {
		s.metrics.incUpsert()
	}
	return status, err
}

// Read returns key's current value.
func (s *Store[K, V]) Read(ctx context.Context, key K) (V, ops.Status, error) {
	sess := s.acquire()
	defer s.release(sess)
	val, status, err := sess.Read(ctx, key)
	if err == nil {
		s.metrics.incRead(status == ops.StatusOk)
	}
	return val, status, err
}

// RMW atomically reads, transforms, and republishes key's value.
func (s *Store[K, V]) RMW(ctx context.Context, key K, update ops.Update[V]) (ops.Status, error) {
	sess := s.acquire()
	defer s.release(sess)
	status, err := sess.RMW(ctx, key, update)
	if err == nil {
		s.metrics.incRMW()
	}
	return status, err
}

// Delete removes key, if present.
func (s *Store[K, V]) Delete(ctx context.Context, key K) (ops.Status, error) {
	sess := s.acquire()
	defer s.release(sess)
	status, err := sess.Delete(ctx, key)
	if err == nil {
		s.metrics.incDelete()
	}
	return status, err
}

// ContainsKey reports whether key is present without materializing its
// value.
func (s *Store[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	sess := s.acquire()
	defer s.release(sess)
	return sess.ContainsKey(ctx, key)
}

// ScanAll returns every live key-value pair. It is a full-scan
// convenience, not an optimized range operation.
func (s *Store[K, V]) ScanAll(ctx context.Context) ([]ops.ScanResult[K, V], error) {
	sess := s.acquire()
	defer s.release(sess)
	return sess.ScanAll(ctx)
}

// ScanPrefix returns every live key-value pair whose key's byte
// projection (see WithKeyBytes) starts with prefix.
func (s *Store[K, V]) ScanPrefix(ctx context.Context, prefix []byte) ([]ops.ScanResult[K, V], error) {
	sess := s.acquire()
	defer s.release(sess)
	return sess.ScanPrefix(ctx, prefix)
}

// Stats returns a point-in-time snapshot of the log's region sizes and
// index entry count, and refreshes the index-entries Prometheus gauge
// when metrics are enabled (the watermark gauges are set on Checkpoint).
func (s *Store[K, V]) Stats() ops.Stats {
	st := s.core.Stats()
	s.metrics.setIndexEntries(st.IndexEntries)
	return st
}

// Checkpoint flushes the log and publishes a recovery manifest.
func (s *Store[K, V]) Checkpoint(ctx context.Context) (checkpoint.Manifest, error) {
	m, err := s.ckpt.Checkpoint(ctx)
	if err == nil {
		s.metrics.incCheckpoint()
		s.metrics.setWatermarks(uint64(m.Watermarks.Begin), uint64(m.Watermarks.Head), uint64(m.Watermarks.ReadOnly), uint64(m.Watermarks.Tail))
	}
	return m, err
}

// Close stops any background checkpoint loop and closes the underlying
// Device. It does not itself take a final checkpoint; call Checkpoint
// first if the caller wants a clean recovery point.
func (s *Store[K, V]) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.cancel != nil {
		s.cancel()
	}
	var groupErr error
	if s.group != nil {
		groupErr = s.group.Wait()
	}
	if err := s.dev.Close(); err != nil {
		return err
	}
	return groupErr
}
