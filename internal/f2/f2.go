// Package f2 implements the tiered hot/cold composition: two independent
// internal/ops.Core instances, a hot one and a cold one, combined behind a
// single Store[K,V] façade. Writes land in hot; reads consult hot first and
// fall back to cold on a miss; a read-modify-write that finds its prior
// value only in cold folds that value into the update and republishes the
// result in hot, migrating the key upward the same access that touched it.
// A background sweep drains entries hot has not seen recently back down to
// cold, the same L1/L2 split examples/disk_eject/main.go builds out of
// arena-cache (L1) and Badger (L2), generalized from an eject callback on
// an LRU cache to an idleness sweep over a hash-indexed log.
package f2

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Voskan/faststore/internal/ops"
	"go.uber.org/zap"
)

// Store composes a hot and a cold internal/ops.Core into one tiered store.
type Store[K comparable, V any] struct {
	hot  *ops.Core[K, V]
	cold *ops.Core[K, V]

	hotSessions  sync.Pool
	coldSessions sync.Pool

	hashFunc func(K) uint64

	accessMu   sync.Mutex
	lastAccess map[uint64]time.Time

	maxIdle         time.Duration
	migrateInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	log *zap.Logger
}

// Config bundles Store construction parameters.
type Config[K comparable, V any] struct {
	Hot  *ops.Core[K, V]
	Cold *ops.Core[K, V]

	// HashFunc must match the hash function each Core was itself
	// constructed with; it is used only for this package's own idleness
	// bookkeeping, never passed through to either Core.
	HashFunc func(K) uint64

	// MaxIdle is how long a hot entry may go untouched before the
	// background sweep drains it to cold. Zero disables draining even if
	// MigrateInterval is set.
	MaxIdle time.Duration

	// MigrateInterval is how often the background sweep runs. Zero
	// disables the background goroutine entirely; callers may still
	// invoke Drain manually.
	MigrateInterval time.Duration

	Logger *zap.Logger
}

// New constructs a tiered Store and, if MigrateInterval is non-zero,
// starts its background drain sweep.
func New[K comparable, V any](cfg Config[K, V]) (*Store[K, V], error) {
	if cfg.Hot == nil || cfg.Cold == nil {
		return nil, fmt.Errorf("f2: hot and cold cores are required")
	}
	if cfg.HashFunc == nil {
		return nil, fmt.Errorf("f2: hash function is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store[K, V]{
		hot:             cfg.Hot,
		cold:            cfg.Cold,
		hashFunc:        cfg.HashFunc,
		lastAccess:      make(map[uint64]time.Time),
		maxIdle:         cfg.MaxIdle,
		migrateInterval: cfg.MigrateInterval,
		stopCh:          make(chan struct{}),
		log:             log,
	}
	s.hotSessions.New = func() any { return s.hot.NewSession() }
	s.coldSessions.New = func() any { return s.cold.NewSession() }

	if s.migrateInterval > 0 && s.maxIdle > 0 {
		s.wg.Add(1)
		go s.migrateLoop()
	}
	return s, nil
}

func (s *Store[K, V]) acquireHot() *ops.Session[K, V] {
	return s.hotSessions.Get().(*ops.Session[K, V])
}

func (s *Store[K, V]) releaseHot(sess *ops.Session[K, V]) { s.hotSessions.Put(sess) }

func (s *Store[K, V]) acquireCold() *ops.Session[K, V] {
	return s.coldSessions.Get().(*ops.Session[K, V])
}

func (s *Store[K, V]) releaseCold(sess *ops.Session[K, V]) { s.coldSessions.Put(sess) }

func (s *Store[K, V]) touch(key K) {
	if s.maxIdle <= 0 {
		return
	}
	h := s.hashFunc(key)
	s.accessMu.Lock()
	s.lastAccess[h] = time.Now()
	s.accessMu.Unlock()
}

func (s *Store[K, V]) forget(key K) {
	h := s.hashFunc(key)
	s.accessMu.Lock()
	delete(s.lastAccess, h)
	s.accessMu.Unlock()
}

// Upsert always writes to the hot store, per the "write_atomic always
// false, so upsert always takes the RCU path into the current store"
// contract the original F2Kv::upsert exercises against its hot instance.
func (s *Store[K, V]) Upsert(ctx context.Context, key K, value V) (ops.Status, error) {
	sess := s.acquireHot()
	defer s.releaseHot(sess)
	status, err := sess.Upsert(ctx, key, value)
	if err == nil && status == ops.StatusOk {
		s.touch(key)
	}
	return status, err
}

// Read consults hot first, falling back to cold on a miss. A cold hit does
// not by itself migrate the key; migration on the read path is left to RMW
// and the background sweep, mirroring the original's read path (which does
// not write back on a plain read, only on an RMW).
func (s *Store[K, V]) Read(ctx context.Context, key K) (V, ops.Status, error) {
	hsess := s.acquireHot()
	val, status, err := hsess.Read(ctx, key)
	s.releaseHot(hsess)
	if err != nil {
		var zero V
		return zero, ops.StatusError, err
	}
	if status == ops.StatusOk {
		s.touch(key)
		return val, status, nil
	}

	csess := s.acquireCold()
	val, status, err = csess.Read(ctx, key)
	s.releaseCold(csess)
	return val, status, err
}

// RMW folds a value found only in cold into the supplied update and
// republishes the result in hot, the mechanism
// f2_cold_hot_migration_test.rs calls "RMW operation triggers cold-hot
// migration": the key's authoritative record now lives in hot, and future
// reads stop consulting cold for it at all.
func (s *Store[K, V]) RMW(ctx context.Context, key K, update ops.Update[V]) (ops.Status, error) {
	hsess := s.acquireHot()
	defer s.releaseHot(hsess)

	effective := update
	_, hotStatus, err := hsess.Read(ctx, key)
	if err != nil {
		return ops.StatusError, err
	}
	if hotStatus == ops.StatusNotFound {
		csess := s.acquireCold()
		coldVal, coldStatus, cerr := csess.Read(ctx, key)
		s.releaseCold(csess)
		if cerr != nil {
			return ops.StatusError, cerr
		}
		if coldStatus == ops.StatusOk {
			captured := coldVal
			effective = func(_ V, _ bool) (V, error) { return update(captured, true) }
		}
	}

	status, err := hsess.RMW(ctx, key, effective)
	if err == nil && status == ops.StatusOk {
		s.touch(key)
	}
	return status, err
}

// Delete removes key from both tiers. Deleting from hot alone would leave
// a stale cold copy that Read's fallback would resurrect, so a tiered
// delete must reach both stores.
func (s *Store[K, V]) Delete(ctx context.Context, key K) (ops.Status, error) {
	hsess := s.acquireHot()
	hotStatus, err := hsess.Delete(ctx, key)
	s.releaseHot(hsess)
	if err != nil {
		return ops.StatusError, err
	}

	csess := s.acquireCold()
	coldStatus, err := csess.Delete(ctx, key)
	s.releaseCold(csess)
	if err != nil {
		return ops.StatusError, err
	}

	s.forget(key)
	if hotStatus == ops.StatusOk || coldStatus == ops.StatusOk {
		return ops.StatusOk, nil
	}
	return ops.StatusNotFound, nil
}

// ContainsKey checks hot then cold without materializing a value.
func (s *Store[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	hsess := s.acquireHot()
	found, err := hsess.ContainsKey(ctx, key)
	s.releaseHot(hsess)
	if err != nil {
		return false, err
	}
	if found {
		return true, nil
	}
	csess := s.acquireCold()
	found, err = csess.ContainsKey(ctx, key)
	s.releaseCold(csess)
	return found, err
}

// Stats reports each tier's internal/ops.Stats plus the number of keys the
// idleness sweep is currently tracking.
type Stats struct {
	Hot          ops.Stats
	Cold         ops.Stats
	TrackedAccessEntries int
}

func (s *Store[K, V]) Stats() Stats {
	s.accessMu.Lock()
	tracked := len(s.lastAccess)
	s.accessMu.Unlock()
	return Stats{Hot: s.hot.Stats(), Cold: s.cold.Stats(), TrackedAccessEntries: tracked}
}

// Close stops the background drain sweep, if one was started. It does not
// close either Core's underlying device; callers own that lifecycle at the
// pkg/faststore layer.
func (s *Store[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
