package faststore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Voskan/faststore/internal/checkpoint"
	"github.com/Voskan/faststore/internal/f2"
	"github.com/Voskan/faststore/internal/ops"
)

// TieredStore composes a hot and a cold Store. Upsert, Read, RMW, Delete
// and ContainsKey have the same signatures as on Store; it has no ScanAll
// or ScanPrefix, its Stats reports both tiers as an f2.Stats, and its
// Checkpoint checkpoints both tiers.
type TieredStore[K comparable, V any] struct {
	hot  *Store[K, V]
	cold *Store[K, V]
	tier *f2.Store[K, V]
}

// TieredOption configures the hot/cold migration policy; the hot and
// cold stores themselves are each configured and opened independently
// via their own Option[K,V] lists.
type TieredOption[K comparable, V any] func(*tieredConfig[K, V])

type tieredConfig[K comparable, V any] struct {
	hashFunc        KeyHashFunc[K]
	maxIdle         time.Duration
	migrateInterval time.Duration
	logger          *zap.Logger
}

// WithTieredKeyHash overrides the hash function f2 uses for its own
// idleness bookkeeping. When unset, the built-in xxhash hash for string
// and []byte keys is used, not a hash given to the hot store via
// WithKeyHash.
func WithTieredKeyHash[K comparable, V any](fn KeyHashFunc[K]) TieredOption[K, V] {
	return func(c *tieredConfig[K, V]) { c.hashFunc = fn }
}

// WithTieredDrain sets how long a hot entry may go untouched before the
// background sweep drains it to cold, and how often that sweep runs.
func WithTieredDrain[K comparable, V any](maxIdle, interval time.Duration) TieredOption[K, V] {
	return func(c *tieredConfig[K, V]) { c.maxIdle = maxIdle; c.migrateInterval = interval }
}

// WithTieredLogger plugs an external zap.Logger for the migration sweep.
func WithTieredLogger[K comparable, V any](l *zap.Logger) TieredOption[K, V] {
	return func(c *tieredConfig[K, V]) { c.logger = l }
}

// NewTiered opens a hot store at hotDir and a cold store at coldDir and
// composes them via internal/f2, grounded on
// original_source/examples/f2_basic_example.rs's F2Kv::new(hot_dir,
// cold_dir).
func NewTiered[K comparable, V any](
	hotDir string, hotOpts []Option[K, V],
	coldDir string, coldOpts []Option[K, V],
	tieredOpts ...TieredOption[K, V],
) (*TieredStore[K, V], error) {
	hot, err := Open[K, V](hotDir, hotOpts...)
	if err != nil {
		return nil, fmt.Errorf("faststore: open hot tier: %w", err)
	}
	cold, err := Open[K, V](coldDir, coldOpts...)
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("faststore: open cold tier: %w", err)
	}

	tc := &tieredConfig[K, V]{}
	for _, opt := range tieredOpts {
		opt(tc)
	}
	if tc.hashFunc == nil {
		if hf, ok := defaultKeyHash[K](); ok {
			tc.hashFunc = hf
		} else {
			hot.Close()
			cold.Close()
			return nil, errMissingKeyHash
		}
	}

	tier, err := f2.New(f2.Config[K, V]{
		Hot:             hot.core,
		Cold:            cold.core,
		HashFunc:        tc.hashFunc,
		MaxIdle:         tc.maxIdle,
		MigrateInterval: tc.migrateInterval,
		Logger:          tc.logger,
	})
	if err != nil {
		hot.Close()
		cold.Close()
		return nil, fmt.Errorf("faststore: tier: %w", err)
	}

	return &TieredStore[K, V]{hot: hot, cold: cold, tier: tier}, nil
}

func (t *TieredStore[K, V]) Upsert(ctx context.Context, key K, value V) (ops.Status, error) {
	status, err := t.tier.Upsert(ctx, key, value)
	if err == nil {
		t.hot.metrics.incUpsert()
	}
	return status, err
}

func (t *TieredStore[K, V]) Read(ctx context.Context, key K) (V, ops.Status, error) {
	val, status, err := t.tier.Read(ctx, key)
	if err == nil {
		t.hot.metrics.incRead(status == ops.StatusOk)
	}
	return val, status, err
}

func (t *TieredStore[K, V]) RMW(ctx context.Context, key K, update ops.Update[V]) (ops.Status, error) {
	status, err := t.tier.RMW(ctx, key, update)
	if err == nil {
		t.hot.metrics.incRMW()
	}
	return status, err
}

func (t *TieredStore[K, V]) Delete(ctx context.Context, key K) (ops.Status, error) {
	status, err := t.tier.Delete(ctx, key)
	if err == nil {
		t.hot.metrics.incDelete()
	}
	return status, err
}

func (t *TieredStore[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	return t.tier.ContainsKey(ctx, key)
}

// Drain manually triggers the idle-entry sweep from hot to cold, rather
// than waiting for the next scheduled tick.
func (t *TieredStore[K, V]) Drain(ctx context.Context) (int, error) {
	return t.tier.Drain(ctx)
}

// Stats reports both tiers' internal/ops.Stats.
func (t *TieredStore[K, V]) Stats() f2.Stats {
	return t.tier.Stats()
}

// Checkpoint checkpoints both the hot and cold tiers independently.
func (t *TieredStore[K, V]) Checkpoint(ctx context.Context) (hot, cold checkpoint.Manifest, err error) {
	hot, err = t.hot.Checkpoint(ctx)
	if err != nil {
		return checkpoint.Manifest{}, checkpoint.Manifest{}, err
	}
	cold, err = t.cold.Checkpoint(ctx)
	if err != nil {
		return checkpoint.Manifest{}, checkpoint.Manifest{}, err
	}
	return hot, cold, nil
}

// Close stops the migration sweep and closes both tiers.
func (t *TieredStore[K, V]) Close() error {
	t.tier.Close()
	hotErr := t.hot.Close()
	coldErr := t.cold.Close()
	if hotErr != nil {
		return hotErr
	}
	return coldErr
}
