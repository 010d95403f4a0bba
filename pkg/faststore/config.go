// Package faststore is the public façade over the hash-indexed,
// log-structured key-value core in internal/ops, internal/hlog,
// internal/index, and internal/checkpoint: a Store[K,V] that opens a
// Device, wires the epoch manager, allocator, and hash index together,
// and exposes Upsert/Read/RMW/Delete plus the supplemented
// ContainsKey/ScanAll/ScanPrefix/Stats/Checkpoint operations.
package faststore

// config.go defines the internal configuration object and the set of
// functional options passed to Open[K,V]. A generic Option is used so
// that callbacks retain full type-safety with respect to the concrete
// key and value types the caller chooses, the same shape as
// pkg/config.go's config[K,V]/Option[K,V]/applyOptions.
//
// Design notes
// ------------
// • All fields are initialised with sensible defaults in defaultConfig().
// • Options never allocate unless strictly necessary.
// • The struct itself is unexported: callers can only influence behavior
//   through Option[K,V], which keeps the surface stable as fields are
//   added.

import (
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/faststore/internal/device"
	"github.com/Voskan/faststore/internal/record"
	"github.com/Voskan/faststore/internal/unsafehelpers"
)

// KeyHashFunc computes the 64-bit hash internal/index buckets a key by.
// It must be pure and must not change behavior across a process's
// lifetime; a store recovered from a checkpoint re-derives hashes from
// decoded records during internal/ops.Core.Rebuild and during an
// internal/index.Resize, so a hash function that drifted between runs
// would silently scatter a recovered store's collision classes.
type KeyHashFunc[K comparable] func(K) uint64

// Option is the functional option passed to Open. It is generic because
// several options (codecs, hash function) refer to the concrete K/V
// types chosen by the caller.
type Option[K comparable, V any] func(*config[K, V])

type config[K comparable, V any] struct {
	dir string            // FileDevice directory; ignored when dev is set
	dev device.Device // overrides dir entirely when non-nil (e.g. BadgerDevice, MemDevice)

	pageSizeBytes int
	numPages      int

	keyCodec record.Codec[K]
	valCodec record.Codec[V]
	hashFunc KeyHashFunc[K]
	keyBytes func(K) []byte // optional, enables ScanPrefix

	initialBuckets   int
	resizeLoadFactor float64

	registry *prometheus.Registry
	logger   *zap.Logger

	checkpointInterval time.Duration
}

func defaultConfig[K comparable, V any]() *config[K, V] {
	return &config[K, V]{
		pageSizeBytes:    1 << 20, // 1 MiB pages
		numPages:         8,
		initialBuckets:   1024,
		resizeLoadFactor: 0.75,
		logger:           zap.NewNop(),
	}
}

// WithDevice overrides the default FileDevice rooted at dir with an
// arbitrary internal/device.Device (BadgerDevice for a transactional
// on-disk store, MemDevice for tests).
func WithDevice[K comparable, V any](d device.Device) Option[K, V] {
	return func(c *config[K, V]) { c.dev = d }
}

// WithPageSize overrides the hybrid log's page size in bytes. Must be a
// power of two, per internal/hlog.New's validation.
func WithPageSize[K comparable, V any](bytes int) Option[K, V] {
	return func(c *config[K, V]) { c.pageSizeBytes = bytes }
}

// WithNumPages overrides the number of in-memory pages the allocator
// keeps resident at once.
func WithNumPages[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) { c.numPages = n }
}

// WithInitialBuckets overrides the hash index's starting bucket count.
func WithInitialBuckets[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) { c.initialBuckets = n }
}

// WithKeyCodec plugs a custom key encoding. Required for any K that is
// not string or []byte, since those are the only two built-in codecs.
func WithKeyCodec[K comparable, V any](c2 record.Codec[K]) Option[K, V] {
	return func(c *config[K, V]) { c.keyCodec = c2 }
}

// WithValueCodec plugs a custom value encoding.
func WithValueCodec[K comparable, V any](c2 record.Codec[V]) Option[K, V] {
	return func(c *config[K, V]) { c.valCodec = c2 }
}

// WithKeyHash overrides the default xxhash-based key hash. The function
// must be deterministic across process restarts (see KeyHashFunc's doc).
func WithKeyHash[K comparable, V any](fn KeyHashFunc[K]) Option[K, V] {
	return func(c *config[K, V]) { c.hashFunc = fn }
}

// WithKeyBytes supplies a byte-slice projection of K, enabling
// ScanPrefix. Not required for ScanAll or any other operation.
func WithKeyBytes[K comparable, V any](fn func(K) []byte) Option[K, V] {
	return func(c *config[K, V]) { c.keyBytes = fn }
}

// WithLogger plugs an external zap.Logger. The store never logs on the
// hot path; only region-transition and recovery events are emitted.
func WithLogger[K comparable, V any](l *zap.Logger) Option[K, V] {
	return func(c *config[K, V]) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection for the store
// instance. Passing nil disables metrics (the default).
func WithMetrics[K comparable, V any](reg *prometheus.Registry) Option[K, V] {
	return func(c *config[K, V]) { c.registry = reg }
}

// WithResizeLoadFactor sets the value passed to
// internal/ops.Config.ResizeLoadFactor. The core does not consult it: an
// index resize happens only when TryInsert reports a full collision chain.
func WithResizeLoadFactor[K comparable, V any](f float64) Option[K, V] {
	return func(c *config[K, V]) { c.resizeLoadFactor = f }
}

// WithCheckpointInterval starts a background goroutine that calls
// Checkpoint on the given interval. Zero (the default) disables
// automatic checkpointing; callers may still call Checkpoint directly.
func WithCheckpointInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *config[K, V]) { c.checkpointInterval = d }
}

func applyOptions[K comparable, V any](cfg *config[K, V], opts []Option[K, V]) error {
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.pageSizeBytes <= 0 || !unsafehelpers.IsPowerOfTwo(uintptr(cfg.pageSizeBytes)) {
		return errInvalidPageSize
	}
	if cfg.numPages < 2 {
		return errInvalidNumPages
	}
	if cfg.initialBuckets <= 0 {
		return errInvalidBuckets
	}
	return nil
}

// defaultKeyHash builds the xxhash-based KeyHashFunc used when the
// caller does not supply one via WithKeyHash, for the two built-in key
// codecs (string and []byte). Any other K must pair a WithKeyCodec with
// a WithKeyHash, since there is no generic way to hash an arbitrary K
// without either reflection or an explicit byte projection.
func defaultKeyHash[K comparable]() (KeyHashFunc[K], bool) {
	var zero K
	switch any(zero).(type) {
	case string:
		return func(k K) uint64 { return xxhash.Sum64String(any(k).(string)) }, true
	case []byte:
		return func(k K) uint64 { return xxhash.Sum64(any(k).([]byte)) }, true
	default:
		return nil, false
	}
}

func defaultKeyCodec[K comparable]() (record.Codec[K], bool) {
	var zero K
	switch any(zero).(type) {
	case string:
		return any(record.StringCodec{}).(record.Codec[K]), true
	case []byte:
		return any(record.ByteCodec{}).(record.Codec[K]), true
	default:
		return nil, false
	}
}

// defaultValueCodec mirrors defaultKeyCodec without the comparable
// constraint, since V need not be comparable.
func defaultValueCodec[V any]() (record.Codec[V], bool) {
	var zero V
	switch any(zero).(type) {
	case string:
		return any(record.StringCodec{}).(record.Codec[V]), true
	case []byte:
		return any(record.ByteCodec{}).(record.Codec[V]), true
	default:
		return nil, false
	}
}

// defaultKeyBytes projects K into the []byte ScanPrefix compares
// against. The string case is zero-copy (see internal/unsafehelpers):
// internal/ops.Session.ScanPrefix only ever reads the result through
// bytes.HasPrefix before discarding it, never retaining or mutating it.
func defaultKeyBytes[K comparable]() (func(K) []byte, bool) {
	var zero K
	switch any(zero).(type) {
	case string:
		return func(k K) []byte { return unsafehelpers.StringToBytes(any(k).(string)) }, true
	case []byte:
		return func(k K) []byte { return any(k).([]byte) }, true
	default:
		return nil, false
	}
}

var (
	errInvalidPageSize  = errors.New("faststore: page size must be a power of two and > 0")
	errInvalidNumPages  = errors.New("faststore: num pages must be >= 2")
	errInvalidBuckets   = errors.New("faststore: initial buckets must be > 0")
	errMissingKeyCodec  = errors.New("faststore: WithKeyCodec is required for key types other than string and []byte")
	errMissingValCodec  = errors.New("faststore: WithValueCodec is required for value types other than string and []byte")
	errMissingKeyHash   = errors.New("faststore: WithKeyHash is required for key types other than string and []byte")
)
