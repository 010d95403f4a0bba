// Package epoch provides epoch-based safe memory reclamation for the
// lock-free structures in the hybrid log and hash index.
//
// The design mirrors arena-cache's atomic accounting style (per-shard
// atomic.Uint64 counters, a monotonically increasing generation id handed
// out by internal/genring) but generalizes it into a genuine epoch table:
// a table of per-thread cells (one appended per Register) tracking the epoch each participant last
// observed, a global epoch counter, and a queue of callbacks deferred until
// no participant could still be observing the epoch they were scheduled in.
package epoch

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// unpinned marks a thread cell as not currently holding a pin.
const unpinned uint64 = 0

// startEpoch is the first epoch handed out; 0 is reserved for "unpinned"
// so every real epoch value is >= 1.
const startEpoch uint64 = 1

// threadState is one participant's cell in the epoch table. Handles hold a
// stable pointer into this slice entry for the participant's lifetime.
type threadState struct {
	localEpoch atomic.Uint64
	poisoned   atomic.Bool
}

// Manager tracks the global epoch and the set of registered participants.
// There is normally one Manager per store instance.
type Manager struct {
	current atomic.Uint64

	mu     sync.Mutex
	table  []*threadState
	drain  map[uint64][]func()
	log    *zap.Logger
}

// NewManager constructs an epoch manager. A nil logger defaults to a no-op
// logger, matching the rest of this module's subsystems.
func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		drain: make(map[uint64][]func()),
		log:   log,
	}
	m.current.Store(startEpoch)
	return m
}

// Handle is a per-thread registration token. Handles are cheap and meant to
// be pinned to a single goroutine/thread for the life of its activity; they
// must not be shared concurrently between goroutines.
type Handle struct {
	mgr *Manager
	ts  *threadState
}

// Register returns a new per-thread handle. Call once per worker goroutine
// and reuse it for the goroutine's lifetime.
func (m *Manager) Register() *Handle {
	ts := &threadState{}
	m.mu.Lock()
	m.table = append(m.table, ts)
	m.mu.Unlock()
	return &Handle{mgr: m, ts: ts}
}

// Guard represents a scoped pin acquired via Pin. Holding a Guard past a few
// microseconds stalls reclamation for the whole store; callers must not
// block, sleep, or perform I/O while holding one.
type Guard struct {
	h *Handle
}

// Pin acquires the current global epoch for h and returns a Guard that must
// be released with Unpin once the critical section completes.
func (m *Manager) Pin(h *Handle) *Guard {
	h.ts.localEpoch.Store(m.current.Load())
	return &Guard{h: h}
}

// Unpin releases the pin taken by Pin, making h's epoch invisible to the
// safe-epoch computation again.
func (g *Guard) Unpin() {
	g.h.ts.localEpoch.Store(unpinned)
}

// RunPinned executes f inside a pin, detecting and recording poisoning if f
// panics so the handle's stale epoch is excluded from future safe-epoch
// computations. It re-panics after marking the handle so callers observe
// the original failure.
func (m *Manager) RunPinned(h *Handle, f func() error) error {
	g := m.Pin(h)
	defer func() {
		if r := recover(); r != nil {
			h.ts.poisoned.Store(true)
			g.Unpin()
			panic(r)
		}
	}()
	err := f()
	g.Unpin()
	return err
}

// Defer schedules f to run once no pin predating this call remains. f must
// be safe to invoke later on an arbitrary goroutine.
func (m *Manager) Defer(h *Handle, f func()) {
	e := m.current.Load()
	m.mu.Lock()
	m.drain[e] = append(m.drain[e], f)
	m.mu.Unlock()
}

// safeEpoch returns the oldest epoch any live, non-poisoned participant
// could still observe. Participants that are unpinned or poisoned do not
// constrain it.
func (m *Manager) safeEpoch() uint64 {
	safe := m.current.Load()
	m.mu.Lock()
	table := m.table
	m.mu.Unlock()

	for _, ts := range table {
		if ts.poisoned.Load() {
			continue
		}
		e := ts.localEpoch.Load()
		if e == unpinned {
			continue
		}
		if e < safe {
			safe = e
		}
	}
	return safe
}

// Bump advances the global epoch by one when every pinned participant has
// already observed the current epoch, then drains any deferred callbacks
// that are now guaranteed unobservable. It returns the epoch in effect
// after the call.
func (m *Manager) Bump() uint64 {
	cur := m.current.Load()
	if m.safeEpoch() >= cur {
		m.current.CompareAndSwap(cur, cur+1)
	}
	m.drainBelow(m.safeEpoch())
	return m.current.Load()
}

// drainBelow runs and removes every callback scheduled at an epoch strictly
// less than safe.
func (m *Manager) drainBelow(safe uint64) {
	m.mu.Lock()
	var ready []func()
	for e, fns := range m.drain {
		if e < safe {
			ready = append(ready, fns...)
			delete(m.drain, e)
		}
	}
	m.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

// Current returns the global epoch counter's current value, primarily for
// metrics/debug surfaces.
func (m *Manager) Current() uint64 {
	return m.current.Load()
}

// PendingDeferrals reports how many deferred callbacks have not run yet,
// summed over every epoch bucket.
func (m *Manager) PendingDeferrals() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, fns := range m.drain {
		n += len(fns)
	}
	return n
}
