package ops

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Voskan/faststore/internal/record"
)

// Upsert implements §4.4's Upsert pipeline: locate the key's current
// chain head (if any), append a fresh record at the tail with its
// back-pointer set to that head, then publish the new head via a CAS
// loop. If no collision class exists yet for the key's hash, the record
// is written first and only then installed as a tentative slot, which is
// finalized straight away, so a concurrent reader can never observe a
// slot pointing at a half-written record.
func (s *Session[K, V]) Upsert(ctx context.Context, key K, value V) (Status, error) {
	c := s.core
	g := c.epochMgr.Pin(s.handle)
	defer g.Unpin()

	hash := c.hashFunc(key)

	for {
		head, tentative, found := c.idx.FindTag(hash)
		if tentative {
			continue // a concurrent inserter is finalizing; retry immediately
		}

		// Always RCU-prepend onto the observed chain head, never onto a
		// same-key match found partway down it: a tag class can hold
		// several different keys (true tag collision), and splicing onto
		// anything but head would orphan whichever record currently sits
		// at head.
		prev := Address(record.Invalid)
		if found {
			prev = head
		}

		addr, err := c.appendRecord(ctx, 0, key, value, prev)
		if err != nil {
			return StatusError, err
		}

		if !found {
			ok, full := c.idx.TryInsert(hash, addr)
			if full {
				if err := c.triggerResize(ctx); err != nil {
					return StatusError, err
				}
				ok, _ = c.idx.TryInsert(hash, addr)
			}
			if ok {
				c.idx.Finalize(hash, addr)
				return StatusOk, nil
			}
			// Someone else installed the tag first; our appended record
			// is orphaned but harmless (never referenced by any slot),
			// and we retry as an update against the new head.
			continue
		}

		if c.idx.TryUpdate(hash, head, addr) {
			return StatusOk, nil
		}
		// Lost the race to another writer; retry from scratch so our new
		// record's back-pointer reflects the current chain head.
	}
}

// Read implements §4.4's Read pipeline.
func (s *Session[K, V]) Read(ctx context.Context, key K) (V, Status, error) {
	var zero V
	c := s.core
	g := c.epochMgr.Pin(s.handle)
	defer g.Unpin()

	hash := c.hashFunc(key)
	head, tentative, found := c.idx.FindTag(hash)
	if !found || tentative {
		return zero, StatusNotFound, nil
	}

	resolved, status, err := c.findInChain(ctx, key, head)
	if err != nil {
		return zero, StatusError, err
	}
	if status != StatusOk {
		return zero, StatusNotFound, nil
	}
	if resolved.dec.Header.IsTombstone() {
		return zero, StatusNotFound, nil
	}
	return resolved.dec.Value, StatusOk, nil
}

// ContainsKey is a supplemented operation (original_source's
// RsKv::contains_key) built directly on Read.
func (s *Session[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	_, status, err := s.Read(ctx, key)
	if err != nil {
		return false, err
	}
	return status == StatusOk, nil
}

// Update is the RMW pipeline's caller-supplied mutator. exists reports
// whether a live (non-tombstoned) record was found; old is the zero value
// of V when exists is false. This collapses §4.4's three-callback
// RmwContext (rmw_initial/rmw_copy/rmw_atomic) into one function, the way
// idiomatic Go read-modify-write helpers (e.g. a bbolt bucket Update) take
// a single closure rather than a callback object.
type Update[V any] func(old V, exists bool) (V, error)

// RMW implements §4.4's read-modify-write pipeline: compute the new value
// from whatever is currently there (or nothing), then append and publish
// it the same way Upsert does.
func (s *Session[K, V]) RMW(ctx context.Context, key K, update Update[V]) (Status, error) {
	c := s.core
	g := c.epochMgr.Pin(s.handle)
	defer g.Unpin()

	hash := c.hashFunc(key)

	for {
		head, tentative, found := c.idx.FindTag(hash)
		if tentative {
			continue
		}

		var old V
		exists := false
		prev := Address(record.Invalid)
		if found {
			// Back-point at the observed chain head regardless of where
			// (or whether) key's own record sits in it; findInChain below
			// only supplies old/exists for the caller's update closure.
			prev = head
			resolved, status, err := c.findInChain(ctx, key, head)
			if err != nil {
				return StatusError, err
			}
			if status == StatusOk && !resolved.dec.Header.IsTombstone() {
				old, exists = resolved.dec.Value, true
			}
		}

		newVal, err := update(old, exists)
		if err != nil {
			return StatusError, err
		}

		addr, err := c.appendRecord(ctx, 0, key, newVal, prev)
		if err != nil {
			return StatusError, err
		}

		if !found {
			ok, full := c.idx.TryInsert(hash, addr)
			if full {
				if err := c.triggerResize(ctx); err != nil {
					return StatusError, err
				}
				ok, _ = c.idx.TryInsert(hash, addr)
			}
			if ok {
				c.idx.Finalize(hash, addr)
				return StatusOk, nil
			}
			continue
		}

		if c.idx.TryUpdate(hash, head, addr) {
			return StatusOk, nil
		}
	}
}

// Delete implements §4.4's Delete pipeline: if the key has no live
// record, it is already absent and nothing is appended; otherwise a
// tombstone record is appended and published the same way an Upsert's
// value would be.
func (s *Session[K, V]) Delete(ctx context.Context, key K) (Status, error) {
	c := s.core
	g := c.epochMgr.Pin(s.handle)
	defer g.Unpin()

	hash := c.hashFunc(key)

	for {
		head, tentative, found := c.idx.FindTag(hash)
		if tentative {
			continue
		}
		if !found {
			return StatusNotFound, nil
		}

		resolved, status, err := c.findInChain(ctx, key, head)
		if err != nil {
			return StatusError, err
		}
		if status != StatusOk {
			return StatusNotFound, nil
		}
		if resolved.dec.Header.IsTombstone() {
			return StatusNotFound, nil
		}

		var zero V
		addr, err := c.appendRecord(ctx, record.FlagTombstone, key, zero, head)
		if err != nil {
			return StatusError, err
		}
		if c.idx.TryUpdate(hash, head, addr) {
			return StatusOk, nil
		}
	}
}

// ScanResult is one live key/value pair returned by ScanAll or
// ScanPrefix.
type ScanResult[K comparable, V any] struct {
	Key   K
	Value V
}

// ScanAll is a supplemented operation (original_source's
// RsKv::scan_all): it walks every collision class's chain from its head
// and returns the newest record of each key found there, skipping keys
// whose newest record is a tombstone.
func (s *Session[K, V]) ScanAll(ctx context.Context) ([]ScanResult[K, V], error) {
	return s.scan(ctx, nil)
}

// ScanPrefix is a supplemented operation (original_source's
// RsKv::scan_prefix): like ScanAll, filtered to keys whose byte encoding
// starts with prefix. It requires Config.KeyBytes to have been supplied.
func (s *Session[K, V]) ScanPrefix(ctx context.Context, prefix []byte) ([]ScanResult[K, V], error) {
	if s.core.keyBytes == nil {
		return nil, fmt.Errorf("ops: ScanPrefix requires Config.KeyBytes")
	}
	return s.scan(ctx, prefix)
}

func (s *Session[K, V]) scan(ctx context.Context, prefix []byte) ([]ScanResult[K, V], error) {
	c := s.core
	g := c.epochMgr.Pin(s.handle)
	defer g.Unpin()

	var out []ScanResult[K, V]
	var scanErr error
	c.idx.ForEach(func(head Address) {
		if scanErr != nil {
			return
		}
		// A collision class can hold several distinct keys; walk the whole
		// chain and keep only the newest record seen for each key.
		seen := make(map[K]struct{})
		begin := c.alloc.BeginAddress()
		for cur := head; cur != record.Invalid && cur >= begin; {
			buf, err := c.readAt(ctx, cur)
			if err != nil {
				scanErr = err
				return
			}
			dec, err := record.Decode[K, V](buf, c.keyCodec, c.valCodec)
			if err != nil {
				scanErr = err
				return
			}
			cur = dec.Header.Previous()
			if _, dup := seen[dec.Key]; dup {
				continue
			}
			seen[dec.Key] = struct{}{}
			if dec.Header.IsTombstone() {
				continue
			}
			if prefix != nil && !bytes.HasPrefix(c.keyBytes(dec.Key), prefix) {
				continue
			}
			out = append(out, ScanResult[K, V]{Key: dec.Key, Value: dec.Value})
		}
	})
	return out, scanErr
}
