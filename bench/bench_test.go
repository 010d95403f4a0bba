// Package bench provides reproducible micro-benchmarks for pkg/faststore.
// Run via: go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks use a single key/value shape so results are comparable
// across versions:
//   - Key   — []byte, 8 bytes (cheap hashing, fits a register)
//   - Value — []byte, 64 bytes (large enough to matter, small enough to
//     keep a million of them resident)
//
// Measured:
//  1. Upsert         — write-only workload
//  2. Read           — read-only workload (after warm-up)
//  3. ReadParallel   — concurrent reads via b.RunParallel
//  4. RMW            — read-modify-write counter increments (§ S6)
package bench

import (
	"context"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/Voskan/faststore/internal/device"
	"github.com/Voskan/faststore/pkg/faststore"
)

const (
	keys      = 1 << 16 // dataset size; kept in MemDevice, no disk I/O
	valueSize = 64
)

func newTestStore(b *testing.B) *faststore.Store[[]byte, []byte] {
	b.Helper()
	s, err := faststore.Open[[]byte, []byte]("unused",
		faststore.WithDevice[[]byte, []byte](device.NewMemDevice()),
		faststore.WithInitialBuckets[[]byte, []byte](1<<14),
	)
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	b.Cleanup(func() { s.Close() })
	return s
}

var dataset = func() [][]byte {
	arr := make([][]byte, keys)
	for i := range arr {
		k := make([]byte, 8)
		binary.LittleEndian.PutUint64(k, rand.Uint64())
		arr[i] = k
	}
	return arr
}()

func BenchmarkUpsert(b *testing.B) {
	s := newTestStore(b)
	val := make([]byte, valueSize)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := dataset[i&(keys-1)]
		if _, err := s.Upsert(ctx, key, val); err != nil {
			b.Fatalf("upsert: %v", err)
		}
	}
}

func BenchmarkRead(b *testing.B) {
	s := newTestStore(b)
	val := make([]byte, valueSize)
	ctx := context.Background()
	for _, k := range dataset {
		if _, err := s.Upsert(ctx, k, val); err != nil {
			b.Fatalf("warmup upsert: %v", err)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := dataset[i&(keys-1)]
		if _, _, err := s.Read(ctx, k); err != nil {
			b.Fatalf("read: %v", err)
		}
	}
}

func BenchmarkReadParallel(b *testing.B) {
	s := newTestStore(b)
	val := make([]byte, valueSize)
	ctx := context.Background()
	for _, k := range dataset {
		if _, err := s.Upsert(ctx, k, val); err != nil {
			b.Fatalf("warmup upsert: %v", err)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			if _, _, err := s.Read(ctx, dataset[idx]); err != nil {
				b.Fatalf("read: %v", err)
			}
		}
	})
}

// BenchmarkRMW mirrors S6: repeated RMW counter increments against a
// single key, exercising the RCU-always append path under contention.
func BenchmarkRMW(b *testing.B) {
	s := newTestStore(b)
	ctx := context.Background()
	key := []byte("ctr")
	update := func(old []byte, exists bool) ([]byte, error) {
		if !exists {
			return []byte{1, 0, 0, 0, 0, 0, 0, 0}, nil
		}
		n := binary.LittleEndian.Uint64(old)
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, n+1)
		return out, nil
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.RMW(ctx, key, update); err != nil {
			b.Fatalf("rmw: %v", err)
		}
	}
}
