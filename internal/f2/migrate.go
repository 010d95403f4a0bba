package f2

import (
	"context"
	"time"

	"github.com/Voskan/faststore/internal/ops"
	"go.uber.org/zap"
)

func (s *Store[K, V]) migrateLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.migrateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.Drain(context.Background())
			if err != nil {
				s.log.Warn("f2: drain sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("f2: drained idle entries to cold", zap.Int("count", n))
			}
		}
	}
}

// Drain walks every entry currently in hot and migrates the ones that have
// gone untouched for longer than MaxIdle down to cold, deleting them from
// hot once the cold copy has been written. It returns the number of
// entries migrated. Callers may invoke Drain directly between sweeps (e.g.
// right before a checkpoint, to shrink what a hot-store recovery scan has
// to replay); the background goroutine started by New just calls it on a
// timer.
func (s *Store[K, V]) Drain(ctx context.Context) (int, error) {
	if s.maxIdle <= 0 {
		return 0, nil
	}
	hsess := s.acquireHot()
	entries, err := hsess.ScanAll(ctx)
	s.releaseHot(hsess)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-s.maxIdle)
	var migrated int
	for _, entry := range entries {
		h := s.hashFunc(entry.Key)
		s.accessMu.Lock()
		last, known := s.lastAccess[h]
		s.accessMu.Unlock()
		// A key this sweep has never recorded a touch for (written before
		// idleness tracking existed, e.g. right after Rebuild) is treated
		// as idle immediately rather than pinned in hot forever.
		if known && last.After(cutoff) {
			continue
		}

		csess := s.acquireCold()
		status, err := csess.Upsert(ctx, entry.Key, entry.Value)
		s.releaseCold(csess)
		if err != nil {
			return migrated, err
		}
		if status != ops.StatusOk {
			continue
		}

		hsess := s.acquireHot()
		_, err = hsess.Delete(ctx, entry.Key)
		s.releaseHot(hsess)
		if err != nil {
			return migrated, err
		}

		s.forget(entry.Key)
		migrated++
	}
	return migrated, nil
}
