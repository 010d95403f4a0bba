package device

import (
	"context"
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// badgerKeyPrefix namespaces page keys inside a Badger database that may
// also be used by callers for other purposes (e.g. the cold tier of an F2
// composition sharing one Badger handle).
var badgerKeyPrefix = []byte("faststore/page/")

// BadgerDevice implements Device by storing each hybrid-log page as a
// single Badger value keyed by its big-endian page index. This generalizes
// arena-cache's examples/disk_eject/main.go, which used Badger as an L2
// store consulted by the cache's loader/eject callback; here Badger plays
// the same "durable bytes behind a key" role but for whole log pages
// instead of individual cache entries.
type BadgerDevice struct {
	db  *badger.DB
	log *zap.Logger
}

// NewBadgerDevice opens (creating if needed) a Badger database at dir and
// wraps it as a Device. The caller owns dir's lifetime; Close closes the
// underlying database.
func NewBadgerDevice(dir string, log *zap.Logger) (*BadgerDevice, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("device: open badger at %s: %w", dir, err)
	}
	return &BadgerDevice{db: db, log: log}, nil
}

func pageKey(pageIndex uint64) []byte {
	key := make([]byte, len(badgerKeyPrefix)+8)
	copy(key, badgerKeyPrefix)
	binary.BigEndian.PutUint64(key[len(badgerKeyPrefix):], pageIndex)
	return key
}

func (d *BadgerDevice) WritePage(_ context.Context, pageIndex uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pageKey(pageIndex), cp)
	})
	if err != nil {
		return fmt.Errorf("device: badger write page %d: %w", pageIndex, err)
	}
	return nil
}

func (d *BadgerDevice) ReadPage(_ context.Context, pageIndex uint64) ([]byte, error) {
	var out []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pageKey(pageIndex))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNoSuchPage
	}
	if err != nil {
		return nil, fmt.Errorf("device: badger read page %d: %w", pageIndex, err)
	}
	return out, nil
}

func (d *BadgerDevice) Sync(context.Context) error {
	if err := d.db.Sync(); err != nil {
		return fmt.Errorf("device: badger sync: %w", err)
	}
	return nil
}

func (d *BadgerDevice) Truncate(_ context.Context, beforePage uint64) error {
	return d.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var toDelete [][]byte
		for it.Seek(badgerKeyPrefix); it.ValidForPrefix(badgerKeyPrefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			idx := binary.BigEndian.Uint64(key[len(badgerKeyPrefix):])
			if idx < beforePage {
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *BadgerDevice) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("device: badger close: %w", err)
	}
	return nil
}
