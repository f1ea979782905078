package store

import (
	"bytes"
	"errors"

	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"
)

// badgerEngine keeps the key space in a Badger database. Every call runs in
// its own transaction, so a read sees one snapshot. Badger locks its
// directory: a read-only handle can only be opened while no writer is running.
type badgerEngine struct {
	db *badger.DB
}

func openBadger(dir string, readOnly bool, logger *logrus.Entry) (*badgerEngine, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithReadOnly(readOnly).
		WithLogger(logger.WithField("engine", "badger"))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerEngine{db: db}, nil
}

func (e *badgerEngine) get(key string) ([]byte, error) {
	var value []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, mapBadgerError(err)
}

func (e *badgerEngine) set(key string, value []byte) error {
	tx := e.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set([]byte(key), value); err != nil {
		return mapBadgerError(err)
	}

	return mapBadgerError(tx.Commit())
}

func (e *badgerEngine) delete(key string) error {
	err := e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return mapBadgerError(err)
}

func (e *badgerEngine) scan(start string, end []byte, offset, limit int, fn func(string, []byte) error) error {
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		skipped, taken := 0, 0
		for it.Seek([]byte(start)); it.Valid(); it.Next() {
			if limit >= 0 && taken >= limit {
				return nil
			}

			item := it.Item()
			k := item.Key()
			if end != nil && bytes.Compare(k, end) >= 0 {
				return nil
			}
			if skipped < offset {
				skipped++
				continue
			}

			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(k), v); err != nil {
				return err
			}
			taken++
		}
		return nil
	})
	return mapBadgerError(err)
}

func (e *badgerEngine) count(start string, end []byte) (int, error) {
	n := 0
	err := e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(start)); it.Valid(); it.Next() {
			if end != nil && bytes.Compare(it.Item().Key(), end) >= 0 {
				break
			}
			n++
		}
		return nil
	})
	return n, mapBadgerError(err)
}

func (e *badgerEngine) size() (int64, error) {
	lsm, vlog := e.db.Size()
	return lsm + vlog, nil
}

func (e *badgerEngine) close() error {
	return e.db.Close()
}

func mapBadgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return errEngineNotFound
	}
	return err
}
