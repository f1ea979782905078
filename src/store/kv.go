package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/mosaicnetworks/stakenet/src/common"
	"github.com/sirupsen/logrus"
)

// Backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// writerLockFile is held by the writer for as long as the store is open.
const writerLockFile = "stakenet.lock"

var (
	errEngineNotFound = errors.New("key not found")
	errEngineClosed   = errors.New("store closed")
)

// engine is the minimal ordered key-value interface the backends implement.
// Keys are compared bytewise. A scan covers [start, end), or [start, ∞) when
// end is nil; a negative limit means no limit.
type engine interface {
	get(key string) ([]byte, error)
	set(key string, value []byte) error
	delete(key string) error
	scan(start string, end []byte, offset, limit int, fn func(key string, value []byte) error) error
	count(start string, end []byte) (int, error)
	size() (int64, error)
	close() error
}

func openEngine(backend, dir string, readOnly bool, logger *logrus.Entry) (engine, error) {
	switch backend {
	case BackendSQLite, "":
		return openSQLite(dir, readOnly)
	case BackendBadger:
		return openBadger(dir, readOnly, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// view implements the read capability on top of an engine.
type view struct {
	eng     engine
	opts    Options
	backend string
	path    string
	logger  *logrus.Entry
}

// Get implements the Reader interface.
func (v *view) Get(key string) ([]byte, error) {
	pk, err := flatKey(key)
	if err != nil {
		return nil, err
	}
	val, err := v.eng.get(pk)
	return val, mapError(err, "Flat", key)
}

// ListKeys implements the Reader interface.
func (v *view) ListKeys(prefix string, limit, offset int) ([]string, error) {
	limit, offset = v.opts.clampPage(limit, offset)
	start := flatPrefix + prefix

	res := []string{}
	err := v.eng.scan(start, prefixEnd(start), offset, limit, func(key string, _ []byte) error {
		res = append(res, strings.TrimPrefix(key, flatPrefix))
		return nil
	})
	return res, mapError(err, "Flat", prefix)
}

// ListMap implements the Reader interface.
func (v *view) ListMap(mapName string, limit, offset int) ([]Entry, error) {
	start, err := mapRange(mapName)
	if err != nil {
		return nil, err
	}
	limit, offset = v.opts.clampPage(limit, offset)

	res := []Entry{}
	err = v.eng.scan(start, prefixEnd(start), offset, limit, func(key string, value []byte) error {
		res = append(res, Entry{Key: strings.TrimPrefix(key, start), Value: value})
		return nil
	})
	return res, mapError(err, "NamedMap", mapName)
}

// GetMapEntry implements the Reader interface.
func (v *view) GetMapEntry(mapName, compositeKey string) ([]byte, error) {
	pk, err := mapKey(mapName, compositeKey)
	if err != nil {
		return nil, err
	}
	val, err := v.eng.get(pk)
	return val, mapError(err, "NamedMap", mapName+sep+compositeKey)
}

// ListMapNames implements the Reader interface. It seeks past each map
// instead of walking its entries.
func (v *view) ListMapNames() ([]string, error) {
	names := []string{}
	end := prefixEnd(mapPrefix)
	from := mapPrefix

	for {
		var next string
		err := v.eng.scan(from, end, 0, 1, func(key string, _ []byte) error {
			next = key
			return nil
		})
		if err != nil {
			return nil, mapError(err, "NamedMap", "")
		}
		if next == "" {
			return names, nil
		}

		rest := strings.TrimPrefix(next, mapPrefix)
		i := strings.Index(rest, sep)
		if i < 0 {
			// not written through PutMap; skip it
			from = next + "\x00"
			continue
		}
		name := rest[:i]
		names = append(names, name)
		from = string(prefixEnd(mapPrefix + name + sep))
	}
}

// ListNested implements the Reader interface.
func (v *view) ListNested(k1 string, recursive bool) ([]Entry, error) {
	start, err := nestedRange(k1)
	if err != nil {
		return nil, err
	}

	res := []Entry{}
	err = v.eng.scan(start, prefixEnd(start), 0, -1, func(key string, value []byte) error {
		k2 := strings.TrimPrefix(key, start)
		if !recursive && strings.Contains(k2, sep) {
			return nil
		}
		res = append(res, Entry{Key: k2, Value: value})
		return nil
	})
	return res, mapError(err, "Nested", k1)
}

// GetNested implements the Reader interface.
func (v *view) GetNested(k1, k2 string) ([]byte, error) {
	pk, err := nestedKey(k1, k2)
	if err != nil {
		return nil, err
	}
	val, err := v.eng.get(pk)
	return val, mapError(err, "Nested", k1+sep+k2)
}

// CountKeys implements the Reader interface.
func (v *view) CountKeys(prefix string) (int, error) {
	start := flatPrefix + prefix
	n, err := v.eng.count(start, prefixEnd(start))
	return n, mapError(err, "Flat", prefix)
}

// CountMap implements the Reader interface.
func (v *view) CountMap(mapName string) (int, error) {
	start, err := mapRange(mapName)
	if err != nil {
		return 0, err
	}
	n, err := v.eng.count(start, prefixEnd(start))
	return n, mapError(err, "NamedMap", mapName)
}

// Stats implements the Reader interface.
func (v *view) Stats() (Stats, error) {
	s := Stats{Backend: v.backend, Path: v.path}
	var err error

	if s.FlatKeys, err = v.eng.count(flatPrefix, prefixEnd(flatPrefix)); err != nil {
		return s, mapError(err, "Stats", flatPrefix)
	}
	if s.NestedKeys, err = v.eng.count(nestedPrefix, prefixEnd(nestedPrefix)); err != nil {
		return s, mapError(err, "Stats", nestedPrefix)
	}
	if s.MapEntries, err = v.eng.count(mapPrefix, prefixEnd(mapPrefix)); err != nil {
		return s, mapError(err, "Stats", mapPrefix)
	}
	if s.TotalKeys, err = v.eng.count("", nil); err != nil {
		return s, mapError(err, "Stats", "")
	}
	if s.SizeBytes, err = v.eng.size(); err != nil {
		return s, mapError(err, "Stats", "")
	}
	return s, nil
}

// Path returns the store directory.
func (v *view) Path() string {
	return v.path
}

// Store is the read-write handle on the shared state store. Only one Store
// can be open on a directory at a time, across processes.
type Store struct {
	*view

	locks    keyLocks
	dirLock  *flock.Flock
	closed   int32
	closeMtx sync.Mutex
}

// OpenWriter opens the store in dir for writing, creating it if necessary. If
// another writer holds the directory, it retries with backoff until ctx is
// done or opts.OpenTimeout elapses, then returns a StoreErr of type Locked.
func OpenWriter(ctx context.Context, backend, dir string, opts Options, logger *logrus.Entry) (*Store, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	logger = logger.WithFields(logrus.Fields{"prefix": "store", "backend": backend})

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, common.WrapStoreErr("Store", common.Unavailable, dir, err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	lock := flock.New(filepath.Join(dir, writerLockFile))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		ok, err := lock.TryLock()
		if err != nil {
			return backoff.Permanent(common.WrapStoreErr("Store", common.Unavailable, dir, err))
		}
		if !ok {
			return common.NewStoreErr("Store", common.Locked, dir)
		}
		return nil
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		logger.WithField("retry_in", d).Warn("Store is locked by another writer")
	})
	if err != nil {
		if ctx.Err() != nil && !common.IsStore(err, common.Unavailable) {
			return nil, common.WrapStoreErr("Store", common.Locked, dir, ctx.Err())
		}
		return nil, err
	}

	eng, err := openEngine(backend, dir, false, logger)
	if err != nil {
		lock.Unlock()
		return nil, common.WrapStoreErr("Store", common.Unavailable, dir, err)
	}

	logger.WithField("path", dir).Debug("Opened store for writing")

	return &Store{
		view: &view{
			eng:     eng,
			opts:    opts,
			backend: backend,
			path:    dir,
			logger:  logger,
		},
		dirLock: lock,
	}, nil
}

// Put implements the ReadWriter interface.
func (s *Store) Put(key string, value []byte) error {
	pk, err := flatKey(key)
	if err != nil {
		return err
	}
	return s.write("Flat", pk, func() error { return s.eng.set(pk, value) })
}

// PutNested implements the ReadWriter interface.
func (s *Store) PutNested(k1, k2 string, value []byte) error {
	pk, err := nestedKey(k1, k2)
	if err != nil {
		return err
	}
	return s.write("Nested", pk, func() error { return s.eng.set(pk, value) })
}

// PutMap implements the ReadWriter interface.
func (s *Store) PutMap(mapName, compositeKey string, value []byte) error {
	pk, err := mapKey(mapName, compositeKey)
	if err != nil {
		return err
	}
	return s.write("NamedMap", pk, func() error { return s.eng.set(pk, value) })
}

// Delete implements the ReadWriter interface.
func (s *Store) Delete(key string) error {
	pk, err := flatKey(key)
	if err != nil {
		return err
	}
	return s.write("Flat", pk, func() error { return s.eng.delete(pk) })
}

// DeleteNested implements the ReadWriter interface.
func (s *Store) DeleteNested(k1, k2 string) error {
	pk, err := nestedKey(k1, k2)
	if err != nil {
		return err
	}
	return s.write("Nested", pk, func() error { return s.eng.delete(pk) })
}

// DeleteMapEntry implements the ReadWriter interface.
func (s *Store) DeleteMapEntry(mapName, compositeKey string) error {
	pk, err := mapKey(mapName, compositeKey)
	if err != nil {
		return err
	}
	return s.write("NamedMap", pk, func() error { return s.eng.delete(pk) })
}

// write serialises writers of the same physical key and retries failed writes
// with exponential backoff.
func (s *Store) write(dataType, key string, op func() error) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return common.NewStoreErr(dataType, common.Closed, key)
	}

	mu := s.locks.get(key)
	mu.Lock()
	defer mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitialInterval
	b.MaxElapsedTime = s.opts.RetryMaxElapsed

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op()
		if errors.Is(err, errEngineClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		s.logger.WithFields(logrus.Fields{
			"key":      key,
			"error":    err,
			"retry_in": d,
		}).Warn("Store write failed")
	})

	if err != nil {
		if errors.Is(err, errEngineClosed) {
			return common.NewStoreErr(dataType, common.Closed, key)
		}
		s.logger.WithFields(logrus.Fields{
			"key":      key,
			"attempts": attempts,
		}).WithError(err).Error("Store write abandoned")
		return common.WrapStoreErr(dataType, common.WriteFailure, key, err)
	}
	return nil
}

// Close closes the engine and releases the writer lock.
func (s *Store) Close() error {
	s.closeMtx.Lock()
	defer s.closeMtx.Unlock()

	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	err := s.eng.close()
	if uerr := s.dirLock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// ReadOnly is a read-only handle on the shared state store. It has no
// mutating methods.
type ReadOnly struct {
	*view
}

// OpenReader opens an existing store in dir for reading. A missing or
// unreadable store is reported as a StoreErr of type Unavailable.
func OpenReader(backend, dir string, opts Options, logger *logrus.Entry) (*ReadOnly, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	logger = logger.WithFields(logrus.Fields{"prefix": "store", "backend": backend})

	if _, err := os.Stat(dir); err != nil {
		return nil, common.WrapStoreErr("Store", common.Unavailable, dir, err)
	}

	eng, err := openEngine(backend, dir, true, logger)
	if err != nil {
		return nil, common.WrapStoreErr("Store", common.Unavailable, dir, err)
	}

	logger.WithField("path", dir).Debug("Opened store read-only")

	return &ReadOnly{
		view: &view{
			eng:     eng,
			opts:    opts,
			backend: backend,
			path:    dir,
			logger:  logger,
		},
	}, nil
}

// Close closes the handle.
func (r *ReadOnly) Close() error {
	return r.eng.close()
}

// ReadOnlyView returns a read-only handle sharing the writer's engine. It lets
// a query service run in the node process when the backend cannot be opened
// by a second process. Closing the view does not close the store.
func (s *Store) ReadOnlyView() Reader {
	return &sharedView{view: s.view}
}

type sharedView struct {
	*view
}

func (sharedView) Close() error { return nil }

// keyLocks is a fixed set of mutexes striped by key hash.
type keyLocks struct {
	stripes [64]sync.Mutex
}

func (k *keyLocks) get(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.stripes[h.Sum32()%uint32(len(k.stripes))]
}

func mapError(err error, name, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errEngineNotFound) {
		return common.NewStoreErr(name, common.KeyNotFound, key)
	}
	if errors.Is(err, errEngineClosed) {
		return common.NewStoreErr(name, common.Closed, key)
	}
	return common.WrapStoreErr(name, common.Unavailable, key, err)
}
