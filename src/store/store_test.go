package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mosaicnetworks/stakenet/src/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backends = []string{BackendSQLite, BackendBadger}

func testOptions() Options {
	return Options{
		PageSize:             3,
		MaxPageSize:          5,
		RetryInitialInterval: time.Millisecond,
		RetryMaxElapsed:      50 * time.Millisecond,
		OpenTimeout:          200 * time.Millisecond,
	}
}

func openTestStore(t *testing.T, backend string) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "db")
	s, err := OpenWriter(context.Background(), backend, dir, testOptions(), common.NewTestEntry(t, "store"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachBackend(t *testing.T, f func(t *testing.T, s *Store)) {
	for _, b := range backends {
		b := b
		t.Run(b, func(t *testing.T) {
			f(t, openTestStore(t, b))
		})
	}
}

func TestNamespacesAreDisjoint(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.Put("alpha", []byte("flat")))
		require.NoError(t, s.PutNested("alpha", "beta", []byte("nested")))
		require.NoError(t, s.PutMap("alpha", "beta", []byte("map")))

		v, err := s.Get("alpha")
		require.NoError(t, err)
		assert.Equal(t, "flat", string(v))

		v, err = s.GetNested("alpha", "beta")
		require.NoError(t, err)
		assert.Equal(t, "nested", string(v))

		v, err = s.GetMapEntry("alpha", "beta")
		require.NoError(t, err)
		assert.Equal(t, "map", string(v))

		keys, err := s.ListKeys("", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha"}, keys)

		_, err = s.Get("alpha/beta")
		assert.True(t, IsNotFound(err))

		stats, err := s.Stats()
		require.NoError(t, err)
		assert.Equal(t, 1, stats.FlatKeys)
		assert.Equal(t, 1, stats.NestedKeys)
		assert.Equal(t, 1, stats.MapEntries)
		assert.Equal(t, 3, stats.TotalKeys)
	})
}

func TestPutIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Put("k", []byte("v")))
		}
		n, err := s.CountKeys("")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, s.Put("k", []byte("w")))
		v, err := s.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "w", string(v))
	})
}

func TestDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.Put("k", []byte("v")))
		require.NoError(t, s.PutNested("a", "b", []byte("v")))
		require.NoError(t, s.PutMap("m", "x", []byte("v")))

		require.NoError(t, s.Delete("k"))
		require.NoError(t, s.DeleteNested("a", "b"))
		require.NoError(t, s.DeleteMapEntry("m", "x"))

		// deleting again is not an error
		require.NoError(t, s.Delete("k"))

		_, err := s.Get("k")
		assert.True(t, IsNotFound(err))
		_, err = s.GetNested("a", "b")
		assert.True(t, IsNotFound(err))
		_, err = s.GetMapEntry("m", "x")
		assert.True(t, IsNotFound(err))
	})
}

func TestInvalidKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		cases := []struct {
			name string
			err  error
		}{
			{"empty flat", s.Put("", []byte("v"))},
			{"empty k1", s.PutNested("", "b", []byte("v"))},
			{"separator in k1", s.PutNested("a/b", "c", []byte("v"))},
			{"empty k2", s.PutNested("a", "", []byte("v"))},
			{"empty map name", s.PutMap("", "x", []byte("v"))},
			{"separator in map name", s.PutMap("a/b", "x", []byte("v"))},
			{"empty composite key", s.PutMap("m", "", []byte("v"))},
		}
		for _, c := range cases {
			assert.True(t, common.IsStore(c.err, common.InvalidKey), c.name)
		}

		_, err := s.ListMap("a/b", 0, 0)
		assert.True(t, common.IsStore(err, common.InvalidKey))

		n, err := s.CountKeys("")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestPagination(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		for i := 0; i < 12; i++ {
			require.NoError(t, s.Put(fmt.Sprintf("key%02d", i), []byte("v")))
		}
		require.NoError(t, s.Put("other", []byte("v")))

		// default page size
		page, err := s.ListKeys("key", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"key00", "key01", "key02"}, page)

		// limit is clamped to the maximum
		page, err = s.ListKeys("key", 100, 0)
		require.NoError(t, err)
		assert.Len(t, page, 5)

		// offset past the end
		page, err = s.ListKeys("key", 5, 50)
		require.NoError(t, err)
		assert.Empty(t, page)

		// walking the pages visits every key once, in order
		seen := []string{}
		for offset := 0; ; offset += 4 {
			page, err := s.ListKeys("key", 4, offset)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			seen = append(seen, page...)
		}
		require.Len(t, seen, 12)
		for i, k := range seen {
			assert.Equal(t, fmt.Sprintf("key%02d", i), k)
		}

		n, err := s.CountKeys("key")
		require.NoError(t, err)
		assert.Equal(t, 12, n)
	})
}

func TestNamedMaps(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.PutMap("peers", "b", []byte("2")))
		require.NoError(t, s.PutMap("peers", "a", []byte("1")))
		require.NoError(t, s.PutMap("peer_history", "1:a", []byte("3")))
		require.NoError(t, s.PutMap("z", "x", []byte("4")))

		entries, err := s.ListMap("peers", 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, Entry{Key: "a", Value: []byte("1")}, entries[0])
		assert.Equal(t, Entry{Key: "b", Value: []byte("2")}, entries[1])

		names, err := s.ListMapNames()
		require.NoError(t, err)
		assert.Equal(t, []string{"peer_history", "peers", "z"}, names)

		n, err := s.CountMap("peers")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		empty, err := s.ListMap("missing", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestListNested(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store) {
		require.NoError(t, s.PutNested("heartbeats", "a", []byte("1")))
		require.NoError(t, s.PutNested("heartbeats", "b", []byte("2")))
		require.NoError(t, s.PutNested("heartbeats", "b/deep", []byte("3")))
		require.NoError(t, s.PutNested("heartbeatsX", "c", []byte("4")))

		direct, err := s.ListNested("heartbeats", false)
		require.NoError(t, err)
		assert.Equal(t, []Entry{
			{Key: "a", Value: []byte("1")},
			{Key: "b", Value: []byte("2")},
		}, direct)

		all, err := s.ListNested("heartbeats", true)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Equal(t, "b/deep", all[2].Key)
	})
}

func TestSecondWriterIsLocked(t *testing.T) {
	for _, b := range backends {
		b := b
		t.Run(b, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "db")
			logger := common.NewTestEntry(t, "store")

			first, err := OpenWriter(context.Background(), b, dir, testOptions(), logger)
			require.NoError(t, err)
			defer first.Close()

			_, err = OpenWriter(context.Background(), b, dir, testOptions(), logger)
			assert.True(t, common.IsStore(err, common.Locked), "got %v", err)

			require.NoError(t, first.Close())

			second, err := OpenWriter(context.Background(), b, dir, testOptions(), logger)
			require.NoError(t, err)
			second.Close()
		})
	}
}

func TestOpenReaderMissingStore(t *testing.T) {
	for _, b := range backends {
		_, err := OpenReader(b, filepath.Join(t.TempDir(), "nope"), testOptions(), nil)
		assert.True(t, common.IsStore(err, common.Unavailable), "%s: got %v", b, err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := OpenWriter(context.Background(), BackendSQLite, dir, testOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Put("k", []byte("v"))
	assert.True(t, common.IsStore(err, common.Closed))
}

// A reader in the same position as the query service, with its own handle,
// sees either the old or the new value of a key and never a torn one.
func TestConcurrentReaderSQLite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	logger := common.NewTestEntry(t, "store")

	w, err := OpenWriter(context.Background(), BackendSQLite, dir, testOptions(), logger)
	require.NoError(t, err)
	defer w.Close()

	old := []byte("old-value-old-value-old-value")
	updated := []byte("new-value-new-value-new-value")
	require.NoError(t, w.Put("shared", old))

	r, err := OpenReader(BackendSQLite, dir, testOptions(), logger)
	require.NoError(t, err)
	defer r.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			v := old
			if i%2 == 0 {
				v = updated
			}
			if err := w.Put("shared", v); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		v, err := r.Get("shared")
		require.NoError(t, err)
		s := string(v)
		assert.True(t, s == string(old) || s == string(updated), "torn read %q", s)
	}
	wg.Wait()

	require.NoError(t, w.Put("after", []byte("x")))
	v, err := r.Get("after")
	require.NoError(t, err)
	assert.Equal(t, "x", string(v))
}

type listedPeer struct {
	PeerID string `json:"peer_id"`
	Seq    int    `json:"seq"`
}

// Listing while peers are upserted one after another returns a prefix of the
// write sequence, and every listed value decodes.
func TestConcurrentListingSQLite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	logger := common.NewTestEntry(t, "store")

	w, err := OpenWriter(context.Background(), BackendSQLite, dir, testOptions(), logger)
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(BackendSQLite, dir, testOptions(), logger)
	require.NoError(t, err)
	defer r.Close()

	ids := []string{"A", "B", "C"}
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for round := 0; round < 20; round++ {
			for _, id := range ids {
				v, err := json.Marshal(listedPeer{PeerID: id, Seq: round})
				if err != nil {
					t.Error(err)
					return
				}
				if err := w.PutMap("peers", id, v); err != nil {
					t.Error(err)
					return
				}
				if err := w.Put("peer/"+id, v); err != nil {
					t.Error(err)
					return
				}
			}
		}
	}()

	check := func() {
		entries, err := r.ListMap("peers", 0, 0)
		require.NoError(t, err)
		require.LessOrEqual(t, len(entries), len(ids))
		for i, e := range entries {
			assert.Equal(t, ids[i], e.Key)
			var p listedPeer
			require.NoError(t, json.Unmarshal(e.Value, &p), "undecodable value for %s", e.Key)
			assert.Equal(t, e.Key, p.PeerID)
		}

		keys, err := r.ListKeys("peer/", 0, 0)
		require.NoError(t, err)
		require.LessOrEqual(t, len(keys), len(ids))
		for i, k := range keys {
			assert.Equal(t, "peer/"+ids[i], k)
			v, err := r.Get(k)
			require.NoError(t, err)
			var p listedPeer
			require.NoError(t, json.Unmarshal(v, &p), "undecodable value for %s", k)
			assert.Equal(t, ids[i], p.PeerID)
		}
	}

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		check()
	}
	wg.Wait()

	entries, err := r.ListMap("peers", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, len(ids))
	for _, e := range entries {
		var p listedPeer
		require.NoError(t, json.Unmarshal(e.Value, &p))
		assert.Equal(t, 19, p.Seq)
	}
}

func TestReadOnlyView(t *testing.T) {
	s := openTestStore(t, BackendBadger)
	require.NoError(t, s.Put("k", []byte("v")))

	ro := s.ReadOnlyView()
	v, err := ro.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	// closing the view leaves the writer usable
	require.NoError(t, ro.Close())
	require.NoError(t, s.Put("k2", []byte("v")))

	_, isWriter := ro.(ReadWriter)
	assert.False(t, isWriter)
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{PageSize: 5000}.withDefaults()
	assert.Equal(t, 1000, o.MaxPageSize)
	assert.Equal(t, 1000, o.PageSize)

	limit, offset := o.clampPage(-1, -4)
	assert.Equal(t, 1000, limit)
	assert.Equal(t, 0, offset)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("kv0"), prefixEnd("kv/"))
	assert.Equal(t, []byte("b"), prefixEnd("a\xff"))
	assert.Nil(t, prefixEnd("\xff\xff"))
	assert.Nil(t, prefixEnd(""))
}
