package store

import (
	"time"

	"github.com/mosaicnetworks/stakenet/src/common"
)

// Entry is a key-value pair returned by list operations. Key is the logical
// key within the namespace, without the namespace prefix.
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Stats summarises the content of a store.
type Stats struct {
	Backend    string `json:"backend"`
	Path       string `json:"path"`
	TotalKeys  int    `json:"total_keys"`
	FlatKeys   int    `json:"flat_keys"`
	NestedKeys int    `json:"nested_keys"`
	MapEntries int    `json:"map_entries"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Reader is the read-only capability over the shared state store. It is all
// the query service ever holds. Every call observes a consistent snapshot of
// the store as of the call; no snapshot spans two calls.
type Reader interface {
	// Get returns the value of a flat key.
	Get(key string) ([]byte, error)

	// ListKeys lists flat keys starting with prefix, in lexical order.
	ListKeys(prefix string, limit, offset int) ([]string, error)

	// ListMap lists the entries of a named map, in lexical order of their
	// composite keys.
	ListMap(mapName string, limit, offset int) ([]Entry, error)

	// GetMapEntry returns one entry of a named map.
	GetMapEntry(mapName, compositeKey string) ([]byte, error)

	// ListMapNames lists the names of all non-empty named maps.
	ListMapNames() ([]string, error)

	// ListNested lists the children of k1. Without recursive, only direct
	// children are returned, i.e. k2 values that contain no further "/".
	ListNested(k1 string, recursive bool) ([]Entry, error)

	// GetNested returns the value stored under k1/k2.
	GetNested(k1, k2 string) ([]byte, error)

	// CountKeys counts flat keys starting with prefix.
	CountKeys(prefix string) (int, error)

	// CountMap counts the entries of a named map.
	CountMap(mapName string) (int, error)

	// Stats returns key counts and on-disk size.
	Stats() (Stats, error)

	// Close releases the handle.
	Close() error
}

// ReadWriter is the write capability, held only by the node process.
type ReadWriter interface {
	Reader

	// Put sets a flat key. It is idempotent.
	Put(key string, value []byte) error

	// PutNested sets the value under k1/k2.
	PutNested(k1, k2 string, value []byte) error

	// PutMap sets one entry of a named map.
	PutMap(mapName, compositeKey string, value []byte) error

	// Delete removes a flat key. Deleting a missing key is not an error.
	Delete(key string) error

	// DeleteNested removes the value under k1/k2.
	DeleteNested(k1, k2 string) error

	// DeleteMapEntry removes one entry of a named map.
	DeleteMapEntry(mapName, compositeKey string) error
}

// Options tune pagination and write retries.
type Options struct {
	// PageSize is used when a list call passes a limit <= 0.
	PageSize int

	// MaxPageSize caps the limit of list calls.
	MaxPageSize int

	// RetryInitialInterval is the first backoff interval of a failed write.
	RetryInitialInterval time.Duration

	// RetryMaxElapsed bounds the total time spent retrying a single write.
	RetryMaxElapsed time.Duration

	// OpenTimeout bounds the wait for the writer lock in OpenWriter.
	OpenTimeout time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		PageSize:             100,
		MaxPageSize:          1000,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxElapsed:      2 * time.Second,
		OpenTimeout:          30 * time.Second,
	}
}

// clampPage applies the default and maximum page sizes. A negative offset is
// treated as zero.
func (o Options) clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = o.PageSize
	}
	if limit > o.MaxPageSize {
		limit = o.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = d.MaxPageSize
	}
	if o.PageSize > o.MaxPageSize {
		o.PageSize = o.MaxPageSize
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = d.RetryInitialInterval
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = d.RetryMaxElapsed
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = d.OpenTimeout
	}
	return o
}

// IsNotFound is a shortcut for common.IsStore(err, common.KeyNotFound).
func IsNotFound(err error) bool {
	return common.IsStore(err, common.KeyNotFound)
}
