package query

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mosaicnetworks/stakenet/src/common"
	"github.com/mosaicnetworks/stakenet/src/crypto"
	"github.com/mosaicnetworks/stakenet/src/store"
	"golang.org/x/time/rate"
)

const (
	// APIKeyHeader is the request header carrying the client's API key.
	APIKeyHeader = "X-API-Key"

	// KeysMap is the named map holding key metadata, indexed by key hash.
	KeysMap = "api_keys"

	keyPrefix = "st_"
	keyBytes  = 32
)

// APIKey is the metadata stored for an API key. The key itself is never
// stored, only its hash.
type APIKey struct {
	Owner     string `json:"owner"`
	QPMLimit  int    `json:"qpm_limit"`
	Active    bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
}

// KeyLookup resolves a raw API key to its metadata. It returns nil, without
// error, for unknown keys.
type KeyLookup interface {
	Lookup(rawKey string) (*APIKey, error)
}

// HashKey returns the hex encoded SHA256 of a raw key, the form under which
// keys are stored and revoked.
func HashKey(rawKey string) string {
	return hex.EncodeToString(crypto.SHA256Concat([]byte(rawKey)))
}

// KeyRing manages API keys in a store. A KeyRing built on a read-only view
// can only look keys up.
type KeyRing struct {
	reader     store.Reader
	writer     *store.Store
	defaultQPM int
}

// NewKeyRing returns a KeyRing that looks keys up in r.
func NewKeyRing(r store.Reader) *KeyRing {
	return &KeyRing{reader: r}
}

// NewKeyManager returns a KeyRing that can also create and revoke keys. Keys
// created without a limit get defaultQPM.
func NewKeyManager(w *store.Store, defaultQPM int) *KeyRing {
	return &KeyRing{
		reader:     w,
		writer:     w,
		defaultQPM: defaultQPM,
	}
}

// Create generates a key for owner and stores its metadata. The raw key is
// returned once and cannot be recovered later.
func (k *KeyRing) Create(owner string, qpm int) (string, error) {
	if k.writer == nil {
		return "", fmt.Errorf("key ring is read-only")
	}
	if owner == "" {
		return "", fmt.Errorf("owner must be set")
	}
	if qpm <= 0 {
		qpm = k.defaultQPM
	}

	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	raw := keyPrefix + base64.RawURLEncoding.EncodeToString(buf)

	meta := APIKey{
		Owner:     owner,
		QPMLimit:  qpm,
		Active:    true,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := k.put(HashKey(raw), meta); err != nil {
		return "", err
	}
	return raw, nil
}

// Revoke deactivates the key with the given hash. It returns false if no such
// key exists.
func (k *KeyRing) Revoke(hash string) (bool, error) {
	if k.writer == nil {
		return false, fmt.Errorf("key ring is read-only")
	}

	meta, err := k.get(hash)
	if err != nil || meta == nil {
		return false, err
	}
	meta.Active = false
	if err := k.put(hash, *meta); err != nil {
		return false, err
	}
	return true, nil
}

// Lookup implements KeyLookup.
func (k *KeyRing) Lookup(rawKey string) (*APIKey, error) {
	return k.get(HashKey(rawKey))
}

// List returns the metadata of every key, revoked ones included, indexed by
// key hash.
func (k *KeyRing) List() (map[string]APIKey, error) {
	res := make(map[string]APIKey)
	for offset := 0; ; {
		page, err := k.reader.ListMap(KeysMap, 0, offset)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			var meta APIKey
			if err := json.Unmarshal(e.Value, &meta); err != nil {
				return nil, fmt.Errorf("key %s: %v", e.Key, err)
			}
			res[e.Key] = meta
		}
		if len(page) == 0 {
			return res, nil
		}
		offset += len(page)
	}
}

func (k *KeyRing) get(hash string) (*APIKey, error) {
	v, err := k.reader.GetMapEntry(KeysMap, hash)
	if common.IsStore(err, common.KeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var meta APIKey
	if err := json.Unmarshal(v, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (k *KeyRing) put(hash string, meta APIKey) error {
	v, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return k.writer.PutMap(KeysMap, hash, v)
}

// keyLimiters holds one rate limiter per key owner.
type keyLimiters struct {
	sync.Mutex
	byOwner map[string]*rate.Limiter
}

func (l *keyLimiters) get(key *APIKey) *rate.Limiter {
	if key.QPMLimit <= 0 {
		return nil
	}

	l.Lock()
	defer l.Unlock()

	if l.byOwner == nil {
		l.byOwner = make(map[string]*rate.Limiter)
	}
	lim, ok := l.byOwner[key.Owner]
	if !ok || lim.Burst() != key.QPMLimit {
		lim = rate.NewLimiter(rate.Limit(float64(key.QPMLimit)/60), key.QPMLimit)
		l.byOwner[key.Owner] = lim
	}
	return lim
}

// authenticate checks the API key of req. On failure it writes the error
// response and returns nil.
func (s *Server) authenticate(w http.ResponseWriter, req *http.Request) *APIKey {
	raw := req.Header.Get(APIKeyHeader)
	if raw == "" {
		s.JSON(w, http.StatusForbidden, errorResponse{
			Error:  "API key missing",
			Detail: fmt.Sprintf("use the %s header", APIKeyHeader),
		})
		return nil
	}

	key, err := s.keys.Lookup(raw)
	if err != nil {
		s.storeError(w, "failed to check API key", err)
		return nil
	}
	if key == nil || !key.Active {
		s.JSON(w, http.StatusForbidden, errorResponse{Error: "invalid or revoked API key"})
		return nil
	}
	return key
}
