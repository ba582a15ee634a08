// cas/cas.go

package cas

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheEntries bounds the read cache by entry count rather than
// bytes. At the default 1 MiB block size, this is tuned to a few hundred
// MiB of resident cache.
const DefaultCacheEntries = 512

// CAS is the content-addressable block layer described in the design: a
// Backend, plus an in-memory LRU read cache that is process-local,
// single-session, and read-only - entries are admitted on Get and evicted
// least-recently-used.
type CAS struct {
	backend Backend
	cache   *lru.Cache[Hash, []byte]
}

// New wraps backend with a read cache of cacheEntries capacity. A
// cacheEntries of zero or less uses DefaultCacheEntries.
func New(backend Backend, cacheEntries int) *CAS {
	if cacheEntries <= 0 {
		cacheEntries = DefaultCacheEntries
	}
	cache, err := lru.New[Hash, []byte](cacheEntries)
	if err != nil {
		// Only returns an error for a non-positive size, which we've
		// already guarded against above.
		panic(err)
	}
	return &CAS{backend: backend, cache: cache}
}

// Has reports whether content with this hash is already stored.
func (c *CAS) Has(hash Hash) (bool, error) {
	if _, ok := c.cache.Peek(hash); ok {
		return true, nil
	}
	return c.backend.HasCAS(hash)
}

// Put stores content if no row for its hash exists yet and returns the
// hash either way (spec's put-if-absent CAS dedup property).
func (c *CAS) Put(content []byte) (Hash, error) {
	hash := Sum(content)

	exists, err := c.backend.HasCAS(hash)
	if err != nil {
		return Hash{}, err
	}
	if exists {
		return hash, nil
	}

	codec, payload := compressForStorage(content)
	if err := c.backend.PutCAS(hash, codec, payload); err != nil {
		return Hash{}, err
	}
	c.cache.Add(hash, content)
	return hash, nil
}

// Get returns the plaintext content for hash, decompressing it if
// necessary. A hash with no backing row is an error from the Backend;
// *store.Store reports it as store.ErrDatabaseCorrupt, since every
// redo-referenced hash is expected to have a CAS row.
func (c *CAS) Get(hash Hash) ([]byte, error) {
	if content, ok := c.cache.Get(hash); ok {
		return content, nil
	}

	codec, payload, err := c.backend.GetCAS(hash)
	if err != nil {
		return nil, err
	}
	content, err := decodeStored(codec, payload)
	if err != nil {
		return nil, err
	}
	c.cache.Add(hash, content)
	return content, nil
}
