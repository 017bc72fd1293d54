package envelope

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mango "github.com/goburrow/cache"

	"github.com/keyweave/envelope/internal"
	"github.com/keyweave/envelope/pkg/log"
)

// keyLoaderFunc adapts a plain function to the keyLoader interface.
type keyLoaderFunc func() (*internal.CryptoKey, error)

func (f keyLoaderFunc) Load() (*internal.CryptoKey, error) { return f() }

// keyLoader retrieves a key on demand, e.g. from the metastore.
type keyLoader interface {
	Load() (*internal.CryptoKey, error)
}

// keyReloader extends keyLoader with the ability to judge staleness and reload.
type keyReloader interface {
	keyLoader
	IsInvalid(*internal.CryptoKey) bool
}

// cache is the two-dictionary secure key cache contract from spec §4.4: one
// instance guards System Keys, a second guards Intermediate Keys.
type cache interface {
	GetOrLoad(id KeyMeta, loader keyLoader) (*internal.CryptoKey, error)
	GetOrLoadLatest(id string, loader keyLoader) (*internal.CryptoKey, error)
	Close() error
}

// cacheEntry pairs a cached key with the time it was loaded, used to decide
// whether a revoke recheck against the metastore is due.
type cacheEntry struct {
	loadedAt time.Time
	key      *internal.CryptoKey
}

func newCacheEntry(k *internal.CryptoKey) cacheEntry {
	return cacheEntry{loadedAt: time.Now(), key: k}
}

func cacheKey(id string, created int64) string {
	return fmt.Sprintf("%s-%d", id, created)
}

// isReloadRequired reports whether entry's age has exceeded checkInterval. A
// revoked key is a terminal state (spec P4) and never needs rechecking.
func isReloadRequired(entry cacheEntry, checkInterval time.Duration) bool {
	if entry.key.Revoked() {
		return false
	}

	return entry.loadedAt.Add(checkInterval).Before(time.Now())
}

// Verify keyCache implements cache.
var _ cache = (*keyCache)(nil)

// keyCache is the default secure key cache implementation. It backs storage
// with a goburrow/cache bounded map and layers the revoke-check TTL and
// latest-key tracking spec §4.4 requires on top. It is safe for concurrent
// use and every owning key it holds is wiped on Close.
type keyCache struct {
	once   sync.Once
	rw     sync.RWMutex
	policy *CryptoPolicy
	closed atomic.Bool
	store  mango.Cache

	// owned tracks every distinct CryptoKey ever inserted so Close can wipe
	// them all; CryptoKey.Close is idempotent so aliasing (the same key is
	// reachable under both its fully-qualified and "latest" cache entries)
	// is safe to close more than once.
	owned []*internal.CryptoKey
}

// newKeyCache constructs a keyCache bounded to maxSize entries.
func newKeyCache(policy *CryptoPolicy, maxSize int) *keyCache {
	return &keyCache{
		policy: policy,
		store:  mango.New(mango.WithMaximumSize(maxSize)),
	}
}

// GetOrLoad returns the key matching id if cached and fresh, otherwise loads
// it via loader and caches the result (spec §4.4 put_and_get_usable).
func (c *keyCache) GetOrLoad(id KeyMeta, loader keyLoader) (*internal.CryptoKey, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	c.rw.RLock()
	k, ok := c.get(id)
	c.rw.RUnlock()

	if ok {
		return k, nil
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	if k, ok := c.get(id); ok {
		return k, nil
	}

	return c.load(id, loader)
}

// get returns a key from the cache if present and fresh per the revoke-check
// TTL (spec P5). The bool indicates a fresh hit.
func (c *keyCache) get(id KeyMeta) (*internal.CryptoKey, bool) {
	key := cacheKey(id.ID, id.Created)

	if e, ok := c.read(key); ok && !isReloadRequired(e, c.policy.RevokeCheckInterval) {
		return e.key, true
	}

	return nil, false
}

// load retrieves a key via loader and inserts or refreshes its cache entry,
// maintaining the "latest" alias (KeyMeta with Created == 0) alongside the
// fully-qualified entry.
func (c *keyCache) load(id KeyMeta, loader keyLoader) (*internal.CryptoKey, error) {
	key := cacheKey(id.ID, id.Created)

	k, err := loader.Load()
	if err != nil {
		return nil, err
	}

	e, ok := c.read(key)

	switch {
	case ok && e.key.Created() == k.Created():
		// Existing entry for the same key: propagate revoked status and
		// refresh the loaded timestamp; we don't need the copy we just loaded.
		e.key.SetRevoked(k.Revoked())
		e.loadedAt = time.Now()
		c.write(key, e)
		k.Close()
	default:
		e = newCacheEntry(k)
		c.write(key, e)
		c.owned = append(c.owned, k)
	}

	latestKey := cacheKey(id.ID, 0)
	if key == latestKey {
		c.write(cacheKey(id.ID, k.Created()), e)
	} else if latest, ok := c.read(latestKey); !ok || latest.key.Created() < k.Created() {
		c.write(latestKey, e)
	}

	return e.key, nil
}

func (c *keyCache) read(id string) (cacheEntry, bool) {
	v, ok := c.store.GetIfPresent(id)
	if !ok {
		log.Debugf("%s miss -- id: %s", c, id)
		return cacheEntry{}, false
	}

	return v.(cacheEntry), true
}

func (c *keyCache) write(id string, e cacheEntry) {
	log.Debugf("%s write -> id: %s, key: %s", c, id, e.key)
	c.store.Put(id, e)
}

// GetOrLoadLatest returns the latest cached key for id if fresh, otherwise
// loads it. If loader also implements keyReloader and judges the resulting
// key invalid (expired/revoked), it is replaced inline (spec §4.5 Inline
// rotation strategy).
func (c *keyCache) GetOrLoadLatest(id string, loader keyLoader) (*internal.CryptoKey, error) {
	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	if c.closed.Load() {
		return nil, ErrCacheClosed
	}

	meta := KeyMeta{ID: id}

	key, ok := c.get(meta)
	if !ok {
		var err error

		key, err = c.load(meta, loader)
		if err != nil {
			return nil, err
		}
	}

	if reloader, ok := loader.(keyReloader); ok && reloader.IsInvalid(key) {
		reloaded, err := loader.Load()
		if err != nil {
			return nil, err
		}

		e := newCacheEntry(reloaded)
		c.write(cacheKey(id, 0), e)
		c.write(cacheKey(id, reloaded.Created()), e)
		c.owned = append(c.owned, reloaded)

		return reloaded, nil
	}

	return key, nil
}

// Close wipes every key held by this cache. Idempotent; subsequent calls to
// GetOrLoad/GetOrLoadLatest return ErrCacheClosed.
func (c *keyCache) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)

		c.rw.Lock()
		owned := c.owned
		c.owned = nil
		c.rw.Unlock()

		for _, k := range owned {
			k.Close()
		}

		c.store.InvalidateAll()
		c.store.Close()
	})

	return nil
}

func (c *keyCache) String() string {
	return fmt.Sprintf("keyCache(%p)", c)
}

// Verify neverCache implements cache.
var _ cache = (*neverCache)(nil)

// neverCache never stores anything; every call delegates straight to the loader.
type neverCache struct{}

func (neverCache) GetOrLoad(_ KeyMeta, loader keyLoader) (*internal.CryptoKey, error) {
	return loader.Load()
}

func (neverCache) GetOrLoadLatest(_ string, loader keyLoader) (*internal.CryptoKey, error) {
	return loader.Load()
}

func (neverCache) Close() error { return nil }
