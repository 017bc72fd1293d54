package envelope

import (
	"sync"

	mango "github.com/goburrow/cache"
)

// sessionCache caches Sessions by partition id so repeated short-lived
// requests for the same partition reuse the same key material instead of
// re-deriving it every time (SPEC_FULL.md §4.9).
type sessionCache interface {
	Get(id string) (*Session, error)
	Close()
}

// sessionLoaderFunc constructs a Session for a partition id on a cache miss.
type sessionLoaderFunc func(id string) (*Session, error)

// mangoSessionCache is a sessionCache backed by goburrow/cache's
// LoadingCache. Every cached Session's Encryption is wrapped in
// SharedEncryption so an eviction only actually closes the session once its
// last concurrent user has released it.
type mangoSessionCache struct {
	inner mango.LoadingCache
}

func (m *mangoSessionCache) Get(id string) (*Session, error) {
	val, err := m.inner.Get(id)
	if err != nil {
		return nil, err
	}

	sess, ok := val.(*Session)
	if !ok {
		panic("sessioncache: unexpected value in cache")
	}

	sess.encryption.(*SharedEncryption).incrementUsage()

	return sess, nil
}

func (m *mangoSessionCache) Close() {
	m.inner.Close()
}

func mangoSessionRemovalListener(_ mango.Key, v mango.Value) {
	go v.(*Session).encryption.(*SharedEncryption).release()
}

// newSessionCache wraps loader's Sessions in SharedEncryption and constructs
// a goburrow/cache LoadingCache bounded and aged per policy.
func newSessionCache(loader sessionLoaderFunc, policy *CryptoPolicy) sessionCache {
	wrapped := func(id string) (*Session, error) {
		s, err := loader(id)
		if err != nil {
			return nil, err
		}

		mu := new(sync.Mutex)
		s.encryption = &SharedEncryption{
			Encryption: s.encryption,
			mu:         mu,
			cond:       sync.NewCond(mu),
		}

		return s, nil
	}

	return &mangoSessionCache{
		inner: mango.NewLoadingCache(
			func(k mango.Key) (mango.Value, error) {
				return wrapped(k.(string))
			},
			mango.WithMaximumSize(policy.SessionCacheMaxSize),
			mango.WithExpireAfterAccess(policy.SessionCacheDuration),
			mango.WithRemovalListener(mangoSessionRemovalListener),
		),
	}
}

// SharedEncryption reference-counts concurrent callers of a cached Session's
// Encryption so that an eviction mid-use doesn't close keys another caller
// is still reading, while a session with no outstanding callers is closed
// promptly once evicted.
type SharedEncryption struct {
	Encryption

	accessCounter int
	mu            *sync.Mutex
	cond          *sync.Cond
	evicted       bool
}

func (s *SharedEncryption) incrementUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessCounter++
}

// Close is called by every holder of this Session when they're done with it.
// Only once the access count returns to zero AND the cache has evicted this
// entry does the underlying Encryption actually get closed (via release).
func (s *SharedEncryption) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cond.Broadcast()

	s.accessCounter--

	return nil
}

// release is invoked once by the cache's removal listener when this entry is
// evicted. It blocks until every outstanding Close has returned before
// closing the real Encryption.
func (s *SharedEncryption) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return
	}

	s.evicted = true

	for s.accessCounter > 0 {
		s.cond.Wait()
	}

	s.Encryption.Close()
}
