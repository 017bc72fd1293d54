package envelope

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/keyweave/envelope/internal"
	"github.com/keyweave/envelope/internal/secret"
)

const testKey = "test-key-id"

var cacheSecretFactory = new(secret.MemguardFactory)

type CacheTestSuite struct {
	suite.Suite

	policy   *CryptoPolicy
	keyCache *keyCache
	created  int64
}

func (suite *CacheTestSuite) SetupTest() {
	suite.policy = NewCryptoPolicy()
	suite.keyCache = newKeyCache(suite.policy, DefaultKeyCacheMaxSize)
	suite.created = time.Now().Unix()
}

func (suite *CacheTestSuite) TearDownTest() {
	suite.keyCache.Close()
}

func TestCacheTestSuite(t *testing.T) {
	suite.Run(t, new(CacheTestSuite))
}

func (suite *CacheTestSuite) newKey(created int64, revoked bool) *internal.CryptoKey {
	key, err := internal.NewCryptoKey(cacheSecretFactory, created, revoked, []byte("blah"))
	require.NoError(suite.T(), err)

	return key
}

func Test_CacheKey(t *testing.T) {
	assert.Equal(t, "abc-123", cacheKey("abc", 123))
	assert.Equal(t, "abc-0", cacheKey("abc", 0))
}

func Test_NewKeyCache(t *testing.T) {
	c := newKeyCache(NewCryptoPolicy(), DefaultKeyCacheMaxSize)
	defer c.Close()

	assert.NotNil(t, c.store)
	assert.False(t, c.closed.Load())
}

func (suite *CacheTestSuite) Test_IsReloadRequired_WithIntervalNotElapsed() {
	key := suite.newKey(suite.created, false)
	defer key.Close()

	entry := newCacheEntry(key)

	assert.False(suite.T(), isReloadRequired(entry, time.Hour))
}

func (suite *CacheTestSuite) Test_IsReloadRequired_WithIntervalElapsed() {
	key := suite.newKey(suite.created, false)
	defer key.Close()

	entry := cacheEntry{
		loadedAt: time.Now().Add(-2 * time.Hour),
		key:      key,
	}

	assert.True(suite.T(), isReloadRequired(entry, time.Hour))
}

func (suite *CacheTestSuite) Test_IsReloadRequired_WithRevoked() {
	key := suite.newKey(suite.created, true)
	defer key.Close()

	entry := cacheEntry{
		loadedAt: time.Now().Add(-2 * time.Hour),
		key:      key,
	}

	assert.False(suite.T(), isReloadRequired(entry, time.Hour))
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoad_WithCachedKeyNoReloadRequired() {
	_, err := suite.keyCache.GetOrLoad(KeyMeta{testKey, suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return suite.newKey(suite.created, false), nil
	}))
	require.NoError(suite.T(), err)

	key, err := suite.keyCache.GetOrLoad(KeyMeta{testKey, suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return nil, errors.New("should not be called")
	}))

	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), key)
	assert.Equal(suite.T(), suite.created, key.Created())
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoad_WithEmptyCache() {
	key, err := suite.keyCache.GetOrLoad(KeyMeta{testKey, suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return suite.newKey(suite.created, false), nil
	}))

	require.NoError(suite.T(), err)
	assert.NotNil(suite.T(), key)
	assert.Equal(suite.T(), suite.created, key.Created())

	e, ok := suite.keyCache.read(cacheKey(testKey, 0))
	if assert.True(suite.T(), ok) {
		assert.Equal(suite.T(), suite.created, e.key.Created())
	}
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoad_DoesNotSetKeyOnError() {
	key, err := suite.keyCache.GetOrLoad(KeyMeta{}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return nil, errors.New("error")
	}))

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), key)

	_, ok := suite.keyCache.read(cacheKey("", 0))
	assert.False(suite.T(), ok)
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoad_WithOldCachedKeyLoadNewerUpdatesLatest() {
	olderCreated := time.Now().Add(-(time.Hour * 24)).Unix()

	_, err := suite.keyCache.GetOrLoad(KeyMeta{testKey, olderCreated}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return suite.newKey(olderCreated, false), nil
	}))
	require.NoError(suite.T(), err)

	key, err := suite.keyCache.GetOrLoad(KeyMeta{testKey, suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return suite.newKey(suite.created, false), nil
	}))
	require.NoError(suite.T(), err)

	assert.NotNil(suite.T(), key)
	assert.Equal(suite.T(), suite.created, key.Created())

	latest, ok := suite.keyCache.read(cacheKey(testKey, 0))
	require.True(suite.T(), ok)
	assert.Equal(suite.T(), suite.created, latest.key.Created())

	older, ok := suite.keyCache.read(cacheKey(testKey, olderCreated))
	require.True(suite.T(), ok)
	assert.Equal(suite.T(), olderCreated, older.key.Created())
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoad_WithCachedKeyReloadRequiredAndNowRevoked() {
	key := suite.newKey(suite.created, false)

	entry := cacheEntry{
		key:      key,
		loadedAt: time.Now().Add(-2 * suite.policy.RevokeCheckInterval),
	}

	suite.keyCache.write(cacheKey(testKey, suite.created), entry)
	suite.keyCache.write(cacheKey(testKey, 0), entry)
	suite.keyCache.owned = append(suite.keyCache.owned, key)

	revokedKey := suite.newKey(suite.created, true)

	got, err := suite.keyCache.GetOrLoad(KeyMeta{testKey, suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return revokedKey, nil
	}))

	require.NoError(suite.T(), err)
	assert.NotNil(suite.T(), got)
	assert.Equal(suite.T(), suite.created, got.Created())
	assert.True(suite.T(), got.Revoked())

	e, ok := suite.keyCache.read(cacheKey(testKey, 0))
	require.True(suite.T(), ok)
	assert.True(suite.T(), e.key.Revoked())

	// the freshly loaded key was only used to propagate revoked status onto
	// the cached key, so it gets closed rather than retained.
	assert.True(suite.T(), revokedKey.IsClosed())

	cached, ok := suite.keyCache.read(cacheKey(testKey, suite.created))
	require.True(suite.T(), ok)
	assert.False(suite.T(), cached.key.IsClosed())
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoadLatest_WithCachedKeyNoReloadRequired() {
	_, err := suite.keyCache.GetOrLoad(KeyMeta{testKey, suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return suite.newKey(suite.created, false), nil
	}))
	require.NoError(suite.T(), err)

	key, err := suite.keyCache.GetOrLoadLatest(testKey, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return nil, errors.New("should not be called")
	}))

	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), key)
	assert.Equal(suite.T(), suite.created, key.Created())
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoadLatest_WithEmptyCache() {
	key, err := suite.keyCache.GetOrLoadLatest(testKey, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return suite.newKey(suite.created, false), nil
	}))

	require.NoError(suite.T(), err)
	assert.NotNil(suite.T(), key)
	assert.Equal(suite.T(), suite.created, key.Created())
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoadLatest_DoesNotSetKeyOnError() {
	key, err := suite.keyCache.GetOrLoadLatest(testKey, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return nil, errors.New("error")
	}))

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), key)
}

// reloaderFunc adapts a pair of plain functions to keyReloader, for exercising
// the inline rotation path from GetOrLoadLatest.
type reloaderFunc struct {
	load      func() (*internal.CryptoKey, error)
	isInvalid func(*internal.CryptoKey) bool
}

func (r reloaderFunc) Load() (*internal.CryptoKey, error) { return r.load() }
func (r reloaderFunc) IsInvalid(k *internal.CryptoKey) bool {
	return r.isInvalid(k)
}

func (suite *CacheTestSuite) TestKeyCache_GetOrLoadLatest_InlineRotationReplacesInvalidKey() {
	stale := suite.newKey(suite.created, false)

	_, err := suite.keyCache.GetOrLoad(KeyMeta{testKey, suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return stale, nil
	}))
	require.NoError(suite.T(), err)

	newCreated := time.Now().Add(time.Hour).Unix()

	loader := reloaderFunc{
		load: func() (*internal.CryptoKey, error) {
			return suite.newKey(newCreated, false), nil
		},
		isInvalid: func(k *internal.CryptoKey) bool {
			return k.Created() == suite.created
		},
	}

	key, err := suite.keyCache.GetOrLoadLatest(testKey, loader)

	require.NoError(suite.T(), err)
	assert.NotNil(suite.T(), key)
	assert.Equal(suite.T(), newCreated, key.Created())

	e, ok := suite.keyCache.read(cacheKey(testKey, 0))
	require.True(suite.T(), ok)
	assert.Equal(suite.T(), newCreated, e.key.Created())
}

func (suite *CacheTestSuite) TestKeyCache_Close_WipesOwnedKeys() {
	keys := make([]*internal.CryptoKey, 0, 3)

	for i := 0; i < 3; i++ {
		created := suite.created + int64(i)

		key, err := suite.keyCache.GetOrLoad(KeyMeta{testKey, created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
			k := suite.newKey(created, false)
			keys = append(keys, k)
			return k, nil
		}))
		require.NoError(suite.T(), err)

		assert.False(suite.T(), key.IsClosed())
	}

	require.NoError(suite.T(), suite.keyCache.Close())

	for _, k := range keys {
		assert.True(suite.T(), k.IsClosed())
	}
}

func (suite *CacheTestSuite) TestKeyCache_Close_Idempotent() {
	assert.NoError(suite.T(), suite.keyCache.Close())
	assert.NoError(suite.T(), suite.keyCache.Close())
}

func (suite *CacheTestSuite) TestKeyCache_OperationsAfterClose() {
	require.NoError(suite.T(), suite.keyCache.Close())

	_, err := suite.keyCache.GetOrLoad(KeyMeta{testKey, suite.created}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return nil, errors.New("should not be called")
	}))
	assert.ErrorIs(suite.T(), err, ErrCacheClosed)

	_, err = suite.keyCache.GetOrLoadLatest(testKey, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		return nil, errors.New("should not be called")
	}))
	assert.ErrorIs(suite.T(), err, ErrCacheClosed)
}

func TestNeverCache_AlwaysDelegatesToLoader(t *testing.T) {
	var c cache = neverCache{}

	calls := 0

	key, err := c.GetOrLoad(KeyMeta{testKey, 1}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		calls++
		return internal.NewCryptoKey(cacheSecretFactory, 1, false, []byte("blah"))
	}))
	require.NoError(t, err)
	defer key.Close()

	_, err = c.GetOrLoad(KeyMeta{testKey, 1}, keyLoaderFunc(func() (*internal.CryptoKey, error) {
		calls++
		return internal.NewCryptoKey(cacheSecretFactory, 1, false, []byte("blah"))
	}))
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.NoError(t, c.Close())
}
