package envelope

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/keyweave/envelope/internal/secret"
	"github.com/keyweave/envelope/pkg/log"
)

// SessionFactory creates Sessions scoped to a partition id and owns the
// System Key cache (and, if configured, the shared Intermediate Key cache
// and the session cache) shared across every Session it produces. Construct
// one at application start up and keep it for the process lifetime; call
// Close when the application shuts down.
type SessionFactory struct {
	sessionCache     sessionCache
	systemKeys       cache
	sharedIntKeys    cache
	config           *Config
	metastore        Metastore
	crypto           AEAD
	kms              KeyManagementService
	secretFactory    secret.Factory
}

// FactoryOption configures a SessionFactory.
type FactoryOption func(*SessionFactory)

// WithSecretFactory overrides the secret.Factory used to protect key material.
func WithSecretFactory(f secret.Factory) FactoryOption {
	return func(sf *SessionFactory) { sf.secretFactory = f }
}

// WithMetricsDisabled unregisters every metric this package has registered.
func WithMetricsDisabled() FactoryOption {
	return func(*SessionFactory) {
		metrics.DefaultRegistry.UnregisterAll()
	}
}

// NewSessionFactory validates config and constructs a SessionFactory backed
// by store, kms, and crypto.
func NewSessionFactory(config *Config, store Metastore, kms KeyManagementService, crypto AEAD, opts ...FactoryOption) (*SessionFactory, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Policy == nil {
		config.Policy = NewCryptoPolicy()
	}

	var skCache cache
	if config.Policy.CacheSystemKeys {
		skCache = newKeyCache(config.Policy, DefaultKeyCacheMaxSize)
		log.Debugf("new system key cache: %v", skCache)
	} else {
		skCache = new(neverCache)
	}

	f := &SessionFactory{
		systemKeys:    skCache,
		config:        config,
		metastore:     store,
		crypto:        crypto,
		kms:           kms,
		secretFactory: new(secret.MemguardFactory),
	}

	if config.Policy.CacheIntermediateKeys && config.Policy.SharedIntermediateKeyCache {
		f.sharedIntKeys = newKeyCache(config.Policy, DefaultKeyCacheMaxSize)
	}

	for _, opt := range opts {
		opt(f)
	}

	if config.Policy.CacheSessions {
		f.sessionCache = newSessionCache(func(id string) (*Session, error) {
			return f.newSession(id)
		}, config.Policy)
	}

	return f, nil
}

// Close releases every resource owned by the factory: the session cache (if
// any), the shared Intermediate Key cache (if any), and the System Key
// cache. Call it once, at application shutdown.
func (f *SessionFactory) Close() error {
	if f.config.Policy.CacheSessions {
		f.sessionCache.Close()
	}

	if f.sharedIntKeys != nil {
		if err := f.sharedIntKeys.Close(); err != nil {
			return err
		}
	}

	return f.systemKeys.Close()
}

// GetSession returns a Session scoped to partition id, reusing a cached
// session if session caching is enabled.
func (f *SessionFactory) GetSession(id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("partition id cannot be empty")
	}

	if f.config.Policy.CacheSessions {
		return f.sessionCache.Get(id)
	}

	return f.newSession(id)
}

func (f *SessionFactory) newSession(id string) (*Session, error) {
	s := &Session{
		encryption: &envelopeEngine{
			partition:        f.newPartition(id),
			metastore:        f.metastore,
			kms:              f.kms,
			policy:           f.config.Policy,
			crypto:           f.crypto,
			secretFactory:    f.secretFactory,
			systemKeys:       f.systemKeys,
			intermediateKeys: f.newIntermediateKeyCache(),
		},
	}

	log.Debugf("new session for partition %s: Session(%p){Encryption(%p)}", id, s, s.encryption)

	return s, nil
}

func (f *SessionFactory) newPartition(id string) partition {
	if v, ok := f.metastore.(RegionSuffixed); ok && v.GetRegionSuffix() != "" {
		return newSuffixedPartition(id, f.config.Service, f.config.Product, v.GetRegionSuffix())
	}

	return newPartition(id, f.config.Service, f.config.Product)
}

func (f *SessionFactory) newIntermediateKeyCache() cache {
	if !f.config.Policy.CacheIntermediateKeys {
		return new(neverCache)
	}

	if f.config.Policy.SharedIntermediateKeyCache {
		return sharedCacheCloser{f.sharedIntKeys}
	}

	return newKeyCache(f.config.Policy, DefaultKeyCacheMaxSize)
}

// sharedCacheCloser wraps a cache owned by the SessionFactory so a Session's
// Close does not tear down a cache other sessions still depend on; only the
// factory's own Close releases it.
type sharedCacheCloser struct {
	cache
}

func (sharedCacheCloser) Close() error { return nil }

// Session encrypts and decrypts payloads for a single partition id.
type Session struct {
	encryption Encryption
}

// Encrypt implements the Encryption contract for this session's partition.
func (s *Session) Encrypt(ctx context.Context, data []byte) (*DataRowRecord, error) {
	return s.encryption.EncryptPayload(ctx, data)
}

// Decrypt implements the Encryption contract for this session's partition.
func (s *Session) Decrypt(ctx context.Context, d DataRowRecord) ([]byte, error) {
	return s.encryption.DecryptDataRowRecord(ctx, d)
}

// Load retrieves a DataRowRecord from store using key and decrypts it.
func (s *Session) Load(ctx context.Context, key interface{}, store Loader) ([]byte, error) {
	drr, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	return s.Decrypt(ctx, *drr)
}

// Store encrypts payload and persists the resulting DataRowRecord into
// store, returning whatever opaque key store generates to retrieve it later.
func (s *Session) Store(ctx context.Context, payload []byte, store Storer) (interface{}, error) {
	drr, err := s.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return store.Store(ctx, *drr)
}

// Close releases any resources (cached keys) held by this session. Call it
// as soon as the session is no longer in use.
func (s *Session) Close() error {
	return s.encryption.Close()
}
