package envelope

import "time"

// Default values for CryptoPolicy.
const (
	DefaultExpireAfter          = 90 * 24 * time.Hour
	DefaultRevokeCheckInterval  = 60 * time.Minute
	DefaultCreateDatePrecision  = time.Minute
	DefaultKeyCacheMaxSize      = 1000
	DefaultSessionCacheMaxSize  = 1000
	DefaultSessionCacheDuration = 2 * time.Hour
)

// RotationStrategy selects how an expired key is handled on read (spec §4.5).
type RotationStrategy int

const (
	// Inline generates a replacement key synchronously on read when the
	// current latest key is expired. This is the only strategy the engine
	// implements side effects for.
	Inline RotationStrategy = iota

	// Queued is a policy flag with no engine-side effects: it signals that a
	// background process, not this read path, is responsible for rotation.
	// Reads still return the (expired) latest key.
	Queued
)

// CryptoPolicy encodes the expiration, revocation, caching, and rotation
// decisions used by the envelope engine (spec §4.5). Construct one with
// NewCryptoPolicy and the With* options below, or build the zero-adjacent
// struct directly for full control.
type CryptoPolicy struct {
	// ExpireKeyAfter determines when a key is considered expired based on its
	// creation time (regularly-scheduled rotation).
	ExpireKeyAfter time.Duration

	// RevokeCheckInterval is the cache TTL for non-revoked keys: cached keys
	// older than this are re-verified against the metastore on next use.
	RevokeCheckInterval time.Duration

	// CreateDatePrecision truncates a new key's creation timestamp, reducing
	// the chance of concurrent callers racing to create distinct keys.
	CreateDatePrecision time.Duration

	// CacheSystemKeys enables caching of System Keys.
	CacheSystemKeys bool

	// CacheIntermediateKeys enables caching of Intermediate Keys.
	CacheIntermediateKeys bool

	// SharedIntermediateKeyCache, when true, uses a single Intermediate Key
	// cache across all sessions created by a factory rather than one per
	// session. Ignored if CacheIntermediateKeys is false.
	SharedIntermediateKeyCache bool

	// RotationStrategy selects Inline or Queued key rotation on read.
	RotationStrategy RotationStrategy

	// CacheSessions enables the SessionFactory-level session cache.
	CacheSessions bool

	// SessionCacheMaxSize bounds the number of sessions kept in the session cache.
	SessionCacheMaxSize int

	// SessionCacheDuration is the idle duration after which a cached session
	// may be evicted.
	SessionCacheDuration time.Duration
}

// PolicyOption configures a CryptoPolicy.
type PolicyOption func(*CryptoPolicy)

// WithRevokeCheckInterval sets the TTL used to recheck cached keys for revocation.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.RevokeCheckInterval = d }
}

// WithExpireAfterDuration sets the duration after which a key is considered expired.
func WithExpireAfterDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.ExpireKeyAfter = d }
}

// WithCreateDatePrecision sets the truncation applied to new key creation timestamps.
func WithCreateDatePrecision(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.CreateDatePrecision = d }
}

// WithNoCache disables caching of both System and Intermediate Keys.
func WithNoCache() PolicyOption {
	return func(p *CryptoPolicy) {
		p.CacheSystemKeys = false
		p.CacheIntermediateKeys = false
	}
}

// WithSharedIntermediateKeyCache enables a single Intermediate Key cache
// shared across all sessions created by a factory.
func WithSharedIntermediateKeyCache() PolicyOption {
	return func(p *CryptoPolicy) { p.SharedIntermediateKeyCache = true }
}

// WithRotationStrategy sets the key rotation strategy.
func WithRotationStrategy(s RotationStrategy) PolicyOption {
	return func(p *CryptoPolicy) { p.RotationStrategy = s }
}

// WithSessionCache enables session caching.
func WithSessionCache() PolicyOption {
	return func(p *CryptoPolicy) { p.CacheSessions = true }
}

// WithSessionCacheMaxSize sets the session cache's maximum size.
func WithSessionCacheMaxSize(n int) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheMaxSize = n }
}

// WithSessionCacheDuration sets the session cache's idle eviction duration.
func WithSessionCacheDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheDuration = d }
}

// NewCryptoPolicy returns a CryptoPolicy with the "basic expiring" defaults
// (spec §4.5) applied, then overridden by opts.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	p := &CryptoPolicy{
		ExpireKeyAfter:        DefaultExpireAfter,
		RevokeCheckInterval:   DefaultRevokeCheckInterval,
		CreateDatePrecision:   DefaultCreateDatePrecision,
		CacheSystemKeys:       true,
		CacheIntermediateKeys: true,
		RotationStrategy:      Inline,
		CacheSessions:         false,
		SessionCacheMaxSize:   DefaultSessionCacheMaxSize,
		SessionCacheDuration:  DefaultSessionCacheDuration,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// NeverExpiredPolicy returns a CryptoPolicy whose keys never expire and are
// never revoke-rechecked. It exists for tests only.
func NeverExpiredPolicy() *CryptoPolicy {
	return NewCryptoPolicy(
		WithExpireAfterDuration(100*365*24*time.Hour),
		WithRevokeCheckInterval(100*365*24*time.Hour),
	)
}

// truncateToPrecision truncates t to the policy's configured create-date precision.
func (p *CryptoPolicy) truncateToPrecision(t time.Time) int64 {
	if p.CreateDatePrecision > 0 {
		return t.Truncate(p.CreateDatePrecision).Unix()
	}

	return t.Unix()
}

// newKeyTimestamp returns the current time truncated to precision, used for
// both System and Intermediate Key creation (spec invariant I1).
func newKeyTimestamp(precision time.Duration) int64 {
	if precision > 0 {
		return time.Now().Truncate(precision).Unix()
	}

	return time.Now().Unix()
}

// Config carries the identifiers and policy needed to construct a SessionFactory.
type Config struct {
	// Service identifies the calling service.
	Service string

	// Product identifies the team or product group that owns the calling service.
	Product string

	// Policy controls key expiration, caching, and rotation behavior. A
	// default "basic expiring" policy (90-day rotation) is used if nil.
	Policy *CryptoPolicy
}

// Validate reports ErrConfigInvalid if required fields are missing.
func (c *Config) Validate() error {
	if c.Service == "" {
		return errConfigf("service id must not be empty")
	}

	if c.Product == "" {
		return errConfigf("product id must not be empty")
	}

	return nil
}
