package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyweave/envelope/internal/secret"
)

// CryptoKey is the in-memory wrapper around a System, Intermediate, or Data
// Row Key: a creation time, a revoked flag, and a handle to the plaintext
// bytes held in locked memory (spec §3, C4).
type CryptoKey struct {
	created int64
	secret  secret.Secret
	once    sync.Once
	revoked uint32
}

// Created returns the key's creation time as a Unix epoch in seconds.
func (k *CryptoKey) Created() int64 {
	return k.created
}

// Revoked reports whether the key has been marked revoked.
func (k *CryptoKey) Revoked() bool {
	return atomic.LoadUint32(&k.revoked) == 1
}

// SetRevoked atomically stores revoked as the key's revoked flag. Passing
// false clears a flag that was set earlier.
func (k *CryptoKey) SetRevoked(revoked bool) {
	var v uint32
	if revoked {
		v = 1
	}

	atomic.StoreUint32(&k.revoked, v)
}

// Close wipes and releases the underlying secret. Idempotent.
func (k *CryptoKey) Close() {
	k.once.Do(k.close)
}

func (k *CryptoKey) close() {
	if k.secret == nil {
		return
	}

	k.secret.Close()
}

// IsClosed reports whether Close has already released the underlying secret.
func (k *CryptoKey) IsClosed() bool {
	return k.secret.IsClosed()
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey(%p){created=%d revoked=%t}", k, k.created, k.Revoked())
}

// WithBytes implements BytesAccessor.
func (k *CryptoKey) WithBytes(action func([]byte) error) error {
	return k.secret.WithBytes(action)
}

// WithBytesFunc implements BytesFuncAccessor.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.secret.WithBytesFunc(action)
}

// NewCryptoKey wraps key in a CryptoKey backed by a Secret from factory. The
// underlying array referenced by key is wiped by the factory once copied.
func NewCryptoKey(factory secret.Factory, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	var v uint32
	if revoked {
		v = 1
	}

	sec, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{created: created, revoked: v, secret: sec}, nil
}

// GenerateKey creates a new random CryptoKey of size bytes.
func GenerateKey(factory secret.Factory, created int64, size int) (*CryptoKey, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{created: created, secret: sec}, nil
}

// BytesAccessor exposes scoped read access to plaintext key bytes.
type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey invokes action with key's plaintext bytes for the scope of the call.
func WithKey(key BytesAccessor, action func([]byte) error) error {
	return key.WithBytes(action)
}

// BytesFuncAccessor exposes scoped read access to plaintext key bytes for
// actions that produce derived bytes (e.g. ciphertext).
type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc invokes action with key's plaintext bytes for the scope of the call.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}

// Revokable describes a key that can be inspected for revocation and age.
type Revokable interface {
	Revoked() bool
	Created() int64
}

// IsKeyExpired reports whether created is older than expireAfter.
func IsKeyExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}

// IsKeyInvalid reports whether key is revoked or expired (spec §4.5).
func IsKeyInvalid(key Revokable, expireAfter time.Duration) bool {
	return key.Revoked() || IsKeyExpired(key.Created(), expireAfter)
}
