// Package envelope implements application-level envelope encryption: given a
// plaintext payload and a partition identifier, it produces a self-describing
// Data Row Record (DRR) whose payload is protected by a per-row Data Row Key
// (DRK), itself protected by a per-partition Intermediate Key (IK), itself
// protected by a per-(service,product) System Key (SK) wrapped by an external
// Key Management Service.
//
// Your main interaction with the package will most likely be the
// SessionFactory, which should be created once at application start up and
// kept for the lifetime of the app. A Session should be closed as soon as
// possible after use and kept short-lived to avoid exhausting the amount of
// memory the host allows to be locked (see mlock/ulimit documentation).
package envelope

import "context"

// AES256KeySize is the key size, in bytes, used by the AEAD implementation.
const AES256KeySize int = 32

// MetricsPrefix prefixes all metric names emitted by this package.
const MetricsPrefix = "envelope"

// Encryption performs encryption/decryption of a payload scoped to a single partition.
type Encryption interface {
	// EncryptPayload encrypts data and returns a DataRowRecord containing everything
	// required to decrypt it in the future.
	EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error)

	// DecryptDataRowRecord decrypts d and returns the original plaintext.
	DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error)

	// Close releases any resources (locked key memory) held by this Encryption.
	// It must be called as soon as the instance is no longer in use.
	Close() error
}

// KeyManagementService wraps/unwraps System Key material with an external master key.
type KeyManagementService interface {
	// EncryptKey encrypts plaintext key bytes with the master key. The returned
	// opaque bytes are what gets persisted in the metastore.
	EncryptKey(ctx context.Context, plaintext []byte) ([]byte, error)

	// DecryptKey decrypts an opaque envelope previously returned by EncryptKey.
	DecryptKey(ctx context.Context, encrypted []byte) ([]byte, error)
}

// Metastore persists and retrieves EnvelopeKeyRecords.
type Metastore interface {
	// Load retrieves a specific key by id and created timestamp. Returns (nil, nil)
	// if no such record exists.
	Load(ctx context.Context, id string, created int64) (*EnvelopeKeyRecord, error)

	// LoadLatest returns the record with the greatest created timestamp for id.
	// Returns (nil, nil) if none exists.
	LoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error)

	// Store attempts to insert envelope at (id, created) iff no such row already
	// exists. Returns true on success, false iff the row already existed.
	Store(ctx context.Context, id string, created int64, envelope *EnvelopeKeyRecord) (bool, error)
}

// AEAD performs fixed-contract authenticated encryption.
type AEAD interface {
	// Encrypt encrypts data under key and returns ciphertext with the nonce appended.
	Encrypt(data, key []byte) ([]byte, error)

	// Decrypt splits the trailing nonce from data, verifies the tag, and returns plaintext.
	Decrypt(data, key []byte) ([]byte, error)
}

// Loader loads a DataRowRecord from an opaque persistence store by key.
type Loader interface {
	Load(ctx context.Context, key interface{}) (*DataRowRecord, error)
}

// Storer persists a DataRowRecord and returns an opaque key for future retrieval.
type Storer interface {
	Store(ctx context.Context, d DataRowRecord) (interface{}, error)
}
