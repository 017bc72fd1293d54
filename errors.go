package envelope

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine and its collaborators. The engine
// and the AWS KMS implementation wrap these with github.com/pkg/errors to add
// operation-specific context while remaining errors.Is-compatible; the
// metastore implementations return their backends' errors without a sentinel.
var (
	// ErrNotFound indicates a referenced EnvelopeKeyRecord is missing from the metastore.
	ErrNotFound = errors.New("envelope: key record not found")

	// ErrMalformedEKR indicates an EnvelopeKeyRecord is missing required parent
	// metadata or otherwise fails to decode.
	ErrMalformedEKR = errors.New("envelope: malformed envelope key record")

	// ErrCacheClosed indicates an operation was attempted on a closed key cache.
	ErrCacheClosed = errors.New("envelope: cache is closed")

	// ErrCryptoFailure indicates the AEAD primitive failed to encrypt or decrypt,
	// most commonly due to a tag mismatch.
	ErrCryptoFailure = errors.New("envelope: crypto operation failed")

	// ErrKMSFailure indicates a master-key wrap/unwrap operation failed in all
	// configured regions.
	ErrKMSFailure = errors.New("envelope: kms operation failed")

	// ErrMetastoreFailure indicates a non-retryable I/O error from the metastore backend.
	ErrMetastoreFailure = errors.New("envelope: metastore operation failed")

	// ErrConfigInvalid indicates a bad or missing configuration option.
	ErrConfigInvalid = errors.New("envelope: invalid configuration")

	// ErrSecureMemoryAllocationFailed indicates the host OS denied a request to
	// lock or allocate protected memory for a Secret.
	ErrSecureMemoryAllocationFailed = errors.New("envelope: secure memory allocation failed")
)

// errConfigf wraps ErrConfigInvalid with a formatted message.
func errConfigf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}
