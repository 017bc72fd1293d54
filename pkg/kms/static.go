// Package kms provides KeyManagementService implementations for the
// envelope package: a StaticKMS for tests and local development, and an AWS
// multi-region implementation for production use (spec §4.3).
package kms

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/keyweave/envelope"
	"github.com/keyweave/envelope/internal"
	"github.com/keyweave/envelope/internal/secret"
)

var _ envelope.KeyManagementService = (*StaticKMS)(nil)

const staticKMSKeySize = 32

// StaticKMS is an in-memory KeyManagementService backed by a single
// hard-coded master key. It must never be used in production; it exists so
// tests and local examples don't require a real KMS.
type StaticKMS struct {
	crypto envelope.AEAD
	key    *internal.CryptoKey
}

// NewStatic constructs a StaticKMS from a 32-byte master key.
func NewStatic(key string, crypto envelope.AEAD) (*StaticKMS, error) {
	if len(key) != staticKMSKeySize {
		return nil, errors.Errorf("invalid key size %d, must be %d bytes", len(key), staticKMSKeySize)
	}

	f := new(secret.MemguardFactory)

	cryptoKey, err := internal.NewCryptoKey(f, time.Now().Unix(), false, []byte(key))
	if err != nil {
		return nil, err
	}

	return &StaticKMS{crypto: crypto, key: cryptoKey}, nil
}

// EncryptKey encrypts plaintext with the master key.
func (s *StaticKMS) EncryptKey(_ context.Context, plaintext []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(masterKeyBytes []byte) ([]byte, error) {
		return s.crypto.Encrypt(plaintext, masterKeyBytes)
	})
}

// DecryptKey decrypts an envelope previously returned by EncryptKey.
func (s *StaticKMS) DecryptKey(_ context.Context, encrypted []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(masterKeyBytes []byte) ([]byte, error) {
		return s.crypto.Decrypt(encrypted, masterKeyBytes)
	})
}

// Close frees the memory locked by the master key. Call it once the KMS is
// no longer in use.
func (s *StaticKMS) Close() error {
	if s.key != nil {
		s.key.Close()
	}

	return nil
}
