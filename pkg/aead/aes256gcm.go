// Package aead implements the envelope package's AEAD contract using
// AES-256-GCM: ciphertext with the nonce appended, a 128-bit tag, and a
// 96-bit nonce (spec §4.2).
package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/keyweave/envelope"
	"github.com/keyweave/envelope/internal"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16

	// gcmMaxDataSize is the largest plaintext GCM can seal in a single
	// invocation without exceeding its safe usage limits.
	gcmMaxDataSize = (1 << 36) - 32
)

type aesGCM struct{}

// NewAES256GCM returns an envelope.AEAD implementation backed by Go's
// standard library AES-256-GCM.
func NewAES256GCM() envelope.AEAD {
	return aesGCM{}
}

func newCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// Encrypt implements envelope.AEAD.
func (aesGCM) Encrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := newCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data) > gcmMaxDataSize {
		return nil, errors.New("data too large for GCM")
	}

	if gcmTagSize != aeadCipher.Overhead() {
		return nil, errors.New("unexpected cipher overhead")
	}

	if gcmNonceSize != aeadCipher.NonceSize() {
		return nil, errors.New("unexpected cipher nonce size")
	}

	size := len(data) + gcmTagSize + gcmNonceSize

	cipherAndNonce := make([]byte, size)
	noncePos := len(cipherAndNonce) - aeadCipher.NonceSize()

	internal.FillRandom(cipherAndNonce[noncePos:])

	aeadCipher.Seal(cipherAndNonce[:0], cipherAndNonce[noncePos:], data, nil)

	return cipherAndNonce, nil
}

// Decrypt implements envelope.AEAD.
func (aesGCM) Decrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := newCipher(key)
	if err != nil {
		return nil, err
	}

	if len(data) < aeadCipher.NonceSize() {
		return nil, errors.New("data length is shorter than nonce size")
	}

	noncePos := len(data) - aeadCipher.NonceSize()

	// The caller may wipe data's backing array immediately after this call
	// returns (e.g. a KEK-wrapped key), so we can't reuse its storage here.
	plaintext, err := aeadCipher.Open(nil, data[noncePos:], data[:noncePos], nil)

	return plaintext, errors.Wrap(err, "error decrypting data")
}
