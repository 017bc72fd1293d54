package internal

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/keyweave/envelope/internal/secret"
)

const keySize = 32

var (
	secretFactory = new(secret.MemguardFactory)
	created       = time.Now().Unix()
)

type mockSecret struct {
	mock.Mock
}

func (m *mockSecret) WithBytes(action func([]byte) error) error {
	ret := m.Called(action)
	return ret.Error(0)
}

func (m *mockSecret) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	ret := m.Called(action)

	var b []byte
	if v := ret.Get(0); v != nil {
		b = v.([]byte)
	}

	return b, ret.Error(1)
}

func (m *mockSecret) IsClosed() bool {
	return m.Called().Bool(0)
}

func (m *mockSecret) Close() error {
	return m.Called().Error(0)
}

func TestCryptoKey_Getters(t *testing.T) {
	key := &CryptoKey{created: created, revoked: 1}

	assert.Equal(t, created, key.Created())
	assert.True(t, key.Revoked())
}

func TestCryptoKey_SetRevoked_WithTrue(t *testing.T) {
	key := &CryptoKey{created: created}
	assert.False(t, key.Revoked())

	key.SetRevoked(true)

	assert.True(t, key.Revoked())
}

func TestCryptoKey_SetRevoked_WithFalse(t *testing.T) {
	key := &CryptoKey{created: created, revoked: 1}
	assert.True(t, key.Revoked())

	key.SetRevoked(false)

	assert.False(t, key.Revoked())
}

func TestCryptoKey_Close(t *testing.T) {
	sec, err := secretFactory.New([]byte("testing"))
	require.NoError(t, err)

	key := &CryptoKey{secret: sec}

	assert.False(t, key.IsClosed())
	key.Close()
	assert.True(t, key.IsClosed())
	assert.NotPanics(t, func() {
		key.Close()
	})
}

func TestCryptoKey_Close_NilSecret(t *testing.T) {
	key := &CryptoKey{created: created}

	assert.NotPanics(t, func() {
		key.Close()
	})
}

func TestNewCryptoKey(t *testing.T) {
	plaintext := []byte("blah")
	plaintextCopy := make([]byte, len(plaintext))
	copy(plaintextCopy, plaintext)

	key, err := NewCryptoKey(secretFactory, created, false, plaintext)
	if assert.NoError(t, err) {
		defer key.Close()

		assert.Equal(t, created, key.created)
		assert.False(t, key.Revoked())
		assert.NoError(t, WithKey(key, func(keyBytes []byte) error {
			assert.Equal(t, plaintextCopy, keyBytes)
			return nil
		}))
	}
}

func TestNewCryptoKey_WithRevokedTrue(t *testing.T) {
	key, err := NewCryptoKey(secretFactory, created, true, []byte("blah"))
	if assert.NoError(t, err) {
		defer key.Close()

		assert.True(t, key.Revoked())
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey(secretFactory, created, keySize)
	require.NoError(t, err)

	defer key.Close()

	assert.Equal(t, created, key.created)
	assert.NoError(t, WithKey(key, func(b []byte) error {
		assert.Len(t, b, keySize)
		return nil
	}))
}

func TestWithKey_PropagatesError(t *testing.T) {
	ms := new(mockSecret)
	key := &CryptoKey{secret: ms}

	wantErr := errors.New("boom")
	ms.On("WithBytes", mock.Anything).Return(wantErr)

	err := WithKey(key, func([]byte) error { return nil })
	assert.EqualError(t, err, wantErr.Error())
}

func TestWithKeyFunc_ReturnsResult(t *testing.T) {
	ms := new(mockSecret)
	key := &CryptoKey{secret: ms}

	want := []byte("success")
	ms.On("WithBytesFunc", mock.Anything).Return(want, nil)

	got, err := WithKeyFunc(key, func([]byte) ([]byte, error) { return nil, nil })
	if assert.NoError(t, err) {
		assert.Equal(t, want, got)
	}
}

func TestIsKeyExpired(t *testing.T) {
	assert.False(t, IsKeyExpired(time.Now().Unix(), time.Hour))
	assert.True(t, IsKeyExpired(time.Now().Add(-2*time.Hour).Unix(), time.Hour))
}

func TestIsKeyInvalid(t *testing.T) {
	key := &CryptoKey{created: time.Now().Unix()}
	assert.False(t, IsKeyInvalid(key, time.Hour))

	key.SetRevoked(true)
	assert.True(t, IsKeyInvalid(key, time.Hour))
}

func BenchmarkGenerateKey(b *testing.B) {
	var key *CryptoKey

	for i := 0; i < b.N; i++ {
		key, _ = GenerateKey(secretFactory, time.Now().Unix(), keySize)
		key.Close()
	}

	b.ReportAllocs()
}
