package internal

import (
	"crypto/rand"
	"runtime"
)

// MemClr wipes buf with zeroes.
func MemClr(buf []byte) {
	clear(buf)

	// Prevent dead-store elimination of the clear above.
	runtime.KeepAlive(buf)
}

// FillRandom overwrites buf with cryptographically-secure random bytes.
func FillRandom(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}

	runtime.KeepAlive(buf)
}

// GetRandBytes returns a new slice of length n filled with cryptographically
// secure random bytes.
func GetRandBytes(n int) []byte {
	buf := make([]byte, n)
	FillRandom(buf)

	return buf
}
