// Package secret implements the Secure Secret contract (spec §4.1) on top of
// github.com/awnumar/memguard: plaintext key bytes live in an mlock'd buffer
// that is melted (made writable) only for the duration of a scoped access and
// frozen (marked read-only) immediately after, and is destroyed (wiped,
// unlocked, freed) on Close.
package secret

import (
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

// AllocTimer records the time taken to allocate a Secret.
var AllocTimer = metrics.GetOrRegisterTimer("envelope.secret.alloctimer", nil)

// AllocCounter tracks cumulative Secret allocations.
var AllocCounter = metrics.GetOrRegisterCounter("envelope.secret.allocated", nil)

// InUseCounter tracks the number of Secret instances currently allocated.
var InUseCounter = metrics.GetOrRegisterCounter("envelope.secret.inuse", nil)

// Secret protects plaintext key bytes in locked memory. The zero value is not
// usable; construct one via Factory.New or Factory.CreateRandom.
type Secret interface {
	// WithBytes exposes the plaintext only for the duration of action. A
	// reference to the slice MUST NOT be retained beyond action's scope.
	WithBytes(action func([]byte) error) error

	// WithBytesFunc is WithBytes for actions that return derived bytes.
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)

	// IsClosed reports whether Close has already run.
	IsClosed() bool

	// Close wipes the underlying bytes and releases the lock. Idempotent.
	Close() error
}

// Factory constructs Secret instances.
type Factory interface {
	// New copies b into a newly locked Secret. b is wiped before New returns.
	New(b []byte) (Secret, error)

	// CreateRandom returns a Secret containing size cryptographically random bytes.
	CreateRandom(size int) (Secret, error)
}

type secretError string

func (e secretError) Error() string { return string(e) }

const (
	errCreate secretError = "secure memory allocation failed"
	errClosed secretError = "secret has already been closed"
)

// secret is the memguard-backed Secret implementation. Concurrent accessors
// are reference-counted: the buffer is melted (writable) only while at least
// one WithBytes/WithBytesFunc call is in flight and refrozen (read-only) the
// instant the last one returns.
type secret struct {
	buffer        *memguard.LockedBuffer
	rw            *sync.RWMutex
	c             *sync.Cond
	closing       bool
	accessCounter int
}

func (s *secret) WithBytes(action func([]byte) error) (err error) {
	if err = s.access(); err != nil {
		return err
	}

	defer func() {
		if relErr := s.release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return action(s.buffer.Bytes())
}

func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	if err = s.access(); err != nil {
		return nil, err
	}

	defer func() {
		if relErr := s.release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return action(s.buffer.Bytes())
}

func (s *secret) IsClosed() bool {
	s.rw.RLock()
	defer s.rw.RUnlock()

	return !s.buffer.IsAlive()
}

func (s *secret) Close() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	s.closing = true

	for {
		if !s.buffer.IsAlive() {
			return nil
		}

		if s.accessCounter == 0 {
			s.buffer.Destroy()
			InUseCounter.Dec(1)

			return nil
		}

		s.c.Wait()
	}
}

// access melts the buffer (making it writable) on the first concurrent access.
func (s *secret) access() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.closing || !s.buffer.IsAlive() {
		return errors.WithStack(errClosed)
	}

	if s.accessCounter == 0 {
		s.buffer.Melt()
	}

	s.accessCounter++

	return nil
}

// release freezes the buffer (making it read-only again) once the last accessor returns.
func (s *secret) release() error {
	s.rw.Lock()
	defer s.rw.Unlock()
	defer s.c.Broadcast()

	s.accessCounter--

	if s.accessCounter == 0 {
		s.buffer.Freeze()
	}

	return nil
}

// MemguardFactory constructs memguard-backed Secrets. The zero value is ready to use.
type MemguardFactory struct{}

// New copies b into a newly locked, mlock'd Secret. The source slice b is
// wiped by memguard before this function returns.
func (MemguardFactory) New(b []byte) (Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	lb := memguard.NewBufferFromBytes(b)

	return newFromBuffer(lb)
}

// CreateRandom returns a Secret containing size cryptographically random bytes.
func (MemguardFactory) CreateRandom(size int) (Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	lb := memguard.NewBufferRandom(size)

	return newFromBuffer(lb)
}

func newFromBuffer(lb *memguard.LockedBuffer) (*secret, error) {
	if !lb.IsAlive() {
		return nil, errors.WithStack(errCreate)
	}

	// Start frozen (read-only) until the first scoped access melts it.
	lb.Freeze()

	AllocCounter.Inc(1)
	InUseCounter.Inc(1)

	rw := new(sync.RWMutex)

	return &secret{
		rw:     rw,
		c:      sync.NewCond(rw),
		buffer: lb,
	}, nil
}
