package bufchain

import (
	"errors"
	"sync/atomic"
)

var errReleased = errors.New("illegal use of shared handle: handle is released")

// Destroyer destroys objects and reclaims their resources.
type Destroyer[T any] interface {
	Destroy(v T)
}

// DestroyerFunc adapts an ordinary function to the Destroyer interface.
type DestroyerFunc[T any] func(v T)

func (f DestroyerFunc[T]) Destroy(v T) {
	f(v)
}

// Shared is a reference-counted handle owning a value. The value is destroyed by the
// handle's Destroyer when the last reference is released.
//
// Retain and Release are safe for concurrent use. The value itself is not protected.
type Shared[T any] struct {
	v    T
	d    Destroyer[T]
	refs atomic.Int64
}

// NewShared returns a handle owning v with a single reference.
func NewShared[T any](v T, d Destroyer[T]) *Shared[T] {
	s := &Shared[T]{v: v, d: d}
	s.refs.Store(1)
	return s
}

// Get returns the owned value.
func (s *Shared[T]) Get() T {
	if s.refs.Load() <= 0 {
		panic(errReleased)
	}
	return s.v
}

// Refs returns the current number of references.
func (s *Shared[T]) Refs() int64 {
	return s.refs.Load()
}

// Retain adds a reference and returns the handle.
func (s *Shared[T]) Retain() *Shared[T] {
	for {
		n := s.refs.Load()
		if n <= 0 {
			panic(errReleased)
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return s
		}
	}
}

// Release drops a reference. Dropping the last reference destroys the value.
func (s *Shared[T]) Release() {
	switch n := s.refs.Add(-1); {
	case n == 0:
		s.d.Destroy(s.v)
	case n < 0:
		panic(errReleased)
	}
}
