package testutils

import (
	"errors"
	"sync/atomic"
)

var ErrMockPoolExhausted = errors.New("mock pool exhausted")

// MockBlockPool is a heap-backed block pool that counts calls.
// A Limit > 0 caps the number of blocks in use at any time.
type MockBlockPool struct {
	Size  int
	Limit int64

	allocateCalls atomic.Int64
	releaseCalls  atomic.Int64
	reserveCalls  atomic.Int64
}

func NewMockBlockPool(size int) *MockBlockPool {
	return &MockBlockPool{Size: size}
}

func (p *MockBlockPool) BlockSize() int {
	return p.Size
}

func (p *MockBlockPool) Allocate() ([]byte, error) {
	if p.Limit > 0 && p.BlocksInUse() >= p.Limit {
		return nil, ErrMockPoolExhausted
	}
	p.allocateCalls.Add(1)
	return make([]byte, p.Size), nil
}

func (p *MockBlockPool) Release(b []byte) {
	if b == nil {
		return
	}
	p.releaseCalls.Add(1)
}

func (p *MockBlockPool) Reserve(numBlocks int) error {
	p.reserveCalls.Add(1)
	return nil
}

func (p *MockBlockPool) AllocateCalls() int64 {
	return p.allocateCalls.Load()
}

func (p *MockBlockPool) ReleaseCalls() int64 {
	return p.releaseCalls.Load()
}

func (p *MockBlockPool) ReserveCalls() int64 {
	return p.reserveCalls.Load()
}

func (p *MockBlockPool) BlocksInUse() int64 {
	return p.AllocateCalls() - p.ReleaseCalls()
}

func (p *MockBlockPool) Reset() {
	p.allocateCalls.Store(0)
	p.releaseCalls.Store(0)
	p.reserveCalls.Store(0)
}
