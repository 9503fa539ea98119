package chain

import "sync"

// Pool represents a pool of reusable chain headers bound to a single block pool.
// A Pool is safe for concurrent use by multiple goroutines.
type Pool[P BlockPooler] struct {
	blockPool P
	pool      sync.Pool
}

func NewPool[P BlockPooler](blockPool P) *Pool[P] {
	p := &Pool[P]{blockPool: blockPool}
	p.pool.New = func() any {
		c := New(blockPool)
		c.origin = p
		return c
	}
	return p
}

// Get retrieves an empty chain from the pool or creates a new one.
func (p *Pool[P]) Get() *Chain[P] {
	c := p.pool.Get().(*Chain[P])
	c.pooled = false
	return c
}

// Put releases the chain's blocks and returns it to the pool for reuse.
// The chain must have been retrieved with Get and must not be used after Put.
func (p *Pool[P]) Put(c *Chain[P]) {
	if !p.Owns(c) {
		illegal("put", "chain was not retrieved from this pool or was already returned")
	}
	c.RemoveAll()
	c.pooled = true
	p.pool.Put(c)
}

// Owns reports whether the chain was retrieved from the pool and not yet returned.
func (p *Pool[P]) Owns(c *Chain[P]) bool {
	return c.origin == p && !c.pooled
}
