// Package bufchain implements pool-backed buffer chains.
// A chain is a variable-length byte buffer stored as a sequence of fixed-size blocks
// from a shared block pool. It grows and shrinks without copying its contents, and
// its blocks can be handed directly to scatter/gather I/O.
package bufchain

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/holmberd/go-bufchain/internal/chain"
)

type (
	BlockPooler = chain.BlockPooler

	// Chain is a buffer chain drawing blocks from a pool of type P.
	Chain[P BlockPooler] = chain.Chain[P]

	// Reader reads the valid bytes of a Chain sequentially.
	Reader[P BlockPooler] = chain.Reader[P]
)

var ErrPrecondition = chain.ErrPrecondition

var _ Destroyer[*Chain[*BlockPool]] = (*Factory[*BlockPool])(nil)

// NewChain creates a new, empty chain bound to pool. The pool must outlive the chain,
// and the caller must call RemoveAll to return the chain's blocks.
func NewChain[P BlockPooler](pool P) *Chain[P] {
	return chain.New(pool)
}

// NewReader returns a Reader reading from the start of c.
func NewReader[P BlockPooler](c *Chain[P]) *Reader[P] {
	return chain.NewReader(c)
}

// Factory allocates and destroys chains backed by a single block pool.
// It is safe for concurrent use; the chains it produces are not.
//
// A Factory must outlive every chain, and every handle holding a chain, it produced.
type Factory[P BlockPooler] struct {
	logger    *slog.Logger
	blockPool P
	chains    *chain.Pool[P] // Pool of chain headers.
	live      atomic.Int64   // Number of chains allocated and not yet destroyed.
}

// NewFactory creates a new factory owning a block pool of config.BufferSize blocks.
func NewFactory(config Config) (*Factory[*BlockPool], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	pool, err := NewBlockPool(config.blockPoolConfig())
	if err != nil {
		return nil, err
	}
	return Custom(pool, config.Logger), nil
}

// Custom creates a new factory producing chains backed by a custom block pool.
func Custom[P BlockPooler](pool P, logger *slog.Logger) *Factory[P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory[P]{
		logger:    logger,
		blockPool: pool,
		chains:    chain.NewPool(pool),
	}
}

// BufferSize returns the size of every block in chains produced by the factory.
func (f *Factory[P]) BufferSize() int {
	return f.blockPool.BlockSize()
}

// BlockPool returns the factory's block pool.
func (f *Factory[P]) BlockPool() P {
	return f.blockPool
}

// Live returns the number of chains allocated and not yet destroyed.
func (f *Factory[P]) Live() int64 {
	return f.live.Load()
}

// Allocate returns a new chain of the specified length. The contents of the chain
// are unspecified. The chain must be returned with Destroy.
//
// If the block pool cannot supply enough blocks the error is returned and no chain
// is allocated.
func (f *Factory[P]) Allocate(length int) (*Chain[P], error) {
	if length < 0 {
		panic(fmt.Errorf("illegal call to allocate: %w: negative length %d", ErrPrecondition, length))
	}
	c := f.chains.Get()
	if err := c.SetLength(length); err != nil {
		f.chains.Put(c)
		f.logger.Warn("failed to allocate chain", "length", length, "error", err)
		return nil, err
	}
	f.live.Add(1)
	return c, nil
}

// Destroy releases every block of the chain back to the block pool and recycles the
// chain. The chain must not be used afterwards. It does nothing if c is nil.
// Destroying a chain twice, or one not returned by Allocate, panics.
//
// Destroy implements the Destroyer interface, so a factory can be plugged into any
// owning handle, see [Factory.AllocateShared].
func (f *Factory[P]) Destroy(c *Chain[P]) {
	if c == nil {
		return
	}
	if !f.chains.Owns(c) {
		panic(fmt.Errorf("illegal call to destroy: %w: chain was not allocated by this factory or was already destroyed", ErrPrecondition))
	}
	f.chains.Put(c)
	f.live.Add(-1)
}

// AllocateShared is like Allocate but returns the chain in a reference-counted handle
// that destroys the chain when its last reference is released.
func (f *Factory[P]) AllocateShared(length int) (*Shared[*Chain[P]], error) {
	c, err := f.Allocate(length)
	if err != nil {
		return nil, err
	}
	return NewShared[*Chain[P]](c, f), nil
}
