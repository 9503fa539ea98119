package bufchain

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

const (
	KiB = 1024
	MiB = KiB * KiB
)

// ErrPoolExhausted is returned when a block pool has reached its block limit
// and has no free blocks left.
var ErrPoolExhausted = errors.New("block pool exhausted")

// BlockPool is a thread-safe pool for managing memory blocks of a single fixed size.
//
// When the block size is a multiple of the OS page size, blocks are mapped outside of
// the Go heap, which reduces how often the GOGC has to run. Other block sizes are
// carved out of heap allocated slabs.
type BlockPool struct {
	mu     sync.Mutex
	logger *slog.Logger
	free   [][]byte
	mapped int // Number of blocks currently allocated, in use or free.

	blockSize      int
	blocksPerAlloc int
	maxBlocks      int
	useMmap        bool

	// freeThreshold represents the number of free blocks the pool can hold
	// before starting to release memory.
	freeThreshold int
}

// NewBlockPool creates a new, empty block pool.
func NewBlockPool(config BlockPoolConfig) (*BlockPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BlockPool{
		logger:         logger,
		blockSize:      config.BlockSize,
		blocksPerAlloc: max(config.BlocksPerAlloc, 1),
		maxBlocks:      config.MaxBlocks,
		freeThreshold:  config.FreeThreshold,
		useMmap:        config.BlockSize%unix.Getpagesize() == 0,
	}, nil
}

// BlockSize returns the size of every block in the pool.
func (p *BlockPool) BlockSize() int {
	return p.blockSize
}

// Allocate retrieves a block from the pool. The returned block has a length and
// capacity of BlockSize bytes and unspecified contents.
//
// The error wraps ErrPoolExhausted if the pool has reached its block limit.
func (p *BlockPool) Allocate() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		if err := p.alloc(p.blocksPerAlloc); err != nil {
			return nil, err
		}
	}
	n := len(p.free) - 1
	b := p.free[n]
	p.free[n] = nil
	p.free = p.free[:n]
	return b, nil
}

// Release returns a block to the pool. The block must not be used afterwards.
// It does nothing if the block is nil or was not allocated by a pool of this block size.
func (p *BlockPool) Release(b []byte) {
	if b == nil {
		return
	}
	if cap(b) != p.blockSize {
		p.logger.Warn("ignoring release of a block with unexpected size", "size", cap(b), "blockSize", p.blockSize)
		return
	}
	b = b[:cap(b)] // Ensure the block is reset to its full capacity before returning.

	p.mu.Lock()
	p.free = append(p.free, b)
	var blocksToRelease [][]byte
	p.free, blocksToRelease = releaseBlocks(p.free, p.freeThreshold)
	p.mapped -= len(blocksToRelease)
	p.mu.Unlock()

	// Perform unmap outside of the lock to avoid blocking other operations.
	if p.useMmap {
		for _, block := range blocksToRelease {
			p.unmap(block)
		}
	}
}

// Reserve ensures that at least numBlocks free blocks are available in the pool.
// This is useful for pre-warming the pool to a specific capacity.
//
// The error wraps ErrPoolExhausted if reserving would exceed the block limit,
// in which case no blocks are allocated.
func (p *BlockPool) Reserve(numBlocks int) error {
	if numBlocks <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n := numBlocks - len(p.free)
	if n <= 0 {
		return nil
	}
	if p.maxBlocks > 0 && p.mapped+n > p.maxBlocks {
		return fmt.Errorf("%w: cannot reserve %d blocks with %d of %d allocated", ErrPoolExhausted, n, p.mapped, p.maxBlocks)
	}
	return p.alloc(n)
}

// Trim releases every free block back to the runtime or operating system.
func (p *BlockPool) Trim() {
	p.mu.Lock()
	blocksToRelease := p.free
	p.free = nil
	p.mapped -= len(blocksToRelease)
	p.mu.Unlock()

	if p.useMmap {
		for _, block := range blocksToRelease {
			p.unmap(block)
		}
	}
}

// Stats returns a snapshot of the pool's block accounting.
func (p *BlockPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		BlockSize: p.blockSize,
		InUse:     p.mapped - len(p.free),
		Free:      len(p.free),
		Allocated: p.mapped,
	}
}

// unmap releases the memory of a block back to the operating system.
func (p *BlockPool) unmap(b []byte) {
	if err := unix.Munmap(b); err != nil {
		p.logger.Error("failed to unmap block", "error", err)
	}
}

// alloc allocates up to numBlocks free blocks, bounded by the block limit.
// It assumes the caller holds the mutex.
func (p *BlockPool) alloc(numBlocks int) error {
	if p.maxBlocks > 0 {
		available := p.maxBlocks - p.mapped
		if available <= 0 {
			return fmt.Errorf("%w: %d of %d blocks in use", ErrPoolExhausted, p.mapped, p.maxBlocks)
		}
		numBlocks = min(numBlocks, available)
	}
	if p.useMmap {
		// Each block is mapped on its own since unix.Munmap only accepts whole mappings.
		for i := range numBlocks {
			// Use unix.Mmap to allocate virtual memory that is not part the Go heap.
			block, err := unix.Mmap(-1, 0, p.blockSize,
				unix.PROT_READ|unix.PROT_WRITE,
				unix.MAP_ANON|unix.MAP_PRIVATE,
			)
			if err != nil {
				p.mapped += i
				return fmt.Errorf("cannot allocate %d bytes via mmap for block size %d: %w", p.blockSize, p.blockSize, err)
			}
			p.free = append(p.free, block)
		}
	} else {
		// Slice a heap slab into blocks and append them to the free list.
		data := make([]byte, p.blockSize*numBlocks)
		for len(data) > 0 {
			p.free = append(p.free, data[:p.blockSize:p.blockSize])
			data = data[p.blockSize:]
		}
	}
	p.mapped += numBlocks
	p.logger.Debug("block pool grew", "blocks", numBlocks, "blockSize", p.blockSize, "allocated", p.mapped)
	return nil
}

// numFree returns the number of free blocks.
// It is primarily intended as helper method in tests.
func (p *BlockPool) numFree() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// releaseBlocks trims the free list if it exceeds the given threshold.
// It returns the updated list and the blocks that were removed and should be released.
func releaseBlocks(freeList [][]byte, threshold int) (newList [][]byte, toRelease [][]byte) {
	if threshold <= 0 || len(freeList) <= threshold {
		return freeList, nil
	}
	// Release half of the free blocks to prevent thrashing around the threshold.
	n := len(freeList) / 2
	toRelease = slices.Clone(freeList[:n])
	newList = append(freeList[:0], freeList[n:]...)
	clear(freeList[len(newList):])
	return newList, toRelease
}

// PoolStats represents block pool stats.
type PoolStats struct {
	BlockSize int // Size of every block in bytes.
	InUse     int // Blocks held by callers.
	Free      int // Blocks held by the pool.
	Allocated int // Blocks in use and free.
}

func (s PoolStats) String() string {
	return fmt.Sprintf(
		"%d blocks in use (%s), %d free (%s), block size %s",
		s.InUse, humanize.IBytes(uint64(s.InUse*s.BlockSize)),
		s.Free, humanize.IBytes(uint64(s.Free*s.BlockSize)),
		humanize.IBytes(uint64(s.BlockSize)),
	)
}
